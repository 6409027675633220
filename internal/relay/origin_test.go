package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"hls-livepipe/internal/fetch"
	"hls-livepipe/internal/pipeline"
)

// newOrigin serves a live playlist of chunks 0..9 and the chunks themselves.
func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	r := chi.NewRouter()
	r.Get("/live/expire/{expire}/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		from := int64(0)
		if c, err := strconv.ParseInt(r.URL.Query().Get("sq"), 10, 64); err == nil {
			from = c
		}
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:2\n")
		for i := from; i < 10; i++ {
			fmt.Fprintf(&b, "#EXTINF:2.0,\n%s/chunk/sq/%d/file.ts\n", srv.URL, i)
		}
		_, _ = w.Write([]byte(b.String()))
	})
	r.Get("/chunk/sq/{sq}/file.ts", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("chunk-" + chi.URLParam(r, "sq") + ";"))
	})
	srv = httptest.NewTLSServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func originPlaylist(srv *httptest.Server) string {
	return fmt.Sprintf("%s/live/expire/%d/index.m3u8", srv.URL, time.Now().Add(time.Hour).Unix())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestService builds a Service whose "default" stream follows origin and
// whose "broken" stream fails to resolve.
func newTestService(t *testing.T, origin *httptest.Server) *Service {
	t.Helper()
	lookup := func(stream string) (pipeline.ResolveFunc, bool) {
		switch stream {
		case "default":
			return func(context.Context, bool) (string, error) { return originPlaylist(origin), nil }, true
		case "broken":
			return func(context.Context, bool) (string, error) { return origin.URL + "/live/index.m3u8", nil }, true
		}
		return nil, false
	}
	base := pipeline.Config{
		CacheDepth:   3,
		BaseInterval: time.Hour,
		Fetcher:      fetch.New(origin.Client(), fetch.WithLogger(discardLogger())),
	}
	return NewService(NewInMemoryRepository(), lookup, base, discardLogger())
}
