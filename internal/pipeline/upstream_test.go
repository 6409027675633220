package pipeline

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// upstream is a fake live origin. It serves a media playlist listing chunks
// [tail, head) and the chunks themselves. The playlist honours the sq cursor
// parameter unless ignoreCursor is set.
type upstream struct {
	srv *httptest.Server

	mu           sync.Mutex
	tail, head   int64
	ignoreCursor bool
	noSequence   bool
	failChunks   bool
	cursors      []string

	playlistHits atomic.Int32
	chunkHits    atomic.Int32

	// playlistGate, when set, is received from before a playlist is served.
	playlistGate chan struct{}
	// chunkGate, when set, is received from before chunk gateSeq is served.
	chunkGate chan struct{}
	gateSeq   int64
}

func newUpstream(t *testing.T, tail, head int64) *upstream {
	t.Helper()
	u := &upstream{tail: tail, head: head, gateSeq: -1}

	r := chi.NewRouter()
	r.Get("/manifest/expire/{expire}/index.m3u8", u.servePlaylist)
	r.Get("/chunk/sq/{sq}/file.ts", u.serveChunk)
	r.Get("/chunk/plain/{sq}/file.ts", u.serveChunk)

	u.srv = httptest.NewTLSServer(r)
	t.Cleanup(u.srv.Close)
	return u
}

// playlistURL returns a source URL expiring at exp.
func (u *upstream) playlistURL(exp time.Time) string {
	return fmt.Sprintf("%s/manifest/expire/%d/index.m3u8", u.srv.URL, exp.Unix())
}

// configure mutates the upstream under its lock.
func (u *upstream) configure(fn func(u *upstream)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fn(u)
}

func (u *upstream) setHead(head int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.head = head
}

func (u *upstream) seenCursors() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.cursors...)
}

func (u *upstream) servePlaylist(w http.ResponseWriter, r *http.Request) {
	u.playlistHits.Add(1)
	u.mu.Lock()
	gate := u.playlistGate
	u.mu.Unlock()
	if gate != nil {
		<-gate
	}

	u.mu.Lock()
	from, to := u.tail, u.head
	cursor := r.URL.Query().Get("sq")
	u.cursors = append(u.cursors, cursor)
	if cursor != "" && !u.ignoreCursor {
		if c, err := strconv.ParseInt(cursor, 10, 64); err == nil && c > from {
			from = c
		}
	}
	segment := "sq"
	if u.noSequence {
		segment = "plain"
	}
	u.mu.Unlock()

	var uris []string
	for i := from; i < to; i++ {
		uris = append(uris, fmt.Sprintf("%s/chunk/%s/%d/file.ts", u.srv.URL, segment, i))
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write([]byte(buildLivePlaylist(from, uris)))
}

func (u *upstream) serveChunk(w http.ResponseWriter, r *http.Request) {
	u.chunkHits.Add(1)
	seq, _ := strconv.ParseInt(chi.URLParam(r, "sq"), 10, 64)
	u.mu.Lock()
	gate, gateSeq, fail := u.chunkGate, u.gateSeq, u.failChunks
	u.mu.Unlock()
	if gate != nil && seq == gateSeq {
		<-gate
	}
	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte(chunkBody(seq)))
}

func chunkBody(seq int64) string { return fmt.Sprintf("chunk-%d;", seq) }

func chunkBodies(from, to int64) string {
	var b strings.Builder
	for i := from; i < to; i++ {
		b.WriteString(chunkBody(i))
	}
	return b.String()
}

// buildLivePlaylist renders a live media playlist with 2s chunks.
func buildLivePlaylist(mediaSequence int64, uris []string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-TARGETDURATION:2\n")
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n\n", mediaSequence))
	for _, uri := range uris {
		b.WriteString("#EXTINF:2.0,\n")
		b.WriteString(uri)
		b.WriteString("\n")
	}
	return b.String()
}
