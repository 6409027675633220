package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type warningLog struct {
	mu   sync.Mutex
	msgs []string
	errs []error
}

func (w *warningLog) add(msg string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msg)
	w.errs = append(w.errs, err)
}

func (w *warningLog) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

// failingServer answers 500 for the first failures requests, then 200 with body.
func failingServer(t *testing.T, failures int32, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= failures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFetch_ReturnsBody(t *testing.T) {
	srv, _ := failingServer(t, 0, "chunk-bytes")
	f := New(srv.Client())

	buf, err := f.Fetch(context.Background(), srv.URL+"/sq/1/file.ts")
	require.NoError(t, err)
	assert.Equal(t, "chunk-bytes", buf.String())
}

func TestFetch_RejectsNonHTTPS(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()
	f := New(srv.Client())

	for _, raw := range []string{srv.URL, "ftp://example.com/a", "::not a url", "https:///nohost"} {
		_, err := f.Fetch(context.Background(), raw)
		assert.ErrorIs(t, err, ErrInvalidURL, raw)
	}
	assert.Zero(t, calls.Load(), "no request may be sent for an invalid url")
}

func TestFetch_BadStatus(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()
	f := New(srv.Client())

	_, err := f.Fetch(context.Background(), srv.URL+"/missing")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func redirectServer(t *testing.T, hops int) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n int
		if _, err := fmt.Sscanf(r.URL.Path, "/hop/%d", &n); err != nil {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		if n < hops {
			// relative Location, resolved against the request URL
			http.Redirect(w, r, fmt.Sprintf("/hop/%d", n+1), http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("landed"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_FollowsRedirectsUpToLimit(t *testing.T) {
	srv := redirectServer(t, DefaultMaxRedirects)
	f := New(srv.Client())

	buf, err := f.Fetch(context.Background(), srv.URL+"/hop/0")
	require.NoError(t, err)
	assert.Equal(t, "landed", buf.String())
}

func TestFetch_TooManyRedirects(t *testing.T) {
	srv := redirectServer(t, DefaultMaxRedirects+1)
	f := New(srv.Client())

	_, err := f.Fetch(context.Background(), srv.URL+"/hop/0")
	assert.ErrorIs(t, err, ErrTooManyRedirects)
}

func TestFetch_RedirectStatuses(t *testing.T) {
	for _, code := range []int{301, 302, 303, 307} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/start" {
					w.Header().Set("Location", "/end")
					w.WriteHeader(code)
					return
				}
				_, _ = w.Write([]byte("end"))
			}))
			defer srv.Close()

			buf, err := New(srv.Client()).Fetch(context.Background(), srv.URL+"/start")
			require.NoError(t, err)
			assert.Equal(t, "end", buf.String())
		})
	}
}

func TestFetch_TransportError(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	client := srv.Client()
	u := srv.URL
	srv.Close()

	_, err := New(client).Fetch(context.Background(), u+"/gone")
	var transportErr *TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestFetchWithRetries_SucceedsAfterFailures(t *testing.T) {
	srv, calls := failingServer(t, 2, "ok")
	f := New(srv.Client())
	warnings := &warningLog{}

	buf, err := f.FetchWithRetries(context.Background(), srv.URL, 3, warnings.add)
	require.NoError(t, err)
	assert.Equal(t, "ok", buf.String())
	assert.Equal(t, 2, warnings.count())
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchWithRetries_Exhausted(t *testing.T) {
	srv, calls := failingServer(t, 3, "ok")
	f := New(srv.Client())
	warnings := &warningLog{}

	_, err := f.FetchWithRetries(context.Background(), srv.URL, 2, warnings.add)
	var exhausted *ExhaustedRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Tries)

	var statusErr *StatusError
	assert.ErrorAs(t, err, &statusErr, "last attempt error must be reachable")
	assert.Equal(t, 2, warnings.count())
	assert.EqualValues(t, 2, calls.Load())
}

func TestFetchWithRetries_NilWarningFunc(t *testing.T) {
	srv, _ := failingServer(t, 1, "ok")

	buf, err := New(srv.Client()).FetchWithRetries(context.Background(), srv.URL, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", buf.String())
}

func TestFetchWithRetries_InvalidURLIsNotRetried(t *testing.T) {
	warnings := &warningLog{}

	_, err := New(nil).FetchWithRetries(context.Background(), "http://example.com/x", 3, warnings.add)
	assert.ErrorIs(t, err, ErrInvalidURL)
	assert.Equal(t, 1, warnings.count())
}

func TestFetchWithRetries_RetryInterval(t *testing.T) {
	srv, _ := failingServer(t, 1, "ok")
	f := New(srv.Client(), WithRetryInterval(50*time.Millisecond))

	start := time.Now()
	_, err := f.FetchWithRetries(context.Background(), srv.URL, 2, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestFetchWithRetries_ContextCancelled(t *testing.T) {
	srv, calls := failingServer(t, 10, "ok")
	f := New(srv.Client(), WithRetryInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := f.FetchWithRetries(ctx, srv.URL, 5, nil)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.EqualValues(t, 1, calls.Load())
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	bytes    int
}

func (r *countingRecorder) ObserveFetch(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func (r *countingRecorder) ObserveBytes(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes += n
}

func TestFetch_RecordsOutcomes(t *testing.T) {
	srv, _ := failingServer(t, 1, strings.Repeat("x", 10))
	rec := &countingRecorder{}
	f := New(srv.Client(), WithRecorder(rec))

	_, err := f.FetchWithRetries(context.Background(), srv.URL, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.outcomes[OutcomeStatus])
	assert.Equal(t, 1, rec.outcomes[OutcomeOK])
	assert.Equal(t, 10, rec.bytes)
}

func TestNewClient_DisablesRedirects(t *testing.T) {
	client := NewClient(0)
	assert.Equal(t, defaultClientTimeout, client.Timeout)
	require.NotNil(t, client.CheckRedirect)
	assert.ErrorIs(t, client.CheckRedirect(nil, nil), http.ErrUseLastResponse)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, defaultDialTimeout, transport.TLSHandshakeTimeout)
}
