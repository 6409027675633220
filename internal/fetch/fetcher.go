// Package fetch downloads whole HTTP(S) resources into memory with a bounded
// redirect policy and a simple retry loop.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxRedirects is the number of redirects Fetch follows before failing
// with ErrTooManyRedirects.
const DefaultMaxRedirects = 3

// WarningFunc receives one call per failed attempt in FetchWithRetries.
type WarningFunc func(msg string, err error)

// Recorder receives fetch outcomes. The metrics package provides one.
type Recorder interface {
	ObserveFetch(outcome string)
	ObserveBytes(n int)
}

// Fetch outcomes reported to a Recorder.
const (
	OutcomeOK        = "ok"
	OutcomeStatus    = "bad_status"
	OutcomeRedirects = "too_many_redirects"
	OutcomeTransport = "transport_error"
	OutcomeInvalid   = "invalid_url"
)

// Fetcher performs GET requests and buffers complete response bodies.
type Fetcher struct {
	client       *http.Client
	maxRedirects int
	retryLimit   rate.Limit
	recorder     Recorder
	log          *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMaxRedirects overrides DefaultMaxRedirects. Negative values are ignored.
func WithMaxRedirects(n int) Option {
	return func(f *Fetcher) {
		if n >= 0 {
			f.maxRedirects = n
		}
	}
}

// WithRetryInterval spaces consecutive attempts of FetchWithRetries by at
// least d. The default is to retry immediately.
func WithRetryInterval(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.retryLimit = rate.Every(d)
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(f *Fetcher) { f.recorder = r }
}

// WithLogger sets the logger used for debug output.
func WithLogger(log *slog.Logger) Option {
	return func(f *Fetcher) {
		if log != nil {
			f.log = log
		}
	}
}

// New returns a Fetcher using client. A nil client gets NewClient(0). The
// client is copied so that its redirect handling can be taken over.
func New(client *http.Client, opts ...Option) *Fetcher {
	if client == nil {
		client = NewClient(0)
	}
	c := *client
	c.CheckRedirect = noRedirect

	f := &Fetcher{
		client:       &c,
		maxRedirects: DefaultMaxRedirects,
		retryLimit:   rate.Inf,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With("component", "fetch")
	return f
}

// Fetch issues a GET for rawURL and returns the full response body.
// Only https URLs are accepted.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*bytes.Buffer, error) {
	buf, err := f.fetch(ctx, rawURL, 0)
	f.observe(buf, err)
	return buf, err
}

// FetchWithRetries calls Fetch up to maxTries times. Every failed attempt is
// reported to onWarning when it is non-nil. Invalid URLs and cancelled
// contexts are returned without further attempts.
func (f *Fetcher) FetchWithRetries(ctx context.Context, rawURL string, maxTries int, onWarning WarningFunc) (*bytes.Buffer, error) {
	if maxTries < 1 {
		maxTries = 1
	}
	pacer := rate.NewLimiter(f.retryLimit, 1)

	var last error
	for try := 1; try <= maxTries; try++ {
		if err := pacer.Wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, errors.Join(err, last))
		}

		buf, err := f.Fetch(ctx, rawURL)
		if err == nil {
			return buf, nil
		}
		last = err

		if onWarning != nil {
			onWarning(fmt.Sprintf("fetch attempt %d/%d failed", try, maxTries), err)
		}
		if errors.Is(err, ErrInvalidURL) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, errors.Join(ctx.Err(), err))
		}
		f.log.Debug("retrying fetch", "url", rawURL, "try", try, "max_tries", maxTries, "error", err)
	}
	return nil, &ExhaustedRetriesError{Tries: maxTries, Last: last}
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, redirects int) (*bytes.Buffer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an https url", ErrInvalidURL, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}

	if isRedirect(resp.StatusCode) {
		loc, locErr := resp.Location()
		discard(resp.Body)
		if locErr != nil {
			return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
		}
		if redirects >= f.maxRedirects {
			return nil, fmt.Errorf("%w: gave up at %s after %d", ErrTooManyRedirects, rawURL, redirects)
		}
		return f.fetch(ctx, loc.String(), redirects+1)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	buf := new(bytes.Buffer)
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	return buf, nil
}

func (f *Fetcher) observe(buf *bytes.Buffer, err error) {
	if f.recorder == nil {
		return
	}
	var (
		statusErr    *StatusError
		transportErr *TransportError
	)
	switch {
	case err == nil:
		f.recorder.ObserveFetch(OutcomeOK)
		f.recorder.ObserveBytes(buf.Len())
	case errors.Is(err, ErrInvalidURL):
		f.recorder.ObserveFetch(OutcomeInvalid)
	case errors.Is(err, ErrTooManyRedirects):
		f.recorder.ObserveFetch(OutcomeRedirects)
	case errors.As(err, &statusErr):
		f.recorder.ObserveFetch(OutcomeStatus)
	case errors.As(err, &transportErr):
		f.recorder.ObserveFetch(OutcomeTransport)
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// discard drains a little of the body so the connection can be reused.
func discard(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4<<10))
	_ = body.Close()
}
