// Package pipeline turns an expiring live playlist into one continuous byte
// stream. A Pipeline polls the playlist on a timer, re-resolves the playlist
// URL when it expires, and appends each chunk it has not delivered yet to its
// Output in sequence order.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"hls-livepipe/internal/fetch"
	"hls-livepipe/internal/playlist"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultCacheDepth   = 3
	MinCacheDepth       = 3
	DefaultBaseInterval = 4500 * time.Millisecond
	DefaultMaxTries     = 3
	DefaultCursorParam  = "sq"
)

var (
	// ErrInvalidCacheDepth is returned by New for a cache depth below MinCacheDepth.
	ErrInvalidCacheDepth = errors.New("cache depth must be at least 3")
	// ErrMissingResolver is returned by New when Config.Resolve is nil.
	ErrMissingResolver = errors.New("resolve function is required")
	// ErrMissingExpiry fails a refresh whose resolved URL has no expire/<digits> marker.
	ErrMissingExpiry = errors.New("playlist url has no expiry")
	// ErrMissingSequenceID fails a refresh whose last chunk has no sq/<digits> marker.
	ErrMissingSequenceID = errors.New("chunk url has no sequence id")
	// ErrRefreshInProgress is returned by Refresh when another refresh is running.
	ErrRefreshInProgress = errors.New("overlapping refresh attempted")
	// ErrClosed is returned by Refresh after Close.
	ErrClosed = errors.New("pipeline closed")
)

// ResolveFunc returns the current playlist URL. first is true for the very
// first resolution of a pipeline.
type ResolveFunc func(ctx context.Context, first bool) (string, error)

// Fetcher is the subset of *fetch.Fetcher a Pipeline uses.
type Fetcher interface {
	FetchWithRetries(ctx context.Context, rawURL string, maxTries int, onWarning fetch.WarningFunc) (*bytes.Buffer, error)
}

// Recorder receives pipeline metrics. The metrics package provides one.
type Recorder interface {
	ObserveRefresh(outcome string)
	ObserveChunk(bytes int)
	ObserveWarning()
	ObserveError()
}

// Refresh outcomes reported to a Recorder.
const (
	RefreshOK      = "ok"
	RefreshEmpty   = "empty"
	RefreshSkipped = "skipped"
	RefreshAborted = "aborted"
	RefreshFailed  = "error"
)

// Config configures a Pipeline. Only Resolve is required.
type Config struct {
	Resolve ResolveFunc

	// CacheDepth is the number of newest chunks taken on the first refresh.
	// The refresh period is (CacheDepth-2)*BaseInterval.
	CacheDepth   int
	BaseInterval time.Duration

	// MaxTries bounds the attempts for each playlist and chunk fetch.
	MaxTries int

	// CursorParam is the query parameter carrying the sequence cursor on
	// playlist requests.
	CursorParam string

	// ExpiryMargin re-resolves the playlist URL this long before it expires.
	ExpiryMargin time.Duration

	HighWaterMark int

	Fetcher  Fetcher
	Notifier Notifier
	Recorder Recorder
	Logger   *slog.Logger

	// Now is the clock used for expiry checks.
	Now func() time.Time
}

type source struct {
	url     string
	expires time.Time
}

// Pipeline is a running live playlist follower. Create it with New and stop
// it with Close.
type Pipeline struct {
	cfg      Config
	ctx      context.Context
	log      *slog.Logger
	out      *Output
	interval time.Duration

	// refreshing is the re-entrancy guard. Fields below it are only touched
	// while it is held.
	refreshing atomic.Bool
	src        *source
	resolved   bool

	cursor    atomic.Int64 // -1 until the first successful refresh
	closed    atomic.Bool
	available sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

// New validates cfg, starts the first refresh and arms the refresh timer.
// Refreshes run with ctx; cancelling it tears the pipeline down. Errors of
// the first refresh are reported through the Notifier like any later one.
func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if cfg.Resolve == nil {
		return nil, ErrMissingResolver
	}
	if cfg.CacheDepth == 0 {
		cfg.CacheDepth = DefaultCacheDepth
	}
	if cfg.CacheDepth < MinCacheDepth {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCacheDepth, cfg.CacheDepth)
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultBaseInterval
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = DefaultMaxTries
	}
	if cfg.CursorParam == "" {
		cfg.CursorParam = DefaultCursorParam
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetch.New(nil, fetch.WithLogger(cfg.Logger))
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifierFuncs{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Pipeline{
		cfg:      cfg,
		ctx:      ctx,
		log:      cfg.Logger.With("component", "pipeline"),
		out:      NewOutput(cfg.HighWaterMark),
		interval: time.Duration(cfg.CacheDepth-2) * cfg.BaseInterval,
		stop:     make(chan struct{}),
	}
	p.cursor.Store(-1)

	p.log.Info("pipeline started", "cache_depth", cfg.CacheDepth, "interval", p.interval)

	p.wg.Add(1)
	go p.run()
	return p, nil
}

// Output returns the readable end of the stream.
func (p *Pipeline) Output() *Output { return p.out }

// Interval returns the refresh period.
func (p *Pipeline) Interval() time.Duration { return p.interval }

// Cursor returns the next sequence number to request, if one is set.
func (p *Pipeline) Cursor() (int64, bool) {
	c := p.cursor.Load()
	return c, c >= 0
}

// Done is closed when the pipeline has been torn down.
func (p *Pipeline) Done() <-chan struct{} { return p.stop }

// Err returns the fatal error that ended the pipeline, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close stops the refresh timer and closes the Output. A refresh already
// running finishes its current fetch and stops at its next checkpoint.
// Close is idempotent.
func (p *Pipeline) Close() error {
	p.teardown(nil)
	return nil
}

// Wait blocks until the timer goroutine and every refresh have returned.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) run() {
	defer p.wg.Done()

	p.trigger()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-p.ctx.Done():
			p.teardown(nil)
			return
		case <-ticker.C:
			p.trigger()
		}
	}
}

func (p *Pipeline) trigger() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.Refresh(p.ctx)
	}()
}

// Refresh runs one refresh cycle: re-resolve the playlist URL if needed,
// fetch the playlist, and deliver the chunks not delivered yet. A second
// call while one is running is skipped with a warning. A failure is fatal:
// it is reported to the Notifier and tears the pipeline down.
func (p *Pipeline) Refresh(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.refreshing.CompareAndSwap(false, true) {
		p.observeRefresh(RefreshSkipped)
		p.warn(ErrRefreshInProgress.Error(), ErrRefreshInProgress)
		return ErrRefreshInProgress
	}
	defer p.refreshing.Store(false)

	outcome, err := p.loadSegments(ctx)
	p.observeRefresh(outcome)
	if err != nil {
		p.fail(err)
	}
	return err
}

func (p *Pipeline) loadSegments(ctx context.Context) (string, error) {
	src, err := p.source(ctx)
	if err != nil {
		return RefreshFailed, err
	}

	reqURL, err := p.playlistURL(src.url)
	if err != nil {
		return RefreshFailed, err
	}

	doc, err := p.cfg.Fetcher.FetchWithRetries(ctx, reqURL, p.cfg.MaxTries, p.warn)
	if err != nil {
		return RefreshFailed, fmt.Errorf("fetch playlist: %w", err)
	}
	items, err := playlist.Items(doc)
	if err != nil {
		return RefreshFailed, fmt.Errorf("parse playlist: %w", err)
	}

	if p.closed.Load() {
		return RefreshAborted, nil
	}
	items = p.window(items)
	if len(items) == 0 {
		p.log.Debug("no new chunks", "url", reqURL)
		return RefreshEmpty, nil
	}

	for _, item := range items {
		if p.closed.Load() {
			p.log.Debug("refresh aborted by close", "pending", item)
			return RefreshAborted, nil
		}
		chunk, err := p.cfg.Fetcher.FetchWithRetries(ctx, item, p.cfg.MaxTries, p.warn)
		if err != nil {
			return RefreshFailed, fmt.Errorf("fetch chunk: %w", err)
		}
		if err := p.deliver(chunk.Bytes()); err != nil {
			return RefreshAborted, nil
		}
	}

	last := items[len(items)-1]
	seq, ok := playlist.SequenceID(last)
	if !ok {
		return RefreshFailed, fmt.Errorf("%w: %s", ErrMissingSequenceID, last)
	}
	p.cursor.Store(seq + 1)
	p.log.Debug("refresh done", "chunks", len(items), "cursor", seq+1)
	return RefreshOK, nil
}

// source returns the held playlist source, resolving a new one when none is
// held or the held one has expired.
func (p *Pipeline) source(ctx context.Context) (source, error) {
	if p.src != nil && p.cfg.Now().Add(p.cfg.ExpiryMargin).Before(p.src.expires) {
		return *p.src, nil
	}

	first := !p.resolved
	raw, err := p.cfg.Resolve(ctx, first)
	if err != nil {
		return source{}, fmt.Errorf("resolve playlist: %w", err)
	}
	p.resolved = true

	expires, ok := playlist.ExpiryTime(raw)
	if !ok {
		return source{}, fmt.Errorf("%w: %s", ErrMissingExpiry, raw)
	}
	p.src = &source{url: raw, expires: expires}
	p.log.Info("playlist resolved", "first", first, "expires", expires)
	return *p.src, nil
}

func (p *Pipeline) playlistURL(raw string) (string, error) {
	cursor, ok := p.Cursor()
	if !ok {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", fetch.ErrInvalidURL, err)
	}
	q := u.Query()
	q.Set(p.cfg.CursorParam, strconv.FormatInt(cursor, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// window picks the chunks to deliver: the newest CacheDepth on the first
// refresh, afterwards everything at or past the cursor.
func (p *Pipeline) window(items []string) []string {
	cursor, ok := p.Cursor()
	if !ok {
		if len(items) > p.cfg.CacheDepth {
			items = items[len(items)-p.cfg.CacheDepth:]
		}
		return items
	}
	kept := items[:0]
	for _, item := range items {
		if seq, ok := playlist.SequenceID(item); ok && seq < cursor {
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

func (p *Pipeline) deliver(b []byte) error {
	if _, err := p.out.Write(b); err != nil {
		return err
	}
	if p.cfg.Recorder != nil {
		p.cfg.Recorder.ObserveChunk(len(b))
	}
	if len(b) > 0 {
		p.available.Do(p.cfg.Notifier.Available)
	}
	if p.out.NeedsDrain() {
		p.log.Debug("output above high-water mark", "buffered", p.out.Buffered())
	}
	return nil
}

func (p *Pipeline) warn(msg string, err error) {
	p.log.Warn(msg, "error", err)
	if p.cfg.Recorder != nil {
		p.cfg.Recorder.ObserveWarning()
	}
	p.cfg.Notifier.Warning(msg, err)
}

func (p *Pipeline) fail(err error) {
	if p.closed.Load() {
		p.log.Debug("error after close ignored", "error", err)
		return
	}
	if p.ctx.Err() != nil {
		p.teardown(nil)
		return
	}
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.mu.Unlock()

	p.log.Error("pipeline failed", "error", err)
	if p.cfg.Recorder != nil {
		p.cfg.Recorder.ObserveError()
	}
	p.cfg.Notifier.Error(err)
	p.teardown(err)
}

func (p *Pipeline) teardown(err error) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.stop)
		_ = p.out.CloseWithError(err)
		p.log.Info("pipeline closed")
	})
}

func (p *Pipeline) observeRefresh(outcome string) {
	if p.cfg.Recorder != nil {
		p.cfg.Recorder.ObserveRefresh(outcome)
	}
}
