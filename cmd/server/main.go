package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-livepipe/internal/fetch"
	"hls-livepipe/internal/pipeline"
	"hls-livepipe/internal/platform/config"
	"hls-livepipe/internal/platform/logger"
	"hls-livepipe/internal/platform/metrics"
	"hls-livepipe/internal/relay"
	"hls-livepipe/internal/resolve"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	settings := config.FromEnv()

	log := logger.New(settings.LogLevel, settings.LogFormat)

	if err := run(context.Background(), settings, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, settings config.Settings, log *slog.Logger) error {
	lookup, err := streamLookup(settings, log)
	if err != nil {
		return err
	}

	met := metrics.New()
	fetcher := fetch.New(fetch.NewClient(settings.FetchTimeout),
		fetch.WithRecorder(met),
		fetch.WithRetryInterval(settings.RetryInterval),
		fetch.WithLogger(log),
	)

	repo := relay.NewInMemoryRepository()
	svc := relay.NewService(repo, lookup, pipeline.Config{
		CacheDepth:    settings.CacheDepth,
		BaseInterval:  settings.BaseInterval,
		MaxTries:      settings.MaxTries,
		HighWaterMark: settings.HighWaterMark,
		Fetcher:       fetcher,
		Recorder:      met,
	}, log)
	h := relay.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(repo.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + settings.Port
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			"port", settings.Port,
			"cache_depth", settings.CacheDepth,
			"refresh_base_interval", settings.BaseInterval.String(),
			"log_level", settings.LogLevel,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range svc.Sessions() {
			svc.Release(s.ID)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

// streamLookup maps stream names to resolvers. PLAYLIST_URL serves the
// "default" stream; RESOLVER_URL serves every name through the resolver API.
func streamLookup(settings config.Settings, log *slog.Logger) (relay.Lookup, error) {
	if settings.PlaylistURL == "" && settings.ResolverURL == "" {
		return nil, errors.New("one of PLAYLIST_URL or RESOLVER_URL must be set")
	}

	var byName func(string) pipeline.ResolveFunc
	if settings.ResolverURL != "" {
		resolverFetcher := fetch.New(fetch.NewClient(settings.FetchTimeout), fetch.WithLogger(log))
		byName = resolve.Template(resolverFetcher, settings.ResolverURL, settings.MaxTries)
	}

	return func(stream string) (pipeline.ResolveFunc, bool) {
		if stream == "default" && settings.PlaylistURL != "" {
			return resolve.Static(settings.PlaylistURL), true
		}
		if byName != nil {
			return byName(stream), true
		}
		return nil, false
	}, nil
}
