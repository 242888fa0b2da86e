package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"gatewatch/internal/api"
	"gatewatch/internal/config"
	"gatewatch/internal/db"
	"gatewatch/internal/delay"
	"gatewatch/internal/gate"
	"gatewatch/internal/metrics"
	"gatewatch/internal/publisher"
	"gatewatch/internal/route"
	"gatewatch/internal/watch"
)

func serve(parent context.Context, cfg *config.Config) error {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	model, err := loadModel(ctx, cfg)
	if err != nil {
		return err
	}
	loc, err := cfg.ResolveLocation(model.Timezone)
	if err != nil {
		return err
	}

	mcol := metrics.NewCollector(len(model.Trains), len(model.Gates), cfg.PublishInterval, cfg.DelayTimeout)

	provider, closeDelays, err := buildDelayProvider(ctx, cfg, mcol)
	if err != nil {
		return err
	}
	defer closeDelays()

	engine := gate.NewEngine(model, provider, loc, gate.WithConcurrency(cfg.DelayConcurrency))

	var pub watch.Publisher
	if cfg.NATSURL != "" {
		np, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, wrapPublisherMetrics(mcol))
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer np.Close()
		pub = np
	}

	mgr := watch.NewManager(engine, pub, cfg.PublishInterval, cfg.RequestDeadline, mcol)
	mgr.Start(ctx)
	defer mgr.Stop()

	opts := api.RouterOptions{CORSOrigins: cfg.CORSOrigins}
	if cfg.MetricsAddr != "" {
		msrv := mcol.Serve(cfg.MetricsAddr)
		defer shutdown(msrv)
	} else {
		opts.Metrics = mcol.Handler()
	}

	handler := api.NewHandler(engine, cfg.RequestDeadline, mcol)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler, opts),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("segment", model.Segment).
		Str("timezone", loc.String()).
		Int("gates", len(model.Gates)).
		Int("trains", len(model.Trains)).
		Str("delay_source", cfg.DelaySource).
		Msg("gatewatch listening")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	shutdown(srv)
	log.Info().Msg("shutdown complete")
	return nil
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Str("addr", srv.Addr).Msg("server shutdown")
	}
}

func status(ctx context.Context, cfg *config.Config, at string, out io.Writer) error {
	model, err := loadModel(ctx, cfg)
	if err != nil {
		return err
	}
	loc, err := cfg.ResolveLocation(model.Timezone)
	if err != nil {
		return err
	}
	provider, closeDelays, err := buildDelayProvider(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeDelays()

	now := time.Now().In(loc)
	if at != "" {
		clock, err := route.ParseClock(at)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		now = time.Date(now.Year(), now.Month(), now.Day(), clock.Hour, clock.Minute, 0, 0, loc)
	}

	engine := gate.NewEngine(model, provider, loc, gate.WithConcurrency(cfg.DelayConcurrency))
	ctx, cancel := context.WithTimeout(ctx, cfg.RequestDeadline)
	defer cancel()
	snap := engine.ComputeAt(ctx, now)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func validate(ctx context.Context, cfg *config.Config, out io.Writer) error {
	model, err := loadModel(ctx, cfg)
	if err != nil {
		return err
	}
	loc, err := cfg.ResolveLocation(model.Timezone)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "segment   %s\n", model.Segment)
	fmt.Fprintf(out, "timezone  %s\n", loc)
	for _, code := range model.Directions() {
		d, _ := model.Direction(code)
		fmt.Fprintf(out, "direction %s (%s): %d waypoints\n", code, d.Label, len(d.Waypoints))
	}
	for _, g := range model.Gates {
		fmt.Fprintf(out, "gate      %s lead=%dm grace=%dm guards=%d\n", g.Name, g.WarningLead, g.ClosedGrace, len(g.Guards))
	}
	fmt.Fprintf(out, "trains    %d\n", len(model.Trains))
	return nil
}

func initDB(ctx context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL (or PGDATABASE) must be set")
	}
	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		return err
	}
	log.Info().Msg("route tables ready")
	return nil
}

// loadModel reads the route model from TIMETABLE_FILE when set, Postgres
// otherwise. TRAINS_CSV replaces the file's trains.
func loadModel(ctx context.Context, cfg *config.Config) (*route.Model, error) {
	if cfg.TimetableFile == "" {
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		defer sqlDB.Close()
		if err := db.Ping(ctx, sqlDB); err != nil {
			return nil, fmt.Errorf("db ping: %w", err)
		}
		return db.LoadModel(ctx, sqlDB, cfg.Segment)
	}

	f, err := os.Open(cfg.TimetableFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	doc, err := route.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.TimetableFile, err)
	}

	if cfg.TrainsCSV != "" {
		cf, err := os.Open(cfg.TrainsCSV)
		if err != nil {
			return nil, err
		}
		defer cf.Close()
		trains, err := route.LoadTrainsCSV(cf)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.TrainsCSV, err)
		}
		doc.Trains = trains
	}
	return route.Build(doc)
}

// buildDelayProvider assembles source, optional Redis cache and the bounded
// wrapper. A nil provider means every train is on time.
func buildDelayProvider(ctx context.Context, cfg *config.Config, m delay.Metrics) (gate.DelayProvider, func(), error) {
	noop := func() {}

	var src delay.Source
	switch cfg.DelaySource {
	case config.DelaySourceNone:
		return nil, noop, nil
	case config.DelaySourceStatic:
		s, err := delay.ParseStatic(cfg.DelayStatic)
		if err != nil {
			return nil, noop, fmt.Errorf("DELAY_STATIC: %w", err)
		}
		return delay.NewBounded(s, cfg.DelayTimeout, m), noop, nil
	case config.DelaySourceHTTP:
		src = delay.NewHTTPSource(cfg.DelayURL, &http.Client{Timeout: cfg.DelayTimeout}, cfg.DelayRetries)
	case config.DelaySourceGTFSRT:
		src = delay.NewGTFSRTSource(cfg.DelayURL, cfg.DelayFeedTTL, &http.Client{Timeout: 10 * time.Second})
	default:
		return nil, noop, fmt.Errorf("invalid DELAY_SOURCE: %q", cfg.DelaySource)
	}

	closeFn := noop
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("redis: %w", err)
		}
		src = delay.NewCached(src, client, cfg.DelayCacheTTL)
		closeFn = func() { client.Close() }
	}
	return delay.NewBounded(src, cfg.DelayTimeout, m), closeFn, nil
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()  { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc() { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
