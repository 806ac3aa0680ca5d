// Package main implements the kilnpilot relay service.
// The relay stores plant readings, asks a generator for suggestions, tracks
// the operator's approvals and serves the dashboard over HTTP and websockets.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/kilnpilot/cmd/relay/config"
	"github.com/HatiCode/kilnpilot/cmd/relay/logger"
	"github.com/HatiCode/kilnpilot/cmd/relay/metrics"
	"github.com/HatiCode/kilnpilot/cmd/relay/router"
	"github.com/HatiCode/kilnpilot/cmd/relay/store"
	"github.com/HatiCode/kilnpilot/cmd/relay/stream"
	"github.com/HatiCode/kilnpilot/pkg/httpx"
	"github.com/HatiCode/kilnpilot/pkg/plant"
	"github.com/HatiCode/kilnpilot/pkg/suggest"
	"github.com/HatiCode/kilnpilot/pkg/summary"
	"github.com/HatiCode/kilnpilot/pkg/workflow"
)

const (
	shutdownTimeout = 10 * time.Second
	initialTimeout  = 2 * time.Second
)

func main() {
	cfg := config.ParseFlags()

	logger := logger.New(cfg)
	slog.SetDefault(logger)

	logger.Info("starting kilnpilot relay",
		"version", "v0.1.0",
		"listen", cfg.Listen,
		"generator", cfg.Generator,
		"storage", cfg.Storage,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	m := metrics.New(nil)

	generator := newGenerator(ctx, cfg, logger)
	relay := suggest.NewRelay(generator, plant.DefaultTargets, cfg.GeneratorTimeout, logger)
	logger.Info("suggestion relay ready", "generator", relay.GeneratorName(), "timeout", cfg.GeneratorTimeout)
	suggester := metrics.InstrumentedSuggester{Next: relay.Suggest, Metrics: m}

	st := store.New(ctx, cfg, logger)
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	review := workflow.NewReview(st, relay.Targets(), logger)
	dashboard := &workflow.Dashboard{}
	coordinator := workflow.NewCoordinator(review, suggester, st, dashboard, logger)

	view, err := summary.NewView(ctx, st, logger)
	if err != nil {
		logger.Error("failed to start summary view", "error", err)
		os.Exit(1)
	}
	defer view.Close()

	hub := stream.NewHub(logger)
	hub.OnClientCount(m.SetStreamClients)

	feed := NewFeed(hub, st, review, view, dashboard, m, logger)
	feedSub, err := feed.Attach(ctx)
	if err != nil {
		logger.Error("failed to subscribe event feed", "error", err)
		os.Exit(1)
	}
	defer feedSub.Unsubscribe()

	handler := router.SetupRoutes(router.Deps{
		Store:      st,
		Suggester:  suggester,
		Review:     review,
		Dashboard:  dashboard,
		Summary:    view,
		Hub:        hub,
		Metrics:    m,
		Initial:    feed.Initial,
		CORSOrigin: cfg.CORSOrigin,
	}, logger)
	httpServer := httpx.NewServer(cfg.Listen, handler, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return httpServer.Stop(shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newGenerator(ctx context.Context, cfg *config.Config, logger *slog.Logger) suggest.Generator {
	if cfg.Generator == "offline" {
		return suggest.NewOfflineGenerator()
	}
	gen, err := suggest.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.Model)
	if err != nil {
		logger.Error("failed to create gemini client", "error", err)
		os.Exit(1)
	}
	logger.Debug("gemini client created", "model", cfg.Model)
	return gen
}
