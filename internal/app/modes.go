package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lendvault/lendvault/internal/server"
	"github.com/lendvault/lendvault/internal/server/handler"
	"github.com/lendvault/lendvault/internal/server/ws"
	"github.com/lendvault/lendvault/internal/service"
)

// ServerMode runs only the HTTP/WebSocket API. Interest accrual and
// liquidation sweeps are expected to run in a separate evaluator process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// EvaluatorMode runs the background workers: the liquidation sweep, intent
// expiry, interest accrual, and (when enabled) cold-storage archival.
func (a *App) EvaluatorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting evaluator mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startEvaluatorLoops(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API server and the background workers in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	a.startEvaluatorLoops(ctx, g, deps)
	return g.Wait()
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// errgroup. The server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "http server disabled")
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
		},
		server.Handlers{
			Health:       handler.NewHealthHandler(a.cfg.Mode, time.Now().UTC(), deps.PositionStore, a.logger),
			Positions:    handler.NewPositionHandler(deps.Ledger, a.logger),
			Policies:     handler.NewPolicyHandler(deps.Policies, a.logger),
			Prices:       handler.NewPriceHandler(deps.Prices, a.logger),
			Liquidations: handler.NewLiquidationHandler(deps.Liquidations, a.logger),
			Audit:        handler.NewAuditHandler(deps.AuditStore, a.logger),
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startEvaluatorLoops adds the periodic background workers to the errgroup.
func (a *App) startEvaluatorLoops(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	// Liquidation sweep.
	g.Go(func() error {
		return a.runEvery(ctx, "liquidation sweep", a.cfg.Evaluator.Interval.Duration, func(ctx context.Context) error {
			reports, err := deps.Liquidations.EvaluateLiquidations(ctx, service.EvaluateScope{})
			if err != nil {
				return err
			}
			a.logger.DebugContext(ctx, "liquidation sweep finished",
				slog.Int("positions", len(reports)),
			)
			return nil
		})
	})

	// Intent expiry.
	g.Go(func() error {
		return a.runEvery(ctx, "intent expiry", a.cfg.Evaluator.ExpiryInterval.Duration, func(ctx context.Context) error {
			_, err := deps.Liquidations.ExpireIntents(ctx)
			return err
		})
	})

	// Interest accrual.
	g.Go(func() error {
		return a.runEvery(ctx, "interest accrual", a.cfg.Lending.AccrualInterval.Duration, func(ctx context.Context) error {
			return deps.Ledger.AccrueAll(ctx)
		})
	})

	// Cold-storage archival.
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			return a.runEvery(ctx, "archival", a.cfg.Archive.Interval.Duration, func(ctx context.Context) error {
				cutoff := time.Now().UTC().Add(-retention)
				if _, err := deps.Archiver.ArchiveSettledPositions(ctx, cutoff); err != nil {
					return err
				}
				_, err := deps.Archiver.ArchiveAudit(ctx, cutoff)
				return err
			})
		})
	}
}

// runEvery runs fn immediately and then on every tick until the context is
// cancelled. Errors from fn are logged, not fatal: one bad pass must not take
// the worker group down.
func (a *App) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	run := func() {
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.ErrorContext(ctx, "background pass failed",
				slog.String("worker", name),
				slog.String("error", err.Error()),
			)
		}
	}

	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			run()
		}
	}
}
