package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tokenledger/internal/ledger"
	"github.com/alanyoungcy/tokenledger/internal/notify"
	"github.com/alanyoungcy/tokenledger/internal/pipeline"
	"github.com/alanyoungcy/tokenledger/internal/server"
	"github.com/alanyoungcy/tokenledger/internal/settlement"
)

// newLedger builds the balance ledger with metrics attached.
func (a *App) newLedger(deps *Dependencies) *ledger.Ledger {
	l := ledger.New(deps.Store, nil, ledger.Config{
		MaxRetries:   a.cfg.Ledger.MaxRetries,
		RetryBackoff: a.cfg.Ledger.RetryBackoff.Duration,
	}, a.logger)
	l.SetObserver(deps.Metrics)
	return l
}

func (a *App) newConsumer(deps *Dependencies) *pipeline.Consumer {
	l := a.newLedger(deps)
	orch := settlement.NewOrchestrator(deps.Store, l, nil, settlement.Options{
		Bus:          deps.Bus,
		Audit:        deps.Audit,
		Archiver:     deps.DistributionArchiver,
		EventChannel: a.cfg.Settlement.EventChannel,
	}, a.logger)

	return pipeline.NewConsumer(pipeline.ConsumerDeps{
		Bus:     deps.Bus,
		Locks:   deps.Locks,
		Limiter: deps.Limiter,
		Markets: deps.Markets,
		Store:   deps.Store,
		Settler: orch,
		Metrics: deps.Metrics,
	}, a.cfg.ConsumerConfig(), a.logger)
}

func (a *App) newSweeper(deps *Dependencies) *pipeline.Sweeper {
	return pipeline.NewSweeper(
		deps.Store.Commitments(),
		deps.Audit,
		deps.ReportArchiver,
		deps.Metrics,
		nil,
		a.cfg.Sweep.PageSize,
		a.logger,
	)
}

// WorkerMode consumes settlement requests.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	return a.runPipeline(ctx, deps, a.newConsumer(deps), nil)
}

// SweepMode runs only the scheduled commitment integrity sweep.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode")
	return a.runPipeline(ctx, deps, nil, a.newSweeper(deps))
}

// FullMode runs the consumer and the sweep together.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.runPipeline(ctx, deps, a.newConsumer(deps), a.newSweeper(deps))
}

func (a *App) runPipeline(ctx context.Context, deps *Dependencies, consumer *pipeline.Consumer, sweeper *pipeline.Sweeper) error {
	g, ctx := errgroup.WithContext(ctx)

	orch := pipeline.NewOrchestrator(consumer, sweeper, a.cfg.Sweep.Schedule, a.cfg.Sweep.OnStart, a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	if deps.Notifier.Enabled() && consumer != nil {
		relay := notify.NewRelay(deps.Subscriber, a.cfg.Settlement.EventChannel, deps.Notifier, a.logger)
		g.Go(func() error {
			err := relay.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if a.cfg.Server.Enabled {
		a.startOpsServer(ctx, g, deps)
	}

	return g.Wait()
}

// startOpsServer serves health, readiness and metrics until ctx is done.
func (a *App) startOpsServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	srv := server.NewServer(server.Config{
		Addr:         a.cfg.Server.Addr,
		CheckTimeout: a.cfg.Server.CheckTimeout.Duration,
	}, deps.Checks, deps.Registry, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("ops server shutdown", slog.String("error", err.Error()))
		}
		return nil
	})
}
