package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs the background loops: the settlement request consumer
// and the scheduled integrity sweep. Either may be nil.
type Orchestrator struct {
	consumer      *Consumer
	sweeper       *Sweeper
	sweepSchedule string
	sweepOnStart  bool
	logger        *slog.Logger
}

// NewOrchestrator creates an Orchestrator. When sweepOnStart is set the
// sweep also runs once before its schedule begins.
func NewOrchestrator(consumer *Consumer, sweeper *Sweeper, sweepSchedule string, sweepOnStart bool, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		consumer:      consumer,
		sweeper:       sweeper,
		sweepSchedule: sweepSchedule,
		sweepOnStart:  sweepOnStart,
		logger:        logger.With(slog.String("component", "pipeline")),
	}
}

// Run starts every configured loop in an errgroup. A loop returning a
// non-context error cancels the others and is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Bool("consumer", o.consumer != nil),
		slog.Bool("sweeper", o.sweeper != nil),
		slog.String("sweep_schedule", o.sweepSchedule),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.consumer != nil {
		g.Go(func() error {
			err := o.consumer.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("settlement consumer: %w", err)
		})
	}

	if o.sweeper != nil {
		g.Go(func() error {
			if o.sweepOnStart {
				if _, err := o.sweeper.Run(ctx); err != nil && ctx.Err() == nil {
					o.logger.Error("initial integrity sweep failed", slog.String("error", err.Error()))
				}
			}
			if o.sweepSchedule == "" {
				return nil
			}
			err := o.sweeper.RunSchedule(ctx, o.sweepSchedule)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("integrity sweep: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
