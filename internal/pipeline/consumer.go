package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tokenledger/internal/domain"
	"github.com/alanyoungcy/tokenledger/internal/payout"
	"github.com/alanyoungcy/tokenledger/internal/settlement"
)

// Settler is the settlement surface the consumer drives.
type Settler interface {
	Distribute(ctx context.Context, req settlement.DistributeRequest) (settlement.DistributionResult, error)
	Rollback(ctx context.Context, distributionID, reason, adminID string) (settlement.RollbackResult, error)
	Preview(market domain.Market, commitments []domain.PredictionCommitment, winningOptionID string, creatorFeePercentage decimal.Decimal) (payout.Calculation, error)
}

// SettlementRecorder receives settlement metrics.
type SettlementRecorder interface {
	ObserveSettlement(action, outcome string, elapsed time.Duration)
	ObserveDistribution(distributed, residual int64)
}

// marketForgetter is implemented by caching market providers.
type marketForgetter interface {
	Forget(ctx context.Context, id string) error
}

// ConsumerConfig tunes the request stream loop.
type ConsumerConfig struct {
	Stream        string
	OutcomeStream string
	BatchSize     int
	PollInterval  time.Duration
	LockTTL       time.Duration
	DedupTTL      time.Duration
	// RateLimit caps requests per admin per RateWindow. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// DefaultConsumerConfig returns the settings used when none are configured.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Stream:        "settlement.requests",
		OutcomeStream: "settlement.outcomes",
		BatchSize:     10,
		PollInterval:  time.Second,
		LockTTL:       2 * time.Minute,
		DedupTTL:      24 * time.Hour,
		RateLimit:     30,
		RateWindow:    time.Minute,
	}
}

// ConsumerDeps are the collaborators of a Consumer. Limiter and Metrics may
// be nil.
type ConsumerDeps struct {
	Bus     domain.SignalBus
	Locks   domain.LockManager
	Limiter domain.RateLimiter
	Markets domain.MarketProvider
	Store   domain.Tx
	Settler Settler
	Metrics SettlementRecorder
}

// Consumer reads settlement requests from a stream, runs them one at a time
// under a per-market lock and appends an Outcome for each.
type Consumer struct {
	deps   ConsumerDeps
	cfg    ConsumerConfig
	dedup  *Dedup
	lastID string
	logger *slog.Logger
}

// NewConsumer creates a Consumer that starts reading from the beginning of
// the stream.
func NewConsumer(deps ConsumerDeps, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	def := DefaultConsumerConfig()
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.OutcomeStream == "" {
		cfg.OutcomeStream = def.OutcomeStream
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	return &Consumer{
		deps:   deps,
		cfg:    cfg,
		dedup:  NewDedup(cfg.DedupTTL),
		lastID: "0",
		logger: logger.With(slog.String("component", "settlement-consumer")),
	}
}

// Run polls the request stream until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("settlement consumer started",
		slog.String("stream", c.cfg.Stream),
		slog.String("outcome_stream", c.cfg.OutcomeStream),
	)
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		n, err := c.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("read settlement requests", slog.String("error", err.Error()))
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			c.logger.Info("settlement consumer stopped")
			return ctx.Err()
		case <-cleanup.C:
			c.dedup.Cleanup()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// Poll processes one batch and returns how many requests it handled.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.deps.Bus.StreamRead(ctx, c.cfg.Stream, c.lastID, c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		out := c.Handle(ctx, msg.Payload)
		c.publish(ctx, out)
		c.lastID = msg.ID
	}
	return len(msgs), nil
}

// Handle processes one raw request and returns its outcome.
func (c *Consumer) Handle(ctx context.Context, payload []byte) Outcome {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return c.reject(Outcome{Status: StatusRejected}, fmt.Errorf("decode request: %w", err))
	}
	out := Outcome{RequestID: req.ID, Action: req.Action}
	if err := req.validate(); err != nil {
		return c.reject(out, err)
	}
	if c.dedup.IsDuplicate(req.ID) {
		out.Status = StatusDuplicate
		return out
	}

	if c.deps.Limiter != nil && c.cfg.RateLimit > 0 {
		ok, err := c.deps.Limiter.Allow(ctx, "settlement:"+req.AdminID, c.cfg.RateLimit, c.cfg.RateWindow)
		if err != nil {
			c.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			c.dedup.Forget(req.ID)
			out.Status = StatusDeferred
			out.Error = "rate limited"
			return out
		}
	}

	start := time.Now()
	out = c.dispatch(ctx, req, out)
	if out.Status == StatusDeferred || out.Status == StatusFailed {
		c.dedup.Forget(req.ID)
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.ObserveSettlement(string(req.Action), string(out.Status), time.Since(start))
	}
	return out
}

func (c *Consumer) dispatch(ctx context.Context, req Request, out Outcome) Outcome {
	marketID := req.MarketID
	if req.Action == ActionRollback {
		dist, err := c.deps.Store.Distributions().GetByID(ctx, req.DistributionID)
		if err != nil {
			return c.fail(out, req, fmt.Errorf("load distribution: %w", err))
		}
		marketID = dist.MarketID
	}

	if req.Action != ActionPreview {
		unlock, err := c.deps.Locks.Acquire(ctx, "settlement:market:"+marketID, c.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			out.Status = StatusDeferred
			out.Error = err.Error()
			return out
		}
		if err != nil {
			return c.fail(out, req, fmt.Errorf("lock market %s: %w", marketID, err))
		}
		defer unlock()
	}

	switch req.Action {
	case ActionRollback:
		res, err := c.deps.Settler.Rollback(ctx, req.DistributionID, req.Reason, req.AdminID)
		if err != nil {
			return c.fail(out, req, err)
		}
		c.forget(ctx, marketID)
		out.Status = StatusOK
		out.Rollback = &res
		return out

	case ActionDistribute:
		market, commitments, err := c.load(ctx, marketID)
		if err != nil {
			return c.fail(out, req, err)
		}
		res, err := c.deps.Settler.Distribute(ctx, settlement.DistributeRequest{
			Market:               market,
			Commitments:          commitments,
			WinningOptionID:      req.WinningOptionID,
			CreatorFeePercentage: req.CreatorFeePercentage,
			AdminID:              req.AdminID,
			Evidence:             req.Evidence,
		})
		if err != nil {
			return c.fail(out, req, err)
		}
		c.forget(ctx, marketID)
		if c.deps.Metrics != nil {
			c.deps.Metrics.ObserveDistribution(res.TotalDistributed, res.RoundingResidual)
		}
		out.Status = StatusOK
		out.Distribution = &res
		return out

	default:
		market, commitments, err := c.load(ctx, marketID)
		if err != nil {
			return c.fail(out, req, err)
		}
		calc, err := c.deps.Settler.Preview(market, commitments, req.WinningOptionID, req.CreatorFeePercentage)
		if err != nil {
			return c.fail(out, req, err)
		}
		out.Status = StatusOK
		out.Preview = &calc
		return out
	}
}

func (c *Consumer) load(ctx context.Context, marketID string) (domain.Market, []domain.PredictionCommitment, error) {
	market, err := c.deps.Markets.GetMarket(ctx, marketID)
	if err != nil {
		return domain.Market{}, nil, fmt.Errorf("load market: %w", err)
	}
	commitments, err := c.deps.Store.Commitments().ListByMarket(ctx, marketID, domain.CommitmentStatusActive)
	if err != nil {
		return domain.Market{}, nil, fmt.Errorf("load commitments: %w", err)
	}
	return market, commitments, nil
}

func (c *Consumer) forget(ctx context.Context, marketID string) {
	f, ok := c.deps.Markets.(marketForgetter)
	if !ok {
		return
	}
	if err := f.Forget(ctx, marketID); err != nil {
		c.logger.Warn("invalidate cached market", slog.String("market_id", marketID), slog.String("error", err.Error()))
	}
}

// fail classifies err: invalid input and settlement refusals are rejected,
// anything else failed.
func (c *Consumer) fail(out Outcome, req Request, err error) Outcome {
	out.Code = settlement.CodeOf(err)
	out.Error = err.Error()
	out.Status = StatusFailed
	if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrNoWinners) || errors.Is(err, domain.ErrAlreadyExists) ||
		out.Code == settlement.CodeAlreadyRolledBack {
		out.Status = StatusRejected
	}
	c.logger.Warn("settlement request not applied",
		slog.String("request_id", req.ID),
		slog.String("action", string(req.Action)),
		slog.String("status", string(out.Status)),
		slog.String("code", out.Code),
		slog.String("error", out.Error),
	)
	return out
}

func (c *Consumer) reject(out Outcome, err error) Outcome {
	out.Status = StatusRejected
	out.Error = err.Error()
	c.logger.Warn("settlement request rejected",
		slog.String("request_id", out.RequestID),
		slog.String("error", out.Error),
	)
	return out
}

func (c *Consumer) publish(ctx context.Context, out Outcome) {
	data, err := json.Marshal(out)
	if err != nil {
		c.logger.Error("marshal outcome", slog.String("request_id", out.RequestID), slog.String("error", err.Error()))
		return
	}
	if err := c.deps.Bus.StreamAppend(ctx, c.cfg.OutcomeStream, data); err != nil {
		c.logger.Warn("append outcome", slog.String("request_id", out.RequestID), slog.String("error", err.Error()))
	}
}
