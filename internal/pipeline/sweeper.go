package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	s3blob "github.com/alanyoungcy/tokenledger/internal/blob/s3"
	"github.com/alanyoungcy/tokenledger/internal/commitment"
	"github.com/alanyoungcy/tokenledger/internal/domain"
)

// ReportArchiver stores sweep reports.
type ReportArchiver interface {
	ArchiveReport(ctx context.Context, kind string, at time.Time, data []byte) (string, error)
}

// SweepRecorder receives sweep metrics.
type SweepRecorder interface {
	ObserveSweep(checked int, issues map[string]int, at time.Time)
}

// EventIntegritySweep is the audit event written after every sweep.
const EventIntegritySweep = "integrity.sweep"

// Sweeper pages through stored commitments and checks their integrity.
// Archiver and Metrics may be nil.
type Sweeper struct {
	commitments domain.CommitmentStore
	audit       domain.AuditStore
	archiver    ReportArchiver
	metrics     SweepRecorder
	clock       domain.Clock
	pageSize    int
	logger      *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(
	commitments domain.CommitmentStore,
	audit domain.AuditStore,
	archiver ReportArchiver,
	metrics SweepRecorder,
	clock domain.Clock,
	pageSize int,
	logger *slog.Logger,
) *Sweeper {
	if pageSize <= 0 {
		pageSize = 500
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Sweeper{
		commitments: commitments,
		audit:       audit,
		archiver:    archiver,
		metrics:     metrics,
		clock:       clock,
		pageSize:    pageSize,
		logger:      logger.With(slog.String("component", "integrity-sweep")),
	}
}

// Run performs one full pass and returns the merged report.
func (s *Sweeper) Run(ctx context.Context) (commitment.BatchReport, error) {
	started := s.clock.Now()
	report := commitment.BatchReport{IssueCounts: make(map[string]int)}

	for offset := 0; ; offset += s.pageSize {
		page, err := s.commitments.List(ctx, domain.ListOpts{Limit: s.pageSize, Offset: offset})
		if err != nil {
			return report, fmt.Errorf("pipeline: sweep commitments at offset %d: %w", offset, err)
		}
		report.Merge(commitment.BatchValidateCommitments(page))
		if len(page) < s.pageSize {
			break
		}
	}

	detail := map[string]any{
		"checked":     report.Checked,
		"invalid":     report.Invalid,
		"fields":      report.Fields(),
		"started_at":  started.Format(time.RFC3339),
		"duration_ms": s.clock.Now().Sub(started).Milliseconds(),
	}
	if s.archiver != nil && report.Invalid > 0 {
		key, err := s.archive(ctx, report, started)
		if err != nil {
			s.logger.Warn("archive integrity report", slog.String("error", err.Error()))
		} else {
			detail["report"] = key
		}
	}
	if err := s.audit.Log(ctx, EventIntegritySweep, detail); err != nil {
		s.logger.Warn("audit integrity sweep", slog.String("error", err.Error()))
	}
	if s.metrics != nil {
		s.metrics.ObserveSweep(report.Checked, report.IssueCounts, s.clock.Now())
	}

	level := slog.LevelInfo
	if report.Invalid > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "integrity sweep complete",
		slog.Int("checked", report.Checked),
		slog.Int("invalid", report.Invalid),
		slog.Any("fields", report.Fields()),
	)
	return report, nil
}

func (s *Sweeper) archive(ctx context.Context, report commitment.BatchReport, at time.Time) (string, error) {
	data, err := s3blob.MarshalJSONL(report.Reports)
	if err != nil {
		return "", err
	}
	return s.archiver.ArchiveReport(ctx, "integrity", at, data)
}

// cronParser accepts an optional seconds field and descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a sweep schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse schedule %q: %w", spec, err)
	}
	return sched, nil
}

// RunSchedule runs the sweep on spec until ctx is done. Overlapping runs are
// skipped.
func (s *Sweeper) RunSchedule(ctx context.Context, spec string) error {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("integrity sweep failed", slog.String("error", err.Error()))
		}
	}))

	s.logger.Info("integrity sweep scheduled", slog.String("schedule", spec),
		slog.Time("next_run", sched.Next(time.Now().UTC())))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("integrity sweep stopped")
	return ctx.Err()
}
