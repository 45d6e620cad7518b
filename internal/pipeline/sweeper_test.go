package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenledger/internal/domain"
	"github.com/alanyoungcy/tokenledger/internal/store/memory"
)

type reportSink struct {
	kind string
	at   time.Time
	data []byte
	err  error
}

func (r *reportSink) ArchiveReport(_ context.Context, kind string, at time.Time, data []byte) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.kind, r.at, r.data = kind, at, data
	return "reports/" + kind + "/x.jsonl", nil
}

type sweepMetrics struct {
	checked int
	issues  map[string]int
}

func (m *sweepMetrics) ObserveSweep(checked int, issues map[string]int, _ time.Time) {
	m.checked, m.issues = checked, issues
}

func seedCommitments(t *testing.T, store *memory.Store, n int, broken ...int) {
	t.Helper()
	bad := make(map[int]bool)
	for _, i := range broken {
		bad[i] = true
	}
	for i := 0; i < n; i++ {
		c := domain.PredictionCommitment{
			ID:               fmt.Sprintf("c%03d", i),
			UserID:           "u1",
			MarketID:         "m1",
			OptionID:         "yes",
			TokensCommitted:  10,
			Odds:             decimal.NewFromInt(2),
			PotentialWinning: decimal.NewFromInt(20),
			Status:           domain.CommitmentStatusActive,
			CommittedAt:      t0.Add(time.Duration(i) * time.Second),
		}
		if bad[i] {
			c.PotentialWinning = decimal.NewFromInt(25)
		}
		require.NoError(t, store.Commitments().Create(context.Background(), c))
	}
}

func TestSweeper_PagesThroughEveryCommitment(t *testing.T) {
	store := memory.New()
	seedCommitments(t, store, 7)
	audit := memory.NewAuditLog(memory.NewFixedClock(t0))
	sink := &reportSink{}
	metrics := &sweepMetrics{}

	s := NewSweeper(store.Commitments(), audit, sink, metrics, memory.NewFixedClock(t0), 3, discardLogger())
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, report.Checked)
	assert.Zero(t, report.Invalid)
	assert.Nil(t, sink.data, "clean sweeps are not archived")
	assert.Equal(t, 7, metrics.checked)
	assert.Equal(t, []string{EventIntegritySweep}, audit.Events())
}

func TestSweeper_ArchivesInvalidReports(t *testing.T) {
	store := memory.New()
	seedCommitments(t, store, 5, 1, 4)
	audit := memory.NewAuditLog(memory.NewFixedClock(t0))
	sink := &reportSink{}
	metrics := &sweepMetrics{}

	s := NewSweeper(store.Commitments(), audit, sink, metrics, memory.NewFixedClock(t0), 2, discardLogger())
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Checked)
	assert.Equal(t, 2, report.Invalid)
	assert.Equal(t, map[string]int{"potentialWinning": 2}, report.IssueCounts)
	assert.Equal(t, map[string]int{"potentialWinning": 2}, metrics.issues)

	assert.Equal(t, "integrity", sink.kind)
	assert.Equal(t, t0, sink.at)
	var lines int
	sc := bufio.NewScanner(bytes.NewReader(sink.data))
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)

	entries, err := audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Detail["invalid"])
	assert.Equal(t, "reports/integrity/x.jsonl", entries[0].Detail["report"])
}

func TestSweeper_ArchiveFailureStillAudits(t *testing.T) {
	store := memory.New()
	seedCommitments(t, store, 2, 0)
	audit := memory.NewAuditLog(nil)
	sink := &reportSink{err: errors.New("s3 unavailable")}

	s := NewSweeper(store.Commitments(), audit, sink, nil, nil, 0, discardLogger())
	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Invalid)

	entries, err := audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Detail, "report")
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@hourly", "*/15 * * * *", "0 30 2 * * *", "@every 10m"} {
		_, err := ParseSchedule(spec)
		assert.NoError(t, err, spec)
	}

	_, err := ParseSchedule("every tuesday")
	assert.Error(t, err)

	sched, err := ParseSchedule("0 3 * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 20, 3, 0, 0, 0, time.UTC), sched.Next(t0))
}

func TestSweeper_RunScheduleRejectsBadSpec(t *testing.T) {
	s := NewSweeper(memory.New().Commitments(), memory.NewAuditLog(nil), nil, nil, nil, 0, discardLogger())
	err := s.RunSchedule(context.Background(), "not a schedule")
	assert.Error(t, err)
}
