package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenledger/internal/store/memory"
)

func TestOrchestrator_RunsSweepOnStartAndStopsCleanly(t *testing.T) {
	f := newFixture(t)
	audit := memory.NewAuditLog(nil)
	sweeper := NewSweeper(f.store.Commitments(), audit, nil, nil, nil, 0, discardLogger())
	o := NewOrchestrator(f.consumer, sweeper, "@hourly", true, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(audit.Events()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

func TestOrchestrator_ReportsBadSchedule(t *testing.T) {
	sweeper := NewSweeper(memory.New().Commitments(), memory.NewAuditLog(nil), nil, nil, nil, 0, discardLogger())
	o := NewOrchestrator(nil, sweeper, "bogus", false, discardLogger())

	err := o.Run(context.Background())
	assert.ErrorContains(t, err, "integrity sweep")
}
