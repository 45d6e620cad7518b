package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenledger/internal/domain"
	"github.com/alanyoungcy/tokenledger/internal/ledger"
	"github.com/alanyoungcy/tokenledger/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingBus struct {
	mu       sync.Mutex
	messages [][]byte
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, payload)
	return nil
}

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type recordingArchiver struct {
	archived []domain.PayoutDistribution
	err      error
}

func (a *recordingArchiver) ArchiveDistribution(_ context.Context, d domain.PayoutDistribution) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.archived = append(a.archived, d)
	return "distributions/" + d.MarketID + "/" + d.ID + ".json", nil
}

type harness struct {
	store    *memory.Store
	ledger   *ledger.Ledger
	orch     *Orchestrator
	audit    *memory.AuditLog
	bus      *recordingBus
	archiver *recordingArchiver
	market   domain.Market
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := memory.NewFixedClock(t0)
	store := memory.New()
	l := ledger.New(store, clock, ledger.DefaultConfig(), logger)
	h := &harness{
		store:    store,
		ledger:   l,
		audit:    memory.NewAuditLog(clock),
		bus:      &recordingBus{},
		archiver: &recordingArchiver{},
		market: domain.Market{
			ID:     "m1",
			Title:  "Team A or Team B",
			Status: domain.MarketStatusClosed,
			Options: []domain.MarketOption{
				{ID: "A", Text: "Team A", TotalTokens: 600},
				{ID: "B", Text: "Team B", TotalTokens: 400},
			},
		},
	}
	h.orch = NewOrchestrator(store, l, clock, Options{
		Bus:      h.bus,
		Audit:    h.audit,
		Archiver: h.archiver,
	}, logger)
	return h
}

// stake funds user, commits tokens and stores the commitment.
func (h *harness) stake(t *testing.T, id, user, option string, tokens int64) domain.PredictionCommitment {
	t.Helper()
	ctx := context.Background()
	_, err := h.ledger.UpdateAtomic(ctx, user, 1000, domain.TransactionTypePurchase)
	require.NoError(t, err)
	_, err = h.ledger.UpdateAtomic(ctx, user, tokens, domain.TransactionTypeCommit, ledger.WithRelatedID(id))
	require.NoError(t, err)

	c := domain.PredictionCommitment{
		ID:               id,
		UserID:           user,
		MarketID:         h.market.ID,
		OptionID:         option,
		TokensCommitted:  tokens,
		Odds:             decimal.NewFromInt(2),
		PotentialWinning: decimal.NewFromInt(tokens * 2),
		Status:           domain.CommitmentStatusActive,
		CommittedAt:      t0,
	}
	require.NoError(t, h.store.Commitments().Create(ctx, c))
	return c
}

func (h *harness) scenario(t *testing.T) []domain.PredictionCommitment {
	return []domain.PredictionCommitment{
		h.stake(t, "c1", "u1", "A", 300),
		h.stake(t, "c2", "u2", "A", 300),
		h.stake(t, "c3", "u3", "B", 400),
	}
}

func (h *harness) balance(t *testing.T, user string) domain.UserBalance {
	t.Helper()
	b, err := h.ledger.GetUserBalance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func (h *harness) request(commitments []domain.PredictionCommitment) DistributeRequest {
	return DistributeRequest{
		Market:               h.market,
		Commitments:          commitments,
		WinningOptionID:      "A",
		CreatorFeePercentage: decimal.RequireFromString("0.02"),
		AdminID:              "admin-1",
		Evidence:             []string{"https://example.org/result"},
	}
}

func TestDistribute_SettlesMarket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	commitments := h.scenario(t)

	res, err := h.orch.Distribute(ctx, h.request(commitments))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, int64(930), res.TotalDistributed)
	assert.Equal(t, 2, res.RecipientCount)

	u1 := h.balance(t, "u1")
	assert.Equal(t, int64(700+465), u1.AvailableTokens)
	assert.Equal(t, int64(0), u1.CommittedTokens)
	assert.Equal(t, int64(1000+465), u1.TotalEarned)

	u3 := h.balance(t, "u3")
	assert.Equal(t, int64(600), u3.AvailableTokens)
	assert.Equal(t, int64(0), u3.CommittedTokens)

	d, err := h.store.Distributions().GetByMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, res.DistributionID, d.ID)
	assert.Equal(t, domain.DistributionStatusCompleted, d.Status)
	require.Len(t, d.Winners, 2)
	require.Len(t, d.Losers, 1)
	assert.Len(t, d.AuditTrail.TransactionIDs, 5)
	assert.True(t, d.AuditTrail.Checks.Passed())

	r, err := h.store.Resolutions().GetByMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(930), r.TotalPayout)
	assert.Equal(t, 2, r.WinnerCount)
	assert.Equal(t, int64(50), r.HouseFeeAmount)
	assert.Equal(t, int64(20), r.CreatorFeeAmount)

	c1, err := h.store.Commitments().GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CommitmentStatusWon, c1.Status)
	require.NotNil(t, c1.ResolvedAt)
	c3, err := h.store.Commitments().GetByID(ctx, "c3")
	require.NoError(t, err)
	assert.Equal(t, domain.CommitmentStatusLost, c3.Status)

	txs, err := h.store.Transactions().ListByUser(ctx, "u1", domain.ListOpts{})
	require.NoError(t, err)
	var formats []domain.RecordFormat
	for _, tr := range txs {
		if tr.Type == domain.TransactionTypeWin {
			formats = append(formats, tr.Format)
			assert.Equal(t, int64(465), tr.Amount)
			assert.Equal(t, int64(700), tr.BalanceBefore)
			assert.Equal(t, int64(1165), tr.BalanceAfter)
		}
	}
	assert.ElementsMatch(t, []domain.RecordFormat{domain.RecordFormatEnhanced, domain.RecordFormatLegacy}, formats)

	assert.Len(t, h.bus.messages, 1)
	assert.Len(t, h.archiver.archived, 1)
	assert.Equal(t, []string{EventDistributed}, h.audit.Events())
}

func TestDistribute_CommitFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	commitments := h.scenario(t)
	before := h.balance(t, "u1")

	h.store.FailNextCommit(errors.New("connection reset"))
	_, err := h.orch.Distribute(ctx, h.request(commitments))
	require.Error(t, err)
	assert.Equal(t, CodeDistributionFailed, CodeOf(err))
	assert.Contains(t, err.Error(), "connection reset")

	assert.Equal(t, before, h.balance(t, "u1"))
	_, err = h.store.Distributions().GetByMarket(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.store.Resolutions().GetByMarket(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	c1, err := h.store.Commitments().GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CommitmentStatusActive, c1.Status)

	txs, err := h.store.Transactions().ListByUser(ctx, "u1", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assert.Empty(t, h.bus.messages)
}

func TestDistribute_MidwayFailureAbortsEarlierCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	commitments := h.scenario(t)

	// c4 claims a stake its owner never locked, so releasing it fails after
	// c1 and c2 have already been credited inside the transaction.
	ghost := domain.PredictionCommitment{
		ID: "c4", UserID: "u4", MarketID: "m1", OptionID: "A", TokensCommitted: 100,
		Status: domain.CommitmentStatusActive, CommittedAt: t0,
	}
	require.NoError(t, h.store.Commitments().Create(ctx, ghost))
	h.market.Options[0].TotalTokens = 700

	_, err := h.orch.Distribute(ctx, h.request(append(commitments, ghost)))
	require.Error(t, err)
	assert.Equal(t, CodeDistributionFailed, CodeOf(err))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	assert.Equal(t, int64(700), h.balance(t, "u1").AvailableTokens)
	assert.Equal(t, int64(300), h.balance(t, "u1").CommittedTokens)
}

func TestDistribute_RejectsInputThatDisagreesWithStore(t *testing.T) {
	cases := []struct {
		name string
		edit func(c *domain.PredictionCommitment)
		want string
	}{
		{"inflated stake", func(c *domain.PredictionCommitment) { c.TokensCommitted = 400 }, "stake 300, given 400"},
		{"other user", func(c *domain.PredictionCommitment) { c.UserID = "u9" }, "user u1, given u9"},
		{"other option", func(c *domain.PredictionCommitment) { c.OptionID = "B" }, `option "A", given "B"`},
		{"other position", func(c *domain.PredictionCommitment) { c.Position = domain.PositionNo }, `position "", given "no"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			commitments := h.scenario(t)
			tc.edit(&commitments[0])
			before := h.balance(t, "u1")

			_, err := h.orch.Distribute(ctx, h.request(commitments))
			require.Error(t, err)
			assert.Equal(t, CodeDistributionFailed, CodeOf(err))
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Contains(t, err.Error(), tc.want)

			assert.Equal(t, before, h.balance(t, "u1"))
			_, err = h.store.Distributions().GetByMarket(ctx, "m1")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestDistribute_RejectsMissingActiveCommitment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	commitments := h.scenario(t)
	h.stake(t, "c4", "u1", "B", 100)
	before := h.balance(t, "u1")

	_, err := h.orch.Distribute(ctx, h.request(commitments))
	require.Error(t, err)
	assert.Equal(t, CodeDistributionFailed, CodeOf(err))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "c4")

	assert.Equal(t, before, h.balance(t, "u1"))
	c4, err := h.store.Commitments().GetByID(ctx, "c4")
	require.NoError(t, err)
	assert.Equal(t, domain.CommitmentStatusActive, c4.Status)
}

func TestDistribute_IgnoresCommitmentsOfOtherMarkets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	commitments := h.scenario(t)
	other := domain.PredictionCommitment{
		ID: "x1", UserID: "u1", MarketID: "m2", OptionID: "A", TokensCommitted: 50,
		Status: domain.CommitmentStatusActive, CommittedAt: t0,
	}
	require.NoError(t, h.store.Commitments().Create(ctx, other))

	_, err := h.orch.Distribute(ctx, h.request(commitments))
	require.NoError(t, err)

	x1, err := h.store.Commitments().GetByID(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, domain.CommitmentStatusActive, x1.Status)
}

func TestDistribute_RefusesZeroWinners(t *testing.T) {
	h := newHarness(t)
	commitments := []domain.PredictionCommitment{h.stake(t, "c1", "u1", "B", 400)}
	h.market.Options[0].TotalTokens = 0

	_, err := h.orch.Distribute(context.Background(), h.request(commitments))
	require.Error(t, err)
	assert.Equal(t, CodeDistributionFailed, CodeOf(err))
	assert.ErrorIs(t, err, domain.ErrNoWinners)
}

func TestDistribute_AtMostOncePerMarket(t *testing.T) {
	h := newHarness(t)
	commitments := h.scenario(t)

	_, err := h.orch.Distribute(context.Background(), h.request(commitments))
	require.NoError(t, err)

	_, err = h.orch.Distribute(context.Background(), h.request(commitments))
	require.Error(t, err)
	assert.Equal(t, CodeDistributionFailed, CodeOf(err))
}

func TestRollback_RestoresBalances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	commitments := h.scenario(t)

	before := map[string]domain.UserBalance{}
	for _, u := range []string{"u1", "u2", "u3"} {
		before[u] = h.balance(t, u)
	}

	res, err := h.orch.Distribute(ctx, h.request(commitments))
	require.NoError(t, err)

	rb, err := h.orch.Rollback(ctx, res.DistributionID, "wrong outcome", "admin-2")
	require.NoError(t, err)
	assert.Len(t, rb.CompensatingTransactionIDs, 3)
	assert.Equal(t, []string{"u1", "u2", "u3"}, rb.AffectedUserIDs)

	for u, b := range before {
		after := h.balance(t, u)
		assert.Equal(t, b.AvailableTokens, after.AvailableTokens, u)
		assert.Equal(t, b.CommittedTokens, after.CommittedTokens, u)
	}

	d, err := h.store.Distributions().GetByID(ctx, res.DistributionID)
	require.NoError(t, err)
	assert.Equal(t, domain.DistributionStatusRolledBack, d.Status)
	assert.Equal(t, "admin-2", d.RolledBackBy)

	r, err := h.store.Resolutions().GetByMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionStatusRolledBack, r.Status)

	c1, err := h.store.Commitments().GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CommitmentStatusActive, c1.Status)
	assert.Nil(t, c1.ResolvedAt)

	refund, err := h.store.Transactions().GetByID(ctx, rb.CompensatingTransactionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionTypeRefund, refund.Type)
	assert.Equal(t, int64(-465), refund.Amount)
	assert.Equal(t, d.Winners[0].TransactionID, refund.RelatedID)
	assert.Equal(t, d.Winners[0].TransactionID, refund.Metadata["originalTransactionId"])

	_, err = h.orch.Rollback(ctx, res.DistributionID, "again", "admin-2")
	require.Error(t, err)
	assert.Equal(t, CodeAlreadyRolledBack, CodeOf(err))
	assert.ErrorIs(t, err, domain.ErrAlreadyRolledBack)

	assert.Equal(t, []string{EventDistributed, EventRolledBack}, h.audit.Events())
	require.Len(t, h.archiver.archived, 2)
	assert.Equal(t, domain.DistributionStatusRolledBack, h.archiver.archived[1].Status)

	// The market can be settled again once rolled back.
	_, err = h.orch.Distribute(ctx, h.request(commitments))
	require.NoError(t, err)
}

func TestRollback_FailsWhenWinningsSpent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	commitments := h.scenario(t)

	res, err := h.orch.Distribute(ctx, h.request(commitments))
	require.NoError(t, err)

	_, err = h.ledger.UpdateAtomic(ctx, "u1", 1100, domain.TransactionTypeCommit)
	require.NoError(t, err)
	u2 := h.balance(t, "u2")

	_, err = h.orch.Rollback(ctx, res.DistributionID, "wrong outcome", "admin")
	require.Error(t, err)
	assert.Equal(t, CodeRollbackFailed, CodeOf(err))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	assert.Equal(t, u2, h.balance(t, "u2"))
	d, err := h.store.Distributions().GetByID(ctx, res.DistributionID)
	require.NoError(t, err)
	assert.Equal(t, domain.DistributionStatusCompleted, d.Status)
}

func TestRollback_UnknownDistribution(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Rollback(context.Background(), "missing", "r", "a")
	require.Error(t, err)
	assert.Equal(t, CodeRollbackFailed, CodeOf(err))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDistribute_ArchiveFailureDoesNotFailSettlement(t *testing.T) {
	h := newHarness(t)
	h.archiver.err = errors.New("bucket unreachable")

	res, err := h.orch.Distribute(context.Background(), h.request(h.scenario(t)))
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestPreview_WritesNothing(t *testing.T) {
	h := newHarness(t)
	commitments := h.scenario(t)

	calc, err := h.orch.Preview(h.market, commitments, "A", decimal.RequireFromString("0.02"))
	require.NoError(t, err)
	assert.Equal(t, int64(930), calc.TotalPayout)

	_, err = h.store.Distributions().GetByMarket(context.Background(), "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int64(700), h.balance(t, "u1").AvailableTokens)
}

func TestEventPayload(t *testing.T) {
	h := newHarness(t)
	res, err := h.orch.Distribute(context.Background(), h.request(h.scenario(t)))
	require.NoError(t, err)

	require.Len(t, h.bus.messages, 1)
	var evt Event
	require.NoError(t, json.Unmarshal(h.bus.messages[0], &evt))
	assert.Equal(t, EventDistributed, evt.Type)
	assert.Equal(t, res.DistributionID, evt.DistributionID)
	assert.Equal(t, int64(930), evt.TotalDistributed)
}
