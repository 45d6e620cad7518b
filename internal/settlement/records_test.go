package settlement

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

// The legacy win record is read by older consumers; its JSON must not drift.
func TestLegacyWinRecordShape(t *testing.T) {
	enhanced := domain.TokenTransaction{
		ID:            "enh-1",
		UserID:        "u1",
		Type:          domain.TransactionTypeWin,
		Amount:        465,
		BalanceBefore: 700,
		BalanceAfter:  1165,
		RelatedID:     "c1",
		Metadata:      map[string]string{"distributionId": "d1", "winShare": "0.5"},
		Format:        domain.RecordFormatEnhanced,
		Timestamp:     t0,
		Status:        domain.TransactionStatusCompleted,
	}

	got, err := json.Marshal(legacyWinRecord("legacy-1", enhanced, "m1", "c1"))
	require.NoError(t, err)

	const want = `{"id":"legacy-1","userId":"u1","type":"win","amount":465,` +
		`"balanceBefore":700,"balanceAfter":1165,"relatedId":"m1",` +
		`"metadata":{"commitmentId":"c1","description":"Won prediction","source":"payout_distribution"},` +
		`"format":"legacy","timestamp":"2026-03-01T12:00:00Z","status":"completed"}`
	assert.JSONEq(t, want, string(got))
}

func TestRecordBuilder(t *testing.T) {
	b := recordBuilder{distributionID: "d1", marketID: "m1", winningOptionID: "A"}
	line := domain.CommitmentPayout{
		CommitmentID:    "c1",
		UserID:          "u1",
		OptionID:        "A",
		TokensCommitted: 300,
		PayoutAmount:    465,
		Profit:          165,
		WinShare:        decimal.RequireFromString("0.5"),
		IsWinner:        true,
		Method:          domain.IdentifiedByOptionID,
	}

	win := b.win(line)
	assert.Equal(t, domain.TransactionTypeWin, win.Type)
	assert.Equal(t, int64(465), win.Amount)
	assert.Equal(t, int64(300), win.Release)
	assert.Equal(t, "c1", win.RelatedID)
	assert.Equal(t, "d1", win.Metadata["distributionId"])
	assert.Equal(t, "0.5", win.Metadata["winShare"])

	loss := b.loss(line)
	assert.Equal(t, domain.TransactionTypeLoss, loss.Type)
	assert.Equal(t, int64(-300), loss.Amount)
}

func TestCompensate(t *testing.T) {
	d := domain.PayoutDistribution{ID: "d1", MarketID: "m1"}

	win := domain.CommitmentPayout{
		CommitmentID: "c1", UserID: "u1", TokensCommitted: 300, PayoutAmount: 465,
		TransactionID: "tx-win", LegacyTransactionID: "tx-legacy", TransactionType: domain.TransactionTypeWin,
	}
	m, ok := compensate(d, win, "bad oracle")
	require.True(t, ok)
	assert.Equal(t, domain.TransactionTypeRefund, m.Type)
	assert.Equal(t, int64(-465), m.Amount)
	assert.Equal(t, int64(-300), m.Release)
	assert.Equal(t, "tx-win", m.RelatedID)
	assert.Equal(t, "tx-legacy", m.Metadata["originalLegacyTransactionId"])
	assert.Equal(t, "bad oracle", m.Metadata["reason"])

	loss := domain.CommitmentPayout{
		CommitmentID: "c3", UserID: "u3", TokensCommitted: 400,
		TransactionID: "tx-loss", TransactionType: domain.TransactionTypeLoss,
	}
	m, ok = compensate(d, loss, "bad oracle")
	require.True(t, ok)
	assert.Equal(t, domain.TransactionTypeLossReversal, m.Type)
	assert.Equal(t, int64(400), m.Amount)

	_, ok = compensate(d, domain.CommitmentPayout{}, "x")
	assert.False(t, ok)
}
