package settlement

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tokenledger/internal/domain"
	"github.com/alanyoungcy/tokenledger/internal/ledger"
)

// Legacy consumers read win records with exactly these metadata keys and
// RelatedID set to the market id. Do not add fields to legacyWinRecord.
const (
	legacySourceValue = "payout_distribution"
	legacyDescription = "Won prediction"
)

// recordBuilder emits the closed set of ledger mutations and transaction
// records one settlement line produces.
type recordBuilder struct {
	distributionID  string
	marketID        string
	winningOptionID string
}

// win credits the payout and releases the stake. The resulting transaction
// is the enhanced-format record.
func (b recordBuilder) win(line domain.CommitmentPayout) ledger.Mutation {
	return ledger.Mutation{
		UserID:    line.UserID,
		Amount:    line.PayoutAmount,
		Type:      domain.TransactionTypeWin,
		Release:   line.TokensCommitted,
		RelatedID: line.CommitmentID,
		Format:    domain.RecordFormatEnhanced,
		Metadata: map[string]string{
			"distributionId":  b.distributionID,
			"marketId":        b.marketID,
			"commitmentId":    line.CommitmentID,
			"optionId":        line.OptionID,
			"winningOptionId": b.winningOptionID,
			"stake":           strconv.FormatInt(line.TokensCommitted, 10),
			"profit":          strconv.FormatInt(line.Profit, 10),
			"winShare":        line.WinShare.String(),
			"method":          string(line.Method),
		},
	}
}

// legacyWin mirrors an applied enhanced win record in the frozen legacy
// shape.
func (b recordBuilder) legacyWin(enhanced domain.TokenTransaction, commitmentID string) domain.TokenTransaction {
	return legacyWinRecord(uuid.NewString(), enhanced, b.marketID, commitmentID)
}

func legacyWinRecord(id string, enhanced domain.TokenTransaction, marketID, commitmentID string) domain.TokenTransaction {
	return domain.TokenTransaction{
		ID:            id,
		UserID:        enhanced.UserID,
		Type:          domain.TransactionTypeWin,
		Amount:        enhanced.Amount,
		BalanceBefore: enhanced.BalanceBefore,
		BalanceAfter:  enhanced.BalanceAfter,
		RelatedID:     marketID,
		Metadata: map[string]string{
			"commitmentId": commitmentID,
			"description":  legacyDescription,
			"source":       legacySourceValue,
		},
		Format:    domain.RecordFormatLegacy,
		Timestamp: enhanced.Timestamp,
		Status:    domain.TransactionStatusCompleted,
	}
}

// loss forfeits the stake of a losing line, or of a winning line whose
// floored payout is zero.
func (b recordBuilder) loss(line domain.CommitmentPayout) ledger.Mutation {
	return ledger.Mutation{
		UserID:    line.UserID,
		Amount:    -line.TokensCommitted,
		Type:      domain.TransactionTypeLoss,
		RelatedID: line.CommitmentID,
		Format:    domain.RecordFormatEnhanced,
		Metadata: map[string]string{
			"distributionId":  b.distributionID,
			"marketId":        b.marketID,
			"commitmentId":    line.CommitmentID,
			"optionId":        line.OptionID,
			"winningOptionId": b.winningOptionID,
			"stake":           strconv.FormatInt(line.TokensCommitted, 10),
			"method":          string(line.Method),
		},
	}
}

// compensate returns the mutation reversing an applied line, or false when
// the line recorded no transaction.
func compensate(d domain.PayoutDistribution, line domain.CommitmentPayout, reason string) (ledger.Mutation, bool) {
	md := map[string]string{
		"originalTransactionId": line.TransactionID,
		"distributionId":        d.ID,
		"marketId":              d.MarketID,
		"commitmentId":          line.CommitmentID,
		"reason":                reason,
	}
	if line.LegacyTransactionID != "" {
		md["originalLegacyTransactionId"] = line.LegacyTransactionID
	}

	switch line.TransactionType {
	case domain.TransactionTypeWin:
		return ledger.Mutation{
			UserID:    line.UserID,
			Amount:    -line.PayoutAmount,
			Type:      domain.TransactionTypeRefund,
			Release:   -line.TokensCommitted,
			RelatedID: line.TransactionID,
			Metadata:  md,
		}, true
	case domain.TransactionTypeLoss:
		return ledger.Mutation{
			UserID:    line.UserID,
			Amount:    line.TokensCommitted,
			Type:      domain.TransactionTypeLossReversal,
			RelatedID: line.TransactionID,
			Metadata:  md,
		}, true
	}
	return ledger.Mutation{}, false
}
