package commitment

import (
	"sort"
	"strconv"
	"time"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

// IntegrityIssue is one violated invariant on a stored commitment.
type IntegrityIssue struct {
	Field         string `json:"field"`
	Message       string `json:"message"`
	CurrentValue  string `json:"currentValue"`
	ExpectedValue string `json:"expectedValue,omitempty"`
}

// IntegrityReport lists every issue found on one commitment.
type IntegrityReport struct {
	CommitmentID string           `json:"commitmentId"`
	Valid        bool             `json:"valid"`
	Issues       []IntegrityIssue `json:"issues,omitempty"`
}

func (r *IntegrityReport) add(field, msg, current, expected string) {
	r.Issues = append(r.Issues, IntegrityIssue{
		Field:         field,
		Message:       msg,
		CurrentValue:  current,
		ExpectedValue: expected,
	})
}

// ValidateCommitmentIntegrity re-derives the invariants of c. It never fails;
// problems are reported as issues.
func ValidateCommitmentIntegrity(c domain.PredictionCommitment) IntegrityReport {
	r := IntegrityReport{CommitmentID: c.ID}

	if c.TokensCommitted <= 0 {
		r.add("tokensCommitted", "tokens committed must be positive",
			strconv.FormatInt(c.TokensCommitted, 10), "")
	}
	if c.OptionID == "" && c.Position == "" {
		r.add("optionId", "commitment has neither option id nor position", "", "")
	}

	if !c.Odds.IsPositive() {
		r.add("odds", "odds must be positive", c.Odds.String(), "")
	} else if want := potentialWinning(c.TokensCommitted, c.Odds); !c.PotentialWinning.Equal(want) {
		r.add("potentialWinning", "potential winning must equal tokens committed times odds",
			c.PotentialWinning.String(), want.String())
	}

	if c.ResolvedAt != nil && c.ResolvedAt.Before(c.CommittedAt) {
		r.add("resolvedAt", "resolved before it was committed",
			c.ResolvedAt.UTC().Format(time.RFC3339Nano), "not before "+c.CommittedAt.UTC().Format(time.RFC3339Nano))
	}

	switch c.Status {
	case domain.CommitmentStatusWon, domain.CommitmentStatusLost:
		if c.ResolvedAt == nil {
			r.add("resolvedAt", "settled commitment has no resolution time", "", "set")
		}
	case domain.CommitmentStatusActive:
		if c.ResolvedAt != nil {
			r.add("resolvedAt", "active commitment carries a resolution time",
				c.ResolvedAt.UTC().Format(time.RFC3339Nano), "")
		}
	case domain.CommitmentStatusRefunded:
	default:
		r.add("status", "unknown status", string(c.Status), "")
	}

	if md := c.Metadata; !md.CapturedAt.IsZero() {
		if md.SelectedOptionID != "" && c.OptionID != "" && md.SelectedOptionID != c.OptionID {
			r.add("metadata.selectedOptionId", "snapshot option differs from commitment option",
				md.SelectedOptionID, c.OptionID)
		}
		if !md.SelectedOdds.IsZero() && !md.SelectedOdds.Equal(c.Odds) {
			r.add("metadata.selectedOdds", "snapshot odds differ from commitment odds",
				md.SelectedOdds.String(), c.Odds.String())
		}
	}

	r.Valid = len(r.Issues) == 0
	return r
}

// BatchReport summarises an integrity pass over many commitments.
type BatchReport struct {
	Checked     int               `json:"checked"`
	Invalid     int               `json:"invalid"`
	IssueCounts map[string]int    `json:"issueCounts"`
	Reports     []IntegrityReport `json:"reports,omitempty"`
}

// Fields returns the fields with issues, sorted.
func (b BatchReport) Fields() []string {
	out := make([]string, 0, len(b.IssueCounts))
	for f := range b.IssueCounts {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Merge folds other into b.
func (b *BatchReport) Merge(other BatchReport) {
	if b.IssueCounts == nil {
		b.IssueCounts = make(map[string]int)
	}
	b.Checked += other.Checked
	b.Invalid += other.Invalid
	for f, n := range other.IssueCounts {
		b.IssueCounts[f] += n
	}
	b.Reports = append(b.Reports, other.Reports...)
}

// BatchValidateCommitments checks every commitment and keeps the reports of
// the invalid ones, in input order.
func BatchValidateCommitments(commitments []domain.PredictionCommitment) BatchReport {
	b := BatchReport{IssueCounts: make(map[string]int)}
	for _, c := range commitments {
		b.Checked++
		r := ValidateCommitmentIntegrity(c)
		if r.Valid {
			continue
		}
		b.Invalid++
		for _, is := range r.Issues {
			b.IssueCounts[is.Field]++
		}
		b.Reports = append(b.Reports, r)
	}
	return b
}
