// Package memory is an in-process implementation of domain.Store. Each
// transaction stages its writes and validates its version expectations when
// it commits, so concurrent writers see the same conflicts they would against
// PostgreSQL.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.Store          = (*Store)(nil)
	_ domain.MarketProvider = (*Store)(nil)
)

type state struct {
	balances      map[string]domain.UserBalance
	transactions  []domain.TokenTransaction
	txIndex       map[string]int
	commitments   map[string]domain.PredictionCommitment
	distributions map[string]domain.PayoutDistribution
	distOrder     []string
	resolutions   map[string]domain.MarketResolution
	markets       map[string]domain.Market
}

// Store keeps committed state behind a mutex.
type Store struct {
	mu         sync.Mutex
	st         state
	failCommit error
}

// New creates an empty store.
func New() *Store {
	return &Store{st: state{
		balances:      make(map[string]domain.UserBalance),
		txIndex:       make(map[string]int),
		commitments:   make(map[string]domain.PredictionCommitment),
		distributions: make(map[string]domain.PayoutDistribution),
		resolutions:   make(map[string]domain.MarketResolution),
		markets:       make(map[string]domain.Market),
	}}
}

// FailNextCommit makes the next commit return err after its writes have been
// staged. The staged writes are discarded.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommit = err
}

// PutMarket stores a market snapshot served by GetMarket.
func (s *Store) PutMarket(m domain.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.markets[m.ID] = m
}

// GetMarket implements domain.MarketProvider.
func (s *Store) GetMarket(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.st.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: market %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

// RunInTx runs fn against a staged view and commits it when fn returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: begin tx: %w", err)
	}
	t := newStaged()
	if err := fn(ctx, &view{s: s, t: t}); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) Balances() domain.BalanceStore           { return &balanceView{view{s: s}} }
func (s *Store) Transactions() domain.TransactionStore   { return &transactionView{view{s: s}} }
func (s *Store) Commitments() domain.CommitmentStore     { return &commitmentView{view{s: s}} }
func (s *Store) Distributions() domain.DistributionStore { return &distributionView{view{s: s}} }
func (s *Store) Resolutions() domain.ResolutionStore     { return &resolutionView{view{s: s}} }

// staged holds the writes and expectations of one open transaction.
type staged struct {
	balances       map[string]domain.UserBalance
	balanceExpect  map[string]int64
	transactions   []domain.TokenTransaction
	commitments    map[string]domain.PredictionCommitment
	newCommitments map[string]bool
	distributions  map[string]domain.PayoutDistribution
	newDists       []string
	rollbacks      map[string]bool
	resolutions    map[string]domain.MarketResolution
}

func newStaged() *staged {
	return &staged{
		balances:       make(map[string]domain.UserBalance),
		balanceExpect:  make(map[string]int64),
		commitments:    make(map[string]domain.PredictionCommitment),
		newCommitments: make(map[string]bool),
		distributions:  make(map[string]domain.PayoutDistribution),
		rollbacks:      make(map[string]bool),
		resolutions:    make(map[string]domain.MarketResolution),
	}
}

func (s *Store) commit(t *staged) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failCommit; err != nil {
		s.failCommit = nil
		return fmt.Errorf("memory: commit: %w", err)
	}

	for userID, expected := range t.balanceExpect {
		if got := s.st.balances[userID].Version; got != expected {
			return fmt.Errorf("memory: commit: balance %s at version %d, expected %d: %w",
				userID, got, expected, domain.ErrConcurrentModification)
		}
	}
	for _, tr := range t.transactions {
		if _, ok := s.st.txIndex[tr.ID]; ok {
			return fmt.Errorf("memory: commit: transaction %s: %w", tr.ID, domain.ErrAlreadyExists)
		}
	}
	for id := range t.newCommitments {
		if _, ok := s.st.commitments[id]; ok {
			return fmt.Errorf("memory: commit: commitment %s: %w", id, domain.ErrAlreadyExists)
		}
	}
	for _, id := range t.newDists {
		d := t.distributions[id]
		if _, ok := s.st.distributions[id]; ok {
			return fmt.Errorf("memory: commit: distribution %s: %w", id, domain.ErrAlreadyExists)
		}
		if _, ok := s.completedDistribution(d.MarketID); ok {
			return fmt.Errorf("memory: commit: market %s already distributed: %w", d.MarketID, domain.ErrAlreadyExists)
		}
	}
	for id := range t.rollbacks {
		if d, ok := s.st.distributions[id]; ok && d.Status != domain.DistributionStatusCompleted {
			return fmt.Errorf("memory: commit: distribution %s: %w", id, domain.ErrAlreadyRolledBack)
		}
	}

	for userID, b := range t.balances {
		s.st.balances[userID] = b
	}
	for _, tr := range t.transactions {
		s.st.txIndex[tr.ID] = len(s.st.transactions)
		s.st.transactions = append(s.st.transactions, tr)
	}
	for id, c := range t.commitments {
		s.st.commitments[id] = c
	}
	for _, id := range t.newDists {
		s.st.distOrder = append(s.st.distOrder, id)
	}
	for id, d := range t.distributions {
		s.st.distributions[id] = d
	}
	for marketID, r := range t.resolutions {
		s.st.resolutions[marketID] = r
	}
	return nil
}

// completedDistribution must be called with mu held.
func (s *Store) completedDistribution(marketID string) (domain.PayoutDistribution, bool) {
	for _, id := range s.st.distOrder {
		d := s.st.distributions[id]
		if d.MarketID == marketID && d.Status == domain.DistributionStatusCompleted {
			return d, true
		}
	}
	return domain.PayoutDistribution{}, false
}

// view routes reads through the staged writes of t, when present, and
// autocommits writes made outside a transaction.
type view struct {
	s *Store
	t *staged
}

func (v *view) Balances() domain.BalanceStore           { return &balanceView{*v} }
func (v *view) Transactions() domain.TransactionStore   { return &transactionView{*v} }
func (v *view) Commitments() domain.CommitmentStore     { return &commitmentView{*v} }
func (v *view) Distributions() domain.DistributionStore { return &distributionView{*v} }
func (v *view) Resolutions() domain.ResolutionStore     { return &resolutionView{*v} }

func (v view) write(fn func(t *staged) error) error {
	if v.t != nil {
		return fn(v.t)
	}
	t := newStaged()
	if err := fn(t); err != nil {
		return err
	}
	return v.s.commit(t)
}

func (v view) staged() *staged {
	if v.t != nil {
		return v.t
	}
	return newStaged()
}

// --- balances ---

type balanceView struct{ view }

func (v *balanceView) get(userID string) (domain.UserBalance, bool) {
	if b, ok := v.staged().balances[userID]; ok {
		return b, true
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	b, ok := v.s.st.balances[userID]
	return b, ok
}

func (v *balanceView) Get(_ context.Context, userID string) (domain.UserBalance, error) {
	b, ok := v.get(userID)
	if !ok {
		return domain.UserBalance{}, fmt.Errorf("memory: balance %s: %w", userID, domain.ErrNotFound)
	}
	return b, nil
}

func (v *balanceView) Create(_ context.Context, b domain.UserBalance) error {
	return v.write(func(t *staged) error {
		if _, ok := v.get(b.UserID); ok {
			return fmt.Errorf("memory: balance %s: %w", b.UserID, domain.ErrAlreadyExists)
		}
		if _, ok := t.balanceExpect[b.UserID]; !ok {
			t.balanceExpect[b.UserID] = 0
		}
		t.balances[b.UserID] = b
		return nil
	})
}

func (v *balanceView) WriteIfVersion(_ context.Context, w domain.CasWrite) (domain.CasResult, error) {
	var res domain.CasResult
	err := v.write(func(t *staged) error {
		current, _ := v.get(w.UserID)
		if current.Version != w.ExpectedVersion {
			res = domain.CasResult{Applied: false, CurrentVersion: current.Version}
			return nil
		}
		if _, ok := t.balanceExpect[w.UserID]; !ok {
			t.balanceExpect[w.UserID] = w.ExpectedVersion
		}
		t.balances[w.UserID] = w.NewValue
		res = domain.CasResult{Applied: true, CurrentVersion: w.NewValue.Version}
		return nil
	})
	if err != nil {
		return domain.CasResult{}, err
	}
	return res, nil
}

// --- transactions ---

type transactionView struct{ view }

func (v *transactionView) Append(_ context.Context, tr domain.TokenTransaction) error {
	return v.write(func(t *staged) error {
		for _, existing := range t.transactions {
			if existing.ID == tr.ID {
				return fmt.Errorf("memory: transaction %s: %w", tr.ID, domain.ErrAlreadyExists)
			}
		}
		t.transactions = append(t.transactions, tr)
		return nil
	})
}

func (v *transactionView) GetByID(_ context.Context, id string) (domain.TokenTransaction, error) {
	for _, tr := range v.staged().transactions {
		if tr.ID == id {
			return tr, nil
		}
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	i, ok := v.s.st.txIndex[id]
	if !ok {
		return domain.TokenTransaction{}, fmt.Errorf("memory: transaction %s: %w", id, domain.ErrNotFound)
	}
	return v.s.st.transactions[i], nil
}

func (v *transactionView) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.TokenTransaction, error) {
	v.s.mu.Lock()
	all := make([]domain.TokenTransaction, 0, len(v.s.st.transactions))
	all = append(all, v.s.st.transactions...)
	v.s.mu.Unlock()
	all = append(all, v.staged().transactions...)

	var out []domain.TokenTransaction
	for _, tr := range all {
		if tr.UserID != userID || !inWindow(tr.Timestamp, opts) {
			continue
		}
		out = append(out, tr)
	}
	return page(out, opts), nil
}

// --- commitments ---

type commitmentView struct{ view }

func (v *commitmentView) get(id string) (domain.PredictionCommitment, bool) {
	if c, ok := v.staged().commitments[id]; ok {
		return c, true
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.st.commitments[id]
	return c, ok
}

func (v *commitmentView) Create(_ context.Context, c domain.PredictionCommitment) error {
	return v.write(func(t *staged) error {
		if _, ok := v.get(c.ID); ok {
			return fmt.Errorf("memory: commitment %s: %w", c.ID, domain.ErrAlreadyExists)
		}
		t.commitments[c.ID] = c
		t.newCommitments[c.ID] = true
		return nil
	})
}

func (v *commitmentView) GetByID(_ context.Context, id string) (domain.PredictionCommitment, error) {
	c, ok := v.get(id)
	if !ok {
		return domain.PredictionCommitment{}, fmt.Errorf("memory: commitment %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (v *commitmentView) all() []domain.PredictionCommitment {
	merged := make(map[string]domain.PredictionCommitment)
	v.s.mu.Lock()
	for id, c := range v.s.st.commitments {
		merged[id] = c
	}
	v.s.mu.Unlock()
	for id, c := range v.staged().commitments {
		merged[id] = c
	}

	out := make([]domain.PredictionCommitment, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CommittedAt.Equal(out[j].CommittedAt) {
			return out[i].CommittedAt.Before(out[j].CommittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v *commitmentView) ListByMarket(_ context.Context, marketID string, status domain.CommitmentStatus) ([]domain.PredictionCommitment, error) {
	var out []domain.PredictionCommitment
	for _, c := range v.all() {
		if c.MarketID != marketID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (v *commitmentView) List(_ context.Context, opts domain.ListOpts) ([]domain.PredictionCommitment, error) {
	var out []domain.PredictionCommitment
	for _, c := range v.all() {
		if inWindow(c.CommittedAt, opts) {
			out = append(out, c)
		}
	}
	return page(out, opts), nil
}

func (v *commitmentView) UpdateStatus(_ context.Context, id string, status domain.CommitmentStatus, resolvedAt *time.Time) error {
	return v.write(func(t *staged) error {
		c, ok := v.get(id)
		if !ok {
			return fmt.Errorf("memory: commitment %s: %w", id, domain.ErrNotFound)
		}
		c.Status = status
		if resolvedAt != nil {
			at := *resolvedAt
			c.ResolvedAt = &at
		} else {
			c.ResolvedAt = nil
		}
		t.commitments[id] = c
		return nil
	})
}

// --- distributions ---

type distributionView struct{ view }

func (v *distributionView) get(id string) (domain.PayoutDistribution, bool) {
	if d, ok := v.staged().distributions[id]; ok {
		return d, true
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	d, ok := v.s.st.distributions[id]
	return d, ok
}

func (v *distributionView) Create(_ context.Context, d domain.PayoutDistribution) error {
	return v.write(func(t *staged) error {
		if _, ok := v.get(d.ID); ok {
			return fmt.Errorf("memory: distribution %s: %w", d.ID, domain.ErrAlreadyExists)
		}
		if existing, err := v.GetByMarket(context.Background(), d.MarketID); err == nil &&
			existing.Status == domain.DistributionStatusCompleted {
			return fmt.Errorf("memory: market %s already distributed by %s: %w",
				d.MarketID, existing.ID, domain.ErrAlreadyExists)
		}
		t.distributions[d.ID] = d
		t.newDists = append(t.newDists, d.ID)
		return nil
	})
}

func (v *distributionView) GetByID(_ context.Context, id string) (domain.PayoutDistribution, error) {
	d, ok := v.get(id)
	if !ok {
		return domain.PayoutDistribution{}, fmt.Errorf("memory: distribution %s: %w", id, domain.ErrNotFound)
	}
	return d, nil
}

// GetByMarket returns the most recently created distribution of the market.
func (v *distributionView) GetByMarket(_ context.Context, marketID string) (domain.PayoutDistribution, error) {
	t := v.staged()
	for i := len(t.newDists) - 1; i >= 0; i-- {
		if d := t.distributions[t.newDists[i]]; d.MarketID == marketID {
			return d, nil
		}
	}

	v.s.mu.Lock()
	order := append([]string(nil), v.s.st.distOrder...)
	v.s.mu.Unlock()
	for i := len(order) - 1; i >= 0; i-- {
		d, _ := v.get(order[i])
		if d.MarketID == marketID {
			return d, nil
		}
	}
	return domain.PayoutDistribution{}, fmt.Errorf("memory: distribution for market %s: %w", marketID, domain.ErrNotFound)
}

func (v *distributionView) MarkRolledBack(_ context.Context, id, by, reason string, at time.Time) error {
	return v.write(func(t *staged) error {
		d, ok := v.get(id)
		if !ok {
			return fmt.Errorf("memory: distribution %s: %w", id, domain.ErrNotFound)
		}
		if d.Status != domain.DistributionStatusCompleted {
			return fmt.Errorf("memory: distribution %s is %s: %w", id, d.Status, domain.ErrAlreadyRolledBack)
		}
		d.Status = domain.DistributionStatusRolledBack
		d.RolledBackAt = &at
		d.RolledBackBy = by
		d.RollbackReason = reason
		t.distributions[id] = d
		t.rollbacks[id] = true
		return nil
	})
}

// --- resolutions ---

type resolutionView struct{ view }

func (v *resolutionView) get(marketID string) (domain.MarketResolution, bool) {
	if r, ok := v.staged().resolutions[marketID]; ok {
		return r, true
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.st.resolutions[marketID]
	return r, ok
}

func (v *resolutionView) Create(_ context.Context, r domain.MarketResolution) error {
	return v.write(func(t *staged) error {
		if existing, ok := v.get(r.MarketID); ok && existing.Status == domain.ResolutionStatusCompleted {
			return fmt.Errorf("memory: resolution %s: %w", r.MarketID, domain.ErrAlreadyExists)
		}
		t.resolutions[r.MarketID] = r
		return nil
	})
}

func (v *resolutionView) GetByMarket(_ context.Context, marketID string) (domain.MarketResolution, error) {
	r, ok := v.get(marketID)
	if !ok {
		return domain.MarketResolution{}, fmt.Errorf("memory: resolution %s: %w", marketID, domain.ErrNotFound)
	}
	return r, nil
}

func (v *resolutionView) UpdateStatus(_ context.Context, marketID string, status domain.ResolutionStatus) error {
	return v.write(func(t *staged) error {
		r, ok := v.get(marketID)
		if !ok {
			return fmt.Errorf("memory: resolution %s: %w", marketID, domain.ErrNotFound)
		}
		r.Status = status
		t.resolutions[marketID] = r
		return nil
	})
}

func inWindow(at time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && at.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && at.After(*opts.Until) {
		return false
	}
	return true
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
