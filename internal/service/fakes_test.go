package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/provider"
	"github.com/digkill/genstudio/internal/repository"
)

// memLedger mirrors LedgerRepository semantics: one lock per write, unique references.
type memLedger struct {
	mu       sync.Mutex
	balances map[int64]int
	entries  []models.LedgerEntry
	refs     map[string]int64
	applyErr error
}

func newMemLedger() *memLedger {
	return &memLedger{balances: map[int64]int{}, refs: map[string]int64{}}
}

func (m *memLedger) addUser(id int64, balance int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[id] = 0
	if balance > 0 {
		m.appendLocked(repository.LedgerWrite{UserID: id, Amount: balance, Kind: models.LedgerCredit, Description: "seed"})
	}
}

func (m *memLedger) Apply(_ context.Context, w repository.LedgerWrite) (repository.LedgerResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return repository.LedgerResult{}, m.applyErr
	}
	credits, ok := m.balances[w.UserID]
	if !ok {
		return repository.LedgerResult{}, repository.ErrUserNotFound
	}
	if w.Reference != "" {
		if id, dup := m.refs[w.Reference]; dup {
			return repository.LedgerResult{Balance: credits, EntryID: id}, nil
		}
	}
	if credits+w.Amount < 0 {
		return repository.LedgerResult{Balance: credits}, repository.ErrInsufficientCredits
	}
	id := m.appendLocked(w)
	return repository.LedgerResult{Balance: m.balances[w.UserID], Applied: true, EntryID: id}, nil
}

func (m *memLedger) appendLocked(w repository.LedgerWrite) int64 {
	next := m.balances[w.UserID] + w.Amount
	m.balances[w.UserID] = next
	id := int64(len(m.entries) + 1)
	m.entries = append(m.entries, models.LedgerEntry{
		ID: id, UserID: w.UserID, Amount: w.Amount, BalanceAfter: next, Kind: w.Kind,
		RelatedKind: w.RelatedKind, Reference: w.Reference, Description: w.Description, Metadata: w.Metadata,
	})
	if w.Reference != "" {
		m.refs[w.Reference] = id
	}
	return id
}

func (m *memLedger) Balance(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[userID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	return b, nil
}

func (m *memLedger) Sum(_ context.Context, userID int64) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total, count int
	for _, e := range m.entries {
		if e.UserID == userID {
			total += e.Amount
			count++
		}
	}
	return total, count, nil
}

func (m *memLedger) History(_ context.Context, userID int64, limit, offset int) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].UserID == userID {
			out = append(out, m.entries[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLedger) HasReference(_ context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refs[reference]
	return ok, nil
}

func (m *memLedger) countKind(userID int64, kind models.LedgerKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.UserID == userID && e.Kind == kind {
			n++
		}
	}
	return n
}

// memGenerations mirrors GenerationRepository, including the status compare-and-set.
type memGenerations struct {
	mu        sync.Mutex
	records   map[string]*models.Generation
	ledger    *memLedger
	now       func() time.Time
	createErr error
}

func newMemGenerations(ledger *memLedger, now func() time.Time) *memGenerations {
	return &memGenerations{records: map[string]*models.Generation{}, ledger: ledger, now: now}
}

func (m *memGenerations) Create(_ context.Context, g *models.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *g
	cp.CreatedAt = m.now()
	cp.UpdatedAt = cp.CreatedAt
	m.records[g.ID] = &cp
	return nil
}

func (m *memGenerations) put(g models.Generation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ResultURLs == nil {
		g.ResultURLs = []string{}
	}
	m.records[g.ID] = &g
}

func (m *memGenerations) GetByID(_ context.Context, id string) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.records[id]
	if !ok {
		return nil, repository.ErrGenerationNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *memGenerations) filter(match func(g *models.Generation) bool) []models.Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Generation
	for _, g := range m.records {
		if match(g) {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *memGenerations) FindNonTerminalForUser(_ context.Context, userID int64) ([]models.Generation, error) {
	return m.filter(func(g *models.Generation) bool {
		return g.UserID == userID && !g.Status.IsTerminal()
	}), nil
}

func (m *memGenerations) FindActiveForUser(_ context.Context, userID int64, since time.Time) ([]models.Generation, error) {
	return m.filter(func(g *models.Generation) bool {
		if g.UserID != userID {
			return false
		}
		return !g.Status.IsTerminal() || (g.Status == models.StatusCompleted && !g.UpdatedAt.Before(since))
	}), nil
}

func (m *memGenerations) ListForUser(_ context.Context, userID int64, limit, offset int) ([]models.Generation, error) {
	out := m.filter(func(g *models.Generation) bool { return g.UserID == userID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memGenerations) ListProcessing(_ context.Context, limit int) ([]models.Generation, error) {
	out := m.filter(func(g *models.Generation) bool { return g.Status == models.StatusProcessing })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memGenerations) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]models.Generation, error) {
	out := m.filter(func(g *models.Generation) bool {
		return g.Status == models.StatusPending && g.CreatedAt.Before(olderThan)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memGenerations) ListUnrefundedFailures(ctx context.Context, limit int) ([]models.Generation, error) {
	out := m.filter(func(g *models.Generation) bool {
		return g.Status == models.StatusFailed && g.Cost > 0 && g.CompletedAt == nil
	})
	var missing []models.Generation
	for _, g := range out {
		if ok, _ := m.ledger.HasReference(ctx, refundReference(g.ID)); !ok {
			missing = append(missing, g)
		}
	}
	if len(missing) > limit {
		missing = missing[:limit]
	}
	return missing, nil
}

func (m *memGenerations) UpdateStatus(_ context.Context, id string, expected, next models.GenerationStatus, patch repository.StatusPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.records[id]
	if !ok {
		return repository.ErrGenerationNotFound
	}
	if g.Status != expected {
		return repository.ErrReconciliationConflict
	}
	g.Status = next
	g.UpdatedAt = m.now()
	if patch.Provider != nil {
		g.Provider = *patch.Provider
	}
	if patch.Model != nil {
		g.Model = *patch.Model
	}
	if patch.ExternalHandle != nil {
		g.ExternalHandle = *patch.ExternalHandle
	}
	if patch.ResultURL != nil {
		g.ResultURL = *patch.ResultURL
	}
	if patch.ResultURLs != nil {
		g.ResultURLs = append([]string(nil), patch.ResultURLs...)
	}
	if patch.ErrorMessage != nil {
		g.ErrorMessage = *patch.ErrorMessage
	}
	if patch.MarkCompleted {
		t := m.now()
		g.CompletedAt = &t
	}
	return nil
}

func (m *memGenerations) status(id string) models.GenerationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id].Status
}

// fakeProvider answers submissions and status checks from scripted functions.
type fakeProvider struct {
	name     string
	kinds    []models.GenerationKind
	mu       sync.Mutex
	submits  int
	checks   int
	submitFn func(attempt int) (provider.Submission, error)
	checkFn  func(handle string) (provider.Status, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Supports(kind models.GenerationKind) bool {
	for _, k := range f.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (f *fakeProvider) Submit(_ context.Context, _ models.GenerationKind, _ provider.Inputs) (provider.Submission, error) {
	f.mu.Lock()
	f.submits++
	attempt := f.submits
	f.mu.Unlock()
	if f.submitFn == nil {
		return provider.Submission{Handle: "task-1", Model: "test-model"}, nil
	}
	return f.submitFn(attempt)
}

func (f *fakeProvider) CheckStatus(_ context.Context, handle string) (provider.Status, error) {
	f.mu.Lock()
	f.checks++
	f.mu.Unlock()
	if f.checkFn == nil {
		return provider.Status{State: provider.StatePending}, nil
	}
	return f.checkFn(handle)
}

func (f *fakeProvider) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls []ArchiveRequest
	err   error
}

func (f *fakeArchiver) Archive(_ context.Context, req ArchiveRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(f.calls)), nil
}

func (f *fakeArchiver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
