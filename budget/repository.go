/*
repository.go - The single entry point for presentation code

PURPOSE:
  Combines the Record Store, the Change Notifier and the aggregation
  functions behind one facade: commands validate and write, observations
  stream derived state, snapshots pull cross-cycle totals on demand.

CONSTRUCTION:
  There is no global handle. The caller builds a store and passes it in:

    store, err := sqlite.New("./cycle-ledger.db")
    repo := budget.NewRepository(store, budget.WithGracePeriod(5*time.Second))
    defer repo.Close()

  NewRepository creates the Notifier and attaches it to the store, so every
  committed write becomes an event before the write returns.

COMMANDS:
  CreateCycle        defaults year/month to now, trims label, rejects
                     duplicate (year, month) with ErrConstraintViolation
  UpdateCycle        pass-through; missing cycle is a no-op
  DeleteCycle        cascades to transactions; missing cycle is a no-op
  AddTransaction     trims title and category, SpentAt defaults to now
  UpdateTransaction  missing transaction is a no-op
  DeleteTransaction  idempotent

QUERIES:
  GetCycle / GetTransaction  nil when absent, error only on storage failure
  SnapshotTotals             one (cycle, spent) pair per cycle, never cached
  Insights / Board           summaries derived from the above

OBSERVATIONS:
  ObserveCycles              []Cycle, year desc, month desc
  ObserveLedger(id)          *Ledger, nil once the cycle no longer exists

SEE ALSO:
  - observe.go: Observable lifecycle and grace period
  - dispatch.go: Running commands off the caller's goroutine
*/
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/cycle-ledger/log"
)

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository is the facade over store, notifier and aggregator.
type Repository struct {
	store    Store
	notifier *Notifier
	logger   *log.Logger

	now                 func() time.Time
	grace               time.Duration
	snapshotConcurrency int

	inflight sync.WaitGroup
	closeMu  sync.RWMutex
	closed   bool
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock replaces time.Now, used for defaults of year, month and SpentAt.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithGracePeriod sets how long observations outlive their last observer.
// Zero or negative stops them immediately.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Repository) { r.grace = d }
}

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Repository) { r.logger = l.WithComponent(log.ComponentRepository) }
}

// WithSnapshotConcurrency bounds the parallel per-cycle sums of SnapshotTotals.
func WithSnapshotConcurrency(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.snapshotConcurrency = n
		}
	}
}

// NewRepository wires a notifier to store and returns the facade.
func NewRepository(store Store, opts ...Option) *Repository {
	r := &Repository{
		store:               store,
		notifier:            NewNotifier(),
		logger:              log.Nop(),
		now:                 time.Now,
		grace:               DefaultGracePeriod,
		snapshotConcurrency: 4,
	}
	for _, opt := range opts {
		opt(r)
	}
	store.Attach(r.notifier)
	return r
}

// Notifier exposes the change notifier, e.g. for outbound relays.
func (r *Repository) Notifier() *Notifier { return r.notifier }

// Close waits for in-flight async commands, then ends all observations.
// The store is owned by the caller and stays open.
func (r *Repository) Close() error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	r.closeMu.Unlock()

	r.inflight.Wait()
	r.store.Attach(DiscardChanges)
	r.notifier.Close()
	return nil
}

// =============================================================================
// OBSERVATIONS
// =============================================================================

// ObserveCycles streams the full cycle list, year desc, month desc.
// Each call returns an independent observable; observers of one observable
// share its upstream.
func (r *Repository) ObserveCycles() *Observable[[]Cycle] {
	return newObservable(r.notifier, CyclesScope(), r.grace, r.logger.WithComponent(log.ComponentObserver),
		func(ctx context.Context) ([]Cycle, error) {
			cycles, err := r.store.ListCycles(ctx)
			if err != nil {
				return nil, err
			}
			SortCycles(cycles)
			return cycles, nil
		})
}

// ObserveLedger streams the ledger of one cycle. A nil value means the cycle
// does not exist (or no longer exists); it is not an error.
func (r *Repository) ObserveLedger(id CycleID) *Observable[*Ledger] {
	return newObservable(r.notifier, CycleScope(id), r.grace, r.logger.WithComponent(log.ComponentObserver),
		func(ctx context.Context) (*Ledger, error) {
			return r.loadLedger(ctx, id)
		})
}

// Ledger returns the current ledger of a cycle, nil when absent.
func (r *Repository) Ledger(ctx context.Context, id CycleID) (*Ledger, error) {
	return r.loadLedger(ctx, id)
}

func (r *Repository) loadLedger(ctx context.Context, id CycleID) (*Ledger, error) {
	cycle, txs, err := r.store.LoadCycleRecords(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cycle %d: %w", id, err)
	}
	ledger := BuildLedger(cycle, txs)
	return &ledger, nil
}

// =============================================================================
// CYCLE COMMANDS
// =============================================================================

// CreateCycle stores a new cycle. Zero Year or Month default to the current
// calendar year or month.
func (r *Repository) CreateCycle(ctx context.Context, in NewCycle) (Cycle, error) {
	now := r.now()
	current := PeriodOf(now)

	cycle := Cycle{
		Label:     strings.TrimSpace(in.Label),
		Year:      in.Year,
		Month:     in.Month,
		Income:    in.Income,
		CreatedAt: now,
	}
	if cycle.Year == 0 {
		cycle.Year = current.Year
	}
	if cycle.Month == 0 {
		cycle.Month = current.Month
	}
	if !cycle.Period().Valid() {
		return Cycle{}, fmt.Errorf("create cycle %04d-%02d: %w", cycle.Year, cycle.Month, ErrInvalidPeriod)
	}

	stored, err := r.store.InsertCycle(ctx, cycle)
	if err != nil {
		return Cycle{}, fmt.Errorf("create cycle: %w", err)
	}

	r.logger.InfoContext(ctx, "cycle created",
		log.FieldOperation, log.OpCreate,
		log.FieldCycleID, stored.ID,
		log.FieldYear, stored.Year,
		log.FieldMonth, stored.Month)
	return stored, nil
}

// UpdateCycle overwrites label, period and income of an existing cycle.
// Updating a cycle that no longer exists is a successful no-op.
func (r *Repository) UpdateCycle(ctx context.Context, c Cycle) error {
	if !c.Period().Valid() {
		return fmt.Errorf("update cycle %d: %w", c.ID, ErrInvalidPeriod)
	}
	err := r.store.UpdateCycle(ctx, c)
	if errors.Is(err, ErrNotFound) {
		r.logger.DebugContext(ctx, "update of missing cycle ignored", log.FieldCycleID, c.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("update cycle %d: %w", c.ID, err)
	}
	r.logger.InfoContext(ctx, "cycle updated",
		log.FieldOperation, log.OpUpdate,
		log.FieldCycleID, c.ID,
		log.FieldYear, c.Year,
		log.FieldMonth, c.Month)
	return nil
}

// DeleteCycle removes a cycle and all of its transactions. Idempotent.
func (r *Repository) DeleteCycle(ctx context.Context, id CycleID) error {
	err := r.store.DeleteCycle(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete cycle %d: %w", id, err)
	}
	r.logger.InfoContext(ctx, "cycle deleted", log.FieldOperation, log.OpDelete, log.FieldCycleID, id)
	return nil
}

// GetCycle returns the cycle, or nil when it does not exist.
func (r *Repository) GetCycle(ctx context.Context, id CycleID) (*Cycle, error) {
	c, err := r.store.FindCycle(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cycle %d: %w", id, err)
	}
	return &c, nil
}

// ListCycles returns all cycles, year desc, month desc.
func (r *Repository) ListCycles(ctx context.Context) ([]Cycle, error) {
	cycles, err := r.store.ListCycles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	return cycles, nil
}

// =============================================================================
// TRANSACTION COMMANDS
// =============================================================================

// AddTransaction records an expense. A zero SpentAt defaults to now.
func (r *Repository) AddTransaction(ctx context.Context, in NewTransaction) (Transaction, error) {
	tx := Transaction{
		CycleID:  in.CycleID,
		Title:    strings.TrimSpace(in.Title),
		Amount:   in.Amount,
		Category: strings.TrimSpace(in.Category),
		SpentAt:  in.SpentAt,
	}
	if tx.SpentAt.IsZero() {
		tx.SpentAt = r.now()
	}

	stored, err := r.store.InsertTransaction(ctx, tx)
	if err != nil {
		return Transaction{}, fmt.Errorf("add transaction to cycle %d: %w", in.CycleID, err)
	}

	r.logger.InfoContext(ctx, "transaction added",
		log.FieldOperation, log.OpCreate,
		log.FieldCycleID, stored.CycleID,
		log.FieldTransactionID, stored.ID)
	return stored, nil
}

// UpdateTransaction overwrites an existing transaction. Updating a
// transaction that no longer exists is a successful no-op.
func (r *Repository) UpdateTransaction(ctx context.Context, tx Transaction) error {
	err := r.store.UpdateTransaction(ctx, tx)
	if errors.Is(err, ErrNotFound) {
		var nf *NotFoundError
		// Moving a live transaction to a missing cycle is still an error.
		if errors.As(err, &nf) && nf.Kind == KindCycle {
			return fmt.Errorf("update transaction %d: %w", tx.ID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("update transaction %d: %w", tx.ID, err)
	}
	r.logger.InfoContext(ctx, "transaction updated",
		log.FieldOperation, log.OpUpdate,
		log.FieldCycleID, tx.CycleID,
		log.FieldTransactionID, tx.ID)
	return nil
}

// DeleteTransaction removes a transaction. Idempotent.
func (r *Repository) DeleteTransaction(ctx context.Context, id TransactionID) error {
	err := r.store.DeleteTransaction(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete transaction %d: %w", id, err)
	}
	r.logger.InfoContext(ctx, "transaction deleted", log.FieldOperation, log.OpDelete, log.FieldTransactionID, id)
	return nil
}

// GetTransaction returns the transaction, or nil when it does not exist.
func (r *Repository) GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error) {
	tx, err := r.store.FindTransaction(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %d: %w", id, err)
	}
	return &tx, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// SnapshotTotals pairs every cycle with the sum of its transactions.
// Recomputed on every call; pairs keep the year desc, month desc order.
func (r *Repository) SnapshotTotals(ctx context.Context) ([]CycleTotal, error) {
	cycles, err := r.store.ListCycles(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot totals: %w", err)
	}

	totals := make([]CycleTotal, len(cycles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.snapshotConcurrency)
	for i, c := range cycles {
		g.Go(func() error {
			spent, err := r.store.SumAmount(gctx, c.ID)
			if errors.Is(err, ErrNotFound) {
				// Deleted between list and sum: counts as nothing spent.
				spent, err = decimal.Zero, nil
			}
			if err != nil {
				return fmt.Errorf("sum cycle %d: %w", c.ID, err)
			}
			totals[i] = CycleTotal{Cycle: c, Spent: spent}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot totals: %w", err)
	}

	r.logger.DebugContext(ctx, "snapshot computed", log.FieldOperation, log.OpSnapshot, "cycles", len(totals))
	return totals, nil
}

// Insights summarizes a fresh snapshot for the insight view.
func (r *Repository) Insights(ctx context.Context) (PortfolioSummary, error) {
	totals, err := r.SnapshotTotals(ctx)
	if err != nil {
		return PortfolioSummary{}, err
	}
	return Summarize(totals), nil
}

// Board summarizes the current cycle list for the board view.
func (r *Repository) Board(ctx context.Context) (BoardSummary, error) {
	cycles, err := r.ListCycles(ctx)
	if err != nil {
		return BoardSummary{}, err
	}
	return SummarizeBoard(cycles), nil
}
