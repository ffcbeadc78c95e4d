/*
store.go - Persistence interface for cycles and transactions

PURPOSE:
  Defines the interface between the engine and durable storage. The Store is
  the only component that performs raw reads and writes. Everything derived
  (ledgers, totals, summaries) is computed above it.

KEY INTERFACES:
  Store:      Record persistence with the two enforced constraints
  ChangeSink: Commit hook, receives one Change per successful write

CONSTRAINTS EVERY IMPLEMENTATION ENFORCES:
  - (year, month) unique across cycles -> ErrConstraintViolation
  - transactions.cycle_id references cycles.id, ON DELETE CASCADE
  - unknown ids -> ErrNotFound (including a transaction for a missing cycle)

COMMIT HOOK:
  Every successful write calls ChangeSink.Publish while the store still holds
  its write lock. Changes therefore reach the notifier in commit order, and
  before the write returns to its caller. Publish must not block.

ORDERING:
  ListCycles:       year DESC, month DESC
  ListTransactions: spent_at DESC, id DESC

IMPLEMENTATIONS:
  - budget/store/memory.go: In-memory, for tests and ephemeral runs
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - notifier.go: The ChangeSink used in production
  - storetest/: Behavioural suite every implementation must pass
*/
package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Interface for record persistence
// =============================================================================

// Store persists cycles and transactions.
type Store interface {
	// InsertCycle assigns ID and CreatedAt (when zero) and returns the stored cycle.
	InsertCycle(ctx context.Context, c Cycle) (Cycle, error)

	// UpdateCycle overwrites label, period and income. CreatedAt never changes.
	UpdateCycle(ctx context.Context, c Cycle) error

	// DeleteCycle removes the cycle and all its transactions.
	DeleteCycle(ctx context.Context, id CycleID) error

	FindCycle(ctx context.Context, id CycleID) (Cycle, error)
	ListCycles(ctx context.Context) ([]Cycle, error)

	// InsertTransaction assigns ID and returns the stored transaction.
	InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	UpdateTransaction(ctx context.Context, tx Transaction) error
	DeleteTransaction(ctx context.Context, id TransactionID) error
	FindTransaction(ctx context.Context, id TransactionID) (Transaction, error)
	ListTransactions(ctx context.Context, cycleID CycleID) ([]Transaction, error)

	// SumAmount returns the sum of the cycle's transaction amounts, zero if none.
	SumAmount(ctx context.Context, cycleID CycleID) (decimal.Decimal, error)

	// LoadCycleRecords reads a cycle and its ordered transactions in one
	// consistent read. Returns ErrNotFound if the cycle does not exist.
	LoadCycleRecords(ctx context.Context, cycleID CycleID) (Cycle, []Transaction, error)

	// Attach registers the commit hook. A later call replaces the earlier sink.
	Attach(sink ChangeSink)

	Close() error
}

// =============================================================================
// CHANGES - What the store reports after each commit
// =============================================================================

// ChangeKind identifies the write that produced a Change.
type ChangeKind string

const (
	CycleInserted       ChangeKind = "cycle_inserted"
	CycleUpdated        ChangeKind = "cycle_updated"
	CycleDeleted        ChangeKind = "cycle_deleted"
	TransactionInserted ChangeKind = "transaction_inserted"
	TransactionUpdated  ChangeKind = "transaction_updated"
	TransactionDeleted  ChangeKind = "transaction_deleted"
)

// IsCycleChange reports whether the change touched the cycles collection.
func (k ChangeKind) IsCycleChange() bool {
	return k == CycleInserted || k == CycleUpdated || k == CycleDeleted
}

// Change describes one committed write.
type Change struct {
	Kind          ChangeKind
	CycleID       CycleID
	TransactionID TransactionID // zero for cycle changes

	// PreviousCycleID is set when a transaction update moved it to another cycle.
	PreviousCycleID CycleID

	At time.Time
}

// ChangeSink receives committed changes in commit order.
type ChangeSink interface {
	Publish(Change)
}

// ChangeSinkFunc adapts a function to ChangeSink.
type ChangeSinkFunc func(Change)

func (f ChangeSinkFunc) Publish(c Change) { f(c) }

// DiscardChanges is a sink that drops everything. Stores start with it.
var DiscardChanges ChangeSink = ChangeSinkFunc(func(Change) {})
