/*
Package budget provides the cycle ledger engine.

PURPOSE:
  This package owns the records of a personal budget (monthly cycles and the
  expenses logged against them) and every value derived from them: per-cycle
  ledgers, portfolio snapshots and board summaries. Presentation code talks to
  it only through the Repository.

KEY CONCEPTS IN THIS FILE (types.go):
  - Cycle: one budgeting period (year + month) with a label and income target
  - Transaction: one expense recorded inside a cycle
  - Ledger: a cycle plus its transactions and computed totals (never stored)
  - CycleTotal: a (cycle, spent) pair used for cross-cycle insights

DESIGN PRINCIPLES:
  1. Derived values are never stored: totals and balances are recomputed
  2. Precision: money uses decimal.Decimal, so sums are exact
  3. Type Safety: distinct ID types for cycles and transactions
  4. Permissive amounts: negative incomes and amounts are valid input

SEE ALSO:
  - store.go: Record Store interface
  - aggregate.go: Ledger and portfolio derivation
  - repository.go: Entry point for presentation code
*/
package budget

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// CycleID identifies a cycle. Assigned by the store on insert.
type CycleID int64

// TransactionID identifies a transaction. Assigned by the store on insert.
type TransactionID int64

// =============================================================================
// CYCLE
// =============================================================================

// Cycle is one budgeting period. (Year, Month) is unique across all cycles.
type Cycle struct {
	ID        CycleID
	Label     string
	Year      int
	Month     int // 1..12
	Income    decimal.Decimal
	CreatedAt time.Time
}

// Period returns the (year, month) slot the cycle occupies.
func (c Cycle) Period() Period {
	return Period{Year: c.Year, Month: c.Month}
}

// DisplayLabel returns the label, or "<Month> <Year>" when the label is blank.
func (c Cycle) DisplayLabel() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Period().String()
}

// Period is a calendar month. It is the uniqueness key of a cycle.
type Period struct {
	Year  int
	Month int
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: int(t.Month())}
}

// Valid reports whether the month is in [1,12].
func (p Period) Valid() bool {
	return p.Month >= 1 && p.Month <= 12
}

// Before orders periods chronologically.
func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

func (p Period) String() string {
	if !p.Valid() {
		return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
	}
	return fmt.Sprintf("%s %d", time.Month(p.Month), p.Year)
}

// =============================================================================
// TRANSACTION
// =============================================================================

// Transaction is a single expense recorded against a cycle.
// Deleting the cycle deletes its transactions.
type Transaction struct {
	ID       TransactionID
	CycleID  CycleID
	Title    string
	Amount   decimal.Decimal
	Category string
	SpentAt  time.Time
}

// =============================================================================
// DERIVED VIEWS
// =============================================================================

// Ledger is the read-only view of one cycle. It is rebuilt on every change
// and never persisted.
type Ledger struct {
	Cycle        Cycle
	Transactions []Transaction // SpentAt desc, ID desc
	TotalSpent   decimal.Decimal
	Balance      decimal.Decimal // Cycle.Income - TotalSpent
	Highlights   LedgerHighlights
}

// LedgerHighlights summarizes the expenses of a ledger.
type LedgerHighlights struct {
	Count int
	// Largest is the expense with the highest amount, nil when there are
	// none. On a tie the one listed first in the ledger wins.
	Largest      *Transaction
	AverageSpent decimal.Decimal // TotalSpent / Count, zero when empty
}

// CycleTotal pairs a cycle with the sum of its transaction amounts.
type CycleTotal struct {
	Cycle Cycle
	Spent decimal.Decimal
}

// Balance is income minus spent for the pair.
func (ct CycleTotal) Balance() decimal.Decimal {
	return ct.Cycle.Income.Sub(ct.Spent)
}

// PortfolioPoint is one cycle on the insight timeline.
type PortfolioPoint struct {
	CycleID CycleID
	Period  Period
	Label   string
	Income  decimal.Decimal
	Spent   decimal.Decimal
	Balance decimal.Decimal
}

// PortfolioSummary aggregates all cycles for the insight view.
type PortfolioSummary struct {
	TotalIncome   decimal.Decimal
	TotalSpent    decimal.Decimal
	Balance       decimal.Decimal
	AverageIncome decimal.Decimal
	Points        []PortfolioPoint // chronological: year asc, month asc
}

// BoardSummary aggregates the cycle list for the board view.
type BoardSummary struct {
	Cycles        []Cycle
	TotalIncome   decimal.Decimal
	AverageIncome decimal.Decimal
	Anchor        *Cycle // most recent cycle, nil when there are none
	Empty         bool
}

// =============================================================================
// COMMAND INPUTS
// =============================================================================

// NewCycle is the input of Repository.CreateCycle.
// Zero Year or Month default to the current calendar year or month.
type NewCycle struct {
	Label  string
	Year   int
	Month  int
	Income decimal.Decimal
}

// NewTransaction is the input of Repository.AddTransaction.
// A zero SpentAt defaults to now.
type NewTransaction struct {
	CycleID  CycleID
	Title    string
	Amount   decimal.Decimal
	Category string
	SpentAt  time.Time
}
