/*
aggregate.go - Pure derivation of ledgers and cross-cycle summaries

PURPOSE:
  Every derived number in the engine comes from here. The functions are pure:
  same records in, same value out, no I/O and no caching. Observables call
  them once per change event with freshly loaded records, so a derived value
  can never outlive the records it was computed from.

FORMULAS:
  TotalSpent     = sum of transaction amounts (zero when there are none)
  Balance        = Income - TotalSpent
  AverageIncome  = TotalIncome / number of cycles (zero when there are none)

EXAMPLE:
  Cycle March 2024, income 2000
  Rent 800, Food 150.5
  => TotalSpent 950.5, Balance 1049.5
  Income raised to 2200 => Balance 1249.5 (same TotalSpent)

SEE ALSO:
  - observe.go: Reactive recomputation using these functions
  - repository.go: SnapshotTotals, Insights, Board
*/
package budget

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ORDERING
// =============================================================================

// SortCycles orders cycles by year desc, month desc.
func SortCycles(cycles []Cycle) {
	sort.SliceStable(cycles, func(i, j int) bool {
		a, b := cycles[i], cycles[j]
		if a.Year != b.Year {
			return a.Year > b.Year
		}
		if a.Month != b.Month {
			return a.Month > b.Month
		}
		return a.ID > b.ID
	})
}

// SortTransactions orders transactions by SpentAt desc, ID desc.
func SortTransactions(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if !a.SpentAt.Equal(b.SpentAt) {
			return a.SpentAt.After(b.SpentAt)
		}
		return a.ID > b.ID
	})
}

// =============================================================================
// LEDGER
// =============================================================================

// SumAmounts returns the exact sum of the amounts.
func SumAmounts(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Amount)
	}
	return total
}

// BuildLedger derives the ledger of a cycle from its transactions.
// The input slice is not modified.
func BuildLedger(c Cycle, txs []Transaction) Ledger {
	ordered := make([]Transaction, len(txs))
	copy(ordered, txs)
	SortTransactions(ordered)

	spent := SumAmounts(ordered)
	return Ledger{
		Cycle:        c,
		Transactions: ordered,
		TotalSpent:   spent,
		Balance:      c.Income.Sub(spent),
		Highlights:   highlights(ordered, spent),
	}
}

// highlights expects txs in ledger order.
func highlights(txs []Transaction, spent decimal.Decimal) LedgerHighlights {
	h := LedgerHighlights{
		Count:        len(txs),
		AverageSpent: average(spent, len(txs)),
	}
	for i := range txs {
		if h.Largest == nil || txs[i].Amount.GreaterThan(h.Largest.Amount) {
			largest := txs[i]
			h.Largest = &largest
		}
	}
	return h
}

// =============================================================================
// PORTFOLIO
// =============================================================================

// Summarize aggregates a portfolio snapshot for the insight view.
func Summarize(totals []CycleTotal) PortfolioSummary {
	summary := PortfolioSummary{
		TotalIncome:   decimal.Zero,
		TotalSpent:    decimal.Zero,
		Balance:       decimal.Zero,
		AverageIncome: decimal.Zero,
		Points:        make([]PortfolioPoint, 0, len(totals)),
	}

	for _, ct := range totals {
		summary.TotalIncome = summary.TotalIncome.Add(ct.Cycle.Income)
		summary.TotalSpent = summary.TotalSpent.Add(ct.Spent)
		summary.Points = append(summary.Points, PortfolioPoint{
			CycleID: ct.Cycle.ID,
			Period:  ct.Cycle.Period(),
			Label:   ct.Cycle.DisplayLabel(),
			Income:  ct.Cycle.Income,
			Spent:   ct.Spent,
			Balance: ct.Balance(),
		})
	}
	summary.Balance = summary.TotalIncome.Sub(summary.TotalSpent)
	summary.AverageIncome = average(summary.TotalIncome, len(totals))

	// Timeline reads left to right
	sort.SliceStable(summary.Points, func(i, j int) bool {
		return summary.Points[i].Period.Before(summary.Points[j].Period)
	})
	return summary
}

// SummarizeBoard aggregates the cycle list for the board view.
func SummarizeBoard(cycles []Cycle) BoardSummary {
	ordered := make([]Cycle, len(cycles))
	copy(ordered, cycles)
	SortCycles(ordered)

	total := decimal.Zero
	for _, c := range ordered {
		total = total.Add(c.Income)
	}

	board := BoardSummary{
		Cycles:        ordered,
		TotalIncome:   total,
		AverageIncome: average(total, len(ordered)),
		Empty:         len(ordered) == 0,
	}
	if len(ordered) > 0 {
		anchor := ordered[0]
		board.Anchor = &anchor
	}
	return board
}

func average(total decimal.Decimal, n int) decimal.Decimal {
	if n == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(int64(n)))
}
