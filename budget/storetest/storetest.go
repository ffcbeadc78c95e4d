/*
Package storetest is the behavioural suite every budget.Store must pass.

USAGE:
  func TestSQLiteStore(t *testing.T) {
      storetest.Run(t, func(t *testing.T) budget.Store {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          t.Cleanup(func() { s.Close() })
          return s
      })
  }

Timestamps used here are whole milliseconds, the resolution every
backend persists.
*/
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cycle-ledger/budget"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) budget.Store

// Recorder is a ChangeSink that keeps every change it receives.
type Recorder struct {
	mu      sync.Mutex
	changes []budget.Change
}

func (r *Recorder) Publish(c budget.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

// Changes returns a copy of the recorded changes.
func (r *Recorder) Changes() []budget.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]budget.Change, len(r.changes))
	copy(out, r.changes)
	return out
}

// Kinds returns the kinds of the recorded changes, in order.
func (r *Recorder) Kinds() []budget.ChangeKind {
	changes := r.Changes()
	kinds := make([]budget.ChangeKind, len(changes))
	for i, c := range changes {
		kinds[i] = c.Kind
	}
	return kinds
}

// Base is the reference instant of the suite.
var Base = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

// Dec parses a decimal literal, panicking on malformed input.
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertCycle_AssignsID", func(t *testing.T) { testInsertCycle(t, newStore(t)) })
	t.Run("InsertCycle_DuplicatePeriod_Rejected", func(t *testing.T) { testDuplicatePeriod(t, newStore(t)) })
	t.Run("InsertCycle_ConcurrentSamePeriod_OneWins", func(t *testing.T) { testConcurrentSamePeriod(t, newStore(t)) })
	t.Run("UpdateCycle_ToTakenPeriod_Rejected", func(t *testing.T) { testUpdateToTakenPeriod(t, newStore(t)) })
	t.Run("UpdateCycle_Missing_NotFound", func(t *testing.T) { testUpdateMissingCycle(t, newStore(t)) })
	t.Run("UpdateCycle_KeepsCreatedAt", func(t *testing.T) { testUpdateKeepsCreatedAt(t, newStore(t)) })
	t.Run("DeleteCycle_Cascades", func(t *testing.T) { testDeleteCascades(t, newStore(t)) })
	t.Run("ListCycles_YearDescMonthDesc", func(t *testing.T) { testListCyclesOrder(t, newStore(t)) })
	t.Run("InsertTransaction_MissingCycle_NotFound", func(t *testing.T) { testInsertTransactionMissingCycle(t, newStore(t)) })
	t.Run("ListTransactions_SpentAtDescIDDesc", func(t *testing.T) { testListTransactionsOrder(t, newStore(t)) })
	t.Run("SumAmount_ExactAndZeroWhenEmpty", func(t *testing.T) { testSumAmount(t, newStore(t)) })
	t.Run("HighPrecisionValues_KeptExactly", func(t *testing.T) { testHighPrecision(t, newStore(t)) })
	t.Run("NegativeValues_Accepted", func(t *testing.T) { testNegativeValues(t, newStore(t)) })
	t.Run("UpdateTransaction_MovesBetweenCycles", func(t *testing.T) { testMoveTransaction(t, newStore(t)) })
	t.Run("UpdateTransaction_Missing_NotFound", func(t *testing.T) { testUpdateMissingTransaction(t, newStore(t)) })
	t.Run("DeleteTransaction_Missing_NotFound", func(t *testing.T) { testDeleteMissingTransaction(t, newStore(t)) })
	t.Run("LoadCycleRecords", func(t *testing.T) { testLoadCycleRecords(t, newStore(t)) })
	t.Run("Changes_PublishedInCommitOrder", func(t *testing.T) { testChangesInOrder(t, newStore(t)) })
	t.Run("FailedWrites_PublishNothing", func(t *testing.T) { testFailedWritesSilent(t, newStore(t)) })
}

func mustCycle(t *testing.T, s budget.Store, year, month int, income string) budget.Cycle {
	t.Helper()
	c, err := s.InsertCycle(context.Background(), budget.Cycle{
		Label:     "",
		Year:      year,
		Month:     month,
		Income:    Dec(income),
		CreatedAt: Base,
	})
	require.NoError(t, err)
	return c
}

func mustTx(t *testing.T, s budget.Store, cycleID budget.CycleID, title, amount string, at time.Time) budget.Transaction {
	t.Helper()
	tx, err := s.InsertTransaction(context.Background(), budget.Transaction{
		CycleID:  cycleID,
		Title:    title,
		Amount:   Dec(amount),
		Category: "General",
		SpentAt:  at,
	})
	require.NoError(t, err)
	return tx
}

// =============================================================================
// CYCLES
// =============================================================================

func testInsertCycle(t *testing.T, s budget.Store) {
	ctx := context.Background()

	c, err := s.InsertCycle(ctx, budget.Cycle{Label: "March", Year: 2024, Month: 3, Income: Dec("2000"), CreatedAt: Base})
	require.NoError(t, err)
	assert.NotZero(t, c.ID)

	found, err := s.FindCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "March", found.Label)
	assert.Equal(t, 2024, found.Year)
	assert.Equal(t, 3, found.Month)
	assert.True(t, found.Income.Equal(Dec("2000")), "income = %s", found.Income)
	assert.True(t, found.CreatedAt.Equal(Base), "created_at = %s", found.CreatedAt)

	other := mustCycle(t, s, 2024, 4, "100")
	assert.NotEqual(t, c.ID, other.ID)
}

func testDuplicatePeriod(t *testing.T, s budget.Store) {
	// GIVEN: A cycle for March 2024
	// WHEN: Inserting another cycle for March 2024
	// THEN: Constraint violation naming the owner, nothing stored

	ctx := context.Background()
	first := mustCycle(t, s, 2024, 3, "2000")

	_, err := s.InsertCycle(ctx, budget.Cycle{Label: "again", Year: 2024, Month: 3, Income: Dec("1"), CreatedAt: Base})
	require.ErrorIs(t, err, budget.ErrConstraintViolation)

	var dup *budget.DuplicatePeriodError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, budget.Period{Year: 2024, Month: 3}, dup.Period)
	assert.Equal(t, first.ID, dup.ExistingID)

	cycles, err := s.ListCycles(ctx)
	require.NoError(t, err)
	assert.Len(t, cycles, 1)
}

func testConcurrentSamePeriod(t *testing.T, s budget.Store) {
	ctx := context.Background()
	const workers = 8

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.InsertCycle(ctx, budget.Cycle{Year: 2025, Month: 1, Income: Dec("10"), CreatedAt: Base})
			switch {
			case err == nil:
				succeeded.Add(1)
			case budget.IsConflict(err):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(workers-1), conflicts.Load())
}

func testUpdateToTakenPeriod(t *testing.T, s budget.Store) {
	ctx := context.Background()
	march := mustCycle(t, s, 2024, 3, "2000")
	april := mustCycle(t, s, 2024, 4, "2100")

	april.Month = 3
	err := s.UpdateCycle(ctx, april)
	require.ErrorIs(t, err, budget.ErrConstraintViolation)

	var dup *budget.DuplicatePeriodError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, march.ID, dup.ExistingID)

	stored, err := s.FindCycle(ctx, april.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Month, "failed update must not change the record")

	// Moving to a free period works, and frees the old one.
	april.Month = 5
	require.NoError(t, s.UpdateCycle(ctx, april))
	mustCycle(t, s, 2024, 4, "1")
}

func testUpdateMissingCycle(t *testing.T, s budget.Store) {
	err := s.UpdateCycle(context.Background(), budget.Cycle{ID: 999, Year: 2024, Month: 1, Income: Dec("1")})
	assert.ErrorIs(t, err, budget.ErrNotFound)
}

func testUpdateKeepsCreatedAt(t *testing.T, s budget.Store) {
	ctx := context.Background()
	c := mustCycle(t, s, 2024, 3, "2000")

	c.Income = Dec("2200")
	c.Label = "Raised"
	c.CreatedAt = Base.Add(48 * time.Hour)
	require.NoError(t, s.UpdateCycle(ctx, c))

	stored, err := s.FindCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Raised", stored.Label)
	assert.True(t, stored.Income.Equal(Dec("2200")))
	assert.True(t, stored.CreatedAt.Equal(Base))
}

func testDeleteCascades(t *testing.T, s budget.Store) {
	// GIVEN: A cycle with two transactions and an unrelated cycle
	// WHEN: Deleting the cycle
	// THEN: Its transactions are gone, the other cycle is untouched

	ctx := context.Background()
	c := mustCycle(t, s, 2024, 3, "2000")
	other := mustCycle(t, s, 2024, 4, "2000")
	rent := mustTx(t, s, c.ID, "Rent", "800", Base)
	mustTx(t, s, c.ID, "Food", "150.5", Base.Add(time.Hour))
	kept := mustTx(t, s, other.ID, "Gym", "30", Base)

	require.NoError(t, s.DeleteCycle(ctx, c.ID))

	_, err := s.FindCycle(ctx, c.ID)
	assert.ErrorIs(t, err, budget.ErrNotFound)
	_, err = s.FindTransaction(ctx, rent.ID)
	assert.ErrorIs(t, err, budget.ErrNotFound)

	txs, err := s.ListTransactions(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)

	sum, err := s.SumAmount(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, sum.IsZero())

	_, err = s.FindTransaction(ctx, kept.ID)
	assert.NoError(t, err)

	assert.ErrorIs(t, s.DeleteCycle(ctx, c.ID), budget.ErrNotFound)
}

func testListCyclesOrder(t *testing.T, s budget.Store) {
	mustCycle(t, s, 2023, 12, "1")
	mustCycle(t, s, 2024, 1, "1")
	mustCycle(t, s, 2024, 3, "1")
	mustCycle(t, s, 2022, 6, "1")

	cycles, err := s.ListCycles(context.Background())
	require.NoError(t, err)

	var periods []budget.Period
	for _, c := range cycles {
		periods = append(periods, c.Period())
	}
	assert.Equal(t, []budget.Period{
		{Year: 2024, Month: 3},
		{Year: 2024, Month: 1},
		{Year: 2023, Month: 12},
		{Year: 2022, Month: 6},
	}, periods)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testInsertTransactionMissingCycle(t *testing.T, s budget.Store) {
	_, err := s.InsertTransaction(context.Background(), budget.Transaction{
		CycleID: 42, Title: "Orphan", Amount: Dec("1"), SpentAt: Base,
	})
	require.ErrorIs(t, err, budget.ErrNotFound)

	var nf *budget.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, budget.KindCycle, nf.Kind)
	assert.Equal(t, int64(42), nf.ID)
}

func testListTransactionsOrder(t *testing.T, s budget.Store) {
	c := mustCycle(t, s, 2024, 3, "2000")
	early := mustTx(t, s, c.ID, "Early", "1", Base)
	tieA := mustTx(t, s, c.ID, "Tie A", "2", Base.Add(time.Hour))
	late := mustTx(t, s, c.ID, "Late", "3", Base.Add(2*time.Hour))
	tieB := mustTx(t, s, c.ID, "Tie B", "4", Base.Add(time.Hour))

	txs, err := s.ListTransactions(context.Background(), c.ID)
	require.NoError(t, err)

	var ids []budget.TransactionID
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	assert.Equal(t, []budget.TransactionID{late.ID, tieB.ID, tieA.ID, early.ID}, ids)
	assert.True(t, txs[0].SpentAt.Equal(Base.Add(2*time.Hour)))
}

func testSumAmount(t *testing.T, s budget.Store) {
	ctx := context.Background()
	c := mustCycle(t, s, 2024, 3, "2000")

	sum, err := s.SumAmount(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, sum.IsZero())

	mustTx(t, s, c.ID, "A", "0.1", Base)
	mustTx(t, s, c.ID, "B", "0.2", Base)
	mustTx(t, s, c.ID, "Rent", "800", Base)

	sum, err = s.SumAmount(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, sum.Equal(Dec("800.3")), "sum = %s", sum)
}

func testHighPrecision(t *testing.T, s budget.Store) {
	// GIVEN: Values with more fractional digits than any fixed scale
	ctx := context.Background()
	c := mustCycle(t, s, 2024, 3, "1234.567891")
	mustTx(t, s, c.ID, "A", "0.123456789", Base)
	mustTx(t, s, c.ID, "B", "0.000000011", Base)

	// THEN: Stored values and their sum are not rounded
	stored, err := s.FindCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, stored.Income.Equal(Dec("1234.567891")), "income = %s", stored.Income)

	_, txs, err := s.LoadCycleRecords(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, budget.SumAmounts(txs).Equal(Dec("0.1234568")), "amounts = %s", budget.SumAmounts(txs))

	sum, err := s.SumAmount(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, sum.Equal(Dec("0.1234568")), "sum = %s", sum)
}

func testNegativeValues(t *testing.T, s budget.Store) {
	ctx := context.Background()
	c := mustCycle(t, s, 2024, 3, "-50")
	mustTx(t, s, c.ID, "Refund", "-25.25", Base)

	stored, err := s.FindCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, stored.Income.Equal(Dec("-50")))

	sum, err := s.SumAmount(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, sum.Equal(Dec("-25.25")))
}

func testMoveTransaction(t *testing.T, s budget.Store) {
	ctx := context.Background()
	rec := &Recorder{}
	march := mustCycle(t, s, 2024, 3, "2000")
	april := mustCycle(t, s, 2024, 4, "2000")
	tx := mustTx(t, s, march.ID, "Rent", "800", Base)
	s.Attach(rec)

	tx.CycleID = april.ID
	tx.Title = "Rent (moved)"
	require.NoError(t, s.UpdateTransaction(ctx, tx))

	inMarch, err := s.ListTransactions(ctx, march.ID)
	require.NoError(t, err)
	assert.Empty(t, inMarch)

	inApril, err := s.ListTransactions(ctx, april.ID)
	require.NoError(t, err)
	require.Len(t, inApril, 1)
	assert.Equal(t, "Rent (moved)", inApril[0].Title)

	changes := rec.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, budget.TransactionUpdated, changes[0].Kind)
	assert.Equal(t, april.ID, changes[0].CycleID)
	assert.Equal(t, march.ID, changes[0].PreviousCycleID)

	// Moving to a missing cycle fails and leaves the record alone.
	tx.CycleID = 999
	err = s.UpdateTransaction(ctx, tx)
	var nf *budget.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, budget.KindCycle, nf.Kind)

	stored, err := s.FindTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, april.ID, stored.CycleID)
}

func testUpdateMissingTransaction(t *testing.T, s budget.Store) {
	c := mustCycle(t, s, 2024, 3, "2000")
	err := s.UpdateTransaction(context.Background(), budget.Transaction{
		ID: 77, CycleID: c.ID, Title: "Ghost", Amount: Dec("1"), SpentAt: Base,
	})
	var nf *budget.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, budget.KindTransaction, nf.Kind)
}

func testDeleteMissingTransaction(t *testing.T, s budget.Store) {
	assert.ErrorIs(t, s.DeleteTransaction(context.Background(), 77), budget.ErrNotFound)
}

func testLoadCycleRecords(t *testing.T, s budget.Store) {
	ctx := context.Background()
	c := mustCycle(t, s, 2024, 3, "2000")
	older := mustTx(t, s, c.ID, "Rent", "800", Base)
	newer := mustTx(t, s, c.ID, "Food", "150.5", Base.Add(time.Hour))

	cycle, txs, err := s.LoadCycleRecords(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, cycle.ID)
	require.Len(t, txs, 2)
	assert.Equal(t, newer.ID, txs[0].ID)
	assert.Equal(t, older.ID, txs[1].ID)

	_, _, err = s.LoadCycleRecords(ctx, 999)
	assert.ErrorIs(t, err, budget.ErrNotFound)
}

// =============================================================================
// COMMIT HOOK
// =============================================================================

func testChangesInOrder(t *testing.T, s budget.Store) {
	ctx := context.Background()
	rec := &Recorder{}
	s.Attach(rec)

	c := mustCycle(t, s, 2024, 3, "2000")
	tx := mustTx(t, s, c.ID, "Rent", "800", Base)
	tx.Amount = Dec("850")
	require.NoError(t, s.UpdateTransaction(ctx, tx))
	c.Income = Dec("2200")
	require.NoError(t, s.UpdateCycle(ctx, c))
	require.NoError(t, s.DeleteTransaction(ctx, tx.ID))
	require.NoError(t, s.DeleteCycle(ctx, c.ID))

	assert.Equal(t, []budget.ChangeKind{
		budget.CycleInserted,
		budget.TransactionInserted,
		budget.TransactionUpdated,
		budget.CycleUpdated,
		budget.TransactionDeleted,
		budget.CycleDeleted,
	}, rec.Kinds())

	changes := rec.Changes()
	for _, ch := range changes {
		assert.Equal(t, c.ID, ch.CycleID)
		assert.False(t, ch.At.IsZero())
	}
	assert.Equal(t, tx.ID, changes[1].TransactionID)
	assert.Zero(t, changes[2].PreviousCycleID, "in-place update is not a move")
}

func testFailedWritesSilent(t *testing.T, s budget.Store) {
	ctx := context.Background()
	mustCycle(t, s, 2024, 3, "2000")
	rec := &Recorder{}
	s.Attach(rec)

	_, err := s.InsertCycle(ctx, budget.Cycle{Year: 2024, Month: 3, Income: Dec("1"), CreatedAt: Base})
	require.Error(t, err)
	_, err = s.InsertTransaction(ctx, budget.Transaction{CycleID: 999, Title: "x", Amount: Dec("1"), SpentAt: Base})
	require.Error(t, err)
	require.Error(t, s.DeleteCycle(ctx, 999))
	require.Error(t, s.DeleteTransaction(ctx, 999))

	assert.Empty(t, rec.Changes())
}
