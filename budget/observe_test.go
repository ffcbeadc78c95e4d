package budget_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cycle-ledger/budget"
	"github.com/warp/cycle-ledger/budget/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestRepository(t *testing.T, opts ...budget.Option) *budget.Repository {
	t.Helper()
	repo := budget.NewRepository(store.NewMemory(), opts...)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// waitFor reads updates until one satisfies match.
func waitFor[T any](t *testing.T, obs *budget.Observer[T], match func(budget.Update[T]) bool) budget.Update[T] {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-obs.C():
			require.True(t, ok, "observer closed")
			require.NoError(t, u.Err)
			if match(u) {
				return u
			}
		case <-deadline:
			t.Fatal("timed out waiting for update")
			return budget.Update[T]{}
		}
	}
}

func anyUpdate[T any](budget.Update[T]) bool { return true }

func cycleCount(n int) func(budget.Update[[]budget.Cycle]) bool {
	return func(u budget.Update[[]budget.Cycle]) bool { return len(u.Value) == n }
}

// =============================================================================
// SHARING AND LIFECYCLE
// =============================================================================

func TestObservable_FirstSubscribeLoadsCurrentState(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, err := repo.CreateCycle(ctx, budget.NewCycle{Year: 2024, Month: 3, Income: dec("2000")})
	require.NoError(t, err)

	obs := repo.ObserveCycles()
	assert.False(t, obs.Active(), "nothing runs before the first observer")

	w := obs.Subscribe()
	defer w.Close()

	u := waitFor(t, w, cycleCount(1))
	assert.Equal(t, 3, u.Value[0].Month)
	assert.True(t, obs.Active())
}

func TestObservable_ObserversShareOneUpstream(t *testing.T) {
	// GIVEN: Two observers of the same observable
	// WHEN: A cycle is created
	// THEN: Both see it; the notifier has a single subscription for them

	repo := newTestRepository(t)
	obs := repo.ObserveCycles()

	a := obs.Subscribe()
	defer a.Close()
	b := obs.Subscribe()
	defer b.Close()

	waitFor(t, a, cycleCount(0))
	assert.Equal(t, 1, obs.Starts())
	assert.Equal(t, 1, repo.Notifier().Subscribers(budget.CyclesScope()))

	_, err := repo.CreateCycle(context.Background(), budget.NewCycle{Year: 2024, Month: 3, Income: dec("2000")})
	require.NoError(t, err)

	waitFor(t, a, cycleCount(1))
	waitFor(t, b, cycleCount(1))
}

func TestObservable_GracePeriodKeepsUpstreamAlive(t *testing.T) {
	// GIVEN: A grace period of 100ms
	// WHEN: The only observer leaves and another arrives within the window
	// THEN: The upstream is reused and the newcomer gets the latest value at once

	repo := newTestRepository(t, budget.WithGracePeriod(100*time.Millisecond))
	obs := repo.ObserveCycles()

	first := obs.Subscribe()
	waitFor(t, first, cycleCount(0))
	first.Close()
	assert.True(t, obs.Active(), "upstream lingers during the grace period")

	second := obs.Subscribe()
	select {
	case u := <-second.C():
		assert.Empty(t, u.Value)
	case <-time.After(20 * time.Millisecond):
		t.Fatal("latest value not replayed")
	}
	assert.Equal(t, 1, obs.Starts())

	// WHEN: The last observer leaves and the window expires
	// THEN: The upstream stops and unsubscribes from the notifier
	second.Close()
	assert.Eventually(t, func() bool { return !obs.Active() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, repo.Notifier().Subscribers(budget.CyclesScope()))

	// A later subscriber restarts from scratch
	third := obs.Subscribe()
	defer third.Close()
	waitFor(t, third, cycleCount(0))
	assert.Equal(t, 2, obs.Starts())
}

func TestObservable_ZeroGraceStopsImmediately(t *testing.T) {
	repo := newTestRepository(t, budget.WithGracePeriod(0))
	obs := repo.ObserveCycles()

	w := obs.Subscribe()
	waitFor(t, w, anyUpdate[[]budget.Cycle])
	w.Close()

	assert.False(t, obs.Active())
	_, ok := obs.Latest()
	assert.False(t, ok, "stopped observation keeps no value")
}

func TestObserver_CloseIsIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	w := repo.ObserveCycles().Subscribe()
	w.Close()
	w.Close()

	// An update delivered before Close may still be buffered.
	for {
		_, err := w.Next(context.Background())
		if err != nil {
			assert.ErrorIs(t, err, budget.ErrNotifierClosed)
			return
		}
	}
}

func TestObserver_NextHonoursContext(t *testing.T) {
	repo := newTestRepository(t)
	w := repo.ObserveCycles().Subscribe()
	defer w.Close()

	_, err := w.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestObserver_SlowReaderGetsLatestValue(t *testing.T) {
	// GIVEN: An observer that reads nothing while five cycles are created
	// WHEN: It reads
	// THEN: It eventually sees all five; stale intermediate lists were replaced

	repo := newTestRepository(t)
	w := repo.ObserveCycles().Subscribe()
	defer w.Close()

	ctx := context.Background()
	for month := 1; month <= 5; month++ {
		_, err := repo.CreateCycle(ctx, budget.NewCycle{Year: 2024, Month: month, Income: dec("100")})
		require.NoError(t, err)
	}

	u := waitFor(t, w, cycleCount(5))
	assert.Equal(t, 5, u.Value[0].Month)
}

func TestObserver_NotifierCloseEndsObserver(t *testing.T) {
	// GIVEN: A live observer
	repo := budget.NewRepository(store.NewMemory())
	w := repo.ObserveCycles().Subscribe()
	defer w.Close()
	waitFor(t, w, anyUpdate[[]budget.Cycle])

	// WHEN: The repository (and its notifier) closes
	require.NoError(t, repo.Close())

	// THEN: Next stops blocking and reports the closed notifier
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, err := w.Next(ctx)
		if err != nil {
			assert.ErrorIs(t, err, budget.ErrNotifierClosed)
			return
		}
	}
}

func TestObservable_SubscribeAfterNotifierClose(t *testing.T) {
	repo := budget.NewRepository(store.NewMemory())
	require.NoError(t, repo.Close())

	w := repo.ObserveCycles().Subscribe()
	defer w.Close()

	u, err := w.Next(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, u.Err, budget.ErrNotifierClosed)

	_, err = w.Next(context.Background())
	assert.ErrorIs(t, err, budget.ErrNotifierClosed)
}

func TestObservable_OnStopRunsWhenUpstreamStops(t *testing.T) {
	repo := newTestRepository(t, budget.WithGracePeriod(50*time.Millisecond))
	obs := repo.ObserveLedger(7)

	stopped := make(chan struct{}, 1)
	obs.OnStop(func() { stopped <- struct{}{} })

	w := obs.Subscribe()
	waitFor(t, w, anyUpdate[*budget.Ledger])
	w.Close()

	select {
	case <-stopped:
		assert.False(t, obs.Active())
	case <-time.After(2 * time.Second):
		t.Fatal("stop hook did not run")
	}
}

// =============================================================================
// LEDGER OBSERVATION
// =============================================================================

func TestObserveLedger_FollowsCycleLifecycle(t *testing.T) {
	// GIVEN: An observer of cycle 1 before it exists
	// WHEN: The cycle is created, filled, re-budgeted and deleted
	// THEN: The observer sees nil, the ledger at each step, then nil again

	repo := newTestRepository(t)
	ctx := context.Background()

	w := repo.ObserveLedger(1).Subscribe()
	defer w.Close()

	u := waitFor(t, w, anyUpdate[*budget.Ledger])
	assert.Nil(t, u.Value, "absent cycle is not an error")

	cycle, err := repo.CreateCycle(ctx, budget.NewCycle{Year: 2024, Month: 3, Income: dec("2000")})
	require.NoError(t, err)
	require.Equal(t, budget.CycleID(1), cycle.ID)
	waitFor(t, w, func(u budget.Update[*budget.Ledger]) bool { return u.Value != nil })

	_, err = repo.AddTransaction(ctx, budget.NewTransaction{CycleID: 1, Title: "Rent", Amount: dec("800"), SpentAt: march10})
	require.NoError(t, err)
	_, err = repo.AddTransaction(ctx, budget.NewTransaction{CycleID: 1, Title: "Food", Amount: dec("150.5"), SpentAt: march10})
	require.NoError(t, err)

	u = waitFor(t, w, func(u budget.Update[*budget.Ledger]) bool {
		return u.Value != nil && len(u.Value.Transactions) == 2
	})
	assertDec(t, "950.5", u.Value.TotalSpent)
	assertDec(t, "1049.5", u.Value.Balance)

	cycle.Income = dec("2200")
	require.NoError(t, repo.UpdateCycle(ctx, cycle))
	u = waitFor(t, w, func(u budget.Update[*budget.Ledger]) bool {
		return u.Value != nil && u.Value.Cycle.Income.Equal(dec("2200"))
	})
	assertDec(t, "950.5", u.Value.TotalSpent)
	assertDec(t, "1249.5", u.Value.Balance)

	require.NoError(t, repo.DeleteCycle(ctx, 1))
	waitFor(t, w, func(u budget.Update[*budget.Ledger]) bool { return u.Value == nil })
}

func TestObserveLedger_SeqIncreases(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	cycle, err := repo.CreateCycle(ctx, budget.NewCycle{Year: 2024, Month: 3, Income: dec("2000")})
	require.NoError(t, err)

	w := repo.ObserveLedger(cycle.ID).Subscribe()
	defer w.Close()
	first := waitFor(t, w, anyUpdate[*budget.Ledger])

	_, err = repo.AddTransaction(ctx, budget.NewTransaction{CycleID: cycle.ID, Title: "Rent", Amount: dec("800")})
	require.NoError(t, err)

	next := waitFor(t, w, func(u budget.Update[*budget.Ledger]) bool {
		return u.Value != nil && len(u.Value.Transactions) == 1
	})
	assert.Greater(t, next.Seq, first.Seq)
}
