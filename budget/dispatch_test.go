package budget_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cycle-ledger/budget"
	"github.com/warp/cycle-ledger/budget/store"
)

func receive(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async result")
		return nil
	}
}

func TestAsync_ReturnsCommandResult(t *testing.T) {
	repo := newTestRepository(t)

	done := repo.Async(context.Background(), func(ctx context.Context) error {
		_, err := repo.CreateCycle(ctx, budget.NewCycle{Year: 2024, Month: 3, Income: dec("2000")})
		return err
	})
	require.NoError(t, receive(t, done))

	boom := errors.New("boom")
	assert.ErrorIs(t, receive(t, repo.Async(context.Background(), func(context.Context) error { return boom })), boom)
}

func TestAsync_SurvivesCallerCancellation(t *testing.T) {
	// GIVEN: A command started by a caller that goes away
	// WHEN: The caller's context is cancelled before the command runs
	// THEN: The command still sees a live context and completes

	repo := newTestRepository(t)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})

	done := repo.Async(ctx, func(ctx context.Context) error {
		<-release
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := repo.CreateCycle(ctx, budget.NewCycle{Year: 2024, Month: 3, Income: dec("2000")})
		return err
	})
	cancel()
	close(release)

	require.NoError(t, receive(t, done))
	cycles, err := repo.ListCycles(context.Background())
	require.NoError(t, err)
	assert.Len(t, cycles, 1)
}

func TestClose_WaitsForInflightCommands(t *testing.T) {
	repo := budget.NewRepository(store.NewMemory())
	release := make(chan struct{})
	done := repo.Async(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	closed := make(chan struct{})
	go func() {
		repo.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a command was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, receive(t, done))
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.ErrorIs(t, receive(t, repo.Async(context.Background(), func(context.Context) error { return nil })), budget.ErrRepositoryClosed)
}
