package store_test

import (
	"testing"

	"github.com/warp/cycle-ledger/budget"
	"github.com/warp/cycle-ledger/budget/store"
	"github.com/warp/cycle-ledger/budget/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) budget.Store {
		return store.NewMemory()
	})
}
