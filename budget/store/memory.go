// Package store provides Store implementations.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cycle-ledger/budget"
)

// Compile-time contract assertion.
var _ budget.Store = (*Memory)(nil)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps records in maps behind one RWMutex. The (year, month) check
// and the insert happen under the same write lock, which is what makes the
// uniqueness constraint hold under concurrent creates.
type Memory struct {
	mu           sync.RWMutex
	cycles       map[budget.CycleID]budget.Cycle
	periods      map[budget.Period]budget.CycleID
	transactions map[budget.TransactionID]budget.Transaction
	byCycle      map[budget.CycleID]map[budget.TransactionID]struct{}
	lastCycleID  budget.CycleID
	lastTxID     budget.TransactionID

	sink budget.ChangeSink
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		cycles:       make(map[budget.CycleID]budget.Cycle),
		periods:      make(map[budget.Period]budget.CycleID),
		transactions: make(map[budget.TransactionID]budget.Transaction),
		byCycle:      make(map[budget.CycleID]map[budget.TransactionID]struct{}),
		sink:         budget.DiscardChanges,
		now:          time.Now,
	}
}

// Attach registers the commit hook.
func (m *Memory) Attach(sink budget.ChangeSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sink == nil {
		sink = budget.DiscardChanges
	}
	m.sink = sink
}

func (m *Memory) Close() error { return nil }

// publishLocked must be called with the write lock held.
func (m *Memory) publishLocked(c budget.Change) {
	c.At = m.now()
	m.sink.Publish(c)
}

// =============================================================================
// CYCLES
// =============================================================================

func (m *Memory) InsertCycle(_ context.Context, c budget.Cycle) (budget.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.periods[c.Period()]; ok {
		return budget.Cycle{}, &budget.DuplicatePeriodError{Period: c.Period(), ExistingID: existing}
	}

	m.lastCycleID++
	c.ID = m.lastCycleID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.cycles[c.ID] = c
	m.periods[c.Period()] = c.ID

	m.publishLocked(budget.Change{Kind: budget.CycleInserted, CycleID: c.ID})
	return c, nil
}

func (m *Memory) UpdateCycle(_ context.Context, c budget.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.cycles[c.ID]
	if !ok {
		return budget.CycleNotFound(c.ID)
	}
	if owner, taken := m.periods[c.Period()]; taken && owner != c.ID {
		return &budget.DuplicatePeriodError{Period: c.Period(), ExistingID: owner}
	}

	c.CreatedAt = current.CreatedAt
	delete(m.periods, current.Period())
	m.periods[c.Period()] = c.ID
	m.cycles[c.ID] = c

	m.publishLocked(budget.Change{Kind: budget.CycleUpdated, CycleID: c.ID})
	return nil
}

func (m *Memory) DeleteCycle(_ context.Context, id budget.CycleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.cycles[id]
	if !ok {
		return budget.CycleNotFound(id)
	}

	// Cascade
	for txID := range m.byCycle[id] {
		delete(m.transactions, txID)
	}
	delete(m.byCycle, id)
	delete(m.periods, current.Period())
	delete(m.cycles, id)

	m.publishLocked(budget.Change{Kind: budget.CycleDeleted, CycleID: id})
	return nil
}

func (m *Memory) FindCycle(_ context.Context, id budget.CycleID) (budget.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cycles[id]
	if !ok {
		return budget.Cycle{}, budget.CycleNotFound(id)
	}
	return c, nil
}

func (m *Memory) ListCycles(_ context.Context) ([]budget.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]budget.Cycle, 0, len(m.cycles))
	for _, c := range m.cycles {
		result = append(result, c)
	}
	budget.SortCycles(result)
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) InsertTransaction(_ context.Context, tx budget.Transaction) (budget.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cycles[tx.CycleID]; !ok {
		return budget.Transaction{}, budget.CycleNotFound(tx.CycleID)
	}

	m.lastTxID++
	tx.ID = m.lastTxID
	if tx.SpentAt.IsZero() {
		tx.SpentAt = m.now()
	}
	m.transactions[tx.ID] = tx
	m.indexLocked(tx)

	m.publishLocked(budget.Change{Kind: budget.TransactionInserted, CycleID: tx.CycleID, TransactionID: tx.ID})
	return tx, nil
}

func (m *Memory) UpdateTransaction(_ context.Context, tx budget.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.transactions[tx.ID]
	if !ok {
		return budget.TransactionNotFound(tx.ID)
	}
	if _, ok := m.cycles[tx.CycleID]; !ok {
		return budget.CycleNotFound(tx.CycleID)
	}

	delete(m.byCycle[current.CycleID], tx.ID)
	m.transactions[tx.ID] = tx
	m.indexLocked(tx)

	change := budget.Change{Kind: budget.TransactionUpdated, CycleID: tx.CycleID, TransactionID: tx.ID}
	if current.CycleID != tx.CycleID {
		change.PreviousCycleID = current.CycleID
	}
	m.publishLocked(change)
	return nil
}

func (m *Memory) DeleteTransaction(_ context.Context, id budget.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.transactions[id]
	if !ok {
		return budget.TransactionNotFound(id)
	}
	delete(m.transactions, id)
	delete(m.byCycle[current.CycleID], id)

	m.publishLocked(budget.Change{Kind: budget.TransactionDeleted, CycleID: current.CycleID, TransactionID: id})
	return nil
}

func (m *Memory) FindTransaction(_ context.Context, id budget.TransactionID) (budget.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return budget.Transaction{}, budget.TransactionNotFound(id)
	}
	return tx, nil
}

func (m *Memory) ListTransactions(_ context.Context, cycleID budget.CycleID) ([]budget.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(cycleID), nil
}

func (m *Memory) SumAmount(_ context.Context, cycleID budget.CycleID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return budget.SumAmounts(m.listLocked(cycleID)), nil
}

func (m *Memory) LoadCycleRecords(_ context.Context, cycleID budget.CycleID) (budget.Cycle, []budget.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cycles[cycleID]
	if !ok {
		return budget.Cycle{}, nil, budget.CycleNotFound(cycleID)
	}
	return c, m.listLocked(cycleID), nil
}

func (m *Memory) indexLocked(tx budget.Transaction) {
	ids := m.byCycle[tx.CycleID]
	if ids == nil {
		ids = make(map[budget.TransactionID]struct{})
		m.byCycle[tx.CycleID] = ids
	}
	ids[tx.ID] = struct{}{}
}

func (m *Memory) listLocked(cycleID budget.CycleID) []budget.Transaction {
	result := make([]budget.Transaction, 0, len(m.byCycle[cycleID]))
	for id := range m.byCycle[cycleID] {
		result = append(result, m.transactions[id])
	}
	budget.SortTransactions(result)
	return result
}
