/*
Package sqlite provides a SQLite-backed implementation of budget.Store.

PURPOSE:
  Durable storage for cycles and transactions on a single device. This is
  the default backend of the server.

KEY TABLES:
  cycles:        id, label, year, month, income, created_at
  transactions:  id, cycle_id, title, amount, category, spent_at

CONSTRAINTS:
  - idx_cycles_period: UNIQUE(year, month) -> budget.ErrConstraintViolation
  - transactions.cycle_id REFERENCES cycles(id) ON DELETE CASCADE
    (foreign keys are switched on per connection via the DSN)

STORAGE FORMATS:
  Money columns hold decimal strings (decimal.Decimal implements
  sql.Scanner/driver.Valuer), so sums stay exact. Timestamps are epoch
  milliseconds.

CONCURRENCY:
  One connection, writes serialized by sync.RWMutex. Change events are
  published while the write lock is held, so they leave in commit order.

MIGRATION:
  Schema is versioned with golang-migrate; migrations/*.sql are embedded
  and applied on New().

USAGE:
  store, err := sqlite.New("./cycle-ledger.db")
  if err != nil {
      return err
  }
  defer store.Close()

  repo := budget.NewRepository(store)

SEE ALSO:
  - budget/store.go: Interface definition
  - budget/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/cycle-ledger/budget"
	"github.com/warp/cycle-ledger/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time contract assertion.
var _ budget.Store = (*Store)(nil)

// Store implements budget.Store using SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	sink   budget.ChangeSink
	now    func() time.Time
	logger *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l.WithComponent(log.ComponentStorage) }
}

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and matches
	// SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{
		db:     db,
		sink:   budget.DiscardChanges,
		now:    time.Now,
		logger: log.Nop().WithComponent(log.ComponentStorage),
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Attach registers the commit hook.
func (s *Store) Attach(sink budget.ChangeSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sink == nil {
		sink = budget.DiscardChanges
	}
	s.sink = sink
}

// migrate applies the embedded migrations. The migrate instance is not
// closed: its database driver would close s.db with it.
func (s *Store) migrate() error {
	driver, err := migratesqlite3.WithInstance(s.db, &migratesqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite3 driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	s.logger.Info("schema migrated",
		log.FieldOperation, log.OpMigrate,
		log.FieldBackend, "sqlite",
		"version", version)
	return nil
}

func (s *Store) publishLocked(c budget.Change) {
	c.At = s.now()
	s.sink.Publish(c)
}

// =============================================================================
// CYCLES
// =============================================================================

// InsertCycle adds a cycle. The unique index rejects a taken period.
func (s *Store) InsertCycle(ctx context.Context, c budget.Cycle) (budget.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles (label, year, month, income, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.Label, c.Year, c.Month, c.Income, c.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return budget.Cycle{}, s.cycleWriteError(ctx, err, c)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return budget.Cycle{}, fmt.Errorf("failed to read cycle id: %w", err)
	}
	c.ID = budget.CycleID(id)
	c.CreatedAt = time.UnixMilli(c.CreatedAt.UnixMilli()).UTC()

	s.publishLocked(budget.Change{Kind: budget.CycleInserted, CycleID: c.ID})
	return c, nil
}

// UpdateCycle overwrites label, period and income. created_at is untouched.
func (s *Store) UpdateCycle(ctx context.Context, c budget.Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE cycles SET label = ?, year = ?, month = ?, income = ? WHERE id = ?`,
		c.Label, c.Year, c.Month, c.Income, c.ID,
	)
	if err != nil {
		return s.cycleWriteError(ctx, err, c)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return budget.CycleNotFound(c.ID)
	}

	s.logger.DebugContext(ctx, "cycle row updated", log.FieldOperation, log.OpUpdate, log.FieldCycleID, c.ID)
	s.publishLocked(budget.Change{Kind: budget.CycleUpdated, CycleID: c.ID})
	return nil
}

// DeleteCycle removes a cycle; ON DELETE CASCADE removes its transactions.
func (s *Store) DeleteCycle(ctx context.Context, id budget.CycleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM cycles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return budget.CycleNotFound(id)
	}

	s.publishLocked(budget.Change{Kind: budget.CycleDeleted, CycleID: id})
	return nil
}

// FindCycle retrieves a cycle by ID.
func (s *Store) FindCycle(ctx context.Context, id budget.CycleID) (budget.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findCycle(ctx, s.db, id)
}

// ListCycles returns all cycles, most recent period first.
func (s *Store) ListCycles(ctx context.Context) ([]budget.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, year, month, income, created_at FROM cycles ORDER BY year DESC, month DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	cycles := []budget.Cycle{}
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// cycleWriteError maps constraint failures of an insert or update of c.
func (s *Store) cycleWriteError(ctx context.Context, err error, c budget.Cycle) error {
	if !isUniqueConstraintError(err) {
		return fmt.Errorf("failed to write cycle: %w", err)
	}
	dup := &budget.DuplicatePeriodError{Period: c.Period()}
	var owner int64
	if qerr := s.db.QueryRowContext(ctx,
		`SELECT id FROM cycles WHERE year = ? AND month = ?`, c.Year, c.Month,
	).Scan(&owner); qerr == nil {
		dup.ExistingID = budget.CycleID(owner)
	}
	return dup
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// InsertTransaction adds a transaction. The foreign key rejects a missing cycle.
func (s *Store) InsertTransaction(ctx context.Context, tx budget.Transaction) (budget.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.SpentAt.IsZero() {
		tx.SpentAt = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (cycle_id, title, amount, category, spent_at) VALUES (?, ?, ?, ?, ?)`,
		tx.CycleID, tx.Title, tx.Amount, tx.Category, tx.SpentAt.UnixMilli(),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return budget.Transaction{}, budget.CycleNotFound(tx.CycleID)
		}
		return budget.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return budget.Transaction{}, fmt.Errorf("failed to read transaction id: %w", err)
	}
	tx.ID = budget.TransactionID(id)
	tx.SpentAt = time.UnixMilli(tx.SpentAt.UnixMilli()).UTC()

	s.publishLocked(budget.Change{Kind: budget.TransactionInserted, CycleID: tx.CycleID, TransactionID: tx.ID})
	return tx, nil
}

// UpdateTransaction overwrites a transaction, possibly moving it to another cycle.
func (s *Store) UpdateTransaction(ctx context.Context, tx budget.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var previous int64
	err = sqlTx.QueryRowContext(ctx, `SELECT cycle_id FROM transactions WHERE id = ?`, tx.ID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.TransactionNotFound(tx.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read transaction: %w", err)
	}

	_, err = sqlTx.ExecContext(ctx,
		`UPDATE transactions SET cycle_id = ?, title = ?, amount = ?, category = ?, spent_at = ? WHERE id = ?`,
		tx.CycleID, tx.Title, tx.Amount, tx.Category, tx.SpentAt.UnixMilli(), tx.ID,
	)
	if err != nil {
		if isForeignKeyError(err) {
			return budget.CycleNotFound(tx.CycleID)
		}
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	change := budget.Change{Kind: budget.TransactionUpdated, CycleID: tx.CycleID, TransactionID: tx.ID}
	if budget.CycleID(previous) != tx.CycleID {
		change.PreviousCycleID = budget.CycleID(previous)
	}
	s.logger.DebugContext(ctx, "transaction row updated",
		log.FieldOperation, log.OpUpdate,
		log.FieldTransactionID, tx.ID,
		log.FieldCycleID, tx.CycleID)
	s.publishLocked(change)
	return nil
}

// DeleteTransaction removes a transaction.
func (s *Store) DeleteTransaction(ctx context.Context, id budget.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var cycleID int64
	err = sqlTx.QueryRowContext(ctx, `SELECT cycle_id FROM transactions WHERE id = ?`, id).Scan(&cycleID)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.TransactionNotFound(id)
	}
	if err != nil {
		return fmt.Errorf("failed to read transaction: %w", err)
	}

	if _, err := sqlTx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.publishLocked(budget.Change{Kind: budget.TransactionDeleted, CycleID: budget.CycleID(cycleID), TransactionID: id})
	return nil
}

// FindTransaction retrieves a transaction by ID.
func (s *Store) FindTransaction(ctx context.Context, id budget.TransactionID) (budget.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, cycle_id, title, amount, category, spent_at FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Transaction{}, budget.TransactionNotFound(id)
	}
	return tx, err
}

// ListTransactions returns a cycle's transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, cycleID budget.CycleID) ([]budget.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, cycleID)
}

// SumAmount adds up a cycle's amounts in Go: SQLite's SUM over TEXT
// would go through floating point.
func (s *Store) SumAmount(ctx context.Context, cycleID budget.CycleID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT amount FROM transactions WHERE cycle_id = ?`, cycleID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query amounts: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan amount: %w", err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

// LoadCycleRecords reads a cycle and its transactions in one read transaction.
func (s *Store) LoadCycleRecords(ctx context.Context, cycleID budget.CycleID) (budget.Cycle, []budget.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return budget.Cycle{}, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	c, err := findCycle(ctx, sqlTx, cycleID)
	if err != nil {
		return budget.Cycle{}, nil, err
	}
	txs, err := listTransactions(ctx, sqlTx, cycleID)
	if err != nil {
		return budget.Cycle{}, nil, err
	}
	return c, txs, sqlTx.Commit()
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func findCycle(ctx context.Context, q querier, id budget.CycleID) (budget.Cycle, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, label, year, month, income, created_at FROM cycles WHERE id = ?`, id)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Cycle{}, budget.CycleNotFound(id)
	}
	return c, err
}

func listTransactions(ctx context.Context, q querier, cycleID budget.CycleID) ([]budget.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, cycle_id, title, amount, category, spent_at
		FROM transactions
		WHERE cycle_id = ?
		ORDER BY spent_at DESC, id DESC
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	txs := []budget.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanCycle(row scanner) (budget.Cycle, error) {
	var (
		c         budget.Cycle
		createdAt int64
	)
	if err := row.Scan(&c.ID, &c.Label, &c.Year, &c.Month, &c.Income, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan cycle: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	return c, nil
}

func scanTransaction(row scanner) (budget.Transaction, error) {
	var (
		tx      budget.Transaction
		spentAt int64
	)
	if err := row.Scan(&tx.ID, &tx.CycleID, &tx.Title, &tx.Amount, &tx.Category, &spentAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.SpentAt = time.UnixMilli(spentAt).UTC()
	return tx, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
