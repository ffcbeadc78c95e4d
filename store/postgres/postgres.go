/*
Package postgres provides a PostgreSQL implementation of budget.Store.

PURPOSE:
  Server-side storage for deployments that already run PostgreSQL. Same
  contract as the SQLite store; selected with LEDGER_BACKEND=postgres.

CONSTRAINTS:
  - cycles_period_key UNIQUE(year, month) -> SQLSTATE 23505
  - transactions.cycle_id foreign key     -> SQLSTATE 23503
  Both are translated to budget errors.

STORAGE FORMATS:
  Money is NUMERIC and crosses the wire as text, so decimals stay exact.
  SUM runs in the database. Timestamps are epoch milliseconds (BIGINT).

CONCURRENCY:
  Reads go straight to the pool. Writes of this process are serialized by
  a mutex so change events leave in commit order.

SEE ALSO:
  - store/sqlite/sqlite.go: The embedded default backend
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/warp/cycle-ledger/budget"
	"github.com/warp/cycle-ledger/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

var _ budget.Store = (*Store)(nil)

// Store implements budget.Store on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	mu     sync.Mutex
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

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		pool:   pool,
		sink:   budget.DiscardChanges,
		now:    time.Now,
		logger: log.Nop().WithComponent(log.ComponentStorage),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrateUp(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("create pgx driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	s.logger.Info("schema migrated",
		log.FieldOperation, log.OpMigrate,
		log.FieldBackend, "postgres",
		"version", version)
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
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

func (s *Store) publishLocked(c budget.Change) {
	c.At = s.now()
	s.sink.Publish(c)
}

// =============================================================================
// CYCLES
// =============================================================================

func (s *Store) InsertCycle(ctx context.Context, c budget.Cycle) (budget.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.CreatedAt = time.UnixMilli(c.CreatedAt.UnixMilli()).UTC()

	err := s.pool.QueryRow(ctx, `
		INSERT INTO cycles (label, year, month, income, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5)
		RETURNING id
	`, c.Label, c.Year, c.Month, c.Income.String(), c.CreatedAt.UnixMilli()).Scan(&c.ID)
	if err != nil {
		return budget.Cycle{}, s.cycleWriteError(ctx, err, c)
	}

	s.publishLocked(budget.Change{Kind: budget.CycleInserted, CycleID: c.ID})
	return c, nil
}

func (s *Store) UpdateCycle(ctx context.Context, c budget.Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.pool.Exec(ctx, `
		UPDATE cycles SET label = $1, year = $2, month = $3, income = $4::numeric
		WHERE id = $5
	`, c.Label, c.Year, c.Month, c.Income.String(), c.ID)
	if err != nil {
		return s.cycleWriteError(ctx, err, c)
	}
	if tag.RowsAffected() == 0 {
		return budget.CycleNotFound(c.ID)
	}

	s.logger.DebugContext(ctx, "cycle row updated", log.FieldOperation, log.OpUpdate, log.FieldCycleID, c.ID)
	s.publishLocked(budget.Change{Kind: budget.CycleUpdated, CycleID: c.ID})
	return nil
}

func (s *Store) DeleteCycle(ctx context.Context, id budget.CycleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.pool.Exec(ctx, `DELETE FROM cycles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return budget.CycleNotFound(id)
	}

	s.publishLocked(budget.Change{Kind: budget.CycleDeleted, CycleID: id})
	return nil
}

func (s *Store) FindCycle(ctx context.Context, id budget.CycleID) (budget.Cycle, error) {
	return findCycle(ctx, s.pool, id)
}

func (s *Store) ListCycles(ctx context.Context) ([]budget.Cycle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, label, year, month, income::text, created_at
		FROM cycles
		ORDER BY year DESC, month DESC
	`)
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

func (s *Store) cycleWriteError(ctx context.Context, err error, c budget.Cycle) error {
	if !hasCode(err, codeUniqueViolation) {
		return fmt.Errorf("failed to write cycle: %w", err)
	}
	dup := &budget.DuplicatePeriodError{Period: c.Period()}
	var owner int64
	if qerr := s.pool.QueryRow(ctx,
		`SELECT id FROM cycles WHERE year = $1 AND month = $2`, c.Year, c.Month,
	).Scan(&owner); qerr == nil {
		dup.ExistingID = budget.CycleID(owner)
	}
	return dup
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) InsertTransaction(ctx context.Context, tx budget.Transaction) (budget.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.SpentAt.IsZero() {
		tx.SpentAt = s.now()
	}
	tx.SpentAt = time.UnixMilli(tx.SpentAt.UnixMilli()).UTC()

	err := s.pool.QueryRow(ctx, `
		INSERT INTO transactions (cycle_id, title, amount, category, spent_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
		RETURNING id
	`, tx.CycleID, tx.Title, tx.Amount.String(), tx.Category, tx.SpentAt.UnixMilli()).Scan(&tx.ID)
	if err != nil {
		if hasCode(err, codeForeignKeyViolation) {
			return budget.Transaction{}, budget.CycleNotFound(tx.CycleID)
		}
		return budget.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}

	s.publishLocked(budget.Change{Kind: budget.TransactionInserted, CycleID: tx.CycleID, TransactionID: tx.ID})
	return tx, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx budget.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	var previous budget.CycleID
	err = dbTx.QueryRow(ctx, `SELECT cycle_id FROM transactions WHERE id = $1 FOR UPDATE`, tx.ID).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return budget.TransactionNotFound(tx.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read transaction: %w", err)
	}

	_, err = dbTx.Exec(ctx, `
		UPDATE transactions
		SET cycle_id = $1, title = $2, amount = $3::numeric, category = $4, spent_at = $5
		WHERE id = $6
	`, tx.CycleID, tx.Title, tx.Amount.String(), tx.Category, tx.SpentAt.UnixMilli(), tx.ID)
	if err != nil {
		if hasCode(err, codeForeignKeyViolation) {
			return budget.CycleNotFound(tx.CycleID)
		}
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	change := budget.Change{Kind: budget.TransactionUpdated, CycleID: tx.CycleID, TransactionID: tx.ID}
	if previous != tx.CycleID {
		change.PreviousCycleID = previous
	}
	s.logger.DebugContext(ctx, "transaction row updated",
		log.FieldOperation, log.OpUpdate,
		log.FieldTransactionID, tx.ID,
		log.FieldCycleID, tx.CycleID)
	s.publishLocked(change)
	return nil
}

func (s *Store) DeleteTransaction(ctx context.Context, id budget.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cycleID budget.CycleID
	err := s.pool.QueryRow(ctx, `DELETE FROM transactions WHERE id = $1 RETURNING cycle_id`, id).Scan(&cycleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return budget.TransactionNotFound(id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}

	s.publishLocked(budget.Change{Kind: budget.TransactionDeleted, CycleID: cycleID, TransactionID: id})
	return nil
}

func (s *Store) FindTransaction(ctx context.Context, id budget.TransactionID) (budget.Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, cycle_id, title, amount::text, category, spent_at
		FROM transactions WHERE id = $1
	`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return budget.Transaction{}, budget.TransactionNotFound(id)
	}
	return tx, err
}

func (s *Store) ListTransactions(ctx context.Context, cycleID budget.CycleID) ([]budget.Transaction, error) {
	return listTransactions(ctx, s.pool, cycleID)
}

func (s *Store) SumAmount(ctx context.Context, cycleID budget.CycleID) (decimal.Decimal, error) {
	var sum string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM transactions WHERE cycle_id = $1`, cycleID,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum amounts: %w", err)
	}
	return decimal.NewFromString(sum)
}

// LoadCycleRecords reads the cycle and its transactions from one snapshot.
func (s *Store) LoadCycleRecords(ctx context.Context, cycleID budget.CycleID) (budget.Cycle, []budget.Transaction, error) {
	dbTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return budget.Cycle{}, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	c, err := findCycle(ctx, dbTx, cycleID)
	if err != nil {
		return budget.Cycle{}, nil, err
	}
	txs, err := listTransactions(ctx, dbTx, cycleID)
	if err != nil {
		return budget.Cycle{}, nil, err
	}
	return c, txs, dbTx.Commit(ctx)
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findCycle(ctx context.Context, q querier, id budget.CycleID) (budget.Cycle, error) {
	row := q.QueryRow(ctx, `
		SELECT id, label, year, month, income::text, created_at
		FROM cycles WHERE id = $1
	`, id)
	c, err := scanCycle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return budget.Cycle{}, budget.CycleNotFound(id)
	}
	return c, err
}

func listTransactions(ctx context.Context, q querier, cycleID budget.CycleID) ([]budget.Transaction, error) {
	rows, err := q.Query(ctx, `
		SELECT id, cycle_id, title, amount::text, category, spent_at
		FROM transactions
		WHERE cycle_id = $1
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

func scanCycle(row pgx.Row) (budget.Cycle, error) {
	var (
		c         budget.Cycle
		id        int64
		income    string
		createdAt int64
	)
	if err := row.Scan(&id, &c.Label, &c.Year, &c.Month, &income, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan cycle: %w", err)
	}
	amount, err := decimal.NewFromString(income)
	if err != nil {
		return c, fmt.Errorf("failed to parse income: %w", err)
	}
	c.ID = budget.CycleID(id)
	c.Income = amount
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	return c, nil
}

func scanTransaction(row pgx.Row) (budget.Transaction, error) {
	var (
		tx      budget.Transaction
		id      int64
		cycleID int64
		amount  string
		spentAt int64
	)
	if err := row.Scan(&id, &cycleID, &tx.Title, &amount, &tx.Category, &spentAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return tx, fmt.Errorf("failed to parse amount: %w", err)
	}
	tx.ID = budget.TransactionID(id)
	tx.CycleID = budget.CycleID(cycleID)
	tx.Amount = value
	tx.SpentAt = time.UnixMilli(spentAt).UTC()
	return tx, nil
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
