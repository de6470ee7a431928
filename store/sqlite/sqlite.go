/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  The system of record. Transactions, the per-item execution log and item
  metadata live here; ledger states are rebuilt from them on demand.

INTERFACES IMPLEMENTED:
  ledger.Store:            Replay reads and writes
  ledger.TransactionStore: Submission-side CRUD
  ledger.ItemCatalog:      Per-item tax cutoff

KEY TABLES:
  transactions:     Logical columns plus the derived columns replay fills in
  ledger_snapshots: One row per applied transaction (audit + rollback checkpoint)
  items:            Item metadata (name, tax cutoff)

WRITE SET:
  Replay only ever writes ledger_snapshots rows and the derived columns of
  transactions. Logical columns change through UpdateTransaction only.

ENCODING:
  Timestamps are INTEGER unix seconds. Prices and costs are TEXT decimals so
  no precision is lost. The tag column keeps the single-letter tag; legacy
  tags are normalized when read back.

INDEXES:
  - idx_transactions_item_order: Ordered replay input (hot path)
  - idx_snapshots_item_order:    Execution log restore and range eviction

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Per-item serialization of replays is
  the ledger service's job; this lock only protects the connection.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, store, ledger.DefaultPricing(), logger)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/trade-ledger/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every :memory: connection is a separate database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
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

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Transactions: logical columns are set on submission, derived columns by replay
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		tag TEXT NOT NULL,
		is_buy INTEGER NOT NULL,
		quantity INTEGER NOT NULL,
		price TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		cost_override TEXT NOT NULL DEFAULT '0',
		updated_at INTEGER NOT NULL,

		average_cost TEXT NOT NULL DEFAULT '0',
		balance INTEGER NOT NULL DEFAULT 0,
		profit TEXT NOT NULL DEFAULT '0',
		tax TEXT NOT NULL DEFAULT '0',
		value TEXT NOT NULL DEFAULT '0',
		n_purchases INTEGER NOT NULL DEFAULT 0,
		n_bought INTEGER NOT NULL DEFAULT 0,
		n_sales INTEGER NOT NULL DEFAULT 0,
		n_sold INTEGER NOT NULL DEFAULT 0
	);

	-- Ordered replay input (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_item_order
		ON transactions(item_id, timestamp, id);

	-- Execution log: one row per applied transaction
	CREATE TABLE IF NOT EXISTS ledger_snapshots (
		transaction_id INTEGER PRIMARY KEY,
		item_id INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		tag TEXT NOT NULL,
		average_cost TEXT NOT NULL,
		balance INTEGER NOT NULL,
		profit TEXT NOT NULL,
		tax TEXT NOT NULL,
		value TEXT NOT NULL,
		n_purchases INTEGER NOT NULL,
		n_bought INTEGER NOT NULL,
		n_sales INTEGER NOT NULL,
		n_sold INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_item_order
		ON ledger_snapshots(item_id, timestamp, transaction_id);

	-- Item metadata
	CREATE TABLE IF NOT EXISTS items (
		item_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		tax_cutoff INTEGER,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION STORE (ledger.TransactionStore interface)
// =============================================================================

const transactionColumns = `
	id, item_id, timestamp, tag, is_buy, quantity, price, enabled, cost_override, updated_at,
	average_cost, balance, profit, tax, value, n_purchases, n_bought, n_sales, n_sold`

// InsertTransaction stores tx and assigns its id. Ids are never reused.
func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO transactions
		(item_id, timestamp, tag, is_buy, quantity, price, enabled, cost_override, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	args := []any{
		int64(tx.Item),
		tx.Timestamp.Unix(),
		tx.Tag(),
		tx.Direction.IsAcquire(),
		tx.Quantity,
		tx.Price.String(),
		tx.Enabled,
		tx.CostOverride.String(),
		tx.UpdatedAt.Unix(),
	}
	if tx.ID != 0 {
		query = `
		INSERT INTO transactions
		(id, item_id, timestamp, tag, is_buy, quantity, price, enabled, cost_override, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		args = append([]any{int64(tx.ID)}, args...)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Transaction{}, fmt.Errorf("transaction %d already exists: %w", tx.ID, err)
		}
		return ledger.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to read transaction id: %w", err)
	}
	tx.ID = ledger.TransactionID(id)
	return tx, nil
}

// GetTransaction returns a transaction with its derived values.
func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.queryRecords(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, int64(id))
	if err != nil {
		return ledger.Record{}, err
	}
	if len(recs) == 0 {
		return ledger.Record{}, ledger.ErrTransactionNotFound
	}
	return recs[0], nil
}

// UpdateTransaction replaces the logical columns. Derived columns are left to
// the next rollback and replay.
func (s *Store) UpdateTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE transactions
		SET item_id = ?, timestamp = ?, tag = ?, is_buy = ?, quantity = ?, price = ?,
		    enabled = ?, cost_override = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		int64(tx.Item),
		tx.Timestamp.Unix(),
		tx.Tag(),
		tx.Direction.IsAcquire(),
		tx.Quantity,
		tx.Price.String(),
		tx.Enabled,
		tx.CostOverride.String(),
		tx.UpdatedAt.Unix(),
		int64(tx.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return requireRow(res)
}

// DeleteTransaction removes a transaction. Its snapshot row, if any, is left
// for the next rollback to evict.
func (s *Store) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return requireRow(res)
}

// ListTransactions returns every transaction of item, disabled ones included.
func (s *Store) ListTransactions(ctx context.Context, item ledger.ItemID) ([]ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE item_id = ?
		ORDER BY timestamp ASC, id ASC
	`
	return s.queryRecords(ctx, query, int64(item))
}

// ListItems returns every item with at least one transaction.
func (s *Store) ListItems(ctx context.Context) ([]ledger.ItemID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT item_id FROM transactions ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []ledger.ItemID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, ledger.ItemID(id))
	}
	return items, rows.Err()
}

// =============================================================================
// REPLAY STORE (ledger.Store interface)
// =============================================================================

// LoadTransactions returns the enabled transactions of item in replay order.
func (s *Store) LoadTransactions(ctx context.Context, item ledger.ItemID, since *time.Time) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE item_id = ? AND enabled = 1 AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC
	`
	from := int64(minUnix)
	if since != nil {
		from = since.Unix()
	}

	recs, err := s.queryRecords(ctx, query, int64(item), from)
	if err != nil {
		return nil, err
	}
	txs := make([]ledger.Transaction, len(recs))
	for i, rec := range recs {
		txs[i] = rec.Transaction
	}
	return txs, nil
}

// LoadSnapshots returns the execution log of item.
func (s *Store) LoadSnapshots(ctx context.Context, item ledger.ItemID) ([]ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT transaction_id, item_id, timestamp, tag,
		       average_cost, balance, profit, tax, value, n_purchases, n_bought, n_sales, n_sold
		FROM ledger_snapshots
		WHERE item_id = ?
		ORDER BY timestamp ASC, transaction_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, int64(item))
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []ledger.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// PersistSnapshot writes one execution log row. A row left behind for the
// same transaction is replaced.
func (s *Store) PersistSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return writeSnapshot(ctx, s.db, snap)
}

// PersistTransactionUpdate writes the derived columns of one transaction.
func (s *Store) PersistTransactionUpdate(ctx context.Context, id ledger.TransactionID, d ledger.Derived) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return writeDerived(ctx, s.db, id, d)
}

// CommitSnapshot writes the snapshot row and the transaction's derived
// columns in one database transaction.
func (s *Store) CommitSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := writeSnapshot(ctx, tx, snap); err != nil {
			return err
		}
		return writeDerived(ctx, tx, snap.TransactionID, snap.Derived)
	})
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeSnapshot(ctx context.Context, db execer, snap ledger.Snapshot) error {
	query := `
		INSERT OR REPLACE INTO ledger_snapshots
		(transaction_id, item_id, timestamp, tag,
		 average_cost, balance, profit, tax, value, n_purchases, n_bought, n_sales, n_sold, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	d := snap.Derived
	_, err := db.ExecContext(ctx, query,
		int64(snap.TransactionID),
		int64(snap.Item),
		snap.Timestamp.Unix(),
		snap.Kind.Tag(false),
		d.AverageCost.String(),
		d.Balance,
		d.Profit.String(),
		d.Tax.String(),
		d.Value.String(),
		d.Purchases,
		d.Bought,
		d.Sales,
		d.Sold,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

func writeDerived(ctx context.Context, db execer, id ledger.TransactionID, d ledger.Derived) error {
	query := `
		UPDATE transactions
		SET average_cost = ?, balance = ?, profit = ?, tax = ?, value = ?,
		    n_purchases = ?, n_bought = ?, n_sales = ?, n_sold = ?
		WHERE id = ?
	`
	_, err := db.ExecContext(ctx, query,
		d.AverageCost.String(),
		d.Balance,
		d.Profit.String(),
		d.Tax.String(),
		d.Value.String(),
		d.Purchases,
		d.Bought,
		d.Sales,
		d.Sold,
		int64(id),
	)
	if err != nil {
		return fmt.Errorf("failed to persist derived values: %w", err)
	}
	return nil
}

// InvalidateFrom evicts snapshots and zeroes derived columns of item at or
// after cutoff, atomically.
func (s *Store) InvalidateFrom(ctx context.Context, item ledger.ItemID, cutoff time.Time) error {
	from := int64(minUnix)
	if !cutoff.IsZero() {
		from = cutoff.Unix()
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM ledger_snapshots WHERE item_id = ? AND timestamp >= ?`,
			int64(item), from,
		); err != nil {
			return fmt.Errorf("failed to evict snapshots: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET average_cost = '0', balance = 0, profit = '0', tax = '0', value = '0',
			    n_purchases = 0, n_bought = 0, n_sales = 0, n_sold = 0
			WHERE item_id = ? AND timestamp >= ?`,
			int64(item), from,
		); err != nil {
			return fmt.Errorf("failed to invalidate transactions: %w", err)
		}
		return nil
	})
}

// =============================================================================
// TRANSACTIONAL HELPERS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// ITEM CATALOG (ledger.ItemCatalog interface)
// =============================================================================

// Item is a row of the items table.
type Item struct {
	ID        ledger.ItemID
	Name      string
	TaxCutoff *time.Time // nil means the default cutoff applies
	UpdatedAt time.Time
}

// SaveItem inserts or replaces item metadata.
func (s *Store) SaveItem(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cutoff sql.NullInt64
	if item.TaxCutoff != nil {
		cutoff = sql.NullInt64{Int64: item.TaxCutoff.Unix(), Valid: true}
	}

	query := `
		INSERT INTO items (item_id, name, tax_cutoff, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			name = excluded.name,
			tax_cutoff = excluded.tax_cutoff,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, int64(item.ID), item.Name, cutoff, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

// GetItem returns item metadata, or nil if the item was never saved.
func (s *Store) GetItem(ctx context.Context, id ledger.ItemID) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		item      Item
		rawID     int64
		cutoff    sql.NullInt64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id, name, tax_cutoff, updated_at FROM items WHERE item_id = ?`, int64(id),
	).Scan(&rawID, &item.Name, &cutoff, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	item.ID = ledger.ItemID(rawID)
	item.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if cutoff.Valid {
		t := time.Unix(cutoff.Int64, 0).UTC()
		item.TaxCutoff = &t
	}
	return &item, nil
}

// TaxCutoff returns the item's cutoff, or zero when the default applies.
func (s *Store) TaxCutoff(ctx context.Context, id ledger.ItemID) (time.Time, error) {
	item, err := s.GetItem(ctx, id)
	if err != nil || item == nil || item.TaxCutoff == nil {
		return time.Time{}, err
	}
	return *item.TaxCutoff, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"ledger_snapshots", "transactions", "items"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var records []ledger.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (ledger.Record, error) {
	var (
		id, item, timestamp, updatedAt int64
		tag                            string
		isBuy, enabled                 bool
		quantity                       int64
		price, costOverride            string
		derived                        derivedColumns
	)

	err := rows.Scan(
		&id, &item, &timestamp, &tag, &isBuy, &quantity, &price, &enabled, &costOverride, &updatedAt,
		&derived.averageCost, &derived.balance, &derived.profit, &derived.tax, &derived.value,
		&derived.purchases, &derived.bought, &derived.sales, &derived.sold,
	)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("failed to scan transaction: %w", err)
	}

	in := ledger.TransactionInput{
		ID:        ledger.TransactionID(id),
		Item:      ledger.ItemID(item),
		Timestamp: time.Unix(timestamp, 0),
		Quantity:  quantity,
		Disabled:  !enabled,
		UpdatedAt: time.Unix(updatedAt, 0),
	}
	if in.Price, err = decimal.NewFromString(price); err != nil {
		return ledger.Record{}, fmt.Errorf("transaction %d: invalid price %q: %w", id, price, err)
	}
	if in.CostOverride, err = decimal.NewFromString(costOverride); err != nil {
		return ledger.Record{}, fmt.Errorf("transaction %d: invalid cost override %q: %w", id, costOverride, err)
	}

	tx, err := ledger.FromRecord(tag, isBuy, in)
	if err != nil {
		return ledger.Record{}, err
	}
	d, err := derived.decode()
	if err != nil {
		return ledger.Record{}, fmt.Errorf("transaction %d: %w", id, err)
	}
	return ledger.Record{Transaction: tx, Derived: d}, nil
}

func scanSnapshot(rows *sql.Rows) (ledger.Snapshot, error) {
	var (
		txID, item, timestamp int64
		tag                   string
		derived               derivedColumns
	)
	err := rows.Scan(
		&txID, &item, &timestamp, &tag,
		&derived.averageCost, &derived.balance, &derived.profit, &derived.tax, &derived.value,
		&derived.purchases, &derived.bought, &derived.sales, &derived.sold,
	)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	kind, _, err := ledger.ParseTag(tag, true)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("snapshot %d: %w", txID, err)
	}
	d, err := derived.decode()
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("snapshot %d: %w", txID, err)
	}
	return ledger.Snapshot{
		TransactionID: ledger.TransactionID(txID),
		Item:          ledger.ItemID(item),
		Timestamp:     time.Unix(timestamp, 0).UTC(),
		Kind:          kind,
		Derived:       d,
	}, nil
}

// derivedColumns holds the raw derived columns shared by both tables.
type derivedColumns struct {
	averageCost, profit, tax, value string
	balance                         int64
	purchases, bought, sales, sold  int64
}

func (c derivedColumns) decode() (ledger.Derived, error) {
	d := ledger.Derived{
		Balance:   c.balance,
		Purchases: c.purchases,
		Bought:    c.bought,
		Sales:     c.sales,
		Sold:      c.sold,
	}
	var err error
	if d.AverageCost, err = decimal.NewFromString(c.averageCost); err != nil {
		return d, fmt.Errorf("invalid average cost %q: %w", c.averageCost, err)
	}
	if d.Profit, err = decimal.NewFromString(c.profit); err != nil {
		return d, fmt.Errorf("invalid profit %q: %w", c.profit, err)
	}
	if d.Tax, err = decimal.NewFromString(c.tax); err != nil {
		return d, fmt.Errorf("invalid tax %q: %w", c.tax, err)
	}
	if d.Value, err = decimal.NewFromString(c.value); err != nil {
		return d, fmt.Errorf("invalid value %q: %w", c.value, err)
	}
	return d, nil
}

// minUnix sorts before every stored timestamp.
const minUnix = -1 << 62

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY"))
}
