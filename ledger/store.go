/*
store.go - Persistence and lookup interfaces consumed by the ledger

PURPOSE:
  Defines the boundary between the replay engine and its collaborators.
  The engine itself never touches a database; the Service drives it against
  these interfaces.

KEY INTERFACES:
  Store:            What replay and rollback need (load, persist, invalidate)
  TransactionStore: Store plus submission-side CRUD over transactions
  ItemCatalog:      Read-only item metadata (per-item tax cutoff)
  StateCache:       Optional read-through cache of current states

WRITE SET:
  Replay writes exactly two things per applied transaction: one snapshot
  row and the derived columns of that transaction. Logical columns are
  never written by replay.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, the system of record
  - ledger/store/memory.go: In-memory for testing
  - store/cache/redis.go:   Redis StateCache

SEE ALSO:
  - service.go: The only caller of these interfaces
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - What replay needs
// =============================================================================

// Store persists transactions and the execution log of each item.
type Store interface {
	// LoadTransactions returns the enabled transactions of item with a
	// timestamp at or after since (all when since is nil), ordered by
	// timestamp then id.
	LoadTransactions(ctx context.Context, item ItemID, since *time.Time) ([]Transaction, error)

	// LoadSnapshots returns the persisted execution log of item.
	LoadSnapshots(ctx context.Context, item ItemID) ([]Snapshot, error)

	// PersistSnapshot appends one execution log row.
	PersistSnapshot(ctx context.Context, snap Snapshot) error

	// PersistTransactionUpdate writes the derived columns of one transaction.
	// Unknown ids are ignored.
	PersistTransactionUpdate(ctx context.Context, id TransactionID, d Derived) error

	// CommitSnapshot persists one execution log row and the derived columns
	// of its transaction atomically: either both are written or neither.
	CommitSnapshot(ctx context.Context, snap Snapshot) error

	// InvalidateFrom deletes the snapshots of item at or after cutoff and
	// zeroes the derived columns of its transactions at or after cutoff.
	InvalidateFrom(ctx context.Context, item ItemID, cutoff time.Time) error
}

// TransactionStore extends Store with submission-side operations.
// Required by Service.Submit, Update, SetEnabled, Delete and ReplayAll.
type TransactionStore interface {
	Store

	// InsertTransaction stores tx and returns it with its assigned id.
	InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	// GetTransaction returns ErrTransactionNotFound for unknown ids.
	GetTransaction(ctx context.Context, id TransactionID) (Record, error)

	// UpdateTransaction replaces the logical columns of tx.ID.
	UpdateTransaction(ctx context.Context, tx Transaction) error

	// DeleteTransaction removes tx from the input set.
	DeleteTransaction(ctx context.Context, id TransactionID) error

	// ListTransactions returns every transaction of item, disabled ones
	// included, with their derived columns.
	ListTransactions(ctx context.Context, item ItemID) ([]Record, error)

	// ListItems returns every item that has at least one transaction.
	ListItems(ctx context.Context) ([]ItemID, error)
}

// =============================================================================
// ITEM CATALOG - Read-only item metadata
// =============================================================================

// ItemCatalog answers per-item questions the transitions depend on.
type ItemCatalog interface {
	// TaxCutoff returns when the item became taxable. A zero time means the
	// default cutoff applies.
	TaxCutoff(ctx context.Context, item ItemID) (time.Time, error)
}

// StaticCatalog is an ItemCatalog backed by a map; items not in the map
// use Default.
type StaticCatalog struct {
	Default time.Time
	Cutoffs map[ItemID]time.Time
}

func (c StaticCatalog) TaxCutoff(_ context.Context, item ItemID) (time.Time, error) {
	if t, ok := c.Cutoffs[item]; ok {
		return t, nil
	}
	return c.Default, nil
}

// =============================================================================
// STATE CACHE - Optional
// =============================================================================

// StateCache caches the current state of items between replays.
type StateCache interface {
	Get(ctx context.Context, item ItemID) (State, bool, error)
	Set(ctx context.Context, state State) error
	Invalidate(ctx context.Context, item ItemID) error
}
