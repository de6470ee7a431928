/*
Package ledger provides the trade ledger replay engine.

PURPOSE:
  Turns an unordered, mutable stream of trade events for one item into a
  consistent, chronologically ordered inventory state: quantity held,
  weighted-average cost, realized profit and tax paid. Everything outside
  this package (HTTP, SQLite, Redis, cron) is plumbing around it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable trade event for exactly one item
  - Derived: Post-transaction values, written only by the engine
  - State: The per-item running aggregate (a.k.a. inventory entry)
  - Snapshot: State captured right after one transaction was applied

DESIGN PRINCIPLES:
  1. Immutability: Transaction values are never touched by replay
  2. Precision: Prices and costs use decimal.Decimal
  3. Explicit write set: Derived values live in the execution log, keyed
     by transaction id, never on the transaction itself
  4. Determinism: Same transaction set, same final state, regardless of
     submission order

USAGE:
  tx, err := ledger.NewTransaction(ledger.KindPurchase, ledger.TransactionInput{
      Item:      561,
      Timestamp: time.Unix(1700000000, 0),
      Quantity:  100,
      Price:     decimal.NewFromInt(10),
  })

SEE ALSO:
  - taxonomy.go: The seven transaction kinds
  - transition.go: Per-kind transition functions
  - engine.go: Replay, execution log and rollback
  - service.go: Orchestration against a Store
*/
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ItemID identifies a tradeable item.
type ItemID int64

// TransactionID is assigned by the store at creation, increases
// monotonically and is never reused.
type TransactionID int64

// =============================================================================
// DIRECTION
// =============================================================================

// Direction tells whether a transaction acquires or relinquishes stock.
// Quantities are stored unsigned; the direction carries the sign.
type Direction int

const (
	Acquire Direction = iota + 1
	Relinquish
)

func (d Direction) String() string {
	switch d {
	case Acquire:
		return "acquire"
	case Relinquish:
		return "relinquish"
	default:
		return "unknown"
	}
}

// IsAcquire reports whether the direction adds stock.
func (d Direction) IsAcquire() bool { return d == Acquire }

// =============================================================================
// TRANSACTION - Immutable trade event
// =============================================================================

// Transaction is one trade event. Its fields are set at construction and are
// read-only for the engine.
type Transaction struct {
	ID        TransactionID
	Item      ItemID
	Timestamp time.Time // event time, unix-second precision
	Direction Direction
	Quantity  int64
	Price     decimal.Decimal
	Enabled   bool
	Kind      Kind
	Manual    bool // submitted by hand rather than imported

	// CostOverride forces the average cost after a stock count when > 1.
	CostOverride decimal.Decimal

	UpdatedAt time.Time
}

// Tag returns the persisted tag for this transaction.
func (t Transaction) Tag() string {
	return t.Kind.Tag(t.Manual)
}

// SignedQuantity returns the quantity with the direction applied.
func (t Transaction) SignedQuantity() int64 {
	if t.Direction == Relinquish {
		return -t.Quantity
	}
	return t.Quantity
}

// Before orders transactions by timestamp, ties broken by id.
func (t Transaction) Before(other Transaction) bool {
	return precedes(t.Timestamp, t.ID, other.Timestamp, other.ID)
}

func precedes(at time.Time, id TransactionID, otherAt time.Time, otherID TransactionID) bool {
	if at.Equal(otherAt) {
		return id < otherID
	}
	return at.Before(otherAt)
}

// SortTransactions returns a copy of txs in replay order.
func SortTransactions(txs []Transaction) []Transaction {
	sorted := make([]Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Before(sorted[j])
	})
	return sorted
}

// =============================================================================
// DERIVED VALUES - Post-transaction aggregate
// =============================================================================

// Derived holds the running values right after a transaction was applied.
// A transaction that was never applied, or was invalidated, reads as zero.
type Derived struct {
	AverageCost decimal.Decimal
	Balance     int64
	Profit      decimal.Decimal
	Tax         decimal.Decimal
	Value       decimal.Decimal

	Purchases int64 // times bought
	Bought    int64 // units bought
	Sales     int64 // times sold
	Sold      int64 // units sold
}

// IsZero reports whether no value has been derived.
func (d Derived) IsZero() bool {
	return d.Balance == 0 && d.Purchases == 0 && d.Bought == 0 && d.Sales == 0 && d.Sold == 0 &&
		d.AverageCost.IsZero() && d.Profit.IsZero() && d.Tax.IsZero() && d.Value.IsZero()
}

// Equal compares numerically, ignoring decimal exponent differences.
func (d Derived) Equal(o Derived) bool {
	return d.Balance == o.Balance &&
		d.Purchases == o.Purchases && d.Bought == o.Bought &&
		d.Sales == o.Sales && d.Sold == o.Sold &&
		d.AverageCost.Equal(o.AverageCost) &&
		d.Profit.Equal(o.Profit) &&
		d.Tax.Equal(o.Tax) &&
		d.Value.Equal(o.Value)
}

// revalue recomputes Value from Balance and AverageCost.
func (d Derived) revalue() Derived {
	d.Value = decimal.NewFromInt(d.Balance).Mul(d.AverageCost)
	return d
}

// =============================================================================
// STATE - Per-item aggregate (inventory entry)
// =============================================================================

// State is the ledger state of one item. It is transient: it is rebuilt from
// transactions or restored from the last snapshot.
type State struct {
	Item ItemID
	Derived
}

// EmptyState returns the all-zero state for item.
func EmptyState(item ItemID) State {
	return State{Item: item}
}

// =============================================================================
// SNAPSHOT - State right after one transaction
// =============================================================================

// Snapshot is one execution log entry. It doubles as audit row and as
// rollback checkpoint.
type Snapshot struct {
	TransactionID TransactionID
	Item          ItemID
	Timestamp     time.Time
	Kind          Kind
	Derived
}

// State returns the ledger state captured by the snapshot.
func (s Snapshot) State() State {
	return State{Item: s.Item, Derived: s.Derived}
}

// Record pairs a transaction with the derived values persisted for it.
type Record struct {
	Transaction
	Derived Derived
}
