/*
engine.go - Replay engine, execution log and rollback

PURPOSE:
  Owns the ledger state of a single item and applies transactions to it in
  chronological order. Every application appends a snapshot to the
  execution log; the log is what makes replay idempotent and what rollback
  rewinds to.

STATE MACHINE:
  EMPTY ──Apply──▶ REPLAYING ──Replay done──▶ CONSISTENT
                       ▲                            │
                       └──────Apply──── INVALIDATED ◀┘ Rollback(cutoff)

ORDERING:
  Transactions are applied by ascending (timestamp, id). Applying one that
  precedes the last logged entry fails with ErrOutOfOrderReplay: the engine
  never guesses which earlier state to use. Roll back first.

IDEMPOTENCE:
  Applying an id already in the log is a no-op. A replay interrupted
  between transactions can always be resumed by replaying again.

CONCURRENCY:
  An Engine is not safe for concurrent use. One engine per item, owned by a
  single replay at a time (see Service for the per-item lock).
*/
package ledger

import (
	"context"
	"sort"
	"time"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the replay state of an engine.
type Status int

const (
	StatusEmpty Status = iota
	StatusReplaying
	StatusConsistent
	StatusInvalidated
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusReplaying:
		return "replaying"
	case StatusConsistent:
		return "consistent"
	case StatusInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// =============================================================================
// EXECUTION LOG
// =============================================================================

// ExecutionLog is the ordered set of snapshots already reflected in a state.
type ExecutionLog struct {
	entries []Snapshot
	index   map[TransactionID]int
}

// NewExecutionLog builds a log from persisted snapshots in any order.
func NewExecutionLog(snaps []Snapshot) *ExecutionLog {
	l := &ExecutionLog{index: make(map[TransactionID]int, len(snaps))}
	sorted := make([]Snapshot, len(snaps))
	copy(sorted, snaps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return precedes(sorted[i].Timestamp, sorted[i].TransactionID, sorted[j].Timestamp, sorted[j].TransactionID)
	})
	for _, s := range sorted {
		l.append(s)
	}
	return l
}

// Contains reports whether id has been applied.
func (l *ExecutionLog) Contains(id TransactionID) bool {
	_, ok := l.index[id]
	return ok
}

// Len returns the number of applied transactions.
func (l *ExecutionLog) Len() int { return len(l.entries) }

// Entry returns the snapshot taken after id was applied.
func (l *ExecutionLog) Entry(id TransactionID) (Snapshot, bool) {
	i, ok := l.index[id]
	if !ok {
		return Snapshot{}, false
	}
	return l.entries[i], true
}

// Last returns the most recent snapshot.
func (l *ExecutionLog) Last() (Snapshot, bool) {
	if len(l.entries) == 0 {
		return Snapshot{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Entries returns a copy of the log in application order.
func (l *ExecutionLog) Entries() []Snapshot {
	out := make([]Snapshot, len(l.entries))
	copy(out, l.entries)
	return out
}

// IDs returns the applied transaction ids in application order.
func (l *ExecutionLog) IDs() []TransactionID {
	ids := make([]TransactionID, len(l.entries))
	for i, e := range l.entries {
		ids[i] = e.TransactionID
	}
	return ids
}

func (l *ExecutionLog) append(s Snapshot) {
	l.index[s.TransactionID] = len(l.entries)
	l.entries = append(l.entries, s)
}

// evictFrom drops every entry at or after cutoff and returns them.
func (l *ExecutionLog) evictFrom(cutoff time.Time) []Snapshot {
	i := sort.Search(len(l.entries), func(i int) bool {
		return !l.entries[i].Timestamp.Before(cutoff)
	})
	evicted := make([]Snapshot, len(l.entries)-i)
	copy(evicted, l.entries[i:])
	for _, s := range evicted {
		delete(l.index, s.TransactionID)
	}
	l.entries = l.entries[:i]
	return evicted
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine replays the transactions of one item.
type Engine struct {
	item    ItemID
	pricing Pricing
	state   State
	log     *ExecutionLog
	status  Status
}

// NewEngine returns an empty engine for item.
func NewEngine(item ItemID, pricing Pricing) *Engine {
	return &Engine{
		item:    item,
		pricing: pricing,
		state:   EmptyState(item),
		log:     NewExecutionLog(nil),
		status:  StatusEmpty,
	}
}

// RestoreEngine resumes from persisted snapshots; the state is the last one.
func RestoreEngine(item ItemID, pricing Pricing, snaps []Snapshot) *Engine {
	e := NewEngine(item, pricing)
	e.log = NewExecutionLog(snaps)
	if last, ok := e.log.Last(); ok {
		e.state = last.State()
		e.status = StatusConsistent
	}
	return e
}

func (e *Engine) Item() ItemID { return e.item }
func (e *Engine) State() State { return e.state }
func (e *Engine) Status() Status { return e.status }
func (e *Engine) Log() *ExecutionLog { return e.log }
func (e *Engine) Pricing() Pricing { return e.pricing }

// Derived returns the post-transaction values of id, or zero if id is not
// in the execution log.
func (e *Engine) Derived(id TransactionID) Derived {
	s, ok := e.log.Entry(id)
	if !ok {
		return Derived{}
	}
	return s.Derived
}

// Result describes the outcome of applying one transaction.
type Result struct {
	Applied  bool
	Snapshot Snapshot
	Warnings []Warning
}

// Apply applies tx to the engine's state.
func (e *Engine) Apply(tx Transaction) (Result, error) {
	if e.log.Contains(tx.ID) || !tx.Enabled {
		return Result{}, nil
	}
	if err := tx.Validate(); err != nil {
		return Result{}, err
	}
	if last, ok := e.log.Last(); ok && tx.Before(lastAsTransaction(last)) {
		return Result{}, &OutOfOrderError{ID: tx.ID, At: tx.Timestamp, LastID: last.TransactionID, LastAt: last.Timestamp}
	}

	next, snap, warnings, err := Apply(e.state, tx, e.pricing)
	if err != nil {
		return Result{}, err
	}
	e.state = next
	e.log.append(snap)
	e.status = StatusReplaying
	return Result{Applied: true, Snapshot: snap, Warnings: warnings}, nil
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Applied  int
	Skipped  int
	Warnings []Warning
	State    State
}

// CommitFunc persists one applied transaction. An error aborts the replay;
// entries committed before it stay in the log.
type CommitFunc func(Result) error

// Replay sorts txs and applies them one at a time. The whole batch is
// validated before anything is applied.
func (e *Engine) Replay(ctx context.Context, txs []Transaction, commit CommitFunc) (ReplayResult, error) {
	for _, tx := range txs {
		if err := tx.Validate(); err != nil {
			return ReplayResult{State: e.state}, err
		}
		if tx.Item != e.item {
			return ReplayResult{State: e.state}, &MalformedTransactionError{
				ID: tx.ID, Field: "item", Reason: "transaction belongs to another item", Cause: ErrItemMismatch,
			}
		}
	}

	var res ReplayResult
	for _, tx := range SortTransactions(txs) {
		if err := ctx.Err(); err != nil {
			res.State = e.state
			return res, err
		}

		r, err := e.Apply(tx)
		if err != nil {
			res.State = e.state
			return res, err
		}
		if !r.Applied {
			res.Skipped++
			continue
		}
		if commit != nil {
			if err := commit(r); err != nil {
				res.State = e.state
				return res, err
			}
		}
		res.Applied++
		res.Warnings = append(res.Warnings, r.Warnings...)
	}

	if e.log.Len() > 0 {
		e.status = StatusConsistent
	} else {
		e.status = StatusEmpty
	}
	res.State = e.state
	return res, nil
}

// Rollback evicts every log entry at or after cutoff and rewinds the state
// to the snapshot immediately preceding it, or to empty. The evicted
// snapshots are returned so their derived values can be invalidated.
func (e *Engine) Rollback(cutoff time.Time) []Snapshot {
	evicted := e.log.evictFrom(cutoff)
	if last, ok := e.log.Last(); ok {
		e.state = last.State()
	} else {
		e.state = EmptyState(e.item)
	}
	e.status = StatusInvalidated
	return evicted
}

func lastAsTransaction(s Snapshot) Transaction {
	return Transaction{ID: s.TransactionID, Timestamp: s.Timestamp}
}
