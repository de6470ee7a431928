/*
service.go - Orchestrates replay, rollback and edits against a Store

PURPOSE:
  The engine is pure and single-item. The Service is what callers use: it
  restores an engine from the persisted execution log, feeds it the item's
  transactions, persists every application and keeps the optional state
  cache coherent.

PER-ITEM EXCLUSIVITY:
  Replay and rollback of one item are serialized by a keyed mutex. Distinct
  items never share a lock, so ReplayAll runs them in parallel. Operations
  that touch two items (moving a transaction) lock both in id order.

SELF-HEALING REPLAY:
  Replay compares the persisted log against the current input set before
  applying anything. A logged transaction that was deleted, disabled or
  moved, or an unlogged one that sorts before the last logged entry, makes
  the engine roll back to the earliest affected timestamp first. Replay
  therefore never fails with ErrOutOfOrderReplay because of an edit.

EDITS:
  Only item, timestamp, quantity, price and the stock count cost override
  can change after submission, and a bond never leaves BondItemID. The
  record is read after its item lock is held, so concurrent edits of one
  transaction apply in turn. Every edit rolls back to the earliest
  timestamp it affects and replays.

COMMITS:
  Each application is persisted with Store.CommitSnapshot, which writes the
  log row and the derived columns together. A failed commit leaves the id
  out of the log and the next replay applies it again.

SEE ALSO:
  - engine.go: Replay and rollback mechanics
  - store.go:  The interfaces this file drives
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/trade-ledger/metrics"
)

// DefaultWorkers bounds ReplayAll parallelism when no option is given.
const DefaultWorkers = 4

// =============================================================================
// SERVICE
// =============================================================================

// Service replays items against a Store.
type Service struct {
	store   Store
	items   ItemCatalog
	cache   StateCache
	pricing Pricing
	workers int
	log     zerolog.Logger

	mu    sync.Mutex
	locks map[ItemID]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables the state cache.
func WithCache(c StateCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithWorkers bounds how many items ReplayAll replays at once.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// NewService creates a Service. A nil catalog means every item uses the
// cutoff in pricing.
func NewService(store Store, items ItemCatalog, pricing Pricing, logger zerolog.Logger, opts ...Option) *Service {
	if items == nil {
		items = StaticCatalog{}
	}
	s := &Service{
		store:   store,
		items:   items,
		pricing: pricing,
		workers: DefaultWorkers,
		log:     logger.With().Str("component", "ledger").Logger(),
		locks:   make(map[ItemID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReplayReport summarizes one item replay.
type ReplayReport struct {
	Item        ItemID
	Applied     int
	Skipped     int
	Invalidated []TransactionID // evicted by self-healing before replay
	Warnings    []Warning
	State       State
	Err         error // set by ReplayAll only
}

// RollbackReport summarizes one rollback.
type RollbackReport struct {
	Item        ItemID
	Cutoff      time.Time
	Invalidated []TransactionID
	Pending     int // enabled transactions at or after cutoff awaiting replay
	State       State
}

// =============================================================================
// EXPOSED OPERATIONS
// =============================================================================

// Replay brings item up to date with its transactions.
func (s *Service) Replay(ctx context.Context, item ItemID) (ReplayReport, error) {
	unlock := s.lockItems(item)
	defer unlock()
	return s.replayLocked(ctx, item)
}

// RollbackTo discards every derived value of item at or after cutoff. The
// transactions themselves are untouched and are applied again by the next
// Replay.
func (s *Service) RollbackTo(ctx context.Context, item ItemID, cutoff time.Time) (RollbackReport, error) {
	unlock := s.lockItems(item)
	defer unlock()

	report, err := s.rollbackLocked(ctx, item, cutoff)
	if err != nil {
		return report, err
	}
	pending, err := s.store.LoadTransactions(ctx, item, &report.Cutoff)
	if err != nil {
		return report, fmt.Errorf("load pending transactions: %w", err)
	}
	report.Pending = len(pending)
	return report, nil
}

// CurrentState returns the state after the last applied transaction.
func (s *Service) CurrentState(ctx context.Context, item ItemID) (State, error) {
	if s.cache != nil {
		state, ok, err := s.cache.Get(ctx, item)
		switch {
		case err != nil:
			metrics.CacheLookups.WithLabelValues("error").Inc()
			s.log.Warn().Err(err).Int64("item", int64(item)).Msg("state cache read failed")
		case ok:
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return state, nil
		default:
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
	}

	unlock := s.lockItems(item)
	defer unlock()

	snaps, err := s.store.LoadSnapshots(ctx, item)
	if err != nil {
		return State{}, fmt.Errorf("load snapshots: %w", err)
	}
	state := EmptyState(item)
	if last, ok := NewExecutionLog(snaps).Last(); ok {
		state = last.State()
	}
	s.cacheSet(ctx, state)
	return state, nil
}

// Snapshots returns the execution log of item in application order.
func (s *Service) Snapshots(ctx context.Context, item ItemID) ([]Snapshot, error) {
	snaps, err := s.store.LoadSnapshots(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	return NewExecutionLog(snaps).Entries(), nil
}

// ResetItem discards every derived value of item and replays from scratch.
// Used after the item's tax cutoff changes.
func (s *Service) ResetItem(ctx context.Context, item ItemID) (ReplayReport, error) {
	unlock := s.lockItems(item)
	defer unlock()

	rb, err := s.rollbackLocked(ctx, item, time.Time{})
	if err != nil {
		return ReplayReport{Item: item}, err
	}
	report, err := s.replayLocked(ctx, item)
	report.Invalidated = append(rb.Invalidated, report.Invalidated...)
	return report, err
}

// ReplayAll replays every item with transactions, in parallel. Malformed
// data in one item is reported on that item and does not stop the others;
// store failures abort the run.
func (s *Service) ReplayAll(ctx context.Context) ([]ReplayReport, error) {
	ts, err := s.transactionStore()
	if err != nil {
		return nil, err
	}
	items, err := ts.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	reports := make([]ReplayReport, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			report, err := s.Replay(gctx, item)
			report.Item = item
			report.Err = err
			reports[i] = report
			if err != nil && !IsClientError(err) && !IsConflict(err) {
				return fmt.Errorf("replay item %d: %w", item, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

// =============================================================================
// SUBMISSION AND EDITS
// =============================================================================

// Submit stores a new transaction and replays its item. The returned record
// carries the derived values computed by that replay.
func (s *Service) Submit(ctx context.Context, kind Kind, in TransactionInput) (Record, error) {
	ts, err := s.transactionStore()
	if err != nil {
		return Record{}, err
	}
	in.ID = 0
	tx, err := NewTransaction(kind, in)
	if err != nil {
		return Record{}, err
	}

	unlock := s.lockItems(tx.Item)
	defer unlock()

	stored, err := ts.InsertTransaction(ctx, tx)
	if err != nil {
		return Record{}, fmt.Errorf("insert transaction: %w", err)
	}
	s.log.Debug().
		Int64("transaction_id", int64(stored.ID)).
		Int64("item", int64(stored.Item)).
		Str("kind", stored.Kind.String()).
		Msg("transaction submitted")

	if _, err := s.replayLocked(ctx, stored.Item); err != nil {
		return Record{Transaction: stored}, err
	}
	return ts.GetTransaction(ctx, stored.ID)
}

// TransactionPatch lists the fields that may change after submission. Nil
// fields are left as they are.
type TransactionPatch struct {
	Item         *ItemID
	Timestamp    *time.Time
	Quantity     *int64
	Price        *decimal.Decimal
	CostOverride *decimal.Decimal
}

// IsEmpty reports whether the patch changes nothing.
func (p TransactionPatch) IsEmpty() bool {
	return p.Item == nil && p.Timestamp == nil && p.Quantity == nil && p.Price == nil && p.CostOverride == nil
}

// Update applies patch to transaction id and replays every item it touches.
// A bond stays on BondItemID whatever item the patch names.
func (s *Service) Update(ctx context.Context, id TransactionID, patch TransactionPatch) (Record, error) {
	ts, err := s.transactionStore()
	if err != nil {
		return Record{}, err
	}
	if patch.IsEmpty() {
		return ts.GetTransaction(ctx, id)
	}

	var target []ItemID
	if patch.Item != nil {
		target = append(target, *patch.Item)
	}
	rec, unlock, err := s.lockRecord(ctx, ts, id, target...)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	old := rec.Transaction
	next := old
	if patch.Item != nil && old.Kind != KindBond {
		next.Item = *patch.Item
	}
	if patch.Timestamp != nil {
		next.Timestamp = normalizeTime(*patch.Timestamp)
	}
	if patch.Quantity != nil {
		next.Quantity = *patch.Quantity
	}
	if patch.Price != nil {
		next.Price = *patch.Price
	}
	if patch.CostOverride != nil {
		next.CostOverride = *patch.CostOverride
	}
	next.UpdatedAt = normalizeTime(time.Now())
	if err := next.Validate(); err != nil {
		return Record{}, err
	}

	if err := ts.UpdateTransaction(ctx, next); err != nil {
		return Record{}, fmt.Errorf("update transaction: %w", err)
	}

	cutoff := old.Timestamp
	if next.Timestamp.Before(cutoff) {
		cutoff = next.Timestamp
	}
	if err := s.rewind(ctx, cutoff, old.Item, next.Item); err != nil {
		return Record{}, err
	}
	return ts.GetTransaction(ctx, id)
}

// SetEnabled includes or excludes a transaction from its item's input set.
func (s *Service) SetEnabled(ctx context.Context, id TransactionID, enabled bool) (Record, error) {
	ts, err := s.transactionStore()
	if err != nil {
		return Record{}, err
	}
	rec, unlock, err := s.lockRecord(ctx, ts, id)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	if rec.Enabled == enabled {
		return rec, nil
	}

	next := rec.Transaction
	next.Enabled = enabled
	next.UpdatedAt = normalizeTime(time.Now())
	if err := ts.UpdateTransaction(ctx, next); err != nil {
		return Record{}, fmt.Errorf("update transaction: %w", err)
	}
	if err := s.rewind(ctx, next.Timestamp, next.Item); err != nil {
		return Record{}, err
	}
	return ts.GetTransaction(ctx, id)
}

// Delete removes a transaction and replays its item.
func (s *Service) Delete(ctx context.Context, id TransactionID) error {
	ts, err := s.transactionStore()
	if err != nil {
		return err
	}
	rec, unlock, err := s.lockRecord(ctx, ts, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := ts.DeleteTransaction(ctx, id); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return s.rewind(ctx, rec.Timestamp, rec.Item)
}

// rewind rolls every item back to cutoff, then replays them. Callers hold
// the item locks.
func (s *Service) rewind(ctx context.Context, cutoff time.Time, items ...ItemID) error {
	items = uniqueItems(items)
	for _, item := range items {
		if _, err := s.rollbackLocked(ctx, item, cutoff); err != nil {
			return err
		}
	}
	for _, item := range items {
		if _, err := s.replayLocked(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// INTERNALS - Callers hold the item lock
// =============================================================================

func (s *Service) replayLocked(ctx context.Context, item ItemID) (report ReplayReport, err error) {
	start := time.Now()
	report.Item = item
	defer func() {
		metrics.ReplayDuration.Observe(time.Since(start).Seconds())
		metrics.Replays.WithLabelValues(replayOutcome(err)).Inc()
	}()

	engine, err := s.restore(ctx, item)
	if err != nil {
		return report, err
	}
	txs, err := s.store.LoadTransactions(ctx, item, nil)
	if err != nil {
		return report, fmt.Errorf("load transactions: %w", err)
	}

	if cutoff, stale := staleFrom(engine.Log(), txs); stale {
		report.Invalidated, err = s.invalidate(ctx, engine, cutoff)
		if err != nil {
			return report, err
		}
	}

	res, err := engine.Replay(ctx, txs, func(r Result) error {
		if err := s.store.CommitSnapshot(ctx, r.Snapshot); err != nil {
			return fmt.Errorf("commit snapshot %d: %w", r.Snapshot.TransactionID, err)
		}
		metrics.TransactionsApplied.WithLabelValues(r.Snapshot.Kind.String()).Inc()
		return nil
	})
	report.Applied = res.Applied
	report.Skipped = res.Skipped
	report.Warnings = res.Warnings
	report.State = res.State
	s.logWarnings(item, res.Warnings)

	if err != nil {
		s.cacheInvalidate(ctx, item)
		s.log.Error().Err(err).Int64("item", int64(item)).Int("applied", res.Applied).Msg("replay aborted")
		return report, err
	}

	s.cacheSet(ctx, res.State)
	if res.Applied > 0 || len(report.Invalidated) > 0 {
		s.log.Info().
			Int64("item", int64(item)).
			Int("applied", res.Applied).
			Int("invalidated", len(report.Invalidated)).
			Int64("balance", res.State.Balance).
			Str("average_cost", res.State.AverageCost.String()).
			Msg("item replayed")
	}
	return report, nil
}

func (s *Service) rollbackLocked(ctx context.Context, item ItemID, cutoff time.Time) (RollbackReport, error) {
	report := RollbackReport{Item: item, Cutoff: normalizeTime(cutoff)}
	engine, err := s.restore(ctx, item)
	if err != nil {
		return report, err
	}
	report.Invalidated, err = s.invalidate(ctx, engine, report.Cutoff)
	if err != nil {
		return report, err
	}
	report.State = engine.State()
	return report, nil
}

func (s *Service) restore(ctx context.Context, item ItemID) (*Engine, error) {
	cutoff, err := s.items.TaxCutoff(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("load tax cutoff for item %d: %w", item, err)
	}
	snaps, err := s.store.LoadSnapshots(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	return RestoreEngine(item, s.pricing.ForItem(cutoff), snaps), nil
}

// invalidate rolls the engine back and mirrors the eviction in the store.
func (s *Service) invalidate(ctx context.Context, engine *Engine, cutoff time.Time) ([]TransactionID, error) {
	item := engine.Item()
	evicted := engine.Rollback(cutoff)
	if err := s.store.InvalidateFrom(ctx, item, cutoff); err != nil {
		return nil, fmt.Errorf("invalidate item %d: %w", item, err)
	}

	ids := make([]TransactionID, len(evicted))
	for i, snap := range evicted {
		ids[i] = snap.TransactionID
		// rows that moved to another item are not covered by InvalidateFrom
		if err := s.store.PersistTransactionUpdate(ctx, snap.TransactionID, Derived{}); err != nil {
			return nil, fmt.Errorf("invalidate transaction %d: %w", snap.TransactionID, err)
		}
	}
	s.cacheInvalidate(ctx, item)

	metrics.Rollbacks.Inc()
	metrics.Invalidated.Add(float64(len(ids)))
	s.log.Debug().
		Int64("item", int64(item)).
		Int64("cutoff", cutoff.Unix()).
		Int("invalidated", len(ids)).
		Msg("rolled back")
	return ids, nil
}

// staleFrom returns the earliest timestamp at which the persisted log no
// longer matches the input set.
func staleFrom(log *ExecutionLog, txs []Transaction) (time.Time, bool) {
	var (
		cutoff time.Time
		found  bool
	)
	mark := func(at time.Time) {
		if !found || at.Before(cutoff) {
			cutoff, found = at, true
		}
	}

	last, hasLast := log.Last()
	present := make(map[TransactionID]struct{}, len(txs))
	for _, tx := range txs {
		present[tx.ID] = struct{}{}
		if entry, ok := log.Entry(tx.ID); ok {
			if !entry.Timestamp.Equal(tx.Timestamp) {
				mark(entry.Timestamp)
				mark(tx.Timestamp)
			}
			continue
		}
		if hasLast && tx.Before(lastAsTransaction(last)) {
			mark(tx.Timestamp)
		}
	}
	for _, entry := range log.Entries() {
		if _, ok := present[entry.TransactionID]; !ok {
			mark(entry.Timestamp)
		}
	}
	return cutoff, found
}

func (s *Service) transactionStore() (TransactionStore, error) {
	ts, ok := s.store.(TransactionStore)
	if !ok {
		return nil, ErrStoreRequired
	}
	return ts, nil
}

// lockItems locks each distinct item in ascending order and returns the
// matching unlock.
func (s *Service) lockItems(items ...ItemID) func() {
	items = uniqueItems(items)
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })

	s.mu.Lock()
	locks := make([]*sync.Mutex, len(items))
	for i, item := range items {
		l, ok := s.locks[item]
		if !ok {
			l = &sync.Mutex{}
			s.locks[item] = l
		}
		locks[i] = l
	}
	s.mu.Unlock()

	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// lockRecord locks the item of transaction id, plus extra, and returns the
// record as read under that lock. A record moved to another item in the
// meantime is read again under the new item's lock.
func (s *Service) lockRecord(ctx context.Context, ts TransactionStore, id TransactionID, extra ...ItemID) (Record, func(), error) {
	for {
		seen, err := ts.GetTransaction(ctx, id)
		if err != nil {
			return Record{}, nil, err
		}
		unlock := s.lockItems(append([]ItemID{seen.Item}, extra...)...)
		rec, err := ts.GetTransaction(ctx, id)
		if err != nil {
			unlock()
			return Record{}, nil, err
		}
		if rec.Item == seen.Item {
			return rec, unlock, nil
		}
		unlock()
	}
}

func uniqueItems(items []ItemID) []ItemID {
	seen := make(map[ItemID]struct{}, len(items))
	out := make([]ItemID, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func (s *Service) cacheSet(ctx context.Context, state State) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, state); err != nil {
		s.log.Warn().Err(err).Int64("item", int64(state.Item)).Msg("state cache write failed")
	}
}

func (s *Service) cacheInvalidate(ctx context.Context, item ItemID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, item); err != nil {
		s.log.Warn().Err(err).Int64("item", int64(item)).Msg("state cache invalidation failed")
	}
}

func (s *Service) logWarnings(item ItemID, warnings []Warning) {
	for _, w := range warnings {
		code := WarningCode(w)
		metrics.Warnings.WithLabelValues(code).Inc()
		s.log.Warn().
			Int64("item", int64(item)).
			Int64("transaction_id", int64(w.TransactionID)).
			Str("code", code).
			Msg(w.Message)
	}
}

// WarningCode returns a stable label for w.
func WarningCode(w Warning) string {
	switch {
	case errors.Is(w, ErrArithmeticDegeneracy):
		return "arithmetic_degeneracy"
	case errors.Is(w, ErrReconciliationAmbiguity):
		return "reconciliation_ambiguity"
	default:
		return "unknown"
	}
}

func replayOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case IsClientError(err):
		return metrics.OutcomeMalformed
	case IsConflict(err):
		return metrics.OutcomeOutOfOrder
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}
