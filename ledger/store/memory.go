// Package store provides in-memory implementations of the ledger store
// interfaces.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/trade-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TransactionStore and ledger.ItemCatalog.
type Memory struct {
	mu           sync.RWMutex
	nextID       ledger.TransactionID
	transactions map[ledger.TransactionID]ledger.Record
	snapshots    map[ledger.ItemID]map[ledger.TransactionID]ledger.Snapshot
	cutoffs      map[ledger.ItemID]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[ledger.TransactionID]ledger.Record),
		snapshots:    make(map[ledger.ItemID]map[ledger.TransactionID]ledger.Snapshot),
		cutoffs:      make(map[ledger.ItemID]time.Time),
	}
}

// InsertTransaction assigns the next id unless tx already carries one.
func (m *Memory) InsertTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.ID == 0 {
		tx.ID = m.nextID + 1
	} else if _, ok := m.transactions[tx.ID]; ok {
		return ledger.Transaction{}, fmt.Errorf("transaction %d already exists", tx.ID)
	}
	if tx.ID > m.nextID {
		m.nextID = tx.ID
	}
	m.transactions[tx.ID] = ledger.Record{Transaction: tx}
	return tx, nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.transactions[id]
	if !ok {
		return ledger.Record{}, ledger.ErrTransactionNotFound
	}
	return rec, nil
}

// UpdateTransaction replaces the logical fields; derived values are kept.
func (m *Memory) UpdateTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.transactions[tx.ID]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	rec.Transaction = tx
	m.transactions[tx.ID] = rec
	return nil
}

func (m *Memory) DeleteTransaction(_ context.Context, id ledger.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[id]; !ok {
		return ledger.ErrTransactionNotFound
	}
	delete(m.transactions, id)
	return nil
}

func (m *Memory) LoadTransactions(_ context.Context, item ledger.ItemID, since *time.Time) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Transaction
	for _, rec := range m.transactions {
		if rec.Item != item || !rec.Enabled {
			continue
		}
		if since != nil && rec.Timestamp.Before(*since) {
			continue
		}
		result = append(result, rec.Transaction)
	}
	return ledger.SortTransactions(result), nil
}

func (m *Memory) ListTransactions(_ context.Context, item ledger.ItemID) ([]ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Record
	for _, rec := range m.transactions {
		if rec.Item == item {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Transaction.Before(result[j].Transaction)
	})
	return result, nil
}

func (m *Memory) ListItems(_ context.Context) ([]ledger.ItemID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[ledger.ItemID]struct{})
	var items []ledger.ItemID
	for _, rec := range m.transactions {
		if _, ok := seen[rec.Item]; ok {
			continue
		}
		seen[rec.Item] = struct{}{}
		items = append(items, rec.Item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items, nil
}

// =============================================================================
// EXECUTION LOG
// =============================================================================

func (m *Memory) LoadSnapshots(_ context.Context, item ledger.ItemID) ([]ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Snapshot, 0, len(m.snapshots[item]))
	for _, snap := range m.snapshots[item] {
		result = append(result, snap)
	}
	return result, nil
}

func (m *Memory) PersistSnapshot(_ context.Context, snap ledger.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putSnapshot(snap)
	return nil
}

func (m *Memory) PersistTransactionUpdate(_ context.Context, id ledger.TransactionID, d ledger.Derived) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putDerived(id, d)
	return nil
}

// CommitSnapshot writes the snapshot and the derived values under one lock.
func (m *Memory) CommitSnapshot(_ context.Context, snap ledger.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putSnapshot(snap)
	m.putDerived(snap.TransactionID, snap.Derived)
	return nil
}

func (m *Memory) putSnapshot(snap ledger.Snapshot) {
	byID, ok := m.snapshots[snap.Item]
	if !ok {
		byID = make(map[ledger.TransactionID]ledger.Snapshot)
		m.snapshots[snap.Item] = byID
	}
	byID[snap.TransactionID] = snap
}

func (m *Memory) putDerived(id ledger.TransactionID, d ledger.Derived) {
	if rec, ok := m.transactions[id]; ok {
		rec.Derived = d
		m.transactions[id] = rec
	}
}

func (m *Memory) InvalidateFrom(_ context.Context, item ledger.ItemID, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, snap := range m.snapshots[item] {
		if !snap.Timestamp.Before(cutoff) {
			delete(m.snapshots[item], id)
		}
	}
	for id, rec := range m.transactions {
		if rec.Item == item && !rec.Timestamp.Before(cutoff) {
			rec.Derived = ledger.Derived{}
			m.transactions[id] = rec
		}
	}
	return nil
}

// =============================================================================
// ITEM CATALOG
// =============================================================================

// SetTaxCutoff overrides the tax cutoff of item; a zero time restores the
// default.
func (m *Memory) SetTaxCutoff(item ledger.ItemID, cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cutoff.IsZero() {
		delete(m.cutoffs, item)
		return
	}
	m.cutoffs[item] = cutoff
}

func (m *Memory) TaxCutoff(_ context.Context, item ledger.ItemID) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cutoffs[item], nil
}
