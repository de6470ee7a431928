package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trade-ledger/ledger"
	"github.com/warp/trade-ledger/ledger/mirror"
	"github.com/warp/trade-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestService(opts ...ledger.Option) (*ledger.Service, *store.Memory) {
	mem := store.NewMemory()
	return ledger.NewService(mem, mem, ledger.DefaultPricing(), zerolog.Nop(), opts...), mem
}

func submit(t *testing.T, svc *ledger.Service, kind ledger.Kind, ts time.Time, qty int64, price string) ledger.Record {
	t.Helper()
	rec, err := svc.Submit(context.Background(), kind, ledger.TransactionInput{
		Item:      testItem,
		Timestamp: ts,
		Quantity:  qty,
		Price:     dec(price),
	})
	require.NoError(t, err)
	return rec
}

func currentState(t *testing.T, svc *ledger.Service, item ledger.ItemID) ledger.State {
	t.Helper()
	state, err := svc.CurrentState(context.Background(), item)
	require.NoError(t, err)
	return state
}

// mapCache is an in-process StateCache.
type mapCache struct {
	mu     sync.Mutex
	states map[ledger.ItemID]ledger.State
	hits   int
}

func newMapCache() *mapCache {
	return &mapCache{states: make(map[ledger.ItemID]ledger.State)}
}

func (c *mapCache) Get(_ context.Context, item ledger.ItemID) (ledger.State, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[item]
	if ok {
		c.hits++
	}
	return s, ok, nil
}

func (c *mapCache) Set(_ context.Context, state ledger.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[state.Item] = state
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, item ledger.ItemID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, item)
	return nil
}

// =============================================================================
// SUBMISSION
// =============================================================================

func TestService_SubmitReplaysItem(t *testing.T) {
	svc, _ := newTestService()

	buy := submit(t, svc, ledger.KindPurchase, at(0), 100, "10")
	sell := submit(t, svc, ledger.KindSale, at(1), 100, "15")

	assert.NotZero(t, buy.ID)
	assert.Greater(t, sell.ID, buy.ID)
	assertDecimal(t, "10", buy.Derived.AverageCost)
	assert.Equal(t, int64(100), buy.Derived.Balance)
	assertDecimal(t, "485", sell.Derived.Profit)

	state := currentState(t, svc, testItem)
	assert.True(t, sell.Derived.Equal(state.Derived))
}

func TestService_SubmitOutOfOrderSelfHeals(t *testing.T) {
	// GIVEN: A purchase at t=300 already replayed
	// WHEN: A purchase at t=100 is submitted afterwards
	// THEN: The item is rolled back and replayed in timestamp order
	svc, mem := newTestService()
	ctx := context.Background()

	late := submit(t, svc, ledger.KindPurchase, at(300), 10, "100")
	early := submit(t, svc, ledger.KindPurchase, at(100), 10, "200")

	assert.Equal(t, int64(10), early.Derived.Balance)
	assertDecimal(t, "200", early.Derived.AverageCost)

	got, err := mem.GetTransaction(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.Derived.Balance)
	assertDecimal(t, "150", got.Derived.AverageCost)

	snaps, err := svc.Snapshots(ctx, testItem)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, early.ID, snaps[0].TransactionID)
	assert.Equal(t, late.ID, snaps[1].TransactionID)
}

func TestService_SubmitRejectsMalformed(t *testing.T) {
	svc, mem := newTestService()

	_, err := svc.Submit(context.Background(), ledger.KindSale, ledger.TransactionInput{
		Item: testItem, Timestamp: at(0), Quantity: -1,
	})

	assert.ErrorIs(t, err, ledger.ErrMalformedTransaction)
	items, _ := mem.ListItems(context.Background())
	assert.Empty(t, items)
}

func TestService_SubmitIgnoresCallerID(t *testing.T) {
	svc, _ := newTestService()
	first := submit(t, svc, ledger.KindPurchase, at(0), 1, "1")

	rec, err := svc.Submit(context.Background(), ledger.KindPurchase, ledger.TransactionInput{
		ID: first.ID, Item: testItem, Timestamp: at(1), Quantity: 1,
	})

	require.NoError(t, err)
	assert.NotEqual(t, first.ID, rec.ID)
}

func TestService_ReplayIsIdempotent(t *testing.T) {
	svc, _ := newTestService()
	submit(t, svc, ledger.KindPurchase, at(0), 10, "10")
	submit(t, svc, ledger.KindSale, at(1), 4, "12")

	report, err := svc.Replay(context.Background(), testItem)

	require.NoError(t, err)
	assert.Equal(t, 0, report.Applied)
	assert.Equal(t, 2, report.Skipped)
	assert.Empty(t, report.Invalidated)
	assert.Equal(t, int64(6), report.State.Balance)
}

// =============================================================================
// EDITS
// =============================================================================

func TestService_UpdateTimestampReorders(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a := submit(t, svc, ledger.KindPurchase, at(100), 10, "100")
	b := submit(t, svc, ledger.KindSale, at(200), 10, "150")
	submit(t, svc, ledger.KindPurchase, at(300), 10, "300")

	// move the sale before the first purchase
	ts := at(50)
	rec, err := svc.Update(ctx, b.ID, ledger.TransactionPatch{Timestamp: &ts})
	require.NoError(t, err)

	assert.Equal(t, int64(-10), rec.Derived.Balance)
	state := currentState(t, svc, testItem)
	assert.Equal(t, int64(10), state.Balance)
	// a only brings the balance back to zero, so the last buy sets the cost
	assertDecimal(t, "300", state.AverageCost)

	got, err := svc.Snapshots(ctx, testItem)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got[0].TransactionID)
	assert.Equal(t, a.ID, got[1].TransactionID)
}

func TestService_UpdateMovesItem(t *testing.T) {
	// GIVEN: Two purchases on one item
	// WHEN: One of them is moved to another item
	// THEN: Both items are replayed
	svc, _ := newTestService()
	ctx := context.Background()
	submit(t, svc, ledger.KindPurchase, at(0), 10, "10")
	moved := submit(t, svc, ledger.KindPurchase, at(1), 5, "40")

	other := testItem + 1
	rec, err := svc.Update(ctx, moved.ID, ledger.TransactionPatch{Item: &other})
	require.NoError(t, err)

	assert.Equal(t, other, rec.Item)
	assert.Equal(t, int64(5), rec.Derived.Balance)
	assertDecimal(t, "40", rec.Derived.AverageCost)
	assert.Equal(t, int64(10), currentState(t, svc, testItem).Balance)
	assert.Equal(t, int64(5), currentState(t, svc, other).Balance)

	snaps, err := svc.Snapshots(ctx, testItem)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestService_UpdateBondKeepsBondItem(t *testing.T) {
	// GIVEN: A bond purchase
	// WHEN: A patch names another item
	// THEN: The bond stays on the bond item and the rest of the patch applies
	svc, _ := newTestService()
	ctx := context.Background()
	bond, err := svc.Submit(ctx, ledger.KindBond, ledger.TransactionInput{
		Item: testItem, Timestamp: at(0), Quantity: 1, Price: dec("5000000"),
	})
	require.NoError(t, err)
	require.Equal(t, ledger.BondItemID, bond.Item)

	item := testItem
	qty := int64(3)
	rec, err := svc.Update(ctx, bond.ID, ledger.TransactionPatch{Item: &item, Quantity: &qty})

	require.NoError(t, err)
	assert.Equal(t, ledger.BondItemID, rec.Item)
	assert.Equal(t, int64(3), rec.Derived.Balance)
	assert.Equal(t, int64(0), currentState(t, svc, testItem).Balance)
}

func TestService_ConcurrentUpdatesKeepEveryField(t *testing.T) {
	// GIVEN: A purchase
	// WHEN: Its quantity and its price are patched concurrently
	// THEN: Neither patch is lost
	svc, mem := newTestService()
	ctx := context.Background()
	qty := int64(7)
	price := dec("9")

	for round := 0; round < 20; round++ {
		tx := submit(t, svc, ledger.KindPurchase, at(int64(round)), 1, "1")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = svc.Update(ctx, tx.ID, ledger.TransactionPatch{Quantity: &qty})
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = svc.Update(ctx, tx.ID, ledger.TransactionPatch{Price: &price})
		}()
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		rec, err := mem.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, qty, rec.Quantity, "round %d", round)
		assertDecimal(t, "9", rec.Price, "round %d", round)
	}
}

func TestService_ConcurrentEnableToggles(t *testing.T) {
	svc, mem := newTestService()
	ctx := context.Background()
	tx := submit(t, svc, ledger.KindPurchase, at(0), 10, "10")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SetEnabled(ctx, tx.ID, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := mem.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, rec.Enabled)
	assert.True(t, rec.Derived.IsZero())
	assert.Equal(t, int64(0), currentState(t, svc, testItem).Balance)
}

func TestService_UpdateValidates(t *testing.T) {
	svc, _ := newTestService()
	rec := submit(t, svc, ledger.KindPurchase, at(0), 10, "10")

	override := dec("50")
	_, err := svc.Update(context.Background(), rec.ID, ledger.TransactionPatch{CostOverride: &override})

	assert.ErrorIs(t, err, ledger.ErrMalformedTransaction)
}

func TestService_UpdateUnknown(t *testing.T) {
	svc, _ := newTestService()
	qty := int64(1)

	_, err := svc.Update(context.Background(), 404, ledger.TransactionPatch{Quantity: &qty})

	assert.True(t, ledger.IsNotFound(err))
}

func TestService_SetEnabled(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	submit(t, svc, ledger.KindPurchase, at(0), 10, "10")
	second := submit(t, svc, ledger.KindPurchase, at(1), 10, "20")

	rec, err := svc.SetEnabled(ctx, second.ID, false)
	require.NoError(t, err)
	assert.False(t, rec.Enabled)
	assert.True(t, rec.Derived.IsZero(), "a disabled transaction has no derived values")
	assert.Equal(t, int64(10), currentState(t, svc, testItem).Balance)

	rec, err = svc.SetEnabled(ctx, second.ID, true)
	require.NoError(t, err)
	assert.Equal(t, int64(20), rec.Derived.Balance)
	assertDecimal(t, "15", rec.Derived.AverageCost)
}

func TestService_Delete(t *testing.T) {
	svc, mem := newTestService()
	ctx := context.Background()
	first := submit(t, svc, ledger.KindPurchase, at(0), 10, "10")
	second := submit(t, svc, ledger.KindSale, at(1), 3, "20")

	require.NoError(t, svc.Delete(ctx, first.ID))

	_, err := mem.GetTransaction(ctx, first.ID)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
	rec, err := mem.GetTransaction(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), rec.Derived.Balance)
	assert.Equal(t, int64(-3), currentState(t, svc, testItem).Balance)

	assert.ErrorIs(t, svc.Delete(ctx, first.ID), ledger.ErrTransactionNotFound)
}

// =============================================================================
// ROLLBACK
// =============================================================================

func TestService_RollbackRoundTrip(t *testing.T) {
	// GIVEN: Three transactions replayed through t=300
	// WHEN: Rolling back to t=200, then replaying
	// THEN: The state matches the pre-rollback state
	svc, mem := newTestService()
	ctx := context.Background()
	first := submit(t, svc, ledger.KindPurchase, at(100), 10, "100")
	second := submit(t, svc, ledger.KindSale, at(200), 4, "150")
	third := submit(t, svc, ledger.KindPurchase, at(300), 6, "130")
	before := currentState(t, svc, testItem)

	rb, err := svc.RollbackTo(ctx, testItem, at(200))
	require.NoError(t, err)

	assert.Equal(t, []ledger.TransactionID{second.ID, third.ID}, rb.Invalidated)
	assert.Equal(t, 2, rb.Pending)
	assert.True(t, rb.State.Derived.Equal(first.Derived))
	assert.True(t, currentState(t, svc, testItem).Derived.Equal(first.Derived))
	rec, err := mem.GetTransaction(ctx, third.ID)
	require.NoError(t, err)
	assert.True(t, rec.Derived.IsZero())

	report, err := svc.Replay(ctx, testItem)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.True(t, before.Derived.Equal(report.State.Derived))
}

func TestService_RollbackToEmpty(t *testing.T) {
	svc, _ := newTestService()
	submit(t, svc, ledger.KindPurchase, at(100), 10, "100")

	rb, err := svc.RollbackTo(context.Background(), testItem, at(0))

	require.NoError(t, err)
	assert.Len(t, rb.Invalidated, 1)
	assert.True(t, rb.State.Derived.IsZero())
	assert.True(t, currentState(t, svc, testItem).Derived.IsZero())
}

func TestService_ResetItemAppliesNewCutoff(t *testing.T) {
	// GIVEN: A sale taxed under the default cutoff
	// WHEN: The item's cutoff moves after the sale and the item is reset
	// THEN: The sale is no longer taxed
	svc, mem := newTestService()
	ctx := context.Background()
	submit(t, svc, ledger.KindPurchase, at(0), 10, "100")
	sale := submit(t, svc, ledger.KindSale, at(10), 10, "200")
	assertDecimal(t, "20", sale.Derived.Tax)

	mem.SetTaxCutoff(testItem, at(1000))
	report, err := svc.ResetItem(ctx, testItem)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Applied)
	assert.Len(t, report.Invalidated, 2)
	assertDecimal(t, "0", report.State.Tax)
	assertDecimal(t, "1000", report.State.Profit)
}

// =============================================================================
// REPLAY ALL
// =============================================================================

func TestService_ReplayAll(t *testing.T) {
	svc, mem := newTestService(ledger.WithWorkers(2))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		tx, err := ledger.NewTransaction(ledger.KindPurchase, ledger.TransactionInput{
			Item: ledger.ItemID(i), Timestamp: at(int64(i)), Quantity: int64(i), Price: dec("2"),
		})
		require.NoError(t, err)
		_, err = mem.InsertTransaction(ctx, tx)
		require.NoError(t, err)
	}

	reports, err := svc.ReplayAll(ctx)

	require.NoError(t, err)
	require.Len(t, reports, 5)
	for i, r := range reports {
		assert.Equal(t, ledger.ItemID(i+1), r.Item)
		assert.Equal(t, 1, r.Applied)
		assert.NoError(t, r.Err)
		assert.Equal(t, int64(i+1), r.State.Balance)
	}
}

// failingStore makes one item's transactions unloadable.
type failingStore struct {
	*store.Memory
	broken ledger.ItemID
	err    error
}

func (f failingStore) LoadTransactions(ctx context.Context, item ledger.ItemID, since *time.Time) ([]ledger.Transaction, error) {
	if item == f.broken {
		return nil, f.err
	}
	return f.Memory.LoadTransactions(ctx, item, since)
}

func TestService_ReplayAllReportsItemErrors(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	for _, item := range []ledger.ItemID{1, 2} {
		tx, err := ledger.NewTransaction(ledger.KindPurchase, ledger.TransactionInput{
			Item: item, Timestamp: at(0), Quantity: 1,
		})
		require.NoError(t, err)
		_, err = mem.InsertTransaction(ctx, tx)
		require.NoError(t, err)
	}

	t.Run("malformed data stays on its item", func(t *testing.T) {
		fs := failingStore{Memory: mem, broken: 2, err: &ledger.MalformedTransactionError{Field: "tag", Reason: "bad"}}
		svc := ledger.NewService(fs, mem, ledger.DefaultPricing(), zerolog.Nop())

		reports, err := svc.ReplayAll(ctx)

		require.NoError(t, err)
		require.Len(t, reports, 2)
		assert.NoError(t, reports[0].Err)
		assert.ErrorIs(t, reports[1].Err, ledger.ErrMalformedTransaction)
	})

	t.Run("store failure aborts", func(t *testing.T) {
		boom := errors.New("disk I/O error")
		fs := failingStore{Memory: mem, broken: 1, err: boom}
		svc := ledger.NewService(fs, mem, ledger.DefaultPricing(), zerolog.Nop())

		_, err := svc.ReplayAll(ctx)

		assert.ErrorIs(t, err, boom)
	})
}

var errDiskFull = errors.New("disk full")

// flakyStore fails the next failures execution log commits.
type flakyStore struct {
	*store.Memory
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) CommitSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return f.Memory.CommitSnapshot(ctx, snap)
}

func TestService_FailedCommitIsAppliedOnNextReplay(t *testing.T) {
	// GIVEN: A store whose first execution log commit fails
	// WHEN: Replaying the item twice
	// THEN: The failed commit leaves neither a snapshot nor derived values,
	//       and the next replay applies the transaction in full
	mem := store.NewMemory()
	fs := &flakyStore{Memory: mem, failures: 1}
	svc := ledger.NewService(fs, mem, ledger.DefaultPricing(), zerolog.Nop())
	ctx := context.Background()
	tx, err := mem.InsertTransaction(ctx, newTx(t, ledger.KindPurchase, 0, at(0), 100, "10"))
	require.NoError(t, err)

	_, err = svc.Replay(ctx, testItem)
	require.ErrorIs(t, err, errDiskFull)

	snaps, err := mem.LoadSnapshots(ctx, testItem)
	require.NoError(t, err)
	assert.Empty(t, snaps)
	rec, err := mem.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, rec.Derived.IsZero())

	report, err := svc.Replay(ctx, testItem)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 0, report.Skipped)

	rec, err = mem.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.Derived.Balance)
	assertDecimal(t, "10", rec.Derived.AverageCost)
	snaps, err = mem.LoadSnapshots(ctx, testItem)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Derived.Equal(rec.Derived))
}

// replayOnlyStore hides the submission-side methods of Memory.
type replayOnlyStore struct{ ledger.Store }

func TestService_RequiresTransactionStore(t *testing.T) {
	svc := ledger.NewService(replayOnlyStore{store.NewMemory()}, nil, ledger.DefaultPricing(), zerolog.Nop())
	ctx := context.Background()

	_, err := svc.Submit(ctx, ledger.KindPurchase, ledger.TransactionInput{Item: testItem, Timestamp: at(0)})
	assert.ErrorIs(t, err, ledger.ErrStoreRequired)

	_, err = svc.ReplayAll(ctx)
	assert.ErrorIs(t, err, ledger.ErrStoreRequired)

	// replay itself only needs the narrow interface
	_, err = svc.Replay(ctx, testItem)
	assert.NoError(t, err)
}

// =============================================================================
// CACHE AND CONCURRENCY
// =============================================================================

func TestService_StateCache(t *testing.T) {
	cache := newMapCache()
	svc, _ := newTestService(ledger.WithCache(cache))
	ctx := context.Background()

	submit(t, svc, ledger.KindPurchase, at(0), 10, "10")
	state := currentState(t, svc, testItem)
	assert.Equal(t, int64(10), state.Balance)
	assert.Equal(t, 1, cache.hits, "replay primes the cache")

	_, err := svc.RollbackTo(ctx, testItem, at(0))
	require.NoError(t, err)
	_, ok, _ := cache.Get(ctx, testItem)
	assert.False(t, ok, "rollback invalidates the cache")

	assert.True(t, currentState(t, svc, testItem).Derived.IsZero())
}

func TestService_ConcurrentSubmissions(t *testing.T) {
	// GIVEN: Many goroutines submitting to two items
	// THEN: Each item ends in the state of a sequential replay
	svc, mem := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := ledger.KindPurchase
			if i%3 == 0 {
				kind = ledger.KindSale
			}
			_, err := svc.Submit(ctx, kind, ledger.TransactionInput{
				Item:      testItem + ledger.ItemID(i%2),
				Timestamp: at(int64(40 - i)),
				Quantity:  int64(i%7 + 1),
				Price:     dec("3.5"),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, item := range []ledger.ItemID{testItem, testItem + 1} {
		txs, err := mem.LoadTransactions(ctx, item, nil)
		require.NoError(t, err)
		want := mirror.Final(txs, ledger.DefaultPricing())
		assert.True(t, want.Equal(currentState(t, svc, item).Derived), "item %d", item)
	}
}
