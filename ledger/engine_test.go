package ledger_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trade-ledger/ledger"
)

func replayAll(t *testing.T, e *ledger.Engine, txs ...ledger.Transaction) ledger.ReplayResult {
	t.Helper()
	res, err := e.Replay(context.Background(), txs, nil)
	require.NoError(t, err)
	return res
}

func mixedHistory(t *testing.T) []ledger.Transaction {
	return []ledger.Transaction{
		newTx(t, ledger.KindPurchase, 1, at(100), 50, "100"),
		newTx(t, ledger.KindPurchase, 2, at(200), 50, "200"),
		newTx(t, ledger.KindSale, 3, at(300), 30, "260"),
		newTx(t, ledger.KindConsumption, 4, at(400), 5, "0"),
		stockCount(t, 5, at(500), 60, "240", "0"),
		newTx(t, ledger.KindProduction, 6, at(600), 10, "180"),
	}
}

func TestEngine_StatusTransitions(t *testing.T) {
	e := ledger.NewEngine(testItem, ledger.DefaultPricing())
	assert.Equal(t, ledger.StatusEmpty, e.Status())

	_, err := e.Apply(newTx(t, ledger.KindPurchase, 1, at(0), 1, "1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReplaying, e.Status())

	replayAll(t, e, newTx(t, ledger.KindPurchase, 2, at(1), 1, "1"))
	assert.Equal(t, ledger.StatusConsistent, e.Status())

	e.Rollback(at(1))
	assert.Equal(t, ledger.StatusInvalidated, e.Status())
}

func TestEngine_ReplayIsIdempotent(t *testing.T) {
	// GIVEN: A fully replayed item
	// WHEN: Replaying the same transactions again
	// THEN: Nothing is applied and the state and log are unchanged
	e := ledger.NewEngine(testItem, ledger.DefaultPricing())
	txs := mixedHistory(t)
	first := replayAll(t, e, txs...)
	logBefore := e.Log().IDs()

	second := replayAll(t, e, txs...)

	assert.Equal(t, len(txs), first.Applied)
	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, len(txs), second.Skipped)
	assert.True(t, first.State.Derived.Equal(second.State.Derived))
	assert.Equal(t, logBefore, e.Log().IDs())
}

func TestEngine_OrderInvariance(t *testing.T) {
	// GIVEN: The same transaction set shuffled several ways
	// THEN: Every replay ends in the same state
	txs := mixedHistory(t)
	want := replayAll(t, ledger.NewEngine(testItem, ledger.DefaultPricing()), txs...).State

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]ledger.Transaction(nil), txs...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := replayAll(t, ledger.NewEngine(testItem, ledger.DefaultPricing()), shuffled...).State
		assert.True(t, want.Derived.Equal(got.Derived), "shuffle %d", i)
	}
}

func TestEngine_ScheduleFollowsTimestamps(t *testing.T) {
	// GIVEN: T1(t=100), T3(t=300), T2(t=200) submitted in that order
	// THEN: The result equals applying T1, T2, T3
	t1 := newTx(t, ledger.KindPurchase, 1, at(100), 10, "100")
	t2 := newTx(t, ledger.KindSale, 2, at(200), 10, "150")
	t3 := newTx(t, ledger.KindPurchase, 3, at(300), 10, "300")

	e := ledger.NewEngine(testItem, ledger.DefaultPricing())
	got := replayAll(t, e, t1, t3, t2).State
	want, _ := applyAll(t, ledger.DefaultPricing(), t1, t2, t3)

	assert.True(t, want.Derived.Equal(got.Derived))
	assert.Equal(t, []ledger.TransactionID{1, 2, 3}, e.Log().IDs())
	assertDecimal(t, "300", got.AverageCost, "T3 buys on an empty balance")
}

func TestEngine_BalanceConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	t.Run("all acquiring", func(t *testing.T) {
		var txs []ledger.Transaction
		var sum int64
		for i := 1; i <= 40; i++ {
			qty := rng.Int63n(50) + 1
			sum += qty
			kind := []ledger.Kind{ledger.KindPurchase, ledger.KindCorrection, ledger.KindProduction}[rng.Intn(3)]
			txs = append(txs, newTx(t, kind, ledger.TransactionID(i), at(rng.Int63n(1000)), qty, "10"))
		}
		state := replayAll(t, ledger.NewEngine(testItem, ledger.DefaultPricing()), txs...).State
		assert.Equal(t, sum, state.Balance)
		assert.Equal(t, sum, state.Bought)
	})

	t.Run("mixed", func(t *testing.T) {
		var txs []ledger.Transaction
		var sum int64
		for i := 1; i <= 40; i++ {
			qty := rng.Int63n(50) + 1
			kind := []ledger.Kind{ledger.KindPurchase, ledger.KindSale, ledger.KindConsumption}[rng.Intn(3)]
			tx := newTx(t, kind, ledger.TransactionID(i), at(rng.Int63n(1000)), qty, "10")
			sum += tx.SignedQuantity()
			txs = append(txs, tx)
		}
		state := replayAll(t, ledger.NewEngine(testItem, ledger.DefaultPricing()), txs...).State
		assert.Equal(t, sum, state.Balance)
		assert.Equal(t, state.Bought-state.Sold, state.Balance)
	})
}

func TestEngine_OutOfOrderApply(t *testing.T) {
	// GIVEN: An engine that applied a transaction at t=300
	// WHEN: Applying one at t=200 without rolling back
	// THEN: The engine refuses and keeps its state
	e := ledger.NewEngine(testItem, ledger.DefaultPricing())
	_, err := e.Apply(newTx(t, ledger.KindPurchase, 3, at(300), 10, "100"))
	require.NoError(t, err)
	before := e.State()

	_, err = e.Apply(newTx(t, ledger.KindPurchase, 2, at(200), 10, "100"))

	var ooo *ledger.OutOfOrderError
	require.ErrorAs(t, err, &ooo)
	assert.Equal(t, ledger.TransactionID(2), ooo.ID)
	assert.Equal(t, ledger.TransactionID(3), ooo.LastID)
	assert.True(t, ledger.IsConflict(err))
	assert.Equal(t, before, e.State())
	assert.Equal(t, 1, e.Log().Len())
}

func TestEngine_SameTimestampOrdersByID(t *testing.T) {
	e := ledger.NewEngine(testItem, ledger.DefaultPricing())
	_, err := e.Apply(newTx(t, ledger.KindPurchase, 5, at(0), 1, "1"))
	require.NoError(t, err)

	_, err = e.Apply(newTx(t, ledger.KindPurchase, 4, at(0), 1, "1"))
	assert.ErrorIs(t, err, ledger.ErrOutOfOrderReplay)

	_, err = e.Apply(newTx(t, ledger.KindPurchase, 6, at(0), 1, "1"))
	assert.NoError(t, err)
}

func TestEngine_MalformedBatchAppliesNothing(t *testing.T) {
	other, err := ledger.NewTransaction(ledger.KindPurchase, ledger.TransactionInput{
		ID: 9, Item: testItem + 1, Timestamp: at(50), Quantity: 1,
	})
	require.NoError(t, err)

	e := ledger.NewEngine(testItem, ledger.DefaultPricing())
	res, err := e.Replay(context.Background(), []ledger.Transaction{
		newTx(t, ledger.KindPurchase, 1, at(0), 1, "1"),
		other,
	}, nil)

	assert.ErrorIs(t, err, ledger.ErrItemMismatch)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 0, e.Log().Len())
	assert.True(t, res.State.Derived.IsZero())
}

func TestEngine_DisabledTransactionsAreSkipped(t *testing.T) {
	disabled, err := ledger.NewTransaction(ledger.KindPurchase, ledger.TransactionInput{
		ID: 2, Item: testItem, Timestamp: at(1), Quantity: 99, Price: dec("1"), Disabled: true,
	})
	require.NoError(t, err)

	e := ledger.NewEngine(testItem, ledger.DefaultPricing())
	res := replayAll(t, e, newTx(t, ledger.KindPurchase, 1, at(0), 1, "1"), disabled)

	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, int64(1), res.State.Balance)
	assert.True(t, e.Derived(2).IsZero())
}

func TestEngine_CommitFailureKeepsEarlierEntries(t *testing.T) {
	boom := errors.New("disk full")
	txs := mixedHistory(t)

	e := ledger.NewEngine(testItem, ledger.DefaultPricing())
	res, err := e.Replay(context.Background(), txs, func(r ledger.Result) error {
		if r.Snapshot.TransactionID == 3 {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, res.Applied)

	// resuming picks up where the failed commit left off
	resumed := replayAll(t, e, txs...)
	assert.Equal(t, len(txs)-3, resumed.Applied)
	want := replayAll(t, ledger.NewEngine(testItem, ledger.DefaultPricing()), txs...).State
	assert.True(t, want.Derived.Equal(resumed.State.Derived))
}

func TestEngine_ReplayStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := ledger.NewEngine(testItem, ledger.DefaultPricing())
	res, err := e.Replay(ctx, mixedHistory(t), nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Applied)
}

func TestEngine_Warnings(t *testing.T) {
	e := ledger.NewEngine(testItem, ledger.DefaultPricing())

	res := replayAll(t, e,
		newTx(t, ledger.KindPurchase, 1, at(0), 0, "5"),
		newTx(t, ledger.KindPurchase, 2, at(1), 10, "5"),
		stockCount(t, 3, at(2), 8, "6", "7"),
	)

	require.Len(t, res.Warnings, 2)
	assert.Equal(t, "arithmetic_degeneracy", ledger.WarningCode(res.Warnings[0]))
	assert.Equal(t, "reconciliation_ambiguity", ledger.WarningCode(res.Warnings[1]))
	assert.Equal(t, 3, res.Applied)
}

// =============================================================================
// ROLLBACK
// =============================================================================

func TestEngine_RollbackRoundTrip(t *testing.T) {
	// GIVEN: A full replay through t=600
	// WHEN: Rolling back to t=300 and replaying the same set
	// THEN: The state is identical to the pre-rollback state
	txs := mixedHistory(t)
	e := ledger.NewEngine(testItem, ledger.DefaultPricing())
	want := replayAll(t, e, txs...).State
	wantLog := e.Log().Entries()

	evicted := e.Rollback(at(300))

	require.Len(t, evicted, 4)
	assert.Equal(t, ledger.TransactionID(3), evicted[0].TransactionID)
	assert.Equal(t, []ledger.TransactionID{1, 2}, e.Log().IDs())
	assert.True(t, e.State().Derived.Equal(wantLog[1].Derived), "state rewinds to the preceding snapshot")

	res := replayAll(t, e, txs...)
	assert.Equal(t, 4, res.Applied)
	assert.True(t, want.Derived.Equal(res.State.Derived))
}

func TestEngine_RollbackBeforeEverything(t *testing.T) {
	e := ledger.NewEngine(testItem, ledger.DefaultPricing())
	replayAll(t, e, mixedHistory(t)...)

	evicted := e.Rollback(at(0))

	assert.Len(t, evicted, 6)
	assert.Equal(t, 0, e.Log().Len())
	assert.Equal(t, ledger.EmptyState(testItem), e.State())
}

func TestEngine_OutOfOrderRecoversAfterRollback(t *testing.T) {
	e := ledger.NewEngine(testItem, ledger.DefaultPricing())
	t1 := newTx(t, ledger.KindPurchase, 1, at(100), 10, "100")
	t3 := newTx(t, ledger.KindPurchase, 3, at(300), 10, "300")
	replayAll(t, e, t1, t3)

	t2 := newTx(t, ledger.KindSale, 2, at(200), 10, "150")
	_, err := e.Replay(context.Background(), []ledger.Transaction{t1, t2, t3}, nil)
	require.ErrorIs(t, err, ledger.ErrOutOfOrderReplay)

	e.Rollback(t2.Timestamp)
	res := replayAll(t, e, t1, t2, t3)

	want, _ := applyAll(t, ledger.DefaultPricing(), t1, t2, t3)
	assert.True(t, want.Derived.Equal(res.State.Derived))
}

func TestRestoreEngine(t *testing.T) {
	txs := mixedHistory(t)
	full := ledger.NewEngine(testItem, ledger.DefaultPricing())
	replayAll(t, full, txs[:3]...)
	persisted := full.Log().Entries()
	// persisted order is not guaranteed
	persisted[0], persisted[2] = persisted[2], persisted[0]

	e := ledger.RestoreEngine(testItem, ledger.DefaultPricing(), persisted)

	assert.Equal(t, ledger.StatusConsistent, e.Status())
	assert.Equal(t, []ledger.TransactionID{1, 2, 3}, e.Log().IDs())
	assert.True(t, full.State().Derived.Equal(e.State().Derived))

	res := replayAll(t, e, txs...)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 3, res.Skipped)
}
