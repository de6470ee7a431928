package mirror_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trade-ledger/ledger"
	"github.com/warp/trade-ledger/ledger/mirror"
)

const item ledger.ItemID = 4151

// randomHistory draws n transactions around the tax cutoff, with prices on
// both sides of the rounding threshold.
func randomHistory(t *testing.T, rng *rand.Rand, n int) []ledger.Transaction {
	t.Helper()
	start := ledger.DefaultTaxCutoff.Add(-time.Duration(n/2) * time.Second)
	txs := make([]ledger.Transaction, 0, n)

	for i := 1; i <= n; i++ {
		kind := ledger.Kinds[rng.Intn(len(ledger.Kinds))]
		if kind == ledger.KindBond {
			kind = ledger.KindPurchase
		}
		in := ledger.TransactionInput{
			ID:        ledger.TransactionID(i),
			Item:      item,
			Timestamp: start.Add(time.Duration(rng.Intn(n)) * time.Second),
			Quantity:  rng.Int63n(40),
			Price:     decimal.New(rng.Int63n(60_000), -2),
			Disabled:  rng.Intn(10) == 0,
		}
		if kind == ledger.KindStockCount && rng.Intn(3) == 0 {
			in.CostOverride = decimal.New(rng.Int63n(60_000), -2)
		}
		tx, err := ledger.NewTransaction(kind, in)
		require.NoError(t, err)
		txs = append(txs, tx)
	}
	return txs
}

func TestCompute_MatchesEngine(t *testing.T) {
	// GIVEN: Random transaction sets
	// WHEN: Replayed by the engine and recomputed by the mirror
	// THEN: Every row agrees
	rng := rand.New(rand.NewSource(42))
	p := ledger.DefaultPricing()

	for round := 0; round < 50; round++ {
		txs := randomHistory(t, rng, 60)

		var snaps []ledger.Snapshot
		e := ledger.NewEngine(item, p)
		_, err := e.Replay(context.Background(), txs, func(r ledger.Result) error {
			snaps = append(snaps, r.Snapshot)
			return nil
		})
		require.NoError(t, err)

		rows := mirror.Compute(txs, p)
		require.Len(t, rows, len(snaps), "round %d", round)
		for i, row := range rows {
			assert.Equal(t, snaps[i].TransactionID, row.ID, "round %d row %d", round, i)
			assert.Truef(t, snaps[i].Derived.Equal(row.Values),
				"round %d tx %d: engine %+v, mirror %+v", round, row.ID, snaps[i].Derived, row.Values)
		}
	}
}

func TestFinal(t *testing.T) {
	p := ledger.DefaultPricing()
	assert.True(t, mirror.Final(nil, p).IsZero())

	buy, err := ledger.NewTransaction(ledger.KindPurchase, ledger.TransactionInput{
		ID: 1, Item: item, Timestamp: time.Unix(1_700_000_000, 0), Quantity: 100, Price: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	sell, err := ledger.NewTransaction(ledger.KindSale, ledger.TransactionInput{
		ID: 2, Item: item, Timestamp: time.Unix(1_700_000_001, 0), Quantity: 100, Price: decimal.NewFromInt(15),
	})
	require.NoError(t, err)

	got := mirror.Final([]ledger.Transaction{sell, buy}, p)

	assert.True(t, decimal.NewFromInt(485).Equal(got.Profit), got.Profit.String())
	assert.Equal(t, int64(0), got.Balance)
}
