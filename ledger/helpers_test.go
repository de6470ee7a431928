package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/trade-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testItem ledger.ItemID = 561

// base is well after the default tax cutoff.
var base = time.Unix(1_700_000_000, 0).UTC()

func at(offset int64) time.Time {
	return base.Add(time.Duration(offset) * time.Second)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTx(t *testing.T, kind ledger.Kind, id ledger.TransactionID, ts time.Time, qty int64, price string) ledger.Transaction {
	t.Helper()
	tx, err := ledger.NewTransaction(kind, ledger.TransactionInput{
		ID:        id,
		Item:      testItem,
		Timestamp: ts,
		Quantity:  qty,
		Price:     dec(price),
	})
	require.NoError(t, err)
	return tx
}

func stockCount(t *testing.T, id ledger.TransactionID, ts time.Time, counted int64, price, override string) ledger.Transaction {
	t.Helper()
	tx, err := ledger.NewTransaction(ledger.KindStockCount, ledger.TransactionInput{
		ID:           id,
		Item:         testItem,
		Timestamp:    ts,
		Quantity:     counted,
		Price:        dec(price),
		CostOverride: dec(override),
	})
	require.NoError(t, err)
	return tx
}

// applyAll feeds txs through Apply in the given order.
func applyAll(t *testing.T, p ledger.Pricing, txs ...ledger.Transaction) (ledger.State, []ledger.Warning) {
	t.Helper()
	state := ledger.EmptyState(testItem)
	var warnings []ledger.Warning
	for _, tx := range txs {
		next, _, w, err := ledger.Apply(state, tx, p)
		require.NoError(t, err)
		state = next
		warnings = append(warnings, w...)
	}
	return state, warnings
}

// assertDecimal compares numerically so "150" equals "150.00".
func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}
