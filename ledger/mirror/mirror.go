/*
Package mirror recomputes ledger rows the way a database trigger would.

PURPOSE:
  A second, independently written derivation of the per-transaction values.
  Every row is rebuilt from scratch by folding all enabled rows that sort at
  or before it; nothing is carried between rows. It is slow (quadratic) and
  exists only so tests can cross-check the replay engine.

  It shares no code with the engine's transition table. Only the public
  Pricing parameters are reused.
*/
package mirror

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/trade-ledger/ledger"
)

// Row is the derived value set of one transaction.
type Row struct {
	ID     ledger.TransactionID
	Values ledger.Derived
}

// Compute returns one row per enabled transaction, in replay order.
func Compute(txs []ledger.Transaction, p ledger.Pricing) []Row {
	ordered := make([]ledger.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Enabled {
			ordered = append(ordered, tx)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		return a.Timestamp.Before(b.Timestamp)
	})

	rows := make([]Row, len(ordered))
	for i := range ordered {
		rows[i] = Row{ID: ordered[i].ID, Values: aggregate(ordered[:i+1], p)}
	}
	return rows
}

// Final returns the values of the last row, or zero.
func Final(txs []ledger.Transaction, p ledger.Pricing) ledger.Derived {
	rows := Compute(txs, p)
	if len(rows) == 0 {
		return ledger.Derived{}
	}
	return rows[len(rows)-1].Values
}

func aggregate(prefix []ledger.Transaction, p ledger.Pricing) ledger.Derived {
	var (
		balance                        int64
		cost, profit, tax              decimal.Decimal
		purchases, bought, sales, sold int64
	)

	dispose := func(price decimal.Decimal, tx ledger.Transaction, units int64) {
		perUnit := taxFor(price, tx, p)
		n := decimal.NewFromInt(units)
		profit = profit.Add(price.Sub(cost).Sub(perUnit).Mul(n))
		tax = tax.Add(perUnit.Mul(n))
	}

	for _, tx := range prefix {
		qty := tx.Quantity
		switch {
		case tx.Kind == ledger.KindStockCount:
			surplus := qty - balance
			if surplus < 0 {
				if tx.Price.IsPositive() {
					dispose(tx.Price, tx, -surplus)
				}
				sales++
				sold -= surplus
			} else {
				purchases++
				bought += surplus
			}
			balance = qty
			if tx.CostOverride.GreaterThan(decimal.NewFromInt(1)) {
				cost = tx.CostOverride
			}

		case tx.Direction == ledger.Acquire:
			if qty == 0 && balance <= 0 {
				continue
			}
			if balance > 0 {
				cost = weighted(cost, balance, tx.Price, qty, p.RoundingThreshold)
			} else {
				cost = tx.Price
			}
			balance += qty
			purchases++
			bought += qty

		case tx.Kind == ledger.KindConsumption:
			balance -= qty
			sales++
			sold += qty

		default:
			dispose(tx.Price, tx, qty)
			balance -= qty
			sales++
			sold += qty
		}
	}

	return ledger.Derived{
		AverageCost: cost,
		Balance:     balance,
		Profit:      profit,
		Tax:         tax,
		Value:       cost.Mul(decimal.NewFromInt(balance)),
		Purchases:   purchases,
		Bought:      bought,
		Sales:       sales,
		Sold:        sold,
	}
}

func weighted(cost decimal.Decimal, held int64, price decimal.Decimal, qty int64, threshold decimal.Decimal) decimal.Decimal {
	h, q := decimal.NewFromInt(held), decimal.NewFromInt(qty)
	avg := cost.Mul(h).Add(price.Mul(q)).Div(h.Add(q))
	avg = avg.Shift(2).Floor().Shift(-2)
	if threshold.IsPositive() && avg.GreaterThan(threshold) {
		halves := avg.Mul(decimal.NewFromInt(2)).Round(0)
		avg = halves.Div(decimal.NewFromInt(2))
	}
	return avg
}

func taxFor(price decimal.Decimal, tx ledger.Transaction, p ledger.Pricing) decimal.Decimal {
	if tx.Timestamp.Unix() < p.TaxCutoff.Unix() {
		return decimal.Zero
	}
	t := price.Mul(p.TaxRate)
	if p.TaxCap.IsPositive() && t.Cmp(p.TaxCap) > 0 {
		t = p.TaxCap
	}
	return t
}
