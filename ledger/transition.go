/*
transition.go - Per-kind transition functions

PURPOSE:
  Applies one logical event to a ledger state. Every kind maps to exactly
  one transition function through the transitions table; a kind without an
  entry is rejected, never silently skipped.

CONTRACT:
  Apply(state, tx, pricing) -> (state', snapshot, warnings, error)
  - tx.Item must equal state.Item
  - exactly one counter pair (purchases/bought or sales/sold) moves
  - Value is recomputed from Balance and AverageCost
  - pure: no I/O, no access to other transactions

COST BASIS:
  Only acquisitions move the average cost. When the held balance is zero or
  negative, the incoming price replaces the cost outright. Otherwise the
  cost is the quantity-weighted blend of the positive balance and the new
  lot, truncated to cents and rounded to half units above the rounding
  threshold.

TAX:
  Relinquishing transitions at or after the item's tax cutoff pay
  min(price * rate, cap) per unit. Consumption is never taxed.
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// =============================================================================
// PRICING - Tax and rounding rules
// =============================================================================

// Pricing holds the market rules the transitions depend on.
type Pricing struct {
	TaxRate           decimal.Decimal // fraction of unit price, e.g. 0.01
	TaxCap            decimal.Decimal // per-unit maximum; zero means uncapped
	TaxCutoff         time.Time       // relinquishing at or after this is taxed
	RoundingThreshold decimal.Decimal // blended costs above this round to half units; zero disables
}

// DefaultTaxCutoff is when the exchange started charging tax.
var DefaultTaxCutoff = time.Unix(1639047600, 0).UTC()

// DefaultPricing returns the exchange rules: 1% tax capped at 5m per unit,
// rounding above 250.
func DefaultPricing() Pricing {
	return Pricing{
		TaxRate:           decimal.NewFromFloat(0.01),
		TaxCap:            decimal.NewFromInt(5_000_000),
		TaxCutoff:         DefaultTaxCutoff,
		RoundingThreshold: decimal.NewFromInt(250),
	}
}

// ForItem returns a copy of p that uses the item's own tax cutoff.
func (p Pricing) ForItem(cutoff time.Time) Pricing {
	if !cutoff.IsZero() {
		p.TaxCutoff = cutoff
	}
	return p
}

// TaxPerUnit returns the tax charged per unit sold at price at time at.
func (p Pricing) TaxPerUnit(price decimal.Decimal, at time.Time) decimal.Decimal {
	if at.Before(p.TaxCutoff) {
		return decimal.Zero
	}
	tax := price.Mul(p.TaxRate)
	if p.TaxCap.IsPositive() && tax.GreaterThan(p.TaxCap) {
		return p.TaxCap
	}
	return tax
}

// BlendCost returns the average cost after acquiring qty units at price on
// top of balance units held at cost.
func (p Pricing) BlendCost(cost decimal.Decimal, balance int64, price decimal.Decimal, qty int64) decimal.Decimal {
	if balance <= 0 {
		return price
	}
	held := decimal.NewFromInt(balance)
	incoming := decimal.NewFromInt(qty)

	blended := cost.Mul(held).Add(price.Mul(incoming)).Div(held.Add(incoming)).Truncate(2)
	if p.RoundingThreshold.IsPositive() && blended.GreaterThan(p.RoundingThreshold) {
		blended = blended.Mul(two).Round(0).Div(two)
	}
	return blended
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

type transitionFunc func(s Derived, tx Transaction, p Pricing) (Derived, []Warning)

var transitions = map[Kind]transitionFunc{
	KindPurchase:    acquire,
	KindSale:        sell,
	KindCorrection:  acquire,
	KindConsumption: consume,
	KindProduction:  acquire,
	KindStockCount:  countStock,
	KindBond:        acquire,
}

// Apply runs the transition selected by tx.Kind against state.
func Apply(state State, tx Transaction, p Pricing) (State, Snapshot, []Warning, error) {
	if tx.Item != state.Item {
		return state, Snapshot{}, nil, &MalformedTransactionError{
			ID:     tx.ID,
			Field:  "item",
			Reason: fmt.Sprintf("transaction item %d does not match ledger item %d", tx.Item, state.Item),
			Cause:  ErrItemMismatch,
		}
	}
	fn, ok := transitions[tx.Kind]
	if !ok {
		return state, Snapshot{}, nil, &MalformedTransactionError{ID: tx.ID, Field: "kind", Reason: tx.Kind.String(), Cause: ErrUnknownTag}
	}

	next, warnings := fn(state.Derived, tx, p)
	state.Derived = next.revalue()

	snap := Snapshot{
		TransactionID: tx.ID,
		Item:          tx.Item,
		Timestamp:     tx.Timestamp,
		Kind:          tx.Kind,
		Derived:       state.Derived,
	}
	return state, snap, warnings, nil
}

// acquire covers purchases, corrections, production and bonds.
func acquire(s Derived, tx Transaction, p Pricing) (Derived, []Warning) {
	if tx.Quantity == 0 && s.Balance <= 0 {
		return s, []Warning{{
			Code:          ErrArithmeticDegeneracy,
			TransactionID: tx.ID,
			Message:       fmt.Sprintf("%s of zero units on a balance of %d has no effect", tx.Kind, s.Balance),
		}}
	}

	s.AverageCost = p.BlendCost(s.AverageCost, s.Balance, tx.Price, tx.Quantity)
	s.Balance += tx.Quantity
	s.Purchases++
	s.Bought += tx.Quantity
	return s, nil
}

func sell(s Derived, tx Transaction, p Pricing) (Derived, []Warning) {
	tax := p.TaxPerUnit(tx.Price, tx.Timestamp)
	s = realize(s, tx.Price, tax, tx.Quantity)
	s.Balance -= tx.Quantity
	return s, nil
}

func consume(s Derived, tx Transaction, _ Pricing) (Derived, []Warning) {
	s.Balance -= tx.Quantity
	s.Sales++
	s.Sold += tx.Quantity
	return s, nil
}

// countStock anchors the balance to an externally counted quantity.
// Quantity reconciliation runs first, the cost override second.
func countStock(s Derived, tx Transaction, p Pricing) (Derived, []Warning) {
	var warnings []Warning
	counted := tx.Quantity
	deficit := s.Balance - counted
	override := tx.CostOverride.GreaterThan(one)

	if override && deficit != 0 {
		warnings = append(warnings, Warning{
			Code:          ErrReconciliationAmbiguity,
			TransactionID: tx.ID,
			Message: fmt.Sprintf("deficit of %d reconciled at cost %s before override to %s",
				deficit, s.AverageCost, tx.CostOverride),
		})
	}

	switch {
	case deficit > 0 && tx.Price.IsPositive():
		s = realize(s, tx.Price, p.TaxPerUnit(tx.Price, tx.Timestamp), deficit)
	case deficit > 0:
		s.Sales++
		s.Sold += deficit
	default:
		// surplus enters at the existing cost, so the cost basis is untouched
		s.Purchases++
		s.Bought += -deficit
	}

	s.Balance = counted
	if override {
		s.AverageCost = tx.CostOverride
	}
	return s, warnings
}

// realize books a disposal of qty units at price against the current cost.
func realize(s Derived, price, taxPerUnit decimal.Decimal, qty int64) Derived {
	units := decimal.NewFromInt(qty)
	s.Profit = s.Profit.Add(price.Sub(s.AverageCost).Sub(taxPerUnit).Mul(units))
	s.Tax = s.Tax.Add(taxPerUnit.Mul(units))
	s.Sales++
	s.Sold += qty
	return s
}
