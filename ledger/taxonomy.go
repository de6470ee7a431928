package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// KIND - Closed set of transaction variants
// =============================================================================

// Kind selects the transition function applied to a transaction.
type Kind int

const (
	KindPurchase Kind = iota + 1
	KindSale
	KindCorrection
	KindConsumption
	KindProduction
	KindStockCount
	KindBond
)

// BondItemID is the item every bond purchase is booked against.
const BondItemID ItemID = 13190

// Kinds lists every variant in declaration order.
var Kinds = []Kind{
	KindPurchase, KindSale, KindCorrection, KindConsumption,
	KindProduction, KindStockCount, KindBond,
}

type kindInfo struct {
	name      string
	tag       string
	manualTag string
	direction Direction
}

var kindTable = map[Kind]kindInfo{
	KindPurchase:    {name: "purchase", tag: "b", manualTag: "B", direction: Acquire},
	KindSale:        {name: "sale", tag: "s", manualTag: "S", direction: Relinquish},
	KindCorrection:  {name: "correction", tag: "d", manualTag: "d", direction: Acquire},
	KindConsumption: {name: "consumption", tag: "C", manualTag: "C", direction: Relinquish},
	KindProduction:  {name: "production", tag: "P", manualTag: "P", direction: Acquire},
	KindStockCount:  {name: "stock_count", tag: "X", manualTag: "X", direction: Relinquish},
	KindBond:        {name: "bond", tag: "o", manualTag: "o", direction: Acquire},
}

func (k Kind) String() string {
	if info, ok := kindTable[k]; ok {
		return info.name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the seven kinds.
func (k Kind) Valid() bool {
	_, ok := kindTable[k]
	return ok
}

// Tag returns the single-letter tag. Only purchases and sales distinguish
// manual entries, by upper case.
func (k Kind) Tag(manual bool) string {
	info := kindTable[k]
	if manual {
		return info.manualTag
	}
	return info.tag
}

// Direction returns the direction fixed by the kind. A stock count's real
// effect is computed during replay; it is stored as relinquishing.
func (k Kind) Direction() Direction {
	return kindTable[k].direction
}

// ParseKind resolves a kind by name, e.g. "purchase" or "stock_count".
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, info := range kindTable {
		if info.name == name {
			return k, nil
		}
	}
	return 0, &MalformedTransactionError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", name), Cause: ErrUnknownTag}
}

// ParseTag resolves a persisted tag. Legacy tags are normalized first:
// "" and "m" become manual purchase/sale, "e" and "p" become imported
// purchase/sale (picked by acquiring), "c" becomes a correction.
func ParseTag(tag string, acquiring bool) (kind Kind, manual bool, err error) {
	switch tag {
	case "", "m":
		tag = pick(acquiring, "B", "S")
	case "e", "p":
		tag = pick(acquiring, "b", "s")
	case "c":
		tag = "d"
	}

	switch tag {
	case "b":
		return KindPurchase, false, nil
	case "B":
		return KindPurchase, true, nil
	case "s":
		return KindSale, false, nil
	case "S":
		return KindSale, true, nil
	case "d":
		return KindCorrection, false, nil
	case "C":
		return KindConsumption, false, nil
	case "P":
		return KindProduction, false, nil
	case "X":
		return KindStockCount, false, nil
	case "o":
		return KindBond, false, nil
	}
	return 0, false, &MalformedTransactionError{Field: "tag", Reason: fmt.Sprintf("unknown tag %q", tag), Cause: ErrUnknownTag}
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

// TransactionInput carries the caller-supplied fields of a new transaction.
// Direction and, for bonds, the item are fixed by the kind.
type TransactionInput struct {
	ID           TransactionID
	Item         ItemID
	Timestamp    time.Time
	Quantity     int64
	Price        decimal.Decimal
	Manual       bool
	Disabled     bool
	CostOverride decimal.Decimal
	UpdatedAt    time.Time
}

// NewTransaction builds a transaction of the given kind and validates it.
func NewTransaction(kind Kind, in TransactionInput) (Transaction, error) {
	if !kind.Valid() {
		return Transaction{}, &MalformedTransactionError{ID: in.ID, Field: "kind", Reason: kind.String(), Cause: ErrUnknownTag}
	}

	item := in.Item
	if kind == KindBond {
		item = BondItemID
	}
	manual := in.Manual && (kind == KindPurchase || kind == KindSale)

	updated := in.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	tx := Transaction{
		ID:           in.ID,
		Item:         item,
		Timestamp:    normalizeTime(in.Timestamp),
		Direction:    kind.Direction(),
		Quantity:     in.Quantity,
		Price:        in.Price,
		Enabled:      !in.Disabled,
		Kind:         kind,
		Manual:       manual,
		CostOverride: in.CostOverride,
		UpdatedAt:    normalizeTime(updated),
	}
	if err := tx.Validate(); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// FromRecord rebuilds a transaction from its persisted tag and direction flag.
func FromRecord(tag string, acquiring bool, in TransactionInput) (Transaction, error) {
	kind, manual, err := ParseTag(tag, acquiring)
	if err != nil {
		var mte *MalformedTransactionError
		if errors.As(err, &mte) {
			mte.ID = in.ID
		}
		return Transaction{}, err
	}
	in.Manual = manual
	return NewTransaction(kind, in)
}

// Validate checks the fields every kind requires.
func (t Transaction) Validate() error {
	if !t.Kind.Valid() {
		return &MalformedTransactionError{ID: t.ID, Field: "kind", Reason: t.Kind.String(), Cause: ErrUnknownTag}
	}
	if t.Direction != t.Kind.Direction() {
		return malformed(t.ID, "direction", fmt.Sprintf("%s is fixed to %s", t.Kind, t.Kind.Direction()))
	}
	if t.Item <= 0 {
		return malformed(t.ID, "item", "missing item id")
	}
	if t.Kind == KindBond && t.Item != BondItemID {
		return malformed(t.ID, "item", fmt.Sprintf("bond must target item %d", BondItemID))
	}
	if t.Timestamp.IsZero() {
		return malformed(t.ID, "timestamp", "missing timestamp")
	}
	if t.Quantity < 0 {
		return malformed(t.ID, "quantity", "must not be negative")
	}
	if t.Price.IsNegative() {
		return malformed(t.ID, "price", "must not be negative")
	}
	if !t.CostOverride.IsZero() && t.Kind != KindStockCount {
		return malformed(t.ID, "cost_override", "only stock counts may override cost")
	}
	if t.CostOverride.IsNegative() {
		return malformed(t.ID, "cost_override", "must not be negative")
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Second)
}
