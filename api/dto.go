/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

ENCODING:
  - Timestamps are unix seconds; a formatted "time" is added for humans
  - Decimals are JSON strings ("12.50"); requests accept numbers too

VALIDATION:
  Validation is done by the ledger package, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/trade-ledger/ledger"
	"github.com/warp/trade-ledger/store/sqlite"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SubmitTransactionRequest creates a transaction. Either Kind ("purchase",
// "stock_count", ...) or Tag plus IsBuy selects the variant.
type SubmitTransactionRequest struct {
	Kind         string          `json:"kind,omitempty"`
	Tag          string          `json:"tag,omitempty"`
	IsBuy        bool            `json:"is_buy,omitempty"`
	ItemID       int64           `json:"item_id"`
	Timestamp    int64           `json:"timestamp"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Manual       bool            `json:"manual,omitempty"`
	Disabled     bool            `json:"disabled,omitempty"`
	CostOverride decimal.Decimal `json:"cost_override"`
}

// UpdateTransactionRequest patches the updatable fields of a transaction.
type UpdateTransactionRequest struct {
	ItemID       *int64           `json:"item_id,omitempty"`
	Timestamp    *int64           `json:"timestamp,omitempty"`
	Quantity     *int64           `json:"quantity,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	CostOverride *decimal.Decimal `json:"cost_override,omitempty"`
}

// RollbackRequest rolls an item back to Timestamp, optionally replaying
// right after.
type RollbackRequest struct {
	Timestamp int64 `json:"timestamp"`
	Replay    bool  `json:"replay"`
}

// SaveItemRequest sets item metadata. A null tax_cutoff restores the default.
type SaveItemRequest struct {
	Name      string `json:"name"`
	TaxCutoff *int64 `json:"tax_cutoff"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// DerivedDTO holds post-transaction values.
type DerivedDTO struct {
	AverageCost decimal.Decimal `json:"average_cost"`
	Balance     int64           `json:"balance"`
	Profit      decimal.Decimal `json:"profit"`
	Tax         decimal.Decimal `json:"tax"`
	Value       decimal.Decimal `json:"value"`
	Purchases   int64           `json:"n_purchases"`
	Bought      int64           `json:"n_bought"`
	Sales       int64           `json:"n_sales"`
	Sold        int64           `json:"n_sold"`
}

// TransactionDTO represents a transaction and its derived values.
type TransactionDTO struct {
	ID           int64           `json:"id"`
	ItemID       int64           `json:"item_id"`
	Timestamp    int64           `json:"timestamp"`
	Time         string          `json:"time"`
	Kind         string          `json:"kind"`
	Tag          string          `json:"tag"`
	IsBuy        bool            `json:"is_buy"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Enabled      bool            `json:"enabled"`
	Manual       bool            `json:"manual"`
	CostOverride decimal.Decimal `json:"cost_override"`
	UpdatedAt    int64           `json:"updated_at"`
	Derived      DerivedDTO      `json:"derived"`
}

// StateDTO is the current ledger state of an item.
type StateDTO struct {
	ItemID int64 `json:"item_id"`
	DerivedDTO
}

// SnapshotDTO is one execution log entry.
type SnapshotDTO struct {
	TransactionID int64  `json:"transaction_id"`
	ItemID        int64  `json:"item_id"`
	Timestamp     int64  `json:"timestamp"`
	Kind          string `json:"kind"`
	DerivedDTO
}

// WarningDTO is a recoverable replay condition.
type WarningDTO struct {
	Code          string `json:"code"`
	TransactionID int64  `json:"transaction_id"`
	Message       string `json:"message"`
}

// ReplayReportDTO summarizes one item replay.
type ReplayReportDTO struct {
	ItemID      int64        `json:"item_id"`
	Applied     int          `json:"applied"`
	Skipped     int          `json:"skipped"`
	Invalidated []int64      `json:"invalidated"`
	Warnings    []WarningDTO `json:"warnings"`
	State       StateDTO     `json:"state"`
	Error       string       `json:"error,omitempty"`
}

// RollbackDTO summarizes one rollback.
type RollbackDTO struct {
	ItemID      int64            `json:"item_id"`
	Cutoff      int64            `json:"cutoff"`
	Invalidated []int64          `json:"invalidated"`
	Pending     int              `json:"pending"`
	State       StateDTO         `json:"state"`
	Replay      *ReplayReportDTO `json:"replay,omitempty"`
}

// ItemDTO is item metadata.
type ItemDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	TaxCutoff *int64 `json:"tax_cutoff"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toDerivedDTO(d ledger.Derived) DerivedDTO {
	return DerivedDTO{
		AverageCost: d.AverageCost,
		Balance:     d.Balance,
		Profit:      d.Profit,
		Tax:         d.Tax,
		Value:       d.Value,
		Purchases:   d.Purchases,
		Bought:      d.Bought,
		Sales:       d.Sales,
		Sold:        d.Sold,
	}
}

func toTransactionDTO(rec ledger.Record) TransactionDTO {
	return TransactionDTO{
		ID:           int64(rec.ID),
		ItemID:       int64(rec.Item),
		Timestamp:    rec.Timestamp.Unix(),
		Time:         rec.Timestamp.UTC().Format(time.RFC3339),
		Kind:         rec.Kind.String(),
		Tag:          rec.Tag(),
		IsBuy:        rec.Direction.IsAcquire(),
		Quantity:     rec.Quantity,
		Price:        rec.Price,
		Enabled:      rec.Enabled,
		Manual:       rec.Manual,
		CostOverride: rec.CostOverride,
		UpdatedAt:    rec.UpdatedAt.Unix(),
		Derived:      toDerivedDTO(rec.Derived),
	}
}

func toStateDTO(s ledger.State) StateDTO {
	return StateDTO{ItemID: int64(s.Item), DerivedDTO: toDerivedDTO(s.Derived)}
}

func toSnapshotDTO(s ledger.Snapshot) SnapshotDTO {
	return SnapshotDTO{
		TransactionID: int64(s.TransactionID),
		ItemID:        int64(s.Item),
		Timestamp:     s.Timestamp.Unix(),
		Kind:          s.Kind.String(),
		DerivedDTO:    toDerivedDTO(s.Derived),
	}
}

func toReplayReportDTO(r ledger.ReplayReport) ReplayReportDTO {
	dto := ReplayReportDTO{
		ItemID:      int64(r.Item),
		Applied:     r.Applied,
		Skipped:     r.Skipped,
		Invalidated: toIDs(r.Invalidated),
		Warnings:    make([]WarningDTO, len(r.Warnings)),
		State:       toStateDTO(r.State),
	}
	for i, w := range r.Warnings {
		dto.Warnings[i] = WarningDTO{
			Code:          ledger.WarningCode(w),
			TransactionID: int64(w.TransactionID),
			Message:       w.Message,
		}
	}
	if r.Err != nil {
		dto.Error = r.Err.Error()
	}
	return dto
}

func toRollbackDTO(r ledger.RollbackReport) RollbackDTO {
	return RollbackDTO{
		ItemID:      int64(r.Item),
		Cutoff:      r.Cutoff.Unix(),
		Invalidated: toIDs(r.Invalidated),
		Pending:     r.Pending,
		State:       toStateDTO(r.State),
	}
}

func toItemDTO(item sqlite.Item) ItemDTO {
	dto := ItemDTO{ID: int64(item.ID), Name: item.Name}
	if item.TaxCutoff != nil {
		ts := item.TaxCutoff.Unix()
		dto.TaxCutoff = &ts
	}
	return dto
}

func toIDs(ids []ledger.TransactionID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
