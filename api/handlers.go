/*
handlers.go - HTTP API handlers for the trade ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to ledger.Service.

ENDPOINTS:
  Transactions:
    POST   /api/transactions               Submit a transaction (replays its item)
    GET    /api/transactions/{id}          Transaction with derived values
    PUT    /api/transactions/{id}          Patch item/timestamp/quantity/price/cost override
    POST   /api/transactions/{id}/enable   Include in the input set
    POST   /api/transactions/{id}/disable  Exclude from the input set
    DELETE /api/transactions/{id}          Remove

  Items:
    GET    /api/items                      Current state of every item
    GET    /api/items/{id}/state           Current state
    GET    /api/items/{id}/transactions    All transactions, disabled included
    GET    /api/items/{id}/snapshots       Execution log
    POST   /api/items/{id}/replay          Replay
    POST   /api/items/{id}/rollback        Roll back to a timestamp
    POST   /api/items/{id}/reset           Roll back everything and replay
    PUT    /api/items/{id}                 Set name and tax cutoff (resets the item)

  Admin:
    POST   /api/replay                     Replay every item

  Scenarios (see scenarios.go):
    GET    /api/scenarios                  List demo scenarios
    GET    /api/scenarios/current          Currently loaded scenario
    POST   /api/scenarios/load             Reset and load a scenario

REQUEST FLOW:
  1. Parse HTTP request
  2. Call ledger.Service (validation happens there)
  3. Serialize response
  4. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed transaction, invalid input
  - 404: Unknown transaction
  - 409: Out-of-order replay
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/trade-ledger/ledger"
	"github.com/warp/trade-ledger/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Service *ledger.Service
	log     zerolog.Logger

	// Scenario state
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(store *sqlite.Store, svc *ledger.Service, log zerolog.Logger) *Handler {
	return &Handler{
		Store:   store,
		Service: svc,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// SubmitTransaction stores a new transaction and replays its item.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req SubmitTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := ledger.TransactionInput{
		Item:         ledger.ItemID(req.ItemID),
		Timestamp:    time.Unix(req.Timestamp, 0),
		Quantity:     req.Quantity,
		Price:        req.Price,
		Manual:       req.Manual,
		Disabled:     req.Disabled,
		CostOverride: req.CostOverride,
	}
	if req.Timestamp == 0 {
		in.Timestamp = time.Time{}
	}

	var (
		kind ledger.Kind
		err  error
	)
	switch {
	case req.Kind != "":
		kind, err = ledger.ParseKind(req.Kind)
	case req.Tag != "":
		kind, in.Manual, err = ledger.ParseTag(req.Tag, req.IsBuy)
	default:
		err = &ledger.MalformedTransactionError{Field: "kind", Reason: "kind or tag is required"}
	}
	if err != nil {
		h.writeLedgerError(w, "Invalid transaction", err)
		return
	}

	rec, err := h.Service.Submit(r.Context(), kind, in)
	if err != nil {
		h.writeLedgerError(w, "Failed to submit transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(rec))
}

// GetTransaction returns a transaction with its derived values.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}
	rec, err := h.Store.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(rec))
}

// UpdateTransaction patches a transaction and replays every affected item.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch := ledger.TransactionPatch{
		Quantity:     req.Quantity,
		Price:        req.Price,
		CostOverride: req.CostOverride,
	}
	if req.ItemID != nil {
		item := ledger.ItemID(*req.ItemID)
		patch.Item = &item
	}
	if req.Timestamp != nil {
		ts := time.Unix(*req.Timestamp, 0)
		patch.Timestamp = &ts
	}

	rec, err := h.Service.Update(r.Context(), id, patch)
	if err != nil {
		h.writeLedgerError(w, "Failed to update transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(rec))
}

// EnableTransaction includes a transaction in its item's input set.
func (h *Handler) EnableTransaction(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableTransaction excludes a transaction from its item's input set.
func (h *Handler) DisableTransaction(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}
	rec, err := h.Service.SetEnabled(r.Context(), id, enabled)
	if err != nil {
		h.writeLedgerError(w, "Failed to update transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(rec))
}

// DeleteTransaction removes a transaction and replays its item.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}
	if err := h.Service.Delete(r.Context(), id); err != nil {
		h.writeLedgerError(w, "Failed to delete transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "deleted",
		"transaction_id": int64(id),
	})
}

// =============================================================================
// ITEM HANDLERS
// =============================================================================

// ListItems returns the current state of every item with transactions.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	items, err := h.Store.ListItems(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list items", err)
		return
	}

	states := make([]StateDTO, 0, len(items))
	for _, item := range items {
		state, err := h.Service.CurrentState(ctx, item)
		if err != nil {
			h.writeLedgerError(w, "Failed to load state", err)
			return
		}
		states = append(states, toStateDTO(state))
	}
	writeJSON(w, http.StatusOK, states)
}

// GetState returns the state after the last applied transaction.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	item, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	state, err := h.Service.CurrentState(r.Context(), item)
	if err != nil {
		h.writeLedgerError(w, "Failed to load state", err)
		return
	}
	writeJSON(w, http.StatusOK, toStateDTO(state))
}

// GetItemTransactions returns every transaction of an item in replay order.
func (h *Handler) GetItemTransactions(w http.ResponseWriter, r *http.Request) {
	item, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	recs, err := h.Store.ListTransactions(r.Context(), item)
	if err != nil {
		h.writeLedgerError(w, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toTransactionDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSnapshots returns the execution log of an item.
func (h *Handler) GetSnapshots(w http.ResponseWriter, r *http.Request) {
	item, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	snaps, err := h.Service.Snapshots(r.Context(), item)
	if err != nil {
		h.writeLedgerError(w, "Failed to load snapshots", err)
		return
	}

	dtos := make([]SnapshotDTO, len(snaps))
	for i, s := range snaps {
		dtos[i] = toSnapshotDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReplayItem brings one item up to date.
func (h *Handler) ReplayItem(w http.ResponseWriter, r *http.Request) {
	item, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	report, err := h.Service.Replay(r.Context(), item)
	if err != nil {
		h.writeLedgerError(w, "Replay failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReplayReportDTO(report))
}

// RollbackItem discards derived values at or after a timestamp.
func (h *Handler) RollbackItem(w http.ResponseWriter, r *http.Request) {
	item, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	report, err := h.Service.RollbackTo(ctx, item, time.Unix(req.Timestamp, 0))
	if err != nil {
		h.writeLedgerError(w, "Rollback failed", err)
		return
	}
	dto := toRollbackDTO(report)

	if req.Replay {
		replay, err := h.Service.Replay(ctx, item)
		if err != nil {
			h.writeLedgerError(w, "Replay after rollback failed", err)
			return
		}
		replayDTO := toReplayReportDTO(replay)
		dto.Replay = &replayDTO
	}
	writeJSON(w, http.StatusOK, dto)
}

// ResetItem rolls back every derived value of an item and replays it.
func (h *Handler) ResetItem(w http.ResponseWriter, r *http.Request) {
	item, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	report, err := h.Service.ResetItem(r.Context(), item)
	if err != nil {
		h.writeLedgerError(w, "Reset failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReplayReportDTO(report))
}

// SaveItem stores item metadata. The tax cutoff changes every derived value,
// so the item is reset.
func (h *Handler) SaveItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	var req SaveItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	item := sqlite.Item{ID: id, Name: req.Name}
	if req.TaxCutoff != nil {
		t := time.Unix(*req.TaxCutoff, 0).UTC()
		item.TaxCutoff = &t
	}

	ctx := r.Context()
	if err := h.Store.SaveItem(ctx, item); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save item", err)
		return
	}
	report, err := h.Service.ResetItem(ctx, id)
	if err != nil {
		h.writeLedgerError(w, "Item saved but replay failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"item":   toItemDTO(item),
		"replay": toReplayReportDTO(report),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ReplayAll replays every item.
func (h *Handler) ReplayAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Service.ReplayAll(r.Context())
	if err != nil {
		h.writeLedgerError(w, "Replay failed", err)
		return
	}

	dtos := make([]ReplayReportDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toReplayReportDTO(rep)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health reports whether the database is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError picks the status from the ledger error category.
func (h *Handler) writeLedgerError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case ledger.IsClientError(err):
		status = http.StatusBadRequest
	case ledger.IsConflict(err):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrStoreRequired):
		status = http.StatusNotImplemented
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(message)
	}
	writeError(w, status, message, err)
}

func transactionIDParam(w http.ResponseWriter, r *http.Request) (ledger.TransactionID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid transaction id", err)
		return 0, false
	}
	return ledger.TransactionID(id), true
}

func itemIDParam(w http.ResponseWriter, r *http.Request) (ledger.ItemID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid item id", err)
		return 0, false
	}
	return ledger.ItemID(id), true
}
