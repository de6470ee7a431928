/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built trade histories that populate the database through
	the ledger service, so every derived value is produced by a real
	replay. Each scenario shows one ledger rule at work.

AVAILABLE SCENARIOS:

	basic-trade:   Buy 100 at 10, sell 100 at 15 (profit net of tax)
	blended-cost:  Weighted average, half-unit rounding on expensive items
	cost-reset:    Buying into an empty position ignores the stale cost
	stock-count:   Deficit sold at the count price, cost override
	out-of-order:  Late submission of an earlier trade (rollback and replay)
	tax-cutoff:    Same sale one second before and at the item's cutoff

HOW SCENARIOS WORK:
 1. Remember which items currently exist
 2. Reset database (clear all data)
 3. Reset the remembered items so cached states are dropped
 4. Save item metadata (names, tax cutoffs)
 5. Submit the transactions in the listed order

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "out-of-order"}

ADDING NEW SCENARIOS:
 1. Add an entry to the 'scenarios' slice with ID, name and description
 2. List its items and steps; steps are submitted in order

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Transaction and item handlers
  - ledger/service.go: Submit
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/trade-ledger/ledger"
	"github.com/warp/trade-ledger/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// scenarioEpoch is well after the default tax cutoff.
var scenarioEpoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type scenarioStep struct {
	kind     ledger.Kind
	item     ledger.ItemID
	offset   time.Duration // from scenarioEpoch, or from the item cutoff when atCutoff is set
	atCutoff bool
	qty      int64
	price    string
	override string
}

type scenario struct {
	ScenarioDTO
	items []sqlite.Item
	steps []scenarioStep
}

var tradeCutoff = scenarioEpoch.Add(30 * 24 * time.Hour)

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "basic-trade",
			Name:        "Basic Trade",
			Description: "Buy 100 at 10, sell 100 at 15 with 1% tax",
		},
		items: []sqlite.Item{{ID: 561, Name: "Nature rune"}},
		steps: []scenarioStep{
			{kind: ledger.KindPurchase, item: 561, offset: 0, qty: 100, price: "10"},
			{kind: ledger.KindSale, item: 561, offset: time.Hour, qty: 100, price: "15"},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "blended-cost",
			Name:        "Blended Cost",
			Description: "Weighted average cost, rounded to half units above the threshold",
		},
		items: []sqlite.Item{{ID: 2, Name: "Steel cannonball"}, {ID: 11832, Name: "Bandos chestplate"}},
		steps: []scenarioStep{
			{kind: ledger.KindPurchase, item: 2, offset: 0, qty: 50, price: "100"},
			{kind: ledger.KindPurchase, item: 2, offset: time.Hour, qty: 50, price: "200"},
			{kind: ledger.KindPurchase, item: 11832, offset: 0, qty: 1, price: "300"},
			{kind: ledger.KindPurchase, item: 11832, offset: time.Hour, qty: 2, price: "301"},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "cost-reset",
			Name:        "Cost Reset",
			Description: "A purchase on an empty position takes the purchase price as cost",
		},
		items: []sqlite.Item{{ID: 453, Name: "Coal"}},
		steps: []scenarioStep{
			{kind: ledger.KindPurchase, item: 453, offset: 0, qty: 10, price: "100"},
			{kind: ledger.KindSale, item: 453, offset: time.Hour, qty: 10, price: "120"},
			{kind: ledger.KindPurchase, item: 453, offset: 2 * time.Hour, qty: 10, price: "300"},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "stock-count",
			Name:        "Stock Count",
			Description: "Counted 80 of 100 held: the deficit is sold at the count price",
		},
		items: []sqlite.Item{{ID: 440, Name: "Iron ore"}},
		steps: []scenarioStep{
			{kind: ledger.KindPurchase, item: 440, offset: 0, qty: 100, price: "40"},
			{kind: ledger.KindStockCount, item: 440, offset: time.Hour, qty: 80, price: "50"},
			{kind: ledger.KindProduction, item: 440, offset: 2 * time.Hour, qty: 20, price: "45"},
			{kind: ledger.KindStockCount, item: 440, offset: 3 * time.Hour, qty: 100, override: "42"},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "out-of-order",
			Name:        "Out of Order",
			Description: "T1, T3 then T2 are submitted; the ledger replays them as T1, T2, T3",
		},
		items: []sqlite.Item{{ID: 1515, Name: "Yew logs"}},
		steps: []scenarioStep{
			{kind: ledger.KindPurchase, item: 1515, offset: 100 * time.Second, qty: 10, price: "100"},
			{kind: ledger.KindPurchase, item: 1515, offset: 300 * time.Second, qty: 10, price: "300"},
			{kind: ledger.KindSale, item: 1515, offset: 200 * time.Second, qty: 10, price: "150"},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "tax-cutoff",
			Name:        "Tax Cutoff",
			Description: "Sales one second before and exactly at the item's tax cutoff",
		},
		items: []sqlite.Item{{ID: 1513, Name: "Magic logs", TaxCutoff: &tradeCutoff}},
		steps: []scenarioStep{
			{kind: ledger.KindPurchase, item: 1513, offset: -time.Hour, atCutoff: true, qty: 20, price: "1000"},
			{kind: ledger.KindSale, item: 1513, offset: -time.Second, atCutoff: true, qty: 10, price: "1200"},
			{kind: ledger.KindSale, item: 1513, offset: 0, atCutoff: true, qty: 10, price: "1200"},
		},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = ""

	ctx := r.Context()
	if err := h.resetAll(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := h.loadScenario(ctx, s); err != nil {
		h.writeLedgerError(w, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = s.ID

	h.log.Info().Str("scenario", s.ID).Int("transactions", len(s.steps)).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// resetAll clears the database. Items that existed before are reset too so
// no stale state survives in the cache.
func (h *Handler) resetAll(ctx context.Context) error {
	previous, err := h.Store.ListItems(ctx)
	if err != nil {
		return err
	}
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	for _, item := range previous {
		if _, err := h.Service.ResetItem(ctx, item); err != nil {
			return fmt.Errorf("reset item %d: %w", item, err)
		}
	}
	return nil
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) error {
	cutoffs := make(map[ledger.ItemID]time.Time, len(s.items))
	for _, item := range s.items {
		if err := h.Store.SaveItem(ctx, item); err != nil {
			return err
		}
		if item.TaxCutoff != nil {
			cutoffs[item.ID] = *item.TaxCutoff
		}
	}

	for i, step := range s.steps {
		at := scenarioEpoch
		if step.atCutoff {
			at = cutoffs[step.item]
		}
		in := ledger.TransactionInput{
			Item:      step.item,
			Timestamp: at.Add(step.offset),
			Quantity:  step.qty,
			Manual:    true,
		}
		if step.price != "" {
			in.Price = decimal.RequireFromString(step.price)
		}
		if step.override != "" {
			in.CostOverride = decimal.RequireFromString(step.override)
		}
		if _, err := h.Service.Submit(ctx, step.kind, in); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}
