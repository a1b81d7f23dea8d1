/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a company,
	drivers, deduction rules and a week of activity in the company's last
	completed pay period, ready for POST .../settlements/generate.

AVAILABLE SCENARIOS:

	weekly-fleet:      Three drivers on different pay types with escrow,
	                   lease, insurance, per diem, fuel, advances, expenses
	stop-limit-payoff: One lease rule $50 short of payoff on a $2,000 week
	idle-drivers:      One driver with loads, one without (skip reporting)

HOW SCENARIOS WORK:
 1. Reset the store
 2. Create company and drivers
 3. Create rules (templates and JSON via factory)
 4. Add activity dated inside the last completed period

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "weekly-fleet"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: generation and workflow endpoints
  - factory/rule.go: rule templates and JSON parsing
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "weekly-fleet",
		Name:        "Weekly Fleet",
		Description: "Per-mile, percentage and per-load drivers with recurring deductions and activity",
	},
	{
		ID:          "stop-limit-payoff",
		Name:        "Stop-Limit Payoff",
		Description: "Lease deduction clipped to its remaining headroom, then dropped once paid off",
	},
	{
		ID:          "idle-drivers",
		Name:        "Idle Drivers",
		Description: "One driver with loads and one without: created vs skipped",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		if settlement.IsClientError(err) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase wipes the store.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	var loader func(context.Context, *seed) error
	switch id {
	case "weekly-fleet":
		loader = loadWeeklyFleet
	case "stop-limit-payoff":
		loader = loadStopLimitPayoff
	case "idle-drivers":
		loader = loadIdleDrivers
	default:
		return &settlement.ValidationError{Field: "scenario_id", Message: fmt.Sprintf("unknown scenario %q", id)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.currentScenario = ""

	s := &seed{store: h.Store, rules: h.Rules, now: h.now().UTC()}
	if err := loader(ctx, s); err != nil {
		return err
	}
	if s.err != nil {
		return s.err
	}
	h.currentScenario = id
	h.logger.Info("scenario loaded", "scenario", id, "period", s.period.Key())
	return nil
}

// =============================================================================
// SEEDING HELPERS
// =============================================================================

// seed records the first error so loaders read as a flat list of facts.
type seed struct {
	store  settlement.Seeder
	rules  *factory.RuleFactory
	now    time.Time
	period settlement.Period
	err    error
	n      int
}

func (s *seed) do(err error) {
	if s.err == nil && err != nil {
		s.err = err
	}
}

// company saves a Monday..Sunday company and fixes the scenario period.
func (s *seed) company(ctx context.Context, id, name string) settlement.CompanyID {
	c := settlement.Company{
		ID:             settlement.CompanyID(id),
		Name:           name,
		Active:         true,
		PayPeriodStart: time.Monday,
		PayPeriodEnd:   time.Sunday,
	}
	p, err := c.PeriodConfig().LastCompleted(s.now)
	s.do(err)
	s.period = p
	s.do(s.store.SaveCompany(ctx, c))
	return c.ID
}

func (s *seed) driver(ctx context.Context, d settlement.Driver) settlement.Driver {
	d.Active = true
	s.do(s.store.SaveDriver(ctx, d))
	return d
}

// rule saves r with a creation time that preserves call order.
func (s *seed) rule(ctx context.Context, r settlement.DeductionRule) {
	s.n++
	r.CreatedAt = s.now.Add(-time.Hour).Add(time.Duration(s.n) * time.Millisecond)
	s.do(s.store.SaveRule(ctx, r))
}

// day returns 14:00 UTC on the given day offset into the scenario period.
func (s *seed) day(offset int) time.Time {
	return s.period.Start.AddDate(0, 0, offset).Add(14 * time.Hour)
}

func (s *seed) load(ctx context.Context, company settlement.CompanyID, driver settlement.DriverID, id string, dayOffset int, loaded, empty, revenue, fsc float64) settlement.LoadID {
	at := s.day(dayOffset)
	l := settlement.Load{
		ID:            settlement.LoadID(id),
		CompanyID:     company,
		DriverID:      driver,
		Number:        "L-" + id,
		Status:        settlement.LoadDelivered,
		DeliveredAt:   &at,
		LoadedMiles:   decimal.NewFromFloat(loaded),
		EmptyMiles:    decimal.NewFromFloat(empty),
		Revenue:       settlement.Dollars(revenue),
		FuelSurcharge: settlement.Dollars(fsc),
	}
	s.do(s.store.SaveLoad(ctx, l))
	return l.ID
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadWeeklyFleet(ctx context.Context, s *seed) error {
	co := s.company(ctx, "acme-freight", "Acme Freight")

	miles := s.driver(ctx, settlement.Driver{
		ID: "drv-miles", CompanyID: co, Number: "101", Name: "Dana Miles",
		PayType: settlement.PayPerMile, PayRate: decimal.RequireFromString("0.55"),
		EscrowTarget: settlement.Dollars(2500), EscrowWeeklyDeposit: settlement.Dollars(100),
	})
	pct := s.driver(ctx, settlement.Driver{
		ID: "drv-pct", CompanyID: co, Number: "102", Name: "Sam Percent",
		PayType: settlement.PayPercentage, PayRate: decimal.NewFromInt(25),
	})
	perLoad := s.driver(ctx, settlement.Driver{
		ID: "drv-load", CompanyID: co, Number: "103", Name: "Lee Loads",
		PayType: settlement.PayPerLoad, PayRate: settlement.Dollars(300),
	})

	// Rules
	if escrow, ok := factory.EscrowRule(miles, s.now); ok {
		s.rule(ctx, escrow)
	}
	s.rule(ctx, factory.EquipmentLeaseRule("lease-miles", miles.ID, settlement.Dollars(450), settlement.Dollars(18000), s.now))
	s.rule(ctx, factory.OccupationalAccidentRule("occacc-miles", miles.ID, settlement.Dollars(42.5), s.now))
	s.rule(ctx, factory.PerDiemRule("perdiem-miles", miles.ID, decimal.RequireFromString("0.08"), s.now))
	s.rule(ctx, factory.OccupationalAccidentRule("occacc-pct", pct.ID, settlement.Dollars(42.5), s.now))

	fuelCard, err := s.rules.ParseRule(`{
		"id": "fuelcard-load", "driver_id": "drv-load", "name": "Fuel card fee",
		"type": "FUEL_CARD_FEE", "category": "deduction", "amount": "15.00", "frequency": "WEEKLY"
	}`)
	if err != nil {
		return err
	}
	s.rule(ctx, fuelCard)

	// Activity
	l1 := s.load(ctx, co, miles.ID, "1001", 0, 620, 80, 2150, 210)
	s.load(ctx, co, miles.ID, "1002", 3, 540, 40, 1890, 180)
	l3 := s.load(ctx, co, pct.ID, "1003", 1, 410, 30, 1600, 150)
	s.load(ctx, co, pct.ID, "1004", 4, 380, 60, 1420, 140)
	s.load(ctx, co, perLoad.ID, "1005", 2, 220, 20, 900, 80)
	s.load(ctx, co, perLoad.ID, "1006", 5, 260, 10, 980, 90)

	s.do(s.store.SaveAccessorial(ctx, settlement.AccessorialCharge{
		ID: "acc-1", LoadID: l1, Type: settlement.AccessorialDetention,
		Description: "3h detention at receiver", Amount: settlement.Dollars(75), Approved: true,
	}))
	s.do(s.store.SaveExpense(ctx, settlement.LoadExpense{
		ID: "exp-toll", LoadID: l3, DriverID: pct.ID, Type: "TOLL", Treatment: settlement.ExpenseReimburse,
		Amount: settlement.Dollars(38.75), Vendor: "Turnpike", IncurredAt: s.day(1), Approved: true,
	}))
	s.do(s.store.SaveExpense(ctx, settlement.LoadExpense{
		ID: "exp-lumper", LoadID: l3, DriverID: pct.ID, Type: "LUMPER", Treatment: settlement.ExpenseChargeback,
		Amount: settlement.Dollars(60), Vendor: "Dock Services", IncurredAt: s.day(1), Approved: true,
	}))
	s.do(s.store.SaveFuelEntry(ctx, settlement.FuelEntry{
		ID: "fuel-1", DriverID: miles.ID, Gallons: decimal.NewFromInt(110), Amount: settlement.Dollars(412.3),
		Location: "Pilot #221", PurchasedAt: s.day(2), DriverChargeable: true,
	}))
	s.do(s.store.SaveAdvance(ctx, settlement.DriverAdvance{
		ID: "adv-1", DriverID: perLoad.ID, Amount: settlement.Dollars(150),
		Reason: "Road cash", IssuedAt: s.day(0), Approved: true,
	}))
	s.do(s.store.SaveInvoice(ctx, settlement.Invoice{
		ID: "inv-1", CompanyID: co, LoadIDs: []settlement.LoadID{l1, l3},
		Subtotal: settlement.Dollars(3750), FuelSurcharge: settlement.Dollars(360), IssuedAt: s.day(6),
	}))
	return nil
}

func loadStopLimitPayoff(ctx context.Context, s *seed) error {
	co := s.company(ctx, "payoff-logistics", "Payoff Logistics")
	d := s.driver(ctx, settlement.Driver{
		ID: "drv-payoff", CompanyID: co, Number: "201", Name: "Robin Payoff",
		PayType: settlement.PayPerLoad, PayRate: settlement.Dollars(1000),
	})

	rules, err := s.rules.ParseRules(`[{
		"id": "lease-payoff", "driver_id": "drv-payoff", "name": "Trailer lease",
		"type": "EQUIPMENT_LEASE", "category": "deduction",
		"amount": "150.00", "stop_limit": "300.00", "current_amount": "200.00",
		"frequency": "WEEKLY"
	}]`)
	if err != nil {
		return err
	}
	for _, r := range rules {
		s.rule(ctx, r)
	}

	s.load(ctx, co, d.ID, "2001", 1, 500, 50, 1800, 150)
	s.load(ctx, co, d.ID, "2002", 3, 480, 20, 1750, 140)
	return nil
}

func loadIdleDrivers(ctx context.Context, s *seed) error {
	co := s.company(ctx, "quiet-carriers", "Quiet Carriers")
	busy := s.driver(ctx, settlement.Driver{
		ID: "drv-busy", CompanyID: co, Number: "301", Name: "Busy Driver",
		PayType: settlement.PayHourly, PayRate: settlement.Dollars(28),
	})
	s.driver(ctx, settlement.Driver{
		ID: "drv-idle", CompanyID: co, Number: "302", Name: "Idle Driver",
		PayType: settlement.PayWeekly, PayRate: settlement.Dollars(1400),
	})
	s.load(ctx, co, busy.ID, "3001", 2, 450, 50, 1500, 120)
	return nil
}
