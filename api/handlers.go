/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes generation, the approval workflow and read models over REST.
  Handlers parse and validate input, call the engine, and map typed engine
  errors to HTTP status codes.

ENDPOINTS:
  Generation:
    POST /api/companies/{id}/settlements/generate   Manual trigger
    GET  /api/companies/{id}/settlements/last-run   Latest generation run
    GET  /api/companies/{id}/settlements            List (status, period filters)
    GET  /api/companies/{id}/profitability          Reconciliation report

  Settlements:
    GET  /api/settlements/{id}                      Settlement with loads and line items
    GET  /api/settlements/{id}/approvals            Audit trail
    POST /api/settlements/{id}/submit|approve|reject|pay|cancel|recalculate

  Rules:
    GET  /api/drivers/{id}/rules                    Driver's rules (read-only)

ERROR HANDLING:
  - 400: ValidationError, malformed body
  - 404: unknown company, driver or settlement
  - 409: illegal transition, invariant violation, concurrent modification
  - 422: nothing to settle
  - 503: async dispatch and synchronous fallback both failed
  - 500: everything else

SECURITY NOTE:
  No authentication or authorization. Actor IDs are taken from the body.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the storage the API needs: the engine store plus demo seeding.
type Backend interface {
	settlement.TxStore
	settlement.Seeder
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Backend
	Trigger  *settlement.Trigger
	Workflow *settlement.Workflow
	Rules    *factory.RuleFactory

	logger *slog.Logger
	now    func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. A nil logger uses slog.Default().
func NewHandler(store Backend, trigger *settlement.Trigger, workflow *settlement.Workflow, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:    store,
		Trigger:  trigger,
		Workflow: workflow,
		Rules:    factory.NewRuleFactory(),
		logger:   logger.With("component", "api"),
		now:      time.Now,
	}
}

// =============================================================================
// GENERATION HANDLERS
// =============================================================================

// GenerateSettlements triggers generation for a company.
func (h *Handler) GenerateSettlements(w http.ResponseWriter, r *http.Request) {
	companyID := settlement.CompanyID(chi.URLParam(r, "id"))

	var req GenerateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	start, end, err := parseBounds(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	res, err := h.Trigger.Generate(r.Context(), companyID, start, end, settlement.TriggerManual)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	status := http.StatusOK
	if res.Mode == settlement.ModeAsync {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// GetLastRun returns the company's latest generation run, or null.
func (h *Handler) GetLastRun(w http.ResponseWriter, r *http.Request) {
	companyID := settlement.CompanyID(chi.URLParam(r, "id"))
	run, err := h.Trigger.GetLastRun(r.Context(), companyID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// ListSettlements lists a company's settlements.
// Query: status, periodStart + periodEnd (overlap), driverId.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := settlement.CompanyID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetCompany(ctx, companyID); err != nil {
		h.writeEngineError(w, err)
		return
	}

	q := r.URL.Query()
	filter := settlement.SettlementFilter{
		CompanyID: companyID,
		DriverID:  settlement.DriverID(q.Get("driverId")),
		Status:    settlement.Status(q.Get("status")),
	}
	if q.Get("periodStart") != "" || q.Get("periodEnd") != "" {
		p, err := settlement.ParsePeriod(q.Get("periodStart"), q.Get("periodEnd"))
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		filter.Period = &p
	}

	list, err := h.Store.ListSettlements(ctx, filter)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]SettlementDTO, 0, len(list))
	for _, s := range list {
		dtos = append(dtos, toSettlementDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetProfitability returns the reconciliation report. Without explicit
// dates the company's last completed period is used.
func (h *Handler) GetProfitability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := settlement.CompanyID(chi.URLParam(r, "id"))
	company, err := h.Store.GetCompany(ctx, companyID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	q := r.URL.Query()
	start, end, err := parseBounds(q.Get("periodStart"), q.Get("periodEnd"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	period, err := h.Trigger.ResolvePeriod(ctx, company, start, end)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	report, err := settlement.Profitability(ctx, h.Store, companyID, period)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProfitabilityDTO{
		PeriodStart:         period.Start.Format(settlement.DateLayout),
		PeriodEnd:           period.End.Format(settlement.DateLayout),
		ProfitabilityReport: report,
	})
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// GetSettlement returns one settlement with its loads and line items.
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	s, err := h.Store.GetSettlement(r.Context(), settlementID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

// ListApprovals returns the settlement's audit trail, oldest first.
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := settlementID(r)
	if _, err := h.Store.GetSettlement(ctx, id); err != nil {
		h.writeEngineError(w, err)
		return
	}
	approvals, err := h.Store.ListApprovals(ctx, id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]ApprovalDTO, 0, len(approvals))
	for _, a := range approvals {
		dtos = append(dtos, toApprovalDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// WORKFLOW HANDLERS
// =============================================================================

func (h *Handler) SubmitSettlement(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	h.respondTransition(w, r, func(ctx context.Context, id settlement.SettlementID) (settlement.Settlement, error) {
		return h.Workflow.Submit(ctx, id, req.ActorID, req.Notes)
	})
}

func (h *Handler) ApproveSettlement(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	h.respondTransition(w, r, func(ctx context.Context, id settlement.SettlementID) (settlement.Settlement, error) {
		return h.Workflow.Approve(ctx, id, req.ApproverID, req.Notes)
	})
}

func (h *Handler) RejectSettlement(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	h.respondTransition(w, r, func(ctx context.Context, id settlement.SettlementID) (settlement.Settlement, error) {
		return h.Workflow.Reject(ctx, id, req.ApproverID, req.Reason)
	})
}

func (h *Handler) PaySettlement(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	details := settlement.PaymentDetails{
		Method:    settlement.PaymentMethod(req.Method),
		Reference: req.Reference,
		ActorID:   req.ActorID,
	}
	if req.PaidDate != "" {
		d, err := time.Parse(settlement.DateLayout, req.PaidDate)
		if err != nil {
			h.writeEngineError(w, &settlement.ValidationError{Field: "paidDate", Message: "must be YYYY-MM-DD"})
			return
		}
		details.PaidDate = &d
	}
	h.respondTransition(w, r, func(ctx context.Context, id settlement.SettlementID) (settlement.Settlement, error) {
		return h.Workflow.Pay(ctx, id, details)
	})
}

func (h *Handler) CancelSettlement(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	h.respondTransition(w, r, func(ctx context.Context, id settlement.SettlementID) (settlement.Settlement, error) {
		return h.Workflow.Cancel(ctx, id, req.ActorID, req.Reason)
	})
}

func (h *Handler) RecalculateSettlement(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	h.respondTransition(w, r, func(ctx context.Context, id settlement.SettlementID) (settlement.Settlement, error) {
		return h.Workflow.Recalculate(ctx, id, req.ActorID)
	})
}

func (h *Handler) respondTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, settlement.SettlementID) (settlement.Settlement, error)) {
	s, err := fn(r.Context(), settlementID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListDriverRules returns a driver's rules in evaluation order.
func (h *Handler) ListDriverRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	driverID := settlement.DriverID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetDriver(ctx, driverID); err != nil {
		h.writeEngineError(w, err)
		return
	}
	rules, err := h.Store.ListRules(ctx, driverID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	out := make([]factory.RuleJSON, 0, len(rules))
	for _, rule := range rules {
		out = append(out, h.Rules.ToJSON(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func settlementID(r *http.Request) settlement.SettlementID {
	return settlement.SettlementID(chi.URLParam(r, "id"))
}

// decodeOptional decodes a JSON body if one was sent. Returns false after
// writing a 400 on malformed input.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// parseBounds parses optional YYYY-MM-DD bounds. Empty strings are nil.
func parseBounds(start, end string) (*time.Time, *time.Time, error) {
	parse := func(field, v string) (*time.Time, error) {
		if v == "" {
			return nil, nil
		}
		t, err := time.Parse(settlement.DateLayout, v)
		if err != nil {
			return nil, &settlement.ValidationError{Field: field, Message: "must be YYYY-MM-DD"}
		}
		return &t, nil
	}
	s, err := parse("periodStart", start)
	if err != nil {
		return nil, nil, err
	}
	e, err := parse("periodEnd", end)
	if err != nil {
		return nil, nil, err
	}
	return s, e, nil
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case settlement.IsClientError(err):
		return http.StatusBadRequest
	case settlement.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrNoEligibleActivity):
		return http.StatusUnprocessableEntity
	case settlement.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrDispatchUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		writeError(w, status, "Internal error", err)
		return
	}
	writeError(w, status, err.Error(), nil)
}

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
