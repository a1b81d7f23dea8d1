/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  settlement domain model. Money is serialized as decimal strings.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Settlements:  SettlementDTO, SettlementLoadDTO, LineItemDTO, ApprovalDTO
  Generation:   GenerateRequest, RunDTO (TriggerResult is returned as-is)
  Workflow:     ActorRequest, ApproveRequest, RejectRequest, PayRequest
  Scenarios:    ScenarioDTO, LoadScenarioRequest

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON (returned by the rules endpoint)
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// SETTLEMENTS
// =============================================================================

type SettlementDTO struct {
	ID               string              `json:"id"`
	Number           string              `json:"settlementNumber"`
	CompanyID        string              `json:"companyId"`
	DriverID         string              `json:"driverId"`
	PeriodStart      string              `json:"periodStart"`
	PeriodEnd        string              `json:"periodEnd"`
	GrossPay         decimal.Decimal     `json:"grossPay"`
	TotalAdditions   decimal.Decimal     `json:"totalAdditions"`
	TotalDeductions  decimal.Decimal     `json:"totalDeductions"`
	NetPay           decimal.Decimal     `json:"netPay"`
	Status           string              `json:"status"`
	ApprovalStatus   string              `json:"approvalStatus"`
	PaidDate         *string             `json:"paidDate,omitempty"`
	PaymentMethod    string              `json:"paymentMethod,omitempty"`
	PaymentReference string              `json:"paymentReference,omitempty"`
	Notes            string              `json:"notes,omitempty"`
	Version          int                 `json:"version"`
	Loads            []SettlementLoadDTO `json:"loads"`
	LineItems        []LineItemDTO       `json:"lineItems"`
	CalculatedAt     string              `json:"calculatedAt"`
	CreatedAt        string              `json:"createdAt"`
	UpdatedAt        string              `json:"updatedAt"`
}

type SettlementLoadDTO struct {
	LoadID      string          `json:"loadId"`
	LoadNumber  string          `json:"loadNumber"`
	Miles       decimal.Decimal `json:"miles"`
	Revenue     decimal.Decimal `json:"revenue"`
	Pay         decimal.Decimal `json:"pay"`
	Accessorial decimal.Decimal `json:"accessorial"`
	AppliedRule string          `json:"appliedRule"`
}

type LineItemDTO struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	SourceKind  string          `json:"sourceKind,omitempty"`
	SourceID    string          `json:"sourceId,omitempty"`
}

type ApprovalDTO struct {
	ID             string `json:"id"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	ApprovalStatus string `json:"approvalStatus"`
	ActorID        string `json:"actorId,omitempty"`
	Notes          string `json:"notes,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

// =============================================================================
// GENERATION
// =============================================================================

// GenerateRequest is the manual trigger body. Both dates or neither.
type GenerateRequest struct {
	PeriodStart string `json:"periodStart,omitempty"`
	PeriodEnd   string `json:"periodEnd,omitempty"`
}

type RunDTO struct {
	ID          string  `json:"id"`
	CompanyID   string  `json:"companyId"`
	PeriodStart string  `json:"periodStart"`
	PeriodEnd   string  `json:"periodEnd"`
	Trigger     string  `json:"trigger"`
	Mode        string  `json:"mode"`
	Status      string  `json:"status"`
	Created     int     `json:"created"`
	Skipped     int     `json:"skipped"`
	Failed      int     `json:"failed"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"startedAt"`
	CompletedAt *string `json:"completedAt,omitempty"`
}

type ProfitabilityDTO struct {
	PeriodStart string `json:"periodStart"`
	PeriodEnd   string `json:"periodEnd"`
	settlement.ProfitabilityReport
}

// =============================================================================
// WORKFLOW
// =============================================================================

// ActorRequest is the body for submit, cancel and recalculate.
type ActorRequest struct {
	ActorID string `json:"actorId"`
	Notes   string `json:"notes,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type ApproveRequest struct {
	ApproverID string `json:"approverId"`
	Notes      string `json:"notes,omitempty"`
}

type RejectRequest struct {
	ApproverID string `json:"approverId"`
	Reason     string `json:"reason"`
}

type PayRequest struct {
	Method    string `json:"method"`
	Reference string `json:"reference,omitempty"`
	PaidDate  string `json:"paidDate,omitempty"` // YYYY-MM-DD, defaults to now
	ActorID   string `json:"actorId,omitempty"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toSettlementDTO(s settlement.Settlement) SettlementDTO {
	dto := SettlementDTO{
		ID:               string(s.ID),
		Number:           s.Number,
		CompanyID:        string(s.CompanyID),
		DriverID:         string(s.DriverID),
		PeriodStart:      s.Period.Start.Format(settlement.DateLayout),
		PeriodEnd:        s.Period.End.Format(settlement.DateLayout),
		GrossPay:         s.GrossPay,
		TotalAdditions:   s.TotalAdditions,
		TotalDeductions:  s.TotalDeductions,
		NetPay:           s.NetPay,
		Status:           string(s.Status),
		ApprovalStatus:   string(s.ApprovalStatus),
		PaidDate:         timePtr(s.PaidDate),
		PaymentMethod:    string(s.PaymentMethod),
		PaymentReference: s.PaymentReference,
		Notes:            s.Notes,
		Version:          s.Version,
		Loads:            make([]SettlementLoadDTO, 0, len(s.Loads)),
		LineItems:        make([]LineItemDTO, 0, len(s.LineItems)),
		CalculatedAt:     s.CalculatedAt.Format(time.RFC3339),
		CreatedAt:        s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        s.UpdatedAt.Format(time.RFC3339),
	}
	for _, l := range s.Loads {
		dto.Loads = append(dto.Loads, SettlementLoadDTO{
			LoadID:      string(l.LoadID),
			LoadNumber:  l.LoadNumber,
			Miles:       l.Miles,
			Revenue:     l.Revenue,
			Pay:         l.Pay,
			Accessorial: l.Accessorial,
			AppliedRule: l.AppliedRule,
		})
	}
	for _, li := range s.LineItems {
		dto.LineItems = append(dto.LineItems, LineItemDTO{
			ID:          string(li.ID),
			Type:        string(li.Type),
			Category:    string(li.Category),
			Description: li.Description,
			Amount:      li.Amount,
			SourceKind:  string(li.Source.Kind),
			SourceID:    li.Source.ID,
		})
	}
	return dto
}

func toApprovalDTO(a settlement.Approval) ApprovalDTO {
	return ApprovalDTO{
		ID:             a.ID,
		Action:         string(a.Action),
		Status:         string(a.Status),
		ApprovalStatus: string(a.ApprovalStatus),
		ActorID:        a.ActorID,
		Notes:          a.Notes,
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
	}
}

func toRunDTO(r settlement.GenerationRun) RunDTO {
	return RunDTO{
		ID:          r.ID,
		CompanyID:   string(r.CompanyID),
		PeriodStart: r.Period.Start.Format(settlement.DateLayout),
		PeriodEnd:   r.Period.End.Format(settlement.DateLayout),
		Trigger:     string(r.Trigger),
		Mode:        string(r.Mode),
		Status:      string(r.Status),
		Created:     r.Created,
		Skipped:     r.Skipped,
		Failed:      r.Failed,
		Error:       r.Error,
		StartedAt:   r.StartedAt.Format(time.RFC3339),
		CompletedAt: timePtr(r.CompletedAt),
	}
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
