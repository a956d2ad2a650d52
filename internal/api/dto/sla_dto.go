package dto

import (
	"time"

	"github.com/spec-kit/sla-service/internal/domain"
)

// CreateEscalationRuleRequest payload.
type CreateEscalationRuleRequest struct {
	Name             string                  `json:"name"`
	Type             domain.EscalationType   `json:"type"`
	ThresholdPercent float64                 `json:"threshold_percent"`
	Action           domain.EscalationAction `json:"action"`
	NotifyRecipients []string                `json:"notify_recipients"`
	ReassignTo       *string                 `json:"reassign_to"`
	Priorities       []domain.TicketPriority `json:"priorities"`
	ProjectID        *string                 `json:"project_id"`
	Enabled          *bool                   `json:"enabled"`
}

// EscalationRuleResponse representation.
type EscalationRuleResponse struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name"`
	Type             domain.EscalationType   `json:"type"`
	ThresholdPercent float64                 `json:"threshold_percent"`
	Action           domain.EscalationAction `json:"action"`
	NotifyRecipients []string                `json:"notify_recipients"`
	ReassignTo       *string                 `json:"reassign_to"`
	Priorities       []domain.TicketPriority `json:"priorities"`
	ProjectID        *string                 `json:"project_id"`
	Enabled          bool                    `json:"enabled"`
	CreatedAt        time.Time               `json:"created_at"`
}

// TicketSlaResponse is the SLA projection of one ticket.
type TicketSlaResponse struct {
	ID                 string                `json:"id"`
	Number             string                `json:"number"`
	Priority           domain.TicketPriority `json:"priority"`
	Status             domain.TicketStatus   `json:"status"`
	SlaStatus          domain.SlaStatus      `json:"sla_status"`
	SlaEpisode         int                   `json:"sla_episode"`
	FirstResponseDue   *time.Time            `json:"first_response_due"`
	ResolutionDue      *time.Time            `json:"resolution_due"`
	FirstRespondedAt   *time.Time            `json:"first_responded_at"`
	ResolvedAt         *time.Time            `json:"resolved_at"`
	FirstResponseLate  bool                  `json:"first_response_late"`
	ResolutionLate     bool                  `json:"resolution_late"`
	SlaPausedMinutes   int                   `json:"sla_paused_minutes"`
	MinutesUntilBreach *int                  `json:"minutes_until_breach"`
}

// NewEscalationRuleResponse maps a rule to its API representation.
func NewEscalationRuleResponse(rule *domain.EscalationRule) EscalationRuleResponse {
	return EscalationRuleResponse{
		ID:               rule.ID,
		Name:             rule.Name,
		Type:             rule.Type,
		ThresholdPercent: rule.ThresholdPercent,
		Action:           rule.Action,
		NotifyRecipients: rule.NotifyRecipients,
		ReassignTo:       rule.ReassignTo,
		Priorities:       rule.Priorities,
		ProjectID:        rule.ProjectID,
		Enabled:          rule.Enabled,
		CreatedAt:        rule.CreatedAt,
	}
}

// NewTicketSlaResponse maps a ticket's SLA fields, computing minutes until
// the nearest unmet due time relative to now.
func NewTicketSlaResponse(ticket *domain.Ticket, now time.Time) TicketSlaResponse {
	resp := TicketSlaResponse{
		ID:                ticket.ID,
		Number:            ticket.Number,
		Priority:          ticket.Priority,
		Status:            ticket.Status,
		SlaStatus:         ticket.SlaStatus,
		SlaEpisode:        ticket.SlaEpisode,
		FirstResponseDue:  ticket.FirstResponseDue,
		ResolutionDue:     ticket.ResolutionDue,
		FirstRespondedAt:  ticket.FirstRespondedAt,
		ResolvedAt:        ticket.ResolvedAt,
		FirstResponseLate: ticket.FirstResponseLate,
		ResolutionLate:    ticket.ResolutionLate,
		SlaPausedMinutes:  ticket.SlaPausedMinutes,
	}

	var nearest *time.Time
	if ticket.FirstResponseOpen() {
		nearest = ticket.FirstResponseDue
	}
	if ticket.ResolutionOpen() && (nearest == nil || ticket.ResolutionDue.Before(*nearest)) {
		nearest = ticket.ResolutionDue
	}
	if nearest != nil {
		minutes := int(nearest.Sub(now).Minutes())
		resp.MinutesUntilBreach = &minutes
	}
	return resp
}
