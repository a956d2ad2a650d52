package events

import (
	"time"

	"github.com/spec-kit/sla-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventSlaInitialized     EventType = "sla_initialized"
	EventSlaPaused          EventType = "sla_paused"
	EventSlaResumed         EventType = "sla_resumed"
	EventSlaBreachAlert     EventType = "sla_breach_alert"
	EventEscalationFired    EventType = "escalation_fired"
	EventTicketReassigned   EventType = "ticket_reassigned"
	EventPriorityIncreased  EventType = "priority_increased"
	EventSlaReportGenerated EventType = "sla_report_generated"
)

// Event represents a domain event emitted by the SLA engine. Subscribers
// (notification fan-out, the surrounding application's transports) consume
// these; the engine itself never depends on who is listening.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	TicketID  string      `json:"ticket_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SlaInitializedPayload payload.
type SlaInitializedPayload struct {
	FirstResponseDue *time.Time       `json:"first_response_due,omitempty"`
	ResolutionDue    *time.Time       `json:"resolution_due,omitempty"`
	Status           domain.SlaStatus `json:"status"`
}

// SlaPausedPayload payload.
type SlaPausedPayload struct {
	PausedAt time.Time `json:"paused_at"`
}

// SlaResumedPayload payload.
type SlaResumedPayload struct {
	PausedMinutes int `json:"paused_minutes"`
	Episode       int `json:"episode"`
}

// EscalationFiredPayload payload.
type EscalationFiredPayload struct {
	Alert domain.SlaBreachAlert `json:"alert"`
}

// TicketReassignedPayload payload.
type TicketReassignedPayload struct {
	OldAssigneeID *string `json:"old_assignee_id,omitempty"`
	NewAssigneeID string  `json:"new_assignee_id"`
	RuleID        string  `json:"rule_id"`
}

// PriorityIncreasedPayload payload.
type PriorityIncreasedPayload struct {
	OldPriority domain.TicketPriority `json:"old_priority"`
	NewPriority domain.TicketPriority `json:"new_priority"`
	RuleID      string                `json:"rule_id"`
}

// SlaReportPayload payload.
type SlaReportPayload struct {
	Metrics domain.SlaMetrics `json:"metrics"`
}
