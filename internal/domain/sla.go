package domain

import "time"

// SlaStatus tracks compliance for a ticket.
type SlaStatus string

const (
	SlaStatusOnTrack       SlaStatus = "ON_TRACK"
	SlaStatusWarning       SlaStatus = "WARNING"
	SlaStatusBreached      SlaStatus = "BREACHED"
	SlaStatusPaused        SlaStatus = "PAUSED"
	SlaStatusNotApplicable SlaStatus = "NOT_APPLICABLE"
)

// slaStatusRank orders statuses for combining the two SLA dimensions into
// the ticket's displayed status. Higher wins.
var slaStatusRank = map[SlaStatus]int{
	SlaStatusNotApplicable: 0,
	SlaStatusPaused:        1,
	SlaStatusOnTrack:       2,
	SlaStatusWarning:       3,
	SlaStatusBreached:      4,
}

// CombineSlaStatus merges per-dimension statuses by precedence
// BREACHED > WARNING > ON_TRACK > PAUSED > NOT_APPLICABLE.
func CombineSlaStatus(statuses ...SlaStatus) SlaStatus {
	combined := SlaStatusNotApplicable
	for _, s := range statuses {
		if slaStatusRank[s] > slaStatusRank[combined] {
			combined = s
		}
	}
	return combined
}

// EscalationType selects which SLA dimension a rule watches.
type EscalationType string

const (
	EscalationFirstResponse EscalationType = "FIRST_RESPONSE"
	EscalationResolution    EscalationType = "RESOLUTION"
)

// EscalationAction enumerates what a triggered rule does.
type EscalationAction string

const (
	ActionNotifyEmail      EscalationAction = "NOTIFY_EMAIL"
	ActionNotifySlack      EscalationAction = "NOTIFY_SLACK"
	ActionReassignTicket   EscalationAction = "REASSIGN_TICKET"
	ActionEscalateManager  EscalationAction = "ESCALATE_MANAGER"
	ActionIncreasePriority EscalationAction = "INCREASE_PRIORITY"
)

// EscalationRule is a configured condition/action pair. Rules are read-only
// to the escalation engine; edits happen through the admin surface.
type EscalationRule struct {
	ID   string
	Name string
	Type EscalationType

	// ThresholdPercent is the elapsed fraction of the target duration at
	// which the rule arms, expressed 0-100. A value of 100 means the rule
	// fires only once the due time has actually passed.
	ThresholdPercent float64

	Action EscalationAction

	// NotifyRecipients receives NOTIFY_EMAIL / NOTIFY_SLACK messages.
	NotifyRecipients []string
	// ReassignTo is the target agent for REASSIGN_TICKET.
	ReassignTo *string

	// Scope. Empty Priorities means all priorities; nil ProjectID means all
	// projects.
	Priorities []TicketPriority
	ProjectID  *string

	Enabled   bool
	CreatedAt time.Time
}

// AppliesTo reports whether the rule's scope covers the ticket.
func (r *EscalationRule) AppliesTo(t *Ticket) bool {
	if !r.Enabled {
		return false
	}
	if r.ProjectID != nil && *r.ProjectID != t.ProjectID {
		return false
	}
	if len(r.Priorities) == 0 {
		return true
	}
	for _, p := range r.Priorities {
		if p == t.Priority {
			return true
		}
	}
	return false
}

// BreachOnly reports whether the rule waits for an actual breach.
func (r *EscalationRule) BreachOnly() bool {
	return r.ThresholdPercent >= 100
}

// EscalationFiring is the dedup ledger entry. Uniqueness on
// (TicketID, RuleID, Episode) is the correctness mechanism preventing a rule
// from firing twice within one breach episode.
type EscalationFiring struct {
	ID       string
	TicketID string
	RuleID   string
	Episode  int
	FiredAt  time.Time
}

// SlaBreachAlert is the transient record produced per escalation firing.
// Consumed by the caller for logging/notification and discarded.
type SlaBreachAlert struct {
	TicketID     string         `json:"ticket_id"`
	TicketNumber string         `json:"ticket_number"`
	Type         EscalationType `json:"type"`
	Breached     bool           `json:"breached"`
	// MinutesUntilBreach is negative once the due time has passed.
	MinutesUntilBreach int              `json:"minutes_until_breach"`
	DueAt              time.Time        `json:"due_at"`
	RuleID             string           `json:"rule_id"`
	RuleName           string           `json:"rule_name"`
	Action             EscalationAction `json:"action"`
	// FallbackNotified is set when ESCALATE_MANAGER degraded to an email
	// because no manager could be resolved.
	FallbackNotified bool      `json:"fallback_notified,omitempty"`
	AlertTime        time.Time `json:"alert_time"`
}

// SlaMetrics is the aggregate compliance snapshot, recomputed on demand.
type SlaMetrics struct {
	TotalTicketsWithSla int64 `json:"total_tickets_with_sla"`
	TicketsOnTrack      int64 `json:"tickets_on_track"`
	TicketsInWarning    int64 `json:"tickets_in_warning"`
	TicketsBreached     int64 `json:"tickets_breached"`
	TicketsPaused       int64 `json:"tickets_paused"`

	FirstResponseComplianceRate float64 `json:"first_response_compliance_rate"`
	ResolutionComplianceRate    float64 `json:"resolution_compliance_rate"`
	OverallComplianceRate       float64 `json:"overall_compliance_rate"`

	AverageFirstResponseMinutes int64 `json:"average_first_response_minutes"`
	AverageResolutionMinutes    int64 `json:"average_resolution_minutes"`

	GeneratedAt time.Time `json:"generated_at"`
}

// SlaTargets holds the response/resolution targets for one priority.
type SlaTargets struct {
	FirstResponse time.Duration
	Resolution    time.Duration
}

// Agent is the directory projection used for reassignment and manager
// escalation.
type Agent struct {
	ID        string
	Email     string
	ManagerID *string
	Active    bool
}
