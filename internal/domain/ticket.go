package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen        TicketStatus = "OPEN"
	TicketStatusInProgress  TicketStatus = "IN_PROGRESS"
	TicketStatusPendingUser TicketStatus = "PENDING_USER"
	TicketStatusOnHold      TicketStatus = "ON_HOLD"
	TicketStatusReopened    TicketStatus = "REOPENED"
	TicketStatusResolved    TicketStatus = "RESOLVED"
	TicketStatusClosed      TicketStatus = "CLOSED"
	TicketStatusCancelled   TicketStatus = "CANCELLED"
)

// TicketPriority enumerates SLA urgency.
type TicketPriority string

const (
	TicketPriorityLow      TicketPriority = "LOW"
	TicketPriorityMedium   TicketPriority = "MEDIUM"
	TicketPriorityHigh     TicketPriority = "HIGH"
	TicketPriorityUrgent   TicketPriority = "URGENT"
	TicketPriorityCritical TicketPriority = "CRITICAL"
)

// priorityLadder orders priorities for INCREASE_PRIORITY escalations.
var priorityLadder = []TicketPriority{
	TicketPriorityLow,
	TicketPriorityMedium,
	TicketPriorityHigh,
	TicketPriorityUrgent,
	TicketPriorityCritical,
}

// NextPriority returns the next level up, capped at CRITICAL.
func NextPriority(p TicketPriority) TicketPriority {
	for i, candidate := range priorityLadder {
		if candidate == p && i < len(priorityLadder)-1 {
			return priorityLadder[i+1]
		}
	}
	return p
}

// IsActiveStatus reports whether the ticket still counts toward SLA tracking.
func IsActiveStatus(status TicketStatus) bool {
	switch status {
	case TicketStatusOpen, TicketStatusInProgress, TicketStatusReopened:
		return true
	}
	return false
}

// IsPausedStatus reports whether the status suspends SLA accounting.
func IsPausedStatus(status TicketStatus) bool {
	return status == TicketStatusPendingUser || status == TicketStatusOnHold
}

// IsResolvedStatus reports whether the resolution dimension is settled.
func IsResolvedStatus(status TicketStatus) bool {
	return status == TicketStatusResolved || status == TicketStatusClosed
}

// Ticket is the SLA-relevant projection of the ticket aggregate. The SLA
// engine reads the full row but only ever writes the SLA fields, priority
// and assignee; everything else belongs to the owning ticket service.
type Ticket struct {
	ID         string
	Number     string
	ProjectID  string
	AssigneeID *string
	Priority   TicketPriority
	Status     TicketStatus

	CreatedAt  time.Time
	ResolvedAt *time.Time

	FirstRespondedAt *time.Time
	FirstResponseDue *time.Time
	ResolutionDue    *time.Time

	SlaStatus        SlaStatus
	SlaEpisode       int
	SlaPausedAt      *time.Time
	SlaPausedMinutes int

	// Set when the due time passed without the dimension being satisfied;
	// keeps the miss visible for compliance reporting after the fact.
	FirstResponseLate bool
	ResolutionLate    bool

	// Version guards concurrent writes; every save must present the
	// version it read.
	Version int64

	UpdatedAt time.Time
}

// FirstResponseOpen reports whether the first-response dimension still
// needs tracking.
func (t *Ticket) FirstResponseOpen() bool {
	return t.FirstRespondedAt == nil && t.FirstResponseDue != nil
}

// ResolutionOpen reports whether the resolution dimension still needs
// tracking.
func (t *Ticket) ResolutionOpen() bool {
	return !IsResolvedStatus(t.Status) && t.ResolutionDue != nil
}

// SlaApplicable reports whether any SLA policy was attached at creation.
func (t *Ticket) SlaApplicable() bool {
	return t.SlaStatus != SlaStatusNotApplicable
}
