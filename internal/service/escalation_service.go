package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/sla-service/internal/domain"
	"github.com/spec-kit/sla-service/internal/events"
	"github.com/spec-kit/sla-service/internal/observability"
	"github.com/spec-kit/sla-service/internal/repository"
	apperrors "github.com/spec-kit/sla-service/pkg/util"
)

// EscalationService matches breaching and near-breaching tickets against
// escalation rules and dispatches their actions, at most once per rule and
// breach episode.
type EscalationService struct {
	tickets    repository.TicketRepository
	rules      repository.RuleRepository
	firings    repository.FiringRepository
	agents     repository.AgentRepository
	notifier   Notifier
	resolver   *PolicyResolver
	dispatcher events.Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics

	workerCount   int
	fallbackEmail string
}

// EscalationDependencies bundles collaborators for the escalation service.
type EscalationDependencies struct {
	TicketRepo repository.TicketRepository
	RuleRepo   repository.RuleRepository
	FiringRepo repository.FiringRepository
	AgentRepo  repository.AgentRepository
	Notifier   Notifier
	Resolver   *PolicyResolver
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// NewEscalationService constructs the service.
func NewEscalationService(deps EscalationDependencies, workerCount int, fallbackEmail string) *EscalationService {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &EscalationService{
		tickets:       deps.TicketRepo,
		rules:         deps.RuleRepo,
		firings:       deps.FiringRepo,
		agents:        deps.AgentRepo,
		notifier:      deps.Notifier,
		resolver:      deps.Resolver,
		dispatcher:    deps.Dispatcher,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		workerCount:   workerCount,
		fallbackEmail: fallbackEmail,
	}
}

// ProcessEscalations runs matcher and dispatcher for every ticket in the
// batch. Ticket-level work runs on a bounded worker pool; each ticket's
// handling is isolated, so one failure never aborts the rest. Results keep
// the input order (most urgent first).
func (s *EscalationService) ProcessEscalations(ctx context.Context, tickets []domain.Ticket, now time.Time) []domain.SlaBreachAlert {
	if len(tickets) == 0 {
		return nil
	}

	results := make([][]domain.SlaBreachAlert, len(tickets))
	sem := make(chan struct{}, s.workerCount)
	var wg sync.WaitGroup

	for i := range tickets {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			ticket := tickets[idx]
			alerts, err := s.processTicket(ctx, &ticket, now)
			if err != nil {
				s.logger.Error("escalation processing failed for ticket",
					zap.String("ticket", ticket.Number), zap.Error(err))
			}
			// Alerts produced before the failure still count.
			results[idx] = alerts
		}(i)
	}
	wg.Wait()

	var all []domain.SlaBreachAlert
	for _, alerts := range results {
		all = append(all, alerts...)
	}
	s.metrics.RecordAlerts(len(all))
	return all
}

// processTicket checks both SLA dimensions of one ticket.
func (s *EscalationService) processTicket(ctx context.Context, ticket *domain.Ticket, now time.Time) ([]domain.SlaBreachAlert, error) {
	if !ticket.SlaApplicable() || ticket.SlaPausedAt != nil {
		return nil, nil
	}

	var alerts []domain.SlaBreachAlert
	for _, dim := range []domain.EscalationType{domain.EscalationFirstResponse, domain.EscalationResolution} {
		due, open := dimensionDue(ticket, dim)
		if !open {
			continue
		}
		matched, err := s.matchRules(ctx, ticket, dim, due, now)
		if err != nil {
			return alerts, err
		}
		for i := range matched {
			rule := &matched[i]
			recorded, err := s.firings.TryRecord(ctx, ticket.ID, rule.ID, ticket.SlaEpisode, now)
			if err != nil {
				return alerts, err
			}
			if !recorded {
				// Already fired for this episode.
				continue
			}
			s.metrics.RecordFiring()
			alert := s.dispatch(ctx, ticket, rule, due, now)
			alerts = append(alerts, alert)
			s.publish(ctx, events.Event{
				Type:     events.EventEscalationFired,
				TicketID: ticket.ID,
				Payload:  events.EscalationFiredPayload{Alert: alert},
			})
		}
	}
	return alerts, nil
}

// matchRules yields the rules whose trigger conditions hold for the given
// dimension, in rule creation order. Scope and enablement filtering happens
// in the store query; the threshold condition is checked here against the
// pass's single time source.
func (s *EscalationService) matchRules(ctx context.Context, ticket *domain.Ticket, dim domain.EscalationType, due time.Time, now time.Time) ([]domain.EscalationRule, error) {
	candidates, err := s.rules.FindEnabled(ctx, dim, ticket.Priority, ticket.ProjectID)
	if err != nil {
		return nil, err
	}

	breached := now.After(due)
	fraction := elapsedFraction(ticket.CreatedAt, due, now, pausedDuration(ticket, now))

	var matched []domain.EscalationRule
	for _, rule := range candidates {
		if !rule.AppliesTo(ticket) {
			continue
		}
		if rule.BreachOnly() {
			if !breached {
				continue
			}
		} else if fraction*100 < rule.ThresholdPercent {
			continue
		}
		matched = append(matched, rule)
	}
	return matched, nil
}

// dispatch executes one rule's action. The firing record was already
// written, so every path returns an alert; side-effect failures are logged
// and absorbed, never propagated into the pass outcome.
func (s *EscalationService) dispatch(ctx context.Context, ticket *domain.Ticket, rule *domain.EscalationRule, due time.Time, now time.Time) domain.SlaBreachAlert {
	alert := domain.SlaBreachAlert{
		TicketID:           ticket.ID,
		TicketNumber:       ticket.Number,
		Type:               rule.Type,
		Breached:           now.After(due),
		MinutesUntilBreach: int(due.Sub(now).Minutes()),
		DueAt:              due,
		RuleID:             rule.ID,
		RuleName:           rule.Name,
		Action:             rule.Action,
		AlertTime:          now,
	}

	switch rule.Action {
	case domain.ActionNotifyEmail:
		s.notify(ctx, "email", rule.NotifyRecipients, &alert)
	case domain.ActionNotifySlack:
		s.notify(ctx, "slack", rule.NotifyRecipients, &alert)
	case domain.ActionReassignTicket:
		s.reassign(ctx, ticket, rule)
	case domain.ActionEscalateManager:
		s.escalateToManager(ctx, ticket, rule, &alert)
	case domain.ActionIncreasePriority:
		s.increasePriority(ctx, ticket, rule, now)
	}

	s.logger.Info("escalation action executed",
		zap.String("ticket", ticket.Number),
		zap.String("rule", rule.Name),
		zap.String("action", string(rule.Action)),
		zap.Bool("breached", alert.Breached),
		zap.Int("minutes_until_breach", alert.MinutesUntilBreach))
	return alert
}

// notify delivers the breach message. Delivery failures are fire-and-forget
// from the escalation engine's perspective: the condition itself did occur
// and the firing stands; redelivery is the channel's concern.
func (s *EscalationService) notify(ctx context.Context, channel string, recipients []string, alert *domain.SlaBreachAlert) {
	message := formatAlertMessage(alert)
	var err error
	switch channel {
	case "slack":
		err = s.notifier.SendSlack(ctx, recipients, message)
	default:
		err = s.notifier.SendEmail(ctx, recipients, "SLA escalation: "+alert.TicketNumber, message)
	}
	if err != nil {
		s.logger.Warn("escalation notification failed",
			zap.String("channel", channel),
			zap.String("ticket", alert.TicketNumber),
			zap.Error(err))
	}
}

func (s *EscalationService) reassign(ctx context.Context, ticket *domain.Ticket, rule *domain.EscalationRule) {
	if rule.ReassignTo == nil {
		s.logger.Warn("REASSIGN_TICKET rule has no target",
			zap.String("rule", rule.Name))
		return
	}
	s.reassignTo(ctx, ticket, *rule.ReassignTo, rule.ID)
}

func (s *EscalationService) reassignTo(ctx context.Context, ticket *domain.Ticket, agentID, ruleID string) {
	if ticket.AssigneeID != nil && *ticket.AssigneeID == agentID {
		return
	}
	oldAssignee := ticket.AssigneeID
	assignee := agentID
	ticket.AssigneeID = &assignee
	if err := s.saveTicket(ctx, ticket); err != nil {
		s.logger.Warn("reassignment dropped",
			zap.String("ticket", ticket.Number), zap.Error(err))
		ticket.AssigneeID = oldAssignee
		return
	}
	s.publish(ctx, events.Event{
		Type:     events.EventTicketReassigned,
		TicketID: ticket.ID,
		Payload: events.TicketReassignedPayload{
			OldAssigneeID: oldAssignee,
			NewAssigneeID: agentID,
			RuleID:        ruleID,
		},
	})
	s.logger.Info("ticket reassigned by escalation",
		zap.String("ticket", ticket.Number),
		zap.String("assignee", agentID))
}

// escalateToManager reassigns to the current assignee's manager; when no
// manager resolves it degrades to an email to the configured fallback
// address and records the substitution in the alert.
func (s *EscalationService) escalateToManager(ctx context.Context, ticket *domain.Ticket, rule *domain.EscalationRule, alert *domain.SlaBreachAlert) {
	var manager *domain.Agent
	if ticket.AssigneeID != nil {
		found, err := s.agents.ManagerOf(ctx, *ticket.AssigneeID)
		if err != nil {
			s.logger.Warn("manager lookup failed",
				zap.String("ticket", ticket.Number),
				zap.Error(apperrors.NewDirectoryError(*ticket.AssigneeID, err)))
		} else {
			manager = found
		}
	}

	if manager == nil {
		alert.FallbackNotified = true
		if err := s.notifier.SendEmail(ctx, []string{s.fallbackEmail},
			"SLA escalation (no manager): "+ticket.Number, formatAlertMessage(alert)); err != nil {
			s.logger.Warn("fallback notification failed",
				zap.String("ticket", ticket.Number), zap.Error(err))
		}
		return
	}
	s.reassignTo(ctx, ticket, manager.ID, rule.ID)
}

// increasePriority bumps one level, capped at CRITICAL, and re-derives the
// due times from now using the new priority's targets. An existing breach
// is not forgiven: late flags and prior firings stand; only future
// threshold checks see the new targets.
func (s *EscalationService) increasePriority(ctx context.Context, ticket *domain.Ticket, rule *domain.EscalationRule, now time.Time) {
	next := domain.NextPriority(ticket.Priority)
	if next == ticket.Priority {
		// Already at the ceiling; the firing is still recorded.
		return
	}
	targets, ok := s.resolver.Resolve(next)
	if !ok {
		s.logger.Warn("no SLA targets for bumped priority; keeping current priority",
			zap.String("ticket", ticket.Number),
			zap.String("priority", string(next)))
		return
	}

	old := ticket.Priority
	ticket.Priority = next
	if ticket.FirstResponseOpen() {
		due := now.Add(targets.FirstResponse)
		ticket.FirstResponseDue = &due
	}
	if ticket.ResolutionOpen() {
		due := now.Add(targets.Resolution)
		ticket.ResolutionDue = &due
	}
	if err := s.saveTicket(ctx, ticket); err != nil {
		s.logger.Warn("priority bump dropped",
			zap.String("ticket", ticket.Number), zap.Error(err))
		ticket.Priority = old
		return
	}
	s.publish(ctx, events.Event{
		Type:     events.EventPriorityIncreased,
		TicketID: ticket.ID,
		Payload: events.PriorityIncreasedPayload{
			OldPriority: old,
			NewPriority: next,
			RuleID:      rule.ID,
		},
	})
	s.logger.Info("ticket priority increased by escalation",
		zap.String("ticket", ticket.Number),
		zap.String("old", string(old)),
		zap.String("new", string(next)))
}

// saveTicket writes with the version the ticket was read at; on conflict it
// re-reads once and retries, else the update is dropped with a logged
// conflict — never silently overwritten.
func (s *EscalationService) saveTicket(ctx context.Context, ticket *domain.Ticket) error {
	err := s.tickets.Save(ctx, ticket, ticket.Version)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrVersionConflict) {
		return err
	}

	fresh, getErr := s.tickets.GetByID(ctx, ticket.ID)
	if getErr != nil {
		return getErr
	}
	// Carry our mutation onto the fresh row.
	fresh.AssigneeID = ticket.AssigneeID
	fresh.Priority = ticket.Priority
	fresh.FirstResponseDue = ticket.FirstResponseDue
	fresh.ResolutionDue = ticket.ResolutionDue
	if err := s.tickets.Save(ctx, fresh, fresh.Version); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			s.metrics.RecordConflict()
			return apperrors.NewConflict("ticket changed concurrently; escalation side effect dropped",
				map[string]any{"ticket": ticket.Number})
		}
		return err
	}
	*ticket = *fresh
	return nil
}

func (s *EscalationService) publish(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_ = s.dispatcher.Publish(ctx, event)
}

// dimensionDue returns the due time for a dimension and whether it still
// needs tracking.
func dimensionDue(ticket *domain.Ticket, dim domain.EscalationType) (time.Time, bool) {
	switch dim {
	case domain.EscalationFirstResponse:
		if ticket.FirstResponseOpen() {
			return *ticket.FirstResponseDue, true
		}
	case domain.EscalationResolution:
		if ticket.ResolutionOpen() {
			return *ticket.ResolutionDue, true
		}
	}
	return time.Time{}, false
}

func formatAlertMessage(alert *domain.SlaBreachAlert) string {
	state := "WARNING"
	if alert.Breached {
		state = "BREACHED"
	}
	minutes := alert.MinutesUntilBreach
	direction := "until breach"
	if minutes < 0 {
		minutes = -minutes
		direction = "past breach"
	}
	return fmt.Sprintf("Ticket %s: %s SLA %s, %d minutes %s (rule %q)",
		alert.TicketNumber, alert.Type, state, minutes, direction, alert.RuleName)
}
