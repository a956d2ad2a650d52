package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/sla-service/internal/domain"
	"github.com/spec-kit/sla-service/internal/repository"
)

// fakeTicketRepo is an in-memory TicketRepository with optimistic-lock
// semantics matching the SQL implementation.
type fakeTicketRepo struct {
	mu      sync.Mutex
	tickets map[string]*domain.Ticket

	// conflictsFor makes the next N saves of a ticket fail with a version
	// conflict, bumping the stored version as a concurrent writer would.
	conflictsFor map[string]int
	// errFor makes every save of a ticket fail hard.
	errFor map[string]error
}

func newFakeTicketRepo() *fakeTicketRepo {
	return &fakeTicketRepo{
		tickets:      make(map[string]*domain.Ticket),
		conflictsFor: make(map[string]int),
		errFor:       make(map[string]error),
	}
}

func (f *fakeTicketRepo) put(t domain.Ticket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.Version == 0 {
		t.Version = 1
	}
	copied := t
	f.tickets[t.ID] = &copied
}

func (f *fakeTicketRepo) get(id string) domain.Ticket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tickets[id]
}

func (f *fakeTicketRepo) Create(ctx context.Context, ticket *domain.Ticket) error {
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	ticket.Version = 1
	f.put(*ticket)
	return nil
}

func (f *fakeTicketRepo) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s not found", id)
	}
	copied := *stored
	return &copied, nil
}

func (f *fakeTicketRepo) Save(ctx context.Context, ticket *domain.Ticket, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.errFor[ticket.ID]; ok {
		return err
	}
	stored, ok := f.tickets[ticket.ID]
	if !ok {
		return fmt.Errorf("ticket %s not found", ticket.ID)
	}
	if f.conflictsFor[ticket.ID] > 0 {
		f.conflictsFor[ticket.ID]--
		stored.Version++
		return repository.ErrVersionConflict
	}
	if stored.Version != expectedVersion {
		return repository.ErrVersionConflict
	}

	copied := *ticket
	copied.Version = stored.Version + 1
	copied.UpdatedAt = time.Now()
	f.tickets[ticket.ID] = &copied
	ticket.Version = copied.Version
	ticket.UpdatedAt = copied.UpdatedAt
	return nil
}

func (f *fakeTicketRepo) FindApproachingBreach(ctx context.Context, now time.Time, window time.Duration) ([]domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	horizon := now.Add(window)
	var result []domain.Ticket
	for _, t := range f.tickets {
		if !domain.IsActiveStatus(t.Status) || t.SlaPausedAt != nil || !t.SlaApplicable() {
			continue
		}
		firstEligible := t.FirstResponseOpen() && !t.FirstResponseLate &&
			!t.FirstResponseDue.After(horizon)
		resolutionEligible := t.ResolutionDue != nil && !t.ResolutionLate &&
			!t.ResolutionDue.After(horizon)
		if firstEligible || resolutionEligible {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (f *fakeTicketRepo) FindBreached(ctx context.Context, now time.Time) ([]domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []domain.Ticket
	for _, t := range f.tickets {
		if !domain.IsActiveStatus(t.Status) || t.SlaPausedAt != nil || !t.SlaApplicable() {
			continue
		}
		if (t.FirstResponseOpen() && t.FirstResponseDue.Before(now)) ||
			(t.ResolutionDue != nil && t.ResolutionDue.Before(now)) {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (f *fakeTicketRepo) ListWithSla(ctx context.Context) ([]domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []domain.Ticket
	for _, t := range f.tickets {
		if t.SlaApplicable() {
			result = append(result, *t)
		}
	}
	return result, nil
}

// fakeRuleRepo serves a static rule set.
type fakeRuleRepo struct {
	mu    sync.Mutex
	rules []domain.EscalationRule
}

func (f *fakeRuleRepo) FindEnabled(ctx context.Context, escType domain.EscalationType, priority domain.TicketPriority, projectID string) ([]domain.EscalationRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []domain.EscalationRule
	for _, r := range f.rules {
		if !r.Enabled || r.Type != escType {
			continue
		}
		if r.ProjectID != nil && *r.ProjectID != projectID {
			continue
		}
		if len(r.Priorities) > 0 {
			found := false
			for _, p := range r.Priorities {
				if p == priority {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		result = append(result, r)
	}
	return result, nil
}

func (f *fakeRuleRepo) List(ctx context.Context) ([]domain.EscalationRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.EscalationRule{}, f.rules...), nil
}

func (f *fakeRuleRepo) Create(ctx context.Context, rule *domain.EscalationRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.CreatedAt = time.Now()
	f.rules = append(f.rules, *rule)
	return nil
}

// fakeFiringRepo replicates the unique-index dedup of the real ledger.
type fakeFiringRepo struct {
	mu      sync.Mutex
	firings map[string]struct{}

	// errForTicket makes TryRecord fail for one ticket.
	errForTicket string
}

func newFakeFiringRepo() *fakeFiringRepo {
	return &fakeFiringRepo{firings: make(map[string]struct{})}
}

func firingKey(ticketID, ruleID string, episode int) string {
	return fmt.Sprintf("%s|%s|%d", ticketID, ruleID, episode)
}

func (f *fakeFiringRepo) TryRecord(ctx context.Context, ticketID, ruleID string, episode int, firedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errForTicket != "" && f.errForTicket == ticketID {
		return false, fmt.Errorf("ledger unavailable for %s", ticketID)
	}
	key := firingKey(ticketID, ruleID, episode)
	if _, exists := f.firings[key]; exists {
		return false, nil
	}
	f.firings[key] = struct{}{}
	return true, nil
}

func (f *fakeFiringRepo) ListByTicket(ctx context.Context, ticketID string) ([]domain.EscalationFiring, error) {
	return nil, nil
}

func (f *fakeFiringRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.firings)
}

// fakeAgentRepo serves a static directory.
type fakeAgentRepo struct {
	agents map[string]*domain.Agent
}

func (f *fakeAgentRepo) GetByID(ctx context.Context, id string) (*domain.Agent, error) {
	agent, ok := f.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s not found", id)
	}
	return agent, nil
}

func (f *fakeAgentRepo) ManagerOf(ctx context.Context, agentID string) (*domain.Agent, error) {
	agent, ok := f.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s not found", agentID)
	}
	if agent.ManagerID == nil {
		return nil, nil
	}
	manager, ok := f.agents[*agent.ManagerID]
	if !ok || !manager.Active {
		return nil, nil
	}
	return manager, nil
}

// fakeNotifier records deliveries.
type fakeNotifier struct {
	mu     sync.Mutex
	emails []fakeEmail
	slacks []string

	emailErr error
}

type fakeEmail struct {
	recipients []string
	subject    string
}

func (f *fakeNotifier) SendEmail(ctx context.Context, recipients []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emailErr != nil {
		return f.emailErr
	}
	f.emails = append(f.emails, fakeEmail{recipients: recipients, subject: subject})
	return nil
}

func (f *fakeNotifier) SendSlack(ctx context.Context, recipients []string, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slacks = append(f.slacks, message)
	return nil
}

func (f *fakeNotifier) emailCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emails)
}

func (f *fakeNotifier) slackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.slacks)
}
