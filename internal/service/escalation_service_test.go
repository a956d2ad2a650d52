package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/sla-service/internal/domain"
	"github.com/spec-kit/sla-service/internal/observability"
)

type escalationFixture struct {
	tickets  *fakeTicketRepo
	rules    *fakeRuleRepo
	firings  *fakeFiringRepo
	agents   *fakeAgentRepo
	notifier *fakeNotifier
	service  *EscalationService
}

func newEscalationFixture(rules ...domain.EscalationRule) *escalationFixture {
	f := &escalationFixture{
		tickets:  newFakeTicketRepo(),
		rules:    &fakeRuleRepo{rules: rules},
		firings:  newFakeFiringRepo(),
		agents:   &fakeAgentRepo{agents: map[string]*domain.Agent{}},
		notifier: &fakeNotifier{},
	}
	f.service = NewEscalationService(EscalationDependencies{
		TicketRepo: f.tickets,
		RuleRepo:   f.rules,
		FiringRepo: f.firings,
		AgentRepo:  f.agents,
		Notifier:   f.notifier,
		Resolver:   NewPolicyResolver(testSlaConfig()),
		Logger:     zap.NewNop(),
		Metrics:    observability.NewMetrics(),
	}, 4, "support-leads@example.com")
	return f
}

func emailRule(id string, escType domain.EscalationType, threshold float64) domain.EscalationRule {
	return domain.EscalationRule{
		ID:               id,
		Name:             "rule-" + id,
		Type:             escType,
		ThresholdPercent: threshold,
		Action:           domain.ActionNotifyEmail,
		NotifyRecipients: []string{"oncall@example.com"},
		Enabled:          true,
	}
}

func trackedTicket(id string, priority domain.TicketPriority, base time.Time, firstDue, resolutionDue time.Duration) domain.Ticket {
	ticket := newTicket(id, priority, base)
	fd := base.Add(firstDue)
	rd := base.Add(resolutionDue)
	ticket.FirstResponseDue = &fd
	ticket.ResolutionDue = &rd
	return ticket
}

func TestEscalationFiresAtThreshold(t *testing.T) {
	f := newEscalationFixture(emailRule("r1", domain.EscalationFirstResponse, 80))
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
	f.tickets.put(ticket)

	alerts := f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, base.Add(13*time.Minute))

	require.Len(t, alerts, 1)
	require.False(t, alerts[0].Breached)
	require.Equal(t, 2, alerts[0].MinutesUntilBreach)
	require.Equal(t, domain.EscalationFirstResponse, alerts[0].Type)
	require.Equal(t, 1, f.notifier.emailCount())
	require.Equal(t, 1, f.firings.count())
}

func TestEscalationBelowThresholdDoesNotFire(t *testing.T) {
	f := newEscalationFixture(emailRule("r1", domain.EscalationFirstResponse, 80))
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
	f.tickets.put(ticket)

	alerts := f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, base.Add(5*time.Minute))

	require.Empty(t, alerts)
	require.Equal(t, 0, f.firings.count())
}

func TestBreachOnlyRuleWaitsForBreach(t *testing.T) {
	f := newEscalationFixture(emailRule("r1", domain.EscalationFirstResponse, 100))
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
	f.tickets.put(ticket)

	alerts := f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, base.Add(14*time.Minute))
	require.Empty(t, alerts, "93 percent elapsed is not a breach")

	alerts = f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, base.Add(16*time.Minute))
	require.Len(t, alerts, 1)
	require.True(t, alerts[0].Breached)
	require.Equal(t, -1, alerts[0].MinutesUntilBreach)
}

func TestRuleFiresAtMostOncePerEpisode(t *testing.T) {
	f := newEscalationFixture(emailRule("r1", domain.EscalationFirstResponse, 80))
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
	f.tickets.put(ticket)

	first := f.service.ProcessEscalations(ctx, []domain.Ticket{ticket}, base.Add(13*time.Minute))
	second := f.service.ProcessEscalations(ctx, []domain.Ticket{ticket}, base.Add(14*time.Minute))

	require.Len(t, first, 1)
	require.Empty(t, second, "same rule and episode must not fire twice")
	require.Equal(t, 1, f.notifier.emailCount())

	// A new episode re-arms the rule.
	ticket.SlaEpisode++
	third := f.service.ProcessEscalations(ctx, []domain.Ticket{ticket}, base.Add(14*time.Minute))
	require.Len(t, third, 1)
	require.Equal(t, 2, f.firings.count())
}

func TestPausedTicketIsSkipped(t *testing.T) {
	f := newEscalationFixture(emailRule("r1", domain.EscalationFirstResponse, 80))
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
	pausedAt := base.Add(10 * time.Minute)
	ticket.SlaPausedAt = &pausedAt
	f.tickets.put(ticket)

	alerts := f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, base.Add(13*time.Minute))
	require.Empty(t, alerts)
}

func TestIncreasePriorityRederivesDueTimes(t *testing.T) {
	rule := domain.EscalationRule{
		ID:               "r1",
		Name:             "bump",
		Type:             domain.EscalationResolution,
		ThresholdPercent: 80,
		Action:           domain.ActionIncreasePriority,
		Enabled:          true,
	}
	f := newEscalationFixture(rule)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base.Add(400 * time.Minute)

	ticket := trackedTicket("t1", domain.TicketPriorityHigh, base, 60*time.Minute, 480*time.Minute)
	responded := base.Add(30 * time.Minute)
	ticket.FirstRespondedAt = &responded
	f.tickets.put(ticket)

	alerts := f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, now)
	require.Len(t, alerts, 1)

	stored := f.tickets.get("t1")
	require.Equal(t, domain.TicketPriorityUrgent, stored.Priority)
	require.Equal(t, now.Add(360*time.Minute), *stored.ResolutionDue,
		"resolution due restarts from now with the bumped priority's target")
	require.Equal(t, base.Add(60*time.Minute), *stored.FirstResponseDue,
		"a satisfied dimension keeps its original due time")
}

func TestIncreasePriorityAtCeilingStillRecordsFiring(t *testing.T) {
	rule := domain.EscalationRule{
		ID:               "r1",
		Name:             "bump",
		Type:             domain.EscalationResolution,
		ThresholdPercent: 80,
		Action:           domain.ActionIncreasePriority,
		Enabled:          true,
	}
	f := newEscalationFixture(rule)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
	f.tickets.put(ticket)

	alerts := f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, base.Add(200*time.Minute))
	require.Len(t, alerts, 1, "the condition did occur even though nothing changed")
	require.Equal(t, 1, f.firings.count())

	stored := f.tickets.get("t1")
	require.Equal(t, domain.TicketPriorityCritical, stored.Priority)
}

func TestReassignTicket(t *testing.T) {
	target := "agent-2"
	rule := domain.EscalationRule{
		ID:               "r1",
		Name:             "handoff",
		Type:             domain.EscalationFirstResponse,
		ThresholdPercent: 80,
		Action:           domain.ActionReassignTicket,
		ReassignTo:       &target,
		Enabled:          true,
	}
	f := newEscalationFixture(rule)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
	assignee := "agent-1"
	ticket.AssigneeID = &assignee
	f.tickets.put(ticket)

	alerts := f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, base.Add(13*time.Minute))
	require.Len(t, alerts, 1)

	stored := f.tickets.get("t1")
	require.Equal(t, "agent-2", *stored.AssigneeID)
}

func TestEscalateManagerReassigns(t *testing.T) {
	rule := domain.EscalationRule{
		ID:               "r1",
		Name:             "to-manager",
		Type:             domain.EscalationFirstResponse,
		ThresholdPercent: 80,
		Action:           domain.ActionEscalateManager,
		Enabled:          true,
	}
	f := newEscalationFixture(rule)
	managerID := "mgr-1"
	f.agents.agents["agent-1"] = &domain.Agent{ID: "agent-1", ManagerID: &managerID, Active: true}
	f.agents.agents["mgr-1"] = &domain.Agent{ID: "mgr-1", Email: "mgr@example.com", Active: true}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
	assignee := "agent-1"
	ticket.AssigneeID = &assignee
	f.tickets.put(ticket)

	alerts := f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, base.Add(13*time.Minute))
	require.Len(t, alerts, 1)
	require.False(t, alerts[0].FallbackNotified)

	stored := f.tickets.get("t1")
	require.Equal(t, "mgr-1", *stored.AssigneeID)
}

func TestEscalateManagerFallsBackWithoutManager(t *testing.T) {
	rule := domain.EscalationRule{
		ID:               "r1",
		Name:             "to-manager",
		Type:             domain.EscalationFirstResponse,
		ThresholdPercent: 80,
		Action:           domain.ActionEscalateManager,
		Enabled:          true,
	}
	f := newEscalationFixture(rule)
	f.agents.agents["agent-1"] = &domain.Agent{ID: "agent-1", Active: true}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
	assignee := "agent-1"
	ticket.AssigneeID = &assignee
	f.tickets.put(ticket)

	alerts := f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, base.Add(13*time.Minute))

	require.Len(t, alerts, 1)
	require.True(t, alerts[0].FallbackNotified)
	require.Equal(t, 1, f.notifier.emailCount())
	require.Equal(t, []string{"support-leads@example.com"}, f.notifier.emails[0].recipients)

	stored := f.tickets.get("t1")
	require.Equal(t, "agent-1", *stored.AssigneeID, "assignment must not change on fallback")
}

func TestRuleScopeFiltering(t *testing.T) {
	project := "other-project"
	scoped := emailRule("r1", domain.EscalationFirstResponse, 80)
	scoped.ProjectID = &project
	priorityScoped := emailRule("r2", domain.EscalationFirstResponse, 80)
	priorityScoped.Priorities = []domain.TicketPriority{domain.TicketPriorityLow}
	disabled := emailRule("r3", domain.EscalationFirstResponse, 80)
	disabled.Enabled = false
	matching := emailRule("r4", domain.EscalationFirstResponse, 80)

	f := newEscalationFixture(scoped, priorityScoped, disabled, matching)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
	f.tickets.put(ticket)

	alerts := f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, base.Add(13*time.Minute))

	require.Len(t, alerts, 1)
	require.Equal(t, "r4", alerts[0].RuleID)
}

func TestTicketFailureDoesNotStarveOthers(t *testing.T) {
	f := newEscalationFixture(emailRule("r1", domain.EscalationFirstResponse, 80))
	f.firings.errForTicket = "t2"
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var batch []domain.Ticket
	for _, id := range []string{"t1", "t2", "t3"} {
		ticket := trackedTicket(id, domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
		f.tickets.put(ticket)
		batch = append(batch, ticket)
	}

	alerts := f.service.ProcessEscalations(context.Background(), batch, base.Add(13*time.Minute))

	require.Len(t, alerts, 2, "one ticket's failure must not abort the rest")
	for _, alert := range alerts {
		require.NotEqual(t, "t2", alert.TicketID)
	}
}

func TestConcurrentPassesFireOnce(t *testing.T) {
	f := newEscalationFixture(emailRule("r1", domain.EscalationFirstResponse, 80))
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base.Add(13 * time.Minute)

	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
	f.tickets.put(ticket)

	var wg sync.WaitGroup
	results := make([][]domain.SlaBreachAlert, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, now)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, len(results[0])+len(results[1]),
		"the ledger admits exactly one firing across concurrent passes")
	require.Equal(t, 1, f.firings.count())
	require.Equal(t, 1, f.notifier.emailCount())
}

func TestResolutionEscalationSurvivesFirstResponseBreach(t *testing.T) {
	breachOnly := emailRule("fr-breach", domain.EscalationFirstResponse, 100)
	resolution := emailRule("res-80", domain.EscalationResolution, 80)
	f := newEscalationFixture(breachOnly, resolution)
	monitor := newTestMonitor(f.tickets)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()
	window := time.Hour

	ticket := trackedTicket("t1", domain.TicketPriorityHigh, base, 60*time.Minute, 480*time.Minute)
	f.tickets.put(ticket)

	// First pass: the first-response due time has just passed.
	nowA := base.Add(61 * time.Minute)
	approaching, err := f.tickets.FindApproachingBreach(ctx, nowA, window)
	require.NoError(t, err)
	require.Len(t, approaching, 1)

	alerts := f.service.ProcessEscalations(ctx, approaching, nowA)
	require.Len(t, alerts, 1)
	require.Equal(t, domain.EscalationFirstResponse, alerts[0].Type)

	breached, err := f.tickets.FindBreached(ctx, nowA)
	require.NoError(t, err)
	for i := range breached {
		require.NoError(t, monitor.RefreshSlaStatus(ctx, &breached[i], nowA))
	}
	stored := f.tickets.get("t1")
	require.Equal(t, domain.SlaStatusBreached, stored.SlaStatus)
	require.True(t, stored.FirstResponseLate)

	// Later pass: resolution is now inside its own warning window. The
	// stored first-response breach must not hide it.
	nowB := base.Add(430 * time.Minute)
	approaching, err = f.tickets.FindApproachingBreach(ctx, nowB, window)
	require.NoError(t, err)
	require.Len(t, approaching, 1,
		"resolution escalation must not be starved by the first-response breach")

	alerts = f.service.ProcessEscalations(ctx, approaching, nowB)
	require.Len(t, alerts, 1)
	require.Equal(t, domain.EscalationResolution, alerts[0].Type)
	require.Equal(t, "res-80", alerts[0].RuleID)
}

func TestThresholdIgnoresPausedTime(t *testing.T) {
	f := newEscalationFixture(emailRule("r1", domain.EscalationFirstResponse, 80))
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// 100 minutes of live budget; the due time already carries a 300
	// minute pause shift.
	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 400*time.Minute, 1000*time.Minute)
	ticket.SlaPausedMinutes = 300
	f.tickets.put(ticket)

	alerts := f.service.ProcessEscalations(ctx, []domain.Ticket{ticket}, base.Add(350*time.Minute))
	require.Empty(t, alerts, "50 percent of the live budget must not trip an 80 percent rule")

	alerts = f.service.ProcessEscalations(ctx, []domain.Ticket{ticket}, base.Add(385*time.Minute))
	require.Len(t, alerts, 1)
}

func TestReassignDroppedAfterRepeatedConflict(t *testing.T) {
	target := "agent-2"
	rule := domain.EscalationRule{
		ID:               "r1",
		Name:             "handoff",
		Type:             domain.EscalationFirstResponse,
		ThresholdPercent: 80,
		Action:           domain.ActionReassignTicket,
		ReassignTo:       &target,
		Enabled:          true,
	}
	f := newEscalationFixture(rule)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 240*time.Minute)
	assignee := "agent-1"
	ticket.AssigneeID = &assignee
	f.tickets.put(ticket)
	f.tickets.conflictsFor["t1"] = 2

	alerts := f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, base.Add(13*time.Minute))

	require.Len(t, alerts, 1, "the firing stands even when the side effect is dropped")
	require.Equal(t, 1, f.firings.count())

	stored := f.tickets.get("t1")
	require.Equal(t, "agent-1", *stored.AssigneeID, "a lost write race must never be silently overwritten")
}

func TestBothDimensionsEscalateIndependently(t *testing.T) {
	f := newEscalationFixture(
		emailRule("r1", domain.EscalationFirstResponse, 80),
		emailRule("r2", domain.EscalationResolution, 80),
	)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Both dimensions past 80% of their budgets.
	ticket := trackedTicket("t1", domain.TicketPriorityCritical, base, 15*time.Minute, 16*time.Minute)
	f.tickets.put(ticket)

	alerts := f.service.ProcessEscalations(context.Background(), []domain.Ticket{ticket}, base.Add(13*time.Minute))

	require.Len(t, alerts, 2)
	types := map[domain.EscalationType]bool{}
	for _, alert := range alerts {
		types[alert.Type] = true
	}
	require.True(t, types[domain.EscalationFirstResponse])
	require.True(t, types[domain.EscalationResolution])
}
