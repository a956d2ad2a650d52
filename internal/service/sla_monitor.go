package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/sla-service/internal/domain"
	"github.com/spec-kit/sla-service/internal/events"
	"github.com/spec-kit/sla-service/internal/repository"
	apperrors "github.com/spec-kit/sla-service/pkg/util"
)

// SlaMonitor computes and refreshes SLA state on tickets: due timestamps,
// pause accounting, current status and the aggregate compliance snapshot.
// All time comparisons take an explicit `now` so a whole scheduler pass
// classifies against one consistent instant.
type SlaMonitor struct {
	tickets         repository.TicketRepository
	resolver        *PolicyResolver
	dispatcher      events.Dispatcher
	logger          *zap.Logger
	warningFraction float64
}

// MonitorDependencies bundles collaborators for the monitor.
type MonitorDependencies struct {
	TicketRepo repository.TicketRepository
	Resolver   *PolicyResolver
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
}

// NewSlaMonitor constructs the monitor.
func NewSlaMonitor(deps MonitorDependencies, warningFraction float64) *SlaMonitor {
	if warningFraction <= 0 || warningFraction >= 1 {
		warningFraction = 0.80
	}
	return &SlaMonitor{
		tickets:         deps.TicketRepo,
		resolver:        deps.Resolver,
		dispatcher:      deps.Dispatcher,
		logger:          deps.Logger,
		warningFraction: warningFraction,
	}
}

// InitializeSla sets due timestamps for a newly created ticket. Tickets
// whose priority has no configured targets become NOT_APPLICABLE and stay
// out of every monitor query permanently.
func (m *SlaMonitor) InitializeSla(ctx context.Context, ticket *domain.Ticket) error {
	targets, ok := m.resolver.Resolve(ticket.Priority)
	if !ok {
		ticket.SlaStatus = domain.SlaStatusNotApplicable
		m.logger.Warn("no SLA targets for priority; ticket not tracked",
			zap.String("ticket", ticket.Number),
			zap.String("priority", string(ticket.Priority)))
		return m.saveWithRetry(ctx, ticket)
	}

	firstResponseDue := ticket.CreatedAt.Add(targets.FirstResponse)
	resolutionDue := ticket.CreatedAt.Add(targets.Resolution)
	ticket.FirstResponseDue = &firstResponseDue
	ticket.ResolutionDue = &resolutionDue
	ticket.SlaStatus = domain.SlaStatusOnTrack

	if err := m.saveWithRetry(ctx, ticket); err != nil {
		return err
	}
	m.publish(ctx, events.Event{
		Type:     events.EventSlaInitialized,
		TicketID: ticket.ID,
		Payload: events.SlaInitializedPayload{
			FirstResponseDue: ticket.FirstResponseDue,
			ResolutionDue:    ticket.ResolutionDue,
			Status:           ticket.SlaStatus,
		},
	})
	m.logger.Info("SLA initialized",
		zap.String("ticket", ticket.Number),
		zap.Timep("first_response_due", ticket.FirstResponseDue),
		zap.Timep("resolution_due", ticket.ResolutionDue))
	return nil
}

// RecordFirstResponse marks the first-response dimension satisfied. A late
// response keeps the miss flagged for compliance reporting, but the
// dimension leaves all further breach checks either way.
func (m *SlaMonitor) RecordFirstResponse(ctx context.Context, ticket *domain.Ticket, at time.Time) error {
	if ticket.FirstRespondedAt != nil {
		return nil
	}
	responded := at
	ticket.FirstRespondedAt = &responded
	if ticket.FirstResponseDue != nil && at.After(*ticket.FirstResponseDue) {
		ticket.FirstResponseLate = true
	}
	ticket.SlaStatus = m.statusAt(ticket, at)
	return m.saveWithRetry(ctx, ticket)
}

// PauseSla suspends SLA accounting, typically when the ticket moves to a
// customer-pending lifecycle status.
func (m *SlaMonitor) PauseSla(ctx context.Context, ticket *domain.Ticket, at time.Time) error {
	if !ticket.SlaApplicable() || ticket.SlaPausedAt != nil {
		return nil
	}
	pausedAt := at
	ticket.SlaPausedAt = &pausedAt
	ticket.SlaStatus = domain.SlaStatusPaused
	if err := m.saveWithRetry(ctx, ticket); err != nil {
		return err
	}
	m.publish(ctx, events.Event{
		Type:     events.EventSlaPaused,
		TicketID: ticket.ID,
		Payload:  events.SlaPausedPayload{PausedAt: at},
	})
	m.logger.Info("SLA paused", zap.String("ticket", ticket.Number))
	return nil
}

// ResumeSla shifts both due timestamps forward by the paused wall time, so
// the remaining budget is exactly what it was at pause, and opens a new
// breach episode.
func (m *SlaMonitor) ResumeSla(ctx context.Context, ticket *domain.Ticket, at time.Time) error {
	if !ticket.SlaApplicable() || ticket.SlaPausedAt == nil {
		return nil
	}
	paused := at.Sub(*ticket.SlaPausedAt)
	if paused < 0 {
		paused = 0
	}
	// Rounded, not truncated: sub-minute pauses must not leak out of the
	// paused-time ledger.
	ticket.SlaPausedMinutes += int(paused.Round(time.Minute) / time.Minute)
	ticket.SlaPausedAt = nil

	if ticket.FirstResponseDue != nil && ticket.FirstRespondedAt == nil {
		due := ticket.FirstResponseDue.Add(paused)
		ticket.FirstResponseDue = &due
	}
	if ticket.ResolutionDue != nil {
		due := ticket.ResolutionDue.Add(paused)
		ticket.ResolutionDue = &due
	}
	ticket.SlaEpisode++
	ticket.SlaStatus = m.statusAt(ticket, at)

	if err := m.saveWithRetry(ctx, ticket); err != nil {
		return err
	}
	m.publish(ctx, events.Event{
		Type:     events.EventSlaResumed,
		TicketID: ticket.ID,
		Payload: events.SlaResumedPayload{
			PausedMinutes: ticket.SlaPausedMinutes,
			Episode:       ticket.SlaEpisode,
		},
	})
	m.logger.Info("SLA resumed",
		zap.String("ticket", ticket.Number),
		zap.Int("total_paused_minutes", ticket.SlaPausedMinutes),
		zap.Int("episode", ticket.SlaEpisode))
	return nil
}

// ReopenSla starts a fresh breach episode for a reopened ticket.
func (m *SlaMonitor) ReopenSla(ctx context.Context, ticket *domain.Ticket, at time.Time) error {
	if !ticket.SlaApplicable() {
		return nil
	}
	ticket.ResolvedAt = nil
	ticket.ResolutionLate = false
	ticket.SlaEpisode++
	ticket.SlaStatus = m.statusAt(ticket, at)
	return m.saveWithRetry(ctx, ticket)
}

// TicketsApproachingBreach returns tickets whose nearest unmet due time
// falls inside the lookahead window, most urgent first. The ordering
// matters: escalation processing walks the list in order, so a downstream
// failure never starves the most urgent ticket.
func (m *SlaMonitor) TicketsApproachingBreach(ctx context.Context, now time.Time, window time.Duration) ([]domain.Ticket, error) {
	return m.tickets.FindApproachingBreach(ctx, now, window)
}

// BreachedTickets returns tickets with an unmet due time already past.
func (m *SlaMonitor) BreachedTickets(ctx context.Context, now time.Time) ([]domain.Ticket, error) {
	return m.tickets.FindBreached(ctx, now)
}

// RefreshSlaStatus recomputes and persists the stored SLA status and late
// flags. Recomputing an already-BREACHED ticket is a no-op write.
func (m *SlaMonitor) RefreshSlaStatus(ctx context.Context, ticket *domain.Ticket, now time.Time) error {
	status := m.statusAt(ticket, now)
	late := ticket.FirstResponseLate
	resolutionLate := ticket.ResolutionLate

	if ticket.FirstResponseOpen() && now.After(*ticket.FirstResponseDue) {
		late = true
	}
	if ticket.ResolutionOpen() && now.After(*ticket.ResolutionDue) {
		resolutionLate = true
	}

	if status == ticket.SlaStatus && late == ticket.FirstResponseLate && resolutionLate == ticket.ResolutionLate {
		return nil
	}
	ticket.SlaStatus = status
	ticket.FirstResponseLate = late
	ticket.ResolutionLate = resolutionLate
	return m.saveWithRetry(ctx, ticket)
}

// StatusAt classifies the ticket against `now` without persisting.
func (m *SlaMonitor) StatusAt(ticket *domain.Ticket, now time.Time) domain.SlaStatus {
	return m.statusAt(ticket, now)
}

func (m *SlaMonitor) statusAt(ticket *domain.Ticket, now time.Time) domain.SlaStatus {
	if !ticket.SlaApplicable() {
		return domain.SlaStatusNotApplicable
	}
	if ticket.SlaPausedAt != nil {
		return domain.SlaStatusPaused
	}

	first := m.dimensionStatus(ticket, ticket.FirstResponseOpen(), ticket.FirstResponseDue, now)
	resolution := m.dimensionStatus(ticket, ticket.ResolutionOpen(), ticket.ResolutionDue, now)
	combined := domain.CombineSlaStatus(first, resolution)
	if combined == domain.SlaStatusNotApplicable {
		// Both dimensions settled; the ticket met or closed out its SLA.
		return domain.SlaStatusOnTrack
	}
	return combined
}

func (m *SlaMonitor) dimensionStatus(ticket *domain.Ticket, open bool, due *time.Time, now time.Time) domain.SlaStatus {
	if !open || due == nil {
		return domain.SlaStatusNotApplicable
	}
	if now.After(*due) {
		return domain.SlaStatusBreached
	}
	if elapsedFraction(ticket.CreatedAt, *due, now, pausedDuration(ticket, now)) >= m.warningFraction {
		return domain.SlaStatusWarning
	}
	return domain.SlaStatusOnTrack
}

// Metrics recomputes the aggregate compliance snapshot from current ticket
// state. Compliance rates are rounded half-even to two decimals.
func (m *SlaMonitor) Metrics(ctx context.Context, now time.Time) (*domain.SlaMetrics, error) {
	tickets, err := m.tickets.ListWithSla(ctx)
	if err != nil {
		return nil, err
	}

	metrics := &domain.SlaMetrics{GeneratedAt: now}
	var (
		firstCompliant, firstTotal           int64
		resolutionCompliant, resolutionTotal int64
		firstMinutes, firstCount             int64
		resolutionMinutes, resolutionCount   int64
	)

	for i := range tickets {
		ticket := &tickets[i]
		metrics.TotalTicketsWithSla++

		switch m.statusAt(ticket, now) {
		case domain.SlaStatusOnTrack:
			metrics.TicketsOnTrack++
		case domain.SlaStatusWarning:
			metrics.TicketsInWarning++
		case domain.SlaStatusBreached:
			metrics.TicketsBreached++
		case domain.SlaStatusPaused:
			metrics.TicketsPaused++
		}

		if ticket.FirstResponseDue != nil {
			firstTotal++
			if !ticket.FirstResponseLate &&
				(ticket.FirstRespondedAt == nil || !ticket.FirstRespondedAt.After(*ticket.FirstResponseDue)) {
				firstCompliant++
			}
			if ticket.FirstRespondedAt != nil {
				firstMinutes += int64(ticket.FirstRespondedAt.Sub(ticket.CreatedAt).Minutes())
				firstCount++
			}
		}

		if ticket.ResolutionDue != nil {
			resolutionTotal++
			if !ticket.ResolutionLate &&
				(ticket.ResolvedAt == nil || !ticket.ResolvedAt.After(*ticket.ResolutionDue)) {
				resolutionCompliant++
			}
			if ticket.ResolvedAt != nil {
				resolutionMinutes += int64(ticket.ResolvedAt.Sub(ticket.CreatedAt).Minutes())
				resolutionCount++
			}
		}
	}

	metrics.FirstResponseComplianceRate = roundRate(complianceRate(firstCompliant, firstTotal))
	metrics.ResolutionComplianceRate = roundRate(complianceRate(resolutionCompliant, resolutionTotal))
	metrics.OverallComplianceRate = roundRate((metrics.FirstResponseComplianceRate + metrics.ResolutionComplianceRate) / 2)
	if firstCount > 0 {
		metrics.AverageFirstResponseMinutes = firstMinutes / firstCount
	}
	if resolutionCount > 0 {
		metrics.AverageResolutionMinutes = resolutionMinutes / resolutionCount
	}
	return metrics, nil
}

// saveWithRetry saves the ticket; on a version conflict it re-reads once,
// carries the SLA fields onto the fresh row and retries. A second conflict
// is logged and the update dropped for this pass.
func (m *SlaMonitor) saveWithRetry(ctx context.Context, ticket *domain.Ticket) error {
	err := m.tickets.Save(ctx, ticket, ticket.Version)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrVersionConflict) {
		return err
	}

	fresh, getErr := m.tickets.GetByID(ctx, ticket.ID)
	if getErr != nil {
		return getErr
	}
	applySlaFields(fresh, ticket)
	if err := m.tickets.Save(ctx, fresh, fresh.Version); err != nil {
		m.logger.Warn("dropping SLA update after repeated version conflict",
			zap.String("ticket", ticket.Number), zap.Error(err))
		if errors.Is(err, repository.ErrVersionConflict) {
			return apperrors.NewConflict("ticket changed concurrently; SLA update dropped",
				map[string]any{"ticket": ticket.Number})
		}
		return err
	}
	*ticket = *fresh
	return nil
}

// applySlaFields copies the SLA-owned fields from src onto a freshly read
// row, leaving every ticket-service-owned field as read.
func applySlaFields(dst, src *domain.Ticket) {
	dst.FirstRespondedAt = src.FirstRespondedAt
	dst.FirstResponseDue = src.FirstResponseDue
	dst.ResolutionDue = src.ResolutionDue
	dst.SlaStatus = src.SlaStatus
	dst.SlaEpisode = src.SlaEpisode
	dst.SlaPausedAt = src.SlaPausedAt
	dst.SlaPausedMinutes = src.SlaPausedMinutes
	dst.FirstResponseLate = src.FirstResponseLate
	dst.ResolutionLate = src.ResolutionLate
}

func (m *SlaMonitor) publish(ctx context.Context, event events.Event) {
	if m.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_ = m.dispatcher.Publish(ctx, event)
}

// elapsedFraction returns the share of the start→due budget consumed at now.
// Paused wall time counts toward neither elapsed nor total: the due time was
// shifted forward by the pause, so both sides must shed it or a long pause
// would read as consumed budget.
func elapsedFraction(start, due, now time.Time, paused time.Duration) float64 {
	total := due.Sub(start) - paused
	if total <= 0 {
		return 1
	}
	return float64(now.Sub(start)-paused) / float64(total)
}

// pausedDuration returns the ticket's accumulated paused wall time,
// including an in-progress pause.
func pausedDuration(t *domain.Ticket, now time.Time) time.Duration {
	paused := time.Duration(t.SlaPausedMinutes) * time.Minute
	if t.SlaPausedAt != nil {
		if live := now.Sub(*t.SlaPausedAt); live > 0 {
			paused += live
		}
	}
	return paused
}

func complianceRate(compliant, total int64) float64 {
	if total == 0 {
		return 100
	}
	return float64(compliant) / float64(total) * 100
}

// roundRate rounds half-even to two decimals.
func roundRate(v float64) float64 {
	return math.RoundToEven(v*100) / 100
}
