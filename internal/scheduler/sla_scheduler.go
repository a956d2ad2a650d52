package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/spec-kit/sla-service/internal/config"
	"github.com/spec-kit/sla-service/internal/events"
	"github.com/spec-kit/sla-service/internal/observability"
	"github.com/spec-kit/sla-service/internal/service"
	apperrors "github.com/spec-kit/sla-service/pkg/util"
)

// SlaScheduler drives the SLA engine: a fixed-interval breach check and an
// hourly compliance report. The two timers are independent; a slow breach
// check never blocks the report and vice versa. Nothing here is fatal —
// tick-level failures are logged and the next tick retries from scratch.
type SlaScheduler struct {
	monitor     *service.SlaMonitor
	escalations *service.EscalationService
	dispatcher  events.Dispatcher
	logger      *zap.Logger
	metrics     *observability.Metrics
	cfg         config.SlaConfig

	// checkMu serializes breach-check passes. An overlapping tick is
	// skipped, not queued: two concurrent passes would race to dispatch
	// escalations for the same episode, and the ledger is a backstop, not
	// a substitute for serialization.
	checkMu sync.Mutex

	cron *cron.Cron
	stop chan struct{}
	wg   sync.WaitGroup
}

// SchedulerDependencies bundles collaborators for the scheduler.
type SchedulerDependencies struct {
	Monitor     *service.SlaMonitor
	Escalations *service.EscalationService
	Dispatcher  events.Dispatcher
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// NewSlaScheduler constructs the scheduler. Configuration is immutable
// after construction.
func NewSlaScheduler(deps SchedulerDependencies, cfg config.SlaConfig) *SlaScheduler {
	return &SlaScheduler{
		monitor:     deps.Monitor,
		escalations: deps.Escalations,
		dispatcher:  deps.Dispatcher,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		cfg:         cfg,
		stop:        make(chan struct{}),
	}
}

// Start launches both timers.
func (s *SlaScheduler) Start() error {
	s.wg.Add(1)
	go s.runBreachCheckLoop()

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.ReportCronSpec, s.runReport); err != nil {
		return err
	}
	s.cron.Start()

	s.logger.Info("SLA scheduler started",
		zap.Duration("check_interval", s.cfg.CheckInterval()),
		zap.Duration("lookahead", s.cfg.LookaheadWindow()),
		zap.String("report_cron", s.cfg.ReportCronSpec))
	return nil
}

// Stop halts both timers and waits for an in-flight pass to complete, so a
// firing record is never left without its action having run.
func (s *SlaScheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.logger.Info("SLA scheduler stopped")
}

func (s *SlaScheduler) runBreachCheckLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runBreachCheck()
		case <-s.stop:
			return
		}
	}
}

// runBreachCheck executes one pass: escalate tickets approaching or in
// breach, then refresh the stored status of breached tickets. The whole
// pass classifies against a single `now`.
func (s *SlaScheduler) runBreachCheck() {
	if !s.checkMu.TryLock() {
		s.logger.Warn("breach check still running; skipping this tick")
		s.metrics.RecordTickSkipped()
		return
	}
	defer s.checkMu.Unlock()

	ctx := context.Background()
	now := time.Now()
	s.logger.Debug("running SLA breach check")

	approaching, err := s.monitor.TicketsApproachingBreach(ctx, now, s.cfg.LookaheadWindow())
	if err != nil {
		s.logger.Error("failed to query tickets approaching breach", zap.Error(err))
		return
	}

	if len(approaching) > 0 {
		s.logger.Info("tickets approaching SLA breach", zap.Int("count", len(approaching)))
		alerts := s.escalations.ProcessEscalations(ctx, approaching, now)
		for _, alert := range alerts {
			state := "WARNING"
			if alert.Breached {
				state = "BREACHED"
			}
			s.logger.Info("SLA alert",
				zap.String("ticket", alert.TicketNumber),
				zap.String("state", state),
				zap.String("type", string(alert.Type)),
				zap.Int("minutes_until_breach", alert.MinutesUntilBreach),
				zap.String("rule", alert.RuleName))
		}
	}

	breached, err := s.monitor.BreachedTickets(ctx, now)
	if err != nil {
		s.logger.Error("failed to query breached tickets", zap.Error(err))
		return
	}
	for i := range breached {
		if err := s.monitor.RefreshSlaStatus(ctx, &breached[i], now); err != nil {
			if apperrors.IsConflict(err) {
				// Another writer moved the ticket; the next tick recomputes.
				s.logger.Warn("SLA status refresh lost a write race",
					zap.String("ticket", breached[i].Number))
				continue
			}
			s.logger.Error("failed to refresh SLA status",
				zap.String("ticket", breached[i].Number), zap.Error(err))
		}
	}

	s.metrics.RecordTick()
}

// runReport emits the hourly compliance summary.
func (s *SlaScheduler) runReport() {
	ctx := context.Background()
	now := time.Now()
	s.logger.Info("generating SLA compliance report")

	metrics, err := s.monitor.Metrics(ctx, now)
	if err != nil {
		s.logger.Error("failed to compute SLA metrics", zap.Error(err))
		return
	}

	s.logger.Info("SLA compliance report",
		zap.Int64("total_with_sla", metrics.TotalTicketsWithSla),
		zap.Int64("on_track", metrics.TicketsOnTrack),
		zap.Int64("warning", metrics.TicketsInWarning),
		zap.Int64("breached", metrics.TicketsBreached),
		zap.Int64("paused", metrics.TicketsPaused),
		zap.Float64("first_response_compliance_pct", metrics.FirstResponseComplianceRate),
		zap.Float64("resolution_compliance_pct", metrics.ResolutionComplianceRate),
		zap.Float64("overall_compliance_pct", metrics.OverallComplianceRate),
		zap.Int64("avg_first_response_minutes", metrics.AverageFirstResponseMinutes),
		zap.Int64("avg_resolution_minutes", metrics.AverageResolutionMinutes))

	if s.dispatcher != nil {
		_ = s.dispatcher.Publish(ctx, events.Event{
			ID:        uuid.NewString(),
			Type:      events.EventSlaReportGenerated,
			Timestamp: now,
			Payload:   events.SlaReportPayload{Metrics: *metrics},
		})
	}
}
