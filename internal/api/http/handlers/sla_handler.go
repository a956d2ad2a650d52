package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/sla-service/internal/api/dto"
	"github.com/spec-kit/sla-service/internal/domain"
	"github.com/spec-kit/sla-service/internal/observability"
	"github.com/spec-kit/sla-service/internal/persistence"
	"github.com/spec-kit/sla-service/internal/repository"
	"github.com/spec-kit/sla-service/internal/service"
	apperrors "github.com/spec-kit/sla-service/pkg/util"
)

// SlaHandler exposes the SLA dashboard and escalation rule admin surface.
type SlaHandler struct {
	monitor      *service.SlaMonitor
	rules        repository.RuleRepository
	metricsCache *persistence.MetricsCache
	engine       *observability.Metrics
	logger       *zap.Logger
}

// NewSlaHandler returns a new handler instance.
func NewSlaHandler(monitor *service.SlaMonitor, rules repository.RuleRepository, metricsCache *persistence.MetricsCache, engine *observability.Metrics, logger *zap.Logger) *SlaHandler {
	return &SlaHandler{
		monitor:      monitor,
		rules:        rules,
		metricsCache: metricsCache,
		engine:       engine,
		logger:       logger,
	}
}

// Metrics serves the aggregate compliance snapshot, cached briefly so
// dashboard polling does not rescan tickets on every request.
func (h *SlaHandler) Metrics(c *fiber.Ctx) error {
	ctx := c.UserContext()

	if cached, err := h.metricsCache.Get(ctx); err != nil {
		h.logger.Warn("metrics cache read failed", zap.Error(err))
	} else if cached != nil {
		return c.JSON(cached)
	}

	metrics, err := h.monitor.Metrics(ctx, time.Now())
	if err != nil {
		return err
	}
	if err := h.metricsCache.Set(ctx, metrics); err != nil {
		h.logger.Warn("metrics cache write failed", zap.Error(err))
	}
	return c.JSON(metrics)
}

// Breaches lists tickets currently past an unmet due time.
func (h *SlaHandler) Breaches(c *fiber.Ctx) error {
	now := time.Now()
	tickets, err := h.monitor.BreachedTickets(c.UserContext(), now)
	if err != nil {
		return err
	}

	items := make([]dto.TicketSlaResponse, 0, len(tickets))
	for i := range tickets {
		items = append(items, dto.NewTicketSlaResponse(&tickets[i], now))
	}
	return c.JSON(fiber.Map{"items": items, "total": len(items)})
}

// ListRules returns every escalation rule.
func (h *SlaHandler) ListRules(c *fiber.Ctx) error {
	rules, err := h.rules.List(c.UserContext())
	if err != nil {
		return err
	}
	items := make([]dto.EscalationRuleResponse, 0, len(rules))
	for i := range rules {
		items = append(items, dto.NewEscalationRuleResponse(&rules[i]))
	}
	return c.JSON(fiber.Map{"items": items, "total": len(items)})
}

// CreateRule registers a new escalation rule.
func (h *SlaHandler) CreateRule(c *fiber.Ctx) error {
	var req dto.CreateEscalationRuleRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid request body", nil)
	}
	if err := validateRuleRequest(&req); err != nil {
		return err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule := domain.EscalationRule{
		Name:             req.Name,
		Type:             req.Type,
		ThresholdPercent: req.ThresholdPercent,
		Action:           req.Action,
		NotifyRecipients: req.NotifyRecipients,
		ReassignTo:       req.ReassignTo,
		Priorities:       req.Priorities,
		ProjectID:        req.ProjectID,
		Enabled:          enabled,
	}
	if err := h.rules.Create(c.UserContext(), &rule); err != nil {
		return err
	}

	h.logger.Info("escalation rule created",
		zap.String("rule", rule.Name),
		zap.String("action", string(rule.Action)))
	return c.Status(fiber.StatusCreated).JSON(dto.NewEscalationRuleResponse(&rule))
}

// EngineStats reports scheduler/engine counters for diagnostics.
func (h *SlaHandler) EngineStats(c *fiber.Ctx) error {
	return c.JSON(h.engine.Snapshot())
}

func validateRuleRequest(req *dto.CreateEscalationRuleRequest) error {
	details := map[string]any{}
	if req.Name == "" {
		details["name"] = "required"
	}
	switch req.Type {
	case domain.EscalationFirstResponse, domain.EscalationResolution:
	default:
		details["type"] = "must be FIRST_RESPONSE or RESOLUTION"
	}
	if req.ThresholdPercent < 0 || req.ThresholdPercent > 100 {
		details["threshold_percent"] = "must be between 0 and 100"
	}
	switch req.Action {
	case domain.ActionNotifyEmail, domain.ActionNotifySlack:
		if len(req.NotifyRecipients) == 0 {
			details["notify_recipients"] = "required for notify actions"
		}
	case domain.ActionReassignTicket:
		if req.ReassignTo == nil || *req.ReassignTo == "" {
			details["reassign_to"] = "required for REASSIGN_TICKET"
		}
	case domain.ActionEscalateManager, domain.ActionIncreasePriority:
	default:
		details["action"] = "unknown action"
	}
	if len(details) > 0 {
		return apperrors.NewValidationError("invalid escalation rule", details)
	}
	return nil
}
