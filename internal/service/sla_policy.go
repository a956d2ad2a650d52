package service

import (
	"github.com/spec-kit/sla-service/internal/config"
	"github.com/spec-kit/sla-service/internal/domain"
)

// PolicyResolver maps a ticket priority to its SLA targets. The table is
// policy configuration loaded at startup; the resolver itself is stateless.
type PolicyResolver struct {
	targets map[domain.TicketPriority]domain.SlaTargets
}

// NewPolicyResolver builds a resolver from the configured target table.
func NewPolicyResolver(cfg config.SlaConfig) *PolicyResolver {
	targets := make(map[domain.TicketPriority]domain.SlaTargets, len(cfg.Targets))
	for priority, t := range cfg.Targets {
		targets[priority] = t
	}
	return &PolicyResolver{targets: targets}
}

// Resolve returns the targets for a priority. Fails closed: an unknown or
// unconfigured priority yields ok=false and the caller must treat the
// ticket as NOT_APPLICABLE rather than guess a default target.
func (r *PolicyResolver) Resolve(priority domain.TicketPriority) (domain.SlaTargets, bool) {
	targets, ok := r.targets[priority]
	return targets, ok
}
