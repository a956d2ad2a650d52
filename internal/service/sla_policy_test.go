package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spec-kit/sla-service/internal/config"
	"github.com/spec-kit/sla-service/internal/domain"
)

func testSlaConfig() config.SlaConfig {
	return config.SlaConfig{
		Targets: map[domain.TicketPriority]domain.SlaTargets{
			domain.TicketPriorityCritical: {FirstResponse: 15 * time.Minute, Resolution: 240 * time.Minute},
			domain.TicketPriorityUrgent:   {FirstResponse: 30 * time.Minute, Resolution: 360 * time.Minute},
			domain.TicketPriorityHigh:     {FirstResponse: 60 * time.Minute, Resolution: 480 * time.Minute},
		},
		WarningFraction:      0.80,
		CheckIntervalSeconds: 60,
		LookaheadMinutes:     60,
		WorkerCount:          4,
	}
}

func TestPolicyResolverKnownPriority(t *testing.T) {
	resolver := NewPolicyResolver(testSlaConfig())

	targets, ok := resolver.Resolve(domain.TicketPriorityCritical)
	require.True(t, ok)
	require.Equal(t, 15*time.Minute, targets.FirstResponse)
	require.Equal(t, 240*time.Minute, targets.Resolution)
}

func TestPolicyResolverFailsClosed(t *testing.T) {
	resolver := NewPolicyResolver(testSlaConfig())

	_, ok := resolver.Resolve(domain.TicketPriorityLow)
	require.False(t, ok, "unconfigured priority must not resolve to a default")

	_, ok = resolver.Resolve(domain.TicketPriority("BOGUS"))
	require.False(t, ok)
}
