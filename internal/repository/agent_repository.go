package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/sla-service/internal/domain"
)

// AgentRepository is the directory projection used by escalation actions:
// reassignment targets and manager lookups.
type AgentRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Agent, error)
	// ManagerOf resolves the manager of an agent; returns nil without error
	// when the agent has no manager on record.
	ManagerOf(ctx context.Context, agentID string) (*domain.Agent, error)
}

type agentRepository struct {
	pool *pgxpool.Pool
}

// NewAgentRepository instantiates repository.
func NewAgentRepository(pool *pgxpool.Pool) AgentRepository {
	return &agentRepository{pool: pool}
}

func (r *agentRepository) GetByID(ctx context.Context, id string) (*domain.Agent, error) {
	const query = `SELECT id, email, manager_id, active FROM agents WHERE id=$1`
	var agent domain.Agent
	if err := r.pool.QueryRow(ctx, query, id).Scan(&agent.ID, &agent.Email, &agent.ManagerID, &agent.Active); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *agentRepository) ManagerOf(ctx context.Context, agentID string) (*domain.Agent, error) {
	agent, err := r.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.ManagerID == nil {
		return nil, nil
	}
	manager, err := r.GetByID(ctx, *agent.ManagerID)
	if err != nil {
		return nil, err
	}
	if !manager.Active {
		return nil, nil
	}
	return manager, nil
}
