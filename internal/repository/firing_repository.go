package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/sla-service/internal/domain"
)

// FiringRepository is the de-duplication ledger. The unique index on
// (ticket_id, rule_id, episode) is the sole correctness mechanism against a
// rule firing twice within one breach episode, including across concurrent
// workers.
type FiringRepository interface {
	// TryRecord inserts a firing record. Returns true when the record is
	// new (caller proceeds with the action) and false when the rule already
	// fired for this episode.
	TryRecord(ctx context.Context, ticketID, ruleID string, episode int, firedAt time.Time) (bool, error)
	ListByTicket(ctx context.Context, ticketID string) ([]domain.EscalationFiring, error)
}

type firingRepository struct {
	pool *pgxpool.Pool
}

// NewFiringRepository instantiates repository.
func NewFiringRepository(pool *pgxpool.Pool) FiringRepository {
	return &firingRepository{pool: pool}
}

func (r *firingRepository) TryRecord(ctx context.Context, ticketID, ruleID string, episode int, firedAt time.Time) (bool, error) {
	const query = `
        INSERT INTO escalation_firings (ticket_id, rule_id, episode, fired_at)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (ticket_id, rule_id, episode) DO NOTHING`
	cmd, err := r.pool.Exec(ctx, query, ticketID, ruleID, episode, firedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *firingRepository) ListByTicket(ctx context.Context, ticketID string) ([]domain.EscalationFiring, error) {
	const query = `
        SELECT id, ticket_id, rule_id, episode, fired_at
        FROM escalation_firings WHERE ticket_id=$1 ORDER BY fired_at ASC`
	rows, err := r.pool.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.EscalationFiring
	for rows.Next() {
		var firing domain.EscalationFiring
		if err := rows.Scan(&firing.ID, &firing.TicketID, &firing.RuleID, &firing.Episode, &firing.FiredAt); err != nil {
			return nil, err
		}
		result = append(result, firing)
	}
	return result, rows.Err()
}
