package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/sla-service/internal/domain"
)

// RuleRepository provides read/admin access to escalation rules. The
// escalation engine only reads; creation and edits come through the admin
// surface.
type RuleRepository interface {
	// FindEnabled returns enabled rules for the dimension whose scope
	// covers the given priority and project, ordered by creation time so
	// the earliest-defined rule fires first.
	FindEnabled(ctx context.Context, escType domain.EscalationType, priority domain.TicketPriority, projectID string) ([]domain.EscalationRule, error)
	List(ctx context.Context) ([]domain.EscalationRule, error)
	Create(ctx context.Context, rule *domain.EscalationRule) error
}

type ruleRepository struct {
	pool *pgxpool.Pool
}

// NewRuleRepository instantiates repository.
func NewRuleRepository(pool *pgxpool.Pool) RuleRepository {
	return &ruleRepository{pool: pool}
}

const ruleColumns = `id, name, escalation_type, threshold_percent, action,
       notify_recipients, reassign_to, priorities, project_id, enabled, created_at`

func (r *ruleRepository) FindEnabled(ctx context.Context, escType domain.EscalationType, priority domain.TicketPriority, projectID string) ([]domain.EscalationRule, error) {
	query := `
        SELECT ` + ruleColumns + `
        FROM escalation_rules
        WHERE enabled
          AND escalation_type = $1
          AND (priorities = '{}' OR $2 = ANY(priorities))
          AND (project_id IS NULL OR project_id = $3)
        ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, escType, priority, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func (r *ruleRepository) List(ctx context.Context) ([]domain.EscalationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM escalation_rules ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func (r *ruleRepository) Create(ctx context.Context, rule *domain.EscalationRule) error {
	const query = `
        INSERT INTO escalation_rules (name, escalation_type, threshold_percent, action,
            notify_recipients, reassign_to, priorities, project_id, enabled)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        RETURNING id, created_at`
	priorities := make([]string, 0, len(rule.Priorities))
	for _, p := range rule.Priorities {
		priorities = append(priorities, string(p))
	}
	return r.pool.QueryRow(ctx, query,
		rule.Name,
		rule.Type,
		rule.ThresholdPercent,
		rule.Action,
		rule.NotifyRecipients,
		rule.ReassignTo,
		priorities,
		rule.ProjectID,
		rule.Enabled,
	).Scan(&rule.ID, &rule.CreatedAt)
}

func scanRules(rows pgx.Rows) ([]domain.EscalationRule, error) {
	var result []domain.EscalationRule
	for rows.Next() {
		var rule domain.EscalationRule
		var priorities []string
		if err := rows.Scan(
			&rule.ID,
			&rule.Name,
			&rule.Type,
			&rule.ThresholdPercent,
			&rule.Action,
			&rule.NotifyRecipients,
			&rule.ReassignTo,
			&priorities,
			&rule.ProjectID,
			&rule.Enabled,
			&rule.CreatedAt,
		); err != nil {
			return nil, err
		}
		for _, p := range priorities {
			rule.Priorities = append(rule.Priorities, domain.TicketPriority(p))
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}
