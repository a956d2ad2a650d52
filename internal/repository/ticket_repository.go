package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/sla-service/internal/domain"
)

// ErrVersionConflict signals an optimistic-lock mismatch on save: the row
// changed since the caller read it.
var ErrVersionConflict = errors.New("ticket version conflict")

// TicketRepository encapsulates the SLA projection of ticket persistence.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	// Save writes SLA-relevant fields guarded by the version the caller
	// read; returns ErrVersionConflict when the row moved underneath it.
	Save(ctx context.Context, ticket *domain.Ticket, expectedVersion int64) error
	// FindApproachingBreach returns active tickets with at least one
	// dimension whose unmet due time falls at or before now+window and
	// whose breach has not yet been flagged, ordered most urgent first.
	// Eligibility is per dimension: a first-response breach never hides
	// the resolution dimension, and vice versa.
	FindApproachingBreach(ctx context.Context, now time.Time, window time.Duration) ([]domain.Ticket, error)
	// FindBreached returns active tickets with an unmet due time in the past.
	FindBreached(ctx context.Context, now time.Time) ([]domain.Ticket, error)
	// ListWithSla returns every ticket with an applicable SLA, for the
	// aggregate compliance snapshot.
	ListWithSla(ctx context.Context) ([]domain.Ticket, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, number, project_id, assignee_id, priority, status,
       created_at, resolved_at, first_responded_at, first_response_due, resolution_due,
       sla_status, sla_episode, sla_paused_at, sla_paused_minutes,
       first_response_late, resolution_late, version, updated_at`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (number, project_id, assignee_id, priority, status,
            resolved_at, first_responded_at, first_response_due, resolution_due,
            sla_status, sla_episode, sla_paused_at, sla_paused_minutes,
            first_response_late, resolution_late)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        RETURNING id, created_at, version, updated_at`
	return r.pool.QueryRow(ctx, query,
		ticket.Number,
		ticket.ProjectID,
		ticket.AssigneeID,
		ticket.Priority,
		ticket.Status,
		ticket.ResolvedAt,
		ticket.FirstRespondedAt,
		ticket.FirstResponseDue,
		ticket.ResolutionDue,
		ticket.SlaStatus,
		ticket.SlaEpisode,
		ticket.SlaPausedAt,
		ticket.SlaPausedMinutes,
		ticket.FirstResponseLate,
		ticket.ResolutionLate,
	).Scan(&ticket.ID, &ticket.CreatedAt, &ticket.Version, &ticket.UpdatedAt)
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	var ticket domain.Ticket
	row := r.pool.QueryRow(ctx, query, id)
	if err := scanTicket(row, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (r *ticketRepository) Save(ctx context.Context, ticket *domain.Ticket, expectedVersion int64) error {
	const query = `
        UPDATE tickets SET assignee_id=$1, priority=$2, status=$3, resolved_at=$4,
            first_responded_at=$5, first_response_due=$6, resolution_due=$7,
            sla_status=$8, sla_episode=$9, sla_paused_at=$10, sla_paused_minutes=$11,
            first_response_late=$12, resolution_late=$13,
            version=version+1, updated_at=NOW()
        WHERE id=$14 AND version=$15
        RETURNING version, updated_at`
	err := r.pool.QueryRow(ctx, query,
		ticket.AssigneeID,
		ticket.Priority,
		ticket.Status,
		ticket.ResolvedAt,
		ticket.FirstRespondedAt,
		ticket.FirstResponseDue,
		ticket.ResolutionDue,
		ticket.SlaStatus,
		ticket.SlaEpisode,
		ticket.SlaPausedAt,
		ticket.SlaPausedMinutes,
		ticket.FirstResponseLate,
		ticket.ResolutionLate,
		ticket.ID,
		expectedVersion,
	).Scan(&ticket.Version, &ticket.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	return err
}

func (r *ticketRepository) FindApproachingBreach(ctx context.Context, now time.Time, window time.Duration) ([]domain.Ticket, error) {
	// Each dimension qualifies on its own: a due time already in the past
	// still counts until that dimension's late flag is set, so breach-only
	// rules get exactly one pass, and a first-response breach does not
	// hide a resolution dimension that is still approaching.
	query := `
        SELECT ` + ticketColumns + `
        FROM tickets
        WHERE status IN ('OPEN','IN_PROGRESS','REOPENED')
          AND sla_status <> 'NOT_APPLICABLE'
          AND sla_paused_at IS NULL
          AND (
            (first_responded_at IS NULL AND first_response_due IS NOT NULL
                AND NOT first_response_late AND first_response_due <= $1)
            OR (resolution_due IS NOT NULL AND NOT resolution_late
                AND resolution_due <= $1)
          )
        ORDER BY LEAST(
            CASE WHEN first_responded_at IS NULL AND first_response_due IS NOT NULL
                      AND NOT first_response_late
                 THEN first_response_due ELSE 'infinity'::timestamptz END,
            CASE WHEN resolution_due IS NOT NULL AND NOT resolution_late
                 THEN resolution_due ELSE 'infinity'::timestamptz END) ASC`
	rows, err := r.pool.Query(ctx, query, now.Add(window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (r *ticketRepository) FindBreached(ctx context.Context, now time.Time) ([]domain.Ticket, error) {
	query := `
        SELECT ` + ticketColumns + `
        FROM tickets
        WHERE status IN ('OPEN','IN_PROGRESS','REOPENED')
          AND sla_status <> 'NOT_APPLICABLE'
          AND sla_paused_at IS NULL
          AND (
            (first_responded_at IS NULL AND first_response_due IS NOT NULL
                AND first_response_due <= $1)
            OR (resolution_due IS NOT NULL AND resolution_due <= $1)
          )
        ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (r *ticketRepository) ListWithSla(ctx context.Context) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets
              WHERE sla_status <> 'NOT_APPLICABLE' ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func scanTicket(row pgx.Row, ticket *domain.Ticket) error {
	return row.Scan(
		&ticket.ID,
		&ticket.Number,
		&ticket.ProjectID,
		&ticket.AssigneeID,
		&ticket.Priority,
		&ticket.Status,
		&ticket.CreatedAt,
		&ticket.ResolvedAt,
		&ticket.FirstRespondedAt,
		&ticket.FirstResponseDue,
		&ticket.ResolutionDue,
		&ticket.SlaStatus,
		&ticket.SlaEpisode,
		&ticket.SlaPausedAt,
		&ticket.SlaPausedMinutes,
		&ticket.FirstResponseLate,
		&ticket.ResolutionLate,
		&ticket.Version,
		&ticket.UpdatedAt,
	)
}

func scanTickets(rows pgx.Rows) ([]domain.Ticket, error) {
	var result []domain.Ticket
	for rows.Next() {
		var ticket domain.Ticket
		if err := scanTicket(rows, &ticket); err != nil {
			return nil, err
		}
		result = append(result, ticket)
	}
	return result, rows.Err()
}
