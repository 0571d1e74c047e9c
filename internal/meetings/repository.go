package meetings

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/database"
)

const columns = `id, title, description, scheduled_start, scheduled_end, actual_start, actual_end,
	target_degree, target_batch, status, channel_id, created_by, created_at, updated_at`

// Repository handles meeting persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a meetings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanMeeting(row database.Scanner) (*models.Meeting, error) {
	var m models.Meeting
	var status string
	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.ScheduledStart, &m.ScheduledEnd, &m.ActualStart, &m.ActualEnd,
		&m.TargetDegree, &m.TargetBatch, &status, &m.ChannelID, &m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, database.Translate(err)
	}
	m.Status = models.MeetingStatus(status)
	return &m, nil
}

// Insert creates a meeting and fills the timestamps.
func (r *Repository) Insert(ctx context.Context, m *models.Meeting) error {
	const q = `INSERT INTO meetings (id, title, description, scheduled_start, scheduled_end, target_degree, target_batch,
			status, channel_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, q, m.ID, m.Title, m.Description, m.ScheduledStart, m.ScheduledEnd,
		m.TargetDegree, m.TargetBatch, string(m.Status), m.ChannelID, m.CreatedBy).Scan(&m.CreatedAt, &m.UpdatedAt)
	return database.Translate(err)
}

// Get returns a meeting by ID.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Meeting, error) {
	return scanMeeting(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM meetings WHERE id = $1`, id))
}

// Update locks the meeting row, applies fn and writes the mutable columns back in
// the same transaction. fn receives a context carrying that transaction, so
// repository work it does commits or rolls back with the meeting. An error from
// fn rolls back and is returned as is.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, m *models.Meeting) error) (*models.Meeting, error) {
	var out *models.Meeting
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		m, err := scanMeeting(tx.QueryRow(ctx, `SELECT `+columns+` FROM meetings WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(database.WithTx(ctx, tx), m); err != nil {
			return err
		}
		err = tx.QueryRow(ctx,
			`UPDATE meetings SET title = $2, description = $3, scheduled_start = $4, scheduled_end = $5,
				actual_start = $6, actual_end = $7, target_degree = $8, target_batch = $9, status = $10, updated_at = NOW()
			 WHERE id = $1 RETURNING updated_at`,
			m.ID, m.Title, m.Description, m.ScheduledStart, m.ScheduledEnd, m.ActualStart, m.ActualEnd,
			m.TargetDegree, m.TargetBatch, string(m.Status)).Scan(&m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("write meeting: %w", err)
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Hold takes a shared lock on the meeting row and runs fn inside that
// transaction. Holders do not block each other, but Update waits for them, so
// the status fn sees cannot change before fn's writes commit.
func (r *Repository) Hold(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, m *models.Meeting) error) (*models.Meeting, error) {
	var out *models.Meeting
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		m, err := scanMeeting(tx.QueryRow(ctx, `SELECT `+columns+` FROM meetings WHERE id = $1 FOR SHARE`, id))
		if err != nil {
			return err
		}
		if err := fn(database.WithTx(ctx, tx), m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByOwner returns the lecturer's meetings, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID int64) ([]models.Meeting, error) {
	return r.list(ctx, `SELECT `+columns+` FROM meetings WHERE created_by = $1 ORDER BY created_at DESC`, ownerID)
}

// ListByCohort returns the cohort's meetings in any of statuses, earliest scheduled start first.
func (r *Repository) ListByCohort(ctx context.Context, degree string, batch int, statuses ...models.MeetingStatus) ([]models.Meeting, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	return r.list(ctx, `SELECT `+columns+` FROM meetings
		WHERE LOWER(target_degree) = LOWER($1) AND target_batch = $2 AND status = ANY($3)
		ORDER BY scheduled_start ASC`, degree, batch, names)
}

// ListByCohortAndStatus returns the cohort's meetings with status.
func (r *Repository) ListByCohortAndStatus(ctx context.Context, degree string, batch int, status models.MeetingStatus) ([]models.Meeting, error) {
	return r.ListByCohort(ctx, degree, batch, status)
}

func (r *Repository) list(ctx context.Context, q string, args ...any) ([]models.Meeting, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}
