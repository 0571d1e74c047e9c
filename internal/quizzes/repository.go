package quizzes

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/database"
)

const columns = `id, meeting_id, question, option_a, option_b, option_c, option_d, correct_option,
	time_limit_seconds, active, launched_at, ended_at, created_at, updated_at`

// Repository handles quiz persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a quizzes repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanQuiz(row database.Scanner) (*models.Quiz, error) {
	var q models.Quiz
	err := row.Scan(&q.ID, &q.MeetingID, &q.Question, &q.OptionA, &q.OptionB, &q.OptionC, &q.OptionD, &q.CorrectOption,
		&q.TimeLimitSeconds, &q.Active, &q.LaunchedAt, &q.EndedAt, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, database.Translate(err)
	}
	return &q, nil
}

// Insert creates an inactive quiz.
func (r *Repository) Insert(ctx context.Context, q *models.Quiz) error {
	const query = `INSERT INTO quizzes (meeting_id, question, option_a, option_b, option_c, option_d, correct_option, time_limit_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, query, q.MeetingID, q.Question, q.OptionA, q.OptionB, q.OptionC, q.OptionD,
		q.CorrectOption, q.TimeLimitSeconds).Scan(&q.ID, &q.CreatedAt, &q.UpdatedAt)
	return database.Translate(err)
}

// Get returns a quiz by ID.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Quiz, error) {
	return scanQuiz(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM quizzes WHERE id = $1`, id))
}

// GetActive returns the meeting's active quiz.
func (r *Repository) GetActive(ctx context.Context, meetingID uuid.UUID) (*models.Quiz, error) {
	return scanQuiz(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM quizzes WHERE meeting_id = $1 AND active`, meetingID))
}

// ListByMeeting returns the meeting's quizzes, most recently launched first.
func (r *Repository) ListByMeeting(ctx context.Context, meetingID uuid.UUID) ([]models.Quiz, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM quizzes WHERE meeting_id = $1
		ORDER BY launched_at DESC NULLS LAST, created_at DESC`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Quiz
	for rows.Next() {
		q, err := scanQuiz(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *q)
	}
	return list, rows.Err()
}

// Activate marks the quiz active in one conditional statement. The partial
// unique index on (meeting_id) WHERE active rejects a second active quiz with
// database.ErrDuplicate; an already active quiz matches no row and reports the same.
func (r *Repository) Activate(ctx context.Context, id uuid.UUID, launchedAt time.Time) (*models.Quiz, error) {
	q, err := scanQuiz(r.pool.QueryRow(ctx,
		`UPDATE quizzes SET active = TRUE, launched_at = $2, ended_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND NOT active
		 RETURNING `+columns, id, launchedAt))
	if errors.Is(err, database.ErrNotFound) {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, database.ErrDuplicate
	}
	return q, err
}

// Deactivate ends the quiz if it is still active and reports whether it changed.
func (r *Repository) Deactivate(ctx context.Context, id uuid.UUID, endedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE quizzes SET active = FALSE, ended_at = $2, updated_at = NOW() WHERE id = $1 AND active`, id, endedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// DeleteInactive removes the quiz unless it is active and reports whether it was removed.
func (r *Repository) DeleteInactive(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM quizzes WHERE id = $1 AND NOT active`, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
