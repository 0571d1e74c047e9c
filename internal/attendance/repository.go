package attendance

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/database"
)

const columns = `id, meeting_id, student_id, joined_at, last_joined_at, left_at,
	duration_minutes, percentage, status, created_at, updated_at`

// Repository handles the attendances table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an attendance repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanAttendance(row database.Scanner) (*models.Attendance, error) {
	var a models.Attendance
	var status string
	err := row.Scan(&a.ID, &a.MeetingID, &a.StudentID, &a.JoinedAt, &a.LastJoinedAt, &a.LeftAt,
		&a.DurationMinutes, &a.Percentage, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, database.Translate(err)
	}
	a.Status = models.AttendanceStatus(status)
	return &a, nil
}

// Get returns the row for (meeting, student).
func (r *Repository) Get(ctx context.Context, meetingID uuid.UUID, studentID int64) (*models.Attendance, error) {
	row := database.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+columns+` FROM attendances WHERE meeting_id = $1 AND student_id = $2`,
		meetingID, studentID)
	return scanAttendance(row)
}

// Insert creates the row. A concurrent insert for the same pair fails with
// database.ErrDuplicate. The insert runs in its own (sub)transaction so that a
// duplicate leaves a surrounding transaction usable.
func (r *Repository) Insert(ctx context.Context, a *models.Attendance) error {
	const q = `INSERT INTO attendances (meeting_id, student_id, joined_at, last_joined_at, left_at, duration_minutes, percentage, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`
	err := pgx.BeginFunc(ctx, database.Conn(ctx, r.pool), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, q, a.MeetingID, a.StudentID, a.JoinedAt, a.LastJoinedAt, a.LeftAt,
			a.DurationMinutes, a.Percentage, string(a.Status)).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	})
	return database.Translate(err)
}

// Update locks the row with SELECT ... FOR UPDATE, applies fn and writes the result
// in the same transaction, nested in the one carried by ctx if any. An error
// from fn rolls back and is returned as is.
func (r *Repository) Update(ctx context.Context, meetingID uuid.UUID, studentID int64, fn func(a *models.Attendance) error) (*models.Attendance, error) {
	var out *models.Attendance
	err := pgx.BeginFunc(ctx, database.Conn(ctx, r.pool), func(tx pgx.Tx) error {
		a, err := scanAttendance(tx.QueryRow(ctx,
			`SELECT `+columns+` FROM attendances WHERE meeting_id = $1 AND student_id = $2 FOR UPDATE`,
			meetingID, studentID))
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		err = tx.QueryRow(ctx,
			`UPDATE attendances SET joined_at = $2, last_joined_at = $3, left_at = $4, duration_minutes = $5,
				percentage = $6, status = $7, updated_at = NOW()
			 WHERE id = $1 RETURNING updated_at`,
			a.ID, a.JoinedAt, a.LastJoinedAt, a.LeftAt, a.DurationMinutes, a.Percentage, string(a.Status)).
			Scan(&a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("write attendance: %w", err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByMeeting returns every row of a meeting, earliest join first.
func (r *Repository) ListByMeeting(ctx context.Context, meetingID uuid.UUID) ([]models.Attendance, error) {
	return r.list(ctx, `SELECT `+columns+` FROM attendances WHERE meeting_id = $1 ORDER BY joined_at`, meetingID)
}

// ListByMeetingAndStatus returns the rows of a meeting with the given classification.
func (r *Repository) ListByMeetingAndStatus(ctx context.Context, meetingID uuid.UUID, status models.AttendanceStatus) ([]models.Attendance, error) {
	return r.list(ctx, `SELECT `+columns+` FROM attendances WHERE meeting_id = $1 AND status = $2 ORDER BY joined_at`,
		meetingID, string(status))
}

// ListByStudent returns every row of a student.
func (r *Repository) ListByStudent(ctx context.Context, studentID int64) ([]models.Attendance, error) {
	return r.list(ctx, `SELECT `+columns+` FROM attendances WHERE student_id = $1`, studentID)
}

func (r *Repository) list(ctx context.Context, q string, args ...any) ([]models.Attendance, error) {
	rows, err := database.Conn(ctx, r.pool).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Attendance
	for rows.Next() {
		a, err := scanAttendance(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}
