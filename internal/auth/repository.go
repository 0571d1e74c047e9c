package auth

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/database"
)

const userColumns = `id, email, password_hash, first_name, last_name, role,
	degree, batch, student_number, created_at, updated_at`

// Repository handles user persistence. It also serves as the identity and
// roster lookup for the meeting services.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanUser(row database.Scanner) (*models.User, error) {
	var u models.User
	var role string
	var degree, number *string
	var batch *int
	err := row.Scan(&u.ID, &u.Email, &u.Password, &u.FirstName, &u.LastName, &role,
		&degree, &batch, &number, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, database.Translate(err)
	}
	u.Role = models.Role(role)
	if u.Role == models.RoleStudent {
		p := &models.StudentProfile{}
		if degree != nil {
			p.Degree = *degree
		}
		if batch != nil {
			p.Batch = *batch
		}
		if number != nil {
			p.StudentNumber = *number
		}
		u.Student = p
	}
	return &u, nil
}

// GetByID returns a user by ID.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetByEmail returns a user by email (case-insensitive).
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email))
}

// GetByIDs returns the users with the given ids. Unknown ids are skipped.
func (r *Repository) GetByIDs(ctx context.Context, ids []int64) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1) ORDER BY id`, ids)
}

// ListStudentsByCohort returns every student of degree+batch, ordered by student number.
func (r *Repository) ListStudentsByCohort(ctx context.Context, degree string, batch int) ([]models.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users
		WHERE role = 'student' AND LOWER(degree) = LOWER($1) AND batch = $2
		ORDER BY student_number, id`, degree, batch)
}

// CountStudentsByCohort returns the number of students in degree+batch.
func (r *Repository) CountStudentsByCohort(ctx context.Context, degree string, batch int) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM users WHERE role = 'student' AND LOWER(degree) = LOWER($1) AND batch = $2`,
		degree, batch).Scan(&n)
	return n, err
}

// Create inserts a new user and fills ID and timestamps. A taken email or
// student number fails with database.ErrDuplicate.
func (r *Repository) Create(ctx context.Context, u *models.User) error {
	const q = `INSERT INTO users (email, password_hash, first_name, last_name, role, degree, batch, student_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`
	var degree, number *string
	var batch *int
	if u.Student != nil {
		degree, batch, number = &u.Student.Degree, &u.Student.Batch, &u.Student.StudentNumber
	}
	err := r.pool.QueryRow(ctx, q, strings.ToLower(u.Email), u.Password, u.FirstName, u.LastName, string(u.Role),
		degree, batch, number).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	return database.Translate(err)
}

func (r *Repository) list(ctx context.Context, q string, args ...any) ([]models.User, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *u)
	}
	return list, rows.Err()
}
