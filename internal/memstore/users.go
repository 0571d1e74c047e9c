// Package memstore holds in-memory implementations of the repositories. They
// follow the same contracts as the pgx repositories, including the storage
// sentinels and the row-lock semantics of Update.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/database"
)

// Users is an in-memory user store.
type Users struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]models.User
}

// NewUsers creates an empty user store.
func NewUsers() *Users {
	return &Users{byID: make(map[int64]models.User)}
}

// Create stores u and assigns its ID.
func (s *Users) Create(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if strings.EqualFold(existing.Email, u.Email) {
			return database.ErrDuplicate
		}
		if u.Student != nil && existing.Student != nil && u.Student.StudentNumber != "" &&
			existing.Student.StudentNumber == u.Student.StudentNumber {
			return database.ErrDuplicate
		}
	}
	s.nextID++
	now := time.Now().UTC()
	u.ID = s.nextID
	u.Email = strings.ToLower(u.Email)
	u.CreatedAt, u.UpdatedAt = now, now
	stored := *u
	if u.Student != nil {
		p := *u.Student
		stored.Student = &p
	}
	s.byID[u.ID] = stored
	return nil
}

// GetByID returns a user by ID.
func (s *Users) GetByID(_ context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &u, nil
}

// GetByEmail returns a user by email (case-insensitive).
func (s *Users) GetByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.byID {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, database.ErrNotFound
}

// GetByIDs returns the users with the given ids, ordered by id.
func (s *Users) GetByIDs(_ context.Context, ids []int64) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []models.User
	for _, id := range ids {
		if u, ok := s.byID[id]; ok {
			list = append(list, u)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// ListStudentsByCohort returns every student of degree+batch, ordered by student number.
func (s *Users) ListStudentsByCohort(_ context.Context, degree string, batch int) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []models.User
	for _, u := range s.byID {
		if u.Role == models.RoleStudent && u.Student != nil &&
			strings.EqualFold(u.Student.Degree, degree) && u.Student.Batch == batch {
			list = append(list, u)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Student.StudentNumber != list[j].Student.StudentNumber {
			return list[i].Student.StudentNumber < list[j].Student.StudentNumber
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

// CountStudentsByCohort returns the number of students in degree+batch.
func (s *Users) CountStudentsByCohort(ctx context.Context, degree string, batch int) (int, error) {
	list, err := s.ListStudentsByCohort(ctx, degree, batch)
	return len(list), err
}
