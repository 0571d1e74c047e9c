package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/database"
)

// Quizzes is an in-memory quiz store. Activate enforces one active quiz per
// meeting under the store lock, like the partial unique index in Postgres.
type Quizzes struct {
	mu   sync.Mutex
	byID map[uuid.UUID]models.Quiz
}

// NewQuizzes creates an empty quiz store.
func NewQuizzes() *Quizzes {
	return &Quizzes{byID: make(map[uuid.UUID]models.Quiz)}
}

// Insert stores q, assigning an ID when unset.
func (s *Quizzes) Insert(_ context.Context, q *models.Quiz) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if _, ok := s.byID[q.ID]; ok {
		return database.ErrDuplicate
	}
	now := time.Now().UTC()
	q.CreatedAt, q.UpdatedAt = now, now
	s.byID[q.ID] = *q
	return nil
}

// Get returns a quiz by ID.
func (s *Quizzes) Get(_ context.Context, id uuid.UUID) (*models.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.byID[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &q, nil
}

// GetActive returns the meeting's active quiz.
func (s *Quizzes) GetActive(_ context.Context, meetingID uuid.UUID) (*models.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.byID {
		if q.MeetingID == meetingID && q.Active {
			return &q, nil
		}
	}
	return nil, database.ErrNotFound
}

// ListByMeeting returns the meeting's quizzes, most recently launched first and
// never-launched quizzes last.
func (s *Quizzes) ListByMeeting(_ context.Context, meetingID uuid.UUID) ([]models.Quiz, error) {
	s.mu.Lock()
	var list []models.Quiz
	for _, q := range s.byID {
		if q.MeetingID == meetingID {
			list = append(list, q)
		}
	}
	s.mu.Unlock()
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].LaunchedAt, list[j].LaunchedAt
		switch {
		case a == nil && b == nil:
			return list[i].CreatedAt.After(list[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
	return list, nil
}

// Activate marks the quiz active and stamps launchedAt. It fails with
// database.ErrDuplicate when any quiz of the meeting, this one included, is active.
func (s *Quizzes) Activate(_ context.Context, id uuid.UUID, launchedAt time.Time) (*models.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.byID[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	for _, other := range s.byID {
		if other.MeetingID == q.MeetingID && other.Active {
			return nil, database.ErrDuplicate
		}
	}
	q.Active = true
	q.LaunchedAt = &launchedAt
	q.EndedAt = nil
	q.UpdatedAt = time.Now().UTC()
	s.byID[id] = q
	return &q, nil
}

// Deactivate ends the quiz if it is still active and reports whether it changed.
func (s *Quizzes) Deactivate(_ context.Context, id uuid.UUID, endedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.byID[id]
	if !ok {
		return false, database.ErrNotFound
	}
	if !q.Active {
		return false, nil
	}
	q.Active = false
	q.EndedAt = &endedAt
	q.UpdatedAt = time.Now().UTC()
	s.byID[id] = q
	return true, nil
}

// DeleteInactive removes the quiz unless it is active and reports whether it was removed.
func (s *Quizzes) DeleteInactive(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.byID[id]
	if !ok {
		return false, database.ErrNotFound
	}
	if q.Active {
		return false, nil
	}
	delete(s.byID, id)
	return true, nil
}
