package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/database"
)

// Meetings is an in-memory meeting store.
type Meetings struct {
	mu   sync.Mutex
	byID map[uuid.UUID]models.Meeting
}

// NewMeetings creates an empty meeting store.
func NewMeetings() *Meetings {
	return &Meetings{byID: make(map[uuid.UUID]models.Meeting)}
}

// Insert stores m, assigning an ID when unset.
func (s *Meetings) Insert(_ context.Context, m *models.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if _, ok := s.byID[m.ID]; ok {
		return database.ErrDuplicate
	}
	for _, existing := range s.byID {
		if existing.ChannelID == m.ChannelID {
			return database.ErrDuplicate
		}
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.byID[m.ID] = *m
	return nil
}

// Get returns a meeting by ID.
func (s *Meetings) Get(_ context.Context, id uuid.UUID) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &m, nil
}

// Update applies fn to the meeting while holding the store lock and saves the
// result only when fn returns nil.
func (s *Meetings) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, m *models.Meeting) error) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if err := fn(ctx, &m); err != nil {
		return nil, err
	}
	m.UpdatedAt = time.Now().UTC()
	s.byID[id] = m
	return &m, nil
}

// Hold runs fn on a copy of the meeting while holding the store lock. Nothing is saved.
func (s *Meetings) Hold(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, m *models.Meeting) error) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if err := fn(ctx, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListByOwner returns the lecturer's meetings, newest first.
func (s *Meetings) ListByOwner(_ context.Context, ownerID int64) ([]models.Meeting, error) {
	list := s.filter(func(m models.Meeting) bool { return m.CreatedBy == ownerID })
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

// ListByCohort returns the cohort's meetings in any of statuses, earliest scheduled start first.
func (s *Meetings) ListByCohort(_ context.Context, degree string, batch int, statuses ...models.MeetingStatus) ([]models.Meeting, error) {
	list := s.filter(func(m models.Meeting) bool {
		if !strings.EqualFold(m.TargetDegree, degree) || m.TargetBatch != batch {
			return false
		}
		for _, st := range statuses {
			if m.Status == st {
				return true
			}
		}
		return false
	})
	sort.SliceStable(list, func(i, j int) bool { return list[i].ScheduledStart.Before(list[j].ScheduledStart) })
	return list, nil
}

// ListByCohortAndStatus returns the cohort's meetings with status.
func (s *Meetings) ListByCohortAndStatus(ctx context.Context, degree string, batch int, status models.MeetingStatus) ([]models.Meeting, error) {
	return s.ListByCohort(ctx, degree, batch, status)
}

func (s *Meetings) filter(keep func(models.Meeting) bool) []models.Meeting {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.Meeting
	for _, m := range s.byID {
		if keep(m) {
			list = append(list, m)
		}
	}
	return list
}
