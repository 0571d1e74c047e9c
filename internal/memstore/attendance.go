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

type attendanceKey struct {
	meetingID uuid.UUID
	studentID int64
}

// Attendance is an in-memory attendance store keyed by (meeting, student).
type Attendance struct {
	mu   sync.Mutex
	rows map[attendanceKey]models.Attendance
}

// NewAttendance creates an empty attendance store.
func NewAttendance() *Attendance {
	return &Attendance{rows: make(map[attendanceKey]models.Attendance)}
}

// Get returns the row for (meeting, student).
func (s *Attendance) Get(_ context.Context, meetingID uuid.UUID, studentID int64) (*models.Attendance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[attendanceKey{meetingID, studentID}]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &a, nil
}

// Insert creates the row, failing with database.ErrDuplicate when the pair exists.
func (s *Attendance) Insert(_ context.Context, a *models.Attendance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attendanceKey{a.MeetingID, a.StudentID}
	if _, ok := s.rows[key]; ok {
		return database.ErrDuplicate
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	s.rows[key] = *a
	return nil
}

// Update applies fn under the store lock and saves the row only when fn returns nil.
func (s *Attendance) Update(_ context.Context, meetingID uuid.UUID, studentID int64, fn func(a *models.Attendance) error) (*models.Attendance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attendanceKey{meetingID, studentID}
	a, ok := s.rows[key]
	if !ok {
		return nil, database.ErrNotFound
	}
	if err := fn(&a); err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Now().UTC()
	s.rows[key] = a
	return &a, nil
}

// ListByMeeting returns every row of a meeting, earliest join first.
func (s *Attendance) ListByMeeting(_ context.Context, meetingID uuid.UUID) ([]models.Attendance, error) {
	return s.filter(func(a models.Attendance) bool { return a.MeetingID == meetingID }), nil
}

// ListByMeetingAndStatus returns the rows of a meeting with the given classification.
func (s *Attendance) ListByMeetingAndStatus(_ context.Context, meetingID uuid.UUID, status models.AttendanceStatus) ([]models.Attendance, error) {
	return s.filter(func(a models.Attendance) bool { return a.MeetingID == meetingID && a.Status == status }), nil
}

// ListByStudent returns every row of a student.
func (s *Attendance) ListByStudent(_ context.Context, studentID int64) ([]models.Attendance, error) {
	return s.filter(func(a models.Attendance) bool { return a.StudentID == studentID }), nil
}

func (s *Attendance) filter(keep func(models.Attendance) bool) []models.Attendance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.Attendance
	for _, a := range s.rows {
		if keep(a) {
			list = append(list, a)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].StudentID < list[j].StudentID
	})
	return list
}
