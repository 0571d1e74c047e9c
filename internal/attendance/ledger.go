// Package attendance owns the per-student attendance rows of a meeting: accrual of
// minutes on join/leave, finalization when the meeting stops, and the
// percentage/classification derived from them.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/connectra/backend/internal/apperr"
	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/database"
)

// PresentThreshold is the minimum percentage classified as PRESENT.
const PresentThreshold = 80.0

// Store persists attendance rows. Update must apply fn under a row lock (or an
// equivalent discipline) and persist the row only when fn returns nil.
// Insert returns database.ErrDuplicate when the (student, meeting) pair exists.
type Store interface {
	Get(ctx context.Context, meetingID uuid.UUID, studentID int64) (*models.Attendance, error)
	Insert(ctx context.Context, a *models.Attendance) error
	Update(ctx context.Context, meetingID uuid.UUID, studentID int64, fn func(a *models.Attendance) error) (*models.Attendance, error)
	ListByMeeting(ctx context.Context, meetingID uuid.UUID) ([]models.Attendance, error)
	ListByMeetingAndStatus(ctx context.Context, meetingID uuid.UUID, status models.AttendanceStatus) ([]models.Attendance, error)
	ListByStudent(ctx context.Context, studentID int64) ([]models.Attendance, error)
}

// MeetingFinder is the meeting lookup the history query needs.
type MeetingFinder interface {
	ListByCohortAndStatus(ctx context.Context, degree string, batch int, status models.MeetingStatus) ([]models.Meeting, error)
}

// Roster resolves lecturer names for the history view.
type Roster interface {
	GetByIDs(ctx context.Context, ids []int64) ([]models.User, error)
}

// Ledger accrues and classifies attendance.
type Ledger struct {
	store    Store
	meetings MeetingFinder
	roster   Roster
	logger   *zap.Logger
}

// NewLedger creates an attendance ledger. roster may be nil, in which case
// history entries carry no lecturer name.
func NewLedger(store Store, meetings MeetingFinder, roster Roster, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, meetings: meetings, roster: roster, logger: logger}
}

var errAlreadyClosed = errors.New("attendance session already closed")

// OnJoin records a student joining. The first join creates the row; a losing
// concurrent insert is folded into the winner's row. A rejoin while the previous
// session is still open accrues that session up to now before starting a new one.
func (l *Ledger) OnJoin(ctx context.Context, meeting *models.Meeting, studentID int64, now time.Time) (*models.Attendance, error) {
	_, err := l.store.Get(ctx, meeting.ID, studentID)
	if errors.Is(err, database.ErrNotFound) {
		a := &models.Attendance{
			MeetingID:    meeting.ID,
			StudentID:    studentID,
			JoinedAt:     now,
			LastJoinedAt: now,
			Status:       models.AttendanceAbsent,
		}
		err = l.store.Insert(ctx, a)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, database.ErrDuplicate) {
			return nil, fmt.Errorf("insert attendance: %w", err)
		}
		l.logger.Debug("concurrent attendance insert",
			zap.String("meeting_id", meeting.ID.String()), zap.Int64("student_id", studentID))
		return l.update(ctx, meeting.ID, studentID, func(a *models.Attendance) error {
			mergeConcurrentJoin(a, now)
			return nil
		})
	}
	if err != nil {
		return nil, fmt.Errorf("get attendance: %w", err)
	}
	return l.update(ctx, meeting.ID, studentID, func(a *models.Attendance) error {
		rejoin(a, now)
		return nil
	})
}

// OnLeave closes the student's open session and rescores the row against the
// meeting's current window. Leaving an already closed session is a no-op.
func (l *Ledger) OnLeave(ctx context.Context, meeting *models.Meeting, studentID int64, now time.Time) error {
	_, err := l.store.Update(ctx, meeting.ID, studentID, func(a *models.Attendance) error {
		if a.LastJoinedAt.IsZero() {
			return apperr.Unauthorized("you have not joined this meeting")
		}
		if !a.Open() {
			return errAlreadyClosed
		}
		accrue(a, now)
		left := now
		a.LeftAt = &left
		score(a, meeting, now)
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errAlreadyClosed):
		return nil
	case errors.Is(err, database.ErrNotFound):
		return apperr.Unauthorized("you have not joined this meeting")
	case apperr.KindOf(err) != "":
		return err
	}
	return fmt.Errorf("update attendance: %w", err)
}

// Finalize closes every open session at the meeting's actual end and rescores
// every row against the final window. Called once, when the meeting stops.
func (l *Ledger) Finalize(ctx context.Context, meeting *models.Meeting) error {
	if meeting.ActualEnd == nil {
		return apperr.InvalidState("meeting has not ended")
	}
	end := *meeting.ActualEnd
	rows, err := l.store.ListByMeeting(ctx, meeting.ID)
	if err != nil {
		return fmt.Errorf("list attendance: %w", err)
	}
	for _, row := range rows {
		_, err := l.update(ctx, meeting.ID, row.StudentID, func(a *models.Attendance) error {
			if a.Open() {
				accrue(a, end)
				left := end
				a.LeftAt = &left
			}
			score(a, meeting, end)
			return nil
		})
		if err != nil {
			return err
		}
	}
	l.logger.Info("attendance finalized", zap.String("meeting_id", meeting.ID.String()), zap.Int("rows", len(rows)))
	return nil
}

func (l *Ledger) update(ctx context.Context, meetingID uuid.UUID, studentID int64, fn func(a *models.Attendance) error) (*models.Attendance, error) {
	a, err := l.store.Update(ctx, meetingID, studentID, fn)
	if err != nil {
		return nil, fmt.Errorf("update attendance: %w", err)
	}
	return a, nil
}

// ListByMeeting returns every attendance row of a meeting.
func (l *Ledger) ListByMeeting(ctx context.Context, meetingID uuid.UUID) ([]models.Attendance, error) {
	return l.store.ListByMeeting(ctx, meetingID)
}

// ListByStatus returns the rows of a meeting with the given classification.
func (l *Ledger) ListByStatus(ctx context.Context, meetingID uuid.UUID, status models.AttendanceStatus) ([]models.Attendance, error) {
	return l.store.ListByMeetingAndStatus(ctx, meetingID, status)
}

// OpenSessions returns the rows whose latest session is still open.
func (l *Ledger) OpenSessions(ctx context.Context, meetingID uuid.UUID) ([]models.Attendance, error) {
	rows, err := l.store.ListByMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	open := rows[:0]
	for _, r := range rows {
		if r.Open() {
			open = append(open, r)
		}
	}
	return open, nil
}

// HistoryEntry is one ended meeting in a student's attendance history.
type HistoryEntry struct {
	MeetingID              uuid.UUID               `json:"meeting_id"`
	MeetingTitle           string                  `json:"meeting_title"`
	MeetingDate            time.Time               `json:"meeting_date"`
	LecturerID             int64                   `json:"lecturer_id"`
	LecturerName           string                  `json:"lecturer_name"`
	MeetingDurationMinutes int64                   `json:"meeting_duration_minutes"`
	JoinedAt               *time.Time              `json:"joined_at,omitempty"`
	LeftAt                 *time.Time              `json:"left_at,omitempty"`
	DurationMinutes        int64                   `json:"duration_minutes"`
	Percentage             float64                 `json:"percentage"`
	Status                 models.AttendanceStatus `json:"status"`
}

// History returns the student's attendance across every ended meeting of their
// cohort, newest first. Meetings without a row appear as ABSENT. A non-empty
// filter keeps only entries with that classification.
func (l *Ledger) History(ctx context.Context, caller models.Caller, filter models.AttendanceStatus) ([]HistoryEntry, error) {
	if !caller.IsStudent() {
		return nil, apperr.Forbidden("only students have an attendance history")
	}
	if filter != "" && !filter.Valid() {
		return nil, apperr.InvalidInput("unknown attendance status " + string(filter))
	}
	meetings, err := l.meetings.ListByCohortAndStatus(ctx, caller.Student.Degree, caller.Student.Batch, models.MeetingEnded)
	if err != nil {
		return nil, fmt.Errorf("list ended meetings: %w", err)
	}
	rows, err := l.store.ListByStudent(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("list student attendance: %w", err)
	}
	byMeeting := make(map[uuid.UUID]models.Attendance, len(rows))
	for _, r := range rows {
		byMeeting[r.MeetingID] = r
	}
	names, err := l.lecturerNames(ctx, meetings)
	if err != nil {
		return nil, err
	}

	list := make([]HistoryEntry, 0, len(meetings))
	for _, m := range meetings {
		e := HistoryEntry{
			MeetingID:              m.ID,
			MeetingTitle:           m.Title,
			MeetingDate:            m.ScheduledStart,
			LecturerID:             m.CreatedBy,
			LecturerName:           names[m.CreatedBy],
			MeetingDurationMinutes: m.DurationMinutes(),
			Status:                 models.AttendanceAbsent,
		}
		if a, ok := byMeeting[m.ID]; ok {
			joined := a.JoinedAt
			e.JoinedAt = &joined
			e.LeftAt = a.LeftAt
			e.DurationMinutes = a.DurationMinutes
			e.Percentage = a.Percentage
			e.Status = a.Status
		}
		if filter != "" && e.Status != filter {
			continue
		}
		list = append(list, e)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].MeetingDate.After(list[j].MeetingDate) })
	return list, nil
}

func (l *Ledger) lecturerNames(ctx context.Context, meetings []models.Meeting) (map[int64]string, error) {
	names := make(map[int64]string)
	if l.roster == nil || len(meetings) == 0 {
		return names, nil
	}
	seen := make(map[int64]bool)
	var ids []int64
	for _, m := range meetings {
		if !seen[m.CreatedBy] {
			seen[m.CreatedBy] = true
			ids = append(ids, m.CreatedBy)
		}
	}
	users, err := l.roster.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve lecturers: %w", err)
	}
	for i := range users {
		names[users[i].ID] = users[i].FullName()
	}
	return names, nil
}

// Score returns the attendance percentage and classification for accrued minutes
// over a meeting lasting meetingMinutes. A non-positive meeting length scores 0/ABSENT.
func Score(accruedMinutes, meetingMinutes int64) (float64, models.AttendanceStatus) {
	if meetingMinutes <= 0 {
		return 0, models.AttendanceAbsent
	}
	p := float64(accruedMinutes) * 100 / float64(meetingMinutes)
	p = math.Min(p, 100)
	p = math.Round(p*100) / 100
	switch {
	case p >= PresentThreshold:
		return p, models.AttendancePresent
	case p > 0:
		return p, models.AttendancePartiallyPresent
	}
	return 0, models.AttendanceAbsent
}

func score(a *models.Attendance, meeting *models.Meeting, now time.Time) {
	start, end := meeting.Window(now)
	a.Percentage, a.Status = Score(a.DurationMinutes, minutesBetween(start, end))
}

func accrue(a *models.Attendance, now time.Time) {
	a.DurationMinutes += minutesBetween(a.LastJoinedAt, now)
}

// rejoin starts a new session, closing a dangling one first. Timestamps older
// than the row's (a racing request applied late) never move the session back.
func rejoin(a *models.Attendance, now time.Time) {
	if a.Open() {
		accrue(a, now)
	}
	if now.Before(a.JoinedAt) {
		a.JoinedAt = now
	}
	if now.After(a.LastJoinedAt) {
		a.LastJoinedAt = now
	}
	if !a.Open() {
		a.LeftAt = nil
	}
}

// mergeConcurrentJoin folds a join that lost the insert race into the winner's row,
// keeping the earliest join instant.
func mergeConcurrentJoin(a *models.Attendance, now time.Time) {
	if now.Before(a.JoinedAt) {
		a.JoinedAt = now
	}
	if a.Open() && now.Before(a.LastJoinedAt) && (a.LeftAt == nil || a.LeftAt.Before(now)) {
		a.LastJoinedAt = now
	}
}

func minutesBetween(from, to time.Time) int64 {
	if !to.After(from) {
		return 0
	}
	return int64(to.Sub(from) / time.Minute)
}
