// Package reports builds the post-meeting attendance report: who of the target
// cohort was present, partially present or absent, and exports it as CSV.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/connectra/backend/internal/apperr"
	"github.com/connectra/backend/internal/clock"
	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/storage"
)

// MeetingGetter loads a meeting, failing with apperr.ErrNotFound.
type MeetingGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Meeting, error)
}

// Roster lists the students of a cohort and resolves users by ID.
type Roster interface {
	ListStudentsByCohort(ctx context.Context, degree string, batch int) ([]models.User, error)
	GetByIDs(ctx context.Context, ids []int64) ([]models.User, error)
}

// Ledger returns a meeting's attendance rows of one classification.
type Ledger interface {
	ListByStatus(ctx context.Context, meetingID uuid.UUID, status models.AttendanceStatus) ([]models.Attendance, error)
}

// ObjectStore receives exported reports. Implemented by storage.S3.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) error
	PresignedDownloadURL(ctx context.Context, key string) (string, error)
	PresignExpire() time.Duration
}

// Entry is one student line of a report.
type Entry struct {
	StudentID       int64   `json:"student_id"`
	Name            string  `json:"name"`
	StudentNumber   string  `json:"student_number"`
	DurationMinutes int64   `json:"duration_minutes"`
	Percentage      float64 `json:"percentage"`
}

// Report summarises attendance of an ended meeting.
type Report struct {
	MeetingID       uuid.UUID  `json:"meeting_id"`
	Title           string     `json:"title"`
	TargetDegree    string     `json:"target_degree"`
	TargetBatch     int        `json:"target_batch"`
	ActualStart     *time.Time `json:"actual_start,omitempty"`
	ActualEnd       *time.Time `json:"actual_end,omitempty"`
	DurationMinutes int64      `json:"duration_minutes"`
	TotalStudents   int        `json:"total_students"`
	PresentCount    int        `json:"present_count"`
	PartialCount    int        `json:"partially_present_count"`
	AbsentCount     int        `json:"absent_count"`
	Present         []Entry    `json:"present"`
	Partial         []Entry    `json:"partially_present"`
	Absent          []Entry    `json:"absent"`
	GeneratedAt     time.Time  `json:"generated_at"`
}

// Export describes an uploaded CSV report.
type Export struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Builder assembles reports from the roster and the attendance ledger.
type Builder struct {
	meetings MeetingGetter
	roster   Roster
	ledger   Ledger
	objects  ObjectStore
	clock    clock.Clock
	logger   *zap.Logger
}

// NewBuilder creates a report builder. objects may be nil, in which case
// exports fail with InvalidState.
func NewBuilder(meetings MeetingGetter, roster Roster, ledger Ledger, objects ObjectStore, clk clock.Clock, logger *zap.Logger) *Builder {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{meetings: meetings, roster: roster, ledger: ledger, objects: objects, clock: clk, logger: logger}
}

// Generate builds the report of an ended meeting for its owner. Absence is
// computed against the cohort roster by identity: any student of the cohort
// without a PRESENT or PARTIALLY_PRESENT row is absent.
func (b *Builder) Generate(ctx context.Context, caller models.Caller, meetingID uuid.UUID) (*Report, error) {
	m, err := b.meetings.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if !caller.IsLecturer() || !m.OwnedBy(caller.UserID) {
		return nil, apperr.Forbidden("you are not authorized to view the report of this meeting")
	}
	if m.Status != models.MeetingEnded {
		return nil, apperr.InvalidState("reports are available once the meeting has ended")
	}

	roster, err := b.roster.ListStudentsByCohort(ctx, m.TargetDegree, m.TargetBatch)
	if err != nil {
		return nil, fmt.Errorf("list cohort: %w", err)
	}
	rows := make(map[models.AttendanceStatus][]models.Attendance, 3)
	for _, status := range []models.AttendanceStatus{
		models.AttendancePresent, models.AttendancePartiallyPresent, models.AttendanceAbsent,
	} {
		list, err := b.ledger.ListByStatus(ctx, m.ID, status)
		if err != nil {
			return nil, fmt.Errorf("list %s attendance: %w", status, err)
		}
		rows[status] = list
	}

	users, err := b.users(ctx, roster, rows)
	if err != nil {
		return nil, err
	}

	r := &Report{
		MeetingID:       m.ID,
		Title:           m.Title,
		TargetDegree:    m.TargetDegree,
		TargetBatch:     m.TargetBatch,
		ActualStart:     m.ActualStart,
		ActualEnd:       m.ActualEnd,
		DurationMinutes: m.DurationMinutes(),
		TotalStudents:   len(roster),
		GeneratedAt:     b.clock.Now(),
	}
	participated := make(map[int64]bool)
	for _, a := range rows[models.AttendancePresent] {
		participated[a.StudentID] = true
		r.Present = append(r.Present, entry(users[a.StudentID], a))
	}
	for _, a := range rows[models.AttendancePartiallyPresent] {
		participated[a.StudentID] = true
		r.Partial = append(r.Partial, entry(users[a.StudentID], a))
	}
	stray := make(map[int64]models.Attendance, len(rows[models.AttendanceAbsent]))
	for _, a := range rows[models.AttendanceAbsent] {
		stray[a.StudentID] = a
	}
	for _, u := range roster {
		if participated[u.ID] {
			continue
		}
		a := stray[u.ID]
		a.StudentID = u.ID
		u := u
		r.Absent = append(r.Absent, entry(&u, a))
	}
	for _, list := range [][]Entry{r.Present, r.Partial, r.Absent} {
		sortEntries(list)
	}
	r.PresentCount, r.PartialCount, r.AbsentCount = len(r.Present), len(r.Partial), len(r.Absent)

	b.logger.Info("report generated", zap.String("meeting_id", m.ID.String()),
		zap.Int("present", r.PresentCount), zap.Int("partial", r.PartialCount), zap.Int("absent", r.AbsentCount))
	return r, nil
}

// Export generates the report, uploads it as CSV and returns a signed download link.
func (b *Builder) Export(ctx context.Context, caller models.Caller, meetingID uuid.UUID) (*Export, error) {
	if b.objects == nil {
		return nil, apperr.InvalidState("report export is not configured")
	}
	r, err := b.Generate(ctx, caller, meetingID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, r); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	key := storage.ReportKey(r.MeetingID.String(), r.GeneratedAt)
	if err := b.objects.Upload(ctx, key, "text/csv", bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		b.logger.Error("report upload failed", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	url, err := b.objects.PresignedDownloadURL(ctx, key)
	if err != nil {
		return nil, err
	}
	b.logger.Info("report exported", zap.String("meeting_id", r.MeetingID.String()), zap.String("key", key))
	return &Export{Key: key, URL: url, ExpiresAt: b.clock.Now().Add(b.objects.PresignExpire())}, nil
}

// WriteCSV renders one line per student, present first, then partial, then absent.
func WriteCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"status", "student_number", "name", "duration_minutes", "percentage"}); err != nil {
		return err
	}
	sections := []struct {
		status  models.AttendanceStatus
		entries []Entry
	}{
		{models.AttendancePresent, r.Present},
		{models.AttendancePartiallyPresent, r.Partial},
		{models.AttendanceAbsent, r.Absent},
	}
	for _, s := range sections {
		for _, e := range s.entries {
			rec := []string{
				string(s.status),
				e.StudentNumber,
				e.Name,
				strconv.FormatInt(e.DurationMinutes, 10),
				strconv.FormatFloat(e.Percentage, 'f', 2, 64),
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// users indexes roster members and any attendee outside the roster by ID.
func (b *Builder) users(ctx context.Context, roster []models.User, rows map[models.AttendanceStatus][]models.Attendance) (map[int64]*models.User, error) {
	byID := make(map[int64]*models.User, len(roster))
	for i := range roster {
		byID[roster[i].ID] = &roster[i]
	}
	var missing []int64
	for _, list := range rows {
		for _, a := range list {
			if _, ok := byID[a.StudentID]; !ok {
				missing = append(missing, a.StudentID)
			}
		}
	}
	if len(missing) == 0 {
		return byID, nil
	}
	extra, err := b.roster.GetByIDs(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("load attendees: %w", err)
	}
	for i := range extra {
		byID[extra[i].ID] = &extra[i]
	}
	return byID, nil
}

func entry(u *models.User, a models.Attendance) Entry {
	e := Entry{StudentID: a.StudentID, DurationMinutes: a.DurationMinutes, Percentage: a.Percentage}
	if u != nil {
		e.Name = u.FullName()
		if u.Student != nil {
			e.StudentNumber = u.Student.StudentNumber
		}
	}
	return e
}

func sortEntries(list []Entry) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].StudentNumber != list[j].StudentNumber {
			return list[i].StudentNumber < list[j].StudentNumber
		}
		return list[i].StudentID < list[j].StudentID
	})
}
