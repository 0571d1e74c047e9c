package meetings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectra/backend/internal/apperr"
	"github.com/connectra/backend/internal/attendance"
	"github.com/connectra/backend/internal/clock"
	"github.com/connectra/backend/internal/memstore"
	"github.com/connectra/backend/internal/models"
)

var ten = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeIssuer struct{}

func (fakeIssuer) Issue(channelID string, uid int64, role models.Role, ttl int64) (string, error) {
	return channelID + "/" + string(role), nil
}

func (fakeIssuer) AppID() uint32 { return 42 }

type recordedEvent struct {
	meetingID uuid.UUID
	event     string
}

type recorder struct {
	mu        sync.Mutex
	events    []recordedEvent
	scheduled int
	cancelled int
}

func (r *recorder) Publish(meetingID uuid.UUID, event string, _ interface{}) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{meetingID, event})
	r.mu.Unlock()
}

func (r *recorder) MeetingScheduled(_ context.Context, _ *models.Meeting, recipients []models.User) error {
	r.scheduled += len(recipients)
	return nil
}

func (r *recorder) MeetingCancelled(_ context.Context, _ *models.Meeting, recipients []models.User) error {
	r.cancelled += len(recipients)
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.event)
	}
	return out
}

type fixture struct {
	lc       *Lifecycle
	clk      *clock.Fake
	meetings *memstore.Meetings
	users    *memstore.Users
	rows     *memstore.Attendance
	rec      *recorder
	lecturer models.Caller
	other    models.Caller
	student  models.Caller
	outsider models.Caller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	users := memstore.NewUsers()
	meetings := memstore.NewMeetings()
	rows := memstore.NewAttendance()
	clk := clock.NewFake(ten.Add(-time.Hour))
	rec := &recorder{}

	mk := func(u *models.User) models.Caller {
		require.NoError(t, users.Create(ctx, u))
		return u.Caller()
	}
	f := &fixture{clk: clk, meetings: meetings, users: users, rows: rows, rec: rec}
	f.lecturer = mk(&models.User{Email: "kamal@uwu.ac.lk", FirstName: "Kamal", Role: models.RoleLecturer})
	f.other = mk(&models.User{Email: "sunil@uwu.ac.lk", FirstName: "Sunil", Role: models.RoleLecturer})
	f.student = mk(&models.User{Email: "nimal@uwu.ac.lk", FirstName: "Nimal", Role: models.RoleStudent,
		Student: &models.StudentProfile{Degree: "ict", Batch: 22, StudentNumber: "UWU/ICT/22/001"}})
	f.outsider = mk(&models.User{Email: "amaya@uwu.ac.lk", FirstName: "Amaya", Role: models.RoleStudent,
		Student: &models.StudentProfile{Degree: "ICT", Batch: 21, StudentNumber: "UWU/ICT/21/001"}})

	f.rebuild(meetings, rows)
	return f
}

// rebuild rewires the lifecycle onto the given stores, keeping users and clock.
func (f *fixture) rebuild(store Store, rows attendance.Store) {
	ledger := attendance.NewLedger(rows, f.meetings, f.users, nil)
	f.lc = NewLifecycle(store, ledger, fakeIssuer{}, f.users, Options{Notifier: f.rec, Broadcaster: f.rec, Clock: f.clk})
}

func classInput() Input {
	return Input{
		Title:          "Distributed Systems",
		ScheduledStart: ten,
		ScheduledEnd:   ten.Add(time.Hour),
		TargetDegree:   "ICT",
		TargetBatch:    22,
	}
}

func (f *fixture) schedule(t *testing.T) *models.Meeting {
	t.Helper()
	m, err := f.lc.Create(context.Background(), f.lecturer, classInput())
	require.NoError(t, err)
	return m
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m := f.schedule(t)
	assert.Equal(t, models.MeetingScheduled, m.Status)
	assert.NotEmpty(t, m.ChannelID)
	assert.Nil(t, m.ActualStart)
	assert.Nil(t, m.ActualEnd)
	assert.Equal(t, f.lecturer.UserID, m.CreatedBy)
	assert.Equal(t, 1, f.rec.scheduled, "only the targeted cohort is notified")

	m2 := f.schedule(t)
	assert.NotEqual(t, m.ChannelID, m2.ChannelID)

	in := classInput()
	in.ScheduledEnd = in.ScheduledStart
	_, err := f.lc.Create(ctx, f.lecturer, in)
	assert.ErrorIs(t, err, apperr.ErrInvalidWindow)

	in = classInput()
	in.Title = ""
	_, err = f.lc.Create(ctx, f.lecturer, in)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.lc.Create(ctx, f.student, classInput())
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestUpdateGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.schedule(t)

	in := classInput()
	in.Title = "Distributed Systems II"
	got, err := f.lc.Update(ctx, f.lecturer, m.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "Distributed Systems II", got.Title)

	_, err = f.lc.Update(ctx, f.other, m.ID, in)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.lc.Update(ctx, f.lecturer, uuid.New(), in)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	bad := classInput()
	bad.ScheduledEnd = bad.ScheduledStart.Add(-time.Minute)
	_, err = f.lc.Update(ctx, f.lecturer, m.ID, bad)
	assert.ErrorIs(t, err, apperr.ErrInvalidWindow)

	f.clk.Set(ten)
	_, err = f.lc.Join(ctx, f.lecturer, m.ID)
	require.NoError(t, err)
	f.clk.Set(ten.Add(time.Hour))
	_, err = f.lc.Stop(ctx, f.lecturer, m.ID)
	require.NoError(t, err)

	_, err = f.lc.Update(ctx, f.lecturer, m.ID, in)
	assert.ErrorIs(t, err, apperr.ErrAlreadyEnded)
	_, err = f.lc.Cancel(ctx, f.lecturer, m.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyEnded)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.schedule(t)

	_, err := f.lc.Cancel(ctx, f.other, m.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := f.lc.Cancel(ctx, f.lecturer, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingCancelled, got.Status)
	assert.Equal(t, 1, f.rec.cancelled)

	_, err = f.lc.Join(ctx, f.lecturer, m.ID)
	assert.ErrorIs(t, err, apperr.ErrCancelled)
	_, err = f.lc.Join(ctx, f.student, m.ID)
	assert.ErrorIs(t, err, apperr.ErrCancelled)
	_, err = f.lc.Stop(ctx, f.lecturer, m.ID)
	assert.ErrorIs(t, err, apperr.ErrNotLive)
}

func TestJoinPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.schedule(t)

	_, err := f.lc.Join(ctx, f.student, m.ID)
	assert.ErrorIs(t, err, apperr.ErrNotStarted)
	_, err = f.lc.Join(ctx, f.outsider, m.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.lc.Join(ctx, f.other, m.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	f.clk.Set(ten.Add(2 * time.Minute))
	ticket, err := f.lc.Join(ctx, f.lecturer, m.ID)
	require.NoError(t, err)
	assert.True(t, ticket.Host)
	assert.Equal(t, m.ChannelID, ticket.ChannelID)
	assert.Equal(t, uint32(42), ticket.AppID)

	live, err := f.lc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingLive, live.Status)
	require.NotNil(t, live.ActualStart)
	assert.Equal(t, ten.Add(2*time.Minute), *live.ActualStart)
	assert.Nil(t, live.ActualEnd)

	// a second lecturer join keeps the original start
	f.clk.Advance(5 * time.Minute)
	_, err = f.lc.Join(ctx, f.lecturer, m.ID)
	require.NoError(t, err)
	live, _ = f.lc.Get(ctx, m.ID)
	assert.Equal(t, ten.Add(2*time.Minute), *live.ActualStart)

	ticket, err = f.lc.Join(ctx, f.student, m.ID)
	require.NoError(t, err, "degree match is case-insensitive")
	assert.False(t, ticket.Host)
	assert.Equal(t, f.student.UserID, ticket.UID)

	_, err = f.rows.Get(ctx, m.ID, f.student.UserID)
	require.NoError(t, err)
	assert.Contains(t, f.rec.names(), "meeting_started")
	assert.Contains(t, f.rec.names(), "participant_joined")
}

func TestStopRequiresLiveOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.schedule(t)

	_, err := f.lc.Stop(ctx, f.lecturer, m.ID)
	assert.ErrorIs(t, err, apperr.ErrNotLive)

	f.clk.Set(ten)
	_, err = f.lc.Join(ctx, f.lecturer, m.ID)
	require.NoError(t, err)

	_, err = f.lc.Stop(ctx, f.other, m.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.lc.Stop(ctx, f.student, m.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	f.clk.Set(ten.Add(30 * time.Minute))
	ended, err := f.lc.Stop(ctx, f.lecturer, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingEnded, ended.Status)
	require.NotNil(t, ended.ActualEnd)
	assert.Equal(t, ten.Add(30*time.Minute), *ended.ActualEnd)
	assert.Equal(t, ten, *ended.ActualStart)

	_, err = f.lc.Stop(ctx, f.lecturer, m.ID)
	assert.ErrorIs(t, err, apperr.ErrNotLive)
	_, err = f.lc.Join(ctx, f.student, m.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyEnded)
	_, err = f.lc.Join(ctx, f.lecturer, m.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyEnded)
}

func TestClassAttendanceEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.schedule(t)

	f.clk.Set(ten)
	_, err := f.lc.Join(ctx, f.lecturer, m.ID)
	require.NoError(t, err)

	f.clk.Set(ten.Add(5 * time.Minute))
	_, err = f.lc.Join(ctx, f.student, m.ID)
	require.NoError(t, err)

	f.clk.Set(ten.Add(50 * time.Minute))
	require.NoError(t, f.lc.Leave(ctx, f.student, m.ID))

	f.clk.Set(ten.Add(time.Hour))
	ended, err := f.lc.Stop(ctx, f.lecturer, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), ended.DurationMinutes())

	a, err := f.rows.Get(ctx, m.ID, f.student.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(45), a.DurationMinutes)
	assert.InDelta(t, 75.00, a.Percentage, 1e-9)
	assert.Equal(t, models.AttendancePartiallyPresent, a.Status)
}

func TestStopClosesOpenSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.schedule(t)

	f.clk.Set(ten)
	_, err := f.lc.Join(ctx, f.lecturer, m.ID)
	require.NoError(t, err)
	f.clk.Set(ten.Add(10 * time.Minute))
	_, err = f.lc.Join(ctx, f.student, m.ID)
	require.NoError(t, err)

	f.clk.Set(ten.Add(60 * time.Minute))
	_, err = f.lc.Stop(ctx, f.lecturer, m.ID)
	require.NoError(t, err)

	a, err := f.rows.Get(ctx, m.ID, f.student.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), a.DurationMinutes)
	assert.Equal(t, models.AttendancePresent, a.Status)

	// leaving after the sweep closed the session changes nothing
	f.clk.Advance(5 * time.Minute)
	require.NoError(t, f.lc.Leave(ctx, f.student, m.ID))
	again, _ := f.rows.Get(ctx, m.ID, f.student.UserID)
	assert.Equal(t, a.DurationMinutes, again.DurationMinutes)
	assert.Equal(t, a.LeftAt, again.LeftAt)
}

func TestLeaveTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.schedule(t)

	f.clk.Set(ten)
	_, err := f.lc.Join(ctx, f.lecturer, m.ID)
	require.NoError(t, err)

	err = f.lc.Leave(ctx, f.student, m.ID)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized, "leaving without joining")

	_, err = f.lc.Join(ctx, f.student, m.ID)
	require.NoError(t, err)
	f.clk.Advance(20 * time.Minute)
	require.NoError(t, f.lc.Leave(ctx, f.student, m.ID))
	first, _ := f.rows.Get(ctx, m.ID, f.student.UserID)

	f.clk.Advance(10 * time.Minute)
	require.NoError(t, f.lc.Leave(ctx, f.student, m.ID))
	second, _ := f.rows.Get(ctx, m.ID, f.student.UserID)
	assert.Equal(t, first.DurationMinutes, second.DurationMinutes)
	assert.Equal(t, first.LeftAt, second.LeftAt)

	require.NoError(t, f.lc.Leave(ctx, f.lecturer, m.ID))
}

func TestParticipantsAndViews(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.schedule(t)

	f.clk.Set(ten)
	_, err := f.lc.Join(ctx, f.lecturer, m.ID)
	require.NoError(t, err)
	_, err = f.lc.Join(ctx, f.student, m.ID)
	require.NoError(t, err)

	list, err := f.lc.Participants(ctx, f.lecturer, m.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Host)
	assert.Equal(t, "Kamal", list[0].DisplayName)
	assert.Equal(t, f.student.UserID, list[1].UID)

	f.clk.Advance(time.Minute)
	require.NoError(t, f.lc.Leave(ctx, f.student, m.ID))
	list, err = f.lc.Participants(ctx, f.lecturer, m.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.lc.View(ctx, f.outsider, m.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.NoError(t, f.lc.CanWatch(ctx, m.ID, f.student.UserID))
	assert.ErrorIs(t, f.lc.CanWatch(ctx, m.ID, 999), apperr.ErrUnauthorized)

	schedule, err := f.lc.ListForStudent(ctx, f.student)
	require.NoError(t, err)
	require.Len(t, schedule, 1)
	assert.Equal(t, m.ID, schedule[0].ID)

	schedule, err = f.lc.ListForStudent(ctx, f.outsider)
	require.NoError(t, err)
	assert.Empty(t, schedule)

	own, err := f.lc.ListForOwner(ctx, f.lecturer)
	require.NoError(t, err)
	assert.Len(t, own, 1)
	_, err = f.lc.ListForOwner(ctx, f.student)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestConcurrentStudentJoins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.schedule(t)
	f.clk.Set(ten)
	_, err := f.lc.Join(ctx, f.lecturer, m.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.lc.Join(ctx, f.student, m.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("join failed: %v", err)
	}

	rows, err := f.rows.ListByMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// stopFirst stops the meeting just before the next Hold takes the lock.
type stopFirst struct {
	*memstore.Meetings
	stop func()
}

func (s *stopFirst) Hold(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, m *models.Meeting) error) (*models.Meeting, error) {
	if stop := s.stop; stop != nil {
		s.stop = nil
		stop()
	}
	return s.Meetings.Hold(ctx, id, fn)
}

func TestJoinSeesStopThatCommittedFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.schedule(t)
	f.clk.Set(ten)
	_, err := f.lc.Join(ctx, f.lecturer, m.ID)
	require.NoError(t, err)

	store := &stopFirst{Meetings: f.meetings}
	f.rebuild(store, f.rows)
	store.stop = func() {
		_, err := f.lc.Stop(ctx, f.lecturer, m.ID)
		require.NoError(t, err)
	}

	f.clk.Set(ten.Add(20 * time.Minute))
	_, err = f.lc.Join(ctx, f.student, m.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyEnded)

	rows, err := f.rows.ListByMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, rows, "no attendance is recorded once the meeting ended")
}

// stopDuringInsert starts a Stop while the join that inserts the row is still in flight.
type stopDuringInsert struct {
	*memstore.Attendance
	onInsert func()
}

func (s *stopDuringInsert) Insert(ctx context.Context, a *models.Attendance) error {
	err := s.Attendance.Insert(ctx, a)
	if hook := s.onInsert; hook != nil {
		s.onInsert = nil
		hook()
	}
	return err
}

func TestStopWaitsForJoinInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.schedule(t)
	f.clk.Set(ten)
	_, err := f.lc.Join(ctx, f.lecturer, m.ID)
	require.NoError(t, err)

	rows := &stopDuringInsert{Attendance: f.rows}
	f.rebuild(f.meetings, rows)
	stopped := make(chan error, 1)
	rows.onInsert = func() {
		go func() {
			_, err := f.lc.Stop(ctx, f.lecturer, m.ID)
			stopped <- err
		}()
	}

	f.clk.Set(ten.Add(30 * time.Minute))
	_, err = f.lc.Join(ctx, f.student, m.ID)
	require.NoError(t, err)
	require.NoError(t, <-stopped)

	ended, err := f.lc.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, models.MeetingEnded, ended.Status)
	a, err := f.rows.Get(ctx, m.ID, f.student.UserID)
	require.NoError(t, err)
	assert.False(t, a.Open(), "the stop sweep closed the session opened by the join")
	require.NotNil(t, a.LeftAt)
	assert.Equal(t, *ended.ActualEnd, *a.LeftAt)
}

// failingUpdates fails the next n attendance updates.
type failingUpdates struct {
	*memstore.Attendance
	n int
}

func (s *failingUpdates) Update(ctx context.Context, meetingID uuid.UUID, studentID int64, fn func(a *models.Attendance) error) (*models.Attendance, error) {
	if s.n > 0 {
		s.n--
		return nil, errors.New("db down")
	}
	return s.Attendance.Update(ctx, meetingID, studentID, fn)
}

func TestStopIsRetriedAfterFinalizeFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.schedule(t)
	rows := &failingUpdates{Attendance: f.rows}
	f.rebuild(f.meetings, rows)

	f.clk.Set(ten)
	_, err := f.lc.Join(ctx, f.lecturer, m.ID)
	require.NoError(t, err)
	f.clk.Set(ten.Add(10 * time.Minute))
	_, err = f.lc.Join(ctx, f.student, m.ID)
	require.NoError(t, err)

	rows.n = 1
	f.clk.Set(ten.Add(time.Hour))
	_, err = f.lc.Stop(ctx, f.lecturer, m.ID)
	require.Error(t, err)

	still, err := f.lc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingLive, still.Status)
	assert.Nil(t, still.ActualEnd)

	ended, err := f.lc.Stop(ctx, f.lecturer, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingEnded, ended.Status)

	a, err := f.rows.Get(ctx, m.ID, f.student.UserID)
	require.NoError(t, err)
	assert.False(t, a.Open())
	assert.Equal(t, int64(50), a.DurationMinutes)
	assert.Equal(t, models.AttendancePresent, a.Status)
}
