package attendance

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectra/backend/internal/apperr"
	"github.com/connectra/backend/internal/memstore"
	"github.com/connectra/backend/internal/models"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

func liveMeeting() *models.Meeting {
	start := t0
	return &models.Meeting{
		ID:             uuid.New(),
		Title:          "Operating Systems",
		ScheduledStart: t0,
		ScheduledEnd:   at(60),
		ActualStart:    &start,
		TargetDegree:   "ICT",
		TargetBatch:    22,
		Status:         models.MeetingLive,
		CreatedBy:      1,
	}
}

func newLedger() (*Ledger, *memstore.Attendance, *memstore.Meetings) {
	rows := memstore.NewAttendance()
	meetings := memstore.NewMeetings()
	return NewLedger(rows, meetings, nil, nil), rows, meetings
}

func TestScore(t *testing.T) {
	cases := []struct {
		accrued, length int64
		pct             float64
		status          models.AttendanceStatus
	}{
		{48, 60, 80, models.AttendancePresent},
		{47, 60, 78.33, models.AttendancePartiallyPresent},
		{1, 3, 33.33, models.AttendancePartiallyPresent},
		{2, 3, 66.67, models.AttendancePartiallyPresent},
		{70, 60, 100, models.AttendancePresent},
		{0, 60, 0, models.AttendanceAbsent},
		{10, 0, 0, models.AttendanceAbsent},
		{10, -5, 0, models.AttendanceAbsent},
	}
	for _, tc := range cases {
		pct, status := Score(tc.accrued, tc.length)
		assert.InDelta(t, tc.pct, pct, 1e-9, "accrued=%d length=%d", tc.accrued, tc.length)
		assert.Equal(t, tc.status, status, "accrued=%d length=%d", tc.accrued, tc.length)
	}
}

func TestJoinLeaveAccrual(t *testing.T) {
	ctx := context.Background()
	l, rows, _ := newLedger()
	m := liveMeeting()

	a, err := l.OnJoin(ctx, m, 7, at(5))
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceAbsent, a.Status)
	assert.Zero(t, a.Percentage)
	assert.True(t, a.Open())

	require.NoError(t, l.OnLeave(ctx, m, 7, at(35)))
	got, err := rows.Get(ctx, m.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.DurationMinutes)
	require.NotNil(t, got.LeftAt)
	assert.Equal(t, at(35), *got.LeftAt)
	// 30 of 35 minutes elapsed since start
	assert.InDelta(t, 85.71, got.Percentage, 1e-9)
	assert.Equal(t, models.AttendancePresent, got.Status)

	_, err = l.OnJoin(ctx, m, 7, at(40))
	require.NoError(t, err)
	require.NoError(t, l.OnLeave(ctx, m, 7, at(50)))
	got, err = rows.Get(ctx, m.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.DurationMinutes)
	assert.Equal(t, at(5), got.JoinedAt)
	assert.Equal(t, at(40), got.LastJoinedAt)
	assert.InDelta(t, 80, got.Percentage, 1e-9)
}

func TestPartialMinutesAreTruncated(t *testing.T) {
	ctx := context.Background()
	l, rows, _ := newLedger()
	m := liveMeeting()

	_, err := l.OnJoin(ctx, m, 7, at(0))
	require.NoError(t, err)
	require.NoError(t, l.OnLeave(ctx, m, 7, at(10).Add(59*time.Second)))
	got, _ := rows.Get(ctx, m.ID, 7)
	assert.Equal(t, int64(10), got.DurationMinutes)
}

func TestLeaveTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, rows, _ := newLedger()
	m := liveMeeting()

	_, err := l.OnJoin(ctx, m, 7, at(0))
	require.NoError(t, err)
	require.NoError(t, l.OnLeave(ctx, m, 7, at(20)))
	first, _ := rows.Get(ctx, m.ID, 7)

	require.NoError(t, l.OnLeave(ctx, m, 7, at(45)))
	second, _ := rows.Get(ctx, m.ID, 7)
	assert.Equal(t, first.DurationMinutes, second.DurationMinutes)
	assert.Equal(t, first.LeftAt, second.LeftAt)
	assert.Equal(t, first.Percentage, second.Percentage)
	assert.Equal(t, first.Status, second.Status)
}

func TestLeaveWithoutJoin(t *testing.T) {
	l, _, _ := newLedger()
	err := l.OnLeave(context.Background(), liveMeeting(), 7, at(10))
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestRejoinWhileOpenClosesDanglingSession(t *testing.T) {
	ctx := context.Background()
	l, rows, _ := newLedger()
	m := liveMeeting()

	_, err := l.OnJoin(ctx, m, 7, at(0))
	require.NoError(t, err)
	// second tab, no leave in between
	a, err := l.OnJoin(ctx, m, 7, at(15))
	require.NoError(t, err)
	assert.Equal(t, int64(15), a.DurationMinutes)
	assert.Nil(t, a.LeftAt)
	assert.True(t, a.Open())

	require.NoError(t, l.OnLeave(ctx, m, 7, at(25)))
	got, _ := rows.Get(ctx, m.ID, 7)
	assert.Equal(t, int64(25), got.DurationMinutes)
	assert.False(t, got.Open())
}

func TestConcurrentFirstJoinCreatesOneRow(t *testing.T) {
	ctx := context.Background()
	l, rows, _ := newLedger()
	m := liveMeeting()

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.OnJoin(ctx, m, 7, at(2).Add(time.Duration(i)*time.Second))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := rows.ListByMeeting(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, at(2), list[0].JoinedAt)
	assert.True(t, list[0].Open())
	assert.Zero(t, list[0].DurationMinutes)
}

func TestDurationNeverDecreases(t *testing.T) {
	ctx := context.Background()
	l, rows, _ := newLedger()
	m := liveMeeting()
	rnd := rand.New(rand.NewSource(42))

	now := t0
	var last int64
	for i := 0; i < 200; i++ {
		now = now.Add(time.Duration(rnd.Intn(300)) * time.Second)
		if rnd.Intn(2) == 0 {
			_, err := l.OnJoin(ctx, m, 7, now)
			require.NoError(t, err)
		} else if err := l.OnLeave(ctx, m, 7, now); err != nil {
			require.ErrorIs(t, err, apperr.ErrUnauthorized)
			continue
		}
		a, err := rows.Get(ctx, m.ID, 7)
		require.NoError(t, err)
		require.GreaterOrEqual(t, a.DurationMinutes, last)
		last = a.DurationMinutes
	}
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	l, rows, _ := newLedger()
	m := liveMeeting()

	_, err := l.OnJoin(ctx, m, 1, at(0)) // stays the whole meeting
	require.NoError(t, err)
	_, err = l.OnJoin(ctx, m, 2, at(0))
	require.NoError(t, err)
	require.NoError(t, l.OnLeave(ctx, m, 2, at(30)))
	_, err = l.OnJoin(ctx, m, 3, at(50)) // still in at the end
	require.NoError(t, err)

	assert.ErrorIs(t, l.Finalize(ctx, m), apperr.ErrInvalidState)

	end := at(60)
	m.ActualEnd = &end
	m.Status = models.MeetingEnded
	require.NoError(t, l.Finalize(ctx, m))

	want := map[int64]struct {
		minutes int64
		pct     float64
		status  models.AttendanceStatus
	}{
		1: {60, 100, models.AttendancePresent},
		2: {30, 50, models.AttendancePartiallyPresent},
		3: {10, 16.67, models.AttendancePartiallyPresent},
	}
	for id, w := range want {
		a, err := rows.Get(ctx, m.ID, id)
		require.NoError(t, err)
		assert.Equal(t, w.minutes, a.DurationMinutes, "student %d", id)
		assert.InDelta(t, w.pct, a.Percentage, 1e-9, "student %d", id)
		assert.Equal(t, w.status, a.Status, "student %d", id)
		assert.False(t, a.Open(), "student %d", id)
	}
	a, _ := rows.Get(ctx, m.ID, 2)
	assert.Equal(t, at(30), *a.LeftAt)

	present, err := l.ListByStatus(ctx, m.ID, models.AttendancePresent)
	require.NoError(t, err)
	require.Len(t, present, 1)
	assert.Equal(t, int64(1), present[0].StudentID)
}

func TestOpenSessions(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger()
	m := liveMeeting()

	_, _ = l.OnJoin(ctx, m, 1, at(0))
	_, _ = l.OnJoin(ctx, m, 2, at(1))
	require.NoError(t, l.OnLeave(ctx, m, 2, at(5)))

	open, err := l.OpenSessions(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(1), open[0].StudentID)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	meetings := memstore.NewMeetings()
	users := memstore.NewUsers()
	lecturer := &models.User{Email: "kamal@uwu.ac.lk", FirstName: "Kamal", LastName: "Perera", Role: models.RoleLecturer}
	require.NoError(t, users.Create(ctx, lecturer))
	l := NewLedger(memstore.NewAttendance(), meetings, users, nil)

	ended := func(title string, day int) *models.Meeting {
		start := t0.AddDate(0, 0, day)
		end := start.Add(time.Hour)
		m := &models.Meeting{
			ID: uuid.New(), Title: title, ScheduledStart: start, ScheduledEnd: end,
			ActualStart: &start, ActualEnd: &end, TargetDegree: "ICT", TargetBatch: 22,
			Status: models.MeetingEnded, ChannelID: uuid.NewString(), CreatedBy: lecturer.ID,
		}
		require.NoError(t, meetings.Insert(ctx, m))
		return m
	}
	attended := ended("Databases", 0)
	missed := ended("Networks", 1)
	other := &models.Meeting{ID: uuid.New(), Title: "Other cohort", TargetDegree: "SE", TargetBatch: 22,
		Status: models.MeetingEnded, ScheduledStart: t0, ChannelID: uuid.NewString()}
	require.NoError(t, meetings.Insert(ctx, other))

	_, err := l.OnJoin(ctx, attended, 7, attended.ScheduledStart)
	require.NoError(t, err)
	require.NoError(t, l.Finalize(ctx, attended))

	student := models.Caller{UserID: 7, Role: models.RoleStudent,
		Student: &models.StudentProfile{Degree: "ict", Batch: 22}}

	list, err := l.History(ctx, student, "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, missed.ID, list[0].MeetingID) // newest first
	assert.Equal(t, models.AttendanceAbsent, list[0].Status)
	assert.Nil(t, list[0].JoinedAt)
	assert.Equal(t, int64(60), list[0].MeetingDurationMinutes)
	assert.Equal(t, lecturer.ID, list[0].LecturerID)
	assert.Equal(t, "Kamal Perera", list[0].LecturerName)
	assert.Equal(t, attended.ID, list[1].MeetingID)
	assert.Equal(t, models.AttendancePresent, list[1].Status)
	assert.Equal(t, int64(60), list[1].DurationMinutes)

	absent, err := l.History(ctx, student, models.AttendanceAbsent)
	require.NoError(t, err)
	require.Len(t, absent, 1)
	assert.Equal(t, missed.ID, absent[0].MeetingID)

	_, err = l.History(ctx, student, "LATE")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = l.History(ctx, models.Caller{UserID: 1, Role: models.RoleLecturer}, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}
