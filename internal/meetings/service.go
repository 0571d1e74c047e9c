// Package meetings owns the meeting state machine: SCHEDULED -> LIVE -> ENDED,
// and SCHEDULED|LIVE -> CANCELLED. Attendance accrual is delegated to the ledger.
package meetings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/connectra/backend/internal/apperr"
	"github.com/connectra/backend/internal/clock"
	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/internal/realtime"
	"github.com/connectra/backend/pkg/database"
)

// DefaultTokenTTL is the lifetime of a join credential in seconds.
const DefaultTokenTTL int64 = 3600

// Store persists meetings. Update applies fn under a row lock and saves only
// when fn returns nil. Hold applies fn under a lock that keeps Update out and
// saves nothing. Storage work fn does with the context it is handed commits
// or rolls back together with the lock's transaction.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Meeting, error)
	Insert(ctx context.Context, m *models.Meeting) error
	Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, m *models.Meeting) error) (*models.Meeting, error)
	Hold(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, m *models.Meeting) error) (*models.Meeting, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]models.Meeting, error)
	ListByCohort(ctx context.Context, degree string, batch int, statuses ...models.MeetingStatus) ([]models.Meeting, error)
}

// Ledger is the attendance surface the lifecycle drives.
type Ledger interface {
	OnJoin(ctx context.Context, meeting *models.Meeting, studentID int64, now time.Time) (*models.Attendance, error)
	OnLeave(ctx context.Context, meeting *models.Meeting, studentID int64, now time.Time) error
	Finalize(ctx context.Context, meeting *models.Meeting) error
	OpenSessions(ctx context.Context, meetingID uuid.UUID) ([]models.Attendance, error)
}

// Issuer mints the opaque transport credential for a channel.
type Issuer interface {
	Issue(channelID string, uid int64, role models.Role, ttlSeconds int64) (string, error)
	AppID() uint32
}

// Roster is the read-only identity lookup.
type Roster interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByIDs(ctx context.Context, ids []int64) ([]models.User, error)
	ListStudentsByCohort(ctx context.Context, degree string, batch int) ([]models.User, error)
}

// Notifier receives meeting notices for the cohort.
type Notifier interface {
	MeetingScheduled(ctx context.Context, m *models.Meeting, recipients []models.User) error
	MeetingCancelled(ctx context.Context, m *models.Meeting, recipients []models.User) error
}

// Broadcaster pushes live events to the meeting room.
type Broadcaster interface {
	Publish(meetingID uuid.UUID, event string, payload interface{})
}

// Options holds the optional collaborators of a Lifecycle.
type Options struct {
	Notifier    Notifier
	Broadcaster Broadcaster
	Clock       clock.Clock
	TokenTTL    int64 // seconds
	Logger      *zap.Logger
}

// Input is the editable part of a meeting.
type Input struct {
	Title          string    `json:"title" validate:"required,max=200"`
	Description    string    `json:"description" validate:"max=2000"`
	ScheduledStart time.Time `json:"scheduled_start" validate:"required"`
	ScheduledEnd   time.Time `json:"scheduled_end" validate:"required"`
	TargetDegree   string    `json:"target_degree" validate:"required,max=100"`
	TargetBatch    int       `json:"target_batch" validate:"required,min=1"`
}

// JoinTicket is what a caller needs to connect to the meeting's channel.
type JoinTicket struct {
	MeetingID   uuid.UUID `json:"meeting_id"`
	ChannelID   string    `json:"channel_id"`
	Token       string    `json:"token"`
	AppID       uint32    `json:"app_id"`
	UID         int64     `json:"uid"`
	DisplayName string    `json:"display_name"`
	Host        bool      `json:"host"`
}

// Participant is someone currently in the meeting.
type Participant struct {
	UID         int64  `json:"uid"`
	DisplayName string `json:"display_name"`
	Host        bool   `json:"host"`
}

// Lifecycle owns meeting transitions and the ownership/eligibility checks.
type Lifecycle struct {
	store     Store
	ledger    Ledger
	issuer    Issuer
	roster    Roster
	notifier  Notifier
	broadcast Broadcaster
	clock     clock.Clock
	tokenTTL  int64
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewLifecycle creates the meeting lifecycle service.
func NewLifecycle(store Store, ledger Ledger, issuer Issuer, roster Roster, opts Options) *Lifecycle {
	l := &Lifecycle{
		store:     store,
		ledger:    ledger,
		issuer:    issuer,
		roster:    roster,
		notifier:  opts.Notifier,
		broadcast: opts.Broadcaster,
		clock:     opts.Clock,
		tokenTTL:  opts.TokenTTL,
		validate:  validator.New(),
		logger:    opts.Logger,
	}
	if l.clock == nil {
		l.clock = clock.Real{}
	}
	if l.tokenTTL <= 0 {
		l.tokenTTL = DefaultTokenTTL
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

// Create schedules a new meeting owned by the calling lecturer.
func (l *Lifecycle) Create(ctx context.Context, caller models.Caller, in Input) (*models.Meeting, error) {
	if !caller.IsLecturer() {
		return nil, apperr.Forbidden("only lecturers can create meetings")
	}
	if err := l.check(in); err != nil {
		return nil, err
	}
	id := uuid.New()
	now := l.clock.Now()
	m := &models.Meeting{
		ID:             id,
		Title:          strings.TrimSpace(in.Title),
		Description:    in.Description,
		ScheduledStart: in.ScheduledStart.UTC(),
		ScheduledEnd:   in.ScheduledEnd.UTC(),
		TargetDegree:   strings.TrimSpace(in.TargetDegree),
		TargetBatch:    in.TargetBatch,
		Status:         models.MeetingScheduled,
		ChannelID:      "meeting-" + id.String(),
		CreatedBy:      caller.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.Insert(ctx, m); err != nil {
		return nil, fmt.Errorf("insert meeting: %w", err)
	}
	l.logger.Info("meeting created", zap.String("meeting_id", m.ID.String()), zap.Int64("lecturer_id", caller.UserID))
	l.notify(ctx, m, false)
	return m, nil
}

// Update edits title, description, window and audience. Ended and cancelled meetings are frozen.
func (l *Lifecycle) Update(ctx context.Context, caller models.Caller, meetingID uuid.UUID, in Input) (*models.Meeting, error) {
	if err := l.check(in); err != nil {
		return nil, err
	}
	m, err := l.mutate(ctx, meetingID, func(_ context.Context, m *models.Meeting) error {
		if !m.OwnedBy(caller.UserID) {
			return apperr.Forbidden("you can only modify meetings you created")
		}
		if err := editable(m); err != nil {
			return err
		}
		m.Title = strings.TrimSpace(in.Title)
		m.Description = in.Description
		m.ScheduledStart = in.ScheduledStart.UTC()
		m.ScheduledEnd = in.ScheduledEnd.UTC()
		m.TargetDegree = strings.TrimSpace(in.TargetDegree)
		m.TargetBatch = in.TargetBatch
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("meeting updated", zap.String("meeting_id", m.ID.String()))
	return m, nil
}

// Cancel moves a SCHEDULED or LIVE meeting to CANCELLED.
func (l *Lifecycle) Cancel(ctx context.Context, caller models.Caller, meetingID uuid.UUID) (*models.Meeting, error) {
	m, err := l.mutate(ctx, meetingID, func(_ context.Context, m *models.Meeting) error {
		if !m.OwnedBy(caller.UserID) {
			return apperr.Forbidden("you can only cancel meetings you created")
		}
		if err := editable(m); err != nil {
			return err
		}
		m.Status = models.MeetingCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("meeting cancelled", zap.String("meeting_id", m.ID.String()))
	l.publish(m.ID, realtime.EventMeetingCancelled, statusPayload(m))
	l.notify(ctx, m, true)
	return m, nil
}

// Join admits the caller and returns a channel credential. The owning lecturer
// starts a SCHEDULED meeting by joining it; students can only join LIVE meetings
// of their cohort, and their attendance starts accruing.
func (l *Lifecycle) Join(ctx context.Context, caller models.Caller, meetingID uuid.UUID) (*JoinTicket, error) {
	var (
		m   *models.Meeting
		err error
	)
	switch {
	case caller.IsLecturer():
		m, err = l.startOnJoin(ctx, caller, meetingID)
	case caller.IsStudent():
		m, err = l.admitStudent(ctx, caller, meetingID)
	default:
		return nil, apperr.Forbidden("you are not authorized to join this meeting")
	}
	if err != nil {
		return nil, err
	}

	token, err := l.issuer.Issue(m.ChannelID, caller.UserID, caller.Role, l.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue credential: %w", err)
	}
	l.logger.Info("user joined meeting", zap.String("meeting_id", m.ID.String()),
		zap.Int64("user_id", caller.UserID), zap.String("role", string(caller.Role)))
	return &JoinTicket{
		MeetingID:   m.ID,
		ChannelID:   m.ChannelID,
		Token:       token,
		AppID:       l.issuer.AppID(),
		UID:         caller.UserID,
		DisplayName: caller.Name,
		Host:        caller.IsLecturer(),
	}, nil
}

func (l *Lifecycle) startOnJoin(ctx context.Context, caller models.Caller, meetingID uuid.UUID) (*models.Meeting, error) {
	started := false
	m, err := l.mutate(ctx, meetingID, func(_ context.Context, m *models.Meeting) error {
		if !m.OwnedBy(caller.UserID) {
			return apperr.Forbidden("you can only join meetings you created")
		}
		switch m.Status {
		case models.MeetingCancelled:
			return apperr.New(apperr.KindCancelled, "this meeting has been cancelled")
		case models.MeetingEnded:
			return apperr.New(apperr.KindAlreadyEnded, "this meeting has already ended")
		case models.MeetingScheduled:
			now := l.clock.Now()
			m.Status = models.MeetingLive
			m.ActualStart = &now
			started = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if started {
		l.logger.Info("meeting started", zap.String("meeting_id", m.ID.String()))
		l.publish(m.ID, realtime.EventMeetingStarted, statusPayload(m))
	}
	return m, nil
}

// admitStudent records the join while holding the meeting, so a concurrent Stop
// either finalizes the new session or is seen here as ENDED.
func (l *Lifecycle) admitStudent(ctx context.Context, caller models.Caller, meetingID uuid.UUID) (*models.Meeting, error) {
	m, err := l.hold(ctx, meetingID, func(ctx context.Context, m *models.Meeting) error {
		if !m.Targets(caller.Student) {
			return apperr.Forbidden("this meeting is not intended for your degree and batch")
		}
		switch m.Status {
		case models.MeetingScheduled:
			return apperr.New(apperr.KindNotStarted, "this meeting has not started yet")
		case models.MeetingCancelled:
			return apperr.New(apperr.KindCancelled, "this meeting has been cancelled")
		case models.MeetingEnded:
			return apperr.New(apperr.KindAlreadyEnded, "this meeting has already ended")
		}
		_, err := l.ledger.OnJoin(ctx, m, caller.UserID, l.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	l.publish(m.ID, realtime.EventParticipantJoined, Participant{UID: caller.UserID, DisplayName: caller.Name})
	return m, nil
}

// Leave records a departure. For students the open session is closed; repeated
// leaves succeed without changing anything. Lecturers leaving is a no-op.
func (l *Lifecycle) Leave(ctx context.Context, caller models.Caller, meetingID uuid.UUID) error {
	m, err := l.Get(ctx, meetingID)
	if err != nil {
		return err
	}
	if caller.IsStudent() {
		if err := l.ledger.OnLeave(ctx, m, caller.UserID, l.clock.Now()); err != nil {
			return err
		}
		l.publish(m.ID, realtime.EventParticipantLeft, Participant{UID: caller.UserID, DisplayName: caller.Name})
	}
	l.logger.Info("user left meeting", zap.String("meeting_id", m.ID.String()),
		zap.Int64("user_id", caller.UserID), zap.String("role", string(caller.Role)))
	return nil
}

// Stop ends a LIVE meeting and finalizes every attendance row against the actual
// window. The status change and the finalization commit together; when
// finalization fails the meeting stays LIVE and Stop can be retried.
func (l *Lifecycle) Stop(ctx context.Context, caller models.Caller, meetingID uuid.UUID) (*models.Meeting, error) {
	if !caller.IsLecturer() {
		return nil, apperr.Forbidden("only lecturers can stop the meeting")
	}
	m, err := l.mutate(ctx, meetingID, func(ctx context.Context, m *models.Meeting) error {
		if !m.OwnedBy(caller.UserID) {
			return apperr.Forbidden("you can only stop meetings you created")
		}
		if m.Status != models.MeetingLive {
			return apperr.New(apperr.KindNotLive, "this meeting is not live")
		}
		now := l.clock.Now()
		m.Status = models.MeetingEnded
		m.ActualEnd = &now
		if err := l.ledger.Finalize(ctx, m); err != nil {
			l.logger.Error("attendance finalization failed", zap.String("meeting_id", m.ID.String()), zap.Error(err))
			return fmt.Errorf("finalize attendance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("meeting stopped", zap.String("meeting_id", m.ID.String()),
		zap.Int64("duration_minutes", m.DurationMinutes()))
	l.publish(m.ID, realtime.EventMeetingEnded, statusPayload(m))
	return m, nil
}

// Get returns a meeting or apperr.ErrNotFound.
func (l *Lifecycle) Get(ctx context.Context, meetingID uuid.UUID) (*models.Meeting, error) {
	m, err := l.store.Get(ctx, meetingID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("meeting not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get meeting: %w", err)
	}
	return m, nil
}

// View returns a meeting the caller may see: its owner, an admin, or a student of the target cohort.
func (l *Lifecycle) View(ctx context.Context, caller models.Caller, meetingID uuid.UUID) (*models.Meeting, error) {
	m, err := l.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if err := visibleTo(m, caller); err != nil {
		return nil, err
	}
	return m, nil
}

// CanWatch reports whether userID may follow the meeting's live events.
func (l *Lifecycle) CanWatch(ctx context.Context, meetingID uuid.UUID, userID int64) error {
	u, err := l.roster.GetByID(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.Unauthorized("unknown user")
	}
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}
	_, err = l.View(ctx, u.Caller(), meetingID)
	return err
}

// ListForOwner returns the lecturer's meetings, newest first.
func (l *Lifecycle) ListForOwner(ctx context.Context, caller models.Caller) ([]models.Meeting, error) {
	if !caller.IsLecturer() {
		return nil, apperr.Forbidden("only lecturers own meetings")
	}
	return l.store.ListByOwner(ctx, caller.UserID)
}

// ListForStudent returns the SCHEDULED and LIVE meetings of the student's cohort, soonest first.
func (l *Lifecycle) ListForStudent(ctx context.Context, caller models.Caller) ([]models.Meeting, error) {
	if !caller.IsStudent() {
		return nil, apperr.Forbidden("only students have a cohort schedule")
	}
	return l.store.ListByCohort(ctx, caller.Student.Degree, caller.Student.Batch,
		models.MeetingScheduled, models.MeetingLive)
}

// Participants returns the host plus every student whose session is open.
func (l *Lifecycle) Participants(ctx context.Context, caller models.Caller, meetingID uuid.UUID) ([]Participant, error) {
	m, err := l.View(ctx, caller, meetingID)
	if err != nil {
		return nil, err
	}
	open, err := l.ledger.OpenSessions(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}
	ids := make([]int64, 0, len(open)+1)
	ids = append(ids, m.CreatedBy)
	for _, a := range open {
		ids = append(ids, a.StudentID)
	}
	users, err := l.roster.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve participants: %w", err)
	}
	names := make(map[int64]string, len(users))
	for _, u := range users {
		names[u.ID] = u.FullName()
	}

	list := make([]Participant, 0, len(ids))
	list = append(list, Participant{UID: m.CreatedBy, DisplayName: names[m.CreatedBy], Host: true})
	for _, a := range open {
		list = append(list, Participant{UID: a.StudentID, DisplayName: names[a.StudentID]})
	}
	return list, nil
}

func (l *Lifecycle) mutate(ctx context.Context, meetingID uuid.UUID, fn func(ctx context.Context, m *models.Meeting) error) (*models.Meeting, error) {
	m, err := l.store.Update(ctx, meetingID, fn)
	return storeResult(m, err)
}

func (l *Lifecycle) hold(ctx context.Context, meetingID uuid.UUID, fn func(ctx context.Context, m *models.Meeting) error) (*models.Meeting, error) {
	m, err := l.store.Hold(ctx, meetingID, fn)
	return storeResult(m, err)
}

func storeResult(m *models.Meeting, err error) (*models.Meeting, error) {
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, database.ErrNotFound):
		return nil, apperr.NotFound("meeting not found")
	case apperr.KindOf(err) != "":
		return nil, err
	}
	return nil, fmt.Errorf("update meeting: %w", err)
}

func (l *Lifecycle) check(in Input) error {
	if err := l.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.InvalidInput(fmt.Sprintf("%s failed on the %q rule", fe.Field(), fe.Tag()))
		}
		return apperr.InvalidInput(err.Error())
	}
	if !in.ScheduledEnd.After(in.ScheduledStart) {
		return apperr.InvalidWindow("scheduled end must be after scheduled start")
	}
	return nil
}

func (l *Lifecycle) notify(ctx context.Context, m *models.Meeting, cancelled bool) {
	if l.notifier == nil {
		return
	}
	students, err := l.roster.ListStudentsByCohort(ctx, m.TargetDegree, m.TargetBatch)
	if err != nil {
		l.logger.Warn("roster lookup for notification failed", zap.String("meeting_id", m.ID.String()), zap.Error(err))
		return
	}
	if cancelled {
		err = l.notifier.MeetingCancelled(ctx, m, students)
	} else {
		err = l.notifier.MeetingScheduled(ctx, m, students)
	}
	if err != nil {
		l.logger.Warn("meeting notification not queued", zap.String("meeting_id", m.ID.String()), zap.Error(err))
	}
}

func (l *Lifecycle) publish(meetingID uuid.UUID, event string, payload interface{}) {
	if l.broadcast != nil {
		l.broadcast.Publish(meetingID, event, payload)
	}
}

func editable(m *models.Meeting) error {
	switch m.Status {
	case models.MeetingEnded:
		return apperr.New(apperr.KindAlreadyEnded, "this meeting has already ended")
	case models.MeetingCancelled:
		return apperr.New(apperr.KindCancelled, "this meeting has been cancelled")
	}
	return nil
}

func visibleTo(m *models.Meeting, caller models.Caller) error {
	switch {
	case caller.Role == models.RoleAdmin, m.OwnedBy(caller.UserID):
		return nil
	case caller.IsStudent() && m.Targets(caller.Student):
		return nil
	}
	return apperr.Forbidden("you cannot access this meeting")
}

// statusPayload is the status payload carried by meeting_* room events.
func statusPayload(m *models.Meeting) map[string]interface{} {
	return map[string]interface{}{
		"meeting_id":   m.ID,
		"status":       m.Status,
		"actual_start": m.ActualStart,
		"actual_end":   m.ActualEnd,
	}
}
