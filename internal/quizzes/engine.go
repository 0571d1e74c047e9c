// Package quizzes runs short timed quizzes inside a live meeting: at most one
// active quiz per meeting, a submission window of the quiz's time limit, and
// answers aggregated in memory while the quiz is open.
package quizzes

import (
	"context"
	"errors"
	"fmt"
	"math"
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

// DefaultTimeLimits are the allowed quiz durations in seconds.
var DefaultTimeLimits = []int{30, 60, 120}

// Store persists quizzes. Activate must check "no other active quiz of the
// meeting" and set active in one atomic step, failing with database.ErrDuplicate.
type Store interface {
	Insert(ctx context.Context, q *models.Quiz) error
	Get(ctx context.Context, id uuid.UUID) (*models.Quiz, error)
	GetActive(ctx context.Context, meetingID uuid.UUID) (*models.Quiz, error)
	ListByMeeting(ctx context.Context, meetingID uuid.UUID) ([]models.Quiz, error)
	Activate(ctx context.Context, id uuid.UUID, launchedAt time.Time) (*models.Quiz, error)
	Deactivate(ctx context.Context, id uuid.UUID, endedAt time.Time) (bool, error)
	DeleteInactive(ctx context.Context, id uuid.UUID) (bool, error)
}

// MeetingGetter loads a meeting, failing with apperr.ErrNotFound.
type MeetingGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Meeting, error)
}

// Roster counts the students a meeting targets.
type Roster interface {
	CountStudentsByCohort(ctx context.Context, degree string, batch int) (int, error)
}

// Broadcaster pushes live events to the meeting room.
type Broadcaster interface {
	Publish(meetingID uuid.UUID, event string, payload interface{})
}

// Options holds the optional collaborators of an Engine.
type Options struct {
	Broadcaster Broadcaster
	Clock       clock.Clock
	TimeLimits  []int // seconds
	Logger      *zap.Logger
}

// Input is the body of a new quiz. Options C and D are optional.
type Input struct {
	Question         string `json:"question" validate:"required,max=500"`
	OptionA          string `json:"option_a" validate:"required,max=255"`
	OptionB          string `json:"option_b" validate:"required,max=255"`
	OptionC          string `json:"option_c" validate:"max=255"`
	OptionD          string `json:"option_d" validate:"max=255"`
	CorrectOption    string `json:"correct_option" validate:"required,oneof=A B C D"`
	TimeLimitSeconds int    `json:"time_limit_seconds" validate:"required"`
}

// ActiveQuiz is the student view of an open quiz. It never carries the answer.
type ActiveQuiz struct {
	ID               uuid.UUID `json:"id"`
	MeetingID        uuid.UUID `json:"meeting_id"`
	Question         string    `json:"question"`
	OptionA          string    `json:"option_a"`
	OptionB          string    `json:"option_b"`
	OptionC          string    `json:"option_c,omitempty"`
	OptionD          string    `json:"option_d,omitempty"`
	TimeLimitSeconds int       `json:"time_limit_seconds"`
	LaunchedAt       time.Time `json:"launched_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

// Results aggregates the answers collected for a quiz.
type Results struct {
	QuizID             uuid.UUID `json:"quiz_id"`
	Question           string    `json:"question"`
	CorrectOption      string    `json:"correct_option"`
	Active             bool      `json:"active"`
	ExpectedStudents   int       `json:"expected_students"`
	TotalResponses     int       `json:"total_responses"`
	CorrectResponses   int       `json:"correct_responses"`
	IncorrectResponses int       `json:"incorrect_responses"`
	OptionACount       int       `json:"option_a_count"`
	OptionBCount       int       `json:"option_b_count"`
	OptionCCount       int       `json:"option_c_count"`
	OptionDCount       int       `json:"option_d_count"`
	ResponseRate       float64   `json:"response_rate"` // percent of expected students
}

// Engine owns quiz lifecycle and response aggregation.
type Engine struct {
	store     Store
	meetings  MeetingGetter
	roster    Roster
	responses *Responses
	broadcast Broadcaster
	clock     clock.Clock
	limits    map[int]bool
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewEngine creates the quiz engine. responses may be nil for a fresh store.
func NewEngine(store Store, meetings MeetingGetter, roster Roster, responses *Responses, opts Options) *Engine {
	e := &Engine{
		store:     store,
		meetings:  meetings,
		roster:    roster,
		responses: responses,
		broadcast: opts.Broadcaster,
		clock:     opts.Clock,
		validate:  validator.New(),
		logger:    opts.Logger,
	}
	if e.responses == nil {
		e.responses = NewResponses()
	}
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	limits := opts.TimeLimits
	if len(limits) == 0 {
		limits = DefaultTimeLimits
	}
	e.limits = make(map[int]bool, len(limits))
	for _, l := range limits {
		e.limits[l] = true
	}
	return e
}

// Create adds an inactive quiz to a meeting the caller owns.
func (e *Engine) Create(ctx context.Context, caller models.Caller, meetingID uuid.UUID, in Input) (*models.Quiz, error) {
	m, err := e.owned(ctx, caller, meetingID)
	if err != nil {
		return nil, err
	}
	in.CorrectOption = strings.ToUpper(strings.TrimSpace(in.CorrectOption))
	if err := e.check(in); err != nil {
		return nil, err
	}
	q := &models.Quiz{
		MeetingID:        m.ID,
		Question:         strings.TrimSpace(in.Question),
		OptionA:          strings.TrimSpace(in.OptionA),
		OptionB:          strings.TrimSpace(in.OptionB),
		OptionC:          strings.TrimSpace(in.OptionC),
		OptionD:          strings.TrimSpace(in.OptionD),
		CorrectOption:    in.CorrectOption,
		TimeLimitSeconds: in.TimeLimitSeconds,
	}
	if err := e.store.Insert(ctx, q); err != nil {
		return nil, fmt.Errorf("insert quiz: %w", err)
	}
	e.logger.Info("quiz created", zap.String("quiz_id", q.ID.String()), zap.String("meeting_id", m.ID.String()))
	return q, nil
}

// List returns the meeting's quizzes for its owner, most recently launched first.
func (e *Engine) List(ctx context.Context, caller models.Caller, meetingID uuid.UUID) ([]models.Quiz, error) {
	if _, err := e.owned(ctx, caller, meetingID); err != nil {
		return nil, err
	}
	return e.store.ListByMeeting(ctx, meetingID)
}

// Launch opens the quiz for answers. The meeting must be LIVE and have no other
// active quiz. Answers from a previous launch are discarded once the launch
// succeeds.
func (e *Engine) Launch(ctx context.Context, caller models.Caller, quizID uuid.UUID) (*models.Quiz, error) {
	q, m, err := e.ownedQuiz(ctx, caller, quizID)
	if err != nil {
		return nil, err
	}
	if m.Status != models.MeetingLive {
		return nil, apperr.InvalidState("quizzes can only be launched during a live meeting")
	}
	if q.Active {
		return nil, apperr.Conflict("this quiz is already active")
	}
	launched, err := e.store.Activate(ctx, q.ID, e.clock.Now())
	switch {
	case errors.Is(err, database.ErrDuplicate):
		return nil, apperr.Conflict("another quiz is currently active in this meeting")
	case errors.Is(err, database.ErrNotFound):
		return nil, apperr.NotFound("quiz not found")
	case err != nil:
		return nil, fmt.Errorf("activate quiz: %w", err)
	}
	e.responses.Reset(launched.ID, *launched.LaunchedAt)
	e.logger.Info("quiz launched", zap.String("quiz_id", q.ID.String()), zap.String("meeting_id", m.ID.String()),
		zap.Int("time_limit_seconds", q.TimeLimitSeconds))
	e.publish(m.ID, realtime.EventQuizLaunched, studentView(launched, e.clock.Now()))
	return launched, nil
}

// End closes an active quiz. Collected answers are kept for results.
func (e *Engine) End(ctx context.Context, caller models.Caller, quizID uuid.UUID) (*models.Quiz, error) {
	q, _, err := e.ownedQuiz(ctx, caller, quizID)
	if err != nil {
		return nil, err
	}
	if err := e.close(ctx, q); err != nil {
		return nil, err
	}
	return e.getQuiz(ctx, quizID)
}

// Delete removes an inactive quiz and its answers.
func (e *Engine) Delete(ctx context.Context, caller models.Caller, quizID uuid.UUID) error {
	q, _, err := e.ownedQuiz(ctx, caller, quizID)
	if err != nil {
		return err
	}
	removed, err := e.store.DeleteInactive(ctx, q.ID)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.NotFound("quiz not found")
	}
	if err != nil {
		return fmt.Errorf("delete quiz: %w", err)
	}
	if !removed {
		return apperr.Conflict("an active quiz cannot be deleted")
	}
	e.responses.Clear(q.ID)
	e.logger.Info("quiz deleted", zap.String("quiz_id", q.ID.String()))
	return nil
}

// ActiveForStudent returns the meeting's open quiz for a student of the target
// cohort. A quiz whose window has elapsed is closed on the spot and reported as
// not found, so late clients never see an expired quiz as open.
func (e *Engine) ActiveForStudent(ctx context.Context, caller models.Caller, meetingID uuid.UUID) (*ActiveQuiz, error) {
	m, err := e.meetings.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if !caller.IsStudent() || !m.Targets(caller.Student) {
		return nil, apperr.Forbidden("you are not authorized to view quizzes of this meeting")
	}
	q, err := e.store.GetActive(ctx, meetingID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("no active quiz for this meeting")
	}
	if err != nil {
		return nil, fmt.Errorf("get active quiz: %w", err)
	}
	now := e.clock.Now()
	if q.Remaining(now) <= 0 {
		if err := e.close(ctx, q); err != nil && apperr.KindOf(err) != apperr.KindInvalidState {
			return nil, err
		}
		e.logger.Info("expired quiz closed", zap.String("quiz_id", q.ID.String()))
		return nil, apperr.NotFound("no active quiz for this meeting")
	}
	return studentView(q, now), nil
}

// Submit records a student's answer. The window is checked against the server
// clock; the first answer per student wins and later ones fail with Conflict.
func (e *Engine) Submit(ctx context.Context, caller models.Caller, quizID uuid.UUID, option string) (*models.QuizResponse, error) {
	if !caller.IsStudent() {
		return nil, apperr.Forbidden("only students can answer quizzes")
	}
	option = strings.ToUpper(strings.TrimSpace(option))
	if !models.ValidOption(option) {
		return nil, apperr.InvalidInput("option must be A, B, C or D")
	}
	q, err := e.getQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}
	m, err := e.meetings.Get(ctx, q.MeetingID)
	if err != nil {
		return nil, err
	}
	if !m.Targets(caller.Student) {
		return nil, apperr.Forbidden("you are not authorized to answer this quiz")
	}

	now := e.clock.Now()
	if !q.Active || q.Remaining(now) <= 0 {
		if e.responses.Has(q.ID, caller.UserID) {
			return nil, apperr.Conflict("you have already answered this quiz")
		}
		if !q.Active {
			return nil, apperr.InvalidState("quiz is not active")
		}
		return nil, apperr.Expired("quiz time limit has passed")
	}

	r := models.QuizResponse{
		QuizID:     q.ID,
		StudentID:  caller.UserID,
		Option:     option,
		Correct:    option == q.CorrectOption,
		AnsweredAt: now,
	}
	if err := e.responses.Add(r, *q.LaunchedAt); err != nil {
		return nil, err
	}
	e.logger.Debug("quiz answer recorded", zap.String("quiz_id", q.ID.String()), zap.Int64("student_id", caller.UserID))
	return &r, nil
}

// Results folds the collected answers for the quiz owner.
func (e *Engine) Results(ctx context.Context, caller models.Caller, quizID uuid.UUID) (*Results, error) {
	q, m, err := e.ownedQuiz(ctx, caller, quizID)
	if err != nil {
		return nil, err
	}
	expected, err := e.roster.CountStudentsByCohort(ctx, m.TargetDegree, m.TargetBatch)
	if err != nil {
		return nil, fmt.Errorf("count cohort: %w", err)
	}
	res := &Results{
		QuizID:           q.ID,
		Question:         q.Question,
		CorrectOption:    q.CorrectOption,
		Active:           q.Active,
		ExpectedStudents: expected,
	}
	for _, r := range e.responses.List(q.ID) {
		res.TotalResponses++
		if r.Correct {
			res.CorrectResponses++
		}
		switch r.Option {
		case models.OptionA:
			res.OptionACount++
		case models.OptionB:
			res.OptionBCount++
		case models.OptionC:
			res.OptionCCount++
		case models.OptionD:
			res.OptionDCount++
		}
	}
	res.IncorrectResponses = res.TotalResponses - res.CorrectResponses
	if expected > 0 {
		res.ResponseRate = math.Round(float64(res.TotalResponses)*10000/float64(expected)) / 100
	}
	return res, nil
}

func (e *Engine) close(ctx context.Context, q *models.Quiz) error {
	changed, err := e.store.Deactivate(ctx, q.ID, e.clock.Now())
	if errors.Is(err, database.ErrNotFound) {
		return apperr.NotFound("quiz not found")
	}
	if err != nil {
		return fmt.Errorf("deactivate quiz: %w", err)
	}
	if !changed {
		return apperr.InvalidState("quiz is not active")
	}
	if q.LaunchedAt != nil {
		e.responses.Close(q.ID, *q.LaunchedAt)
	}
	e.publish(q.MeetingID, realtime.EventQuizEnded, map[string]interface{}{"quiz_id": q.ID})
	return nil
}

func (e *Engine) getQuiz(ctx context.Context, id uuid.UUID) (*models.Quiz, error) {
	q, err := e.store.Get(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("quiz not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get quiz: %w", err)
	}
	return q, nil
}

func (e *Engine) owned(ctx context.Context, caller models.Caller, meetingID uuid.UUID) (*models.Meeting, error) {
	m, err := e.meetings.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if !caller.IsLecturer() || !m.OwnedBy(caller.UserID) {
		return nil, apperr.Forbidden("you do not have permission to manage quizzes for this meeting")
	}
	return m, nil
}

func (e *Engine) ownedQuiz(ctx context.Context, caller models.Caller, quizID uuid.UUID) (*models.Quiz, *models.Meeting, error) {
	q, err := e.getQuiz(ctx, quizID)
	if err != nil {
		return nil, nil, err
	}
	m, err := e.owned(ctx, caller, q.MeetingID)
	if err != nil {
		return nil, nil, err
	}
	return q, m, nil
}

func (e *Engine) check(in Input) error {
	if err := e.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.InvalidInput(fmt.Sprintf("%s failed on the %q rule", fe.Field(), fe.Tag()))
		}
		return apperr.InvalidInput(err.Error())
	}
	if !e.limits[in.TimeLimitSeconds] {
		return apperr.InvalidInput(fmt.Sprintf("time limit %ds is not allowed", in.TimeLimitSeconds))
	}
	if (in.CorrectOption == models.OptionC && strings.TrimSpace(in.OptionC) == "") ||
		(in.CorrectOption == models.OptionD && strings.TrimSpace(in.OptionD) == "") {
		return apperr.InvalidInput("correct option refers to an empty choice")
	}
	return nil
}

func (e *Engine) publish(meetingID uuid.UUID, event string, payload interface{}) {
	if e.broadcast != nil {
		e.broadcast.Publish(meetingID, event, payload)
	}
}

func studentView(q *models.Quiz, now time.Time) *ActiveQuiz {
	v := &ActiveQuiz{
		ID:               q.ID,
		MeetingID:        q.MeetingID,
		Question:         q.Question,
		OptionA:          q.OptionA,
		OptionB:          q.OptionB,
		OptionC:          q.OptionC,
		OptionD:          q.OptionD,
		TimeLimitSeconds: q.TimeLimitSeconds,
	}
	if q.LaunchedAt != nil {
		v.LaunchedAt = *q.LaunchedAt
	}
	if rem := q.Remaining(now); rem > 0 {
		v.RemainingSeconds = int64(math.Ceil(rem.Seconds()))
	}
	return v
}
