package models

import (
	"time"

	"github.com/google/uuid"
)

// Quiz options.
const (
	OptionA = "A"
	OptionB = "B"
	OptionC = "C"
	OptionD = "D"
)

// Options lists the selectable options in display order.
var Options = []string{OptionA, OptionB, OptionC, OptionD}

// ValidOption reports whether o is one of A, B, C or D.
func ValidOption(o string) bool {
	switch o {
	case OptionA, OptionB, OptionC, OptionD:
		return true
	}
	return false
}

// Quiz is a short timed multiple-choice question launched during a live meeting.
// At most one quiz per meeting is active at a time.
type Quiz struct {
	ID               uuid.UUID  `json:"id"`
	MeetingID        uuid.UUID  `json:"meeting_id"`
	Question         string     `json:"question"`
	OptionA          string     `json:"option_a"`
	OptionB          string     `json:"option_b"`
	OptionC          string     `json:"option_c,omitempty"`
	OptionD          string     `json:"option_d,omitempty"`
	CorrectOption    string     `json:"correct_option"`
	TimeLimitSeconds int        `json:"time_limit_seconds"`
	Active           bool       `json:"active"`
	LaunchedAt       *time.Time `json:"launched_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Remaining returns the time left in the submission window at now.
// Zero or negative means the window has closed.
func (q *Quiz) Remaining(now time.Time) time.Duration {
	if q.LaunchedAt == nil {
		return 0
	}
	limit := time.Duration(q.TimeLimitSeconds) * time.Second
	return limit - now.Sub(*q.LaunchedAt)
}

// QuizResponse is one student's answer to a quiz. Kept in memory only.
type QuizResponse struct {
	QuizID     uuid.UUID `json:"quiz_id"`
	StudentID  int64     `json:"student_id"`
	Option     string    `json:"option"`
	Correct    bool      `json:"correct"`
	AnsweredAt time.Time `json:"answered_at"`
}
