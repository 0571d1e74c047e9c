package quizzes

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectra/backend/internal/apperr"
	"github.com/connectra/backend/internal/models"
)

// launchAnswers are the answers collected during one launch of a quiz.
type launchAnswers struct {
	launchedAt time.Time
	closed     bool
	answers    map[int64]models.QuizResponse
}

// Responses holds quiz answers in process memory, keyed by quiz then student.
// Each quiz keeps the answers of its latest launch only. Nothing here survives
// a restart.
type Responses struct {
	mu     sync.RWMutex
	byQuiz map[uuid.UUID]*launchAnswers
}

// NewResponses creates an empty response store.
func NewResponses() *Responses {
	return &Responses{byQuiz: make(map[uuid.UUID]*launchAnswers)}
}

// Reset starts collecting for the launch stamped launchedAt and drops the
// answers of any earlier launch. Answers already recorded for this launch
// are kept.
func (s *Responses) Reset(quizID uuid.UUID, launchedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.byQuiz[quizID]
	if cur != nil && cur.launchedAt.Equal(launchedAt) && !cur.closed {
		return
	}
	s.byQuiz[quizID] = &launchAnswers{launchedAt: launchedAt, answers: make(map[int64]models.QuizResponse)}
}

// Close stops accepting answers for the launch stamped launchedAt.
func (s *Responses) Close(quizID uuid.UUID, launchedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.byQuiz[quizID]
	switch {
	case cur == nil || launchedAt.After(cur.launchedAt):
		s.byQuiz[quizID] = &launchAnswers{launchedAt: launchedAt, closed: true, answers: make(map[int64]models.QuizResponse)}
	case cur.launchedAt.Equal(launchedAt):
		cur.closed = true
	}
}

// Add stores r as an answer to the launch stamped launchedAt. It fails with
// Conflict when the student already answered that launch and with
// InvalidState when the launch is closed or has been superseded.
func (s *Responses) Add(r models.QuizResponse, launchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.byQuiz[r.QuizID]
	if cur == nil || launchedAt.After(cur.launchedAt) {
		cur = &launchAnswers{launchedAt: launchedAt, answers: make(map[int64]models.QuizResponse)}
		s.byQuiz[r.QuizID] = cur
	}
	if _, ok := cur.answers[r.StudentID]; ok && cur.launchedAt.Equal(launchedAt) {
		return apperr.Conflict("you have already answered this quiz")
	}
	if cur.closed || !cur.launchedAt.Equal(launchedAt) {
		return apperr.InvalidState("quiz is not active")
	}
	cur.answers[r.StudentID] = r
	return nil
}

// List returns the answers of the quiz's latest launch, earliest first.
func (s *Responses) List(quizID uuid.UUID) []models.QuizResponse {
	s.mu.RLock()
	var list []models.QuizResponse
	if cur := s.byQuiz[quizID]; cur != nil {
		list = make([]models.QuizResponse, 0, len(cur.answers))
		for _, r := range cur.answers {
			list = append(list, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if !list[i].AnsweredAt.Equal(list[j].AnsweredAt) {
			return list[i].AnsweredAt.Before(list[j].AnsweredAt)
		}
		return list[i].StudentID < list[j].StudentID
	})
	return list
}

// Clear discards every answer of the quiz.
func (s *Responses) Clear(quizID uuid.UUID) {
	s.mu.Lock()
	delete(s.byQuiz, quizID)
	s.mu.Unlock()
}

// Has reports whether the student answered the quiz's latest launch.
func (s *Responses) Has(quizID uuid.UUID, studentID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.byQuiz[quizID]
	if cur == nil {
		return false
	}
	_, ok := cur.answers[studentID]
	return ok
}
