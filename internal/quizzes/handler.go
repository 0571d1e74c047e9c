package quizzes

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/connectra/backend/internal/middleware"
	"github.com/connectra/backend/pkg/response"
)

// AnswerRequest is the body for POST /quizzes/:id/responses.
type AnswerRequest struct {
	Option string `json:"option" binding:"required"`
}

// Handler handles quiz HTTP endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler creates a quizzes handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func parseID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /meetings/:id/quizzes (owner).
func (h *Handler) Create(c *gin.Context) {
	meetingID, ok := parseID(c, "meeting")
	if !ok {
		return
	}
	var in Input
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	q, err := h.engine.Create(c.Request.Context(), middleware.CallerFrom(c), meetingID, in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, q)
}

// List handles GET /meetings/:id/quizzes (owner).
func (h *Handler) List(c *gin.Context) {
	meetingID, ok := parseID(c, "meeting")
	if !ok {
		return
	}
	list, err := h.engine.List(c.Request.Context(), middleware.CallerFrom(c), meetingID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

// Active handles GET /meetings/:id/quizzes/active (student).
func (h *Handler) Active(c *gin.Context) {
	meetingID, ok := parseID(c, "meeting")
	if !ok {
		return
	}
	q, err := h.engine.ActiveForStudent(c.Request.Context(), middleware.CallerFrom(c), meetingID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, q)
}

// Launch handles POST /quizzes/:id/launch (owner).
func (h *Handler) Launch(c *gin.Context) {
	quizID, ok := parseID(c, "quiz")
	if !ok {
		return
	}
	q, err := h.engine.Launch(c.Request.Context(), middleware.CallerFrom(c), quizID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, q)
}

// End handles POST /quizzes/:id/end (owner).
func (h *Handler) End(c *gin.Context) {
	quizID, ok := parseID(c, "quiz")
	if !ok {
		return
	}
	q, err := h.engine.End(c.Request.Context(), middleware.CallerFrom(c), quizID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, q)
}

// Delete handles DELETE /quizzes/:id (owner).
func (h *Handler) Delete(c *gin.Context) {
	quizID, ok := parseID(c, "quiz")
	if !ok {
		return
	}
	if err := h.engine.Delete(c.Request.Context(), middleware.CallerFrom(c), quizID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Submit handles POST /quizzes/:id/responses (student).
func (h *Handler) Submit(c *gin.Context) {
	quizID, ok := parseID(c, "quiz")
	if !ok {
		return
	}
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: option must be A, B, C, or D")
		return
	}
	r, err := h.engine.Submit(c.Request.Context(), middleware.CallerFrom(c), quizID, req.Option)
	if err != nil {
		response.Error(c, err)
		return
	}
	// correctness stays with the lecturer until results are shared
	response.Created(c, gin.H{"quiz_id": r.QuizID, "option": r.Option, "answered_at": r.AnsweredAt})
}

// Results handles GET /quizzes/:id/results (owner).
func (h *Handler) Results(c *gin.Context) {
	quizID, ok := parseID(c, "quiz")
	if !ok {
		return
	}
	res, err := h.engine.Results(c.Request.Context(), middleware.CallerFrom(c), quizID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}
