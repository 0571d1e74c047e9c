package meetings

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/connectra/backend/internal/middleware"
	"github.com/connectra/backend/pkg/response"
)

// Handler handles meeting HTTP endpoints.
type Handler struct {
	lifecycle *Lifecycle
}

// NewHandler creates a meetings handler.
func NewHandler(lifecycle *Lifecycle) *Handler {
	return &Handler{lifecycle: lifecycle}
}

func meetingID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid meeting id")
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /meetings (lecturer).
func (h *Handler) Create(c *gin.Context) {
	var in Input
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	m, err := h.lifecycle.Create(c.Request.Context(), middleware.CallerFrom(c), in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, m)
}

// List handles GET /meetings: own meetings for lecturers, the cohort schedule for students.
func (h *Handler) List(c *gin.Context) {
	caller := middleware.CallerFrom(c)
	var (
		list interface{}
		err  error
	)
	if caller.IsStudent() {
		list, err = h.lifecycle.ListForStudent(c.Request.Context(), caller)
	} else {
		list, err = h.lifecycle.ListForOwner(c.Request.Context(), caller)
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

// Get handles GET /meetings/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	m, err := h.lifecycle.View(c.Request.Context(), middleware.CallerFrom(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, m)
}

// Update handles PUT /meetings/:id (owner).
func (h *Handler) Update(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	var in Input
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	m, err := h.lifecycle.Update(c.Request.Context(), middleware.CallerFrom(c), id, in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, m)
}

// Cancel handles PUT /meetings/:id/cancel (owner).
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	m, err := h.lifecycle.Cancel(c.Request.Context(), middleware.CallerFrom(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, m)
}

// Join handles POST /meetings/:id/join and returns the channel credential.
func (h *Handler) Join(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	ticket, err := h.lifecycle.Join(c.Request.Context(), middleware.CallerFrom(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ticket)
}

// Leave handles PUT /meetings/:id/leave.
func (h *Handler) Leave(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	if err := h.lifecycle.Leave(c.Request.Context(), middleware.CallerFrom(c), id); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"meeting_id": id, "left": true})
}

// Stop handles PUT /meetings/:id/stop (owner).
func (h *Handler) Stop(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	m, err := h.lifecycle.Stop(c.Request.Context(), middleware.CallerFrom(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, m)
}

// Participants handles GET /meetings/:id/participants.
func (h *Handler) Participants(c *gin.Context) {
	id, ok := meetingID(c)
	if !ok {
		return
	}
	list, err := h.lifecycle.Participants(c.Request.Context(), middleware.CallerFrom(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}
