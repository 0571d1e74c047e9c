package reports

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/connectra/backend/internal/middleware"
	"github.com/connectra/backend/pkg/response"
)

// Handler serves the report endpoints of a meeting.
type Handler struct {
	builder *Builder
}

// NewHandler creates a reports handler.
func NewHandler(builder *Builder) *Handler {
	return &Handler{builder: builder}
}

// Get handles GET /meetings/:id/report.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid meeting id")
		return
	}
	r, err := h.builder.Generate(c.Request.Context(), middleware.CallerFrom(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, r)
}

// Export handles POST /meetings/:id/report/export.
func (h *Handler) Export(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid meeting id")
		return
	}
	out, err := h.builder.Export(c.Request.Context(), middleware.CallerFrom(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, out)
}
