package attendance

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/connectra/backend/internal/apperr"
	"github.com/connectra/backend/internal/middleware"
	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/response"
)

// MeetingGetter loads a meeting, failing with apperr.ErrNotFound.
type MeetingGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Meeting, error)
}

// Directory resolves student ids to users for display.
type Directory interface {
	GetByIDs(ctx context.Context, ids []int64) ([]models.User, error)
}

// Row is one attendance row decorated with the student's display fields.
type Row struct {
	models.Attendance
	StudentName   string `json:"student_name"`
	StudentNumber string `json:"student_number,omitempty"`
}

// Handler handles attendance HTTP endpoints.
type Handler struct {
	ledger   *Ledger
	meetings MeetingGetter
	users    Directory
}

// NewHandler creates an attendance handler.
func NewHandler(ledger *Ledger, meetings MeetingGetter, users Directory) *Handler {
	return &Handler{ledger: ledger, meetings: meetings, users: users}
}

// ListForMeeting handles GET /meetings/:id/attendance (owner). Optional ?status= filter.
func (h *Handler) ListForMeeting(c *gin.Context) {
	meetingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid meeting id")
		return
	}
	caller := middleware.CallerFrom(c)
	ctx := c.Request.Context()

	m, err := h.meetings.Get(ctx, meetingID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !m.OwnedBy(caller.UserID) {
		response.Error(c, apperr.Forbidden("only the meeting owner can view attendance"))
		return
	}

	var rows []models.Attendance
	if status := models.AttendanceStatus(c.Query("status")); status != "" {
		if !status.Valid() {
			response.BadRequest(c, "invalid status")
			return
		}
		rows, err = h.ledger.ListByStatus(ctx, meetingID, status)
	} else {
		rows, err = h.ledger.ListByMeeting(ctx, meetingID)
	}
	if err != nil {
		response.Error(c, err)
		return
	}

	out, err := h.decorate(ctx, rows)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, out)
}

// History handles GET /me/attendance (student). Optional ?status= filter.
func (h *Handler) History(c *gin.Context) {
	list, err := h.ledger.History(c.Request.Context(), middleware.CallerFrom(c), models.AttendanceStatus(c.Query("status")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

func (h *Handler) decorate(ctx context.Context, rows []models.Attendance) ([]Row, error) {
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.StudentID)
	}
	users, err := h.users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		row := Row{Attendance: r}
		if u, ok := byID[r.StudentID]; ok {
			row.StudentName = u.FullName()
			if u.Student != nil {
				row.StudentNumber = u.Student.StudentNumber
			}
		}
		out = append(out, row)
	}
	return out, nil
}
