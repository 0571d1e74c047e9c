package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/connectra/backend/internal/apperr"
	"github.com/connectra/backend/internal/models"
)

type gateFunc func(ctx context.Context, meetingID uuid.UUID, userID int64) error

func (f gateFunc) CanWatch(ctx context.Context, meetingID uuid.UUID, userID int64) error {
	return f(ctx, meetingID, userID)
}

func TestServeWsRejectsBeforeUpgrade(t *testing.T) {
	gin.SetMode(gin.TestMode)
	allowed := uuid.New()
	validate := func(token string) (int64, models.Role, error) {
		if token != "good" {
			return 0, "", errors.New("bad signature")
		}
		return 7, models.RoleStudent, nil
	}
	gate := gateFunc(func(_ context.Context, meetingID uuid.UUID, _ int64) error {
		if meetingID != allowed {
			return apperr.Forbidden("not your cohort")
		}
		return nil
	})
	r := gin.New()
	r.GET("/ws", ServeWs(NewHub(nil, nil, nil), nil, validate, gate))

	cases := map[string]struct {
		query string
		code  int
	}{
		"missing token":  {"?meeting_id=" + allowed.String(), http.StatusUnauthorized},
		"bad meeting id": {"?meeting_id=abc&token=good", http.StatusBadRequest},
		"bad token":      {"?meeting_id=" + allowed.String() + "&token=bad", http.StatusUnauthorized},
		"wrong cohort":   {"?meeting_id=" + uuid.NewString() + "&token=good", http.StatusForbidden},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws"+tc.query, nil))
			assert.Equal(t, tc.code, w.Code)
		})
	}

	// an admitted request without upgrade headers fails inside the upgrader
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?meeting_id="+allowed.String()+"&token=good", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
