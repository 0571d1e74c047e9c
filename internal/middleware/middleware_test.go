package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectra/backend/internal/auth"
	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/database"
)

type stubUsers map[int64]*models.User

func (s stubUsers) GetByID(_ context.Context, id int64) (*models.User, error) {
	if u, ok := s[id]; ok {
		return u, nil
	}
	return nil, database.ErrNotFound
}

func newRouter(jwt *auth.JWTService, users UserLookup, roles ...models.Role) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWT(jwt), RequireRole(roles...), ResolveCaller(users), func(c *gin.Context) {
		caller := CallerFrom(c)
		c.JSON(http.StatusOK, gin.H{"id": caller.UserID, "name": caller.Name, "student": caller.IsStudent()})
	})
	return r
}

func TestJWTAndCaller(t *testing.T) {
	jwt := auth.NewJWTService("secret", 1)
	users := stubUsers{
		7: {ID: 7, FirstName: "Nimal", LastName: "Perera", Role: models.RoleStudent,
			Student: &models.StudentProfile{Degree: "ICT", Batch: 22, StudentNumber: "UWU/ICT/22/007"}},
	}
	r := newRouter(jwt, users, models.RoleStudent)

	token, err := jwt.Generate(7, "nimal@example.com", models.RoleStudent)
	require.NoError(t, err)

	t.Run("header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"id":7,"name":"Nimal Perera","student":true}`, w.Body.String())
	})

	t.Run("query token", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?token="+token, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong role", func(t *testing.T) {
		lecturer, err := jwt.Generate(9, "lec@example.com", models.RoleLecturer)
		require.NoError(t, err)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+lecturer)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("deleted user", func(t *testing.T) {
		ghost, err := jwt.Generate(99, "ghost@example.com", models.RoleStudent)
		require.NoError(t, err)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+ghost)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
