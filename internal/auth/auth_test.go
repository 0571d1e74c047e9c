package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectra/backend/internal/memstore"
	"github.com/connectra/backend/internal/models"
)

type welcomes struct{ users []int64 }

func (w *welcomes) Welcome(_ context.Context, u *models.User) error {
	w.users = append(w.users, u.ID)
	return nil
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, CheckPassword("correct horse", hash))
	assert.False(t, CheckPassword("wrong horse", hash))

	_, err = HashPassword("short")
	assert.ErrorIs(t, err, ErrPasswordLength)
	_, err = HashPassword(strings.Repeat("x", MaxPasswordLength+1))
	assert.ErrorIs(t, err, ErrPasswordLength)
}

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("secret", 1)
	token, err := svc.Generate(42, "kamal@uwu.ac.lk", models.RoleLecturer)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, models.RoleLecturer, claims.Role)

	_, err = NewJWTService("other", 1).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRegisterAndLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	users := memstore.NewUsers()
	w := &welcomes{}
	h := NewHandler(users, NewJWTService("secret", 1), w, nil)
	r := gin.New()
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)

	post := func(path string, body any) *httptest.ResponseRecorder {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(rec, req)
		return rec
	}

	reg := map[string]any{
		"email": "Nimal@uwu.ac.lk", "password": "secret-pass", "first_name": "Nimal", "last_name": "Perera",
		"degree": "ICT", "batch": 22, "student_number": "UWU/ICT/22/001",
	}
	rec := post("/auth/register", reg)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Data.Token)
	assert.Equal(t, models.RoleStudent, created.Data.User.Role)
	require.NotNil(t, created.Data.User.Student)
	assert.Equal(t, 22, created.Data.User.Student.Batch)
	assert.Equal(t, []int64{created.Data.User.ID}, w.users)

	assert.Equal(t, http.StatusConflict, post("/auth/register", reg).Code)

	reg["email"], reg["password"] = "dilini@uwu.ac.lk", "short"
	assert.Equal(t, http.StatusBadRequest, post("/auth/register", reg).Code)

	rec = post("/auth/login", map[string]string{"email": "nimal@uwu.ac.lk", "password": "secret-pass"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = post("/auth/login", map[string]string{"email": "nimal@uwu.ac.lk", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnsureAdmin(t *testing.T) {
	ctx := context.Background()
	users := memstore.NewUsers()

	require.NoError(t, EnsureAdmin(ctx, users, "", "", nil))
	assert.Error(t, EnsureAdmin(ctx, users, "admin@uwu.ac.lk", "short", nil))

	require.NoError(t, EnsureAdmin(ctx, users, "admin@uwu.ac.lk", "admin-pass", nil))
	require.NoError(t, EnsureAdmin(ctx, users, "admin@uwu.ac.lk", "admin-pass", nil))
	u, err := users.GetByEmail(ctx, "admin@uwu.ac.lk")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, u.Role)
	assert.True(t, CheckPassword("admin-pass", u.Password))
}
