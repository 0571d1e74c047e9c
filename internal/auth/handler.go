package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/database"
	"github.com/connectra/backend/pkg/response"
)

// RegisterRequest is the body for POST /auth/register (students only).
type RegisterRequest struct {
	Email         string `json:"email" binding:"required,email"`
	Password      string `json:"password" binding:"required,min=8,max=72"`
	FirstName     string `json:"first_name" binding:"required"`
	LastName      string `json:"last_name"`
	Degree        string `json:"degree" binding:"required"`
	Batch         int    `json:"batch" binding:"required,min=1"`
	StudentNumber string `json:"student_number" binding:"required"`
}

// LecturerRequest is the body for POST /admin/lecturers.
type LecturerRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=8,max=72"`
	FirstName string `json:"first_name" binding:"required"`
	LastName  string `json:"last_name"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// Users is the persistence the auth handlers need.
type Users interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, u *models.User) error
}

// Welcomer queues the welcome notice for a new account.
type Welcomer interface {
	Welcome(ctx context.Context, u *models.User) error
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	users    Users
	jwt      *JWTService
	welcomer Welcomer
	logger   *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(users Users, jwt *JWTService, welcomer Welcomer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{users: users, jwt: jwt, welcomer: welcomer, logger: logger}
}

// Register handles POST /auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	u := &models.User{
		Email:     req.Email,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Role:      models.RoleStudent,
		Student: &models.StudentProfile{
			Degree:        strings.TrimSpace(req.Degree),
			Batch:         req.Batch,
			StudentNumber: strings.TrimSpace(req.StudentNumber),
		},
	}
	if !h.create(c, u, req.Password) {
		return
	}

	token, err := h.jwt.Generate(u.ID, u.Email, u.Role)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	response.Created(c, TokenResponse{Token: token, User: u.ToPublic()})
}

// CreateLecturer handles POST /admin/lecturers (admin only).
func (h *Handler) CreateLecturer(c *gin.Context) {
	var req LecturerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	u := &models.User{
		Email:     req.Email,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Role:      models.RoleLecturer,
	}
	if !h.create(c, u, req.Password) {
		return
	}
	response.Created(c, u.ToPublic())
}

// create hashes the password, stores the user and queues the welcome mail.
// It writes the error response itself and reports whether the user was created.
func (h *Handler) create(c *gin.Context, u *models.User, password string) bool {
	ctx := c.Request.Context()
	if _, err := h.users.GetByEmail(ctx, u.Email); err == nil {
		response.Conflict(c, "email already registered")
		return false
	}

	hash, err := HashPassword(password)
	if errors.Is(err, ErrPasswordLength) {
		response.BadRequest(c, err.Error())
		return false
	}
	if err != nil {
		response.Internal(c, "failed to hash password")
		return false
	}
	u.Password = hash
	if err := h.users.Create(ctx, u); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			response.Conflict(c, "email or student number already registered")
			return false
		}
		h.logger.Error("create user failed", zap.Error(err))
		response.Internal(c, "failed to create user")
		return false
	}

	if h.welcomer != nil {
		if err := h.welcomer.Welcome(ctx, u); err != nil {
			h.logger.Warn("welcome notification not queued", zap.Int64("user_id", u.ID), zap.Error(err))
		}
	}
	h.logger.Info("user created", zap.Int64("user_id", u.ID), zap.String("role", string(u.Role)))
	return true
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, err := h.users.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	if !CheckPassword(req.Password, user.Password) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	token, err := h.jwt.Generate(user.ID, user.Email, user.Role)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	response.OK(c, TokenResponse{Token: token, User: user.ToPublic()})
}

// EnsureAdmin creates the bootstrap admin account when email is set and no
// user with that email exists yet.
func EnsureAdmin(ctx context.Context, users Users, email, password string, logger *zap.Logger) error {
	if email == "" {
		return nil
	}
	if len(password) < MinPasswordLength {
		return fmt.Errorf("admin password must be at least %d characters", MinPasswordLength)
	}
	_, err := users.GetByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("lookup admin: %w", err)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	u := &models.User{Email: email, Password: hash, FirstName: "Administrator", Role: models.RoleAdmin}
	if err := users.Create(ctx, u); err != nil && !errors.Is(err, database.ErrDuplicate) {
		return fmt.Errorf("create admin: %w", err)
	}
	if logger != nil {
		logger.Info("bootstrap admin created", zap.String("email", email))
	}
	return nil
}
