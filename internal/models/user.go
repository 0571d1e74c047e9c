package models

import (
	"strings"
	"time"
)

// Role represents user role in the platform.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleLecturer Role = "lecturer"
	RoleStudent  Role = "student"
)

// StudentProfile holds the cohort fields that only students carry.
type StudentProfile struct {
	Degree        string `json:"degree"`
	Batch         int    `json:"batch"`
	StudentNumber string `json:"student_number"` // enrollment number, e.g. UWU/ICT/22/082
}

// User represents a platform user. Student is set only when Role is RoleStudent.
type User struct {
	ID        int64           `json:"id"`
	Email     string          `json:"email"`
	Password  string          `json:"-"`
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	Role      Role            `json:"role"`
	Student   *StudentProfile `json:"student,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FullName joins first and last name.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Caller returns the identity threaded through service calls for this user.
func (u *User) Caller() Caller {
	return Caller{UserID: u.ID, Role: u.Role, Name: u.FullName(), Student: u.Student}
}

// UserPublic is User without sensitive fields for API responses.
type UserPublic struct {
	ID        int64           `json:"id"`
	Email     string          `json:"email"`
	FullName  string          `json:"full_name"`
	Role      Role            `json:"role"`
	Student   *StudentProfile `json:"student,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ToPublic converts User to UserPublic.
func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName(),
		Role:      u.Role,
		Student:   u.Student,
		CreatedAt: u.CreatedAt,
	}
}

// Caller is the authenticated identity resolved once at the HTTP boundary and
// passed explicitly into every service operation.
type Caller struct {
	UserID  int64
	Role    Role
	Name    string
	Student *StudentProfile
}

// IsStudent reports whether the caller is a student with a cohort profile.
func (c Caller) IsStudent() bool { return c.Role == RoleStudent && c.Student != nil }

// IsLecturer reports whether the caller is a lecturer.
func (c Caller) IsLecturer() bool { return c.Role == RoleLecturer }
