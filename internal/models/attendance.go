package models

import (
	"time"

	"github.com/google/uuid"
)

// AttendanceStatus is the classification derived from the attendance percentage.
type AttendanceStatus string

const (
	AttendancePresent          AttendanceStatus = "PRESENT"
	AttendancePartiallyPresent AttendanceStatus = "PARTIALLY_PRESENT"
	AttendanceAbsent           AttendanceStatus = "ABSENT"
)

// Valid reports whether s is a known classification.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendancePresent, AttendancePartiallyPresent, AttendanceAbsent:
		return true
	}
	return false
}

// Attendance is one student's accrued presence for one meeting, unique per (student, meeting).
type Attendance struct {
	ID              uuid.UUID        `json:"id"`
	MeetingID       uuid.UUID        `json:"meeting_id"`
	StudentID       int64            `json:"student_id"`
	JoinedAt        time.Time        `json:"joined_at"`
	LastJoinedAt    time.Time        `json:"last_joined_at"`
	LeftAt          *time.Time       `json:"left_at,omitempty"`
	DurationMinutes int64            `json:"duration_minutes"`
	Percentage      float64          `json:"percentage"`
	Status          AttendanceStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Open reports whether the student's latest session has not been closed yet.
func (a *Attendance) Open() bool {
	if a.LastJoinedAt.IsZero() {
		return false
	}
	return a.LeftAt == nil || a.LeftAt.Before(a.LastJoinedAt)
}
