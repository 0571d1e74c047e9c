package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MeetingStatus is the lifecycle state of a meeting.
type MeetingStatus string

const (
	MeetingScheduled MeetingStatus = "SCHEDULED"
	MeetingLive      MeetingStatus = "LIVE"
	MeetingEnded     MeetingStatus = "ENDED"
	MeetingCancelled MeetingStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s MeetingStatus) Terminal() bool {
	return s == MeetingEnded || s == MeetingCancelled
}

// Meeting represents one scheduled class session.
// ActualStart and ActualEnd are set only by lifecycle transitions.
type Meeting struct {
	ID             uuid.UUID     `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	ScheduledEnd   time.Time     `json:"scheduled_end"`
	ActualStart    *time.Time    `json:"actual_start,omitempty"`
	ActualEnd      *time.Time    `json:"actual_end,omitempty"`
	TargetDegree   string        `json:"target_degree"`
	TargetBatch    int           `json:"target_batch"`
	Status         MeetingStatus `json:"status"`
	ChannelID      string        `json:"channel_id"`
	CreatedBy      int64         `json:"created_by"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// OwnedBy reports whether userID created the meeting.
func (m *Meeting) OwnedBy(userID int64) bool {
	return m.CreatedBy == userID
}

// Targets reports whether the cohort matches the meeting audience.
// Degree comparison is case-insensitive, batch is exact.
func (m *Meeting) Targets(p *StudentProfile) bool {
	if p == nil {
		return false
	}
	return strings.EqualFold(m.TargetDegree, p.Degree) && m.TargetBatch == p.Batch
}

// Window returns the window attendance is measured against: actual start
// (scheduled start before the meeting goes live) to actual end, or now while
// the meeting has not ended.
func (m *Meeting) Window(now time.Time) (start, end time.Time) {
	start = m.ScheduledStart
	if m.ActualStart != nil {
		start = *m.ActualStart
	}
	end = now
	if m.ActualEnd != nil {
		end = *m.ActualEnd
	}
	return start, end
}

// DurationMinutes returns the whole minutes between ActualStart and ActualEnd, or 0
// when either is unset.
func (m *Meeting) DurationMinutes() int64 {
	if m.ActualStart == nil || m.ActualEnd == nil {
		return 0
	}
	return int64(m.ActualEnd.Sub(*m.ActualStart) / time.Minute)
}
