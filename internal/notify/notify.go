// Package notify hands user-facing notices to the background worker. Delivery
// happens in cmd/worker; callers only learn whether the job was queued.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/pkg/queue"
)

// Email types carried on the job payload.
const (
	EmailWelcome          = "welcome"
	EmailMeetingScheduled = "meeting_scheduled"
	EmailMeetingCancelled = "meeting_cancelled"
)

// Enqueuer is the queue surface the dispatcher writes to.
type Enqueuer interface {
	EnqueueEmail(ctx context.Context, payload queue.EmailPayload) error
}

// Dispatcher turns domain events into queued email jobs.
type Dispatcher struct {
	queue  Enqueuer
	logger *zap.Logger
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(q Enqueuer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: q, logger: logger}
}

// Welcome queues the registration mail for a new account.
func (d *Dispatcher) Welcome(ctx context.Context, u *models.User) error {
	body := fmt.Sprintf("Hi %s,\n\nYour %s account for %s is ready. Sign in to see your upcoming meetings.\n",
		u.FirstName, u.Role, u.Email)
	return d.queue.EnqueueEmail(ctx, queue.EmailPayload{
		EmailType:      EmailWelcome,
		RecipientEmail: u.Email,
		RecipientName:  u.FullName(),
		Subject:        "Welcome to Connectra",
		Body:           body,
	})
}

// MeetingScheduled queues an invitation to every recipient.
func (d *Dispatcher) MeetingScheduled(ctx context.Context, m *models.Meeting, recipients []models.User) error {
	subject := "New meeting: " + m.Title
	body := fmt.Sprintf("%s\n\n%s\n\nStarts %s, ends %s.\n", m.Title, m.Description,
		m.ScheduledStart.Format(time.RFC1123), m.ScheduledEnd.Format(time.RFC1123))
	return d.fanOut(ctx, EmailMeetingScheduled, m, recipients, subject, body)
}

// MeetingCancelled queues a cancellation notice to every recipient.
func (d *Dispatcher) MeetingCancelled(ctx context.Context, m *models.Meeting, recipients []models.User) error {
	subject := "Meeting cancelled: " + m.Title
	body := fmt.Sprintf("%s scheduled for %s has been cancelled.\n", m.Title, m.ScheduledStart.Format(time.RFC1123))
	return d.fanOut(ctx, EmailMeetingCancelled, m, recipients, subject, body)
}

func (d *Dispatcher) fanOut(ctx context.Context, emailType string, m *models.Meeting, recipients []models.User, subject, body string) error {
	id := m.ID
	queued := 0
	for _, u := range recipients {
		err := d.queue.EnqueueEmail(ctx, queue.EmailPayload{
			EmailType:      emailType,
			MeetingID:      &id,
			RecipientEmail: u.Email,
			RecipientName:  u.FullName(),
			Subject:        subject,
			Body:           body,
		})
		if err != nil {
			return fmt.Errorf("enqueue %s for user %d: %w", emailType, u.ID, err)
		}
		queued++
	}
	d.logger.Debug("notifications queued", zap.String("type", emailType),
		zap.String("meeting_id", m.ID.String()), zap.Int("count", queued))
	return nil
}

// Discard is a dispatcher target that drops every notice. Used when no Redis is configured.
type Discard struct{}

// EnqueueEmail drops the payload.
func (Discard) EnqueueEmail(context.Context, queue.EmailPayload) error { return nil }
