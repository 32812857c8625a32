package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/carepulse/carepulse/internal/domain/validation"
	"github.com/carepulse/carepulse/internal/platform/apperror"
	"github.com/carepulse/carepulse/internal/platform/gateway"
	"github.com/carepulse/carepulse/internal/platform/notification"
)

// DashboardPath is the route prefix whose cached responses go stale when an
// appointment changes.
const DashboardPath = "/api/v1/admin"

// DisplayLayout formats appointment times in patient messages.
const DisplayLayout = "Jan 2, 2006, 3:04 PM"

// Notifier sends an SMS to users.
type Notifier interface {
	CreateSMS(ctx context.Context, id, body string, topics, users []string) (*notification.Message, error)
}

// CacheInvalidator drops cached responses under a path.
type CacheInvalidator interface {
	Invalidate(path string)
}

// Metrics receives service-level counters.
type Metrics interface {
	RecordAppointment(operation string, ok bool)
	RecordNotification(sent bool)
	RecordReminders(sent, failed int)
}

type nopMetrics struct{}

func (nopMetrics) RecordAppointment(string, bool) {}
func (nopMetrics) RecordNotification(bool)        {}
func (nopMetrics) RecordReminders(int, int)       {}

type Service struct {
	repo     Repository
	notifier Notifier
	cache    CacheInvalidator
	metrics  Metrics
	loc      *time.Location
	logger   zerolog.Logger
}

func NewService(repo Repository, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
		metrics:  nopMetrics{},
		loc:      time.UTC,
		logger:   logger.With().Str("component", "appointment").Logger(),
	}
}

func (s *Service) SetCache(c CacheInvalidator) { s.cache = c }

func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// SetLocation sets the time zone used when writing times into messages.
func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

func (s *Service) invalidateDashboard() {
	if s.cache != nil {
		s.cache.Invalidate(DashboardPath)
	}
}

// normalizeTime stores schedules in UTC at second precision so their text
// form orders chronologically.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Create persists a new appointment, pending unless another valid status is
// given.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Appointment, error) {
	status := p.Status
	if status == "" {
		status = StatusPending
	}
	if !status.Valid() {
		return nil, apperror.New(apperror.KindValidation, "Invalid appointment status.")
	}
	if p.Patient == "" || p.UserID == "" {
		return nil, apperror.New(apperror.KindValidation, "Appointment must reference a patient and a user.")
	}

	f := fields{
		Patient:          p.Patient,
		UserID:           p.UserID,
		PrimaryPhysician: p.PrimaryPhysician,
		Schedule:         normalizeTime(p.Schedule),
		Status:           status,
		Reason:           p.Reason,
		Note:             p.Note,
	}
	if status == StatusCancelled {
		if p.CancellationReason == "" {
			return nil, apperror.New(apperror.KindValidation, "Cancellation reason is required.")
		}
		reason := p.CancellationReason
		f.CancellationReason = &reason
	}

	a, err := s.repo.Create(ctx, gateway.NewID(), f)
	if err != nil {
		s.logger.Error().Err(err).Str("patient", p.Patient).Msg("create appointment")
		s.metrics.RecordAppointment(string(validation.OpCreate), false)
		return nil, apperror.Wrap(apperror.KindCreationFailed, "Failed to create appointment.", err)
	}

	s.metrics.RecordAppointment(string(validation.OpCreate), true)
	s.invalidateDashboard()
	s.logger.Info().Str("appointment_id", a.ID).Str("patient", a.Patient).Msg("appointment created")
	return a, nil
}

// Get returns one appointment.
func (s *Service) Get(ctx context.Context, id string) (*Appointment, error) {
	a, err := s.repo.Get(ctx, id)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, apperror.Wrap(apperror.KindNotFound, "Appointment not found.", err)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("appointment_id", id).Msg("fetch appointment")
		return nil, apperror.Wrap(apperror.KindFetchFailed, "Failed to fetch appointment.", err)
	}
	return a, nil
}

// ListRecent returns every appointment newest first with per-status counts.
// An empty list is a valid result; a store that returns no list at all is
// EmptyResult; a store fault is FetchFailed.
func (s *Service) ListRecent(ctx context.Context) (*Dashboard, error) {
	docs, total, err := s.repo.ListRecent(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list recent appointments")
		return nil, apperror.Wrap(apperror.KindFetchFailed, "Failed to fetch recent appointments.", err)
	}
	if docs == nil {
		return nil, apperror.New(apperror.KindEmptyResult, "No appointments found.")
	}

	counts := CountByStatus(docs)
	counts.TotalCount = total
	return &Dashboard{Counts: counts, Documents: docs}, nil
}

// CountByStatus buckets appointments in one pass. Unknown statuses fall in no
// bucket. TotalCount is the number of appointments seen.
func CountByStatus(docs []*Appointment) Counts {
	c := Counts{TotalCount: len(docs)}
	for _, a := range docs {
		switch a.Status {
		case StatusScheduled:
			c.ScheduleCount++
		case StatusPending:
			c.PendingCount++
		case StatusCancelled:
			c.CancelledCount++
		}
	}
	return c
}

// Update applies an admin schedule or cancel operation and then notifies the
// patient. The update is committed before the SMS is sent and a failed SMS is
// reported in the result, not as an error. userID names the user to notify;
// when empty the appointment's own user is used.
func (s *Service) Update(ctx context.Context, id, userID string, patch Patch, op validation.Operation) (*UpdateResult, error) {
	pf := patchFields{
		PrimaryPhysician: patch.PrimaryPhysician,
		Schedule:         normalizeTime(patch.Schedule),
	}
	switch op {
	case validation.OpSchedule:
		pf.Status = StatusScheduled
	case validation.OpCancel:
		if patch.CancellationReason == "" {
			return nil, apperror.New(apperror.KindValidation, "Cancellation reason is required.")
		}
		pf.Status = StatusCancelled
		reason := patch.CancellationReason
		pf.CancellationReason = &reason
	default:
		return nil, apperror.New(apperror.KindInvalidOperation,
			fmt.Sprintf("Operation %q cannot update an appointment.", op))
	}

	a, err := s.repo.Update(ctx, id, pf)
	if errors.Is(err, gateway.ErrNotFound) {
		s.metrics.RecordAppointment(string(op), false)
		return nil, apperror.Wrap(apperror.KindNotFound, "Appointment not found.", err)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("appointment_id", id).Str("operation", string(op)).Msg("update appointment")
		s.metrics.RecordAppointment(string(op), false)
		return nil, apperror.Wrap(apperror.KindUpdateFailed, "Failed to update appointment.", err)
	}
	s.metrics.RecordAppointment(string(op), true)

	var body string
	if op == validation.OpSchedule {
		body = ScheduledMessage(pf.Schedule.In(s.loc), pf.PrimaryPhysician)
	} else {
		body = CancelledMessage(patch.CancellationReason)
	}
	if userID == "" {
		userID = a.UserID
	}
	result := &UpdateResult{Appointment: a, Notification: s.notify(ctx, a.ID, userID, body)}

	s.invalidateDashboard()
	s.logger.Info().
		Str("appointment_id", a.ID).
		Str("status", string(a.Status)).
		Bool("notified", result.Notification.Sent).
		Msg("appointment updated")
	return result, nil
}

func (s *Service) notify(ctx context.Context, appointmentID, userID, body string) Notification {
	msg, err := s.notifier.CreateSMS(ctx, "", body, nil, []string{userID})
	var n Notification
	if msg != nil {
		n.MessageID = msg.ID
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", appointmentID).Str("user_id", userID).Msg("send sms notification")
		n.Error = "Failed to send SMS notification."
		s.metrics.RecordNotification(false)
		return n
	}
	n.Sent = true
	s.metrics.RecordNotification(true)
	return n
}

// SendReminders texts every patient with a scheduled appointment in
// [from, to). Failures are counted, not returned.
func (s *Service) SendReminders(ctx context.Context, from, to time.Time) (*ReminderReport, error) {
	scheduled, err := s.repo.ListByStatus(ctx, StatusScheduled)
	if err != nil {
		s.logger.Error().Err(err).Msg("list scheduled appointments")
		return nil, apperror.Wrap(apperror.KindFetchFailed, "Failed to fetch scheduled appointments.", err)
	}

	report := &ReminderReport{}
	for _, a := range scheduled {
		if a.Schedule.Before(from) || !a.Schedule.Before(to) {
			continue
		}
		report.Due++
		if err := ctx.Err(); err != nil {
			report.Failed++
			continue
		}
		n := s.notify(ctx, a.ID, a.UserID, ReminderMessage(a.Schedule.In(s.loc), a.PrimaryPhysician))
		if n.Sent {
			report.Sent++
		} else {
			report.Failed++
		}
	}

	s.metrics.RecordReminders(report.Sent, report.Failed)
	s.logger.Info().
		Time("from", from).
		Time("to", to).
		Int("due", report.Due).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Msg("reminders sent")
	return report, nil
}

// ScheduledMessage is the SMS sent when an appointment is scheduled.
func ScheduledMessage(schedule time.Time, physician string) string {
	return fmt.Sprintf("Hi, it's CarePulse. Your appointment has been scheduled for %s with Dr. %s.",
		schedule.Format(DisplayLayout), physician)
}

// CancelledMessage is the SMS sent when an appointment is cancelled.
func CancelledMessage(reason string) string {
	return fmt.Sprintf("Hi, it's CarePulse. We regret to inform you that your appointment has been cancelled for the following reason: %s.", reason)
}

// ReminderMessage is the SMS sent ahead of a scheduled appointment.
func ReminderMessage(schedule time.Time, physician string) string {
	return fmt.Sprintf("Hi, it's CarePulse. This is a reminder of your appointment on %s with Dr. %s.",
		schedule.Format(DisplayLayout), physician)
}
