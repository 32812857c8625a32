package appointment

import (
	"time"

	"github.com/carepulse/carepulse/internal/platform/gateway"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPending   Status = "pending"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusPending, StatusCancelled:
		return true
	}
	return false
}

// Appointment is a patient's request to see a physician.
type Appointment struct {
	ID                 string    `json:"$id"`
	Patient            string    `json:"patient"`
	UserID             string    `json:"userId"`
	PrimaryPhysician   string    `json:"primaryPhysician"`
	Schedule           time.Time `json:"schedule"`
	Status             Status    `json:"status"`
	Reason             string    `json:"reason"`
	Note               string    `json:"note,omitempty"`
	CancellationReason *string   `json:"cancellationReason"`
	CreatedAt          time.Time `json:"$createdAt"`
	UpdatedAt          time.Time `json:"$updatedAt"`
}

// fields is the stored document body.
type fields struct {
	Patient            string    `json:"patient"`
	UserID             string    `json:"userId"`
	PrimaryPhysician   string    `json:"primaryPhysician"`
	Schedule           time.Time `json:"schedule"`
	Status             Status    `json:"status"`
	Reason             string    `json:"reason"`
	Note               string    `json:"note,omitempty"`
	CancellationReason *string   `json:"cancellationReason"`
}

func fromDocument(doc *gateway.Document) (*Appointment, error) {
	var f fields
	if err := doc.Decode(&f); err != nil {
		return nil, err
	}
	return &Appointment{
		ID:                 doc.ID,
		Patient:            f.Patient,
		UserID:             f.UserID,
		PrimaryPhysician:   f.PrimaryPhysician,
		Schedule:           f.Schedule,
		Status:             f.Status,
		Reason:             f.Reason,
		Note:               f.Note,
		CancellationReason: f.CancellationReason,
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
	}, nil
}

// CreateParams describes a new appointment. Status defaults to pending.
type CreateParams struct {
	UserID             string
	Patient            string
	PrimaryPhysician   string
	Schedule           time.Time
	Reason             string
	Note               string
	Status             Status
	CancellationReason string
}

// Patch is the admin-editable part of an appointment. Status is derived from
// the operation and is not part of the patch.
type Patch struct {
	PrimaryPhysician   string
	Schedule           time.Time
	CancellationReason string
}

// patchFields is the partial document written on update.
type patchFields struct {
	PrimaryPhysician   string    `json:"primaryPhysician"`
	Schedule           time.Time `json:"schedule"`
	Status             Status    `json:"status"`
	CancellationReason *string   `json:"cancellationReason,omitempty"`
}

// Counts aggregates appointments by status. TotalCount is the store's total
// and includes records whose status is none of the three known values.
type Counts struct {
	TotalCount     int `json:"totalCount"`
	ScheduleCount  int `json:"scheduleCount"`
	PendingCount   int `json:"pendingCount"`
	CancelledCount int `json:"cancelledCount"`
}

// Dashboard is the admin view of recent appointments.
type Dashboard struct {
	Counts
	Documents []*Appointment `json:"documents"`
}

// Notification reports the SMS sent after an update.
type Notification struct {
	Sent      bool   `json:"sent"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UpdateResult carries the committed appointment and the notification
// outcome. A failed notification does not undo the update.
type UpdateResult struct {
	Appointment  *Appointment `json:"appointment"`
	Notification Notification `json:"notification"`
}

// ReminderReport summarises one reminder run.
type ReminderReport struct {
	Due    int `json:"due"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}
