package validation

import (
	"fmt"
	"time"
)

// MinLeadTime is how far ahead a patient-created appointment must be.
const MinLeadTime = 24 * time.Hour

// Operation selects an appointment rule set.
type Operation string

const (
	OpCreate   Operation = "create"
	OpSchedule Operation = "schedule"
	OpCancel   Operation = "cancel"
)

// ErrUnknownOperation is returned for operation tags outside the closed set.
type ErrUnknownOperation struct {
	Tag string
}

func (e *ErrUnknownOperation) Error() string {
	return fmt.Sprintf("unknown appointment operation %q", e.Tag)
}

// ParseOperation maps a tag to an Operation. There is no fallback variant.
func ParseOperation(tag string) (Operation, error) {
	switch op := Operation(tag); op {
	case OpCreate, OpSchedule, OpCancel:
		return op, nil
	default:
		return "", &ErrUnknownOperation{Tag: tag}
	}
}

// AppointmentInput is the raw appointment form.
type AppointmentInput struct {
	PrimaryPhysician   string `json:"primaryPhysician" form:"primaryPhysician"`
	Schedule           string `json:"schedule" form:"schedule"`
	Reason             string `json:"reason" form:"reason"`
	Note               string `json:"note" form:"note"`
	CancellationReason string `json:"cancellationReason" form:"cancellationReason"`
}

// AppointmentForm is a validated appointment form.
type AppointmentForm struct {
	PrimaryPhysician   string
	Schedule           time.Time
	Reason             string
	Note               string
	CancellationReason string
}

type createRules struct {
	PrimaryPhysician   string    `json:"primaryPhysician" validate:"min=2"`
	Schedule           time.Time `json:"schedule" validate:"notpast,advance"`
	Reason             string    `json:"reason" validate:"min=2,max=500"`
	Note               string    `json:"note"`
	CancellationReason string    `json:"cancellationReason"`
}

type scheduleRules struct {
	PrimaryPhysician   string    `json:"primaryPhysician" validate:"min=2"`
	Schedule           time.Time `json:"schedule" validate:"notpast"`
	Reason             string    `json:"reason"`
	Note               string    `json:"note"`
	CancellationReason string    `json:"cancellationReason"`
}

type cancelRules struct {
	PrimaryPhysician   string    `json:"primaryPhysician" validate:"min=2"`
	Schedule           time.Time `json:"schedule"`
	Reason             string    `json:"reason"`
	Note               string    `json:"note"`
	CancellationReason string    `json:"cancellationReason" validate:"min=2,max=500"`
}

// Schema is one appointment rule set.
type Schema struct {
	Operation Operation
	rules     func(f AppointmentForm) any
}

// SchemaFor returns the rule set for op. Every Operation constant has a
// schema; any other value is rejected.
func SchemaFor(op Operation) (Schema, error) {
	switch op {
	case OpCreate:
		return Schema{Operation: op, rules: func(f AppointmentForm) any {
			return createRules(f)
		}}, nil
	case OpSchedule:
		return Schema{Operation: op, rules: func(f AppointmentForm) any {
			return scheduleRules(f)
		}}, nil
	case OpCancel:
		return Schema{Operation: op, rules: func(f AppointmentForm) any {
			return cancelRules(f)
		}}, nil
	default:
		return Schema{}, &ErrUnknownOperation{Tag: string(op)}
	}
}

// Validate checks in against the schema.
func (e *Engine) Validate(s Schema, in AppointmentInput) (AppointmentForm, FieldErrors) {
	if s.rules == nil {
		fe := FieldErrors{}
		fe.Add("_form", "no appointment schema selected")
		return AppointmentForm{}, fe
	}

	fe := FieldErrors{}
	schedule, ok := coerceDate(in.Schedule, e.now().Location())
	form := AppointmentForm{
		PrimaryPhysician:   in.PrimaryPhysician,
		Schedule:           schedule,
		Reason:             in.Reason,
		Note:               in.Note,
		CancellationReason: in.CancellationReason,
	}
	e.check(s.rules(form), fe)
	if !ok {
		fe["schedule"] = []string{invalidDate}
	}
	return form, fe.orNil()
}

// ValidateAppointment selects the schema for op and validates in.
func (e *Engine) ValidateAppointment(op Operation, in AppointmentInput) (AppointmentForm, FieldErrors, error) {
	s, err := SchemaFor(op)
	if err != nil {
		return AppointmentForm{}, nil, err
	}
	form, fe := e.Validate(s, in)
	return form, fe, nil
}
