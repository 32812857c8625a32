// Package validation holds the form rule sets for users, patients and
// appointments. Rules are evaluated against raw form payloads and either
// produce a coerced value set or a FieldErrors map. Rule violations are data,
// not errors: callers render them next to the offending field.
package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// FieldErrors maps a form field key to its ordered list of messages.
type FieldErrors map[string][]string

func (fe FieldErrors) Add(field, msg string) {
	fe[field] = append(fe[field], msg)
}

// First returns the first message recorded for field, or "".
func (fe FieldErrors) First(field string) string {
	if msgs := fe[field]; len(msgs) > 0 {
		return msgs[0]
	}
	return ""
}

func (fe FieldErrors) orNil() FieldErrors {
	if len(fe) == 0 {
		return nil
	}
	return fe
}

var phonePattern = regexp.MustCompile(`^\+\d{10,15}$`)

// Engine evaluates rule sets. The clock is injected so that date rules
// ("not in the future", "24 hours in advance") are deterministic in tests.
type Engine struct {
	v   *validator.Validate
	now func() time.Time
}

func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	e := &Engine{now: now}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "notfuture", func(fl validator.FieldLevel) bool {
		t, ok := fl.Field().Interface().(time.Time)
		return ok && !t.After(e.now())
	})
	mustRegister(v, "notpast", func(fl validator.FieldLevel) bool {
		t, ok := fl.Field().Interface().(time.Time)
		return ok && !t.Before(startOfDay(e.now()))
	})
	mustRegister(v, "advance", func(fl validator.FieldLevel) bool {
		t, ok := fl.Field().Interface().(time.Time)
		return ok && !t.Before(e.now().Add(MinLeadTime))
	})
	e.v = v
	return e
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("validation: register %q: %v", tag, err))
	}
}

// Now returns the engine's current instant.
func (e *Engine) Now() time.Time {
	return e.now()
}

// check runs the struct rules and converts violations to FieldErrors.
func (e *Engine) check(rules any, fe FieldErrors) {
	err := e.v.Struct(rules)
	if err == nil {
		return
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		fe.Add("_form", err.Error())
		return
	}
	for _, fieldErr := range verrs {
		field := fieldErr.Field()
		fe.Add(field, message(field, fieldErr.Tag(), fieldErr.Param()))
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerceDate parses a submitted date string. Zone-less values are read in
// loc.
func coerceDate(raw string, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

const invalidDate = "Invalid date"

// labels name fields in length messages.
var labels = map[string]string{
	"name":                  "Name",
	"address":               "Address",
	"occupation":            "Occupation",
	"emergencyContactName":  "Contact name",
	"insuranceProvider":     "Insurance name",
	"insurancePolicyNumber": "Policy number",
	"reason":                "Reason",
	"cancellationReason":    "Reason",
}

var fixedMessages = map[string]string{
	"email.email":                    "Invalid email address",
	"phone.phone":                    "Invalid phone number",
	"emergencyContactNumber.phone":   "Invalid phone number",
	"emergencyContactName.nefield":   "Emergency contact name cannot be the same as the patient's name",
	"emergencyContactNumber.nefield": "Emergency contact number cannot be the same as the patient's phone number",
	"birthDate.notfuture":            "Date of birth cannot be in the future.",
	"gender.oneof":                   "Gender must be one of: Male, Female",
	"primaryPhysician.min":           "Select at least one doctor",
	"treatmentConsent.eq":            "You must consent to treatment in order to proceed",
	"disclosureConsent.eq":           "You must consent to disclosure in order to proceed",
	"privacyConsent.eq":              "You must consent to privacy in order to proceed",
	"schedule.notpast":               "Appointment date cannot be in the past.",
	"schedule.advance":               "Appointment must be scheduled at least 24 hours in advance.",
}

func message(field, tag, param string) string {
	if msg, ok := fixedMessages[field+"."+tag]; ok {
		return msg
	}
	label := labels[field]
	if label == "" {
		label = field
	}
	switch tag {
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", label, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", label, param)
	case "required":
		return fmt.Sprintf("%s is required", label)
	default:
		return fmt.Sprintf("%s is invalid", label)
	}
}
