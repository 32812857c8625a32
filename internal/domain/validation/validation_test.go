package validation

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	return NewEngine(func() time.Time { return fixedNow })
}

func pngUpload(t *testing.T, name string, w, h int) Upload {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	data := buf.Bytes()
	return Upload{
		FileName:    name,
		ContentType: "image/png",
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func validPatientInput(t *testing.T) PatientInput {
	return PatientInput{
		Name:                   "Jane Doe",
		Email:                  "jane@example.com",
		Phone:                  "+15555550100",
		BirthDate:              "1990-04-12",
		Gender:                 "Female",
		Address:                "12 Main Street",
		Occupation:             "Engineer",
		EmergencyContactName:   "John Doe",
		EmergencyContactNumber: "+15555550101",
		PrimaryPhysician:       "Sarah Safari",
		InsuranceProvider:      "BlueCross",
		InsurancePolicyNumber:  "ABC123456",
		TreatmentConsent:       true,
		DisclosureConsent:      true,
		PrivacyConsent:         true,
		IdentificationDocument: []Upload{pngUpload(t, "id.png", 200, 100)},
	}
}

// -- User --

func TestValidateUser_Valid(t *testing.T) {
	e := newTestEngine()
	in := UserInput{Name: "Jane Doe", Email: "jane@example.com", Phone: "+15555550100"}
	out, fe := e.ValidateUser(in)
	assert.Nil(t, fe)
	assert.Equal(t, in, out)
}

func TestValidateUser_Rules(t *testing.T) {
	e := newTestEngine()
	tests := []struct {
		name  string
		in    UserInput
		field string
		msg   string
	}{
		{"short name", UserInput{Name: "J", Email: "j@example.com", Phone: "+15555550100"}, "name", "Name must be at least 2 characters"},
		{"long name", UserInput{Name: strings.Repeat("a", 51), Email: "j@example.com", Phone: "+15555550100"}, "name", "Name must be at most 50 characters"},
		{"bad email", UserInput{Name: "Jane", Email: "not-an-email", Phone: "+15555550100"}, "email", "Invalid email address"},
		{"phone without plus", UserInput{Name: "Jane", Email: "j@example.com", Phone: "15555550100"}, "phone", "Invalid phone number"},
		{"phone too short", UserInput{Name: "Jane", Email: "j@example.com", Phone: "+123456789"}, "phone", "Invalid phone number"},
		{"phone too long", UserInput{Name: "Jane", Email: "j@example.com", Phone: "+1234567890123456"}, "phone", "Invalid phone number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, fe := e.ValidateUser(tt.in)
			require.NotNil(t, fe)
			assert.Equal(t, tt.msg, fe.First(tt.field))
		})
	}
}

// -- Patient --

func TestValidatePatient_Valid(t *testing.T) {
	e := newTestEngine()
	form, fe := e.ValidatePatient(context.Background(), validPatientInput(t))
	require.Nil(t, fe)
	assert.Equal(t, time.Date(1990, 4, 12, 0, 0, 0, 0, time.UTC), form.BirthDate)
	assert.Len(t, form.IdentificationDocument, 1)
}

func TestValidatePatient_EmergencyNameEqualsName(t *testing.T) {
	e := newTestEngine()
	in := validPatientInput(t)
	in.EmergencyContactName = in.Name

	_, fe := e.ValidatePatient(context.Background(), in)
	require.NotNil(t, fe)
	assert.Equal(t, []string{"Emergency contact name cannot be the same as the patient's name"}, fe["emergencyContactName"])
	assert.Len(t, fe, 1, "only the emergency contact name should fail")
}

func TestValidatePatient_EmergencyNumberEqualsPhone(t *testing.T) {
	e := newTestEngine()
	in := validPatientInput(t)
	in.EmergencyContactNumber = in.Phone

	_, fe := e.ValidatePatient(context.Background(), in)
	require.NotNil(t, fe)
	assert.Equal(t, "Emergency contact number cannot be the same as the patient's phone number", fe.First("emergencyContactNumber"))
}

func TestValidatePatient_BirthDate(t *testing.T) {
	e := newTestEngine()

	in := validPatientInput(t)
	in.BirthDate = "2024-06-11"
	_, fe := e.ValidatePatient(context.Background(), in)
	require.NotNil(t, fe)
	assert.Equal(t, "Date of birth cannot be in the future.", fe.First("birthDate"))

	in.BirthDate = "yesterday"
	_, fe = e.ValidatePatient(context.Background(), in)
	require.NotNil(t, fe)
	assert.Equal(t, []string{"Invalid date"}, fe["birthDate"])
}

func TestValidatePatient_GenderAndConsents(t *testing.T) {
	e := newTestEngine()
	in := validPatientInput(t)
	in.Gender = "Other"
	in.TreatmentConsent = false
	in.PrivacyConsent = false

	_, fe := e.ValidatePatient(context.Background(), in)
	require.NotNil(t, fe)
	assert.Contains(t, fe, "gender")
	assert.Equal(t, "You must consent to treatment in order to proceed", fe.First("treatmentConsent"))
	assert.Equal(t, "You must consent to privacy in order to proceed", fe.First("privacyConsent"))
	assert.NotContains(t, fe, "disclosureConsent")
}

func TestValidatePatient_Documents(t *testing.T) {
	e := newTestEngine()

	t.Run("missing", func(t *testing.T) {
		in := validPatientInput(t)
		in.IdentificationDocument = nil
		_, fe := e.ValidatePatient(context.Background(), in)
		require.NotNil(t, fe)
		assert.Equal(t, "Identification document is required.", fe.First("identificationDocument"))
	})

	t.Run("too large", func(t *testing.T) {
		in := validPatientInput(t)
		in.IdentificationDocument = []Upload{{FileName: "scan.pdf", ContentType: "application/pdf", Size: MaxDocumentSize + 1}}
		_, fe := e.ValidatePatient(context.Background(), in)
		require.NotNil(t, fe)
		assert.Equal(t, "File size must not exceed 50MB.", fe.First("identificationDocument"))
	})

	t.Run("oversized image", func(t *testing.T) {
		in := validPatientInput(t)
		in.IdentificationDocument = []Upload{
			pngUpload(t, "small.png", 100, 100),
			pngUpload(t, "wide.png", 1025, 10),
		}
		_, fe := e.ValidatePatient(context.Background(), in)
		require.NotNil(t, fe)
		assert.Equal(t, "Identification document dimensions must not exceed 1024x1024 pixels.", fe.First("identificationDocument"))
	})

	t.Run("boundary image accepted", func(t *testing.T) {
		in := validPatientInput(t)
		in.IdentificationDocument = []Upload{pngUpload(t, "max.png", 1024, 1024)}
		_, fe := e.ValidatePatient(context.Background(), in)
		assert.Nil(t, fe)
	})

	t.Run("undecodable image fails closed", func(t *testing.T) {
		in := validPatientInput(t)
		in.IdentificationDocument = []Upload{{
			FileName:    "broken.png",
			ContentType: "image/png",
			Size:        4,
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader("nope")), nil
			},
		}}
		_, fe := e.ValidatePatient(context.Background(), in)
		require.NotNil(t, fe)
		assert.Contains(t, fe, "identificationDocument")
	})

	t.Run("open error fails closed", func(t *testing.T) {
		in := validPatientInput(t)
		in.IdentificationDocument = []Upload{{
			FileName:    "gone.jpg",
			ContentType: "image/jpeg",
			Size:        10,
			Open:        func() (io.ReadCloser, error) { return nil, errors.New("disk gone") },
		}}
		_, fe := e.ValidatePatient(context.Background(), in)
		require.NotNil(t, fe)
		assert.Contains(t, fe, "identificationDocument")
	})

	t.Run("mislabelled image still dimension checked", func(t *testing.T) {
		in := validPatientInput(t)
		disguised := pngUpload(t, "scan.bin", 2048, 2048)
		disguised.ContentType = "application/octet-stream"
		in.IdentificationDocument = []Upload{disguised}
		_, fe := e.ValidatePatient(context.Background(), in)
		require.NotNil(t, fe)
		assert.Equal(t, "Identification document dimensions must not exceed 1024x1024 pixels.", fe.First("identificationDocument"))
	})

	t.Run("mislabelled small image accepted", func(t *testing.T) {
		in := validPatientInput(t)
		disguised := pngUpload(t, "scan.bin", 64, 64)
		disguised.ContentType = "application/octet-stream"
		in.IdentificationDocument = []Upload{disguised}
		_, fe := e.ValidatePatient(context.Background(), in)
		assert.Nil(t, fe)
	})

	t.Run("pdf content with pdf label accepted", func(t *testing.T) {
		in := validPatientInput(t)
		in.IdentificationDocument = []Upload{{
			FileName:    "scan.pdf",
			ContentType: "application/pdf",
			Size:        9,
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader("%PDF-1.4\n")), nil
			},
		}}
		_, fe := e.ValidatePatient(context.Background(), in)
		assert.Nil(t, fe)
	})

	t.Run("non image skips dimension check", func(t *testing.T) {
		in := validPatientInput(t)
		in.IdentificationDocument = []Upload{{FileName: "scan.pdf", ContentType: "application/pdf", Size: 1024}}
		_, fe := e.ValidatePatient(context.Background(), in)
		assert.Nil(t, fe)
	})
}

// -- Appointment --

func TestParseOperation(t *testing.T) {
	for _, tag := range []string{"create", "schedule", "cancel"} {
		op, err := ParseOperation(tag)
		require.NoError(t, err)
		assert.Equal(t, Operation(tag), op)
	}

	_, err := ParseOperation("reschedule")
	var unknown *ErrUnknownOperation
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "reschedule", unknown.Tag)
}

func TestSchemaFor_UnknownOperation(t *testing.T) {
	_, err := SchemaFor(Operation("delete"))
	assert.Error(t, err)

	_, _, err = newTestEngine().ValidateAppointment(Operation(""), AppointmentInput{})
	assert.Error(t, err)
}

func TestCreateSchema_LeadTime(t *testing.T) {
	e := newTestEngine()
	base := AppointmentInput{PrimaryPhysician: "Sarah Safari", Reason: "Annual checkup"}

	// Tomorrow at 00:00 is only nine hours after the fixed clock.
	in := base
	in.Schedule = "2024-06-11T00:00:00Z"
	_, fe, err := e.ValidateAppointment(OpCreate, in)
	require.NoError(t, err)
	require.NotNil(t, fe)
	assert.Equal(t, []string{"Appointment must be scheduled at least 24 hours in advance."}, fe["schedule"])

	in.Schedule = "2024-06-11T15:00:00Z"
	form, fe, err := e.ValidateAppointment(OpCreate, in)
	require.NoError(t, err)
	assert.Nil(t, fe)
	assert.Equal(t, time.Date(2024, 6, 11, 15, 0, 0, 0, time.UTC), form.Schedule)

	in.Schedule = "2024-06-20T09:30"
	_, fe, err = e.ValidateAppointment(OpCreate, in)
	require.NoError(t, err)
	assert.Nil(t, fe)
}

func TestCreateSchema_PastAndInvalid(t *testing.T) {
	e := newTestEngine()
	in := AppointmentInput{PrimaryPhysician: "Sarah Safari", Reason: "Annual checkup", Schedule: "2024-06-09T10:00:00Z"}
	_, fe, err := e.ValidateAppointment(OpCreate, in)
	require.NoError(t, err)
	require.NotNil(t, fe)
	assert.Equal(t, "Appointment date cannot be in the past.", fe.First("schedule"))

	in.Schedule = "soon"
	_, fe, _ = e.ValidateAppointment(OpCreate, in)
	require.NotNil(t, fe)
	assert.Equal(t, []string{"Invalid date"}, fe["schedule"])
}

func TestCreateSchema_RequiresReason(t *testing.T) {
	e := newTestEngine()
	in := AppointmentInput{PrimaryPhysician: "S", Schedule: "2024-06-20T09:30:00Z", Reason: "x"}
	_, fe, _ := e.ValidateAppointment(OpCreate, in)
	require.NotNil(t, fe)
	assert.Equal(t, "Reason must be at least 2 characters", fe.First("reason"))
	assert.Equal(t, "Select at least one doctor", fe.First("primaryPhysician"))
}

func TestScheduleSchema_NoLeadTime(t *testing.T) {
	e := newTestEngine()
	in := AppointmentInput{PrimaryPhysician: "Sarah Safari", Schedule: "2024-06-10T08:00:00Z"}
	_, fe, err := e.ValidateAppointment(OpSchedule, in)
	require.NoError(t, err)
	assert.Nil(t, fe, "earlier today is still allowed when scheduling")

	in.Schedule = "2024-06-09T23:59:00Z"
	_, fe, _ = e.ValidateAppointment(OpSchedule, in)
	require.NotNil(t, fe)
	assert.Equal(t, "Appointment date cannot be in the past.", fe.First("schedule"))
}

func TestCancelSchema_CancellationReason(t *testing.T) {
	e := newTestEngine()
	in := AppointmentInput{PrimaryPhysician: "Sarah Safari", Schedule: "2020-01-01T00:00:00Z"}

	_, fe, err := e.ValidateAppointment(OpCancel, in)
	require.NoError(t, err)
	require.NotNil(t, fe)
	assert.Equal(t, "Reason must be at least 2 characters", fe.First("cancellationReason"))
	assert.NotContains(t, fe, "schedule", "cancel accepts any date")

	in.CancellationReason = "ok"
	_, fe, _ = e.ValidateAppointment(OpCancel, in)
	assert.Nil(t, fe)

	in.CancellationReason = strings.Repeat("r", 500)
	_, fe, _ = e.ValidateAppointment(OpCancel, in)
	assert.Nil(t, fe)

	in.CancellationReason = strings.Repeat("r", 501)
	_, fe, _ = e.ValidateAppointment(OpCancel, in)
	require.NotNil(t, fe)
	assert.Equal(t, "Reason must be at most 500 characters", fe.First("cancellationReason"))
}
