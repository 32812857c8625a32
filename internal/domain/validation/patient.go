package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxDocumentSize bounds each identification document file.
	MaxDocumentSize = 50 * 1024 * 1024
	// MaxImageDimension bounds image width and height in pixels.
	MaxImageDimension = 1024
)

// Upload is one submitted file. Open is called at most once per check.
type Upload struct {
	FileName    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

func (u Upload) declaredImage() bool {
	return isImageType(u.ContentType)
}

func isImageType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "image/")
}

// PatientInput is the raw registration form. BirthDate is the submitted
// string and is coerced during validation.
type PatientInput struct {
	Name                   string `json:"name" form:"name"`
	Email                  string `json:"email" form:"email"`
	Phone                  string `json:"phone" form:"phone"`
	BirthDate              string `json:"birthDate" form:"birthDate"`
	Gender                 string `json:"gender" form:"gender"`
	Address                string `json:"address" form:"address"`
	Occupation             string `json:"occupation" form:"occupation"`
	EmergencyContactName   string `json:"emergencyContactName" form:"emergencyContactName"`
	EmergencyContactNumber string `json:"emergencyContactNumber" form:"emergencyContactNumber"`
	PrimaryPhysician       string `json:"primaryPhysician" form:"primaryPhysician"`
	InsuranceProvider      string `json:"insuranceProvider" form:"insuranceProvider"`
	InsurancePolicyNumber  string `json:"insurancePolicyNumber" form:"insurancePolicyNumber"`
	TreatmentConsent       bool   `json:"treatmentConsent" form:"treatmentConsent"`
	DisclosureConsent      bool   `json:"disclosureConsent" form:"disclosureConsent"`
	PrivacyConsent         bool   `json:"privacyConsent" form:"privacyConsent"`

	IdentificationDocument []Upload `json:"-" form:"-"`
}

// PatientForm is a validated registration form.
type PatientForm struct {
	Name                   string
	Email                  string
	Phone                  string
	BirthDate              time.Time
	Gender                 string
	Address                string
	Occupation             string
	EmergencyContactName   string
	EmergencyContactNumber string
	PrimaryPhysician       string
	InsuranceProvider      string
	InsurancePolicyNumber  string
	TreatmentConsent       bool
	DisclosureConsent      bool
	PrivacyConsent         bool
	IdentificationDocument []Upload
}

type patientRules struct {
	Name                   string    `json:"name" validate:"min=2,max=50"`
	Email                  string    `json:"email" validate:"email"`
	Phone                  string    `json:"phone" validate:"phone"`
	BirthDate              time.Time `json:"birthDate" validate:"notfuture"`
	Gender                 string    `json:"gender" validate:"oneof=Male Female"`
	Address                string    `json:"address" validate:"min=5,max=500"`
	Occupation             string    `json:"occupation" validate:"min=2,max=500"`
	EmergencyContactName   string    `json:"emergencyContactName" validate:"min=2,max=50,nefield=Name"`
	EmergencyContactNumber string    `json:"emergencyContactNumber" validate:"phone,nefield=Phone"`
	PrimaryPhysician       string    `json:"primaryPhysician" validate:"min=2"`
	InsuranceProvider      string    `json:"insuranceProvider" validate:"min=2,max=50"`
	InsurancePolicyNumber  string    `json:"insurancePolicyNumber" validate:"min=2,max=50"`
	TreatmentConsent       bool      `json:"treatmentConsent" validate:"eq=true"`
	DisclosureConsent      bool      `json:"disclosureConsent" validate:"eq=true"`
	PrivacyConsent         bool      `json:"privacyConsent" validate:"eq=true"`
}

const (
	msgDocumentRequired   = "Identification document is required."
	msgDocumentTooLarge   = "File size must not exceed 50MB."
	msgDocumentDimensions = "Identification document dimensions must not exceed 1024x1024 pixels."
)

// ValidatePatient checks the registration form including the identification
// document files. Image dimension checks run concurrently, one per file.
func (e *Engine) ValidatePatient(ctx context.Context, in PatientInput) (PatientForm, FieldErrors) {
	fe := FieldErrors{}
	now := e.now()

	birthDate, ok := coerceDate(in.BirthDate, now.Location())
	rules := patientRules{
		Name:                   in.Name,
		Email:                  in.Email,
		Phone:                  in.Phone,
		BirthDate:              birthDate,
		Gender:                 in.Gender,
		Address:                in.Address,
		Occupation:             in.Occupation,
		EmergencyContactName:   in.EmergencyContactName,
		EmergencyContactNumber: in.EmergencyContactNumber,
		PrimaryPhysician:       in.PrimaryPhysician,
		InsuranceProvider:      in.InsuranceProvider,
		InsurancePolicyNumber:  in.InsurancePolicyNumber,
		TreatmentConsent:       in.TreatmentConsent,
		DisclosureConsent:      in.DisclosureConsent,
		PrivacyConsent:         in.PrivacyConsent,
	}
	e.check(rules, fe)
	if !ok {
		fe["birthDate"] = []string{invalidDate}
	}

	if msg := checkDocuments(ctx, in.IdentificationDocument); msg != "" {
		fe.Add("identificationDocument", msg)
	}

	form := PatientForm{
		Name:                   in.Name,
		Email:                  in.Email,
		Phone:                  in.Phone,
		BirthDate:              birthDate,
		Gender:                 in.Gender,
		Address:                in.Address,
		Occupation:             in.Occupation,
		EmergencyContactName:   in.EmergencyContactName,
		EmergencyContactNumber: in.EmergencyContactNumber,
		PrimaryPhysician:       in.PrimaryPhysician,
		InsuranceProvider:      in.InsuranceProvider,
		InsurancePolicyNumber:  in.InsurancePolicyNumber,
		TreatmentConsent:       in.TreatmentConsent,
		DisclosureConsent:      in.DisclosureConsent,
		PrivacyConsent:         in.PrivacyConsent,
		IdentificationDocument: in.IdentificationDocument,
	}
	return form, fe.orNil()
}

// checkDocuments returns the first failing document rule's message, or "".
func checkDocuments(ctx context.Context, files []Upload) string {
	if len(files) == 0 {
		return msgDocumentRequired
	}
	for _, f := range files {
		if f.Size > MaxDocumentSize {
			return msgDocumentTooLarge
		}
	}
	if err := checkDimensions(ctx, files); err != nil {
		return msgDocumentDimensions
	}
	return ""
}

var errTooLarge = errors.New("image exceeds maximum dimensions")

// checkDimensions sniffs and decodes each file header concurrently. A file
// counts as an image when either its declared or its detected type is image/*.
// Any open or decode failure of an image counts as a violation.
func checkDimensions(ctx context.Context, files []Upload) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, f := range files {
		if f.Open == nil && !f.declaredImage() {
			continue
		}
		f := f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return imageWithinBounds(f)
		})
	}
	return g.Wait()
}

func imageWithinBounds(f Upload) error {
	if f.Open == nil {
		return fmt.Errorf("%s: no content", f.FileName)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.FileName, err)
	}
	defer rc.Close()

	var head bytes.Buffer
	detected, err := mimetype.DetectReader(io.TeeReader(rc, &head))
	if err != nil {
		return fmt.Errorf("sniff %s: %w", f.FileName, err)
	}
	if !f.declaredImage() && !isImageType(detected.String()) {
		return nil
	}

	cfg, _, err := image.DecodeConfig(io.MultiReader(&head, rc))
	if err != nil {
		return fmt.Errorf("decode %s: %w", f.FileName, err)
	}
	if cfg.Width > MaxImageDimension || cfg.Height > MaxImageDimension {
		return fmt.Errorf("%s is %dx%d (%s): %w", f.FileName, cfg.Width, cfg.Height, detected, errTooLarge)
	}
	return nil
}
