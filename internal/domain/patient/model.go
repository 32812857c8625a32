package patient

import (
	"time"

	"github.com/carepulse/carepulse/internal/platform/gateway"
)

// User is a registered account. Email and phone are jointly unique.
type User struct {
	ID        string    `json:"$id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"$createdAt"`
}

func userFromGateway(u *gateway.User) *User {
	return &User{ID: u.ID, Name: u.Name, Email: u.Email, Phone: u.Phone, CreatedAt: u.CreatedAt}
}

// Fields are the patient attributes captured by the registration form.
type Fields struct {
	UserID                 string    `json:"userId"`
	Name                   string    `json:"name"`
	Email                  string    `json:"email"`
	Phone                  string    `json:"phone"`
	BirthDate              time.Time `json:"birthDate"`
	Gender                 string    `json:"gender"`
	Address                string    `json:"address"`
	Occupation             string    `json:"occupation"`
	EmergencyContactName   string    `json:"emergencyContactName"`
	EmergencyContactNumber string    `json:"emergencyContactNumber"`
	PrimaryPhysician       string    `json:"primaryPhysician"`
	InsuranceProvider      string    `json:"insuranceProvider"`
	InsurancePolicyNumber  string    `json:"insurancePolicyNumber"`
	TreatmentConsent       bool      `json:"treatmentConsent"`
	DisclosureConsent      bool      `json:"disclosureConsent"`
	PrivacyConsent         bool      `json:"privacyConsent"`
}

// record is the stored document body. The document fields are null when no
// identification document was uploaded.
type record struct {
	IdentificationDocumentID  *string `json:"identificationDocumentId"`
	IdentificationDocumentURL *string `json:"identificationDocumentUrl"`
	Fields
}

// Patient is a registered patient. Patients are never mutated after
// registration.
type Patient struct {
	ID                        string  `json:"$id"`
	IdentificationDocumentID  *string `json:"identificationDocumentId"`
	IdentificationDocumentURL *string `json:"identificationDocumentUrl"`
	Fields
	CreatedAt time.Time `json:"$createdAt"`
}

func fromDocument(doc *gateway.Document) (*Patient, error) {
	var r record
	if err := doc.Decode(&r); err != nil {
		return nil, err
	}
	return &Patient{
		ID:                        doc.ID,
		IdentificationDocumentID:  r.IdentificationDocumentID,
		IdentificationDocumentURL: r.IdentificationDocumentURL,
		Fields:                    r.Fields,
		CreatedAt:                 doc.CreatedAt,
	}, nil
}

// IdentificationDocument is an uploaded identity document. Content and
// FileName must both be present.
type IdentificationDocument struct {
	FileName    string
	ContentType string
	Content     []byte
}

// Storage locates uploaded documents. Endpoint and ProjectID compose the view
// URL handed back to clients.
type Storage struct {
	Endpoint  string
	ProjectID string
	Bucket    string
}
