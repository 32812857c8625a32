package patient

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/carepulse/carepulse/internal/platform/apperror"
	"github.com/carepulse/carepulse/internal/platform/blobstore"
	"github.com/carepulse/carepulse/internal/platform/gateway"
)

// Registration kinds reported to Metrics.
const (
	KindUser    = "user"
	KindPatient = "patient"
)

// Metrics receives registration outcomes.
type Metrics interface {
	RecordRegistration(kind string, ok bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordRegistration(string, bool) {}

type Service struct {
	users      gateway.UserDirectory
	docs       gateway.DocumentStore
	blobs      blobstore.Store
	collection string
	storage    Storage
	metrics    Metrics
	logger     zerolog.Logger
}

// NewService stores patients as documents in collection and their
// identification documents in storage.Bucket.
func NewService(users gateway.UserDirectory, docs gateway.DocumentStore, blobs blobstore.Store, collection string, storage Storage, logger zerolog.Logger) *Service {
	return &Service{
		users:      users,
		docs:       docs,
		blobs:      blobs,
		collection: collection,
		storage:    storage,
		metrics:    nopMetrics{},
		logger:     logger.With().Str("component", "patient").Logger(),
	}
}

func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// CreateUser returns the user registered with email and phone, creating it
// when neither is taken. An email or phone already paired with a different
// counterpart is a Conflict. The two lookups are not atomic.
func (s *Service) CreateUser(ctx context.Context, name, email, phone string) (*User, error) {
	byEmail, err := s.users.ListUsers(ctx, gateway.Equal("email", email))
	if err != nil {
		return nil, s.userFailed(err, "list users by email")
	}
	if len(byEmail.Users) > 0 {
		existing := byEmail.Users[0]
		if existing.Phone == phone {
			s.logger.Debug().Str("user_id", existing.ID).Msg("user already registered")
			return userFromGateway(&existing), nil
		}
		s.metrics.RecordRegistration(KindUser, false)
		return nil, apperror.Conflict("Email already exists but with a different phone number.")
	}

	byPhone, err := s.users.ListUsers(ctx, gateway.Equal("phone", phone))
	if err != nil {
		return nil, s.userFailed(err, "list users by phone")
	}
	if len(byPhone.Users) > 0 {
		s.metrics.RecordRegistration(KindUser, false)
		return nil, apperror.Conflict("Phone number already exists but with a different email.")
	}

	u, err := s.users.CreateUser(ctx, gateway.NewID(), email, phone, nil, name)
	if err != nil {
		return nil, s.userFailed(err, "create user")
	}
	s.metrics.RecordRegistration(KindUser, true)
	s.logger.Info().Str("user_id", u.ID).Msg("user created")
	return userFromGateway(u), nil
}

func (s *Service) userFailed(err error, op string) error {
	s.logger.Error().Err(err).Msg(op)
	s.metrics.RecordRegistration(KindUser, false)
	return apperror.Wrap(apperror.KindCreationFailed, "Failed to create user.", err)
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := s.users.GetUser(ctx, id)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, apperror.Wrap(apperror.KindNotFound, "User not found.", err)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", id).Msg("fetch user")
		return nil, apperror.Wrap(apperror.KindFetchFailed, "Unable to fetch user.", err)
	}
	return userFromGateway(u), nil
}

// PhoneForUser resolves the number SMS notifications are sent to.
func (s *Service) PhoneForUser(ctx context.Context, userID string) (string, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.Phone, nil
}

// RegisterPatient uploads the optional identification document and stores
// the patient record pointing at it.
func (s *Service) RegisterPatient(ctx context.Context, doc *IdentificationDocument, f Fields) (*Patient, error) {
	var r record
	if doc != nil {
		if len(doc.Content) == 0 || doc.FileName == "" {
			s.metrics.RecordRegistration(KindPatient, false)
			return nil, apperror.New(apperror.KindInvalidDocument, "Invalid identification document data.")
		}
		file, err := s.blobs.CreateFile(ctx, s.storage.Bucket, gateway.NewID(),
			blobstore.NewInputFile(doc.FileName, doc.ContentType, doc.Content))
		if err != nil {
			return nil, s.registrationFailed(err, f.UserID, "upload identification document")
		}
		url := blobstore.ViewURL(s.storage.Endpoint, s.storage.Bucket, file.ID, s.storage.ProjectID)
		r.IdentificationDocumentID = &file.ID
		r.IdentificationDocumentURL = &url
	}
	r.Fields = f

	stored, err := s.docs.CreateDocument(ctx, s.collection, gateway.NewID(), r)
	if err != nil {
		return nil, s.registrationFailed(err, f.UserID, "create patient")
	}
	p, err := fromDocument(stored)
	if err != nil {
		return nil, s.registrationFailed(err, f.UserID, "decode patient")
	}

	s.metrics.RecordRegistration(KindPatient, true)
	s.logger.Info().
		Str("patient_id", p.ID).
		Str("user_id", p.UserID).
		Bool("identification_document", p.IdentificationDocumentID != nil).
		Msg("patient registered")
	return p, nil
}

func (s *Service) registrationFailed(err error, userID, op string) error {
	s.logger.Error().Err(err).Str("user_id", userID).Msg(op)
	s.metrics.RecordRegistration(KindPatient, false)
	return apperror.Wrap(apperror.KindRegistrationFailed, "Patient registration failed.", err)
}

// GetPatientByUser returns the first patient registered for userID.
func (s *Service) GetPatientByUser(ctx context.Context, userID string) (*Patient, error) {
	list, err := s.docs.ListDocuments(ctx, s.collection,
		gateway.Equal("userId", userID),
		gateway.OrderAsc(gateway.AttrCreatedAt),
		gateway.Limit(1),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("fetch patient")
		return nil, apperror.Wrap(apperror.KindFetchFailed, "Unable to fetch patient.", err)
	}
	if list == nil || len(list.Documents) == 0 {
		return nil, apperror.NotFound("Patient not found.")
	}
	p, err := fromDocument(&list.Documents[0])
	if err != nil {
		return nil, apperror.Wrap(apperror.KindFetchFailed, "Unable to fetch patient.", err)
	}
	return p, nil
}

// PatientIDForUser returns the id of the patient registered for userID.
func (s *Service) PatientIDForUser(ctx context.Context, userID string) (string, error) {
	p, err := s.GetPatientByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}
