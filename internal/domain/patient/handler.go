package patient

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carepulse/carepulse/internal/domain/validation"
	"github.com/carepulse/carepulse/internal/platform/apperror"
)

// DocumentField is the multipart field carrying identification documents.
const DocumentField = "identificationDocument"

type Handler struct {
	svc    *Service
	engine *validation.Engine
}

func NewHandler(svc *Service, engine *validation.Engine) *Handler {
	return &Handler{svc: svc, engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/users", h.CreateUser)
	api.GET("/users/:id", h.GetUser)
	api.POST("/patients", h.RegisterPatient)
	api.GET("/patients/by-user/:userId", h.GetPatientByUser)
}

// CreateUser handles the landing page form.
func (h *Handler) CreateUser(c echo.Context) error {
	var in validation.UserInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in, fe := h.engine.ValidateUser(in)
	if fe != nil {
		return apperror.ValidationFailed(fe)
	}
	u, err := h.svc.CreateUser(c.Request().Context(), in.Name, in.Email, in.Phone)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) GetUser(c echo.Context) error {
	u, err := h.svc.GetUser(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, u)
}

type registerRequest struct {
	validation.PatientInput
	UserID string `form:"userId"`
}

// RegisterPatient handles the multipart registration form. The first
// identificationDocument file is stored; every file is validated.
func (h *Handler) RegisterPatient(c echo.Context) error {
	ctx := c.Request().Context()

	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid registration form")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}

	files, err := documentFiles(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid registration form")
	}
	req.IdentificationDocument = uploads(files)

	form, fe := h.engine.ValidatePatient(ctx, req.PatientInput)
	if fe != nil {
		return apperror.ValidationFailed(fe)
	}
	if _, err := h.svc.GetUser(ctx, req.UserID); err != nil {
		return apperror.HTTPError(err)
	}

	var doc *IdentificationDocument
	if len(files) > 0 {
		doc, err = readDocument(files[0])
		if err != nil {
			return apperror.HTTPError(apperror.Wrap(apperror.KindInvalidDocument, "Invalid identification document data.", err))
		}
	}

	p, err := h.svc.RegisterPatient(ctx, doc, Fields{
		UserID:                 req.UserID,
		Name:                   form.Name,
		Email:                  form.Email,
		Phone:                  form.Phone,
		BirthDate:              form.BirthDate,
		Gender:                 form.Gender,
		Address:                form.Address,
		Occupation:             form.Occupation,
		EmergencyContactName:   form.EmergencyContactName,
		EmergencyContactNumber: form.EmergencyContactNumber,
		PrimaryPhysician:       form.PrimaryPhysician,
		InsuranceProvider:      form.InsuranceProvider,
		InsurancePolicyNumber:  form.InsurancePolicyNumber,
		TreatmentConsent:       form.TreatmentConsent,
		DisclosureConsent:      form.DisclosureConsent,
		PrivacyConsent:         form.PrivacyConsent,
	})
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatientByUser(c echo.Context) error {
	p, err := h.svc.GetPatientByUser(c.Request().Context(), c.Param("userId"))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// documentFiles returns the uploaded documents, or none for a non-multipart
// request.
func documentFiles(c echo.Context) ([]*multipart.FileHeader, error) {
	form, err := c.MultipartForm()
	if err == http.ErrNotMultipart {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return form.File[DocumentField], nil
}

func uploads(files []*multipart.FileHeader) []validation.Upload {
	out := make([]validation.Upload, 0, len(files))
	for _, fh := range files {
		fh := fh
		out = append(out, validation.Upload{
			FileName:    fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Size:        fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}
	return out
}

func readDocument(fh *multipart.FileHeader) (*IdentificationDocument, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, validation.MaxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return &IdentificationDocument{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Content:     content,
	}, nil
}
