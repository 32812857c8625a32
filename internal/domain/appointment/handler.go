package appointment

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/carepulse/carepulse/internal/domain/validation"
	"github.com/carepulse/carepulse/internal/platform/apperror"
)

// PatientLookup resolves the patient record that belongs to a user.
type PatientLookup interface {
	PatientIDForUser(ctx context.Context, userID string) (string, error)
}

type Handler struct {
	svc      *Service
	engine   *validation.Engine
	patients PatientLookup
}

func NewHandler(svc *Service, engine *validation.Engine, patients PatientLookup) *Handler {
	return &Handler{svc: svc, engine: engine, patients: patients}
}

// RegisterRoutes mounts the patient routes on api and the admin routes on
// admin, which must already require an admin session. dashboard wraps the
// dashboard listing, typically with the response cache.
func (h *Handler) RegisterRoutes(api, admin *echo.Group, dashboard ...echo.MiddlewareFunc) {
	api.POST("/patients/:userId/appointments", h.CreateAppointment)
	api.GET("/appointments/:id", h.GetAppointment)

	admin.GET("/appointments", h.ListRecent, dashboard...)
	admin.PUT("/appointments/:id/:operation", h.UpdateAppointment)
	admin.POST("/reminders", h.SendReminders)
}

// CreateAppointment handles the patient's "new appointment" form.
func (h *Handler) CreateAppointment(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Param("userId")

	var in validation.AppointmentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	form, fe, err := h.engine.ValidateAppointment(validation.OpCreate, in)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if fe != nil {
		return apperror.ValidationFailed(fe)
	}

	patientID, err := h.patients.PatientIDForUser(ctx, userID)
	if err != nil {
		return apperror.HTTPError(err)
	}

	a, err := h.svc.Create(ctx, CreateParams{
		UserID:           userID,
		Patient:          patientID,
		PrimaryPhysician: form.PrimaryPhysician,
		Schedule:         form.Schedule,
		Reason:           form.Reason,
		Note:             form.Note,
	})
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	a, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// ListRecent serves the admin dashboard.
func (h *Handler) ListRecent(c echo.Context) error {
	d, err := h.svc.ListRecent(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

type updateRequest struct {
	validation.AppointmentInput
	UserID string `json:"userId" form:"userId"`
}

// UpdateAppointment handles PUT /appointments/:id/:operation where operation
// is schedule or cancel.
func (h *Handler) UpdateAppointment(c echo.Context) error {
	op, err := validation.ParseOperation(c.Param("operation"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if op == validation.OpCreate {
		return apperror.HTTPError(apperror.New(apperror.KindInvalidOperation, "Appointments are created by patients, not updated with create."))
	}

	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	form, fe, err := h.engine.ValidateAppointment(op, req.AppointmentInput)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if fe != nil {
		return apperror.ValidationFailed(fe)
	}

	res, err := h.svc.Update(c.Request().Context(), c.Param("id"), req.UserID, Patch{
		PrimaryPhysician:   form.PrimaryPhysician,
		Schedule:           form.Schedule,
		CancellationReason: form.CancellationReason,
	}, op)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// SendReminders triggers a reminder run for appointments starting within
// ?window= (default 24h) from now.
func (h *Handler) SendReminders(c echo.Context) error {
	window := 24 * time.Hour
	if raw := c.QueryParam("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "window must be a positive duration")
		}
		window = d
	}
	from := h.engine.Now()
	report, err := h.svc.SendReminders(c.Request().Context(), from, from.Add(window))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, report)
}
