package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Handler serves admin login and logout.
type Handler struct {
	sessions     *SessionManager
	secureCookie bool
	logger       zerolog.Logger
}

func NewHandler(sessions *SessionManager, secureCookie bool, logger zerolog.Logger) *Handler {
	return &Handler{sessions: sessions, secureCookie: secureCookie, logger: logger.With().Str("component", "auth").Logger()}
}

// RegisterRoutes registers the session routes on the admin group. Login is
// public; logout needs a live session.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/session", h.Login)
	g.DELETE("/session", h.Logout, h.sessions.RequireAdmin())
}

type loginRequest struct {
	Passkey string `json:"passkey" form:"passkey"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Login handles POST /session.
func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Passkey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "passkey is required")
	}

	token, exp, err := h.sessions.Login(req.Passkey)
	if errors.Is(err, ErrInvalidPasskey) {
		h.logger.Warn().Str("remote_ip", c.RealIP()).Msg("admin login rejected")
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid passkey. Please try again.")
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("issue admin session")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	h.logger.Info().Time("expires_at", exp).Msg("admin session started")
	return c.JSON(http.StatusCreated, sessionResponse{Token: token, ExpiresAt: exp.UTC()})
}

// Logout handles DELETE /session.
func (h *Handler) Logout(c echo.Context) error {
	h.sessions.Revoke(SessionFromContext(c.Request().Context()))
	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	return c.NoContent(http.StatusNoContent)
}
