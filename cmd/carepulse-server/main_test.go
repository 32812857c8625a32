package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/carepulse/carepulse/internal/config"
	"github.com/carepulse/carepulse/internal/platform/auth"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		GatewayBackend:          "memory",
		Endpoint:                "http://localhost:8000",
		ProjectID:               "carepulse",
		DatabaseID:              "carepulse",
		PatientCollectionID:     "patients",
		AppointmentCollectionID: "appointments",
		BucketID:                "identification",
		AdminPasskey:            "123456",
		SessionTTL:              time.Hour,
		DashboardCacheTTL:       time.Minute,
		DisplayTimezone:         "UTC",
		CORSOrigins:             []string{"http://localhost:3000"},
		RateLimitRPS:            100,
		RateLimitBurst:          200,
	}
}

func newTestServer(t *testing.T) *server {
	t.Helper()
	cfg := testConfig()
	logger := zerolog.Nop()
	b, err := openBackends(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("openBackends: %v", err)
	}
	t.Cleanup(b.Close)
	s, err := newServices(cfg, b, logger)
	if err != nil {
		t.Fatalf("newServices: %v", err)
	}
	srv, err := buildServer(cfg, b, s, logger)
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	return srv
}

type client struct {
	t     *testing.T
	srv   *server
	token string
}

func (c *client) do(method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	c.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	c.srv.echo.ServeHTTP(rec, req)
	return rec
}

func (c *client) json(method, path, body string) *httptest.ResponseRecorder {
	return c.do(method, path, "application/json", []byte(body))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
}

func registrationBody(t *testing.T, userID string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"userId":                 userID,
		"name":                   "Jane Doe",
		"email":                  "jane@example.com",
		"phone":                  "+15555550100",
		"birthDate":              "1990-03-14",
		"gender":                 "Female",
		"address":                "14 Harbour Street",
		"occupation":             "Engineer",
		"emergencyContactName":   "John Doe",
		"emergencyContactNumber": "+15555550199",
		"primaryPhysician":       "John Green",
		"insuranceProvider":      "BlueCross",
		"insurancePolicyNumber":  "ABC123456",
		"treatmentConsent":       "true",
		"disclosureConsent":      "true",
		"privacyConsent":         "true",
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="identificationDocument"; filename="passport.pdf"`)
	h.Set("Content-Type", "application/pdf")
	part, _ := mw.CreatePart(h)
	part.Write([]byte("%PDF-1.4 passport"))
	mw.Close()
	return buf.Bytes(), mw.FormDataContentType()
}

func TestServer_Health(t *testing.T) {
	c := &client{t: t, srv: newTestServer(t)}

	for _, path := range []string{"/health", "/health/db"} {
		rec := c.do(http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "memory") {
			t.Errorf("%s: expected memory backend, got %s", path, rec.Body.String())
		}
	}

	rec := c.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "carepulse_http_requests_total") {
		t.Errorf("expected prometheus metrics, got %d", rec.Code)
	}
}

func TestServer_PatientAndAdminFlow(t *testing.T) {
	c := &client{t: t, srv: newTestServer(t)}

	// Landing form
	rec := c.json(http.MethodPost, "/api/v1/users", `{"name":"Jane Doe","email":"jane@example.com","phone":"+15555550100"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", rec.Code, rec.Body.String())
	}
	var user struct {
		ID string `json:"$id"`
	}
	decode(t, rec, &user)

	// Registration with an identification document
	body, ct := registrationBody(t, user.ID)
	rec = c.do(http.MethodPost, "/api/v1/patients", ct, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	var p struct {
		URL *string `json:"identificationDocumentUrl"`
	}
	decode(t, rec, &p)
	if p.URL == nil {
		t.Fatal("expected document url")
	}
	viewPath := strings.TrimPrefix(*p.URL, "http://localhost:8000")
	rec = c.do(http.MethodGet, viewPath, "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "%PDF-1.4 passport" {
		t.Errorf("document view: %d %q", rec.Code, rec.Body.String())
	}

	// New appointment
	when := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Minute).Format(time.RFC3339)
	rec = c.json(http.MethodPost, "/api/v1/patients/"+user.ID+"/appointments",
		`{"primaryPhysician":"John Green","schedule":"`+when+`","reason":"Annual check-up"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create appointment: %d %s", rec.Code, rec.Body.String())
	}
	var appt struct {
		ID string `json:"$id"`
	}
	decode(t, rec, &appt)

	// Admin surface requires a session
	rec = c.do(http.MethodGet, "/api/v1/admin/appointments", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}
	rec = c.json(http.MethodPost, "/api/v1/admin/session", `{"passkey":"000000"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong passkey, got %d", rec.Code)
	}
	rec = c.json(http.MethodPost, "/api/v1/admin/session", `{"passkey":"123456"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	var session struct {
		Token string `json:"token"`
	}
	decode(t, rec, &session)
	c.token = session.Token

	// Dashboard is cached until an update
	rec = c.do(http.MethodGet, "/api/v1/admin/appointments", "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("dashboard: %d cache=%s", rec.Code, rec.Header().Get("X-Cache"))
	}
	var dash struct {
		TotalCount   int `json:"totalCount"`
		PendingCount int `json:"pendingCount"`
	}
	decode(t, rec, &dash)
	if dash.TotalCount != 1 || dash.PendingCount != 1 {
		t.Errorf("unexpected counts %+v", dash)
	}
	rec = c.do(http.MethodGet, "/api/v1/admin/appointments", "", nil)
	if rec.Header().Get("X-Cache") != "HIT" {
		t.Errorf("expected cache hit, got %q", rec.Header().Get("X-Cache"))
	}

	rec = c.json(http.MethodPut, "/api/v1/admin/appointments/"+appt.ID+"/schedule",
		`{"primaryPhysician":"Leila Cameron","schedule":"`+when+`","userId":"`+user.ID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("schedule: %d %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Notification struct {
			Sent bool `json:"sent"`
		} `json:"notification"`
	}
	decode(t, rec, &res)
	if !res.Notification.Sent {
		t.Error("expected sms to be sent")
	}

	rec = c.do(http.MethodGet, "/api/v1/admin/appointments", "", nil)
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Errorf("expected cache to be invalidated, got %q", rec.Header().Get("X-Cache"))
	}
	var after struct {
		ScheduleCount int `json:"scheduleCount"`
	}
	decode(t, rec, &after)
	if after.ScheduleCount != 1 {
		t.Errorf("expected 1 scheduled, got %d", after.ScheduleCount)
	}

	rec = c.do(http.MethodGet, "/api/v1/admin/messages/stats", "", nil)
	var stats map[string]int
	decode(t, rec, &stats)
	if stats["sent"] != 1 {
		t.Errorf("expected 1 sent message, got %v", stats)
	}

	// Logout revokes the token
	rec = c.do(http.MethodDelete, "/api/v1/admin/session", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", rec.Code)
	}
	rec = c.do(http.MethodGet, "/api/v1/admin/appointments", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestServer_SecurityHeadersAndRequestID(t *testing.T) {
	c := &client{t: t, srv: newTestServer(t)}
	rec := c.do(http.MethodGet, "/api/v1/appointments/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id")
	}
}

func TestResolveSigningKey(t *testing.T) {
	cfg := testConfig()
	cfg.SessionSigningKey = "0123456789abcdef0123456789abcdef"
	key, generated, err := resolveSigningKey(cfg)
	if err != nil || generated || string(key) != cfg.SessionSigningKey {
		t.Errorf("expected configured key, got %q generated=%v err=%v", key, generated, err)
	}

	cfg.SessionSigningKey = ""
	key, generated, err = resolveSigningKey(cfg)
	if err != nil || !generated || len(key) != 32 {
		t.Errorf("expected generated key in development, got len=%d generated=%v err=%v", len(key), generated, err)
	}

	cfg.Env = "production"
	if _, _, err := resolveSigningKey(cfg); err == nil {
		t.Error("expected error outside development")
	}
}

func TestReadPasskey(t *testing.T) {
	got, err := readPasskey([]string{"from-arg"}, strings.NewReader(""))
	if err != nil || got != "from-arg" {
		t.Errorf("readPasskey(args) = %q, %v", got, err)
	}
	got, err = readPasskey(nil, strings.NewReader("from-stdin\n"))
	if err != nil || got != "from-stdin" {
		t.Errorf("readPasskey(stdin) = %q, %v", got, err)
	}
	if _, err := readPasskey(nil, strings.NewReader("")); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestPasskeyHashCommand(t *testing.T) {
	cmd := passkeyCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash", "123456"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("123456")); err != nil {
		t.Errorf("printed hash does not verify: %v", err)
	}

	sessions, err := auth.NewSessionManager(auth.SessionConfig{
		SigningKey:  []byte("0123456789abcdef0123456789abcdef"),
		TTL:         time.Hour,
		PasskeyHash: hash,
	}, auth.NewRevocationList())
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	if err := sessions.VerifyPasskey("123456"); err != nil {
		t.Errorf("expected hash to be accepted by the session manager: %v", err)
	}
}
