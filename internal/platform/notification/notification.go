// Package notification dispatches outbound SMS messages to users, keeps a log
// of every dispatch, and exposes delivery statistics over HTTP.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Message
// ---------------------------------------------------------------------------

const (
	ChannelSMS = "sms"

	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Message is one dispatched notification.
type Message struct {
	ID        string     `json:"$id"`
	Channel   string     `json:"channel"`
	Body      string     `json:"body"`
	Topics    []string   `json:"topics"`
	Users     []string   `json:"users"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"$createdAt"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
}

// OutboundSMS is what a sender delivers to a single phone number.
type OutboundSMS struct {
	MessageID string   `json:"messageId"`
	UserID    string   `json:"userId"`
	To        string   `json:"to"`
	Body      string   `json:"body"`
	Topics    []string `json:"topics,omitempty"`
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// SMSSender delivers a single SMS.
type SMSSender interface {
	SendSMS(ctx context.Context, sms OutboundSMS) error
}

// RecipientResolver maps a user id to a phone number.
type RecipientResolver interface {
	PhoneForUser(ctx context.Context, userID string) (string, error)
}

// Store persists the message log.
type Store interface {
	Save(ctx context.Context, m *Message) error
	Stats(ctx context.Context) (map[string]int, error)
}

// ErrNoRecipients is returned when a message names no users.
var ErrNoRecipients = errors.New("notification: no recipients")

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager resolves recipients, dispatches through the sender and records the
// outcome.
type Manager struct {
	sender   SMSSender
	resolver RecipientResolver
	store    Store
	logger   zerolog.Logger
	now      func() time.Time
}

func NewManager(sender SMSSender, resolver RecipientResolver, store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		sender:   sender,
		resolver: resolver,
		store:    store,
		logger:   logger.With().Str("component", "notification").Logger(),
		now:      time.Now,
	}
}

// CreateSMS sends body to every user and records the message. An empty id is
// replaced with a fresh one. The returned message carries the delivery status
// even when an error is returned.
func (m *Manager) CreateSMS(ctx context.Context, id, body string, topics, users []string) (*Message, error) {
	if id == "" {
		id = uuid.NewString()
	}
	msg := &Message{
		ID:        id,
		Channel:   ChannelSMS,
		Body:      body,
		Topics:    nonNil(topics),
		Users:     nonNil(users),
		CreatedAt: m.now().UTC(),
	}

	sendErr := m.dispatch(ctx, msg)
	if sendErr != nil {
		msg.Status = StatusFailed
		msg.Error = sendErr.Error()
	} else {
		msg.Status = StatusSent
		sentAt := m.now().UTC()
		msg.SentAt = &sentAt
	}

	if err := m.store.Save(ctx, msg); err != nil {
		m.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to record message")
	}

	if sendErr != nil {
		m.logger.Warn().Err(sendErr).Str("message_id", msg.ID).Strs("users", msg.Users).Msg("sms dispatch failed")
		return msg, sendErr
	}
	m.logger.Info().Str("message_id", msg.ID).Int("recipients", len(msg.Users)).Msg("sms dispatched")
	return msg, nil
}

func (m *Manager) dispatch(ctx context.Context, msg *Message) error {
	if len(msg.Users) == 0 {
		return ErrNoRecipients
	}
	var errs []error
	for _, userID := range msg.Users {
		phone, err := m.resolver.PhoneForUser(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve user %s: %w", userID, err))
			continue
		}
		err = m.sender.SendSMS(ctx, OutboundSMS{
			MessageID: msg.ID,
			UserID:    userID,
			To:        phone,
			Body:      msg.Body,
			Topics:    msg.Topics,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("send to user %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns message counts grouped by status.
func (m *Manager) Stats(ctx context.Context) (map[string]int, error) {
	return m.store.Stats(ctx)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

// MemoryStore keeps the message log in process.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message)}
}

func (s *MemoryStore) Save(_ context.Context, m *Message) error {
	cp := *m
	s.mu.Lock()
	s.messages[m.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(id string) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

func (s *MemoryStore) Stats(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]int{StatusSent: 0, StatusFailed: 0}
	for _, m := range s.messages {
		stats[m.Status]++
	}
	return stats, nil
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes message statistics.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

// RegisterRoutes registers the routes on an admin-protected group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/messages/stats", h.HandleStats)
}

// HandleStats handles GET /messages/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.manager.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load message stats")
	}
	return c.JSON(http.StatusOK, stats)
}
