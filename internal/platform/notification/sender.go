package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// LogSender writes messages to the log instead of delivering them. Used in
// development when no broker is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendSMS(_ context.Context, sms OutboundSMS) error {
	s.logger.Info().
		Str("message_id", sms.MessageID).
		Str("user_id", sms.UserID).
		Str("to", sms.To).
		Str("body", sms.Body).
		Msg("sms (log sender)")
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes each SMS as a JSON event for the SMS gateway worker.
type KafkaSender struct {
	writer messageWriter
}

// NewKafkaSender creates a producer for topic on brokers.
func NewKafkaSender(brokers []string, topic string) *KafkaSender {
	return &KafkaSender{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (s *KafkaSender) SendSMS(ctx context.Context, sms OutboundSMS) error {
	payload, err := json.Marshal(sms)
	if err != nil {
		return fmt.Errorf("marshal sms event: %w", err)
	}
	// Keyed by user so a user's messages stay ordered on one partition.
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sms.UserID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("produce sms event: %w", err)
	}
	return nil
}

func (s *KafkaSender) Close() error {
	return s.writer.Close()
}
