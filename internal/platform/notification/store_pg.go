package notification

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the message log in the messages table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Save(ctx context.Context, m *Message) error {
	var errText *string
	if m.Error != "" {
		errText = &m.Error
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, channel, body, recipients, topics, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, error = EXCLUDED.error`,
		m.ID, m.Channel, m.Body, m.Users, m.Topics, m.Status, errText, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query message stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{StatusSent: 0, StatusFailed: 0}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan message stats: %w", err)
		}
		stats[status] = int(n)
	}
	return stats, rows.Err()
}
