package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps file content in the blobs table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateFile(ctx context.Context, bucket, id string, in InputFile) (*File, error) {
	data, hash, err := readInput(in)
	if err != nil {
		return nil, err
	}

	f := File{
		ID:          id,
		Bucket:      bucket,
		Name:        in.Name,
		ContentType: contentTypeOf(in),
		Size:        int64(len(data)),
		Hash:        hash,
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO blobs (bucket, id, name, content_type, size_bytes, content)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		bucket, id, f.Name, f.ContentType, f.Size, data,
	).Scan(&f.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrFileExists
		}
		return nil, fmt.Errorf("insert blob: %w", err)
	}
	return &f, nil
}

func (s *PostgresStore) Download(ctx context.Context, bucket, id string) (io.ReadCloser, *File, error) {
	f := File{ID: id, Bucket: bucket}
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT name, content_type, size_bytes, content, created_at
		FROM blobs WHERE bucket = $1 AND id = $2`,
		bucket, id,
	).Scan(&f.Name, &f.ContentType, &f.Size, &data, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, fmt.Errorf("select blob: %w", err)
	}
	f.Hash = digest(data)
	return io.NopCloser(bytes.NewReader(data)), &f, nil
}
