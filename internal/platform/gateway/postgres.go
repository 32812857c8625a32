package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Postgres stores documents and users in the tables created by the
// migrations. The pool's search_path selects the schema.
type Postgres struct {
	db queryable
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool}
}

func mapPgError(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (p *Postgres) CreateDocument(ctx context.Context, collection, id string, fields any) (*Document, error) {
	data, err := marshalObject(fields)
	if err != nil {
		return nil, err
	}
	d := Document{ID: id, Collection: collection, Data: data}
	err = p.db.QueryRow(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		collection, id, string(data),
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err, "create document")
	}
	return &d, nil
}

func (p *Postgres) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	d := Document{ID: id, Collection: collection}
	err := p.db.QueryRow(ctx, `
		SELECT data, created_at, updated_at FROM documents
		WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&d.Data, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err, "get document")
	}
	return &d, nil
}

func (p *Postgres) ListDocuments(ctx context.Context, collection string, queries ...Query) (*DocumentList, error) {
	sql, args, err := buildDocumentQuery(collection, queries)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	list := &DocumentList{Documents: []Document{}}
	for rows.Next() {
		d := Document{Collection: collection}
		var total int64
		if err := rows.Scan(&d.ID, &d.Data, &d.CreatedAt, &d.UpdatedAt, &total); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		list.Total = int(total)
		list.Documents = append(list.Documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	// COUNT(*) OVER() is only visible on returned rows.
	if len(list.Documents) == 0 && hasLimit(queries) {
		total, err := p.countDocuments(ctx, collection, queries)
		if err != nil {
			return nil, err
		}
		list.Total = total
	}
	return list, nil
}

func (p *Postgres) countDocuments(ctx context.Context, collection string, queries []Query) (int, error) {
	where, args, err := documentWhere(collection, queries)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return int(n), nil
}

func (p *Postgres) UpdateDocument(ctx context.Context, collection, id string, patch any) (*Document, error) {
	data, err := marshalObject(patch)
	if err != nil {
		return nil, err
	}
	d := Document{ID: id, Collection: collection}
	err = p.db.QueryRow(ctx, `
		UPDATE documents SET data = data || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND id = $2
		RETURNING data, created_at, updated_at`,
		collection, id, string(data),
	).Scan(&d.Data, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err, "update document")
	}
	return &d, nil
}

const userCols = `id, name, email, phone, phone_verified, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PhoneVerified, &u.CreatedAt)
	return &u, err
}

func (p *Postgres) ListUsers(ctx context.Context, queries ...Query) (*UserList, error) {
	sql, args, err := buildUserQuery(queries)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	list := &UserList{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		list.Users = append(list.Users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	list.Total = len(list.Users)
	return list, nil
}

func (p *Postgres) CreateUser(ctx context.Context, id, email, phone string, phoneVerified *bool, name string) (*User, error) {
	verified := false
	if phoneVerified != nil {
		verified = *phoneVerified
	}
	u, err := scanUser(p.db.QueryRow(ctx, `
		INSERT INTO users (id, name, email, phone, phone_verified)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+userCols,
		id, name, email, phone, verified))
	if err != nil {
		return nil, mapPgError(err, "create user")
	}
	return u, nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(p.db.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err, "get user")
	}
	return u, nil
}

// -- SQL building --

func documentColumn(attr string, args *[]any) string {
	switch attr {
	case AttrID:
		return "id"
	case AttrCreatedAt:
		return "created_at"
	case AttrUpdatedAt:
		return "updated_at"
	}
	*args = append(*args, attr)
	return fmt.Sprintf("data->>($%d::text)", len(*args))
}

func documentWhere(collection string, queries []Query) (string, []any, error) {
	if err := checkQueries(queries); err != nil {
		return "", nil, err
	}
	args := []any{collection}
	conds := []string{"collection = $1"}
	for _, q := range queries {
		if q.Kind != QueryEqual {
			continue
		}
		if q.Attribute == AttrCreatedAt || q.Attribute == AttrUpdatedAt {
			return "", nil, fmt.Errorf("gateway: equality on %s is not supported", q.Attribute)
		}
		col := documentColumn(q.Attribute, &args)
		args = append(args, q.Values)
		conds = append(conds, fmt.Sprintf("%s = ANY($%d)", col, len(args)))
	}
	return strings.Join(conds, " AND "), args, nil
}

func buildDocumentQuery(collection string, queries []Query) (string, []any, error) {
	where, args, err := documentWhere(collection, queries)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT id, data, created_at, updated_at, COUNT(*) OVER() FROM documents WHERE ")
	b.WriteString(where)

	var orders []string
	for _, q := range queries {
		switch q.Kind {
		case QueryOrderDesc:
			orders = append(orders, documentColumn(q.Attribute, &args)+" DESC")
		case QueryOrderAsc:
			orders = append(orders, documentColumn(q.Attribute, &args)+" ASC")
		}
	}
	orders = append(orders, "created_at ASC", "id ASC")
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(orders, ", "))

	if n, ok := limitOf(queries); ok {
		args = append(args, n)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args, nil
}

var userColumns = map[string]string{
	AttrID:        "id",
	AttrCreatedAt: "created_at",
	"name":        "name",
	"email":       "email",
	"phone":       "phone",
}

func buildUserQuery(queries []Query) (string, []any, error) {
	if err := checkQueries(queries); err != nil {
		return "", nil, err
	}
	var args []any
	var conds, orders []string
	for _, q := range queries {
		col, ok := userColumns[q.Attribute]
		if q.Kind != QueryLimit && !ok {
			return "", nil, fmt.Errorf("gateway: unsupported user attribute %q", q.Attribute)
		}
		switch q.Kind {
		case QueryEqual:
			args = append(args, q.Values)
			conds = append(conds, fmt.Sprintf("%s = ANY($%d)", col, len(args)))
		case QueryOrderDesc:
			orders = append(orders, col+" DESC")
		case QueryOrderAsc:
			orders = append(orders, col+" ASC")
		}
	}

	var b strings.Builder
	b.WriteString("SELECT " + userCols + " FROM users")
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	orders = append(orders, "created_at ASC", "id ASC")
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(orders, ", "))
	if n, ok := limitOf(queries); ok {
		args = append(args, n)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args, nil
}

func hasLimit(queries []Query) bool {
	_, ok := limitOf(queries)
	return ok
}
