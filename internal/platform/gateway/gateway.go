// Package gateway is the persistence boundary of the service: a document
// store, a user directory and the query model they share. Two backends
// implement it, PostgreSQL for deployments and an in-memory store for
// development and tests.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a document or user does not exist.
	ErrNotFound = errors.New("gateway: not found")
	// ErrConflict is returned when an id is already taken.
	ErrConflict = errors.New("gateway: already exists")
)

// System attributes usable in queries alongside document fields.
const (
	AttrID        = "$id"
	AttrCreatedAt = "$createdAt"
	AttrUpdatedAt = "$updatedAt"
)

// NewID returns a fresh unique identifier.
func NewID() string {
	return uuid.NewString()
}

// Document is a stored record. Data holds the JSON object of its fields.
type Document struct {
	ID         string          `json:"$id"`
	Collection string          `json:"$collectionId"`
	CreatedAt  time.Time       `json:"$createdAt"`
	UpdatedAt  time.Time       `json:"$updatedAt"`
	Data       json.RawMessage `json:"data"`
}

// Decode unmarshals the document fields into v.
func (d *Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode document %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

// DocumentList is a query result. Total counts every match, independent of
// any limit.
type DocumentList struct {
	Total     int
	Documents []Document
}

// User is a user directory entry.
type User struct {
	ID            string    `json:"$id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	PhoneVerified bool      `json:"phoneVerification"`
	CreatedAt     time.Time `json:"$createdAt"`
}

type UserList struct {
	Total int
	Users []User
}

// DocumentStore persists documents grouped by collection.
type DocumentStore interface {
	CreateDocument(ctx context.Context, collection, id string, fields any) (*Document, error)
	GetDocument(ctx context.Context, collection, id string) (*Document, error)
	ListDocuments(ctx context.Context, collection string, queries ...Query) (*DocumentList, error)
	// UpdateDocument merges patch into the stored fields. Keys absent from
	// patch keep their value.
	UpdateDocument(ctx context.Context, collection, id string, patch any) (*Document, error)
}

// UserDirectory stores users.
type UserDirectory interface {
	ListUsers(ctx context.Context, queries ...Query) (*UserList, error)
	CreateUser(ctx context.Context, id, email, phone string, phoneVerified *bool, name string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
}

// QueryKind enumerates supported query clauses.
type QueryKind int

const (
	QueryEqual QueryKind = iota + 1
	QueryOrderDesc
	QueryOrderAsc
	QueryLimit
)

// Query is one filter, order or limit clause.
type Query struct {
	Kind      QueryKind
	Attribute string
	Values    []string
	Limit     int
}

// Equal matches records whose attribute equals any of values.
func Equal(attr string, values ...string) Query {
	return Query{Kind: QueryEqual, Attribute: attr, Values: values}
}

func OrderDesc(attr string) Query {
	return Query{Kind: QueryOrderDesc, Attribute: attr}
}

func OrderAsc(attr string) Query {
	return Query{Kind: QueryOrderAsc, Attribute: attr}
}

func Limit(n int) Query {
	return Query{Kind: QueryLimit, Limit: n}
}

var attrPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validAttribute(attr string) bool {
	switch attr {
	case AttrID, AttrCreatedAt, AttrUpdatedAt:
		return true
	}
	return attrPattern.MatchString(attr)
}

func checkQueries(queries []Query) error {
	for _, q := range queries {
		switch q.Kind {
		case QueryEqual, QueryOrderDesc, QueryOrderAsc:
			if !validAttribute(q.Attribute) {
				return fmt.Errorf("gateway: invalid query attribute %q", q.Attribute)
			}
		case QueryLimit:
			if q.Limit < 0 {
				return fmt.Errorf("gateway: negative limit %d", q.Limit)
			}
		default:
			return fmt.Errorf("gateway: unsupported query kind %d", q.Kind)
		}
	}
	return nil
}

// marshalObject encodes fields as a JSON object.
func marshalObject(fields any) (json.RawMessage, error) {
	if fields == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := fields.(json.RawMessage); ok {
		var probe map[string]any
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("gateway: fields must be a JSON object: %w", err)
		}
		return raw, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode fields: %w", err)
	}
	if len(b) == 0 || b[0] != '{' {
		return nil, fmt.Errorf("gateway: fields must encode to a JSON object")
	}
	return b, nil
}
