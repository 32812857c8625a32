package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apptFields struct {
	Status  string `json:"status"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason,omitempty"`
	Counter int    `json:"counter,omitempty"`
}

func steppingClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestMemory() *Memory {
	m := NewMemory()
	m.SetClock(steppingClock(time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)))
	return m
}

func TestMemory_CreateGetDocument(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	created, err := m.CreateDocument(ctx, "appointments", "a1", apptFields{Status: "pending", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "a1", created.ID)
	assert.Equal(t, "appointments", created.Collection)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := m.GetDocument(ctx, "appointments", "a1")
	require.NoError(t, err)
	var f apptFields
	require.NoError(t, got.Decode(&f))
	assert.Equal(t, "pending", f.Status)

	_, err = m.CreateDocument(ctx, "appointments", "a1", apptFields{})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = m.GetDocument(ctx, "appointments", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetDocument(ctx, "patients", "a1")
	assert.ErrorIs(t, err, ErrNotFound, "collections are isolated")
}

func TestMemory_RejectsNonObjectFields(t *testing.T) {
	m := newTestMemory()
	_, err := m.CreateDocument(context.Background(), "c", "x", []string{"a"})
	assert.Error(t, err)
	_, err = m.CreateDocument(context.Background(), "c", "y", json.RawMessage(`"str"`))
	assert.Error(t, err)
}

func TestMemory_ListOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := m.CreateDocument(ctx, "appointments", id, apptFields{Status: "pending", UserID: "u-" + id})
		require.NoError(t, err)
	}
	_, err := m.CreateDocument(ctx, "appointments", "a4", apptFields{Status: "scheduled", UserID: "u-a1"})
	require.NoError(t, err)

	list, err := m.ListDocuments(ctx, "appointments", OrderDesc(AttrCreatedAt))
	require.NoError(t, err)
	assert.Equal(t, 4, list.Total)
	ids := make([]string, 0, len(list.Documents))
	for _, d := range list.Documents {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"a4", "a3", "a2", "a1"}, ids)

	list, err = m.ListDocuments(ctx, "appointments", Equal("userId", "u-a1"))
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)

	list, err = m.ListDocuments(ctx, "appointments", Equal("status", "scheduled", "cancelled"))
	require.NoError(t, err)
	require.Len(t, list.Documents, 1)
	assert.Equal(t, "a4", list.Documents[0].ID)

	list, err = m.ListDocuments(ctx, "appointments", OrderDesc(AttrCreatedAt), Limit(2))
	require.NoError(t, err)
	assert.Equal(t, 4, list.Total, "total ignores the limit")
	assert.Len(t, list.Documents, 2)

	list, err = m.ListDocuments(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, 0, list.Total)
	assert.NotNil(t, list.Documents)
}

func TestMemory_ListRejectsBadAttribute(t *testing.T) {
	m := newTestMemory()
	_, err := m.ListDocuments(context.Background(), "c", Equal("data'; DROP", "x"))
	assert.Error(t, err)
}

func TestMemory_UpdateMerges(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	created, err := m.CreateDocument(ctx, "appointments", "a1", apptFields{Status: "pending", UserID: "u1", Reason: "checkup"})
	require.NoError(t, err)

	updated, err := m.UpdateDocument(ctx, "appointments", "a1", map[string]any{"status": "cancelled", "cancellationReason": "sick"})
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	var merged map[string]any
	require.NoError(t, updated.Decode(&merged))
	assert.Equal(t, "cancelled", merged["status"])
	assert.Equal(t, "sick", merged["cancellationReason"])
	assert.Equal(t, "checkup", merged["reason"], "untouched keys survive")
	assert.Equal(t, "u1", merged["userId"])

	_, err = m.UpdateDocument(ctx, "appointments", "nope", map[string]any{"status": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Users(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	verified := true
	u, err := m.CreateUser(ctx, "u1", "jane@example.com", "+15555550100", &verified, "Jane")
	require.NoError(t, err)
	assert.True(t, u.PhoneVerified)

	_, err = m.CreateUser(ctx, "u1", "other@example.com", "+15555550199", nil, "Other")
	assert.ErrorIs(t, err, ErrConflict)

	list, err := m.ListUsers(ctx, Equal("email", "jane@example.com"))
	require.NoError(t, err)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "u1", list.Users[0].ID)

	list, err = m.ListUsers(ctx, Equal("phone", "+19999999999"))
	require.NoError(t, err)
	assert.Equal(t, 0, list.Total)

	got, err := m.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Jane", got.Name)

	_, err = m.GetUser(ctx, "u2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuildDocumentQuery(t *testing.T) {
	sql, args, err := buildDocumentQuery("patients", []Query{Equal("userId", "u1"), OrderDesc(AttrCreatedAt), Limit(10)})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, data, created_at, updated_at, COUNT(*) OVER() FROM documents "+
			"WHERE collection = $1 AND data->>($2::text) = ANY($3) "+
			"ORDER BY created_at DESC, created_at ASC, id ASC LIMIT $4",
		sql)
	assert.Equal(t, []any{"patients", "userId", []string{"u1"}, 10}, args)
}

func TestBuildDocumentQuery_IDFilter(t *testing.T) {
	sql, args, err := buildDocumentQuery("appointments", []Query{Equal(AttrID, "a1", "a2")})
	require.NoError(t, err)
	assert.Contains(t, sql, "id = ANY($2)")
	assert.Equal(t, []any{"appointments", []string{"a1", "a2"}}, args)

	_, _, err = buildDocumentQuery("appointments", []Query{Equal(AttrCreatedAt, "x")})
	assert.Error(t, err)
}

func TestBuildUserQuery(t *testing.T) {
	sql, args, err := buildUserQuery([]Query{Equal("email", "jane@example.com")})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, name, email, phone, phone_verified, created_at FROM users "+
			"WHERE email = ANY($1) ORDER BY created_at ASC, id ASC",
		sql)
	assert.Equal(t, []any{[]string{"jane@example.com"}}, args)

	_, _, err = buildUserQuery([]Query{Equal("password", "x")})
	assert.Error(t, err)
}
