package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memDoc struct {
	doc Document
	seq uint64
}

type memUser struct {
	user User
	seq  uint64
}

// Memory is an in-process DocumentStore and UserDirectory.
type Memory struct {
	mu    sync.RWMutex
	docs  map[string]map[string]*memDoc
	users map[string]*memUser
	seq   uint64
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs:  make(map[string]map[string]*memDoc),
		users: make(map[string]*memUser),
		now:   time.Now,
	}
}

// SetClock overrides the timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) nextSeq() uint64 {
	m.seq++
	return m.seq
}

func (m *Memory) CreateDocument(ctx context.Context, collection, id string, fields any) (*Document, error) {
	data, err := marshalObject(fields)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.docs[collection]
	if coll == nil {
		coll = make(map[string]*memDoc)
		m.docs[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return nil, fmt.Errorf("document %s/%s: %w", collection, id, ErrConflict)
	}
	now := m.now().UTC()
	d := &memDoc{
		doc: Document{
			ID:         id,
			Collection: collection,
			CreatedAt:  now,
			UpdatedAt:  now,
			Data:       append(json.RawMessage(nil), data...),
		},
		seq: m.nextSeq(),
	}
	coll[id] = d
	out := d.doc
	return &out, nil
}

func (m *Memory) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	out := d.doc
	return &out, nil
}

func (m *Memory) ListDocuments(ctx context.Context, collection string, queries ...Query) (*DocumentList, error) {
	if err := checkQueries(queries); err != nil {
		return nil, err
	}

	m.mu.RLock()
	matched := make([]*memDoc, 0, len(m.docs[collection]))
	for _, d := range m.docs[collection] {
		ok, err := matchDocument(d.doc, queries)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		if ok {
			matched = append(matched, d)
		}
	}
	m.mu.RUnlock()

	sortDocs(matched, queries)

	list := &DocumentList{Total: len(matched), Documents: make([]Document, 0, len(matched))}
	for _, d := range applyLimit(matched, queries) {
		list.Documents = append(list.Documents, d.doc)
	}
	return list, nil
}

func (m *Memory) UpdateDocument(ctx context.Context, collection, id string, patch any) (*Document, error) {
	data, err := marshalObject(patch)
	if err != nil {
		return nil, err
	}
	var delta map[string]json.RawMessage
	if err := json.Unmarshal(data, &delta); err != nil {
		return nil, fmt.Errorf("gateway: decode patch: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	var current map[string]json.RawMessage
	if err := json.Unmarshal(d.doc.Data, &current); err != nil {
		return nil, fmt.Errorf("gateway: decode stored document: %w", err)
	}
	if current == nil {
		current = make(map[string]json.RawMessage)
	}
	for k, v := range delta {
		current[k] = v
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode merged document: %w", err)
	}
	d.doc.Data = merged
	d.doc.UpdatedAt = m.now().UTC()
	out := d.doc
	return &out, nil
}

func (m *Memory) ListUsers(ctx context.Context, queries ...Query) (*UserList, error) {
	if err := checkQueries(queries); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var matched []*memUser
	for _, u := range m.users {
		if matchUser(u.user, queries) {
			matched = append(matched, u)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	list := &UserList{Total: len(matched)}
	for i, u := range matched {
		if n, ok := limitOf(queries); ok && i >= n {
			break
		}
		list.Users = append(list.Users, u.user)
	}
	return list, nil
}

func (m *Memory) CreateUser(ctx context.Context, id, email, phone string, phoneVerified *bool, name string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[id]; exists {
		return nil, fmt.Errorf("user %s: %w", id, ErrConflict)
	}
	u := User{
		ID:        id,
		Name:      name,
		Email:     email,
		Phone:     phone,
		CreatedAt: m.now().UTC(),
	}
	if phoneVerified != nil {
		u.PhoneVerified = *phoneVerified
	}
	m.users[id] = &memUser{user: u, seq: m.nextSeq()}
	return &u, nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := u.user
	return &out, nil
}

// -- query evaluation --

func matchDocument(d Document, queries []Query) (bool, error) {
	var fields map[string]any
	for _, q := range queries {
		if q.Kind != QueryEqual {
			continue
		}
		var actual string
		var present bool
		switch q.Attribute {
		case AttrID:
			actual, present = d.ID, true
		case AttrCreatedAt, AttrUpdatedAt:
			return false, fmt.Errorf("gateway: equality on %s is not supported", q.Attribute)
		default:
			if fields == nil {
				if err := json.Unmarshal(d.Data, &fields); err != nil {
					return false, fmt.Errorf("gateway: decode document %s: %w", d.ID, err)
				}
			}
			actual, present = scalarString(fields[q.Attribute])
		}
		if !present || !contains(q.Values, actual) {
			return false, nil
		}
	}
	return true, nil
}

func matchUser(u User, queries []Query) bool {
	for _, q := range queries {
		if q.Kind != QueryEqual {
			continue
		}
		var actual string
		switch q.Attribute {
		case AttrID:
			actual = u.ID
		case "email":
			actual = u.Email
		case "phone":
			actual = u.Phone
		case "name":
			actual = u.Name
		default:
			return false
		}
		if !contains(q.Values, actual) {
			return false
		}
	}
	return true
}

// scalarString renders a decoded JSON scalar the way Postgres' ->> does.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case float64:
		b, _ := json.Marshal(t)
		return string(b), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func sortDocs(docs []*memDoc, queries []Query) {
	var order *Query
	for i := range queries {
		if queries[i].Kind == QueryOrderDesc || queries[i].Kind == QueryOrderAsc {
			order = &queries[i]
			break
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if order == nil {
			return docs[i].seq < docs[j].seq
		}
		c := compareAttr(docs[i], docs[j], order.Attribute)
		if c == 0 {
			c = cmpSeq(docs[i].seq, docs[j].seq)
		}
		if order.Kind == QueryOrderDesc {
			return c > 0
		}
		return c < 0
	})
}

func compareAttr(a, b *memDoc, attr string) int {
	switch attr {
	case AttrCreatedAt:
		return a.doc.CreatedAt.Compare(b.doc.CreatedAt)
	case AttrUpdatedAt:
		return a.doc.UpdatedAt.Compare(b.doc.UpdatedAt)
	case AttrID:
		return cmpString(a.doc.ID, b.doc.ID)
	}
	av := fieldString(a.doc, attr)
	bv := fieldString(b.doc, attr)
	return cmpString(av, bv)
}

func fieldString(d Document, attr string) string {
	var fields map[string]any
	if err := json.Unmarshal(d.Data, &fields); err != nil {
		return ""
	}
	s, _ := scalarString(fields[attr])
	return s
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func limitOf(queries []Query) (int, bool) {
	for _, q := range queries {
		if q.Kind == QueryLimit && q.Limit > 0 {
			return q.Limit, true
		}
	}
	return 0, false
}

func applyLimit(docs []*memDoc, queries []Query) []*memDoc {
	if n, ok := limitOf(queries); ok && n < len(docs) {
		return docs[:n]
	}
	return docs
}
