package appointment

import (
	"context"

	"github.com/carepulse/carepulse/internal/platform/gateway"
)

// Repository persists appointments. Missing records surface as
// gateway.ErrNotFound.
type Repository interface {
	Create(ctx context.Context, id string, f fields) (*Appointment, error)
	Get(ctx context.Context, id string) (*Appointment, error)
	// ListRecent returns every appointment, newest first, and the store's
	// total. A nil slice means the store returned no list at all.
	ListRecent(ctx context.Context) ([]*Appointment, int, error)
	ListByStatus(ctx context.Context, status Status) ([]*Appointment, error)
	Update(ctx context.Context, id string, p patchFields) (*Appointment, error)
}

type documentRepo struct {
	store      gateway.DocumentStore
	collection string
}

// NewRepository stores appointments as documents in collection.
func NewRepository(store gateway.DocumentStore, collection string) Repository {
	return &documentRepo{store: store, collection: collection}
}

func (r *documentRepo) Create(ctx context.Context, id string, f fields) (*Appointment, error) {
	doc, err := r.store.CreateDocument(ctx, r.collection, id, f)
	if err != nil {
		return nil, err
	}
	return fromDocument(doc)
}

func (r *documentRepo) Get(ctx context.Context, id string) (*Appointment, error) {
	doc, err := r.store.GetDocument(ctx, r.collection, id)
	if err != nil {
		return nil, err
	}
	return fromDocument(doc)
}

func (r *documentRepo) ListRecent(ctx context.Context) ([]*Appointment, int, error) {
	list, err := r.store.ListDocuments(ctx, r.collection, gateway.OrderDesc(gateway.AttrCreatedAt))
	if err != nil {
		return nil, 0, err
	}
	if list == nil || list.Documents == nil {
		return nil, 0, nil
	}
	out, err := decodeAll(list.Documents)
	if err != nil {
		return nil, 0, err
	}
	return out, list.Total, nil
}

func (r *documentRepo) ListByStatus(ctx context.Context, status Status) ([]*Appointment, error) {
	list, err := r.store.ListDocuments(ctx, r.collection,
		gateway.Equal("status", string(status)),
		gateway.OrderAsc("schedule"),
	)
	if err != nil {
		return nil, err
	}
	if list == nil {
		return nil, nil
	}
	return decodeAll(list.Documents)
}

func (r *documentRepo) Update(ctx context.Context, id string, p patchFields) (*Appointment, error) {
	doc, err := r.store.UpdateDocument(ctx, r.collection, id, p)
	if err != nil {
		return nil, err
	}
	return fromDocument(doc)
}

func decodeAll(docs []gateway.Document) ([]*Appointment, error) {
	out := make([]*Appointment, 0, len(docs))
	for i := range docs {
		a, err := fromDocument(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
