package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/hotelier/core/csql"
)

// Object is implemented by the Go types stored with Typed. DocumentMeta points
// to the fields holding the primary id, the creation time and the revision.
// DocumentColumns returns the values of the searchable properties and the
// external index.
type Object interface {
	DocumentMeta() (id *uuid.UUID, createdAt *time.Time, revision *int)
	DocumentColumns() map[string]string
}

// Typed stores values of type T in a collection. P is *T.
type Typed[T any, P interface {
	*T
	Object
}] struct {
	*Collection
}

// NewTyped returns a typed view of the collection
func NewTyped[T any, P interface {
	*T
	Object
}](c *Collection) Typed[T, P] {
	return Typed[T, P]{Collection: c}
}

// Encode converts v into a document
func (t Typed[T, P]) Encode(v P) (Document, error) {
	id, createdAt, revision := v.DocumentMeta()
	properties, err := json.Marshal(v)
	if err != nil {
		return Document{}, fmt.Errorf("cannot marshal %s: %w", t.Resource(), err)
	}
	return Document{
		ID:         *id,
		Timestamp:  *createdAt,
		Revision:   *revision,
		Properties: properties,
		Columns:    v.DocumentColumns(),
	}, nil
}

// Decode converts a document into a value
func (t Typed[T, P]) Decode(doc Document) (P, error) {
	v := P(new(T))
	if err := json.Unmarshal(doc.Properties, v); err != nil {
		return nil, fmt.Errorf("cannot unmarshal %s: %w", t.Resource(), err)
	}
	id, createdAt, revision := v.DocumentMeta()
	*id, *createdAt, *revision = doc.ID, doc.Timestamp, doc.Revision
	return v, nil
}

func (t Typed[T, P]) decodeAll(docs []Document) ([]T, error) {
	values := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := t.Decode(doc)
		if err != nil {
			return nil, err
		}
		values = append(values, *v)
	}
	return values, nil
}

// InsertObject stores v. A nil id and a zero creation time are filled in and
// written back to v together with the revision.
func (t Typed[T, P]) InsertObject(ctx context.Context, q csql.Querier, v P) error {
	id, createdAt, revision := v.DocumentMeta()
	if *id == uuid.Nil {
		*id = uuid.New()
	}
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
	*revision = 1
	doc, err := t.Encode(v)
	if err != nil {
		return err
	}
	doc, err = t.Insert(ctx, q, doc)
	if err != nil {
		return err
	}
	*revision = doc.Revision
	return nil
}

// UpdateObject writes v back. If v's revision is not zero, it must match the stored one.
func (t Typed[T, P]) UpdateObject(ctx context.Context, q csql.Querier, v P) error {
	doc, err := t.Encode(v)
	if err != nil {
		return err
	}
	doc, err = t.Update(ctx, q, doc)
	if err != nil {
		return err
	}
	_, createdAt, revision := v.DocumentMeta()
	*createdAt, *revision = doc.Timestamp, doc.Revision
	return nil
}

// ReadObject reads the value with the given id
func (t Typed[T, P]) ReadObject(ctx context.Context, q csql.Querier, id uuid.UUID) (P, error) {
	doc, err := t.Read(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return t.Decode(doc)
}

// ReadObjectForUpdate reads the value and locks its row until the transaction ends
func (t Typed[T, P]) ReadObjectForUpdate(ctx context.Context, q csql.Querier, id uuid.UUID) (P, error) {
	doc, err := t.ReadForUpdate(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return t.Decode(doc)
}

// ReadObjectByExternalIndex reads the value whose external index equals value
func (t Typed[T, P]) ReadObjectByExternalIndex(ctx context.Context, q csql.Querier, value string) (P, error) {
	doc, err := t.ReadByExternalIndex(ctx, q, value)
	if err != nil {
		return nil, err
	}
	return t.Decode(doc)
}

// ListObjects returns one page of values
func (t Typed[T, P]) ListObjects(ctx context.Context, q csql.Querier, opts ListOptions) ([]T, Pagination, error) {
	docs, pagination, err := t.List(ctx, q, opts)
	if err != nil {
		return nil, pagination, err
	}
	values, err := t.decodeAll(docs)
	return values, pagination, err
}

// SelectObjects returns all values matching the filters, oldest first
func (t Typed[T, P]) SelectObjects(ctx context.Context, q csql.Querier, forUpdate bool, filters ...Filter) ([]T, error) {
	docs, err := t.Select(ctx, q, forUpdate, filters...)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(docs)
}
