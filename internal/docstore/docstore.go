// Package docstore defines the transactional document store contract the
// ledger runs on: path-addressed JSON documents, optimistic transactions,
// bounded write batches and simple equality queries.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"housecup.org/internal/ids"
)

const (
	// MaxBatchWrites is the hard cap on operations in one batch commit.
	MaxBatchWrites = 500
	// MaxTransactionWrites is the hard cap on writes buffered by one transaction.
	MaxTransactionWrites = 500
	// DefaultMaxAttempts bounds optimistic transaction retries.
	DefaultMaxAttempts = 5
)

var (
	ErrNotFound   = errors.New("docstore: document not found")
	ErrConflict   = errors.New("docstore: transaction conflict")
	ErrBatchFull  = errors.New("docstore: batch is full")
	ErrTxTooLarge = errors.New("docstore: too many writes in transaction")
	ErrInvalidRef = errors.New("docstore: invalid document path")
)

// Data is the field map of one document.
type Data map[string]any

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, ref Ref) (*Snapshot, error)
	Set(ctx context.Context, ref Ref, data Data, merge bool) error
	Update(ctx context.Context, ref Ref, data Data) error
	Delete(ctx context.Context, ref Ref) error
	Query(ctx context.Context, q Query) ([]*Snapshot, error)
	// RunTransaction runs fn until it commits without conflicting with a
	// concurrent writer, or until the attempt budget is spent. Errors
	// returned by fn abort the transaction and are returned unchanged.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Batch() *WriteBatch
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the view of the store inside a transaction. Reads see committed
// state; writes are buffered and applied atomically at commit.
type Tx interface {
	Get(ctx context.Context, ref Ref) (*Snapshot, error)
	Query(ctx context.Context, q Query) ([]*Snapshot, error)
	Set(ref Ref, data Data, merge bool) error
	Update(ref Ref, data Data) error
	Delete(ref Ref) error
}

// Ref addresses a single document by its slash separated path, for example
// "users/abc/point_history/xyz".
type Ref struct {
	Path string
}

// Doc returns the ref of document id inside collection.
func Doc(collection, id string) Ref {
	return Ref{Path: collection + "/" + id}
}

// ID is the last path segment.
func (r Ref) ID() string {
	if i := strings.LastIndexByte(r.Path, '/'); i >= 0 {
		return r.Path[i+1:]
	}
	return r.Path
}

// Parent is the collection holding the document.
func (r Ref) Parent() Collection {
	if i := strings.LastIndexByte(r.Path, '/'); i >= 0 {
		return Collection{Path: r.Path[:i]}
	}
	return Collection{}
}

// Collection returns a subcollection nested under the document.
func (r Ref) Collection(name string) Collection {
	return Collection{Path: r.Path + "/" + name}
}

// Validate reports whether the path names a document rather than a collection.
func (r Ref) Validate() error {
	segs := strings.Split(r.Path, "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return fmt.Errorf("%w: %q", ErrInvalidRef, r.Path)
	}
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("%w: %q", ErrInvalidRef, r.Path)
		}
	}
	return nil
}

func (r Ref) String() string { return r.Path }

// Collection addresses a set of sibling documents.
type Collection struct {
	Path string
}

// Doc returns the ref of document id in the collection.
func (c Collection) Doc(id string) Ref {
	return Ref{Path: c.Path + "/" + id}
}

// NewDoc returns a ref with a fresh sortable id.
func (c Collection) NewDoc() Ref {
	return c.Doc(ids.New())
}

// Query starts an unfiltered query over the collection.
func (c Collection) Query() Query {
	return Query{Collection: c.Path}
}

// Snapshot is the state of one document as read from the store.
type Snapshot struct {
	Ref        Ref
	Exists     bool
	Data       Data
	UpdateTime time.Time
	// Version changes on every committed write of the document.
	Version int64
}

// DataTo decodes the document fields into v using their JSON names.
func (s *Snapshot) DataTo(v any) error {
	if !s.Exists {
		return fmt.Errorf("%w: %s", ErrNotFound, s.Ref)
	}
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.Ref, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.Ref, err)
	}
	return nil
}
