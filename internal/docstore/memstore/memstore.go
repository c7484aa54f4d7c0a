// Package memstore is an in-process docstore backend with optimistic
// transactions. It backs tests and single-node development runs.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"housecup.org/internal/docstore"
)

type entry struct {
	data    docstore.Data
	version int64
	updated time.Time
}

// Store keeps every document in memory.
type Store struct {
	mu      sync.RWMutex
	docs    map[string]*entry
	seq     int64
	lastTS  time.Time
	clock   func() time.Time
	attempt int
	limit   int

	// beforeCommit, when set, runs between the body of a transaction and
	// its commit.
	beforeCommit func()
}

var _ docstore.Store = (*Store)(nil)

type Option func(*Store)

// WithClock overrides the source of server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.clock = now }
}

// WithMaxAttempts bounds transaction retries.
func WithMaxAttempts(n int) Option {
	return func(s *Store) { s.attempt = n }
}

// WithBatchLimit lowers the per-batch write cap.
func WithBatchLimit(n int) Option {
	return func(s *Store) { s.limit = n }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:    make(map[string]*entry),
		clock:   time.Now,
		attempt: docstore.DefaultMaxAttempts,
		limit:   docstore.MaxBatchWrites,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// now returns a strictly increasing server time. Callers hold s.mu.
func (s *Store) now() time.Time {
	t := s.clock().UTC()
	if !t.After(s.lastTS) {
		t = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = t
	return t
}

func (s *Store) snapshot(ref docstore.Ref) *docstore.Snapshot {
	e, ok := s.docs[ref.Path]
	if !ok {
		return &docstore.Snapshot{Ref: ref}
	}
	return &docstore.Snapshot{
		Ref:        ref,
		Exists:     true,
		Data:       docstore.CloneData(e.data),
		UpdateTime: e.updated,
		Version:    e.version,
	}
}

func (s *Store) Get(ctx context.Context, ref docstore.Ref) (*docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(ref), nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]*docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := q.Compile()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.Apply(s.children(q.Collection)), nil
}

func (s *Store) children(collection string) []*docstore.Snapshot {
	prefix := collection + "/"
	var out []*docstore.Snapshot
	for path := range s.docs {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, s.snapshot(docstore.Ref{Path: path}))
	}
	return out
}

func (s *Store) Set(ctx context.Context, ref docstore.Ref, data docstore.Data, merge bool) error {
	kind := docstore.WriteSet
	if merge {
		kind = docstore.WriteMerge
	}
	return s.writeOne(ctx, kind, ref, data)
}

func (s *Store) Update(ctx context.Context, ref docstore.Ref, data docstore.Data) error {
	return s.writeOne(ctx, docstore.WriteUpdate, ref, data)
}

func (s *Store) Delete(ctx context.Context, ref docstore.Ref) error {
	return s.writeOne(ctx, docstore.WriteDelete, ref, nil)
}

func (s *Store) writeOne(ctx context.Context, kind docstore.WriteKind, ref docstore.Ref, data docstore.Data) error {
	w, err := docstore.NewWrite(kind, ref, data)
	if err != nil {
		return err
	}
	return s.apply(ctx, nil, []docstore.Write{w})
}

func (s *Store) Batch() *docstore.WriteBatch {
	return docstore.NewWriteBatch(s.limit, func(ctx context.Context, writes []docstore.Write) error {
		return s.apply(ctx, nil, writes)
	})
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return docstore.RunWithRetry(ctx, s.attempt, func(ctx context.Context) error {
		tx := &transaction{store: s, state: docstore.NewTxState()}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if s.beforeCommit != nil {
			s.beforeCommit()
		}
		return s.apply(ctx, tx.state.Reads, tx.state.Writes)
	})
}

// apply validates reads and installs writes atomically. All writes are
// staged first so a failing write leaves the store untouched.
func (s *Store) apply(ctx context.Context, reads map[string]int64, writes []docstore.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, version := range reads {
		var current int64
		if e, ok := s.docs[path]; ok {
			current = e.version
		}
		if current != version {
			return docstore.Retryable(fmt.Errorf("%s changed since read", path))
		}
	}

	now := s.now()
	staged := make(map[string]*entry)
	for _, w := range writes {
		cur, ok := staged[w.Ref.Path]
		if !ok {
			cur = s.docs[w.Ref.Path]
		}
		var data docstore.Data
		if cur != nil {
			data = cur.data
		}
		next, exists, err := docstore.ApplyWrite(data, cur != nil, w, now)
		if err != nil {
			return err
		}
		if !exists {
			staged[w.Ref.Path] = nil
			continue
		}
		staged[w.Ref.Path] = &entry{data: next, updated: now}
	}
	for path, e := range staged {
		if e == nil {
			delete(s.docs, path)
			continue
		}
		s.seq++
		e.version = s.seq
		s.docs[path] = e
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// Len reports the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

type transaction struct {
	store *Store
	state *docstore.TxState
}

func (t *transaction) Get(ctx context.Context, ref docstore.Ref) (*docstore.Snapshot, error) {
	if err := t.state.BeforeRead(); err != nil {
		return nil, err
	}
	snap, err := t.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	t.state.RecordRead(snap)
	return snap, nil
}

func (t *transaction) Query(ctx context.Context, q docstore.Query) ([]*docstore.Snapshot, error) {
	if err := t.state.BeforeRead(); err != nil {
		return nil, err
	}
	snaps, err := t.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, s := range snaps {
		t.state.RecordRead(s)
	}
	return snaps, nil
}

func (t *transaction) Set(ref docstore.Ref, data docstore.Data, merge bool) error {
	return t.state.Set(ref, data, merge)
}

func (t *transaction) Update(ref docstore.Ref, data docstore.Data) error {
	return t.state.Update(ref, data)
}

func (t *transaction) Delete(ref docstore.Ref) error {
	return t.state.Delete(ref)
}
