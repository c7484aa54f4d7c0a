// Package sqlstore implements the docstore contract on a single SQL table,
// for PostgreSQL (pgx) and SQLite (modernc).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"housecup.org/internal/docstore"
	"housecup.org/internal/migrate"
)

const (
	selectDoc   = `select data, version, update_time from documents where path = ?`
	selectChild = `select path, data, version, update_time from documents where parent = ?`
	upsertDoc   = `insert into documents (path, parent, data, version, update_time) values (?, ?, ?, ?, ?)
		on conflict (path) do update set data = excluded.data, version = excluded.version, update_time = excluded.update_time`
	deleteDoc = `delete from documents where path = ?`
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store keeps documents in the documents table.
type Store struct {
	db       *sql.DB
	d        Dialect
	attempts int
	limit    int
	clock    func() time.Time
	fixed    bool

	mu     sync.Mutex
	lastTS time.Time
}

var _ docstore.Store = (*Store)(nil)

type Option func(*Store)

func WithMaxAttempts(n int) Option { return func(s *Store) { s.attempts = n } }

func WithBatchLimit(n int) Option { return func(s *Store) { s.limit = n } }

// WithClock replaces the commit clock, including the database clock the
// Postgres dialect reads by default.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.clock, s.fixed = now, true }
}

// New wraps an open database whose schema is already migrated.
func New(db *sql.DB, d Dialect, opts ...Option) *Store {
	s := &Store{
		db:       db,
		d:        d,
		attempts: docstore.DefaultMaxAttempts,
		limit:    docstore.MaxBatchWrites,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn, applies pending migrations and returns the store.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	d, ok := DialectFor(driver)
	if !ok {
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if d.Name == migrate.SQLite {
		// one writer; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	mgr, err := migrate.NewManager(db, d.Name)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := mgr.Up(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, d, opts...), nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// commitTime stamps the writes of one commit. Dialects with a nowQuery take
// it from the database so every writer shares one clock.
func (s *Store) commitTime(ctx context.Context, q queryer) (time.Time, error) {
	if s.d.nowQuery == "" || s.fixed {
		return s.monotonic(s.clock()), nil
	}
	var t time.Time
	if err := q.QueryRowContext(ctx, s.d.nowQuery).Scan(&t); err != nil {
		return time.Time{}, s.wrap(fmt.Errorf("read commit time: %w", err))
	}
	return s.monotonic(t), nil
}

func (s *Store) monotonic(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t = t.UTC()
	if !t.After(s.lastTS) {
		t = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = t
	return t
}

// wrap marks backend serialization failures as retryable conflicts.
func (s *Store) wrap(err error) error {
	if err != nil && s.d.retryable(err) {
		return docstore.Retryable(err)
	}
	return err
}

func (s *Store) txOptions() *sql.TxOptions {
	if s.d.Name == migrate.Postgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ref docstore.Ref) (*docstore.Snapshot, error) {
	return s.get(ctx, s.db, ref, false)
}

func (s *Store) get(ctx context.Context, q queryer, ref docstore.Ref, lock bool) (*docstore.Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	query := selectDoc
	if lock {
		query += s.d.forUpdate
	}
	var (
		raw     []byte
		version int64
		updated string
	)
	err := q.QueryRowContext(ctx, s.d.rebind(query), ref.Path).Scan(&raw, &version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &docstore.Snapshot{Ref: ref}, nil
	}
	if err != nil {
		return nil, s.wrap(fmt.Errorf("get %s: %w", ref, err))
	}
	return decodeRow(ref, raw, version, updated)
}

func decodeRow(ref docstore.Ref, raw []byte, version int64, updated string) (*docstore.Snapshot, error) {
	data, err := docstore.DecodeData(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", ref, err)
	}
	ts, err := time.Parse(docstore.TimeFormat, updated)
	if err != nil {
		return nil, fmt.Errorf("decode %s update time: %w", ref, err)
	}
	return &docstore.Snapshot{Ref: ref, Exists: true, Data: data, UpdateTime: ts, Version: version}, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]*docstore.Snapshot, error) {
	return s.query(ctx, s.db, q)
}

// query pushes string equality filters down to SQL and applies the full
// query, including ordering and limit, to the rows returned.
func (s *Store) query(ctx context.Context, qr queryer, q docstore.Query) ([]*docstore.Snapshot, error) {
	c, err := q.Compile()
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString(selectChild)
	args := []any{q.Collection}
	for i, f := range c.Filters {
		vals, ok := stringValues(c.Values(i))
		if !ok || len(vals) == 0 {
			continue
		}
		sb.WriteString(" and ")
		sb.WriteString(s.d.jsonField(f.Field))
		if len(vals) == 1 {
			sb.WriteString(" = ?")
		} else {
			sb.WriteString(" in (")
			sb.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", "))
			sb.WriteString(")")
		}
		for _, v := range vals {
			args = append(args, v)
		}
	}

	rows, err := qr.QueryContext(ctx, s.d.rebind(sb.String()), args...)
	if err != nil {
		return nil, s.wrap(fmt.Errorf("query %s: %w", q.Collection, err))
	}
	defer rows.Close()

	var snaps []*docstore.Snapshot
	for rows.Next() {
		var (
			path    string
			raw     []byte
			version int64
			updated string
		)
		if err := rows.Scan(&path, &raw, &version, &updated); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Collection, err)
		}
		snap, err := decodeRow(docstore.Ref{Path: path}, raw, version, updated)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(fmt.Errorf("query %s: %w", q.Collection, err))
	}
	return c.Apply(snaps), nil
}

func stringValues(vals []any) ([]string, bool) {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, str)
	}
	return out, true
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
	return docstore.RunWithRetry(ctx, s.attempts, func(ctx context.Context) error {
		return s.commitWrites(ctx, []docstore.Write{w})
	})
}

func (s *Store) Batch() *docstore.WriteBatch {
	return docstore.NewWriteBatch(s.limit, s.commitWrites)
}

// commitWrites applies writes in one database transaction without read validation.
func (s *Store) commitWrites(ctx context.Context, writes []docstore.Write) error {
	tx, err := s.db.BeginTx(ctx, s.txOptions())
	if err != nil {
		return s.wrap(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.apply(ctx, tx, nil, writes); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return docstore.RunWithRetry(ctx, s.attempts, func(ctx context.Context) error {
		sqlTx, err := s.db.BeginTx(ctx, s.txOptions())
		if err != nil {
			return s.wrap(fmt.Errorf("begin: %w", err))
		}
		defer func() { _ = sqlTx.Rollback() }()

		tx := &transaction{store: s, tx: sqlTx, state: docstore.NewTxState()}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := s.apply(ctx, sqlTx, tx.state.Reads, tx.state.Writes); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return s.wrap(fmt.Errorf("commit: %w", err))
		}
		return nil
	})
}

type row struct {
	data    docstore.Data
	version int64
	exists  bool
	dirty   bool
}

// apply locks every touched row, checks that reads are unchanged and then
// writes the resulting documents.
func (s *Store) apply(ctx context.Context, q queryer, reads map[string]int64, writes []docstore.Write) error {
	if len(writes) == 0 {
		return nil
	}
	paths := (&docstore.TxState{Reads: reads, Writes: writes}).Paths()
	rows := make(map[string]*row, len(paths))
	for _, p := range paths {
		snap, err := s.get(ctx, q, docstore.Ref{Path: p}, true)
		if err != nil {
			return err
		}
		rows[p] = &row{data: snap.Data, version: snap.Version, exists: snap.Exists}
	}
	for p, version := range reads {
		r := rows[p]
		current := r.version
		if !r.exists {
			current = 0
		}
		if current != version {
			return docstore.Retryable(fmt.Errorf("%s changed since read", p))
		}
	}

	now, err := s.commitTime(ctx, q)
	if err != nil {
		return err
	}
	for _, w := range writes {
		r := rows[w.Ref.Path]
		next, exists, err := docstore.ApplyWrite(r.data, r.exists, w, now)
		if err != nil {
			return err
		}
		r.data, r.exists, r.dirty = next, exists, true
	}

	stamp := docstore.FormatTime(now)
	for _, p := range paths {
		r := rows[p]
		if !r.dirty {
			continue
		}
		if !r.exists {
			if _, err := q.ExecContext(ctx, s.d.rebind(deleteDoc), p); err != nil {
				return s.wrap(fmt.Errorf("delete %s: %w", p, err))
			}
			continue
		}
		raw, err := encodeData(r.data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", p, err)
		}
		ref := docstore.Ref{Path: p}
		if _, err := q.ExecContext(ctx, s.d.rebind(upsertDoc), p, ref.Parent().Path, raw, r.version+1, stamp); err != nil {
			return s.wrap(fmt.Errorf("write %s: %w", p, err))
		}
	}
	return nil
}

type transaction struct {
	store *Store
	tx    *sql.Tx
	state *docstore.TxState
}

func (t *transaction) Get(ctx context.Context, ref docstore.Ref) (*docstore.Snapshot, error) {
	if err := t.state.BeforeRead(); err != nil {
		return nil, err
	}
	snap, err := t.store.get(ctx, t.tx, ref, false)
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
	snaps, err := t.store.query(ctx, t.tx, q)
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

func encodeData(d docstore.Data) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
