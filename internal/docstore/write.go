package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// WriteKind distinguishes buffered mutations.
type WriteKind int

const (
	WriteSet WriteKind = iota + 1
	WriteMerge
	WriteUpdate
	WriteDelete
)

func (k WriteKind) String() string {
	switch k {
	case WriteSet:
		return "set"
	case WriteMerge:
		return "merge"
	case WriteUpdate:
		return "update"
	case WriteDelete:
		return "delete"
	}
	return "unknown"
}

// Write is one buffered mutation of a document.
type Write struct {
	Kind WriteKind
	Ref  Ref
	Data Data
}

// NewWrite validates and normalizes a mutation.
func NewWrite(kind WriteKind, ref Ref, data Data) (Write, error) {
	if err := ref.Validate(); err != nil {
		return Write{}, err
	}
	w := Write{Kind: kind, Ref: ref}
	if kind == WriteDelete {
		return w, nil
	}
	nd, err := Normalize(data)
	if err != nil {
		return Write{}, fmt.Errorf("%s %s: %w", kind, ref, err)
	}
	w.Data = nd
	return w, nil
}

// ApplyWrite computes the document that results from applying w to the
// current state. Transforms are resolved against current, with now as the
// server timestamp.
func ApplyWrite(current Data, exists bool, w Write, now time.Time) (Data, bool, error) {
	switch w.Kind {
	case WriteDelete:
		return nil, false, nil
	case WriteUpdate:
		if !exists {
			return nil, false, fmt.Errorf("%w: update %s", ErrNotFound, w.Ref)
		}
	}
	var base Data
	if w.Kind == WriteSet || !exists {
		base = Data{}
	} else {
		base = CloneData(current)
	}
	for k, v := range w.Data {
		switch tv := v.(type) {
		case Increment:
			prev, _ := Int(base[k])
			base[k] = json.Number(strconv.FormatInt(prev+int64(tv), 10))
		case serverTimestamp:
			base[k] = FormatTime(now)
		default:
			base[k] = cloneValue(tv)
		}
	}
	return base, true, nil
}

// WriteBatch accumulates writes that commit together. A batch is not a
// transaction: it performs no reads and no conflict detection.
type WriteBatch struct {
	limit  int
	writes []Write
	commit func(ctx context.Context, writes []Write) error
	done   bool
}

// NewWriteBatch is used by backends to build their batches.
func NewWriteBatch(limit int, commit func(ctx context.Context, writes []Write) error) *WriteBatch {
	if limit <= 0 || limit > MaxBatchWrites {
		limit = MaxBatchWrites
	}
	return &WriteBatch{limit: limit, commit: commit}
}

// Limit is the number of writes the batch accepts.
func (b *WriteBatch) Limit() int { return b.limit }

// Len is the number of buffered writes.
func (b *WriteBatch) Len() int { return len(b.writes) }

// Room reports whether n more writes fit.
func (b *WriteBatch) Room(n int) bool { return len(b.writes)+n <= b.limit }

func (b *WriteBatch) add(kind WriteKind, ref Ref, data Data) error {
	if b.done {
		return fmt.Errorf("docstore: batch already committed")
	}
	if !b.Room(1) {
		return ErrBatchFull
	}
	w, err := NewWrite(kind, ref, data)
	if err != nil {
		return err
	}
	b.writes = append(b.writes, w)
	return nil
}

func (b *WriteBatch) Set(ref Ref, data Data, merge bool) error {
	if merge {
		return b.add(WriteMerge, ref, data)
	}
	return b.add(WriteSet, ref, data)
}

func (b *WriteBatch) Update(ref Ref, data Data) error {
	return b.add(WriteUpdate, ref, data)
}

func (b *WriteBatch) Delete(ref Ref) error {
	return b.add(WriteDelete, ref, nil)
}

// Commit applies all buffered writes atomically. An empty batch is a no-op.
func (b *WriteBatch) Commit(ctx context.Context) error {
	if b.done {
		return fmt.Errorf("docstore: batch already committed")
	}
	b.done = true
	if len(b.writes) == 0 {
		return nil
	}
	return b.commit(ctx, b.writes)
}
