package docstore

import (
	"errors"
	"sort"
)

// ErrReadAfterWrite is returned when a transaction reads after buffering a write.
var ErrReadAfterWrite = errors.New("docstore: transaction reads must precede writes")

// TxState tracks the reads and buffered writes of one transaction attempt.
// Backends validate Reads at commit and then apply Writes in order.
type TxState struct {
	// Reads maps each path read to the version observed, 0 when absent.
	Reads  map[string]int64
	Writes []Write
}

func NewTxState() *TxState {
	return &TxState{Reads: make(map[string]int64)}
}

// BeforeRead rejects reads once writes have been buffered.
func (t *TxState) BeforeRead() error {
	if len(t.Writes) > 0 {
		return ErrReadAfterWrite
	}
	return nil
}

// RecordRead remembers the version a snapshot was read at.
func (t *TxState) RecordRead(s *Snapshot) {
	if _, seen := t.Reads[s.Ref.Path]; seen {
		return
	}
	if s.Exists {
		t.Reads[s.Ref.Path] = s.Version
	} else {
		t.Reads[s.Ref.Path] = 0
	}
}

// Buffer appends a validated write.
func (t *TxState) Buffer(kind WriteKind, ref Ref, data Data) error {
	if len(t.Writes) >= MaxTransactionWrites {
		return ErrTxTooLarge
	}
	w, err := NewWrite(kind, ref, data)
	if err != nil {
		return err
	}
	t.Writes = append(t.Writes, w)
	return nil
}

func (t *TxState) Set(ref Ref, data Data, merge bool) error {
	if merge {
		return t.Buffer(WriteMerge, ref, data)
	}
	return t.Buffer(WriteSet, ref, data)
}

func (t *TxState) Update(ref Ref, data Data) error { return t.Buffer(WriteUpdate, ref, data) }

func (t *TxState) Delete(ref Ref) error { return t.Buffer(WriteDelete, ref, nil) }

// Paths returns every path read or written, sorted.
func (t *TxState) Paths() []string {
	seen := make(map[string]struct{}, len(t.Reads)+len(t.Writes))
	for p := range t.Reads {
		seen[p] = struct{}{}
	}
	for _, w := range t.Writes {
		seen[w.Ref.Path] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
