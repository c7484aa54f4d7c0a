// Package sequence issues human readable member ids such as GOOGE001 from a
// single counter document.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"housecup.org/internal/docstore"
	"housecup.org/internal/obs"
)

// DefaultCounter is the document holding the last issued number.
var DefaultCounter = docstore.Doc("metadata", "userCounter")

const counterField = "count"

var ErrInvalidWidth = errors.New("sequence: width must be at least 1")

// Generator hands out strictly increasing numbers. Numbers consumed by a
// caller that later fails are not reused, so ids may have gaps.
type Generator struct {
	store   docstore.Store
	counter docstore.Ref
}

type Option func(*Generator)

// WithCounter stores the counter in another document.
func WithCounter(ref docstore.Ref) Option {
	return func(g *Generator) { g.counter = ref }
}

func New(store docstore.Store, opts ...Option) *Generator {
	g := &Generator{store: store, counter: DefaultCounter}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next atomically increments the counter and formats the new value.
// An absent counter counts as 0, so the first id is number 1.
func (g *Generator) Next(ctx context.Context, prefix string, width int) (string, error) {
	if width < 1 {
		return "", ErrInvalidWidth
	}
	var n int64
	err := g.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(ctx, g.counter)
		if err != nil {
			return err
		}
		n = 0
		if snap.Exists {
			n, _ = docstore.Int(snap.Data[counterField])
		}
		n++
		return tx.Set(g.counter, docstore.Data{counterField: n}, true)
	})
	if err != nil {
		return "", fmt.Errorf("next id: %w", err)
	}
	obs.IDsIssued.Inc()
	return Format(prefix, n, width), nil
}

// Current returns the last issued number without consuming one.
func (g *Generator) Current(ctx context.Context) (int64, error) {
	snap, err := g.store.Get(ctx, g.counter)
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	if !snap.Exists {
		return 0, nil
	}
	n, _ := docstore.Int(snap.Data[counterField])
	return n, nil
}

// Format left-pads n with zeros to width digits; wider numbers are not truncated.
func Format(prefix string, n int64, width int) string {
	s := strconv.FormatInt(n, 10)
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return prefix + s
}
