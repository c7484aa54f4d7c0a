package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"housecup.org/internal/docstore"
	"housecup.org/internal/lock"
	"housecup.org/internal/obs"
	"housecup.org/internal/policy"
	"housecup.org/internal/sequence"
	"housecup.org/internal/stream"
)

// Service defines ledger operations.
type Service interface {
	AdjustPoints(ctx context.Context, memberID string, delta int64, remark, awarderID string) (Member, error)
	BulkAdjust(ctx context.Context, externalIDs []string, delta int64, remark, awarderID string) (*BulkReport, error)
	TransferMembership(ctx context.Context, actorID, memberID, fromGroupID, toGroupID string) (Member, error)
	Backfill(ctx context.Context, actorID string) (BackfillResult, error)

	EnsureMember(ctx context.Context, nm NewMember) (Member, bool, error)
	BulkCreateMembers(ctx context.Context, actorID string, emails []string) (*CreateReport, error)
	RemoveMember(ctx context.Context, actorID, memberID string) error

	CreateGroup(ctx context.Context, actorID, name string) (Group, error)
	DeleteGroup(ctx context.Context, actorID, groupID string) error
	ReassignManager(ctx context.Context, actorID, groupID, newManagerID string) (Group, error)

	GetMember(ctx context.Context, id string) (Member, error)
	History(ctx context.Context, memberID string, limit int) ([]HistoryEntry, error)
	TopMembers(ctx context.Context, limit int) ([]Member, error)
	GroupMembers(ctx context.Context, groupID string) ([]Member, error)
	GetGroup(ctx context.Context, id string) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
}

// Publisher receives an event after every committed change.
type Publisher interface {
	Publish(evt stream.PointsEvent)
}

const (
	usersCollection   = "users"
	historyCollection = "point_history"
	backfillLock      = "housecup:backfill"
	backfillLockTTL   = 10 * time.Minute

	DefaultIDPrefix        = "GOOGE"
	DefaultIDWidth         = 3
	DefaultGroupCollection = "houses"
)

// Engine implements Service on a docstore.
type Engine struct {
	store    docstore.Store
	seq      *sequence.Generator
	locker   lock.Locker
	pub      Publisher
	log      *slog.Logger
	users    docstore.Collection
	groups   docstore.Collection
	clamp    bool
	idPrefix string
	idWidth  int
	batchCap int
}

var _ Service = (*Engine)(nil)

type Option func(*Engine)

// WithGroupCollection selects where groups live, e.g. "houses" or "communities".
func WithGroupCollection(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.groups = docstore.Collection{Path: name}
		}
	}
}

// WithIDFormat sets the prefix and zero-padded width of issued external ids.
func WithIDFormat(prefix string, width int) Option {
	return func(e *Engine) {
		e.idPrefix = prefix
		e.idWidth = width
	}
}

// WithClampNegative controls whether deductions stop at a zero balance.
func WithClampNegative(clamp bool) Option {
	return func(e *Engine) { e.clamp = clamp }
}

// WithLocker makes backfill exclusive across processes sharing the locker.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithSequence(g *sequence.Generator) Option {
	return func(e *Engine) {
		if g != nil {
			e.seq = g
		}
	}
}

// WithBatchLimit lowers the number of writes committed per bulk chunk.
func WithBatchLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 && n <= docstore.MaxBatchWrites {
			e.batchCap = n
		}
	}
}

// New builds an engine over store.
func New(store docstore.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("ledger: nil store")
	}
	e := &Engine{
		store:    store,
		locker:   lock.NewLocal(),
		log:      obs.Logger(),
		users:    docstore.Collection{Path: usersCollection},
		groups:   docstore.Collection{Path: DefaultGroupCollection},
		clamp:    true,
		idPrefix: DefaultIDPrefix,
		idWidth:  DefaultIDWidth,
		batchCap: docstore.MaxBatchWrites,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.idWidth < 1 {
		return nil, fmt.Errorf("%w: id width must be at least 1", ErrValidation)
	}
	if e.seq == nil {
		e.seq = sequence.New(store)
	}
	return e, nil
}

func (e *Engine) memberRef(id string) docstore.Ref { return e.users.Doc(id) }

func (e *Engine) groupRef(id string) docstore.Ref { return e.groups.Doc(id) }

func (e *Engine) historyOf(memberID string) docstore.Collection {
	return e.memberRef(memberID).Collection(historyCollection)
}

func (e *Engine) publish(evt stream.PointsEvent) {
	if e.pub == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	e.pub.Publish(evt)
}

type getter interface {
	Get(ctx context.Context, ref docstore.Ref) (*docstore.Snapshot, error)
}

// loadMember reads a member, reporting ErrNotFound when absent.
func (e *Engine) loadMember(ctx context.Context, g getter, id string) (Member, error) {
	if id == "" {
		return Member{}, fmt.Errorf("%w: member id is required", ErrValidation)
	}
	snap, err := g.Get(ctx, e.memberRef(id))
	if err != nil {
		return Member{}, err
	}
	if !snap.Exists {
		return Member{}, fmt.Errorf("%w: member %s", ErrNotFound, id)
	}
	return decodeMember(snap)
}

// loadGroup returns the group and whether it exists.
func (e *Engine) loadGroup(ctx context.Context, g getter, id string) (Group, bool, error) {
	snap, err := g.Get(ctx, e.groupRef(id))
	if err != nil {
		return Group{}, false, err
	}
	if !snap.Exists {
		return Group{}, false, nil
	}
	grp, err := decodeGroup(snap)
	return grp, err == nil, err
}

func decodeMember(snap *docstore.Snapshot) (Member, error) {
	var m Member
	if err := snap.DataTo(&m); err != nil {
		return Member{}, err
	}
	m.ID = snap.Ref.ID()
	if m.Role == 0 {
		m.Role = policy.RoleMember
	}
	return m, nil
}

func decodeGroup(snap *docstore.Snapshot) (Group, error) {
	var g Group
	if err := snap.DataTo(&g); err != nil {
		return Group{}, err
	}
	g.ID = snap.Ref.ID()
	return g, nil
}

func decodeHistory(snap *docstore.Snapshot) (HistoryEntry, error) {
	var h HistoryEntry
	if err := snap.DataTo(&h); err != nil {
		return HistoryEntry{}, err
	}
	h.ID = snap.Ref.ID()
	return h, nil
}

func memberData(m Member) docstore.Data {
	return docstore.Data{
		"id":       m.ID,
		"customId": m.ExternalID,
		"name":     m.Name,
		"email":    m.Email,
		"points":   m.Points,
		"groupId":  m.GroupID,
		"role":     m.Role.String(),
		"avatar":   m.Avatar,
	}
}

func historyData(delta int64, remark string, awarder, target Member) docstore.Data {
	return docstore.Data{
		"pointsAdded":   delta,
		"remark":        remark,
		"timestamp":     docstore.ServerTimestamp,
		"awardedById":   awarder.ID,
		"awardedByName": awarder.Name,
		"awardedToId":   target.ID,
		"awardedToName": target.Name,
	}
}

// classify maps store failures onto the ledger error taxonomy. Errors that
// already belong to it pass through unchanged.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict), errors.Is(err, ErrStoreUnavailable),
		policy.IsDenied(err):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, docstore.ErrConflict):
		obs.StoreConflicts.Inc()
		return fmt.Errorf("%w: %s: %w", ErrConflict, op, err)
	case errors.Is(err, docstore.ErrNotFound):
		return fmt.Errorf("%w: %s: %w", ErrNotFound, op, err)
	case errors.Is(err, docstore.ErrTxTooLarge), errors.Is(err, sequence.ErrInvalidWidth):
		return fmt.Errorf("%w: %s: %w", ErrValidation, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// applied is the delta actually written to a balance under the clamp policy.
func (e *Engine) applied(balance, delta int64) int64 {
	if !e.clamp || delta >= 0 {
		return delta
	}
	if balance <= 0 {
		return 0
	}
	if balance+delta < 0 {
		return -balance
	}
	return delta
}
