package ledger

import (
	"context"
	"fmt"

	"housecup.org/internal/docstore"
)

const (
	DefaultHistoryLimit     = 50
	MaxHistoryLimit         = 500
	DefaultLeaderboardLimit = 10
)

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func (e *Engine) GetMember(ctx context.Context, id string) (Member, error) {
	m, err := e.loadMember(ctx, e.store, id)
	if err != nil {
		return Member{}, classify("get member", err)
	}
	return m, nil
}

// History returns a member's adjustments, newest first.
func (e *Engine) History(ctx context.Context, memberID string, limit int) ([]HistoryEntry, error) {
	if memberID == "" {
		return nil, fmt.Errorf("%w: member id is required", ErrValidation)
	}
	limit = clampLimit(limit, DefaultHistoryLimit, MaxHistoryLimit)
	snaps, err := e.store.Query(ctx, e.historyOf(memberID).Query().Order("timestamp", true).Take(limit))
	if err != nil {
		return nil, classify("history", err)
	}
	out := make([]HistoryEntry, 0, len(snaps))
	for _, snap := range snaps {
		h, err := decodeHistory(snap)
		if err != nil {
			return nil, classify("decode history", err)
		}
		out = append(out, h)
	}
	return out, nil
}

// TopMembers is the leaderboard: members by points, highest first.
func (e *Engine) TopMembers(ctx context.Context, limit int) ([]Member, error) {
	limit = clampLimit(limit, DefaultLeaderboardLimit, MaxHistoryLimit)
	return e.queryMembers(ctx, e.users.Query().Order("points", true).Take(limit))
}

// GroupMembers lists a group's members by points, highest first.
func (e *Engine) GroupMembers(ctx context.Context, groupID string) ([]Member, error) {
	if _, err := e.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return e.queryMembers(ctx, e.users.Query().Where("groupId", docstore.OpEqual, groupID).Order("points", true))
}

func (e *Engine) queryMembers(ctx context.Context, q docstore.Query) ([]Member, error) {
	snaps, err := e.store.Query(ctx, q)
	if err != nil {
		return nil, classify("list members", err)
	}
	out := make([]Member, 0, len(snaps))
	for _, snap := range snaps {
		m, err := decodeMember(snap)
		if err != nil {
			return nil, classify("decode member", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (e *Engine) GetGroup(ctx context.Context, id string) (Group, error) {
	if id == "" {
		return Group{}, fmt.Errorf("%w: group id is required", ErrValidation)
	}
	g, ok, err := e.loadGroup(ctx, e.store, id)
	if err != nil {
		return Group{}, classify("get group", err)
	}
	if !ok {
		return Group{}, fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	return g, nil
}

// ListGroups returns every group, highest aggregate first.
func (e *Engine) ListGroups(ctx context.Context) ([]Group, error) {
	snaps, err := e.store.Query(ctx, e.groups.Query().Order("points", true))
	if err != nil {
		return nil, classify("list groups", err)
	}
	out := make([]Group, 0, len(snaps))
	for _, snap := range snaps {
		g, err := decodeGroup(snap)
		if err != nil {
			return nil, classify("decode group", err)
		}
		out = append(out, g)
	}
	return out, nil
}
