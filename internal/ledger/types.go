package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"housecup.org/internal/policy"
)

// Member is a participant holding a point balance. ExternalID is the human
// readable id (e.g. GOOGE001); "" or "pending" means not yet assigned.
type Member struct {
	ID         string      `json:"id"`
	ExternalID string      `json:"customId"`
	Name       string      `json:"name"`
	Email      string      `json:"email"`
	Points     int64       `json:"points"`
	GroupID    string      `json:"groupId"`
	Role       policy.Role `json:"role"`
	Avatar     string      `json:"avatar"`
}

func (m Member) actor() policy.Actor {
	return policy.Actor{ID: m.ID, Role: m.Role, GroupID: m.GroupID}
}

// PendingExternalID marks a member whose id is still to be issued.
const PendingExternalID = "pending"

// HasExternalID reports whether the member was issued an id.
func (m Member) HasExternalID() bool {
	return m.ExternalID != "" && m.ExternalID != PendingExternalID
}

// Group is a house or community; Points is the sum of its members' points.
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Points    int64  `json:"points"`
	ManagerID string `json:"managerId"`
}

// HistoryEntry records one applied adjustment. Entries are append-only.
type HistoryEntry struct {
	ID            string    `json:"id"`
	PointsAdded   int64     `json:"pointsAdded"`
	Remark        string    `json:"remark"`
	Timestamp     time.Time `json:"timestamp"`
	AwardedByID   string    `json:"awardedById"`
	AwardedByName string    `json:"awardedByName"`
	AwardedToID   string    `json:"awardedToId"`
	AwardedToName string    `json:"awardedToName"`
}

// NewMember carries the identity known at first sign-in.
type NewMember struct {
	ID     string
	Email  string
	Name   string
	Avatar string
}

// BulkFailure explains why one identifier was not applied.
type BulkFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkReport accounts for every identifier of a bulk call. Successful lists
// exactly the identifiers whose writes were committed.
type BulkReport struct {
	Successful []string      `json:"successful"`
	Failed     []BulkFailure `json:"failed"`
	Updated    []Member      `json:"updated"`
}

// Err returns a *PartialBatchError when any identifier failed.
func (r *BulkReport) Err() error {
	if r == nil || len(r.Failed) == 0 {
		return nil
	}
	return &PartialBatchError{Succeeded: len(r.Successful), Failed: r.Failed}
}

// PartialBatchError describes a bulk call that completed with failures.
// It is informational: the successful part is durable.
type PartialBatchError struct {
	Succeeded int
	Failed    []BulkFailure
}

func (e *PartialBatchError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, f.ID+": "+f.Reason)
	}
	return fmt.Sprintf("%d succeeded, %d failed (%s)", e.Succeeded, len(e.Failed), strings.Join(parts, "; "))
}

// CreateReport is the outcome of a bulk member creation.
type CreateReport struct {
	Successful []Member       `json:"successful"`
	Failed     []BulkFailure `json:"failed"`
}

// BackfillResult counts what a backfill pass did.
type BackfillResult struct {
	Updated  int      `json:"updated"`
	Skipped  int      `json:"skipped"`
	Assigned []string `json:"assigned"`
}

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
)
