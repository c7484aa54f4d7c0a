package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"housecup.org/internal/docstore"
	"housecup.org/internal/lock"
	"housecup.org/internal/policy"
)

// Backfill issues external ids to every member still without one. It holds
// an exclusive lock for the run, renewed after every committed chunk; a
// concurrent call fails with ErrConflict, and so does a run whose lock
// could not be renewed. Ids are issued in member id order, one sequence
// step each.
func (e *Engine) Backfill(ctx context.Context, actorID string) (BackfillResult, error) {
	actor, err := e.loadMember(ctx, e.store, actorID)
	if err != nil {
		return BackfillResult{}, classify("load actor", err)
	}
	if err := policy.CanBackfill(actor.actor()); err != nil {
		return BackfillResult{}, err
	}

	lease, err := e.locker.TryLock(ctx, backfillLock, backfillLockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return BackfillResult{}, fmt.Errorf("%w: backfill already running", ErrConflict)
	}
	if err != nil {
		return BackfillResult{}, fmt.Errorf("%w: acquire backfill lock: %w", ErrStoreUnavailable, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.log.WarnContext(ctx, "release backfill lock", slog.Any("err", err))
		}
	}()

	members, err := e.queryMembers(ctx, e.users.Query())
	if err != nil {
		return BackfillResult{}, err
	}
	result := BackfillResult{Assigned: []string{}}
	var pending []Member
	for _, m := range members {
		if m.HasExternalID() {
			result.Skipped++
			continue
		}
		pending = append(pending, m)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	b := e.store.Batch()
	limit := min(e.batchCap, b.Limit())
	staged := 0
	var staging []string
	flush := func() error {
		if staged == 0 {
			return nil
		}
		if err := b.Commit(ctx); err != nil {
			return classifyBatch(err)
		}
		result.Updated += staged
		result.Assigned = append(result.Assigned, staging...)
		b, staged, staging = e.store.Batch(), 0, nil
		if err := lease.Extend(ctx); err != nil {
			if errors.Is(err, lock.ErrLost) {
				return fmt.Errorf("%w: backfill lock lost: %w", ErrConflict, err)
			}
			return fmt.Errorf("%w: extend backfill lock: %w", ErrStoreUnavailable, err)
		}
		return nil
	}
	for _, m := range pending {
		id, err := e.seq.Next(ctx, e.idPrefix, e.idWidth)
		if err != nil {
			if ferr := flush(); ferr != nil {
				e.log.ErrorContext(ctx, "backfill flush after failure", slog.Any("err", ferr))
			}
			return result, classify("issue external id", err)
		}
		if err := b.Update(e.memberRef(m.ID), docstore.Data{"customId": id}); err != nil {
			return result, classify("stage backfill", err)
		}
		staged++
		staging = append(staging, id)
		if staged >= limit {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}
	e.log.InfoContext(ctx, "backfill finished",
		slog.String("actor_id", actorID),
		slog.Int("updated", result.Updated),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}
