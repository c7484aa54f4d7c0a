package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"housecup.org/internal/docstore"
	"housecup.org/internal/obs"
	"housecup.org/internal/policy"
	"housecup.org/internal/stream"
)

func validateAdjustment(delta int64, remark, awarderID string) (string, error) {
	if delta == 0 {
		return "", fmt.Errorf("%w: delta must not be zero", ErrValidation)
	}
	remark = strings.TrimSpace(remark)
	if remark == "" {
		return "", fmt.Errorf("%w: remark is required", ErrValidation)
	}
	if awarderID == "" {
		return "", fmt.Errorf("%w: awarder id is required", ErrValidation)
	}
	return remark, nil
}

// AdjustPoints applies delta to one member in a single transaction: the
// balance, a history entry and the member's group aggregate change together
// or not at all. It returns the member as committed.
func (e *Engine) AdjustPoints(ctx context.Context, memberID string, delta int64, remark, awarderID string) (Member, error) {
	remark, err := validateAdjustment(delta, remark, awarderID)
	if err != nil {
		return Member{}, err
	}
	if memberID == "" {
		return Member{}, fmt.Errorf("%w: member id is required", ErrValidation)
	}

	var (
		out     Member
		applied int64
	)
	err = e.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		target, err := e.loadMember(ctx, tx, memberID)
		if err != nil {
			return err
		}
		awarder, err := e.loadMember(ctx, tx, awarderID)
		if err != nil {
			return err
		}
		if err := policy.CanAdjust(awarder.actor(), target.actor()); err != nil {
			return err
		}
		applied = e.applied(target.Points, delta)
		if applied == 0 {
			return fmt.Errorf("%w: balance already zero", ErrValidation)
		}

		var (
			group    Group
			hasGroup bool
		)
		if target.GroupID != "" {
			group, hasGroup, err = e.loadGroup(ctx, tx, target.GroupID)
			if err != nil {
				return err
			}
		}

		ref := e.memberRef(target.ID)
		if err := tx.Update(ref, docstore.Data{"points": target.Points + applied}); err != nil {
			return err
		}
		if err := tx.Set(e.historyOf(target.ID).NewDoc(), historyData(applied, remark, awarder, target), false); err != nil {
			return err
		}
		if hasGroup {
			if err := tx.Update(e.groupRef(group.ID), docstore.Data{"points": group.Points + applied}); err != nil {
				return err
			}
		} else if target.GroupID != "" {
			e.log.WarnContext(ctx, "member references missing group",
				slog.String("member_id", target.ID), slog.String("group_id", target.GroupID))
		}

		out = target
		out.Points += applied
		return nil
	})
	if err != nil {
		outcome := "failed"
		if policy.IsDenied(err) {
			outcome = "denied"
		}
		obs.ObserveAdjustment("single", outcome, 0)
		return Member{}, classify("adjust points", err)
	}

	obs.ObserveAdjustment("single", "ok", applied)
	e.log.InfoContext(ctx, "points adjusted",
		slog.String("member_id", out.ID),
		slog.String("awarder_id", awarderID),
		slog.Int64("requested", delta),
		slog.Int64("applied", applied),
		slog.Int64("balance", out.Points),
	)
	e.publish(stream.PointsEvent{
		Kind:     stream.KindAdjusted,
		MemberID: out.ID,
		GroupID:  out.GroupID,
		Delta:    applied,
		Points:   out.Points,
		ActorID:  awarderID,
	})
	return out, nil
}
