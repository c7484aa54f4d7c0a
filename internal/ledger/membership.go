package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"housecup.org/internal/docstore"
	"housecup.org/internal/ids"
	"housecup.org/internal/policy"
	"housecup.org/internal/stream"
)

const defaultMemberName = "New User"

// DefaultAvatar is the generated avatar URL for a member without one.
func DefaultAvatar(memberID string) string {
	return "https://i.pravatar.cc/150?u=" + memberID
}

// TransferMembership moves a member between groups, carrying their balance
// from the old group's aggregate to the new one in the same transaction.
// An empty fromGroupID means the member's current group; a non-empty one
// must match it. An empty toGroupID leaves the member without a group.
// A missing old group is skipped; a missing new group fails.
func (e *Engine) TransferMembership(ctx context.Context, actorID, memberID, fromGroupID, toGroupID string) (Member, error) {
	if memberID == "" || actorID == "" {
		return Member{}, fmt.Errorf("%w: member and actor ids are required", ErrValidation)
	}
	var (
		out   Member
		from  string
		moved bool
	)
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		moved = false
		member, err := e.loadMember(ctx, tx, memberID)
		if err != nil {
			return err
		}
		actor := member
		if actorID != memberID {
			if actor, err = e.loadMember(ctx, tx, actorID); err != nil {
				return err
			}
		}
		if err := policy.CanChangeGroup(actor.actor(), member.actor()); err != nil {
			return err
		}
		from = member.GroupID
		if fromGroupID != "" && fromGroupID != from {
			return fmt.Errorf("%w: member %s is in group %q, not %q", ErrValidation, memberID, from, fromGroupID)
		}
		out = member
		if from == toGroupID {
			return nil
		}

		var (
			oldGroup, newGroup Group
			oldFound           bool
		)
		if from != "" {
			if oldGroup, oldFound, err = e.loadGroup(ctx, tx, from); err != nil {
				return err
			}
		}
		if toGroupID != "" {
			var ok bool
			if newGroup, ok, err = e.loadGroup(ctx, tx, toGroupID); err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: group %s", ErrNotFound, toGroupID)
			}
		}

		if err := tx.Update(e.memberRef(member.ID), docstore.Data{"groupId": toGroupID}); err != nil {
			return err
		}
		if oldFound {
			if err := tx.Update(e.groupRef(oldGroup.ID), docstore.Data{"points": oldGroup.Points - member.Points}); err != nil {
				return err
			}
		}
		if toGroupID != "" {
			if err := tx.Update(e.groupRef(newGroup.ID), docstore.Data{"points": newGroup.Points + member.Points}); err != nil {
				return err
			}
		}
		out.GroupID = toGroupID
		moved = true
		return nil
	})
	if err != nil {
		return Member{}, classify("transfer membership", err)
	}
	if moved {
		e.log.InfoContext(ctx, "membership transferred",
			slog.String("member_id", out.ID),
			slog.String("actor_id", actorID),
			slog.String("from_group_id", from),
			slog.String("to_group_id", out.GroupID),
		)
		e.publish(stream.PointsEvent{
			Kind:        stream.KindTransferred,
			MemberID:    out.ID,
			GroupID:     out.GroupID,
			FromGroupID: from,
			Points:      out.Points,
			ActorID:     actorID,
		})
	}
	return out, nil
}

// EnsureMember returns the member with nm.ID, creating it on first sight
// with an issued external id. The bool reports whether it was created.
func (e *Engine) EnsureMember(ctx context.Context, nm NewMember) (Member, bool, error) {
	if nm.ID == "" {
		return Member{}, false, fmt.Errorf("%w: member id is required", ErrValidation)
	}
	existing, err := e.loadMember(ctx, e.store, nm.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Member{}, false, classify("load member", err)
	}

	externalID, err := e.seq.Next(ctx, e.idPrefix, e.idWidth)
	if err != nil {
		return Member{}, false, classify("issue external id", err)
	}
	m := Member{
		ID:         nm.ID,
		ExternalID: externalID,
		Name:       strings.TrimSpace(nm.Name),
		Email:      strings.TrimSpace(nm.Email),
		Role:       policy.RoleMember,
		Avatar:     strings.TrimSpace(nm.Avatar),
	}
	if m.Name == "" {
		m.Name = nameFromEmail(m.Email)
	}
	if m.Avatar == "" {
		m.Avatar = DefaultAvatar(m.ID)
	}

	created := false
	err = e.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		created = false
		snap, err := tx.Get(ctx, e.memberRef(m.ID))
		if err != nil {
			return err
		}
		if snap.Exists {
			// created concurrently; the issued id is left unused
			existing, err = decodeMember(snap)
			return err
		}
		data := memberData(m)
		data["createdAt"] = docstore.ServerTimestamp
		created = true
		return tx.Set(e.memberRef(m.ID), data, false)
	})
	if err != nil {
		return Member{}, false, classify("create member", err)
	}
	if !created {
		return existing, false, nil
	}
	e.log.InfoContext(ctx, "member created",
		slog.String("member_id", m.ID), slog.String("external_id", m.ExternalID))
	return m, true, nil
}

func nameFromEmail(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return defaultMemberName
}

// BulkCreateMembers creates one member per email. Invalid or already
// registered emails fail individually.
func (e *Engine) BulkCreateMembers(ctx context.Context, actorID string, emails []string) (*CreateReport, error) {
	actor, err := e.loadMember(ctx, e.store, actorID)
	if err != nil {
		return nil, classify("load actor", err)
	}
	if err := policy.CanCreateMembers(actor.actor()); err != nil {
		return nil, err
	}

	report := &CreateReport{Successful: []Member{}, Failed: []BulkFailure{}}
	var valid []string
	for _, raw := range normalizeIdentifiers(emails) {
		addr, err := mail.ParseAddress(raw)
		if err != nil || addr.Address != raw {
			report.Failed = append(report.Failed, BulkFailure{ID: raw, Reason: "invalid email"})
			continue
		}
		valid = append(valid, strings.ToLower(addr.Address))
	}
	valid = normalizeIdentifiers(valid)

	taken := make(map[string]bool)
	for start := 0; start < len(valid); start += docstore.MaxInValues {
		end := min(start+docstore.MaxInValues, len(valid))
		snaps, err := e.store.Query(ctx, e.users.Query().Where("email", docstore.OpIn, valid[start:end]))
		if err != nil {
			return nil, classify("find existing emails", err)
		}
		for _, snap := range snaps {
			if email, ok := snap.Data["email"].(string); ok {
				taken[email] = true
			}
		}
	}

	for _, email := range valid {
		if taken[email] {
			report.Failed = append(report.Failed, BulkFailure{ID: email, Reason: "already exists"})
			continue
		}
		m, _, err := e.EnsureMember(ctx, NewMember{ID: ids.New(), Email: email})
		if err != nil {
			report.Failed = append(report.Failed, BulkFailure{ID: email, Reason: err.Error()})
			continue
		}
		report.Successful = append(report.Successful, m)
	}
	e.log.InfoContext(ctx, "bulk member creation finished",
		slog.String("actor_id", actorID),
		slog.Int("created", len(report.Successful)),
		slog.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// RemoveMember deletes a member and subtracts their balance from their
// group in one transaction, then purges their history in batches.
func (e *Engine) RemoveMember(ctx context.Context, actorID, memberID string) error {
	if memberID == "" {
		return fmt.Errorf("%w: member id is required", ErrValidation)
	}
	actor, err := e.loadMember(ctx, e.store, actorID)
	if err != nil {
		return classify("load actor", err)
	}
	if err := policy.CanRemoveMember(actor.actor(), policy.Actor{ID: memberID}); err != nil {
		return err
	}

	var (
		removed Member
		found   bool
	)
	err = e.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		found = false
		snap, err := tx.Get(ctx, e.memberRef(memberID))
		if err != nil {
			return err
		}
		if !snap.Exists {
			return nil
		}
		if removed, err = decodeMember(snap); err != nil {
			return err
		}
		var (
			group    Group
			hasGroup bool
		)
		if removed.GroupID != "" {
			if group, hasGroup, err = e.loadGroup(ctx, tx, removed.GroupID); err != nil {
				return err
			}
		}
		if err := tx.Delete(e.memberRef(memberID)); err != nil {
			return err
		}
		if hasGroup && removed.Points != 0 {
			if err := tx.Update(e.groupRef(group.ID), docstore.Data{"points": group.Points - removed.Points}); err != nil {
				return err
			}
		}
		found = true
		return nil
	})
	if err != nil {
		return classify("remove member", err)
	}

	purged, err := e.purgeHistory(ctx, memberID)
	if err != nil {
		return classify("purge history", err)
	}
	if !found && purged == 0 {
		return fmt.Errorf("%w: member %s", ErrNotFound, memberID)
	}
	e.log.InfoContext(ctx, "member removed",
		slog.String("member_id", memberID),
		slog.String("actor_id", actorID),
		slog.Int("history_purged", purged),
	)
	if found {
		e.publish(stream.PointsEvent{
			Kind:     stream.KindRemoved,
			MemberID: memberID,
			GroupID:  removed.GroupID,
			Delta:    -removed.Points,
			ActorID:  actorID,
		})
	}
	return nil
}

func (e *Engine) purgeHistory(ctx context.Context, memberID string) (int, error) {
	limit := min(e.batchCap, e.store.Batch().Limit())
	total := 0
	for {
		snaps, err := e.store.Query(ctx, e.historyOf(memberID).Query().Take(limit))
		if err != nil {
			return total, err
		}
		if len(snaps) == 0 {
			return total, nil
		}
		b := e.store.Batch()
		for _, snap := range snaps {
			if err := b.Delete(snap.Ref); err != nil {
				return total, err
			}
		}
		if err := b.Commit(ctx); err != nil {
			return total, err
		}
		total += len(snaps)
	}
}

// GrantRole sets a member's role without an authorization check. It backs
// operator tooling such as bootstrapping the first admin. Demoting to an
// ordinary member also clears managerId on every group they manage.
func (e *Engine) GrantRole(ctx context.Context, memberID string, role policy.Role) (Member, error) {
	if !role.Valid() {
		return Member{}, fmt.Errorf("%w: invalid role %d", ErrValidation, role)
	}
	var (
		out     Member
		cleared []string
	)
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		cleared = nil
		m, err := e.loadMember(ctx, tx, memberID)
		if err != nil {
			return err
		}
		var managed []*docstore.Snapshot
		if role == policy.RoleMember {
			managed, err = tx.Query(ctx, e.groups.Query().Where("managerId", docstore.OpEqual, m.ID))
			if err != nil {
				return err
			}
		}
		if err := tx.Update(e.memberRef(m.ID), docstore.Data{"role": role.String()}); err != nil {
			return err
		}
		for _, snap := range managed {
			if err := tx.Update(snap.Ref, docstore.Data{"managerId": ""}); err != nil {
				return err
			}
			cleared = append(cleared, snap.Ref.ID())
		}
		out = m
		out.Role = role
		return nil
	})
	if err != nil {
		return Member{}, classify("grant role", err)
	}
	e.log.InfoContext(ctx, "role granted",
		slog.String("member_id", memberID), slog.String("role", role.String()))
	for _, id := range cleared {
		e.publish(stream.PointsEvent{Kind: stream.KindGroup, GroupID: id})
	}
	return out, nil
}
