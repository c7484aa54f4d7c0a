package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"housecup.org/internal/docstore"
	"housecup.org/internal/policy"
	"housecup.org/internal/stream"
)

// CreateGroup adds an empty group with no manager.
func (e *Engine) CreateGroup(ctx context.Context, actorID, name string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("%w: group name is required", ErrValidation)
	}
	actor, err := e.loadMember(ctx, e.store, actorID)
	if err != nil {
		return Group{}, classify("load actor", err)
	}
	if err := policy.CanManageGroups(actor.actor()); err != nil {
		return Group{}, err
	}
	ref := e.groups.NewDoc()
	err = e.store.Set(ctx, ref, docstore.Data{
		"name":      name,
		"points":    int64(0),
		"managerId": "",
		"createdAt": docstore.ServerTimestamp,
	}, false)
	if err != nil {
		return Group{}, classify("create group", err)
	}
	g := Group{ID: ref.ID(), Name: name}
	e.log.InfoContext(ctx, "group created",
		slog.String("group_id", g.ID), slog.String("name", name), slog.String("actor_id", actorID))
	e.publish(stream.PointsEvent{Kind: stream.KindGroup, GroupID: g.ID, ActorID: actorID})
	return g, nil
}

// DeleteGroup removes a group, leaves its members without a group and
// demotes its manager, all in one transaction.
func (e *Engine) DeleteGroup(ctx context.Context, actorID, groupID string) error {
	if groupID == "" {
		return fmt.Errorf("%w: group id is required", ErrValidation)
	}
	actor, err := e.loadMember(ctx, e.store, actorID)
	if err != nil {
		return classify("load actor", err)
	}
	if err := policy.CanManageGroups(actor.actor()); err != nil {
		return err
	}

	var unassigned int
	err = e.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		group, ok, err := e.loadGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: group %s", ErrNotFound, groupID)
		}
		snaps, err := tx.Query(ctx, e.users.Query().Where("groupId", docstore.OpEqual, groupID))
		if err != nil {
			return err
		}
		var (
			manager    Member
			hasManager bool
		)
		if group.ManagerID != "" {
			snap, err := tx.Get(ctx, e.memberRef(group.ManagerID))
			if err != nil {
				return err
			}
			if snap.Exists {
				if manager, err = decodeMember(snap); err != nil {
					return err
				}
				hasManager = manager.Role != policy.DemotedRole(manager.Role)
			}
		}

		writes := 1 + len(snaps)
		if hasManager {
			writes++
		}
		if writes > docstore.MaxTransactionWrites {
			return fmt.Errorf("%w: group %s has too many members to delete at once", ErrValidation, groupID)
		}

		for _, snap := range snaps {
			fields := docstore.Data{"groupId": ""}
			if hasManager && snap.Ref.ID() == manager.ID {
				fields["role"] = policy.DemotedRole(manager.Role).String()
				hasManager = false
			}
			if err := tx.Update(snap.Ref, fields); err != nil {
				return err
			}
		}
		if hasManager {
			if err := tx.Update(e.memberRef(manager.ID), docstore.Data{"role": policy.DemotedRole(manager.Role).String()}); err != nil {
				return err
			}
		}
		unassigned = len(snaps)
		return tx.Delete(e.groupRef(groupID))
	})
	if err != nil {
		return classify("delete group", err)
	}
	e.log.InfoContext(ctx, "group deleted",
		slog.String("group_id", groupID),
		slog.String("actor_id", actorID),
		slog.Int("members_unassigned", unassigned),
	)
	e.publish(stream.PointsEvent{Kind: stream.KindGroup, GroupID: groupID, ActorID: actorID})
	return nil
}

// ReassignManager makes newManagerID the group's manager, promoting them
// and demoting the previous manager. An empty newManagerID leaves the group
// without a manager.
func (e *Engine) ReassignManager(ctx context.Context, actorID, groupID, newManagerID string) (Group, error) {
	if groupID == "" {
		return Group{}, fmt.Errorf("%w: group id is required", ErrValidation)
	}
	actor, err := e.loadMember(ctx, e.store, actorID)
	if err != nil {
		return Group{}, classify("load actor", err)
	}
	if err := policy.CanReassignManager(actor.actor()); err != nil {
		return Group{}, err
	}

	var out Group
	err = e.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		group, ok, err := e.loadGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: group %s", ErrNotFound, groupID)
		}
		out = group
		if group.ManagerID == newManagerID {
			return nil
		}

		var next Member
		if newManagerID != "" {
			if next, err = e.loadMember(ctx, tx, newManagerID); err != nil {
				return err
			}
			if next.Role != policy.RoleAdmin && next.GroupID != groupID {
				return fmt.Errorf("%w: member %s does not belong to group %s", ErrValidation, newManagerID, groupID)
			}
		}
		var (
			prev    Member
			hasPrev bool
		)
		if group.ManagerID != "" {
			snap, err := tx.Get(ctx, e.memberRef(group.ManagerID))
			if err != nil {
				return err
			}
			if snap.Exists {
				if prev, err = decodeMember(snap); err != nil {
					return err
				}
				hasPrev = true
			}
		}

		if hasPrev {
			if role := policy.DemotedRole(prev.Role); role != prev.Role {
				if err := tx.Update(e.memberRef(prev.ID), docstore.Data{"role": role.String()}); err != nil {
					return err
				}
			}
		}
		if newManagerID != "" {
			if role := policy.PromotedRole(next.Role); role != next.Role {
				if err := tx.Update(e.memberRef(next.ID), docstore.Data{"role": role.String()}); err != nil {
					return err
				}
			}
		}
		out.ManagerID = newManagerID
		return tx.Update(e.groupRef(groupID), docstore.Data{"managerId": newManagerID})
	})
	if err != nil {
		return Group{}, classify("reassign manager", err)
	}
	e.log.InfoContext(ctx, "group manager reassigned",
		slog.String("group_id", groupID),
		slog.String("manager_id", newManagerID),
		slog.String("actor_id", actorID),
	)
	e.publish(stream.PointsEvent{Kind: stream.KindGroup, GroupID: groupID, MemberID: newManagerID, ActorID: actorID})
	return out, nil
}
