// Package policy decides which member may change which other member.
// Every decision is a pure function of the two members' current role and
// group, read from the store inside the same transaction as the change.
package policy

import (
	"errors"
	"fmt"
)

// Role is the closed set of member roles.
type Role int

const (
	RoleMember Role = iota + 1
	RoleManager
	RoleAdmin
)

// Stored names are kept for compatibility with existing documents.
const (
	roleAdminName   = "organizer"
	roleManagerName = "manager"
	roleMemberName  = "user"
)

var ErrUnknownRole = errors.New("policy: unknown role")

// ParseRole maps a stored role name to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case roleAdminName:
		return RoleAdmin, nil
	case roleManagerName:
		return RoleManager, nil
	case roleMemberName:
		return RoleMember, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return roleAdminName
	case RoleManager:
		return roleManagerName
	case RoleMember:
		return roleMemberName
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleMember:
		return true
	}
	return false
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Actor is the part of a member that authorization looks at.
type Actor struct {
	ID      string
	Role    Role
	GroupID string
}

// AuthorizationError reports a denied operation.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return "not authorized: " + e.Reason }

func deny(format string, args ...any) error {
	return &AuthorizationError{Reason: fmt.Sprintf(format, args...)}
}

// IsDenied reports whether err is an authorization failure.
func IsDenied(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// CanAdjust reports whether awarder may change target's balance. Admins
// may adjust any non-admin, managers only ordinary members of their own
// group, and nobody may adjust themselves.
func CanAdjust(awarder, target Actor) error {
	if awarder.ID != "" && awarder.ID == target.ID {
		return deny("cannot adjust own points")
	}
	switch awarder.Role {
	case RoleAdmin:
		if target.Role == RoleAdmin {
			return deny("admins cannot adjust other admins")
		}
		return nil
	case RoleManager:
		if target.Role != RoleMember {
			return deny("manager can only adjust ordinary members")
		}
		if awarder.GroupID == "" || awarder.GroupID != target.GroupID {
			return deny("manager can only adjust members of their own group")
		}
		return nil
	case RoleMember:
		return deny("members cannot adjust points")
	}
	return deny("unknown role %s", awarder.Role)
}

func adminOnly(actor Actor, what string) error {
	switch actor.Role {
	case RoleAdmin:
		return nil
	case RoleManager, RoleMember:
		return deny("only admins can %s", what)
	}
	return deny("unknown role %s", actor.Role)
}

// CanManageGroups covers creating and deleting groups.
func CanManageGroups(actor Actor) error { return adminOnly(actor, "manage groups") }

// CanReassignManager covers appointing a group's manager.
func CanReassignManager(actor Actor) error { return adminOnly(actor, "reassign managers") }

// CanRemoveMember covers deleting a member and their history.
func CanRemoveMember(actor, member Actor) error {
	if err := adminOnly(actor, "remove members"); err != nil {
		return err
	}
	if actor.ID != "" && actor.ID == member.ID {
		return deny("cannot remove yourself")
	}
	return nil
}

// CanBackfill covers assigning external ids to members missing one.
func CanBackfill(actor Actor) error { return adminOnly(actor, "backfill ids") }

// CanCreateMembers covers bulk member creation.
func CanCreateMembers(actor Actor) error { return adminOnly(actor, "create members") }

// CanChangeGroup reports whether actor may move member between groups.
// Admins may move anyone; members may pick their own group.
func CanChangeGroup(actor, member Actor) error {
	switch actor.Role {
	case RoleAdmin:
		return nil
	case RoleManager, RoleMember:
		if actor.ID != "" && actor.ID == member.ID {
			return nil
		}
		return deny("only admins can move other members")
	}
	return deny("unknown role %s", actor.Role)
}

// DemotedRole is the role a displaced manager falls back to. Admins keep
// their role when they stop managing a group.
func DemotedRole(r Role) Role {
	switch r {
	case RoleAdmin:
		return RoleAdmin
	case RoleManager, RoleMember:
		return RoleMember
	}
	return RoleMember
}

// PromotedRole is the role of a newly appointed manager.
func PromotedRole(r Role) Role {
	switch r {
	case RoleAdmin:
		return RoleAdmin
	case RoleManager, RoleMember:
		return RoleManager
	}
	return RoleManager
}
