package auth

import (
	"strconv"
	"strings"
)

// Permission is a single bit in the 64-bit capability mask carried by every
// session. Bits stay below 63 so masks survive storage in a signed BIGINT
// column.
type Permission uint64

const (
	PermRegister   Permission = 1 << 0 // register and deregister own agent
	PermSend       Permission = 1 << 1 // send point-to-point messages
	PermBroadcast  Permission = 1 << 2 // broadcast and multicast
	PermSubscribe  Permission = 1 << 3 // subscribe to topics
	PermPlanSubmit Permission = 1 << 4 // submit plans and inspect their status
	PermPlanCancel Permission = 1 << 5 // cancel running plans
	PermIssue      Permission = 1 << 6 // mint sessions for other agents
	PermAdmin      Permission = 1 << 7 // shutdown, eviction, role management
)

func (p Permission) String() string {
	switch p {
	case PermRegister:
		return "register"
	case PermSend:
		return "send"
	case PermBroadcast:
		return "broadcast"
	case PermSubscribe:
		return "subscribe"
	case PermPlanSubmit:
		return "plan_submit"
	case PermPlanCancel:
		return "plan_cancel"
	case PermIssue:
		return "issue"
	case PermAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Built-in role names.
const (
	RoleObserver = "observer"
	RoleUser     = "user"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Built-in role IDs, stable across restarts and store backends.
const (
	RoleObserverID = 1
	RoleUserID     = 2
	RoleOperatorID = 3
	RoleAdminID    = 4
)

// Role couples a name with its effective permission mask.
type Role struct {
	ID      int
	Name    string
	Bitmask uint64
}

// Builtin role masks. Each role strictly contains the one below it.
var (
	observerMask = uint64(PermSubscribe)
	userMask     = observerMask | uint64(PermRegister) | uint64(PermSend)
	operatorMask = userMask | uint64(PermBroadcast) | uint64(PermPlanSubmit) | uint64(PermPlanCancel)
	adminMask    = operatorMask | uint64(PermIssue) | uint64(PermAdmin)
)

// BuiltinRoles returns the four default roles in privilege order.
func BuiltinRoles() []Role {
	return []Role{
		{ID: RoleObserverID, Name: RoleObserver, Bitmask: observerMask},
		{ID: RoleUserID, Name: RoleUser, Bitmask: userMask},
		{ID: RoleOperatorID, Name: RoleOperator, Bitmask: operatorMask},
		{ID: RoleAdminID, Name: RoleAdmin, Bitmask: adminMask},
	}
}

// LookupRole resolves a role name to its builtin definition.
func LookupRole(name string) (Role, bool) {
	for _, r := range BuiltinRoles() {
		if r.Name == strings.ToLower(name) {
			return r, true
		}
	}
	return Role{}, false
}

// RoleName resolves a builtin role ID for display. Unknown IDs render as
// role-<id> rather than failing.
func RoleName(id int) string {
	for _, r := range BuiltinRoles() {
		if r.ID == id {
			return r.Name
		}
	}
	return "role-" + strconv.Itoa(id)
}

// Allowed reports whether the mask grants the permission.
func Allowed(mask uint64, perm Permission) bool {
	return mask&uint64(perm) != 0
}

// Describe renders a mask as a comma-separated permission list for logs and
// the admin API.
func Describe(mask uint64) string {
	all := []Permission{
		PermRegister, PermSend, PermBroadcast, PermSubscribe,
		PermPlanSubmit, PermPlanCancel, PermIssue, PermAdmin,
	}
	var names []string
	for _, p := range all {
		if Allowed(mask, p) {
			names = append(names, p.String())
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}
