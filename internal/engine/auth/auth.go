package auth

import (
	"fmt"
	"slices"
	"sort"

	"journeyline/internal/config"
)

const (
	PermBusinessWrite   = "business.write"
	PermBusinessAdvance = "business.advance"
	PermTasksWrite      = "tasks.write"
	PermRosterWrite     = "roster.write"
	PermReconcileRun    = "reconcile.run"
	PermAuditRead       = "audit.read"
)

// All lists every permission the engine checks.
func All() []string {
	return []string{PermBusinessWrite, PermBusinessAdvance, PermTasksWrite, PermRosterWrite, PermReconcileRun, PermAuditRead}
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is an authenticated caller. Permissions holds explicit grants on
// top of whatever the roles resolve to.
type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

// Resolver maps roles to permissions using config.rbac.roles.
type Resolver struct {
	roles map[string]config.RBACRole
}

func NewResolver(cfg *config.Config) Resolver {
	if cfg == nil {
		return Resolver{}
	}
	return Resolver{roles: cfg.RBAC.Roles}
}

// HasRole reports whether the role is configured.
func (r Resolver) HasRole(role string) bool {
	_, ok := r.roles[role]
	return ok
}

// Roles returns the configured role ids sorted.
func (r Resolver) Roles() []string {
	out := make([]string, 0, len(r.roles))
	for id := range r.roles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Permissions returns the sorted union of the principal's explicit
// permissions and those of its roles. Unknown roles grant nothing.
func (r Resolver) Permissions(p Principal) []string {
	set := map[string]bool{}
	for _, perm := range p.Permissions {
		set[perm] = true
	}
	for _, role := range p.Roles {
		for _, perm := range r.roles[role].Permissions {
			set[perm] = true
		}
	}
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

func (r Resolver) Require(p Principal, perm string) error {
	if slices.Contains(r.Permissions(p), perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
