package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Role is a named set of administrative permissions
type Role string

const (
	RoleSuperAdmin   Role = "super_admin"
	RoleBillingAdmin Role = "billing_admin"
)

// Permission is a single administrative capability
type Permission string

const (
	PermissionReadCredits     Permission = "credits:read"
	PermissionGrantCredits    Permission = "credits:grant"
	PermissionOverrideCredits Permission = "credits:override"
	PermissionRecalculate     Permission = "credits:recalculate"
	PermissionManageInvoices  Permission = "invoices:manage"
)

// DefaultRolePermissions maps each built-in role to what it may do.
var DefaultRolePermissions = map[Role][]Permission{
	RoleSuperAdmin: {
		PermissionReadCredits,
		PermissionGrantCredits,
		PermissionOverrideCredits,
		PermissionRecalculate,
		PermissionManageInvoices,
	},
	RoleBillingAdmin: {
		PermissionReadCredits,
		PermissionGrantCredits,
		PermissionOverrideCredits,
		PermissionRecalculate,
	},
}

// Policy decides whether a subject holds a permission.
type Policy interface {
	Authorize(ctx context.Context, subject string, perm Permission) error
}

// DenyAll rejects every request.
type DenyAll struct{}

func (DenyAll) Authorize(_ context.Context, _ string, _ Permission) error {
	return ErrForbidden
}

// RolePolicy authorizes subjects through their role assignments.
type RolePolicy struct {
	roles       RoleStore
	permissions map[Role]map[Permission]bool
}

// NewRolePolicy creates a policy over store. A nil table uses DefaultRolePermissions.
func NewRolePolicy(store RoleStore, table map[Role][]Permission) *RolePolicy {
	if table == nil {
		table = DefaultRolePermissions
	}
	perms := make(map[Role]map[Permission]bool, len(table))
	for role, list := range table {
		perms[role] = make(map[Permission]bool, len(list))
		for _, p := range list {
			perms[role][p] = true
		}
	}
	return &RolePolicy{roles: store, permissions: perms}
}

// Authorize returns nil if any role of subject grants perm, ErrForbidden otherwise.
func (p *RolePolicy) Authorize(ctx context.Context, subject string, perm Permission) error {
	subject = normalizeEmail(subject)
	if subject == "" {
		return ErrForbidden
	}
	roles, err := p.roles.RolesFor(ctx, subject)
	if err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}
	for _, role := range roles {
		if p.permissions[role][perm] {
			return nil
		}
	}
	return fmt.Errorf("%w: %s lacks %s", ErrForbidden, subject, perm)
}

// StaticRoles is an in-memory RoleStore keyed by normalized email.
type StaticRoles struct {
	mu    sync.RWMutex
	roles map[string][]Role
}

// NewStaticRoles creates an empty role store.
func NewStaticRoles() *StaticRoles {
	return &StaticRoles{roles: make(map[string][]Role)}
}

// Assign grants role to subject.
func (s *StaticRoles) Assign(subject string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalizeEmail(subject)
	for _, r := range s.roles[key] {
		if r == role {
			return
		}
	}
	s.roles[key] = append(s.roles[key], role)
}

// RolesFor implements RoleStore.
func (s *StaticRoles) RolesFor(_ context.Context, subject string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles := s.roles[normalizeEmail(subject)]
	out := make([]Role, len(roles))
	copy(out, roles)
	return out, nil
}

// RoleStores merges the roles every store grants a subject.
type RoleStores []RoleStore

func (rs RoleStores) RolesFor(ctx context.Context, subject string) ([]Role, error) {
	var out []Role
	for _, store := range rs {
		roles, err := store.RolesFor(ctx, subject)
		if err != nil {
			return nil, err
		}
		out = append(out, roles...)
	}
	return out, nil
}

// ParseRoleAssignments parses "email=role,email=role" pairs. An entry without
// a role is a super admin.
func ParseRoleAssignments(raw string) (*StaticRoles, error) {
	store := NewStaticRoles()
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		email, role, found := strings.Cut(entry, "=")
		if !found {
			role = string(RoleSuperAdmin)
		}
		role = strings.TrimSpace(role)
		if _, ok := DefaultRolePermissions[Role(role)]; !ok {
			return nil, fmt.Errorf("unknown role %q for %s", role, email)
		}
		if normalizeEmail(email) == "" {
			return nil, fmt.Errorf("empty subject in role assignment %q", entry)
		}
		store.Assign(email, Role(role))
	}
	return store, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
