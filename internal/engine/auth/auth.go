// Package auth resolves role capabilities. The engine never reads a role
// from ambient state; callers pass the actor's role in explicitly and this
// package answers whether that role carries a capability.
package auth

import (
	"context"
	"database/sql"
	"fmt"

	"storyflow/internal/config"
)

// ForbiddenError indicates a role without the required capability.
type ForbiddenError struct {
	Role       string
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s lacks capability %s", e.Role, e.Capability)
}

// Authorizer is the permission-resolver collaborator. The default
// implementation is Service below; tests substitute their own.
type Authorizer interface {
	HasCapability(ctx context.Context, role, capability string) (bool, error)
}

// Service answers capability checks from the seeded RBAC tables, falling
// back to the config when the DB has not been seeded for a role.
type Service struct {
	DB     *sql.DB
	Config *config.Config
}

func (s Service) HasCapability(ctx context.Context, role, capability string) (bool, error) {
	if role == "" || capability == "" {
		return false, nil
	}
	if s.DB != nil {
		row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM role_capabilities WHERE role_id=? AND capability_id=? LIMIT 1`, role, capability)
		var n int
		err := row.Scan(&n)
		if err == nil {
			return true, nil
		}
		if err != sql.ErrNoRows {
			return false, err
		}
	}
	if s.Config != nil {
		return s.Config.RoleHasCapability(role, capability), nil
	}
	return false, nil
}

// AllowFunc adapts a plain function to Authorizer.
type AllowFunc func(ctx context.Context, role, capability string) (bool, error)

func (f AllowFunc) HasCapability(ctx context.Context, role, capability string) (bool, error) {
	return f(ctx, role, capability)
}
