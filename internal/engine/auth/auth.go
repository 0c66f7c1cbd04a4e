// Package auth resolves actor permissions. Role grants live in the
// workspace database; what each role may do is declared in config, so a
// batch can tighten or loosen its policy without a migration.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"tallyline/internal/store"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service answers permission checks against DB role grants and the
// config-declared role-to-permission map. A role holding "*" passes every
// check.
type Service struct {
	Store store.Store
	Roles map[string][]string
}

// HasPermission reports whether the actor holds the permission through any
// granted role. Pass a nil tx to read from the pool.
func (s Service) HasPermission(ctx context.Context, tx *sql.Tx, actorID, perm string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	var roles []string
	var err error
	if tx != nil {
		roles, err = s.Store.ActorRolesTx(ctx, tx, actorID)
	} else {
		roles, err = s.Store.ActorRoles(ctx, actorID)
	}
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		for _, p := range s.Roles[role] {
			if p == "*" || p == perm {
				return true, nil
			}
		}
	}
	return false, nil
}

// Require returns a ForbiddenError unless the actor holds the permission.
func (s Service) Require(ctx context.Context, tx *sql.Tx, actorID, perm string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	ok, err := s.HasPermission(ctx, tx, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// ActorPermissions returns the deduplicated permission set the actor's
// roles grant, sorted for stable output.
func (s Service) ActorPermissions(ctx context.Context, actorID string) ([]string, error) {
	roles, err := s.Store.ActorRoles(ctx, actorID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, role := range roles {
		for _, p := range s.Roles[role] {
			seen[p] = true
		}
	}
	perms := make([]string, 0, len(seen))
	for p := range seen {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, nil
}
