package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"tallyline/internal/config"
	"tallyline/internal/domain"
	"tallyline/internal/events"
	"tallyline/internal/store"
)

// GrantRole grants a config-declared role to an actor.
func (e Engine) GrantRole(ctx context.Context, targetActor, roleID, actorID string) error {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermRBACManage); err != nil {
		return err
	}
	if _, ok := e.Config.RBAC.Roles[roleID]; !ok {
		return fmt.Errorf("unknown role %q", roleID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowRFC()
	if err := e.Store.EnsureActor(ctx, tx, targetActor, now); err != nil {
		return err
	}
	if err := e.Store.AssignRole(ctx, tx, targetActor, roleID, actorID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.granted", "", "actor", targetActor, actorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role grant from an actor.
func (e Engine) RevokeRole(ctx context.Context, targetActor, roleID, actorID string) error {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermRBACManage); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Store.RevokeRole(ctx, tx, targetActor, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.revoked", "", "actor", targetActor, actorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// SeedAdmin grants the admin role without a permission check. Workspace
// initialization calls this once to create the first administrator; it is
// not reachable over HTTP.
func (e Engine) SeedAdmin(ctx context.Context, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowRFC()
	if err := e.Store.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Store.AssignRole(ctx, tx, actorID, "admin", actorID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.granted", "", "actor", actorID, actorID, events.EventPayload{"role": "admin"}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListActors returns all actors and their role grants.
func (e Engine) ListActors(ctx context.Context, actorID string) ([]domain.Actor, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermRBACManage); err != nil {
		return nil, err
	}
	return e.Store.ListActors(ctx)
}

// CreateAPIKey mints a key for an actor and returns the plaintext once.
// Only the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, targetActor, name, actorID string) (domain.APIKey, string, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermRBACManage); err != nil {
		return domain.APIKey{}, "", err
	}
	plaintext := uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   targetActor,
		Name:      name,
		KeyHash:   store.HashAPIKey(plaintext),
		CreatedAt: e.nowRFC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Store.EnsureActor(ctx, tx, targetActor, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Store.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "", "apikey", key.ID, actorID, events.EventPayload{"actor": targetActor}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

// DeleteAPIKey removes a key by ID.
func (e Engine) DeleteAPIKey(ctx context.Context, id, actorID string) error {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermRBACManage); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Store.DeleteAPIKeyTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "apikey.deleted", "", "apikey", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ListAPIKeys returns API keys, optionally filtered by actor.
func (e Engine) ListAPIKeys(ctx context.Context, targetActor, actorID string) ([]domain.APIKey, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermRBACManage); err != nil {
		return nil, err
	}
	return e.Store.ListAPIKeys(ctx, targetActor)
}

// ResolveAPIKey returns the key record matching a plaintext API key.
func (e Engine) ResolveAPIKey(ctx context.Context, plaintext string) (domain.APIKey, error) {
	return e.Store.GetAPIKeyByHash(ctx, store.HashAPIKey(plaintext))
}

// WhoAmI returns an actor's roles and effective permissions.
func (e Engine) WhoAmI(ctx context.Context, actorID string) ([]string, []string, error) {
	roles, err := e.Store.ActorRoles(ctx, actorID)
	if err != nil {
		return nil, nil, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, actorID)
	if err != nil {
		return nil, nil, err
	}
	return roles, perms, nil
}
