package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/engine/guard"
	"forgeline/internal/events"
	"forgeline/internal/repo"
)

// CreateUser provisions a user account at the given tier. Admin only; the
// pipeline itself never creates or mutates users.
func (e Engine) CreateUser(ctx context.Context, actorID, tier, handle, newTier string) (domain.User, error) {
	if err := guard.Allow(tier, "admin_override"); err != nil {
		return domain.User{}, err
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return domain.User{}, errors.New("handle is required")
	}
	if !guard.ValidTier(newTier) {
		return domain.User{}, fmt.Errorf("unknown tier %s", newTier)
	}
	if _, err := e.Repo.GetUserByHandle(ctx, handle); err == nil {
		return domain.User{}, fmt.Errorf("handle %s already taken", handle)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	u := domain.User{
		ID:        uuid.New().String(),
		Handle:    handle,
		Tier:      newTier,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return u, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return u, fmt.Errorf("insert user: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "user_created", "user", u.ID, actorID, events.EventPayload{
		"handle": u.Handle,
		"tier":   u.Tier,
	}); err != nil {
		return u, err
	}
	if err := tx.Commit(); err != nil {
		return u, err
	}
	return u, nil
}

// SetUserTier reassigns a user's permission class. Admin only.
func (e Engine) SetUserTier(ctx context.Context, actorID, tier, userID, newTier string) (domain.User, error) {
	if err := guard.Allow(tier, "admin_override"); err != nil {
		return domain.User{}, err
	}
	if !guard.ValidTier(newTier) {
		return domain.User{}, fmt.Errorf("unknown tier %s", newTier)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	u, err := e.Repo.GetUserTx(ctx, tx, userID)
	if err != nil {
		return u, err
	}
	if u.Tier == newTier {
		return u, nil
	}
	from := u.Tier
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateUserTier(ctx, tx, u.ID, newTier, now); err != nil {
		return u, err
	}
	if err := e.Events.Append(ctx, tx, "user_tier_changed", "user", u.ID, actorID, events.EventPayload{
		"from": from,
		"to":   newTier,
	}); err != nil {
		return u, err
	}
	if err := tx.Commit(); err != nil {
		return u, err
	}
	u.Tier = newTier
	u.UpdatedAt = now
	return u, nil
}

// CreateAPIKey mints a key for a user and returns the plaintext exactly
// once. Only the SHA-256 hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, tier, userID, name string) (domain.APIKey, string, error) {
	if err := guard.Allow(tier, "admin_override"); err != nil {
		return domain.APIKey{}, "", err
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	raw := "fl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return key, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return key, "", err
	}
	if err := e.Events.Append(ctx, tx, "api_key_created", "user", userID, actorID, events.EventPayload{
		"key_id": key.ID,
		"name":   name,
	}); err != nil {
		return key, "", err
	}
	if err := tx.Commit(); err != nil {
		return key, "", err
	}
	return key, raw, nil
}

// RevokeAPIKey deletes a key outright. Admin only; the key stops
// authenticating as soon as the delete commits.
func (e Engine) RevokeAPIKey(ctx context.Context, actorID, tier, keyID string) (domain.APIKey, error) {
	if err := guard.Allow(tier, "admin_override"); err != nil {
		return domain.APIKey{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, err
	}
	defer tx.Rollback()
	key, err := e.Repo.GetAPIKeyTx(ctx, tx, keyID)
	if err != nil {
		return key, err
	}
	if err := e.Repo.DeleteAPIKey(ctx, tx, key.ID); err != nil {
		return key, err
	}
	if err := e.Events.Append(ctx, tx, "api_key_revoked", "user", key.UserID, actorID, events.EventPayload{
		"key_id": key.ID,
		"name":   key.Name,
	}); err != nil {
		return key, err
	}
	if err := tx.Commit(); err != nil {
		return key, err
	}
	return key, nil
}
