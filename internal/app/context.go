package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/repo"
)

// ResolveConfig loads the workspace config file and makes sure the bootstrap
// admin exists. Every CLI command that opens the database goes through here,
// so a freshly initialized workspace always has an operator account to act
// as before any HTTP credential has been minted.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if err := EnsureAdminUser(ctx, r, "root"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureAdminUser seeds an admin user with the given id on first run.
// Existing users are left untouched, whatever their tier; demoting the
// bootstrap admin is a deliberate act that must survive restarts.
func EnsureAdminUser(ctx context.Context, r repo.Repo, id string) error {
	if id == "" {
		id = "root"
	}
	_, err := r.GetUser(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	u := domain.User{
		ID:        id,
		Handle:    id,
		Tier:      "admin",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.InsertUser(ctx, nil, u); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}
