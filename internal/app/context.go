package app

import (
	"context"
	"fmt"

	"lobbyline/internal/config"
	"lobbyline/internal/domain"
	"lobbyline/internal/repo"
)

// ResolveConfig returns the workspace config. Without a lobbyline.yml the
// branches already stored in the database are used, and an empty database
// is seeded with the default single-branch config.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	stored, err := r.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	if len(stored) == 0 {
		return config.Default("main"), nil
	}
	cfg = config.Default("main")
	cfg.Branches = cfg.Branches[:0]
	for _, b := range stored {
		cfg.Branches = append(cfg.Branches, branchConfig(b))
	}
	return cfg, nil
}

func branchConfig(b domain.Branch) config.BranchConfig {
	return config.BranchConfig{
		ID:                            b.ID,
		Name:                          b.Name,
		MaxOccupancy:                  b.MaxOccupancy,
		GracePeriodSeconds:            b.GracePeriodSeconds,
		AverageServiceMinutes:         b.AverageServiceMinutes,
		ExcludeInServiceFromOccupancy: b.ExcludeInServiceFromOccupancy,
		Paused:                        b.IsPaused,
	}
}

// SeedBranches stores the configured branches, overwriting stored settings.
func SeedBranches(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, b := range cfg.DomainBranches() {
		if err := r.UpsertBranchTx(ctx, tx, b); err != nil {
			return fmt.Errorf("seed branch %s: %w", b.ID, err)
		}
	}
	return tx.Commit()
}
