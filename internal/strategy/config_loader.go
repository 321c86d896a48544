package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"botcore/pkg/db"
)

// SeedConfig is one strategy template in the YAML seed file.
type SeedConfig struct {
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	IsActive    bool           `yaml:"is_active"`
}

type seedFile struct {
	Strategies []SeedConfig `yaml:"strategies"`
}

// LoadSeedFile reads strategy templates from a YAML file.
func LoadSeedFile(path string) ([]SeedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return file.Strategies, nil
}

// SyncSeeds upserts strategy templates into the strategies table under the
// system user. Unknown strategy types are rejected up front so a typo in the
// seed file fails loudly at startup.
func SyncSeeds(ctx context.Context, database *db.Database, registry *Registry, systemUserID string, seeds []SeedConfig) error {
	known := make(map[string]bool)
	for _, name := range registry.Names() {
		known[name] = true
	}

	tx, err := database.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, seed := range seeds {
		if !known[seed.Type] {
			return fmt.Errorf("seed strategy %q references unknown type %q", seed.Name, seed.Type)
		}
		params, err := json.Marshal(seed.Parameters)
		if err != nil {
			return fmt.Errorf("marshal params for %q: %w", seed.Name, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO strategies (id, user_id, name, strategy_type, params, is_active)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, name) DO UPDATE SET
				strategy_type = excluded.strategy_type,
				params = excluded.params,
				is_active = excluded.is_active,
				updated_at = CURRENT_TIMESTAMP
		`, "seed-"+seed.Name, systemUserID, seed.Name, seed.Type, string(params), seed.IsActive)
		if err != nil {
			return fmt.Errorf("upsert seed strategy %q: %w", seed.Name, err)
		}
	}
	return tx.Commit()
}
