package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/job-autopilot/internal/types"
)

// AutomationSettings retrieves the automation settings singleton, returning
// defaults when no row has been saved yet.
func (db *DB) AutomationSettings(ctx context.Context) (types.AutomationSettings, error) {
	var raw []byte
	err := db.pool.QueryRow(ctx,
		`SELECT settings FROM automation_settings WHERE id = 1`,
	).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return types.DefaultAutomationSettings(), nil
		}
		return types.AutomationSettings{}, fmt.Errorf("failed to get automation settings: %w", err)
	}

	settings := types.DefaultAutomationSettings()
	if err := json.Unmarshal(raw, &settings); err != nil {
		return types.AutomationSettings{}, fmt.Errorf("failed to decode automation settings: %w", err)
	}
	return settings, nil
}

// SaveAutomationSettings upserts the automation settings singleton.
func (db *DB) SaveAutomationSettings(ctx context.Context, settings types.AutomationSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode automation settings: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO automation_settings (id, settings)
		 VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET settings = $1, updated_at = NOW()`,
		raw,
	)
	if err != nil {
		return fmt.Errorf("failed to save automation settings: %w", err)
	}
	return nil
}
