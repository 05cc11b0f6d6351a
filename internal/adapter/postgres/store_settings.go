package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Driftwald/ReelStudio/internal/domain/settings"
)

// --- Settings ---

func scanSetting(row rowScanner) (settings.Setting, error) {
	var st settings.Setting
	err := row.Scan(&st.Key, &st.Value, &st.UpdatedAt)
	return st, err
}

func (s *Store) ListSettings(ctx context.Context) ([]settings.Setting, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	var out []settings.Setting
	for rows.Next() {
		st, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("decode setting row: %w", err)
		}
		out = append(out, st)
	}
	return emptyIfNil(out), rows.Err()
}

func (s *Store) GetSetting(ctx context.Context, key string) (*settings.Setting, error) {
	st, err := scanSetting(s.pool.QueryRow(ctx,
		`SELECT key, value, updated_at FROM settings WHERE key = $1`, key))
	if err != nil {
		return nil, wrapNotFound(err, "load setting %s", key)
	}
	return &st, nil
}

// UpsertSetting writes the value under key, creating the row on first use.
func (s *Store) UpsertSetting(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}
