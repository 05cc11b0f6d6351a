package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Driftwald/ReelStudio/internal/domain"
	"github.com/Driftwald/ReelStudio/internal/domain/settings"
	"github.com/Driftwald/ReelStudio/internal/domain/task"
	"github.com/Driftwald/ReelStudio/internal/port/database"
)

// SettingsService reads and writes the runtime-tunable settings rows.
type SettingsService struct {
	store database.Store
	tasks *TaskService
}

// NewSettingsService returns a service backed by store. Call SetTaskService
// before serving traffic if pause/unpause should move tasks.
func NewSettingsService(store database.Store) *SettingsService {
	return &SettingsService{store: store}
}

// SetTaskService wires the task service used to re-admit queued tasks when
// the generation pause is lifted.
func (s *SettingsService) SetTaskService(ts *TaskService) {
	s.tasks = ts
}

// List returns every stored setting.
func (s *SettingsService) List(ctx context.Context) ([]settings.Setting, error) {
	return s.store.ListSettings(ctx)
}

// Get looks up one setting by key.
func (s *SettingsService) Get(ctx context.Context, key string) (*settings.Setting, error) {
	if key == "" {
		return nil, fmt.Errorf("setting key is required: %w", domain.ErrValidation)
	}
	return s.store.GetSetting(ctx, key)
}

// Update upserts the settings in req. Every entry is validated before any is
// written, so a bad value never leaves the batch half applied. Clearing the
// generation pause re-admits tasks that were held in queued.
func (s *SettingsService) Update(ctx context.Context, req settings.UpdateRequest) error {
	for key, value := range req.Settings {
		if key == "" {
			return fmt.Errorf("setting key must not be empty: %w", domain.ErrValidation)
		}
		if !json.Valid(value) {
			return fmt.Errorf("invalid JSON value for setting %q: %w", key, domain.ErrValidation)
		}
	}
	unpaused := false
	for key, value := range req.Settings {
		if err := s.store.UpsertSetting(ctx, key, value); err != nil {
			return err
		}
		if key == settings.KeyGenerationPaused && !settings.IsTrue(value) {
			unpaused = true
		}
	}
	if unpaused {
		s.readmitQueued(ctx)
	}
	return nil
}

// readmitQueued republishes the admission message for every queued task, so
// tasks parked by a generation pause start moving again without a restart.
func (s *SettingsService) readmitQueued(ctx context.Context) {
	if s.tasks == nil {
		return
	}
	queued, err := s.store.ListTasks(ctx, database.TaskFilter{Status: task.StatusQueued})
	if err != nil {
		slog.Error("list queued tasks for readmission", "error", err)
		return
	}
	for i := range queued {
		s.tasks.publishQueued(ctx, queued[i].ID)
	}
	if len(queued) > 0 {
		slog.Info("readmitted queued tasks after unpause", "count", len(queued))
	}
}
