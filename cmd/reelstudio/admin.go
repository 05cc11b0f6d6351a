package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Driftwald/ReelStudio/internal/adapter/blob"
	"github.com/Driftwald/ReelStudio/internal/adapter/postgres"
	"github.com/Driftwald/ReelStudio/internal/config"
	"github.com/Driftwald/ReelStudio/internal/domain/settings"
	"github.com/Driftwald/ReelStudio/internal/domain/task"
	"github.com/Driftwald/ReelStudio/internal/port/database"
	"github.com/Driftwald/ReelStudio/internal/service"
)

// runAdmin dispatches admin subcommands (tasks, sweep, set-api-key, migrations).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "tasks":
		return runAdminTasks(args[1:])
	case "sweep":
		return runAdminSweep(args[1:])
	case "set-api-key":
		return runAdminSetAPIKey(args[1:])
	case "migrate-status":
		return runAdminMigrateStatus(args[1:])
	case "migrate-rollback":
		return runAdminMigrateRollback(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: reelstudio admin <command> [options]

Commands:
  tasks             List tasks
  sweep             Remove orphaned files from storage
  set-api-key       Store the image generation API key
  migrate-status    Print the current schema migration version
  migrate-rollback  Roll back schema migrations
  help              Show this help message

Examples:
  reelstudio admin tasks --status awaiting_selection
  reelstudio admin sweep --min-age 30m
  reelstudio admin set-api-key
  reelstudio admin migrate-rollback --steps 1
`)
}

type adminDeps struct {
	cfg   *config.Config
	store *postgres.Store
	files *service.FileStoreService
}

func loadAdminDeps() (*adminDeps, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	blobs, err := blob.NewLocalStore(cfg.Storage.Root)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("blob store: %w", err)
	}

	store := postgres.NewStore(pool)
	deps := &adminDeps{
		cfg:   cfg,
		store: store,
		files: service.NewFileStoreService(store, blobs, cfg.Storage),
	}

	cleanup := func() {
		pool.Close()
	}
	return deps, cleanup, nil
}

func runAdminTasks(args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	status := fs.String("status", "", "filter by lifecycle status")
	limit := fs.Int("limit", 50, "maximum number of tasks to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := database.TaskFilter{Limit: *limit}
	if *status != "" {
		st := task.Status(*status)
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", *status)
		}
		filter.Status = st
	}

	deps, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	tasks, err := deps.store.ListTasks(ctx, filter)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tIMAGES\tCREATED\tMESSAGE")
	for i := range tasks {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d%%\t%d\t%s\t%s\n",
			tasks[i].ID, tasks[i].Status, tasks[i].Progress, len(tasks[i].Images),
			tasks[i].CreatedAt.Format(time.RFC3339), tasks[i].Message)
	}
	return w.Flush()
}

func runAdminSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	minAge := fs.Duration("min-age", -1, "only remove orphans older than this (default: configured grace period)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	age := *minAge
	if age < 0 {
		age = deps.cfg.Storage.SweepMinAge
	}

	ctx := context.Background()
	removed, err := deps.files.SweepOrphans(ctx, age)
	if err != nil {
		return fmt.Errorf("sweep orphans: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Removed %d orphaned file(s)\n", removed)
	return nil
}

func runAdminSetAPIKey(args []string) error {
	fs := flag.NewFlagSet("set-api-key", flag.ContinueOnError)
	key := fs.String("key", "", "API key value (prompted if not provided)") //nolint:gosec // CLI flag
	if err := fs.Parse(args); err != nil {
		return err
	}

	apiKey := *key
	if apiKey == "" {
		var err error
		apiKey, err = promptSecret("API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		confirm, err := promptSecret("Confirm API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		if apiKey != confirm {
			return fmt.Errorf("keys do not match")
		}
	}
	if apiKey == "" {
		return fmt.Errorf("API key must not be empty")
	}

	deps, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	value, err := json.Marshal(apiKey)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}

	ctx := context.Background()
	if err := deps.store.UpsertSetting(ctx, settings.KeyGenerationAPIKey, value); err != nil {
		return fmt.Errorf("store key: %w", err)
	}

	fmt.Fprintln(os.Stderr, "Generation API key updated. Restart the server to apply.")
	return nil
}

func runAdminMigrateStatus(args []string) error {
	fs := flag.NewFlagSet("migrate-status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}

	fmt.Printf("Schema version: %d\n", v)
	return nil
}

func runAdminMigrateRollback(args []string) error {
	fs := flag.NewFlagSet("migrate-rollback", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return fmt.Errorf("--steps must be at least 1")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s)\n", *steps)
	return nil
}

// promptSecret reads a value from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)                         // newline after secret input
	if err != nil {
		return "", err
	}
	return string(b), nil
}
