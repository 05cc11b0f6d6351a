package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Driftwald/ReelStudio/internal/domain/event"
	"github.com/Driftwald/ReelStudio/internal/port/eventstore"
)

// EventStore persists the append-only task history in PostgreSQL.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore returns an EventStore on the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event into the task_events table. The next version in
// the task's sequence is assigned inside the INSERT so appenders never need
// to coordinate.
func (s *EventStore) Append(ctx context.Context, ev *event.TaskEvent) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO task_events (task_id, event_type, payload, version)
		 VALUES ($1, $2, $3,
		         (SELECT COALESCE(MAX(version), 0) + 1 FROM task_events WHERE task_id = $1))
		 RETURNING id, version, created_at`,
		ev.TaskID, string(ev.Type), ev.Payload,
	).Scan(&ev.ID, &ev.Version, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// eventColumns is the SELECT column list for task_events queries.
const eventColumns = `id, task_id, event_type, COALESCE(payload, '{}'::jsonb), version, created_at`

func scanEvent(scanner rowScanner, ev *event.TaskEvent) error {
	return scanner.Scan(&ev.ID, &ev.TaskID, &ev.Type, &ev.Payload, &ev.Version, &ev.CreatedAt)
}

// collectEvents drains rows into a slice, closing them when done.
func collectEvents(rows pgx.Rows) ([]event.TaskEvent, error) {
	defer rows.Close()

	var events []event.TaskEvent
	for rows.Next() {
		var ev event.TaskEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LoadByTask returns every event recorded for the task, oldest first.
func (s *EventStore) LoadByTask(ctx context.Context, taskID string) ([]event.TaskEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM task_events WHERE task_id::text = $1 ORDER BY version ASC`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s events: %w", taskID, err)
	}
	return collectEvents(rows)
}

// predicates accumulates WHERE clauses and their positional args, numbering
// placeholders as they are added. expr must contain one $%d verb.
type predicates struct {
	exprs []string
	args  []any
}

func (p *predicates) add(expr string, arg any) {
	p.exprs = append(p.exprs, fmt.Sprintf(expr, len(p.args)+1))
	p.args = append(p.args, arg)
}

func (p *predicates) clause() string {
	return strings.Join(p.exprs, " AND ")
}

// LoadPage returns a cursor-paginated page of a task's events with optional
// filtering. The cursor carries the version of the last event already seen.
func (s *EventStore) LoadPage(ctx context.Context, taskID string, filter eventstore.Filter, cursor string, limit int) (*eventstore.Page, error) {
	if limit <= 0 {
		limit = 50
	}

	var where predicates
	where.add("task_id::text = $%d", taskID)

	if cursor != "" {
		after, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("parse cursor %q: %w", cursor, err)
		}
		where.add("version > $%d", after)
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		where.add("event_type = ANY($%d)", types)
	}
	if filter.After != nil {
		where.add("created_at > $%d", *filter.After)
	}
	if filter.Before != nil {
		where.add("created_at < $%d", *filter.Before)
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM task_events WHERE `+where.clause(), where.args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	// Fetch one row beyond the page; its presence means another page exists.
	fetch := fmt.Sprintf(`SELECT %s FROM task_events WHERE %s ORDER BY version ASC LIMIT $%d`,
		eventColumns, where.clause(), len(where.args)+1)
	rows, err := s.pool.Query(ctx, fetch, append(where.args, limit+1)...)
	if err != nil {
		return nil, fmt.Errorf("load event page: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}

	page := &eventstore.Page{Events: events, Total: total}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
		page.Cursor = strconv.Itoa(events[limit-1].Version)
	}
	return page, nil
}
