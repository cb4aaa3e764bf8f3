package postgres

import (
	"context"
	"fmt"
)

// Default table names.
const (
	DefaultProgressTable = "harvest_progress"
	DefaultQuestionTable = "questions"
	DefaultRunTable      = "harvest_runs"
)

// Tables names the tables EnsureSchema creates.
type Tables struct {
	Progress  string
	Questions string
	Runs      string
}

// EnsureSchema creates the harvest tables when they do not exist.
func EnsureSchema(ctx context.Context, db DB, tables Tables) error {
	progress, err := checkTable(tables.Progress, DefaultProgressTable)
	if err != nil {
		return err
	}
	questions, err := checkTable(tables.Questions, DefaultQuestionTable)
	if err != nil {
		return err
	}
	runs, err := checkTable(tables.Runs, DefaultRunTable)
	if err != nil {
		return err
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	state JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, progress),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	question_id BIGINT PRIMARY KEY,
	title TEXT NOT NULL,
	tags TEXT[] NOT NULL,
	view_count BIGINT NOT NULL,
	score BIGINT NOT NULL,
	creation_date TIMESTAMPTZ,
	link TEXT NOT NULL,
	run_key TEXT NOT NULL,
	harvested_at TIMESTAMPTZ NOT NULL
)`, questions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	items BIGINT NOT NULL DEFAULT 0,
	error_message TEXT
)`, runs),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
