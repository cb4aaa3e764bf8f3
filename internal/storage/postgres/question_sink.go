package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// QuestionSink upserts harvested questions. Re-harvested ids refresh their
// counters, so a resumed run that re-fetches a page does not duplicate rows.
type QuestionSink struct {
	db     DB
	table  string
	runKey string
	now    func() time.Time
}

// NewQuestionSink writes rows tagged with runKey into table.
func NewQuestionSink(db DB, table, runKey string) (*QuestionSink, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, DefaultQuestionTable)
	if err != nil {
		return nil, err
	}
	return &QuestionSink{db: db, table: table, runKey: runKey, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Append writes rows in one transaction.
func (s *QuestionSink) Append(ctx context.Context, rows []crawler.Question) (err error) {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin question batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	question_id,
	title,
	tags,
	view_count,
	score,
	creation_date,
	link,
	run_key,
	harvested_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (question_id) DO UPDATE
SET title = EXCLUDED.title,
	tags = EXCLUDED.tags,
	view_count = EXCLUDED.view_count,
	score = EXCLUDED.score,
	harvested_at = EXCLUDED.harvested_at`, s.table)

	at := s.now()
	for _, q := range rows {
		var created *time.Time
		if !q.CreationDate.IsZero() {
			c := q.CreationDate.UTC()
			created = &c
		}
		tags := q.Tags
		if tags == nil {
			tags = []string{}
		}
		if _, err = tx.Exec(ctx, query, q.ID, q.Title, tags, q.ViewCount, q.Score, created, q.Link, s.runKey, at); err != nil {
			return fmt.Errorf("insert question %d: %w", q.ID, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit question batch: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is shared and closed by its owner.
func (s *QuestionSink) Close(context.Context) error {
	return nil
}
