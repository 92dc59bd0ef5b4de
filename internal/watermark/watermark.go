// Package watermark reads per-repository incremental cut points back out of
// the store. A zero time means no prior data, which makes the next
// collection a full fetch.
package watermark

import (
	"context"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2" // registers the database/sql driver
	"github.com/jmoiron/sqlx"
)

// Marks are the cut points for one repository and data source.
type Marks struct {
	// LastCommitDate is the newest commit date seen; commits strictly older
	// are skipped on the next run.
	LastCommitDate time.Time
	// LastPRUpdate is the newest pull-request update time seen.
	LastPRUpdate time.Time
	// BranchHeads maps branch name to its last recorded head commit; an
	// unchanged head lets the collector skip the branch entirely.
	BranchHeads map[string]string
}

// Reader is what the orchestrator depends on; tests fake it.
type Reader interface {
	Repo(ctx context.Context, projectKey, repoSlug, dataSource string) (Marks, error)
}

// Store reads watermarks through the store's SQL interface.
type Store struct {
	db *sqlx.DB
}

// Open connects via the database/sql driver using the same DSN as the sink.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("open watermark store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for schema management.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Repo loads the marks for one repository. Aggregates over empty sets come
// back as row counts of zero, which map to zero times.
func (s *Store) Repo(ctx context.Context, projectKey, repoSlug, dataSource string) (Marks, error) {
	marks := Marks{BranchHeads: map[string]string{}}

	var err error
	marks.LastCommitDate, err = s.maxTime(ctx,
		`SELECT count(), max(date) FROM commits WHERE project_key = ? AND repo_slug = ? AND data_source = ?`,
		projectKey, repoSlug, dataSource)
	if err != nil {
		return Marks{}, fmt.Errorf("commit watermark %s/%s: %w", projectKey, repoSlug, err)
	}

	marks.LastPRUpdate, err = s.maxTime(ctx,
		`SELECT count(), max(updated_on) FROM pull_requests WHERE project_key = ? AND repo_slug = ? AND data_source = ?`,
		projectKey, repoSlug, dataSource)
	if err != nil {
		return Marks{}, fmt.Errorf("pr watermark %s/%s: %w", projectKey, repoSlug, err)
	}

	rows, err := s.db.QueryxContext(ctx,
		`SELECT branch_name, argMax(last_commit_hash, _version)
		 FROM branches
		 WHERE project_key = ? AND repo_slug = ? AND data_source = ?
		 GROUP BY branch_name`,
		projectKey, repoSlug, dataSource)
	if err != nil {
		return Marks{}, fmt.Errorf("branch heads %s/%s: %w", projectKey, repoSlug, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, head string
		if err := rows.Scan(&name, &head); err != nil {
			return Marks{}, fmt.Errorf("scan branch head: %w", err)
		}
		marks.BranchHeads[name] = head
	}
	if err := rows.Err(); err != nil {
		return Marks{}, fmt.Errorf("branch heads %s/%s: %w", projectKey, repoSlug, err)
	}
	return marks, nil
}

// maxTime runs a count+max aggregate and returns the zero time when the
// filtered set is empty (max over no rows degenerates to the epoch).
func (s *Store) maxTime(ctx context.Context, query string, args ...any) (time.Time, error) {
	var count uint64
	var max time.Time
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&count, &max); err != nil {
		return time.Time{}, err
	}
	if count == 0 {
		return time.Time{}, nil
	}
	return max.UTC(), nil
}
