// Package runs records collection runs in the store. The run row is written
// twice with the same run_id: once at start with status running, once at the
// end with the final status and counters. The later write carries a newer
// _version, so the final snapshot wins.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devinsight/insight/internal/model"
)

// Writer is the slice of the sink the recorder needs.
type Writer interface {
	Add(ctx context.Context, table string, row any) error
	Flush(ctx context.Context, table string) error
}

// Stats are the run counters.
type Stats struct {
	ReposProcessed   int64 `json:"repos_processed"`
	CommitsCollected int64 `json:"commits_collected"`
	PRsCollected     int64 `json:"prs_collected"`
	APICalls         int64 `json:"api_calls"`
	Errors           int64 `json:"errors"`
}

// NewRunID builds the human-sortable run identifier.
func NewRunID(dataSource string, now time.Time) string {
	return fmt.Sprintf("%s-%s", dataSource, now.UTC().Format("20060102-150405"))
}

// Recorder tracks one run from start to final status.
type Recorder struct {
	writer       Writer
	clock        model.Clock
	runID        string
	dataSource   string
	startedAt    time.Time
	startVersion int64
	settings     string
	invocationID string
}

// Start writes the running row and flushes it immediately so an aborted
// process still leaves a trace.
func Start(ctx context.Context, w Writer, dataSource string, settings map[string]any, clock model.Clock) (*Recorder, error) {
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC()
	r := &Recorder{
		writer:       w,
		clock:        clock,
		runID:        NewRunID(dataSource, now),
		dataSource:   dataSource,
		startedAt:    now,
		startVersion: model.VersionAt(now),
		invocationID: uuid.NewString(),
	}

	if settings == nil {
		settings = map[string]any{}
	}
	settings["invocation_id"] = r.invocationID
	encoded, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encode run settings: %w", err)
	}
	r.settings = string(encoded)

	row := model.CollectionRun{
		RunID:      r.runID,
		DataSource: dataSource,
		StartedAt:  now,
		Status:     model.RunStatusRunning,
		Settings:   r.settings,
		Version:    r.startVersion,
	}
	if err := w.Add(ctx, model.TableCollectionRuns, &row); err != nil {
		return nil, err
	}
	if err := w.Flush(ctx, model.TableCollectionRuns); err != nil {
		return nil, err
	}
	return r, nil
}

// ID returns the run identifier.
func (r *Recorder) ID() string { return r.runID }

// InvocationID returns the unique id stamped into the run settings.
func (r *Recorder) InvocationID() string { return r.invocationID }

// Finish writes the final row. status must be completed or failed. The final
// row always carries a strictly newer _version than the running row so the
// terminal snapshot wins even within the same millisecond.
func (r *Recorder) Finish(ctx context.Context, status string, stats Stats) error {
	now := r.clock().UTC()
	completed := now
	version := model.VersionAt(now)
	if version <= r.startVersion {
		version = r.startVersion + 1
	}
	row := model.CollectionRun{
		RunID:            r.runID,
		DataSource:       r.dataSource,
		StartedAt:        r.startedAt,
		CompletedAt:      &completed,
		Status:           status,
		ReposProcessed:   stats.ReposProcessed,
		CommitsCollected: stats.CommitsCollected,
		PRsCollected:     stats.PRsCollected,
		APICalls:         stats.APICalls,
		Errors:           stats.Errors,
		Settings:         r.settings,
		Version:          version,
	}
	if err := r.writer.Add(ctx, model.TableCollectionRuns, &row); err != nil {
		return err
	}
	return r.writer.Flush(ctx, model.TableCollectionRuns)
}
