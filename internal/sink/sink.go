// Package sink buffers unified rows per destination table and writes them in
// batches. The orchestrator never talks to the store directly; it appends
// rows here and the sink decides when a batch is full.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/devinsight/insight/internal/model"
)

// ErrWrite wraps every failed backend write. Unlike per-repository upstream
// errors, a sink failure aborts the run.
var ErrWrite = errors.New("sink write failed")

// Inserter is the batched write backend.
type Inserter interface {
	InsertBatch(ctx context.Context, table string, rows []any) error
}

// flushOrder drains parent tables before their logical children so a
// partially flushed store stays navigable. The run row goes last.
var flushOrder = []string{
	model.TableRepositories,
	model.TableBranches,
	model.TableCommits,
	model.TableCommitFiles,
	model.TablePullRequests,
	model.TablePRReviewers,
	model.TablePRComments,
	model.TablePRCommits,
	model.TableJiraTickets,
	model.TableCollectionRuns,
}

// Sink accumulates rows per table and flushes a table once its buffer
// reaches the batch size. Rows must be pointers to the model structs; the
// backend appends them by field.
type Sink struct {
	inserter  Inserter
	batchSize int
	log       *logrus.Entry

	mu      sync.Mutex
	buffers map[string][]any
	written map[string]int64
}

// New builds a sink flushing batchSize rows at a time per table.
func New(inserter Inserter, batchSize int, log *logrus.Entry) *Sink {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Sink{
		inserter:  inserter,
		batchSize: batchSize,
		log:       log,
		buffers:   make(map[string][]any),
		written:   make(map[string]int64),
	}
}

// Add buffers one row for table and flushes the table when the buffer is
// full. Safe for concurrent use.
func (s *Sink) Add(ctx context.Context, table string, row any) error {
	s.mu.Lock()
	s.buffers[table] = append(s.buffers[table], row)
	full := len(s.buffers[table]) >= s.batchSize
	s.mu.Unlock()
	if !full {
		return nil
	}
	return s.Flush(ctx, table)
}

// Flush writes the buffered rows of one table. On failure the rows stay
// buffered, so a retried flush resends them; the merge-on-read store makes
// the resend harmless.
func (s *Sink) Flush(ctx context.Context, table string) error {
	s.mu.Lock()
	rows := s.buffers[table]
	if len(rows) == 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.buffers, table)
	s.mu.Unlock()

	if err := s.inserter.InsertBatch(ctx, table, rows); err != nil {
		s.mu.Lock()
		s.buffers[table] = append(rows, s.buffers[table]...)
		s.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrWrite, table, err)
	}

	s.mu.Lock()
	s.written[table] += int64(len(rows))
	s.mu.Unlock()
	if s.log != nil {
		s.log.WithFields(logrus.Fields{"table": table, "rows": len(rows)}).Debug("flushed batch")
	}
	return nil
}

// FlushAll drains every table in dependency order. The first failure stops
// the drain and is returned.
func (s *Sink) FlushAll(ctx context.Context) error {
	for _, table := range flushOrder {
		if err := s.Flush(ctx, table); err != nil {
			return err
		}
	}
	// Tables outside the known order (none today) still get drained.
	s.mu.Lock()
	var rest []string
	for table := range s.buffers {
		rest = append(rest, table)
	}
	s.mu.Unlock()
	for _, table := range rest {
		if err := s.Flush(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// Written reports the number of rows successfully written per table.
func (s *Sink) Written() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.written))
	for table, n := range s.written {
		out[table] = n
	}
	return out
}

// Pending reports the number of rows currently buffered across all tables.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rows := range s.buffers {
		n += len(rows)
	}
	return n
}
