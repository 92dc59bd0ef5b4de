// Package collector orchestrates one collection run: repositories are
// discovered, fanned out over a bounded worker pool, and each repository's
// branches, commits and pull requests stream through the sink. Upstream
// failures are isolated per repository; sink failures abort the run.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/devinsight/insight/internal/config"
	"github.com/devinsight/insight/internal/model"
	"github.com/devinsight/insight/internal/runs"
	"github.com/devinsight/insight/internal/sink"
	"github.com/devinsight/insight/internal/source"
	"github.com/devinsight/insight/internal/watermark"
)

// Writer is the slice of the sink the collector needs.
type Writer interface {
	Add(ctx context.Context, table string, row any) error
	Flush(ctx context.Context, table string) error
	FlushAll(ctx context.Context) error
}

// Options tunes one run.
type Options struct {
	// Since is a global floor on commit dates and PR update times, applied
	// on top of per-repository watermarks.
	Since time.Time
	// Until skips records newer than the bound; zero means no ceiling.
	Until time.Time
	// RepoFilter restricts collection to "PROJECT/slug" keys; nil means all.
	RepoFilter map[string]bool
	// Branches is config.BranchesDefault or config.BranchesAll.
	Branches string
	// ForceRefetch ignores watermarks; the merge-on-read store absorbs the
	// duplicate rows.
	ForceRefetch bool
	MaxWorkers   int
	// Settings is recorded verbatim in the run row.
	Settings map[string]any
}

// Collector runs collections against one source.
type Collector struct {
	src   source.Source
	sink  Writer
	marks watermark.Reader
	opts  Options
	clock model.Clock
	log   *logrus.Logger

	repos   atomic.Int64
	commits atomic.Int64
	prs     atomic.Int64
	errs    atomic.Int64
}

// New builds a collector. marks may be nil only when opts.ForceRefetch is
// set.
func New(src source.Source, w Writer, marks watermark.Reader, opts Options, clock model.Clock, log *logrus.Logger) *Collector {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logrus.New()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 5
	}
	if opts.Branches == "" {
		opts.Branches = config.BranchesDefault
	}
	return &Collector{
		src:   src,
		sink:  w,
		marks: marks,
		opts:  opts,
		clock: clock,
		log:   log,
	}
}

// OnMapError is wired into the source adapter; each dropped record counts
// against the run without failing it.
func (c *Collector) OnMapError(entity string, err error) {
	c.errs.Add(1)
	c.log.WithError(err).WithField("entity", entity).Warn("dropped unmappable record")
}

type repoRef struct {
	project source.Project
	slug    string
}

// Run executes one collection and records it. The returned stats are final
// regardless of the error; a non-nil error means the run is recorded as
// failed.
func (c *Collector) Run(ctx context.Context) (runs.Stats, error) {
	c.repos.Store(0)
	c.commits.Store(0)
	c.prs.Store(0)
	c.errs.Store(0)

	rec, err := runs.Start(ctx, c.sink, c.src.Kind(), c.opts.Settings, c.clock)
	if err != nil {
		return runs.Stats{}, fmt.Errorf("record run start: %w", err)
	}
	log := c.log.WithFields(logrus.Fields{
		"run_id":      rec.ID(),
		"data_source": c.src.Kind(),
	})
	log.Info("collection started")

	runErr := c.collect(ctx, log)

	// Final writes must survive cancellation: buffered rows are flushed and
	// the run row gets its terminal status before the process exits.
	finalCtx := context.WithoutCancel(ctx)
	if ferr := c.sink.FlushAll(finalCtx); ferr != nil && runErr == nil {
		runErr = ferr
	}

	stats := runs.Stats{
		ReposProcessed:   c.repos.Load(),
		CommitsCollected: c.commits.Load(),
		PRsCollected:     c.prs.Load(),
		APICalls:         c.src.APICalls(),
		Errors:           c.errs.Load(),
	}
	status := model.RunStatusCompleted
	if runErr != nil {
		status = model.RunStatusFailed
	}
	if err := rec.Finish(finalCtx, status, stats); err != nil {
		log.WithError(err).Error("failed to record run end")
		if runErr == nil {
			runErr = err
		}
	}

	log.WithFields(logrus.Fields{
		"status":    status,
		"repos":     stats.ReposProcessed,
		"commits":   stats.CommitsCollected,
		"prs":       stats.PRsCollected,
		"api_calls": stats.APICalls,
		"errors":    stats.Errors,
	}).Info("collection finished")
	return stats, runErr
}

func (c *Collector) collect(ctx context.Context, log *logrus.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	refs, err := c.discover(ctx, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxWorkers)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			repoLog := log.WithFields(logrus.Fields{
				"project_key": ref.project.Key,
				"repo_slug":   ref.slug,
			})
			err := c.collectRepo(gctx, ref, repoLog)
			if err == nil {
				c.repos.Add(1)
				return nil
			}
			// Sink failures and cancellation abort the whole run; anything
			// else stays contained in this repository.
			if errors.Is(err, sink.ErrWrite) || gctx.Err() != nil {
				return err
			}
			c.errs.Add(1)
			repoLog.WithError(err).Error("repository collection failed")
			return nil
		})
	}
	return g.Wait()
}

// discover streams projects and repositories, writes the repository rows and
// returns the refs to fan out over.
func (c *Collector) discover(ctx context.Context, log *logrus.Entry) ([]repoRef, error) {
	var refs []repoRef
	err := c.src.Projects(ctx, func(p source.Project) error {
		return c.src.Repositories(ctx, p, func(repo model.Repository) error {
			if c.opts.RepoFilter != nil && !c.opts.RepoFilter[repo.ProjectKey+"/"+repo.RepoSlug] {
				return nil
			}
			row := repo
			if err := c.sink.Add(ctx, model.TableRepositories, &row); err != nil {
				return err
			}
			refs = append(refs, repoRef{project: p, slug: repo.RepoSlug})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("discover repositories: %w", err)
	}
	log.WithField("repos", len(refs)).Info("discovered repositories")
	return refs, nil
}

func (c *Collector) collectRepo(ctx context.Context, ref repoRef, log *logrus.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	marks := watermark.Marks{BranchHeads: map[string]string{}}
	if !c.opts.ForceRefetch && c.marks != nil {
		var err error
		marks, err = c.marks.Repo(ctx, ref.project.Key, ref.slug, c.src.Kind())
		if err != nil {
			return fmt.Errorf("load watermarks: %w", err)
		}
	}

	branches, err := c.collectBranches(ctx, ref)
	if err != nil {
		return fmt.Errorf("branches: %w", err)
	}

	// Run-level dedup: a commit reachable from several branches is emitted
	// once, attributed to the first branch that yields it.
	seen := map[string]bool{}
	commitSince := laterOf(c.opts.Since, marks.LastCommitDate)
	for _, branch := range branches {
		if !c.opts.ForceRefetch && marks.BranchHeads[branch.BranchName] == branch.LastCommitHash && branch.LastCommitHash != "" {
			log.WithField("branch", branch.BranchName).Debug("branch head unchanged, skipping commits")
			continue
		}
		if err := c.collectCommits(ctx, ref, branch.BranchName, commitSince, marks.LastCommitDate, seen); err != nil {
			return fmt.Errorf("commits on %s: %w", branch.BranchName, err)
		}
	}

	prSince := laterOf(c.opts.Since, marks.LastPRUpdate)
	if err := c.collectPullRequests(ctx, ref, prSince, marks.LastPRUpdate); err != nil {
		return fmt.Errorf("pull requests: %w", err)
	}
	return nil
}

// collectBranches writes every branch row and returns the ones whose commits
// are in scope for this run.
func (c *Collector) collectBranches(ctx context.Context, ref repoRef) ([]model.Branch, error) {
	var targets []model.Branch
	err := c.src.Branches(ctx, ref.project, ref.slug, func(b model.Branch) error {
		row := b
		if err := c.sink.Add(ctx, model.TableBranches, &row); err != nil {
			return err
		}
		if c.opts.Branches == config.BranchesAll || b.IsDefault == 1 {
			targets = append(targets, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return targets, nil
}

func (c *Collector) collectCommits(ctx context.Context, ref repoRef, branch string, since, mark time.Time, seen map[string]bool) error {
	return c.src.Commits(ctx, ref.project, ref.slug, branch, since, func(bundle source.CommitBundle) error {
		if c.skipNewer(bundle.Commit.Date) {
			return nil
		}
		// Streams stop strictly below the watermark, so a commit dated
		// exactly at it still comes through. It is already stored.
		if !mark.IsZero() && !bundle.Commit.Date.After(mark) {
			return nil
		}
		if seen[bundle.Commit.CommitHash] {
			return nil
		}
		seen[bundle.Commit.CommitHash] = true

		commit := bundle.Commit
		if err := c.sink.Add(ctx, model.TableCommits, &commit); err != nil {
			return err
		}
		for _, f := range bundle.Files {
			file := f
			if err := c.sink.Add(ctx, model.TableCommitFiles, &file); err != nil {
				return err
			}
		}
		for _, tk := range bundle.Tickets {
			ticket := tk
			if err := c.sink.Add(ctx, model.TableJiraTickets, &ticket); err != nil {
				return err
			}
		}
		c.commits.Add(1)
		return nil
	})
}

func (c *Collector) collectPullRequests(ctx context.Context, ref repoRef, since, mark time.Time) error {
	return c.src.PullRequests(ctx, ref.project, ref.slug, since, func(bundle source.PullRequestBundle) error {
		if c.skipNewer(bundle.PullRequest.UpdatedOn) {
			return nil
		}
		if !mark.IsZero() && !bundle.PullRequest.UpdatedOn.After(mark) {
			return nil
		}
		pr := bundle.PullRequest
		if err := c.sink.Add(ctx, model.TablePullRequests, &pr); err != nil {
			return err
		}
		for _, rv := range bundle.Reviewers {
			reviewer := rv
			if err := c.sink.Add(ctx, model.TablePRReviewers, &reviewer); err != nil {
				return err
			}
		}
		for _, cm := range bundle.Comments {
			comment := cm
			if err := c.sink.Add(ctx, model.TablePRComments, &comment); err != nil {
				return err
			}
		}
		for _, link := range bundle.Commits {
			prCommit := link
			if err := c.sink.Add(ctx, model.TablePRCommits, &prCommit); err != nil {
				return err
			}
		}
		for _, tk := range bundle.Tickets {
			ticket := tk
			if err := c.sink.Add(ctx, model.TableJiraTickets, &ticket); err != nil {
				return err
			}
		}
		c.prs.Add(1)
		return nil
	})
}

// skipNewer applies the until ceiling. Streams are newest-first, so records
// beyond the ceiling are skipped rather than used as a stop signal.
func (c *Collector) skipNewer(t time.Time) bool {
	return !c.opts.Until.IsZero() && t.After(c.opts.Until)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

var _ Writer = (*sink.Sink)(nil)
