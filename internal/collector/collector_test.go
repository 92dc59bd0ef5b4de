package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devinsight/insight/internal/config"
	"github.com/devinsight/insight/internal/model"
	"github.com/devinsight/insight/internal/sink"
	"github.com/devinsight/insight/internal/source"
	"github.com/devinsight/insight/internal/watermark"
)

var testNow = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeRepo struct {
	repo       model.Repository
	branches   []model.Branch
	commits    map[string][]source.CommitBundle
	prs        []source.PullRequestBundle
	commitsErr error
}

type fakeSource struct {
	kind    string
	project source.Project
	repos   []*fakeRepo
	calls   atomic.Int64

	mu          sync.Mutex
	commitSince map[string]time.Time
	prSince     map[string]time.Time
}

func newFakeSource(repos ...*fakeRepo) *fakeSource {
	return &fakeSource{
		kind:        model.SourceBitbucketServer,
		project:     source.Project{Key: "CORE", Name: "Core"},
		repos:       repos,
		commitSince: map[string]time.Time{},
		prSince:     map[string]time.Time{},
	}
}

func (f *fakeSource) find(slug string) *fakeRepo {
	for _, r := range f.repos {
		if r.repo.RepoSlug == slug {
			return r
		}
	}
	return nil
}

func (f *fakeSource) Kind() string    { return f.kind }
func (f *fakeSource) APICalls() int64 { return f.calls.Load() }

func (f *fakeSource) Projects(_ context.Context, fn func(source.Project) error) error {
	f.calls.Add(1)
	return fn(f.project)
}

func (f *fakeSource) Repositories(_ context.Context, _ source.Project, fn func(model.Repository) error) error {
	f.calls.Add(1)
	for _, r := range f.repos {
		if err := fn(r.repo); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) Branches(_ context.Context, _ source.Project, slug string, fn func(model.Branch) error) error {
	f.calls.Add(1)
	for _, b := range f.find(slug).branches {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) Commits(_ context.Context, _ source.Project, slug, branch string, since time.Time, fn func(source.CommitBundle) error) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.commitSince[slug+"/"+branch] = since
	f.mu.Unlock()

	r := f.find(slug)
	if r.commitsErr != nil {
		return r.commitsErr
	}
	for _, b := range r.commits[branch] {
		if !since.IsZero() && b.Commit.Date.Before(since) {
			return nil
		}
		if err := fn(b); err != nil {
			if errors.Is(err, source.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (f *fakeSource) CommitFiles(context.Context, source.Project, string, string, func(model.CommitFile) error) error {
	return nil
}

func (f *fakeSource) PullRequests(_ context.Context, _ source.Project, slug string, since time.Time, fn func(source.PullRequestBundle) error) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.prSince[slug] = since
	f.mu.Unlock()

	for _, b := range f.find(slug).prs {
		if !since.IsZero() && b.PullRequest.UpdatedOn.Before(since) {
			return nil
		}
		if err := fn(b); err != nil {
			if errors.Is(err, source.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

type fakeWriter struct {
	mu     sync.Mutex
	rows   map[string][]any
	failOn string
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{rows: map[string][]any{}}
}

func (w *fakeWriter) Add(_ context.Context, table string, row any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if table == w.failOn {
		return fmt.Errorf("%w: %s: disk full", sink.ErrWrite, table)
	}
	w.rows[table] = append(w.rows[table], row)
	return nil
}

func (w *fakeWriter) Flush(context.Context, string) error { return nil }
func (w *fakeWriter) FlushAll(context.Context) error      { return nil }

func (w *fakeWriter) count(table string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows[table])
}

func (w *fakeWriter) runRows(t *testing.T) []*model.CollectionRun {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*model.CollectionRun
	for _, row := range w.rows[model.TableCollectionRuns] {
		out = append(out, row.(*model.CollectionRun))
	}
	return out
}

type fakeMarks struct {
	marks map[string]watermark.Marks
}

func (f *fakeMarks) Repo(_ context.Context, projectKey, repoSlug, _ string) (watermark.Marks, error) {
	m, ok := f.marks[projectKey+"/"+repoSlug]
	if !ok {
		return watermark.Marks{BranchHeads: map[string]string{}}, nil
	}
	return m, nil
}

func commitAt(slug, hash string, at time.Time) source.CommitBundle {
	return source.CommitBundle{Commit: model.Commit{
		ProjectKey: "CORE",
		RepoSlug:   slug,
		CommitHash: hash,
		DataSource: model.SourceBitbucketServer,
		Date:       at,
	}}
}

func prAt(slug string, id int64, updated time.Time) source.PullRequestBundle {
	return source.PullRequestBundle{PullRequest: model.PullRequest{
		ProjectKey: "CORE",
		RepoSlug:   slug,
		PRID:       id,
		PRNumber:   id,
		DataSource: model.SourceBitbucketServer,
		UpdatedOn:  updated,
	}}
}

func defaultBranch(slug, head string) model.Branch {
	return model.Branch{
		ProjectKey: "CORE", RepoSlug: slug, BranchName: "main",
		DataSource: model.SourceBitbucketServer, IsDefault: 1, LastCommitHash: head,
	}
}

func newCollector(src source.Source, w Writer, marks watermark.Reader, opts Options) *Collector {
	return New(src, w, marks, opts, func() time.Time { return testNow }, nil)
}

func TestRunCollectsEverything(t *testing.T) {
	repo := &fakeRepo{
		repo:     model.Repository{ProjectKey: "CORE", RepoSlug: "api", DataSource: model.SourceBitbucketServer},
		branches: []model.Branch{defaultBranch("api", "c2")},
		commits: map[string][]source.CommitBundle{
			"main": {
				commitAt("api", "c2", testNow.Add(-time.Hour)),
				commitAt("api", "c1", testNow.Add(-2*time.Hour)),
			},
		},
		prs: []source.PullRequestBundle{prAt("api", 1, testNow.Add(-30*time.Minute))},
	}
	repo.prs[0].Tickets = []model.Ticket{{ExternalTicketID: "CORE-1", PRID: 1}}

	src := newFakeSource(repo)
	w := newFakeWriter()
	coll := newCollector(src, w, &fakeMarks{}, Options{MaxWorkers: 2})

	stats, err := coll.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.ReposProcessed)
	assert.Equal(t, int64(2), stats.CommitsCollected)
	assert.Equal(t, int64(1), stats.PRsCollected)
	assert.Equal(t, src.APICalls(), stats.APICalls)
	assert.Zero(t, stats.Errors)

	assert.Equal(t, 1, w.count(model.TableRepositories))
	assert.Equal(t, 1, w.count(model.TableBranches))
	assert.Equal(t, 2, w.count(model.TableCommits))
	assert.Equal(t, 1, w.count(model.TablePullRequests))
	assert.Equal(t, 1, w.count(model.TableJiraTickets))

	runRows := w.runRows(t)
	require.Len(t, runRows, 2, "running row plus final row")
	assert.Equal(t, model.RunStatusRunning, runRows[0].Status)
	assert.Equal(t, model.RunStatusCompleted, runRows[1].Status)
	assert.Equal(t, runRows[0].RunID, runRows[1].RunID)
	assert.Equal(t, int64(2), runRows[1].CommitsCollected)
}

func TestRunRepositoryFilter(t *testing.T) {
	src := newFakeSource(
		&fakeRepo{repo: model.Repository{ProjectKey: "CORE", RepoSlug: "api"}},
		&fakeRepo{repo: model.Repository{ProjectKey: "CORE", RepoSlug: "web"}},
	)
	w := newFakeWriter()
	coll := newCollector(src, w, &fakeMarks{}, Options{
		RepoFilter: map[string]bool{"CORE/web": true},
	})

	stats, err := coll.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ReposProcessed)
	assert.Equal(t, 1, w.count(model.TableRepositories))
}

func TestRunAppliesWatermarks(t *testing.T) {
	mark := testNow.Add(-24 * time.Hour)
	prMark := testNow.Add(-12 * time.Hour)
	repo := &fakeRepo{
		repo:     model.Repository{ProjectKey: "CORE", RepoSlug: "api"},
		branches: []model.Branch{defaultBranch("api", "head2")},
	}
	src := newFakeSource(repo)
	marks := &fakeMarks{marks: map[string]watermark.Marks{
		"CORE/api": {
			LastCommitDate: mark,
			LastPRUpdate:   prMark,
			BranchHeads:    map[string]string{"main": "head1"},
		},
	}}
	w := newFakeWriter()
	coll := newCollector(src, w, marks, Options{})

	_, err := coll.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mark, src.commitSince["api/main"], "commit watermark flows into the stream bound")
	assert.Equal(t, prMark, src.prSince["api"])
}

func TestRunWatermarkEqualEmitsNothing(t *testing.T) {
	mark := testNow.Add(-time.Hour)
	repo := &fakeRepo{
		repo:     model.Repository{ProjectKey: "CORE", RepoSlug: "api"},
		branches: []model.Branch{defaultBranch("api", "head2")},
		commits: map[string][]source.CommitBundle{
			"main": {commitAt("api", "c9", mark)},
		},
		prs: []source.PullRequestBundle{prAt("api", 3, mark)},
	}
	src := newFakeSource(repo)
	marks := &fakeMarks{marks: map[string]watermark.Marks{
		"CORE/api": {
			LastCommitDate: mark,
			LastPRUpdate:   mark,
			BranchHeads:    map[string]string{"main": "head1"},
		},
	}}
	w := newFakeWriter()
	coll := newCollector(src, w, marks, Options{})

	stats, err := coll.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.CommitsCollected, "a commit dated exactly at the watermark is already stored")
	assert.Zero(t, stats.PRsCollected)
	assert.Zero(t, w.count(model.TableCommits))
	assert.Zero(t, w.count(model.TablePullRequests))
}

func TestRunSkipsUnchangedBranchHead(t *testing.T) {
	repo := &fakeRepo{
		repo:     model.Repository{ProjectKey: "CORE", RepoSlug: "api"},
		branches: []model.Branch{defaultBranch("api", "head1")},
	}
	src := newFakeSource(repo)
	marks := &fakeMarks{marks: map[string]watermark.Marks{
		"CORE/api": {BranchHeads: map[string]string{"main": "head1"}},
	}}
	coll := newCollector(src, newFakeWriter(), marks, Options{})

	_, err := coll.Run(context.Background())
	require.NoError(t, err)
	_, asked := src.commitSince["api/main"]
	assert.False(t, asked, "unchanged head skips the commit stream entirely")
}

func TestRunForceRefetchIgnoresWatermarks(t *testing.T) {
	repo := &fakeRepo{
		repo:     model.Repository{ProjectKey: "CORE", RepoSlug: "api"},
		branches: []model.Branch{defaultBranch("api", "head1")},
	}
	src := newFakeSource(repo)
	marks := &fakeMarks{marks: map[string]watermark.Marks{
		"CORE/api": {
			LastCommitDate: testNow.Add(-time.Hour),
			BranchHeads:    map[string]string{"main": "head1"},
		},
	}}
	coll := newCollector(src, newFakeWriter(), marks, Options{ForceRefetch: true})

	_, err := coll.Run(context.Background())
	require.NoError(t, err)
	since, asked := src.commitSince["api/main"]
	require.True(t, asked, "force refetch never skips a branch")
	assert.True(t, since.IsZero(), "force refetch drops the watermark bound")
}

func TestRunUntilSkipsNewerRecords(t *testing.T) {
	until := testNow.Add(-time.Hour)
	repo := &fakeRepo{
		repo:     model.Repository{ProjectKey: "CORE", RepoSlug: "api"},
		branches: []model.Branch{defaultBranch("api", "c3")},
		commits: map[string][]source.CommitBundle{
			"main": {
				commitAt("api", "c3", testNow.Add(-10*time.Minute)),
				commitAt("api", "c2", testNow.Add(-2*time.Hour)),
			},
		},
		prs: []source.PullRequestBundle{prAt("api", 1, testNow.Add(-5*time.Minute))},
	}
	src := newFakeSource(repo)
	w := newFakeWriter()
	coll := newCollector(src, w, &fakeMarks{}, Options{Until: until})

	stats, err := coll.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CommitsCollected, "commit beyond the ceiling is skipped")
	assert.Zero(t, stats.PRsCollected)
}

func TestRunDeduplicatesAcrossBranches(t *testing.T) {
	shared := commitAt("api", "c1", testNow.Add(-2*time.Hour))
	repo := &fakeRepo{
		repo: model.Repository{ProjectKey: "CORE", RepoSlug: "api"},
		branches: []model.Branch{
			defaultBranch("api", "c1"),
			{ProjectKey: "CORE", RepoSlug: "api", BranchName: "develop", LastCommitHash: "c2"},
		},
		commits: map[string][]source.CommitBundle{
			"main":    {shared},
			"develop": {commitAt("api", "c2", testNow.Add(-time.Hour)), shared},
		},
	}
	src := newFakeSource(repo)
	w := newFakeWriter()
	coll := newCollector(src, w, &fakeMarks{}, Options{Branches: config.BranchesAll})

	stats, err := coll.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.CommitsCollected, "shared commit counts once")
	assert.Equal(t, 2, w.count(model.TableCommits))
}

func TestRunIsolatesRepositoryFailures(t *testing.T) {
	bad := &fakeRepo{
		repo:       model.Repository{ProjectKey: "CORE", RepoSlug: "bad"},
		branches:   []model.Branch{defaultBranch("bad", "x")},
		commitsErr: errors.New("upstream exploded"),
	}
	good := &fakeRepo{
		repo:     model.Repository{ProjectKey: "CORE", RepoSlug: "good"},
		branches: []model.Branch{defaultBranch("good", "c1")},
		commits: map[string][]source.CommitBundle{
			"main": {commitAt("good", "c1", testNow.Add(-time.Hour))},
		},
	}
	src := newFakeSource(bad, good)
	w := newFakeWriter()
	coll := newCollector(src, w, &fakeMarks{}, Options{MaxWorkers: 1})

	stats, err := coll.Run(context.Background())
	require.NoError(t, err, "a repository failure does not fail the run")
	assert.Equal(t, int64(1), stats.ReposProcessed)
	assert.Equal(t, int64(1), stats.Errors)

	runRows := w.runRows(t)
	assert.Equal(t, model.RunStatusCompleted, runRows[len(runRows)-1].Status)
}

func TestRunSinkFailureAbortsRun(t *testing.T) {
	repo := &fakeRepo{
		repo:     model.Repository{ProjectKey: "CORE", RepoSlug: "api"},
		branches: []model.Branch{defaultBranch("api", "c1")},
		commits: map[string][]source.CommitBundle{
			"main": {commitAt("api", "c1", testNow.Add(-time.Hour))},
		},
	}
	src := newFakeSource(repo)
	w := newFakeWriter()
	w.failOn = model.TableCommits
	coll := newCollector(src, w, &fakeMarks{}, Options{})

	_, err := coll.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sink.ErrWrite)

	runRows := w.runRows(t)
	require.NotEmpty(t, runRows)
	assert.Equal(t, model.RunStatusFailed, runRows[len(runRows)-1].Status)
}

func TestRunCancelledContextFailsCleanly(t *testing.T) {
	repo := &fakeRepo{
		repo:     model.Repository{ProjectKey: "CORE", RepoSlug: "api"},
		branches: []model.Branch{defaultBranch("api", "c1")},
	}
	src := newFakeSource(repo)
	w := newFakeWriter()
	coll := newCollector(src, w, &fakeMarks{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := coll.Run(ctx)
	require.Error(t, err)

	runRows := w.runRows(t)
	require.NotEmpty(t, runRows, "the final run row is written despite cancellation")
	assert.Equal(t, model.RunStatusFailed, runRows[len(runRows)-1].Status)
}

func TestOnMapErrorCountsAgainstRun(t *testing.T) {
	repo := &fakeRepo{
		repo:     model.Repository{ProjectKey: "CORE", RepoSlug: "api"},
		branches: []model.Branch{defaultBranch("api", "c1")},
		commits: map[string][]source.CommitBundle{
			"main": {commitAt("api", "c1", testNow.Add(-time.Hour))},
		},
	}
	src := newFakeSource(repo)
	w := newFakeWriter()
	coll := newCollector(src, w, &fakeMarks{}, Options{})

	coll.OnMapError("commit", errors.New("missing hash"))
	stats, err := coll.Run(context.Background())
	require.NoError(t, err)
	// Counters reset at run start; the pre-run drop belongs to no run.
	assert.Zero(t, stats.Errors)

	coll.OnMapError("commit", errors.New("missing hash"))
	assert.Equal(t, int64(1), coll.errs.Load())
}
