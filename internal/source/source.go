// Package source defines the capability contract every upstream adapter
// implements. The orchestrator only talks to this interface; which API
// dialect (REST, GraphQL, bulk vs per-item) serves a stream is the
// adapter's decision.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/devinsight/insight/internal/model"
)

// ErrStop is returned by a stream callback to end pagination early, for
// example when the next record crosses the repository watermark. The
// adapter stops fetching and the stream call returns nil.
var ErrStop = errors.New("stop stream")

// Project is an upstream grouping of repositories. GitHub adapters expose a
// single virtual project for the organization.
type Project struct {
	Key  string
	Name string
}

// CommitBundle couples a commit row with its per-file rows and the tickets
// referenced from its message. Files may be empty when the upstream path
// does not expose per-file stats (GitHub GraphQL bulk).
type CommitBundle struct {
	Commit  model.Commit
	Files   []model.CommitFile
	Tickets []model.Ticket
}

// PullRequestBundle couples a pull-request row with its nested collections.
type PullRequestBundle struct {
	PullRequest model.PullRequest
	Reviewers   []model.Reviewer
	Comments    []model.PRComment
	Commits     []model.PRCommit
	Tickets     []model.Ticket
}

// Options tunes what an adapter collects per entity.
type Options struct {
	// CollectFiles enables the per-commit file/diff collection where it
	// costs extra calls.
	CollectFiles bool
	// CollectReviews / CollectComments gate the nested PR collections; the
	// PR row itself is always emitted.
	CollectReviews  bool
	CollectComments bool
}

// Source is the per-upstream capability set. All streams are lazy, finite
// and single-pass; commit and pull-request streams are newest-first on the
// field the watermark compares against, so ErrStop from the callback
// implements early stopping correctly.
type Source interface {
	// Kind returns the data_source discriminator this adapter stamps.
	Kind() string

	// Projects streams the upstream's projects.
	Projects(ctx context.Context, fn func(Project) error) error

	// Repositories streams the repositories of one project.
	Repositories(ctx context.Context, project Project, fn func(model.Repository) error) error

	// Branches streams the branches of one repository, marking the default.
	Branches(ctx context.Context, project Project, repoSlug string, fn func(model.Branch) error) error

	// Commits streams commits of one branch, newest-first, optionally
	// bounded below by since (zero = unbounded).
	Commits(ctx context.Context, project Project, repoSlug, branch string, since time.Time, fn func(CommitBundle) error) error

	// CommitFiles streams the per-file rows of a single commit. Adapters
	// whose commit stream already inlines files may serve this from the
	// same data.
	CommitFiles(ctx context.Context, project Project, repoSlug, commitHash string, fn func(model.CommitFile) error) error

	// PullRequests streams pull requests newest-first by update time with
	// nested reviewers, comments and commit links per Options.
	PullRequests(ctx context.Context, project Project, repoSlug string, since time.Time, fn func(PullRequestBundle) error) error

	// APICalls reports the number of upstream requests issued so far.
	APICalls() int64
}
