package github

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	gh "github.com/google/go-github/v57/github"

	"github.com/devinsight/insight/internal/jira"
	"github.com/devinsight/insight/internal/model"
	"github.com/devinsight/insight/internal/source"
)

// restPageSize is the per_page value for every REST list call.
const restPageSize = 100

// call issues one go-github request under the harness.
func (a *Adapter) call(ctx context.Context, op string, fn func(ctx context.Context) (*gh.Response, error)) error {
	return a.harness.Do(ctx, op, func(ctx context.Context) error {
		resp, err := fn(ctx)
		return a.classify(resp, err)
	})
}

// Repositories streams the organization's repositories (REST in both modes;
// the list is cheap and carries all the metadata the row needs).
func (a *Adapter) Repositories(ctx context.Context, project source.Project, fn func(model.Repository) error) error {
	opt := &gh.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: gh.ListOptions{PerPage: restPageSize},
	}
	for {
		var repos []*gh.Repository
		var resp *gh.Response
		err := a.call(ctx, "repos.list", func(ctx context.Context) (*gh.Response, error) {
			var err error
			repos, resp, err = a.rest.Repositories.ListByOrg(ctx, a.org, opt)
			return resp, err
		})
		if err != nil {
			return err
		}
		for _, r := range repos {
			if r.GetName() == "" {
				a.onMapError("repository", fmt.Errorf("repository %d without name", r.GetID()))
				continue
			}
			if err := fn(a.mapRepository(project.Key, r)); err != nil {
				if errors.Is(err, source.ErrStop) {
					return nil
				}
				return err
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return nil
		}
		opt.Page = resp.NextPage
	}
}

func (a *Adapter) mapRepository(projectKey string, r *gh.Repository) model.Repository {
	now := a.clock()
	forkPolicy := "no_forks"
	if r.GetAllowForking() {
		forkPolicy = "allow_forks"
	}
	return model.Repository{
		ProjectKey:     projectKey,
		RepoSlug:       r.GetName(),
		DataSource:     a.dataSource,
		Name:           r.GetName(),
		UUID:           strconv.FormatInt(r.GetID(), 10),
		IsPrivate:      boolToFlag(r.GetPrivate()),
		IsEmpty:        boolToFlag(r.GetSize() == 0),
		ForkPolicy:     forkPolicy,
		SizeBytes:      int64(r.GetSize()) * 1024, // API reports kilobytes
		Language:       r.GetLanguage(),
		HasIssues:      boolToFlag(r.GetHasIssues()),
		HasWiki:        boolToFlag(r.GetHasWiki()),
		LastCommitDate: r.GetPushedAt().Time.UTC(),
		FirstSeen:      now,
		LastUpdated:    r.GetUpdatedAt().Time.UTC(),
		Version:        model.VersionAt(now),
	}
}

// Branches streams a repository's branches. One extra repository fetch
// resolves the default branch name.
func (a *Adapter) Branches(ctx context.Context, project source.Project, repoSlug string, fn func(model.Branch) error) error {
	var repo *gh.Repository
	err := a.call(ctx, "repos.get", func(ctx context.Context) (*gh.Response, error) {
		var resp *gh.Response
		var err error
		repo, resp, err = a.rest.Repositories.Get(ctx, a.org, repoSlug)
		return resp, err
	})
	if err != nil {
		return err
	}
	defaultBranch := repo.GetDefaultBranch()

	opt := &gh.BranchListOptions{ListOptions: gh.ListOptions{PerPage: restPageSize}}
	for {
		var branches []*gh.Branch
		var resp *gh.Response
		err := a.call(ctx, "branches.list", func(ctx context.Context) (*gh.Response, error) {
			var err error
			branches, resp, err = a.rest.Repositories.ListBranches(ctx, a.org, repoSlug, opt)
			return resp, err
		})
		if err != nil {
			return err
		}
		for _, b := range branches {
			if b.GetName() == "" {
				a.onMapError("branch", fmt.Errorf("branch without name in %s", repoSlug))
				continue
			}
			now := a.clock()
			row := model.Branch{
				ProjectKey:     project.Key,
				RepoSlug:       repoSlug,
				BranchName:     b.GetName(),
				DataSource:     a.dataSource,
				IsDefault:      boolToFlag(b.GetName() == defaultBranch),
				LastCommitHash: b.GetCommit().GetSHA(),
				LastCheckedAt:  now,
				Version:        model.VersionAt(now),
			}
			if err := fn(row); err != nil {
				if errors.Is(err, source.ErrStop) {
					return nil
				}
				return err
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return nil
		}
		opt.Page = resp.NextPage
	}
}

// commitsREST is the fallback commit stream: one list call per page plus one
// detail call per commit when file collection is on. The list is
// newest-first, so paging stops at the watermark.
func (a *Adapter) commitsREST(ctx context.Context, project source.Project, repoSlug, branch string, since time.Time, fn func(source.CommitBundle) error) error {
	opt := &gh.CommitsListOptions{
		SHA:         branch,
		ListOptions: gh.ListOptions{PerPage: restPageSize},
	}
	if !since.IsZero() {
		opt.Since = since
	}
	for {
		var commits []*gh.RepositoryCommit
		var resp *gh.Response
		err := a.call(ctx, "commits.list", func(ctx context.Context) (*gh.Response, error) {
			var err error
			commits, resp, err = a.rest.Repositories.ListCommits(ctx, a.org, repoSlug, opt)
			return resp, err
		})
		if err != nil {
			return err
		}
		for _, rc := range commits {
			if rc.GetSHA() == "" {
				a.onMapError("commit", fmt.Errorf("commit without sha in %s", repoSlug))
				continue
			}
			commit := a.mapRESTCommit(project.Key, repoSlug, branch, rc)
			if !since.IsZero() && commit.Date.Before(since) {
				return nil
			}

			bundle := source.CommitBundle{Commit: commit}
			if a.opts.CollectFiles {
				files, added, removed, err := a.commitDetail(ctx, repoSlug, rc.GetSHA())
				if err != nil {
					return fmt.Errorf("commit %s detail: %w", rc.GetSHA(), err)
				}
				bundle.Files = a.mapCommitFiles(project.Key, repoSlug, rc.GetSHA(), files)
				bundle.Commit.FilesChanged = int32(len(files))
				bundle.Commit.LinesAdded = added
				bundle.Commit.LinesRemoved = removed
			}
			bundle.Tickets = a.commitTickets(project.Key, repoSlug, rc.GetSHA(), commit.Message, commit.Version)
			if err := fn(bundle); err != nil {
				if errors.Is(err, source.ErrStop) {
					return nil
				}
				return err
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return nil
		}
		opt.Page = resp.NextPage
	}
}

func (a *Adapter) mapRESTCommit(projectKey, repoSlug, branch string, rc *gh.RepositoryCommit) model.Commit {
	c := rc.GetCommit()
	parents := make([]string, 0, len(rc.Parents))
	for _, p := range rc.Parents {
		parents = append(parents, p.GetSHA())
	}
	parentsJSON, isMerge := model.ParentsJSON(parents)
	return model.Commit{
		ProjectKey:     projectKey,
		RepoSlug:       repoSlug,
		CommitHash:     rc.GetSHA(),
		DataSource:     a.dataSource,
		Branch:         branch,
		AuthorName:     c.GetAuthor().GetName(),
		AuthorEmail:    c.GetAuthor().GetEmail(),
		CommitterName:  c.GetCommitter().GetName(),
		CommitterEmail: c.GetCommitter().GetEmail(),
		Message:        c.GetMessage(),
		Date:           c.GetAuthor().GetDate().Time.UTC(),
		Parents:        parentsJSON,
		IsMergeCommit:  boolToFlag(isMerge),
		Version:        a.version(),
	}
}

func (a *Adapter) commitTickets(projectKey, repoSlug, hash, message string, version int64) []model.Ticket {
	var tickets []model.Ticket
	for _, key := range jira.Extract(message) {
		tickets = append(tickets, model.Ticket{
			ExternalTicketID: key,
			ProjectKey:       projectKey,
			RepoSlug:         repoSlug,
			CommitHash:       hash,
			DataSource:       a.dataSource,
			Version:          version,
		})
	}
	return tickets
}

// commitDetail fetches one commit with per-file stats.
func (a *Adapter) commitDetail(ctx context.Context, repoSlug, sha string) ([]*gh.CommitFile, int32, int32, error) {
	var rc *gh.RepositoryCommit
	err := a.call(ctx, "commits.get", func(ctx context.Context) (*gh.Response, error) {
		var resp *gh.Response
		var err error
		rc, resp, err = a.rest.Repositories.GetCommit(ctx, a.org, repoSlug, sha, nil)
		return resp, err
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return rc.Files, int32(rc.GetStats().GetAdditions()), int32(rc.GetStats().GetDeletions()), nil
}

func (a *Adapter) mapCommitFiles(projectKey, repoSlug, sha string, files []*gh.CommitFile) []model.CommitFile {
	version := a.version()
	rows := make([]model.CommitFile, 0, len(files))
	for _, f := range files {
		if f.GetFilename() == "" {
			a.onMapError("commit_file", fmt.Errorf("file without path in commit %s", sha))
			continue
		}
		sum := sha256.Sum256([]byte(f.GetPatch()))
		rows = append(rows, model.CommitFile{
			ProjectKey:   projectKey,
			RepoSlug:     repoSlug,
			CommitHash:   sha,
			FilePath:     f.GetFilename(),
			DataSource:   a.dataSource,
			DiffHash:     hex.EncodeToString(sum[:]),
			Extension:    model.FileExtension(f.GetFilename()),
			LinesAdded:   int32(f.GetAdditions()),
			LinesRemoved: int32(f.GetDeletions()),
			Version:      version,
		})
	}
	return rows
}

// CommitFiles streams the per-file rows of one commit (REST in both modes;
// the GraphQL bulk path does not carry patches).
func (a *Adapter) CommitFiles(ctx context.Context, project source.Project, repoSlug, commitHash string, fn func(model.CommitFile) error) error {
	files, _, _, err := a.commitDetail(ctx, repoSlug, commitHash)
	if err != nil {
		return err
	}
	for _, row := range a.mapCommitFiles(project.Key, repoSlug, commitHash, files) {
		if err := fn(row); err != nil {
			if errors.Is(err, source.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// pullRequestsREST lists pull requests sorted by update time descending and
// fills counts and nested collections with per-PR detail calls.
func (a *Adapter) pullRequestsREST(ctx context.Context, project source.Project, repoSlug string, since time.Time, fn func(source.PullRequestBundle) error) error {
	opt := &gh.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: restPageSize},
	}
	for {
		var prs []*gh.PullRequest
		var resp *gh.Response
		err := a.call(ctx, "pulls.list", func(ctx context.Context) (*gh.Response, error) {
			var err error
			prs, resp, err = a.rest.PullRequests.List(ctx, a.org, repoSlug, opt)
			return resp, err
		})
		if err != nil {
			return err
		}
		for _, pr := range prs {
			if pr.GetID() == 0 {
				a.onMapError("pull_request", fmt.Errorf("pull request without id in %s", repoSlug))
				continue
			}
			if !since.IsZero() && pr.GetUpdatedAt().Time.Before(since) {
				return nil
			}
			bundle, err := a.buildRESTBundle(ctx, project.Key, repoSlug, pr)
			if err != nil {
				return err
			}
			if err := fn(bundle); err != nil {
				if errors.Is(err, source.ErrStop) {
					return nil
				}
				return err
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return nil
		}
		opt.Page = resp.NextPage
	}
}

func (a *Adapter) buildRESTBundle(ctx context.Context, projectKey, repoSlug string, listed *gh.PullRequest) (source.PullRequestBundle, error) {
	number := listed.GetNumber()

	// The list payload omits additions/deletions and the counts; one detail
	// call per PR fills them.
	var pr *gh.PullRequest
	err := a.call(ctx, "pulls.get", func(ctx context.Context) (*gh.Response, error) {
		var resp *gh.Response
		var err error
		pr, resp, err = a.rest.PullRequests.Get(ctx, a.org, repoSlug, number)
		return resp, err
	})
	if err != nil {
		return source.PullRequestBundle{}, fmt.Errorf("pr %d detail: %w", number, err)
	}

	created := pr.GetCreatedAt().Time.UTC()
	var closed *time.Time
	if pr.ClosedAt != nil {
		t := pr.GetClosedAt().Time.UTC()
		closed = &t
	}
	merged := pr.GetMerged() || pr.MergedAt != nil
	mergeCommit := ""
	if merged {
		mergeCommit = pr.GetMergeCommitSHA()
	}
	row := model.PullRequest{
		ProjectKey:        projectKey,
		RepoSlug:          repoSlug,
		PRID:              pr.GetID(),
		DataSource:        a.dataSource,
		PRNumber:          int64(number),
		Title:             pr.GetTitle(),
		Description:       pr.GetBody(),
		State:             mergedState(merged, pr.GetState()),
		Author:            pr.GetUser().GetLogin(),
		CreatedOn:         created,
		UpdatedOn:         pr.GetUpdatedAt().Time.UTC(),
		ClosedOn:          closed,
		MergeCommitHash:   mergeCommit,
		SourceBranch:      pr.GetHead().GetRef(),
		DestinationBranch: pr.GetBase().GetRef(),
		CommitCount:       int32(pr.GetCommits()),
		CommentCount:      int32(pr.GetComments() + pr.GetReviewComments()),
		FilesChanged:      int32(pr.GetChangedFiles()),
		LinesAdded:        int32(pr.GetAdditions()),
		LinesRemoved:      int32(pr.GetDeletions()),
		DurationSeconds:   model.DurationSeconds(created, closed),
		Version:           a.version(),
	}

	bundle := source.PullRequestBundle{PullRequest: row}
	if a.opts.CollectReviews {
		reviewers, err := a.prReviewersREST(ctx, projectKey, repoSlug, pr)
		if err != nil {
			return bundle, fmt.Errorf("pr %d reviews: %w", number, err)
		}
		bundle.Reviewers = reviewers
	}
	if a.opts.CollectComments {
		comments, err := a.prCommentsREST(ctx, projectKey, repoSlug, pr)
		if err != nil {
			return bundle, fmt.Errorf("pr %d comments: %w", number, err)
		}
		bundle.Comments = comments
	}
	links, err := a.prCommitsREST(ctx, projectKey, repoSlug, pr)
	if err != nil {
		return bundle, fmt.Errorf("pr %d commits: %w", number, err)
	}
	bundle.Commits = links

	for _, key := range jira.Extract(pr.GetTitle(), pr.GetBody()) {
		bundle.Tickets = append(bundle.Tickets, model.Ticket{
			ExternalTicketID: key,
			ProjectKey:       projectKey,
			RepoSlug:         repoSlug,
			PRID:             pr.GetID(),
			DataSource:       a.dataSource,
			Version:          row.Version,
		})
	}
	return bundle, nil
}

func (a *Adapter) prReviewersREST(ctx context.Context, projectKey, repoSlug string, pr *gh.PullRequest) ([]model.Reviewer, error) {
	version := a.version()
	var reviewers []model.Reviewer
	seen := map[string]bool{}

	opt := &gh.ListOptions{PerPage: restPageSize}
	for {
		var reviews []*gh.PullRequestReview
		var resp *gh.Response
		err := a.call(ctx, "pulls.reviews", func(ctx context.Context) (*gh.Response, error) {
			var err error
			reviews, resp, err = a.rest.PullRequests.ListReviews(ctx, a.org, repoSlug, pr.GetNumber(), opt)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, rv := range reviews {
			user := rv.GetUser()
			uuid := githubUUID(user.GetLogin(), user.GetID())
			if uuid == "" {
				a.onMapError("reviewer", fmt.Errorf("review without identity on pr %d", pr.GetNumber()))
				continue
			}
			var reviewedAt *time.Time
			if rv.SubmittedAt != nil {
				t := rv.GetSubmittedAt().Time.UTC()
				reviewedAt = &t
			}
			seen[uuid] = true
			reviewers = append(reviewers, model.Reviewer{
				ProjectKey:   projectKey,
				RepoSlug:     repoSlug,
				PRID:         pr.GetID(),
				ReviewerUUID: uuid,
				DataSource:   a.dataSource,
				Name:         user.GetLogin(),
				Status:       rv.GetState(),
				Role:         "REVIEWER",
				Approved:     boolToFlag(model.ApprovedStatus(rv.GetState())),
				ReviewedAt:   reviewedAt,
				Version:      version,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}

	// Requested reviewers who have not reviewed yet still get a row, with an
	// empty status.
	for _, user := range pr.RequestedReviewers {
		uuid := githubUUID(user.GetLogin(), user.GetID())
		if uuid == "" || seen[uuid] {
			continue
		}
		reviewers = append(reviewers, model.Reviewer{
			ProjectKey:   projectKey,
			RepoSlug:     repoSlug,
			PRID:         pr.GetID(),
			ReviewerUUID: uuid,
			DataSource:   a.dataSource,
			Name:         user.GetLogin(),
			Role:         "REVIEWER",
			Version:      version,
		})
	}
	return reviewers, nil
}

func (a *Adapter) prCommentsREST(ctx context.Context, projectKey, repoSlug string, pr *gh.PullRequest) ([]model.PRComment, error) {
	var comments []model.PRComment

	// Conversation comments live on the issue side of the API.
	issueOpt := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: restPageSize}}
	for {
		var batch []*gh.IssueComment
		var resp *gh.Response
		err := a.call(ctx, "issues.comments", func(ctx context.Context) (*gh.Response, error) {
			var err error
			batch, resp, err = a.rest.Issues.ListComments(ctx, a.org, repoSlug, pr.GetNumber(), issueOpt)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, c := range batch {
			comments = append(comments, model.PRComment{
				ProjectKey: projectKey,
				RepoSlug:   repoSlug,
				PRID:       pr.GetID(),
				CommentID:  c.GetID(),
				DataSource: a.dataSource,
				Content:    c.GetBody(),
				Author:     c.GetUser().GetLogin(),
				CreatedAt:  c.GetCreatedAt().Time.UTC(),
				UpdatedAt:  c.GetUpdatedAt().Time.UTC(),
				Version:    a.version(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		issueOpt.Page = resp.NextPage
	}

	// Inline review comments carry a file path and line.
	reviewOpt := &gh.PullRequestListCommentsOptions{ListOptions: gh.ListOptions{PerPage: restPageSize}}
	for {
		var batch []*gh.PullRequestComment
		var resp *gh.Response
		err := a.call(ctx, "pulls.comments", func(ctx context.Context) (*gh.Response, error) {
			var err error
			batch, resp, err = a.rest.PullRequests.ListComments(ctx, a.org, repoSlug, pr.GetNumber(), reviewOpt)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, c := range batch {
			line := c.GetLine()
			if line == 0 {
				line = c.GetOriginalLine()
			}
			comments = append(comments, model.PRComment{
				ProjectKey: projectKey,
				RepoSlug:   repoSlug,
				PRID:       pr.GetID(),
				CommentID:  c.GetID(),
				DataSource: a.dataSource,
				Content:    c.GetBody(),
				Author:     c.GetUser().GetLogin(),
				CreatedAt:  c.GetCreatedAt().Time.UTC(),
				UpdatedAt:  c.GetUpdatedAt().Time.UTC(),
				FilePath:   c.GetPath(),
				LineNumber: int32(line),
				Version:    a.version(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		reviewOpt.Page = resp.NextPage
	}
	return comments, nil
}

func (a *Adapter) prCommitsREST(ctx context.Context, projectKey, repoSlug string, pr *gh.PullRequest) ([]model.PRCommit, error) {
	version := a.version()
	var links []model.PRCommit

	opt := &gh.ListOptions{PerPage: restPageSize}
	for {
		var commits []*gh.RepositoryCommit
		var resp *gh.Response
		err := a.call(ctx, "pulls.commits", func(ctx context.Context) (*gh.Response, error) {
			var err error
			commits, resp, err = a.rest.PullRequests.ListCommits(ctx, a.org, repoSlug, pr.GetNumber(), opt)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, c := range commits {
			if c.GetSHA() == "" {
				a.onMapError("pr_commit", fmt.Errorf("pr %d commit without sha", pr.GetNumber()))
				continue
			}
			links = append(links, model.PRCommit{
				ProjectKey:  projectKey,
				RepoSlug:    repoSlug,
				PRID:        pr.GetID(),
				CommitHash:  c.GetSHA(),
				DataSource:  a.dataSource,
				CommitOrder: int32(len(links)), // preserves API response order
				Version:     version,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			return links, nil
		}
		opt.Page = resp.NextPage
	}
}
