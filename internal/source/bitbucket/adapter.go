package bitbucket

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devinsight/insight/internal/jira"
	"github.com/devinsight/insight/internal/model"
	"github.com/devinsight/insight/internal/source"
)

// Adapter implements source.Source against Bitbucket Server.
type Adapter struct {
	client     *Client
	dataSource string
	opts       source.Options
	clock      model.Clock
	log        *logrus.Entry
	onMapError func(entity string, err error)
}

// New builds the adapter. onMapError is invoked once per dropped record
// (may be nil); sibling records keep flowing.
func New(client *Client, dataSource string, opts source.Options, clock model.Clock, log *logrus.Entry, onMapError func(string, error)) *Adapter {
	if dataSource == "" {
		dataSource = model.SourceBitbucketServer
	}
	if clock == nil {
		clock = time.Now
	}
	if onMapError == nil {
		onMapError = func(string, error) {}
	}
	return &Adapter{
		client:     client,
		dataSource: dataSource,
		opts:       opts,
		clock:      clock,
		log:        log,
		onMapError: onMapError,
	}
}

func (a *Adapter) Kind() string { return a.dataSource }

func (a *Adapter) APICalls() int64 { return a.client.harness.Calls() }

func (a *Adapter) version() int64 { return model.VersionAt(a.clock()) }

// Projects streams /projects.
func (a *Adapter) Projects(ctx context.Context, fn func(source.Project) error) error {
	return a.client.forEachPage(ctx, "/projects", nil, func(raw json.RawMessage) error {
		p, err := decode[bbProject](raw)
		if err != nil || p.Key == "" {
			a.onMapError("project", fmt.Errorf("decode project: %w", err))
			return nil
		}
		return fn(source.Project{Key: p.Key, Name: p.Name})
	})
}

// Repositories streams /projects/{key}/repos.
func (a *Adapter) Repositories(ctx context.Context, project source.Project, fn func(model.Repository) error) error {
	path := fmt.Sprintf("/projects/%s/repos", url.PathEscape(project.Key))
	return a.client.forEachPage(ctx, path, nil, func(raw json.RawMessage) error {
		r, err := decode[bbRepo](raw)
		if err != nil || r.Slug == "" {
			a.onMapError("repository", fmt.Errorf("decode repository: %w", err))
			return nil
		}
		now := a.clock()
		isPrivate := uint8(1)
		if r.Public {
			isPrivate = 0
		}
		return fn(model.Repository{
			ProjectKey:  project.Key,
			RepoSlug:    r.Slug,
			DataSource:  a.dataSource,
			Name:        r.Name,
			IsPrivate:   isPrivate,
			FirstSeen:   now,
			LastUpdated: now,
			Version:     model.VersionAt(now),
		})
	})
}

// Branches streams /projects/{key}/repos/{slug}/branches. details=true asks
// the server to attach latest-commit metadata so the head timestamp comes
// back in the same page.
func (a *Adapter) Branches(ctx context.Context, project source.Project, repoSlug string, fn func(model.Branch) error) error {
	path := fmt.Sprintf("/projects/%s/repos/%s/branches", url.PathEscape(project.Key), url.PathEscape(repoSlug))
	q := url.Values{}
	q.Set("details", "true")
	return a.client.forEachPage(ctx, path, q, func(raw json.RawMessage) error {
		b, err := decode[bbBranch](raw)
		if err != nil || b.DisplayID == "" {
			a.onMapError("branch", fmt.Errorf("decode branch: %w", err))
			return nil
		}
		isDefault := uint8(0)
		if b.IsDefault {
			isDefault = 1
		}
		now := a.clock()
		branch := model.Branch{
			ProjectKey:     project.Key,
			RepoSlug:       repoSlug,
			BranchName:     b.DisplayID,
			DataSource:     a.dataSource,
			IsDefault:      isDefault,
			LastCommitHash: b.LatestCommit,
			LastCheckedAt:  now,
			Version:        model.VersionAt(now),
		}
		if ts := b.Metadata.LatestCommit.CommitterTimestamp; ts > 0 {
			branch.LastCommitDate = model.EpochMillis(ts)
		}
		return fn(branch)
	})
}

// Commits streams /projects/{key}/repos/{slug}/commits newest-first for one
// branch. The API cannot filter by time server-side, so the adapter stops
// paging once commits fall strictly below since.
func (a *Adapter) Commits(ctx context.Context, project source.Project, repoSlug, branch string, since time.Time, fn func(source.CommitBundle) error) error {
	path := fmt.Sprintf("/projects/%s/repos/%s/commits", url.PathEscape(project.Key), url.PathEscape(repoSlug))
	q := url.Values{}
	if branch != "" {
		q.Set("until", branch)
	}
	return a.client.forEachPage(ctx, path, q, func(raw json.RawMessage) error {
		c, err := decode[bbCommit](raw)
		if err != nil || c.ID == "" {
			a.onMapError("commit", fmt.Errorf("decode commit: %w", err))
			return nil
		}
		commit := a.mapCommit(project.Key, repoSlug, branch, c)
		if !since.IsZero() && commit.Date.Before(since) {
			return source.ErrStop
		}

		bundle := source.CommitBundle{Commit: commit}
		if a.opts.CollectFiles {
			files, stats, err := a.commitFiles(ctx, project, repoSlug, c.ID)
			if err != nil {
				return fmt.Errorf("commit %s files: %w", c.DisplayID, err)
			}
			bundle.Files = files
			bundle.Commit.FilesChanged = int32(len(files))
			bundle.Commit.LinesAdded = stats.added
			bundle.Commit.LinesRemoved = stats.removed
		}
		for _, key := range jira.Union(jira.Extract(c.Message), c.Properties.JiraKey) {
			bundle.Tickets = append(bundle.Tickets, model.Ticket{
				ExternalTicketID: key,
				ProjectKey:       project.Key,
				RepoSlug:         repoSlug,
				CommitHash:       c.ID,
				DataSource:       a.dataSource,
				Version:          bundle.Commit.Version,
			})
		}
		return fn(bundle)
	})
}

func (a *Adapter) mapCommit(projectKey, repoSlug, branch string, c bbCommit) model.Commit {
	parents := make([]string, 0, len(c.Parents))
	for _, p := range c.Parents {
		parents = append(parents, p.ID)
	}
	parentsJSON, isMerge := model.ParentsJSON(parents)
	merge := uint8(0)
	if isMerge {
		merge = 1
	}
	return model.Commit{
		ProjectKey:     projectKey,
		RepoSlug:       repoSlug,
		CommitHash:     c.ID,
		DataSource:     a.dataSource,
		Branch:         branch,
		AuthorName:     c.Author.Name,
		AuthorEmail:    c.Author.EmailAddress,
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.EmailAddress,
		Message:        c.Message,
		Date:           model.EpochMillis(c.AuthorTimestamp),
		Parents:        parentsJSON,
		IsMergeCommit:  merge,
		Version:        a.version(),
	}
}

type diffStats struct {
	added   int32
	removed int32
}

// CommitFiles streams the per-file rows of one commit via the diff
// endpoint.
func (a *Adapter) CommitFiles(ctx context.Context, project source.Project, repoSlug, commitHash string, fn func(model.CommitFile) error) error {
	files, _, err := a.commitFiles(ctx, project, repoSlug, commitHash)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) commitFiles(ctx context.Context, project source.Project, repoSlug, commitHash string) ([]model.CommitFile, diffStats, error) {
	path := fmt.Sprintf("/projects/%s/repos/%s/commits/%s/diff",
		url.PathEscape(project.Key), url.PathEscape(repoSlug), url.PathEscape(commitHash))

	var resp bbDiffResponse
	if err := a.client.get(ctx, path, nil, &resp); err != nil {
		return nil, diffStats{}, err
	}

	version := a.version()
	var files []model.CommitFile
	var total diffStats
	for _, d := range resp.Diffs {
		filePath := ""
		if d.Destination != nil {
			filePath = d.Destination.ToString
		} else if d.Source != nil {
			filePath = d.Source.ToString
		}
		if filePath == "" {
			a.onMapError("commit_file", fmt.Errorf("diff entry without path in commit %s", commitHash))
			continue
		}

		hasher := sha256.New()
		var added, removed int32
		for _, hunk := range d.Hunks {
			for _, seg := range hunk.Segments {
				for _, line := range seg.Lines {
					hasher.Write([]byte(seg.Type))
					hasher.Write([]byte(line.Line))
					hasher.Write([]byte{'\n'})
				}
				switch seg.Type {
				case "ADDED":
					added += int32(len(seg.Lines))
				case "REMOVED":
					removed += int32(len(seg.Lines))
				}
			}
		}
		total.added += added
		total.removed += removed

		files = append(files, model.CommitFile{
			ProjectKey:   project.Key,
			RepoSlug:     repoSlug,
			CommitHash:   commitHash,
			FilePath:     filePath,
			DataSource:   a.dataSource,
			DiffHash:     hex.EncodeToString(hasher.Sum(nil)),
			Extension:    model.FileExtension(filePath),
			LinesAdded:   added,
			LinesRemoved: removed,
			Version:      version,
		})
	}
	return files, total, nil
}

// PullRequests streams /pull-requests newest-first by update time
// (order=NEWEST) with reviewers, comments and commit links attached.
func (a *Adapter) PullRequests(ctx context.Context, project source.Project, repoSlug string, since time.Time, fn func(source.PullRequestBundle) error) error {
	path := fmt.Sprintf("/projects/%s/repos/%s/pull-requests", url.PathEscape(project.Key), url.PathEscape(repoSlug))
	q := url.Values{}
	q.Set("state", "ALL")
	q.Set("order", "NEWEST")
	return a.client.forEachPage(ctx, path, q, func(raw json.RawMessage) error {
		pr, err := decode[bbPullRequest](raw)
		if err != nil || pr.ID == 0 {
			a.onMapError("pull_request", fmt.Errorf("decode pull request: %w", err))
			return nil
		}
		row := a.mapPullRequest(project.Key, repoSlug, pr)
		if !since.IsZero() && row.UpdatedOn.Before(since) {
			return source.ErrStop
		}

		bundle := source.PullRequestBundle{PullRequest: row}
		if a.opts.CollectReviews {
			bundle.Reviewers = a.mapReviewers(project.Key, repoSlug, pr)
		}
		if a.opts.CollectComments {
			comments, err := a.prComments(ctx, project, repoSlug, pr.ID)
			if err != nil {
				return fmt.Errorf("pr %d comments: %w", pr.ID, err)
			}
			bundle.Comments = comments
		}

		links, err := a.prCommits(ctx, project, repoSlug, pr.ID)
		if err != nil {
			return fmt.Errorf("pr %d commits: %w", pr.ID, err)
		}
		bundle.Commits = links
		bundle.PullRequest.CommitCount = int32(len(links))

		changed, err := a.prChangeCount(ctx, project, repoSlug, pr.ID)
		if err != nil {
			return fmt.Errorf("pr %d changes: %w", pr.ID, err)
		}
		bundle.PullRequest.FilesChanged = changed

		for _, key := range jira.Extract(pr.Title, pr.Description) {
			bundle.Tickets = append(bundle.Tickets, model.Ticket{
				ExternalTicketID: key,
				ProjectKey:       project.Key,
				RepoSlug:         repoSlug,
				PRID:             pr.ID,
				DataSource:       a.dataSource,
				Version:          row.Version,
			})
		}
		return fn(bundle)
	})
}

func (a *Adapter) mapPullRequest(projectKey, repoSlug string, pr bbPullRequest) model.PullRequest {
	created := model.EpochMillis(pr.CreatedDate)
	var closed *time.Time
	if pr.ClosedDate > 0 {
		t := model.EpochMillis(pr.ClosedDate)
		closed = &t
	}
	return model.PullRequest{
		ProjectKey:        projectKey,
		RepoSlug:          repoSlug,
		PRID:              pr.ID,
		DataSource:        a.dataSource,
		PRNumber:          pr.ID, // Bitbucket has a single PR identifier.
		Title:             pr.Title,
		Description:       pr.Description,
		State:             pr.State,
		Author:            pr.Author.User.Name,
		CreatedOn:         created,
		UpdatedOn:         model.EpochMillis(pr.UpdatedDate),
		ClosedOn:          closed,
		MergeCommitHash:   pr.Properties.MergeCommit.ID,
		SourceBranch:      pr.FromRef.DisplayID,
		DestinationBranch: pr.ToRef.DisplayID,
		CommentCount:      pr.Properties.CommentCount,
		TaskCount:         pr.Properties.OpenTaskCount,
		DurationSeconds:   model.DurationSeconds(created, closed),
		Version:           a.version(),
	}
}

func (a *Adapter) mapReviewers(projectKey, repoSlug string, pr bbPullRequest) []model.Reviewer {
	version := a.version()
	reviewers := make([]model.Reviewer, 0, len(pr.Reviewers))
	for _, r := range pr.Reviewers {
		uuid := r.User.Slug
		if uuid == "" {
			uuid = r.User.Name
		}
		if uuid == "" {
			a.onMapError("reviewer", fmt.Errorf("reviewer without identity on pr %d", pr.ID))
			continue
		}
		approved := uint8(0)
		if model.ApprovedStatus(r.Status) {
			approved = 1
		}
		reviewers = append(reviewers, model.Reviewer{
			ProjectKey:   projectKey,
			RepoSlug:     repoSlug,
			PRID:         pr.ID,
			ReviewerUUID: uuid,
			DataSource:   a.dataSource,
			Name:         r.User.DisplayName,
			Email:        r.User.EmailAddress,
			Status:       r.Status,
			Role:         "REVIEWER",
			Approved:     approved,
			// Bitbucket does not expose a review timestamp.
			ReviewedAt: nil,
			Version:    version,
		})
	}
	return reviewers
}

func (a *Adapter) prComments(ctx context.Context, project source.Project, repoSlug string, prID int64) ([]model.PRComment, error) {
	path := fmt.Sprintf("/projects/%s/repos/%s/pull-requests/%s/activities",
		url.PathEscape(project.Key), url.PathEscape(repoSlug), strconv.FormatInt(prID, 10))

	var comments []model.PRComment
	err := a.client.forEachPage(ctx, path, nil, func(raw json.RawMessage) error {
		act, err := decode[bbActivity](raw)
		if err != nil {
			a.onMapError("pr_comment", fmt.Errorf("decode activity: %w", err))
			return nil
		}
		if act.Action != "COMMENTED" || act.Comment == nil {
			return nil
		}
		c := act.Comment
		resolved := uint8(0)
		if c.ThreadResolved {
			resolved = 1
		}
		row := model.PRComment{
			ProjectKey:     project.Key,
			RepoSlug:       repoSlug,
			PRID:           prID,
			CommentID:      c.ID,
			DataSource:     a.dataSource,
			Content:        c.Text,
			Author:         c.Author.Name,
			CreatedAt:      model.EpochMillis(c.CreatedDate),
			UpdatedAt:      model.EpochMillis(c.UpdatedDate),
			State:          c.State,
			Severity:       c.Severity,
			ThreadResolved: resolved,
			Version:        a.version(),
		}
		if act.CommentAnchor != nil {
			row.FilePath = act.CommentAnchor.Path
			row.LineNumber = act.CommentAnchor.Line
		}
		comments = append(comments, row)
		return nil
	})
	return comments, err
}

func (a *Adapter) prCommits(ctx context.Context, project source.Project, repoSlug string, prID int64) ([]model.PRCommit, error) {
	path := fmt.Sprintf("/projects/%s/repos/%s/pull-requests/%s/commits",
		url.PathEscape(project.Key), url.PathEscape(repoSlug), strconv.FormatInt(prID, 10))

	version := a.version()
	var links []model.PRCommit
	err := a.client.forEachPage(ctx, path, nil, func(raw json.RawMessage) error {
		c, err := decode[bbCommit](raw)
		if err != nil || c.ID == "" {
			a.onMapError("pr_commit", fmt.Errorf("decode pr commit: %w", err))
			return nil
		}
		links = append(links, model.PRCommit{
			ProjectKey:  project.Key,
			RepoSlug:    repoSlug,
			PRID:        prID,
			CommitHash:  c.ID,
			DataSource:  a.dataSource,
			CommitOrder: int32(len(links)), // preserves API response order
			Version:     version,
		})
		return nil
	})
	return links, err
}

func (a *Adapter) prChangeCount(ctx context.Context, project source.Project, repoSlug string, prID int64) (int32, error) {
	path := fmt.Sprintf("/projects/%s/repos/%s/pull-requests/%s/changes",
		url.PathEscape(project.Key), url.PathEscape(repoSlug), strconv.FormatInt(prID, 10))

	var count int32
	err := a.client.forEachPage(ctx, path, nil, func(raw json.RawMessage) error {
		ch, err := decode[bbChange](raw)
		if err != nil || ch.Path.ToString == "" {
			a.onMapError("pr_change", fmt.Errorf("decode change: %w", err))
			return nil
		}
		count++
		return nil
	})
	return count, err
}
