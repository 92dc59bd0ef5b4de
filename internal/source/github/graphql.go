package github

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shurcooL/githubv4"

	"github.com/devinsight/insight/internal/jira"
	"github.com/devinsight/insight/internal/model"
	"github.com/devinsight/insight/internal/source"
	"github.com/devinsight/insight/internal/upstream"
)

// Bulk page sizes. Pull requests carry nested collections, so their page is
// smaller to stay under the node limit.
const (
	gqlCommitPageSize = 100
	gqlPRPageSize     = 50
)

// query runs one GraphQL request under the harness.
func (a *Adapter) query(ctx context.Context, op string, q any, vars map[string]any) error {
	return a.harness.Do(ctx, op, func(ctx context.Context) error {
		if err := a.gql.Query(ctx, q, vars); err != nil {
			return upstream.ClassifyGraphQL(err)
		}
		return nil
	})
}

type gqlPageInfo struct {
	HasNextPage githubv4.Boolean
	EndCursor   githubv4.String
}

type gqlCommit struct {
	Oid           githubv4.String
	Message       githubv4.String
	CommittedDate githubv4.DateTime
	Author        struct {
		Name  githubv4.String
		Email githubv4.String
		Date  githubv4.DateTime
	}
	Committer struct {
		Name  githubv4.String
		Email githubv4.String
	}
	Additions               githubv4.Int
	Deletions               githubv4.Int
	ChangedFilesIfAvailable githubv4.Int
	Parents                 struct {
		Nodes []struct {
			Oid githubv4.String
		}
	} `graphql:"parents(first: 10)"`
}

// commitsGraphQL streams a branch's history with stats inline, one request
// per page instead of one per commit. The server filters by since; the
// client check stays as a guard because since is exclusive here but
// inclusive upstream.
func (a *Adapter) commitsGraphQL(ctx context.Context, project source.Project, repoSlug, branch string, since time.Time, fn func(source.CommitBundle) error) error {
	var q struct {
		Repository struct {
			Ref *struct {
				Target struct {
					Commit struct {
						History struct {
							PageInfo gqlPageInfo
							Nodes    []gqlCommit
						} `graphql:"history(first: $pageSize, after: $cursor, since: $since)"`
					} `graphql:"... on Commit"`
				}
			} `graphql:"ref(qualifiedName: $ref)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var sinceArg *githubv4.GitTimestamp
	if !since.IsZero() {
		sinceArg = &githubv4.GitTimestamp{Time: since}
	}
	vars := map[string]any{
		"owner":    githubv4.String(a.org),
		"name":     githubv4.String(repoSlug),
		"ref":      githubv4.String("refs/heads/" + branch),
		"pageSize": githubv4.Int(gqlCommitPageSize),
		"cursor":   (*githubv4.String)(nil),
		"since":    sinceArg,
	}

	for {
		if err := a.query(ctx, "gql.commits", &q, vars); err != nil {
			return err
		}
		if q.Repository.Ref == nil {
			// Branch deleted between the branch listing and now.
			return nil
		}
		history := q.Repository.Ref.Target.Commit.History
		for _, node := range history.Nodes {
			if node.Oid == "" {
				a.onMapError("commit", fmt.Errorf("history node without oid in %s", repoSlug))
				continue
			}
			commit := a.mapGraphQLCommit(project.Key, repoSlug, branch, node)
			if !since.IsZero() && commit.Date.Before(since) {
				return nil
			}
			bundle := source.CommitBundle{
				Commit:  commit,
				Tickets: a.commitTickets(project.Key, repoSlug, commit.CommitHash, commit.Message, commit.Version),
			}
			if err := fn(bundle); err != nil {
				if errors.Is(err, source.ErrStop) {
					return nil
				}
				return err
			}
		}
		if !bool(history.PageInfo.HasNextPage) {
			return nil
		}
		vars["cursor"] = githubv4.NewString(history.PageInfo.EndCursor)
	}
}

func (a *Adapter) mapGraphQLCommit(projectKey, repoSlug, branch string, node gqlCommit) model.Commit {
	parents := make([]string, 0, len(node.Parents.Nodes))
	for _, p := range node.Parents.Nodes {
		parents = append(parents, string(p.Oid))
	}
	parentsJSON, isMerge := model.ParentsJSON(parents)
	return model.Commit{
		ProjectKey:     projectKey,
		RepoSlug:       repoSlug,
		CommitHash:     string(node.Oid),
		DataSource:     a.dataSource,
		Branch:         branch,
		AuthorName:     string(node.Author.Name),
		AuthorEmail:    string(node.Author.Email),
		CommitterName:  string(node.Committer.Name),
		CommitterEmail: string(node.Committer.Email),
		Message:        string(node.Message),
		Date:           node.Author.Date.Time.UTC(),
		Parents:        parentsJSON,
		FilesChanged:   int32(node.ChangedFilesIfAvailable),
		LinesAdded:     int32(node.Additions),
		LinesRemoved:   int32(node.Deletions),
		IsMergeCommit:  boolToFlag(isMerge),
		Version:        a.version(),
	}
}

type gqlActor struct {
	Login githubv4.String
}

type gqlPullRequest struct {
	FullDatabaseID githubv4.String `graphql:"fullDatabaseId"`
	Number         githubv4.Int
	Title          githubv4.String
	Body           githubv4.String
	State          githubv4.PullRequestState
	Merged         githubv4.Boolean
	Author         gqlActor
	CreatedAt      githubv4.DateTime
	UpdatedAt      githubv4.DateTime
	ClosedAt       *githubv4.DateTime
	MergeCommit    *struct {
		Oid githubv4.String
	}
	HeadRefName        githubv4.String
	BaseRefName        githubv4.String
	ChangedFiles       githubv4.Int
	Additions          githubv4.Int
	Deletions          githubv4.Int
	TotalCommentsCount githubv4.Int
	Reviews            struct {
		Nodes []struct {
			FullDatabaseID githubv4.String `graphql:"fullDatabaseId"`
			Author         gqlActor
			State          githubv4.PullRequestReviewState
			SubmittedAt    *githubv4.DateTime
		}
	} `graphql:"reviews(first: 50) @include(if: $withReviews)"`
	ReviewRequests struct {
		Nodes []struct {
			RequestedReviewer struct {
				User struct {
					Login githubv4.String
				} `graphql:"... on User"`
			}
		}
	} `graphql:"reviewRequests(first: 20) @include(if: $withReviews)"`
	Comments struct {
		Nodes []struct {
			FullDatabaseID githubv4.String `graphql:"fullDatabaseId"`
			Author         gqlActor
			Body           githubv4.String
			CreatedAt      githubv4.DateTime
			UpdatedAt      githubv4.DateTime
		}
	} `graphql:"comments(first: 100) @include(if: $withComments)"`
	Commits struct {
		TotalCount githubv4.Int
		Nodes      []struct {
			Commit struct {
				Oid githubv4.String
			}
		}
	} `graphql:"commits(first: 100)"`
}

// pullRequestsGraphQL streams pull requests newest-first by update time with
// reviews, comments and commit links nested in the same response.
func (a *Adapter) pullRequestsGraphQL(ctx context.Context, project source.Project, repoSlug string, since time.Time, fn func(source.PullRequestBundle) error) error {
	var q struct {
		Repository struct {
			PullRequests struct {
				PageInfo gqlPageInfo
				Nodes    []gqlPullRequest
			} `graphql:"pullRequests(first: $pageSize, after: $cursor, orderBy: {field: UPDATED_AT, direction: DESC})"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner":        githubv4.String(a.org),
		"name":         githubv4.String(repoSlug),
		"pageSize":     githubv4.Int(gqlPRPageSize),
		"cursor":       (*githubv4.String)(nil),
		"withReviews":  githubv4.Boolean(a.opts.CollectReviews),
		"withComments": githubv4.Boolean(a.opts.CollectComments),
	}

	for {
		if err := a.query(ctx, "gql.pulls", &q, vars); err != nil {
			return err
		}
		page := q.Repository.PullRequests
		for _, node := range page.Nodes {
			if !since.IsZero() && node.UpdatedAt.Time.Before(since) {
				return nil
			}
			bundle, err := a.mapGraphQLPullRequest(project.Key, repoSlug, node)
			if err != nil {
				a.onMapError("pull_request", err)
				continue
			}
			if err := fn(bundle); err != nil {
				if errors.Is(err, source.ErrStop) {
					return nil
				}
				return err
			}
		}
		if !bool(page.PageInfo.HasNextPage) {
			return nil
		}
		vars["cursor"] = githubv4.NewString(page.PageInfo.EndCursor)
	}
}

func (a *Adapter) mapGraphQLPullRequest(projectKey, repoSlug string, node gqlPullRequest) (source.PullRequestBundle, error) {
	prID, err := strconv.ParseInt(string(node.FullDatabaseID), 10, 64)
	if err != nil {
		return source.PullRequestBundle{}, fmt.Errorf("pr %d: parse database id %q: %w", node.Number, node.FullDatabaseID, err)
	}

	created := node.CreatedAt.Time.UTC()
	var closed *time.Time
	if node.ClosedAt != nil {
		t := node.ClosedAt.Time.UTC()
		closed = &t
	}
	mergeCommit := ""
	if node.MergeCommit != nil {
		mergeCommit = string(node.MergeCommit.Oid)
	}
	row := model.PullRequest{
		ProjectKey:        projectKey,
		RepoSlug:          repoSlug,
		PRID:              prID,
		DataSource:        a.dataSource,
		PRNumber:          int64(node.Number),
		Title:             string(node.Title),
		Description:       string(node.Body),
		State:             mergedState(bool(node.Merged), string(node.State)),
		Author:            string(node.Author.Login),
		CreatedOn:         created,
		UpdatedOn:         node.UpdatedAt.Time.UTC(),
		ClosedOn:          closed,
		MergeCommitHash:   mergeCommit,
		SourceBranch:      string(node.HeadRefName),
		DestinationBranch: string(node.BaseRefName),
		CommitCount:       int32(node.Commits.TotalCount),
		CommentCount:      int32(node.TotalCommentsCount),
		FilesChanged:      int32(node.ChangedFiles),
		LinesAdded:        int32(node.Additions),
		LinesRemoved:      int32(node.Deletions),
		DurationSeconds:   model.DurationSeconds(created, closed),
		Version:           a.version(),
	}

	bundle := source.PullRequestBundle{PullRequest: row}
	reviewed := map[string]bool{}
	for _, rv := range node.Reviews.Nodes {
		login := string(rv.Author.Login)
		if login == "" {
			a.onMapError("reviewer", fmt.Errorf("review without author on pr %d", node.Number))
			continue
		}
		reviewed[login] = true
		var reviewedAt *time.Time
		if rv.SubmittedAt != nil {
			t := rv.SubmittedAt.Time.UTC()
			reviewedAt = &t
		}
		bundle.Reviewers = append(bundle.Reviewers, model.Reviewer{
			ProjectKey:   projectKey,
			RepoSlug:     repoSlug,
			PRID:         prID,
			ReviewerUUID: login,
			DataSource:   a.dataSource,
			Name:         login,
			Status:       string(rv.State),
			Role:         "REVIEWER",
			Approved:     boolToFlag(model.ApprovedStatus(string(rv.State))),
			ReviewedAt:   reviewedAt,
			Version:      row.Version,
		})
	}
	// Requested reviewers who have not reviewed yet still get a row, with an
	// empty status.
	for _, rr := range node.ReviewRequests.Nodes {
		login := string(rr.RequestedReviewer.User.Login)
		if login == "" || reviewed[login] {
			continue
		}
		bundle.Reviewers = append(bundle.Reviewers, model.Reviewer{
			ProjectKey:   projectKey,
			RepoSlug:     repoSlug,
			PRID:         prID,
			ReviewerUUID: login,
			DataSource:   a.dataSource,
			Name:         login,
			Role:         "REVIEWER",
			Version:      row.Version,
		})
	}
	for _, c := range node.Comments.Nodes {
		commentID, err := strconv.ParseInt(string(c.FullDatabaseID), 10, 64)
		if err != nil {
			a.onMapError("pr_comment", fmt.Errorf("pr %d: parse comment id %q: %w", node.Number, c.FullDatabaseID, err))
			continue
		}
		bundle.Comments = append(bundle.Comments, model.PRComment{
			ProjectKey: projectKey,
			RepoSlug:   repoSlug,
			PRID:       prID,
			CommentID:  commentID,
			DataSource: a.dataSource,
			Content:    string(c.Body),
			Author:     string(c.Author.Login),
			CreatedAt:  c.CreatedAt.Time.UTC(),
			UpdatedAt:  c.UpdatedAt.Time.UTC(),
			Version:    row.Version,
		})
	}
	for i, cn := range node.Commits.Nodes {
		bundle.Commits = append(bundle.Commits, model.PRCommit{
			ProjectKey:  projectKey,
			RepoSlug:    repoSlug,
			PRID:        prID,
			CommitHash:  string(cn.Commit.Oid),
			DataSource:  a.dataSource,
			CommitOrder: int32(i),
			Version:     row.Version,
		})
	}
	for _, key := range jira.Extract(string(node.Title), string(node.Body)) {
		bundle.Tickets = append(bundle.Tickets, model.Ticket{
			ExternalTicketID: key,
			ProjectKey:       projectKey,
			RepoSlug:         repoSlug,
			PRID:             prID,
			DataSource:       a.dataSource,
			Version:          row.Version,
		})
	}
	return bundle, nil
}
