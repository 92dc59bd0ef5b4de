// Package github implements the GitHub source adapter. Two paths serve the
// expensive streams: a GraphQL bulk path (commits with stats inline, pull
// requests with nested reviews/comments/commits in one query) and a REST
// fallback (one list call plus per-item detail calls). The choice is a
// capability decision made here; callers only see source.Source.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
	"github.com/shurcooL/githubv4"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/devinsight/insight/internal/model"
	"github.com/devinsight/insight/internal/source"
	"github.com/devinsight/insight/internal/upstream"
)

// Config describes one GitHub upstream.
type Config struct {
	// Org is the organization whose repositories are collected; it doubles
	// as the single virtual project key.
	Org   string
	Token string
	// BaseURL/UploadURL target a GitHub Enterprise instance when set.
	BaseURL   string
	UploadURL string
	// UseGraphQL prefers the bulk path when a token is present.
	UseGraphQL bool
	Timeout    time.Duration
	DataSource string
}

// Adapter implements source.Source for GitHub.
type Adapter struct {
	rest       *gh.Client
	gql        *githubv4.Client
	org        string
	dataSource string
	opts       source.Options
	harness    *upstream.Harness
	clock      model.Clock
	log        *logrus.Entry
	onMapError func(entity string, err error)
}

// New builds the adapter. The GraphQL client is only constructed when the
// configuration opts in and a token is available; everything else falls
// back to REST transparently.
func New(cfg Config, opts source.Options, harness *upstream.Harness, clock model.Clock, log *logrus.Entry, onMapError func(string, error)) (*Adapter, error) {
	if cfg.Org == "" {
		return nil, errors.New("github: organization is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DataSource == "" {
		cfg.DataSource = model.SourceGitHub
	}
	if clock == nil {
		clock = time.Now
	}
	if onMapError == nil {
		onMapError = func(string, error) {}
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	rest := gh.NewClient(httpClient)
	if cfg.Token != "" {
		rest = rest.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		var err error
		uploadURL := cfg.UploadURL
		if uploadURL == "" {
			uploadURL = cfg.BaseURL
		}
		rest, err = rest.WithEnterpriseURLs(cfg.BaseURL, uploadURL)
		if err != nil {
			return nil, fmt.Errorf("github: enterprise urls: %w", err)
		}
	}

	a := &Adapter{
		rest:       rest,
		org:        cfg.Org,
		dataSource: cfg.DataSource,
		opts:       opts,
		harness:    harness,
		clock:      clock,
		log:        log,
		onMapError: onMapError,
	}

	if cfg.UseGraphQL && cfg.Token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		oc := oauth2.NewClient(context.Background(), src)
		oc.Timeout = cfg.Timeout
		if cfg.BaseURL != "" {
			a.gql = githubv4.NewEnterpriseClient(strings.TrimRight(cfg.BaseURL, "/")+"/api/graphql", oc)
		} else {
			a.gql = githubv4.NewClient(oc)
		}
	}
	return a, nil
}

func (a *Adapter) Kind() string { return a.dataSource }

func (a *Adapter) APICalls() int64 { return a.harness.Calls() }

func (a *Adapter) version() int64 { return model.VersionAt(a.clock()) }

// bulk reports whether the GraphQL path serves the heavy streams.
func (a *Adapter) bulk() bool { return a.gql != nil }

// Projects emits the single virtual project for the organization.
func (a *Adapter) Projects(ctx context.Context, fn func(source.Project) error) error {
	err := fn(source.Project{Key: a.org, Name: a.org})
	if errors.Is(err, source.ErrStop) {
		return nil
	}
	return err
}

// Commits dispatches to the bulk or fallback implementation.
func (a *Adapter) Commits(ctx context.Context, project source.Project, repoSlug, branch string, since time.Time, fn func(source.CommitBundle) error) error {
	if a.bulk() {
		return a.commitsGraphQL(ctx, project, repoSlug, branch, since, fn)
	}
	return a.commitsREST(ctx, project, repoSlug, branch, since, fn)
}

// PullRequests dispatches to the bulk or fallback implementation.
func (a *Adapter) PullRequests(ctx context.Context, project source.Project, repoSlug string, since time.Time, fn func(source.PullRequestBundle) error) error {
	if a.bulk() {
		return a.pullRequestsGraphQL(ctx, project, repoSlug, since, fn)
	}
	return a.pullRequestsREST(ctx, project, repoSlug, since, fn)
}

// classify maps a go-github call result onto the harness failure kinds and
// records the published rate-limit window.
func (a *Adapter) classify(resp *gh.Response, err error) error {
	if resp != nil {
		a.harness.State().Observe(resp.Rate.Remaining, resp.Rate.Reset.Time)
	}
	if err == nil {
		return nil
	}
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%w: %v", upstream.ErrRateLimited, err)
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: %v", upstream.ErrRateLimited, err)
	}
	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return upstream.ClassifyStatus(respErr.Response.StatusCode, respErr.Message)
	}
	return fmt.Errorf("%w: %v", upstream.ErrTransient, err)
}

// mergedState applies the unified state rule: merged wins, otherwise the
// upstream open/closed state maps through.
func mergedState(merged bool, state string) string {
	if merged {
		return model.PRStateMerged
	}
	switch state {
	case "open", "OPEN":
		return model.PRStateOpen
	default:
		return model.PRStateClosed
	}
}

func boolToFlag(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func githubUUID(login string, id int64) string {
	if id != 0 {
		return strconv.FormatInt(id, 10)
	}
	return login
}
