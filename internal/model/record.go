package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Data source discriminator written on every row.
const (
	SourceBitbucketServer = "insight_bitbucket_server"
	SourceGitHub          = "insight_github"
	SourceGitLab          = "insight_gitlab"
	SourceCustom          = "custom_etl"
)

// Destination table names.
const (
	TableRepositories   = "repositories"
	TableBranches       = "branches"
	TableCommits        = "commits"
	TableCommitFiles    = "commit_files"
	TablePullRequests   = "pull_requests"
	TablePRReviewers    = "pr_reviewers"
	TablePRComments     = "pr_comments"
	TablePRCommits      = "pr_commits"
	TableJiraTickets    = "jira_tickets"
	TableCollectionRuns = "collection_runs"
)

// Pull request states in the unified schema.
const (
	PRStateOpen     = "OPEN"
	PRStateMerged   = "MERGED"
	PRStateClosed   = "CLOSED"
	PRStateDeclined = "DECLINED"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Clock supplies the time used for _version stamping. Mappers take it
// injected so tests can pin versions.
type Clock func() time.Time

// VersionAt converts a clock reading to the monotonic _version stamp
// (milliseconds since epoch). The merge-on-read engine keeps the row with
// the larger value for identical identity keys.
func VersionAt(now time.Time) int64 {
	return now.UnixMilli()
}

// Repository is the unified repository row. Identity: (project_key,
// repo_slug, data_source).
type Repository struct {
	ProjectKey     string    `ch:"project_key" json:"project_key"`
	RepoSlug       string    `ch:"repo_slug" json:"repo_slug"`
	DataSource     string    `ch:"data_source" json:"data_source"`
	Name           string    `ch:"name" json:"name"`
	UUID           string    `ch:"uuid" json:"uuid"`
	IsPrivate      uint8     `ch:"is_private" json:"is_private"`
	IsEmpty        uint8     `ch:"is_empty" json:"is_empty"`
	ForkPolicy     string    `ch:"fork_policy" json:"fork_policy"`
	SizeBytes      int64     `ch:"size_bytes" json:"size_bytes"`
	Language       string    `ch:"language" json:"language"`
	HasIssues      uint8     `ch:"has_issues" json:"has_issues"`
	HasWiki        uint8     `ch:"has_wiki" json:"has_wiki"`
	LastCommitDate time.Time `ch:"last_commit_date" json:"last_commit_date"`
	FirstSeen      time.Time `ch:"first_seen" json:"first_seen"`
	LastUpdated    time.Time `ch:"last_updated" json:"last_updated"`
	Version        int64     `ch:"_version" json:"_version"`
}

// Branch row. Identity: (project_key, repo_slug, branch_name, data_source).
type Branch struct {
	ProjectKey     string    `ch:"project_key" json:"project_key"`
	RepoSlug       string    `ch:"repo_slug" json:"repo_slug"`
	BranchName     string    `ch:"branch_name" json:"branch_name"`
	DataSource     string    `ch:"data_source" json:"data_source"`
	IsDefault      uint8     `ch:"is_default" json:"is_default"`
	LastCommitHash string    `ch:"last_commit_hash" json:"last_commit_hash"`
	LastCommitDate time.Time `ch:"last_commit_date" json:"last_commit_date"`
	LastCheckedAt  time.Time `ch:"last_checked_at" json:"last_checked_at"`
	Version        int64     `ch:"_version" json:"_version"`
}

// Commit row. Identity: (project_key, repo_slug, commit_hash, data_source).
// Parents holds a JSON array; IsMergeCommit mirrors len(parents) > 1.
type Commit struct {
	ProjectKey        string    `ch:"project_key" json:"project_key"`
	RepoSlug          string    `ch:"repo_slug" json:"repo_slug"`
	CommitHash        string    `ch:"commit_hash" json:"commit_hash"`
	DataSource        string    `ch:"data_source" json:"data_source"`
	Branch            string    `ch:"branch" json:"branch"`
	AuthorName        string    `ch:"author_name" json:"author_name"`
	AuthorEmail       string    `ch:"author_email" json:"author_email"`
	CommitterName     string    `ch:"committer_name" json:"committer_name"`
	CommitterEmail    string    `ch:"committer_email" json:"committer_email"`
	Message           string    `ch:"message" json:"message"`
	Date              time.Time `ch:"date" json:"date"`
	Parents           string    `ch:"parents" json:"parents"`
	FilesChanged      int32     `ch:"files_changed" json:"files_changed"`
	LinesAdded        int32     `ch:"lines_added" json:"lines_added"`
	LinesRemoved      int32     `ch:"lines_removed" json:"lines_removed"`
	IsMergeCommit     uint8     `ch:"is_merge_commit" json:"is_merge_commit"`
	LanguageBreakdown string    `ch:"language_breakdown" json:"language_breakdown"`
	Version           int64     `ch:"_version" json:"_version"`
}

// CommitFile row. Identity: (project_key, repo_slug, commit_hash, file_path,
// data_source). DiffHash is the SHA-256 of the diff content. ThirdParty and
// scancode fields pass through from downstream scanners untouched.
type CommitFile struct {
	ProjectKey   string `ch:"project_key" json:"project_key"`
	RepoSlug     string `ch:"repo_slug" json:"repo_slug"`
	CommitHash   string `ch:"commit_hash" json:"commit_hash"`
	FilePath     string `ch:"file_path" json:"file_path"`
	DataSource   string `ch:"data_source" json:"data_source"`
	DiffHash     string `ch:"diff_hash" json:"diff_hash"`
	Extension    string `ch:"extension" json:"extension"`
	LinesAdded   int32  `ch:"lines_added" json:"lines_added"`
	LinesRemoved int32  `ch:"lines_removed" json:"lines_removed"`
	IsThirdParty uint8  `ch:"is_third_party" json:"is_third_party"`
	ScancodeInfo string `ch:"scancode_info" json:"scancode_info"`
	Version      int64  `ch:"_version" json:"_version"`
}

// PullRequest row. Identity: (project_key, repo_slug, pr_id, data_source).
// PRID equals PRNumber on Bitbucket; on GitHub PRID is the databaseId and
// PRNumber the per-repo sequential number.
type PullRequest struct {
	ProjectKey        string     `ch:"project_key" json:"project_key"`
	RepoSlug          string     `ch:"repo_slug" json:"repo_slug"`
	PRID              int64      `ch:"pr_id" json:"pr_id"`
	DataSource        string     `ch:"data_source" json:"data_source"`
	PRNumber          int64      `ch:"pr_number" json:"pr_number"`
	Title             string     `ch:"title" json:"title"`
	Description       string     `ch:"description" json:"description"`
	State             string     `ch:"state" json:"state"`
	Author            string     `ch:"author" json:"author"`
	CreatedOn         time.Time  `ch:"created_on" json:"created_on"`
	UpdatedOn         time.Time  `ch:"updated_on" json:"updated_on"`
	ClosedOn          *time.Time `ch:"closed_on" json:"closed_on"`
	MergeCommitHash   string     `ch:"merge_commit_hash" json:"merge_commit_hash"`
	SourceBranch      string     `ch:"source_branch" json:"source_branch"`
	DestinationBranch string     `ch:"destination_branch" json:"destination_branch"`
	CommitCount       int32      `ch:"commit_count" json:"commit_count"`
	CommentCount      int32      `ch:"comment_count" json:"comment_count"`
	TaskCount         int32      `ch:"task_count" json:"task_count"`
	FilesChanged      int32      `ch:"files_changed" json:"files_changed"`
	LinesAdded        int32      `ch:"lines_added" json:"lines_added"`
	LinesRemoved      int32      `ch:"lines_removed" json:"lines_removed"`
	DurationSeconds   int64      `ch:"duration_seconds" json:"duration_seconds"`
	Version           int64      `ch:"_version" json:"_version"`
}

// Reviewer row. Identity: (project_key, repo_slug, pr_id, reviewer_uuid,
// data_source). Role is always "REVIEWER"; Approved is derived from Status.
type Reviewer struct {
	ProjectKey   string     `ch:"project_key" json:"project_key"`
	RepoSlug     string     `ch:"repo_slug" json:"repo_slug"`
	PRID         int64      `ch:"pr_id" json:"pr_id"`
	ReviewerUUID string     `ch:"reviewer_uuid" json:"reviewer_uuid"`
	DataSource   string     `ch:"data_source" json:"data_source"`
	Name         string     `ch:"name" json:"name"`
	Email        string     `ch:"email" json:"email"`
	Status       string     `ch:"status" json:"status"`
	Role         string     `ch:"role" json:"role"`
	Approved     uint8      `ch:"approved" json:"approved"`
	ReviewedAt   *time.Time `ch:"reviewed_at" json:"reviewed_at"`
	Version      int64      `ch:"_version" json:"_version"`
}

// PRComment row. Identity: (project_key, repo_slug, pr_id, comment_id,
// data_source). FilePath/LineNumber are set for inline comments only.
type PRComment struct {
	ProjectKey     string    `ch:"project_key" json:"project_key"`
	RepoSlug       string    `ch:"repo_slug" json:"repo_slug"`
	PRID           int64     `ch:"pr_id" json:"pr_id"`
	CommentID      int64     `ch:"comment_id" json:"comment_id"`
	DataSource     string    `ch:"data_source" json:"data_source"`
	Content        string    `ch:"content" json:"content"`
	Author         string    `ch:"author" json:"author"`
	CreatedAt      time.Time `ch:"created_at" json:"created_at"`
	UpdatedAt      time.Time `ch:"updated_at" json:"updated_at"`
	State          string    `ch:"state" json:"state"`
	Severity       string    `ch:"severity" json:"severity"`
	ThreadResolved uint8     `ch:"thread_resolved" json:"thread_resolved"`
	FilePath       string    `ch:"file_path" json:"file_path"`
	LineNumber     int32     `ch:"line_number" json:"line_number"`
	Version        int64     `ch:"_version" json:"_version"`
}

// PRCommit links a pull request to one of its commits. Identity:
// (project_key, repo_slug, pr_id, commit_hash, data_source). CommitOrder is
// the 0-indexed position in the upstream response.
type PRCommit struct {
	ProjectKey  string `ch:"project_key" json:"project_key"`
	RepoSlug    string `ch:"repo_slug" json:"repo_slug"`
	PRID        int64  `ch:"pr_id" json:"pr_id"`
	CommitHash  string `ch:"commit_hash" json:"commit_hash"`
	DataSource  string `ch:"data_source" json:"data_source"`
	CommitOrder int32  `ch:"commit_order" json:"commit_order"`
	Version     int64  `ch:"_version" json:"_version"`
}

// Ticket links an external issue-tracker key to exactly one of a pull
// request (PRID > 0) or a commit (CommitHash != "").
type Ticket struct {
	ExternalTicketID string `ch:"external_ticket_id" json:"external_ticket_id"`
	ProjectKey       string `ch:"project_key" json:"project_key"`
	RepoSlug         string `ch:"repo_slug" json:"repo_slug"`
	PRID             int64  `ch:"pr_id" json:"pr_id"`
	CommitHash       string `ch:"commit_hash" json:"commit_hash"`
	DataSource       string `ch:"data_source" json:"data_source"`
	Version          int64  `ch:"_version" json:"_version"`
}

// CollectionRun records one orchestrator invocation. Identity: run_id. The
// final write refreshes _version so the completed snapshot wins over the
// running one.
type CollectionRun struct {
	RunID            string     `ch:"run_id" json:"run_id"`
	DataSource       string     `ch:"data_source" json:"data_source"`
	StartedAt        time.Time  `ch:"started_at" json:"started_at"`
	CompletedAt      *time.Time `ch:"completed_at" json:"completed_at"`
	Status           string     `ch:"status" json:"status"`
	ReposProcessed   int64      `ch:"repos_processed" json:"repos_processed"`
	CommitsCollected int64      `ch:"commits_collected" json:"commits_collected"`
	PRsCollected     int64      `ch:"prs_collected" json:"prs_collected"`
	APICalls         int64      `ch:"api_calls" json:"api_calls"`
	Errors           int64      `ch:"errors" json:"errors"`
	Settings         string     `ch:"settings" json:"settings"`
	Version          int64      `ch:"_version" json:"_version"`
}

// ParentsJSON serializes parent hashes as the canonical JSON array and
// reports whether the commit is a merge commit (more than one parent).
func ParentsJSON(hashes []string) (string, bool) {
	if hashes == nil {
		hashes = []string{}
	}
	b, _ := json.Marshal(hashes)
	return string(b), len(hashes) > 1
}

// DurationSeconds returns floor(closed - created) in whole seconds, or 0
// when the pull request has no close time yet.
func DurationSeconds(created time.Time, closed *time.Time) int64 {
	if closed == nil || closed.IsZero() {
		return 0
	}
	d := closed.Sub(created)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}

// EpochMillis converts a millisecond epoch integer (Bitbucket timestamp
// encoding) to a UTC time with millisecond precision.
func EpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ParseFlexibleTime accepts the two timestamp encodings the upstreams emit:
// millisecond epoch integers and ISO-8601 strings. Everything normalizes to
// millisecond-precision UTC.
func ParseFlexibleTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return EpochMillis(ms), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

// FileExtension returns the lowercase extension without the dot, or "" for
// extensionless paths.
func FileExtension(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	// Dotfiles like ".gitignore" have no extension.
	if slash := strings.LastIndexByte(path, '/'); idx == slash+1 {
		return ""
	}
	return strings.ToLower(path[idx+1:])
}

// ApprovedStatus reports whether a review status counts as an approval.
// Upstreams disagree on casing; both "APPROVED" and "approved" qualify and
// the original string is preserved on the row.
func ApprovedStatus(status string) bool {
	return status == "APPROVED" || status == "approved"
}
