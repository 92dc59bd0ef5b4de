// Package schema holds the DDL for the unified analytical store. Every
// table is a ReplacingMergeTree keyed on the entity identity with _version
// as the replace resolver, so duplicate emissions collapse to the row with
// the newest version at merge/read time.
package schema

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const repositoriesDDL = `
CREATE TABLE IF NOT EXISTS repositories (
    project_key      String,
    repo_slug        String,
    data_source      String,
    name             String,
    uuid             String,
    is_private       UInt8,
    is_empty         UInt8,
    fork_policy      String,
    size_bytes       Int64,
    language         String,
    has_issues       UInt8,
    has_wiki         UInt8,
    last_commit_date DateTime64(3),
    first_seen       DateTime64(3),
    last_updated     DateTime64(3),
    _version         Int64
)
ENGINE = ReplacingMergeTree(_version)
ORDER BY (project_key, repo_slug, data_source);
`

const branchesDDL = `
CREATE TABLE IF NOT EXISTS branches (
    project_key      String,
    repo_slug        String,
    branch_name      String,
    data_source      String,
    is_default       UInt8,
    last_commit_hash String,
    last_commit_date DateTime64(3),
    last_checked_at  DateTime64(3),
    _version         Int64
)
ENGINE = ReplacingMergeTree(_version)
ORDER BY (project_key, repo_slug, branch_name, data_source);
`

const commitsDDL = `
CREATE TABLE IF NOT EXISTS commits (
    project_key        String,
    repo_slug          String,
    commit_hash        String,
    data_source        String,
    branch             String,
    author_name        String,
    author_email       String,
    committer_name     String,
    committer_email    String,
    message            String,
    date               DateTime64(3),
    parents            String,
    files_changed      Int32,
    lines_added        Int32,
    lines_removed      Int32,
    is_merge_commit    UInt8,
    language_breakdown String,
    _version           Int64
)
ENGINE = ReplacingMergeTree(_version)
PARTITION BY toYYYYMM(date)
ORDER BY (project_key, repo_slug, commit_hash, data_source);
`

const commitFilesDDL = `
CREATE TABLE IF NOT EXISTS commit_files (
    project_key    String,
    repo_slug      String,
    commit_hash    String,
    file_path      String,
    data_source    String,
    diff_hash      String,
    extension      String,
    lines_added    Int32,
    lines_removed  Int32,
    is_third_party UInt8,
    scancode_info  String,
    _version       Int64
)
ENGINE = ReplacingMergeTree(_version)
ORDER BY (project_key, repo_slug, commit_hash, file_path, data_source);
`

const pullRequestsDDL = `
CREATE TABLE IF NOT EXISTS pull_requests (
    project_key        String,
    repo_slug          String,
    pr_id              Int64,
    data_source        String,
    pr_number          Int64,
    title              String,
    description        String,
    state              String,
    author             String,
    created_on         DateTime64(3),
    updated_on         DateTime64(3),
    closed_on          Nullable(DateTime64(3)),
    merge_commit_hash  String,
    source_branch      String,
    destination_branch String,
    commit_count       Int32,
    comment_count      Int32,
    task_count         Int32,
    files_changed      Int32,
    lines_added        Int32,
    lines_removed      Int32,
    duration_seconds   Int64,
    _version           Int64
)
ENGINE = ReplacingMergeTree(_version)
ORDER BY (project_key, repo_slug, pr_id, data_source);
`

const prReviewersDDL = `
CREATE TABLE IF NOT EXISTS pr_reviewers (
    project_key   String,
    repo_slug     String,
    pr_id         Int64,
    reviewer_uuid String,
    data_source   String,
    name          String,
    email         String,
    status        String,
    role          String,
    approved      UInt8,
    reviewed_at   Nullable(DateTime64(3)),
    _version      Int64
)
ENGINE = ReplacingMergeTree(_version)
ORDER BY (project_key, repo_slug, pr_id, reviewer_uuid, data_source);
`

const prCommentsDDL = `
CREATE TABLE IF NOT EXISTS pr_comments (
    project_key     String,
    repo_slug       String,
    pr_id           Int64,
    comment_id      Int64,
    data_source     String,
    content         String,
    author          String,
    created_at      DateTime64(3),
    updated_at      DateTime64(3),
    state           String,
    severity        String,
    thread_resolved UInt8,
    file_path       String,
    line_number     Int32,
    _version        Int64
)
ENGINE = ReplacingMergeTree(_version)
ORDER BY (project_key, repo_slug, pr_id, comment_id, data_source);
`

const prCommitsDDL = `
CREATE TABLE IF NOT EXISTS pr_commits (
    project_key  String,
    repo_slug    String,
    pr_id        Int64,
    commit_hash  String,
    data_source  String,
    commit_order Int32,
    _version     Int64
)
ENGINE = ReplacingMergeTree(_version)
ORDER BY (project_key, repo_slug, pr_id, commit_hash, data_source);
`

const jiraTicketsDDL = `
CREATE TABLE IF NOT EXISTS jira_tickets (
    external_ticket_id String,
    project_key        String,
    repo_slug          String,
    pr_id              Int64,
    commit_hash        String,
    data_source        String,
    _version           Int64
)
ENGINE = ReplacingMergeTree(_version)
ORDER BY (external_ticket_id, project_key, repo_slug, pr_id, commit_hash, data_source);
`

const collectionRunsDDL = `
CREATE TABLE IF NOT EXISTS collection_runs (
    run_id            String,
    data_source       String,
    started_at        DateTime64(3),
    completed_at      Nullable(DateTime64(3)),
    status            String,
    repos_processed   Int64,
    commits_collected Int64,
    prs_collected     Int64,
    api_calls         Int64,
    errors            Int64,
    settings          String,
    _version          Int64
)
ENGINE = ReplacingMergeTree(_version)
ORDER BY (run_id);
`

// Statements lists every table DDL in dependency order.
var Statements = []string{
	repositoriesDDL,
	branchesDDL,
	commitsDDL,
	commitFilesDDL,
	pullRequestsDDL,
	prReviewersDDL,
	prCommentsDDL,
	prCommitsDDL,
	jiraTicketsDDL,
	collectionRunsDDL,
}

// Ensure creates all destination tables if they do not exist.
func Ensure(ctx context.Context, db *sqlx.DB) error {
	for _, ddl := range Statements {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
