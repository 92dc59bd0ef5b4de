package bitbucket

import "encoding/json"

// Wire shapes for the subset of the Server API this adapter reads.

type bbProject struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type bbRepo struct {
	Slug    string    `json:"slug"`
	Name    string    `json:"name"`
	Public  bool      `json:"public"`
	Project bbProject `json:"project"`
}

type bbUser struct {
	Name         string `json:"name"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
	Slug         string `json:"slug"`
}

type bbBranch struct {
	ID           string `json:"id"`
	DisplayID    string `json:"displayId"`
	LatestCommit string `json:"latestCommit"`
	IsDefault    bool   `json:"isDefault"`
	// Metadata is populated when the branches endpoint is called with
	// details=true; the latest-commit entry carries the head timestamp.
	Metadata struct {
		LatestCommit struct {
			CommitterTimestamp int64 `json:"committerTimestamp"`
		} `json:"com.atlassian.bitbucket.server.bitbucket-branch:latest-commit-metadata"`
	} `json:"metadata"`
}

type bbPerson struct {
	Name         string `json:"name"`
	EmailAddress string `json:"emailAddress"`
}

type bbCommit struct {
	ID                 string   `json:"id"`
	DisplayID          string   `json:"displayId"`
	Author             bbPerson `json:"author"`
	AuthorTimestamp    int64    `json:"authorTimestamp"`
	Committer          bbPerson `json:"committer"`
	CommitterTimestamp int64    `json:"committerTimestamp"`
	Message            string   `json:"message"`
	Parents            []struct {
		ID string `json:"id"`
	} `json:"parents"`
	Properties struct {
		JiraKey []string `json:"jira-key"`
	} `json:"properties"`
}

type bbRef struct {
	ID           string `json:"id"`
	DisplayID    string `json:"displayId"`
	LatestCommit string `json:"latestCommit"`
}

type bbPullRequest struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"`
	CreatedDate int64  `json:"createdDate"`
	UpdatedDate int64  `json:"updatedDate"`
	ClosedDate  int64  `json:"closedDate"`
	FromRef     bbRef  `json:"fromRef"`
	ToRef       bbRef  `json:"toRef"`
	Author      struct {
		User bbUser `json:"user"`
	} `json:"author"`
	Reviewers  []bbReviewer `json:"reviewers"`
	Properties struct {
		CommentCount  int32 `json:"commentCount"`
		OpenTaskCount int32 `json:"openTaskCount"`
		MergeCommit   struct {
			ID string `json:"id"`
		} `json:"mergeCommit"`
	} `json:"properties"`
}

type bbReviewer struct {
	User               bbUser `json:"user"`
	Status             string `json:"status"`
	LastReviewedCommit string `json:"lastReviewedCommit"`
}

type bbActivity struct {
	ID            int64      `json:"id"`
	Action        string     `json:"action"`
	CreatedDate   int64      `json:"createdDate"`
	Comment       *bbComment `json:"comment"`
	CommentAnchor *struct {
		Path string `json:"path"`
		Line int32  `json:"line"`
	} `json:"commentAnchor"`
}

type bbComment struct {
	ID             int64  `json:"id"`
	Text           string `json:"text"`
	Author         bbUser `json:"author"`
	CreatedDate    int64  `json:"createdDate"`
	UpdatedDate    int64  `json:"updatedDate"`
	Severity       string `json:"severity"`
	State          string `json:"state"`
	ThreadResolved bool   `json:"threadResolved"`
}

type bbChange struct {
	Path struct {
		ToString string `json:"toString"`
	} `json:"path"`
}

type bbDiffLine struct {
	Line string `json:"line"`
}

type bbDiffSegment struct {
	Type  string       `json:"type"`
	Lines []bbDiffLine `json:"lines"`
}

type bbDiffHunk struct {
	Segments []bbDiffSegment `json:"segments"`
}

type bbDiffFile struct {
	ToString string `json:"toString"`
}

type bbDiff struct {
	Source      *bbDiffFile  `json:"source"`
	Destination *bbDiffFile  `json:"destination"`
	Hunks       []bbDiffHunk `json:"hunks"`
}

type bbDiffResponse struct {
	Diffs []bbDiff `json:"diffs"`
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
