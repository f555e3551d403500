package github

import "time"

// User represents a GitHub user.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// Ref is one side of a pull request.
type Ref struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// PullRequest represents a GitHub pull request.
type PullRequest struct {
	Number         int       `json:"number"`
	Title          string    `json:"title"`
	State          string    `json:"state"`
	Merged         bool      `json:"merged"`
	Mergeable      *bool     `json:"mergeable"`
	MergeableState string    `json:"mergeable_state"`
	MergeCommitSHA string    `json:"merge_commit_sha"`
	HTMLURL        string    `json:"html_url"`
	User           User      `json:"user"`
	Head           Ref       `json:"head"`
	Base           Ref       `json:"base"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PRComment is an issue-style comment on a pull request.
type PRComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// Review events accepted by CreateReview.
const (
	ReviewEventApprove        = "APPROVE"
	ReviewEventRequestChanges = "REQUEST_CHANGES"
	ReviewEventComment        = "COMMENT"
)

// Review is a pull request review.
type Review struct {
	ID    int64  `json:"id"`
	State string `json:"state"`
	Body  string `json:"body"`
	User  User   `json:"user"`
}

// Merge methods accepted by MergePullRequest.
const (
	MergeMethodMerge  = "merge"
	MergeMethodSquash = "squash"
	MergeMethodRebase = "rebase"
)

// MergeResult is the forge's answer to a merge attempt.
type MergeResult struct {
	Merged bool   `json:"merged"`
	SHA    string `json:"sha"`
	Reason string `json:"message"`
}

// ChangedFile is one file in a pull request diff.
type ChangedFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// CommitStatus is one entry of a combined status response.
type CommitStatus struct {
	State       string `json:"state"`
	Context     string `json:"context"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url"`
}

// CombinedStatus is the combined commit status for a SHA.
type CombinedStatus struct {
	State    string         `json:"state"` // success, failure, pending
	SHA      string         `json:"sha"`
	Statuses []CommitStatus `json:"statuses"`
}

// CheckRun is a single check run from the Checks API.
type CheckRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`     // queued, in_progress, completed
	Conclusion string `json:"conclusion"` // success, failure, neutral, cancelled, timed_out, skipped
	HTMLURL    string `json:"html_url"`
}

// CheckRunList is the Checks API list response.
type CheckRunList struct {
	TotalCount int        `json:"total_count"`
	CheckRuns  []CheckRun `json:"check_runs"`
}
