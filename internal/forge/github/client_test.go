package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithBaseURL("test-token", srv.URL)
}

func TestGetPullRequest(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/pulls/42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("auth header = %q", got)
		}
		mergeable := true
		_ = json.NewEncoder(w).Encode(PullRequest{
			Number: 42, State: "open", Mergeable: &mergeable,
			Head: Ref{Ref: "feature/x", SHA: "abc"},
		})
	}))

	pr, err := client.GetPullRequest(context.Background(), "acme", "widgets", 42)
	if err != nil {
		t.Fatalf("get pr: %v", err)
	}
	if pr.Number != 42 || pr.Head.SHA != "abc" || pr.Mergeable == nil || !*pr.Mergeable {
		t.Fatalf("pr = %+v", pr)
	}
}

func TestMergePullRequestOutcomes(t *testing.T) {
	t.Run("merged", func(t *testing.T) {
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPut {
				t.Errorf("method = %s", r.Method)
			}
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["merge_method"] != "squash" {
				t.Errorf("merge method = %q", body["merge_method"])
			}
			_ = json.NewEncoder(w).Encode(MergeResult{Merged: true, SHA: "m123"})
		}))

		res, err := client.MergePullRequest(context.Background(), "acme", "widgets", 42, MergeMethodSquash)
		if err != nil || !res.Merged {
			t.Fatalf("merge: %+v %v", res, err)
		}
	})

	t.Run("405 surfaces the failure text", func(t *testing.T) {
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusMethodNotAllowed)
			_, _ = w.Write([]byte(`{"message":"Pull Request is not mergeable"}`))
		}))

		_, err := client.MergePullRequest(context.Background(), "acme", "widgets", 42, MergeMethodSquash)
		if err == nil {
			t.Fatal("405 must error")
		}
		if !strings.Contains(err.Error(), "not mergeable") {
			t.Fatalf("error = %v, want forge message preserved", err)
		}
	})
}

func TestIsAlreadyInProgress(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("API error (status 405): Merge already in progress"), true},
		{errors.New("merge already queued for this pull request"), true},
		{errors.New("API error (status 405): Pull Request is not mergeable"), false},
		{errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		if got := IsAlreadyInProgress(tt.err); got != tt.want {
			t.Errorf("IsAlreadyInProgress(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestListChangedFilesPaginates(t *testing.T) {
	pageOne := make([]ChangedFile, 100)
	for i := range pageOne {
		pageOne[i] = ChangedFile{Filename: fmt.Sprintf("src/f%03d.go", i)}
	}
	pageTwo := []ChangedFile{{Filename: "src/last.go"}}

	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		switch page {
		case 1:
			_ = json.NewEncoder(w).Encode(pageOne)
		case 2:
			_ = json.NewEncoder(w).Encode(pageTwo)
		default:
			t.Errorf("unexpected page %d", page)
			_ = json.NewEncoder(w).Encode([]ChangedFile{})
		}
	}))

	files, err := client.ListChangedFiles(context.Background(), "acme", "widgets", 42)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 101 {
		t.Fatalf("files = %d, want 101", len(files))
	}
	if files[100].Filename != "src/last.go" {
		t.Fatalf("last file = %s", files[100].Filename)
	}
}

func TestGetPullRequestDiff(t *testing.T) {
	const diff = "diff --git a/x.go b/x.go\n+added line\n"
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/vnd.github.diff" {
			t.Errorf("accept = %q", got)
		}
		_, _ = w.Write([]byte(diff))
	}))

	got, err := client.GetPullRequestDiff(context.Background(), "acme", "widgets", 42)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if got != diff {
		t.Fatalf("diff = %q", got)
	}
}

func TestGetCombinedStatus(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/commits/abc123/status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(CombinedStatus{
			State: "failure", SHA: "abc123",
			Statuses: []CommitStatus{{State: "failure", Context: "ci/test"}},
		})
	}))

	status, err := client.GetCombinedStatus(context.Background(), "acme", "widgets", "abc123")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != "failure" || len(status.Statuses) != 1 {
		t.Fatalf("status = %+v", status)
	}
}

func TestCreateReviewPayload(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["event"] != ReviewEventRequestChanges {
			t.Errorf("event = %q", payload["event"])
		}
		if payload["body"] == "" {
			t.Error("body missing")
		}
		_ = json.NewEncoder(w).Encode(Review{ID: 7, State: "CHANGES_REQUESTED"})
	}))

	review, err := client.CreateReview(context.Background(), "acme", "widgets", 42,
		ReviewEventRequestChanges, "needs work")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if review.ID != 7 {
		t.Fatalf("review = %+v", review)
	}
}

func TestClosePullRequest(t *testing.T) {
	var gotState string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s", r.Method)
		}
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotState = payload["state"]
		_ = json.NewEncoder(w).Encode(PullRequest{Number: 42, State: "closed"})
	}))

	if err := client.ClosePullRequest(context.Background(), "acme", "widgets", 42); err != nil {
		t.Fatalf("close: %v", err)
	}
	if gotState != "closed" {
		t.Fatalf("state = %q", gotState)
	}
}

func TestRetryableErrorClassification(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"API error (status 429): rate limited", true},
		{"API error (status 502): bad gateway", true},
		{"dial tcp 127.0.0.1:1: connection refused", true},
		{"API error (status 404): not found", false},
		{"API error (status 422): validation failed", false},
	}
	for _, tt := range tests {
		if got := isRetryableError(errors.New(tt.err)); got != tt.want {
			t.Errorf("isRetryableError(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestExtractRetryAfter(t *testing.T) {
	if d := extractRetryAfter(errors.New("retry-after: 7")); d.Seconds() != 7 {
		t.Errorf("retry-after = %v", d)
	}
	if d := extractRetryAfter(errors.New("API error (status 429): slow down")); d.Seconds() != 60 {
		t.Errorf("429 default = %v", d)
	}
	if d := extractRetryAfter(errors.New("plain failure")); d != 0 {
		t.Errorf("no hint = %v", d)
	}
}
