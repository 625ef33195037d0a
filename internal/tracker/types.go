// Package tracker is the issue-tracker boundary: reading issues and comments
// and applying the allow-listed side effects.
package tracker

import (
	"context"
	"errors"
	"time"
)

// #region types
// Issue is the part of a tracker issue the pipeline reads.
type Issue struct {
	Number int
	Title  string
	Body   string
	Author string
	Labels []string
}

// Text is the title and body as one request text.
func (i Issue) Text() string {
	if i.Title == "" {
		return i.Body
	}
	if i.Body == "" {
		return i.Title
	}
	return i.Title + "\n\n" + i.Body
}

// Comment is a read-only snapshot of an issue comment.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// ErrNotFound is returned for a missing issue.
var ErrNotFound = errors.New("issue not found")

// ErrTooManyPages is returned when a listing still has a next page after
// MaxPages pages; a truncated comment history is never returned.
var ErrTooManyPages = errors.New("too many pages")

// #endregion types

// #region tracker
// Tracker is one repository's issues.
type Tracker interface {
	// Repo identifies the repository, e.g. "owner/name".
	Repo() string
	GetIssue(ctx context.Context, number int) (Issue, error)
	// ListComments returns comments oldest first.
	ListComments(ctx context.Context, number int) ([]Comment, error)
	PostComment(ctx context.Context, number int, body string) error
	GetLabels(ctx context.Context, number int) ([]string, error)
	// AddLabels adds labels after removing every existing label that starts
	// with one of removePrefixes.
	AddLabels(ctx context.Context, number int, labels []string, removePrefixes ...string) error
	AddAssignees(ctx context.Context, number int, assignees []string) error
}

// MergeLabels computes the label set AddLabels produces.
func MergeLabels(current, add []string, removePrefixes ...string) []string {
	out := make([]string, 0, len(current)+len(add))
	seen := map[string]bool{}
	for _, l := range current {
		if hasAnyPrefix(l, removePrefixes) || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	for _, l := range add {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

// #endregion tracker
