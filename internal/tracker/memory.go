package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// #region memory
// Memory is an in-process tracker used by tests, evaluation and dry runs.
// Mutations counts every state-changing call.
type Memory struct {
	mu        sync.Mutex
	repo      string
	issues    map[int]*memIssue
	nextID    int64
	now       func() time.Time
	Mutations int
}

type memIssue struct {
	issue     Issue
	comments  []Comment
	assignees []string
}

// NewMemory creates an empty tracker for repo.
func NewMemory(repo string) *Memory {
	return &Memory{repo: repo, issues: map[int]*memIssue{}, now: time.Now}
}

func (m *Memory) Repo() string { return m.repo }

// AddIssue stores an issue, replacing any with the same number.
func (m *Memory) AddIssue(is Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is.Labels = append([]string(nil), is.Labels...)
	m.issues[is.Number] = &memIssue{issue: is}
}

// AddComment appends a comment by author without counting it as a mutation.
func (m *Memory) AddComment(number int, author, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if is, ok := m.issues[number]; ok {
		m.appendComment(is, author, body)
	}
}

func (m *Memory) appendComment(is *memIssue, author, body string) {
	m.nextID++
	at := m.now()
	if n := len(is.comments); n > 0 && !at.After(is.comments[n-1].CreatedAt) {
		at = is.comments[n-1].CreatedAt.Add(time.Millisecond)
	}
	is.comments = append(is.comments, Comment{ID: m.nextID, Author: author, Body: body, CreatedAt: at})
}

func (m *Memory) get(number int) (*memIssue, error) {
	is, ok := m.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d: %w", number, ErrNotFound)
	}
	return is, nil
}

func (m *Memory) GetIssue(_ context.Context, number int) (Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, err := m.get(number)
	if err != nil {
		return Issue{}, err
	}
	out := is.issue
	out.Labels = append([]string(nil), is.issue.Labels...)
	return out, nil
}

func (m *Memory) ListComments(_ context.Context, number int) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, err := m.get(number)
	if err != nil {
		return nil, err
	}
	return append([]Comment(nil), is.comments...), nil
}

// PostComment appends a comment authored by the bot.
func (m *Memory) PostComment(_ context.Context, number int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, err := m.get(number)
	if err != nil {
		return err
	}
	m.Mutations++
	m.appendComment(is, "helpdesk-bot", body)
	return nil
}

func (m *Memory) GetLabels(_ context.Context, number int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, err := m.get(number)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), is.issue.Labels...), nil
}

func (m *Memory) AddLabels(_ context.Context, number int, labels []string, removePrefixes ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, err := m.get(number)
	if err != nil {
		return err
	}
	m.Mutations++
	is.issue.Labels = MergeLabels(is.issue.Labels, labels, removePrefixes...)
	return nil
}

func (m *Memory) AddAssignees(_ context.Context, number int, assignees []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, err := m.get(number)
	if err != nil {
		return err
	}
	if len(assignees) == 0 {
		return nil
	}
	m.Mutations++
	is.assignees = MergeLabels(is.assignees, assignees)
	return nil
}

// Assignees returns the issue's assignees.
func (m *Memory) Assignees(number int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if is, ok := m.issues[number]; ok {
		return append([]string(nil), is.assignees...)
	}
	return nil
}

// Comments returns the issue's comments, oldest first.
func (m *Memory) Comments(number int) []Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if is, ok := m.issues[number]; ok {
		return append([]Comment(nil), is.comments...)
	}
	return nil
}

// #endregion memory
