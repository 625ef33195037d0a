package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// API configuration constants.
const (
	DefaultAPIEndpoint = "https://api.github.com"
	DefaultTimeout     = 30 * time.Second
	MaxPageSize        = 100
	// MaxPages bounds pagination against malformed Link headers.
	MaxPages = 50
)

// #region client
// GitHub talks to the GitHub REST API for one repository.
type GitHub struct {
	Token      string
	Owner      string
	Name       string
	BaseURL    string
	HTTPClient *http.Client
	// MaxElapsed bounds retries of one request.
	MaxElapsed time.Duration
}

// NewGitHub creates a client for repo given as "owner/name".
func NewGitHub(token, repo string) (*GitHub, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("repo %q: want owner/name", repo)
	}
	return &GitHub{
		Token:      token,
		Owner:      owner,
		Name:       name,
		BaseURL:    DefaultAPIEndpoint,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		MaxElapsed: 30 * time.Second,
	}, nil
}

// WithBaseURL returns a copy pointed at another API root (tests, GitHub Enterprise).
func (c *GitHub) WithBaseURL(baseURL string) *GitHub {
	cp := *c
	cp.BaseURL = strings.TrimRight(baseURL, "/")
	return &cp
}

func (c *GitHub) Repo() string { return c.Owner + "/" + c.Name }

func (c *GitHub) issuePath(number int, suffix string) string {
	return c.BaseURL + "/repos/" + c.Repo() + "/issues/" + strconv.Itoa(number) + suffix
}

// #endregion client

// #region request
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API error: %s (status %d)", e.Body, e.Status)
}

// rateLimited responses were refused before the request took effect.
func rateLimited(resp *http.Response) bool {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return true
	}
	return false
}

func retryable(resp *http.Response) bool {
	return rateLimited(resp) || resp.StatusCode >= 500
}

// do performs one authenticated request, retrying rate limits, server errors
// and transport failures with exponential backoff.
func (c *GitHub) do(ctx context.Context, method, url string, body any) ([]byte, http.Header, error) {
	return c.send(ctx, method, url, body, true)
}

// doOnce is do for requests that must not be replayed once they may have
// reached the API, such as creating a comment. Only rate-limit refusals are
// retried.
func (c *GitHub) doOnce(ctx context.Context, method, url string, body any) ([]byte, http.Header, error) {
	return c.send(ctx, method, url, body, false)
}

func (c *GitHub) send(ctx context.Context, method, url string, body any, replay bool) ([]byte, http.Header, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = c.MaxElapsed

	var respBody []byte
	var header http.Header
	op := func() error {
		var r io.Reader
		if payload != nil {
			r = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, r)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			if !replay {
				return backoff.Permanent(fmt.Errorf("request failed: %w", err))
			}
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		const maxResponseSize = 10 * 1024 * 1024
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			e := &apiError{Status: resp.StatusCode, Body: string(b)}
			if rateLimited(resp) || (replay && retryable(resp)) {
				return e
			}
			return backoff.Permanent(e)
		}
		respBody, header = b, resp.Header
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, nil, err
	}
	return respBody, header, nil
}

var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

func nextPage(h http.Header) (string, bool) {
	m := linkNextPattern.FindStringSubmatch(h.Get("Link"))
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// #endregion request

// #region wire-types
type wireUser struct {
	Login string `json:"login"`
}

type wireLabel struct {
	Name string `json:"name"`
}

type wireIssue struct {
	Number int         `json:"number"`
	Title  string      `json:"title"`
	Body   string      `json:"body"`
	User   *wireUser   `json:"user"`
	Labels []wireLabel `json:"labels"`
}

type wireComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      *wireUser `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

func login(u *wireUser) string {
	if u == nil {
		return ""
	}
	return u.Login
}

func labelNames(ls []wireLabel) []string {
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Name)
	}
	return out
}

// #endregion wire-types

// #region operations
func (c *GitHub) GetIssue(ctx context.Context, number int) (Issue, error) {
	b, _, err := c.do(ctx, http.MethodGet, c.issuePath(number, ""), nil)
	if err != nil {
		var e *apiError
		if errors.As(err, &e) && e.Status == http.StatusNotFound {
			return Issue{}, fmt.Errorf("issue #%d: %w", number, ErrNotFound)
		}
		return Issue{}, fmt.Errorf("get issue #%d: %w", number, err)
	}
	var w wireIssue
	if err := json.Unmarshal(b, &w); err != nil {
		return Issue{}, fmt.Errorf("parse issue #%d: %w", number, err)
	}
	return Issue{
		Number: w.Number,
		Title:  w.Title,
		Body:   w.Body,
		Author: login(w.User),
		Labels: labelNames(w.Labels),
	}, nil
}

func (c *GitHub) ListComments(ctx context.Context, number int) ([]Comment, error) {
	var out []Comment
	url := c.issuePath(number, "/comments") + "?per_page=" + strconv.Itoa(MaxPageSize)
	for page := 0; ; page++ {
		if page == MaxPages {
			return nil, fmt.Errorf("list comments #%d: %w", number, ErrTooManyPages)
		}
		b, h, err := c.do(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("list comments #%d: %w", number, err)
		}
		var ws []wireComment
		if err := json.Unmarshal(b, &ws); err != nil {
			return nil, fmt.Errorf("parse comments #%d: %w", number, err)
		}
		for _, w := range ws {
			out = append(out, Comment{ID: w.ID, Author: login(w.User), Body: w.Body, CreatedAt: w.CreatedAt})
		}
		next, ok := nextPage(h)
		if !ok {
			break
		}
		url = next
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (c *GitHub) PostComment(ctx context.Context, number int, body string) error {
	_, _, err := c.doOnce(ctx, http.MethodPost, c.issuePath(number, "/comments"), map[string]string{"body": body})
	if err != nil {
		return fmt.Errorf("post comment #%d: %w", number, err)
	}
	return nil
}

func (c *GitHub) GetLabels(ctx context.Context, number int) ([]string, error) {
	b, _, err := c.do(ctx, http.MethodGet, c.issuePath(number, "/labels")+"?per_page=100", nil)
	if err != nil {
		return nil, fmt.Errorf("get labels #%d: %w", number, err)
	}
	var ws []wireLabel
	if err := json.Unmarshal(b, &ws); err != nil {
		return nil, fmt.Errorf("parse labels #%d: %w", number, err)
	}
	return labelNames(ws), nil
}

// AddLabels replaces the issue's label set in one PUT when prefixes must be
// removed, otherwise it appends with POST.
func (c *GitHub) AddLabels(ctx context.Context, number int, labels []string, removePrefixes ...string) error {
	if len(removePrefixes) == 0 {
		_, _, err := c.do(ctx, http.MethodPost, c.issuePath(number, "/labels"), map[string][]string{"labels": labels})
		if err != nil {
			return fmt.Errorf("add labels #%d: %w", number, err)
		}
		return nil
	}
	current, err := c.GetLabels(ctx, number)
	if err != nil {
		return err
	}
	merged := MergeLabels(current, labels, removePrefixes...)
	if _, _, err := c.do(ctx, http.MethodPut, c.issuePath(number, "/labels"), map[string][]string{"labels": merged}); err != nil {
		return fmt.Errorf("set labels #%d: %w", number, err)
	}
	return nil
}

func (c *GitHub) AddAssignees(ctx context.Context, number int, assignees []string) error {
	if len(assignees) == 0 {
		return nil
	}
	_, _, err := c.do(ctx, http.MethodPost, c.issuePath(number, "/assignees"), map[string][]string{"assignees": assignees})
	if err != nil {
		return fmt.Errorf("add assignees #%d: %w", number, err)
	}
	return nil
}

// #endregion operations
