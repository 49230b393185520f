// Package forge opens pull requests against the GitHub REST contract.
// Only the one endpoint the worker needs is implemented.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to a GitHub-compatible API.
type Client struct {
	apiBase string
	token   string
	client  *http.Client
}

// NewGitHub creates a forge client. apiBase defaults to the public
// GitHub API when empty.
func NewGitHub(apiBase, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if base == "" {
		base = "https://api.github.com"
	}
	return &Client{
		apiBase: base,
		token:   token,
		client:  &http.Client{},
	}
}

// PullRequest describes the PR to open.
type PullRequest struct {
	Title string
	Head  string
	Base  string
	Body  string
}

// RequestError is a non-2xx forge reply.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("forge request failed (status %d): %s", e.StatusCode, e.Message)
}

// CreatePull opens a pull request and returns its HTML URL. The head ref
// is sent bare first; a 422 means GitHub could not resolve it, so the
// qualified owner:branch form is tried once. Any other status fails
// immediately.
func (c *Client) CreatePull(ctx context.Context, owner, repo string, pr PullRequest) (string, error) {
	prURL, err := c.createPull(ctx, owner, repo, pr.Head, pr)
	if err == nil {
		return prURL, nil
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusUnprocessableEntity {
		return "", err
	}
	return c.createPull(ctx, owner, repo, owner+":"+pr.Head, pr)
}

func (c *Client) createPull(ctx context.Context, owner, repo, head string, pr PullRequest) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"title": pr.Title,
		"head":  head,
		"base":  pr.Base,
		"body":  pr.Body,
	})
	if err != nil {
		return "", fmt.Errorf("encode pull request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls", c.apiBase, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		return "", &RequestError{
			StatusCode: resp.StatusCode,
			Message:    forgeErrorMessage(raw),
		}
	}

	var created struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return created.HTMLURL, nil
}

func forgeErrorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(raw))
}

// ParseRepoURL extracts owner and repository name from an HTTPS remote
// like https://github.com/acme/site or https://github.com/acme/site.git.
func ParseRepoURL(remote string) (owner, repo string, err error) {
	u, err := url.Parse(strings.TrimSpace(remote))
	if err != nil {
		return "", "", fmt.Errorf("parse repo url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repo url %q has no owner/name path", remote)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
