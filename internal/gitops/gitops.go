// Package gitops drives git for the worker: clone or refresh a
// workspace, manage the ticket branch, reset between attempts, commit,
// and push. Every invocation is argv-only; nothing is ever passed
// through a shell. The access token travels only inside remote URL
// arguments and is scrubbed from any output that ends up in an error.
package gitops

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runFunc executes git with args in dir and returns combined output.
type runFunc func(ctx context.Context, dir string, args ...string) (string, error)

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Client wraps git operations on worker workspaces.
type Client struct {
	run runFunc
}

// New creates a git client using the system git binary.
func New() *Client {
	return &Client{run: runGit}
}

// AuthURL splices the token into an HTTPS remote URL for one command's
// argv. Only https remotes are supported.
func AuthURL(remote, token string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("only https remotes are supported, got %q", u.Scheme)
	}
	if token != "" {
		u.User = url.UserPassword("x-access-token", token)
	}
	return u.String(), nil
}

// git runs one git command, wrapping failures with scrubbed output.
func (c *Client) git(ctx context.Context, dir, token string, args ...string) (string, error) {
	out, err := c.run(ctx, dir, args...)
	if err != nil {
		return out, fmt.Errorf("git %s: %s: %w", args[0], scrub(strings.TrimSpace(out), token), err)
	}
	return out, nil
}

// scrub removes the token from git output before it can reach a log line.
func scrub(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

// EnsureWorkspace prepares dir as a clone of remote. A fresh directory
// is cloned; an existing clone is refreshed with a pruning fetch.
// Returns whether a new clone was made.
func (c *Client) EnsureWorkspace(ctx context.Context, dir, remote, token string) (bool, error) {
	authed, err := AuthURL(remote, token)
	if err != nil {
		return false, err
	}

	if _, statErr := os.Stat(filepath.Join(dir, ".git")); statErr == nil {
		_, err = c.git(ctx, dir, token, "fetch", "--prune", authed, "+refs/heads/*:refs/remotes/origin/*")
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return false, fmt.Errorf("create workspace root: %w", err)
	}
	if _, err = c.git(ctx, "", token, "clone", authed, dir); err != nil {
		return false, err
	}
	// The token must not persist in .git/config.
	_, err = c.git(ctx, dir, token, "remote", "set-url", "origin", remote)
	return true, err
}

// CheckoutBranch checks out branch, creating it from the remote base
// when it does not exist yet. A branch left over from a previous attempt
// (local or already pushed) is reused.
func (c *Client) CheckoutBranch(ctx context.Context, dir, branch, base string) error {
	if _, err := c.run(ctx, dir, "checkout", branch); err == nil {
		return nil
	}
	_, err := c.git(ctx, dir, "", "checkout", "-b", branch, "origin/"+base)
	return err
}

// ResetHard discards uncommitted changes and untracked files, returning
// the workspace to the branch tip.
func (c *Client) ResetHard(ctx context.Context, dir string) error {
	if _, err := c.git(ctx, dir, "", "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := c.git(ctx, dir, "", "clean", "-fd")
	return err
}

// HasChanges reports whether the working tree differs from HEAD,
// counting untracked files.
func (c *Client) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := c.git(ctx, dir, "", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything and commits with the given author
// identity, returning the new commit SHA. The message reaches git as a
// single argv element, so no escaping is ever needed.
func (c *Client) CommitAll(ctx context.Context, dir, message, authorName, authorEmail string) (string, error) {
	if _, err := c.git(ctx, dir, "", "add", "-A"); err != nil {
		return "", err
	}
	if _, err := c.git(ctx, dir, "",
		"-c", "user.name="+authorName,
		"-c", "user.email="+authorEmail,
		"commit", "-m", message); err != nil {
		return "", err
	}
	out, err := c.git(ctx, dir, "", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Push pushes branch to the remote using a one-shot authenticated URL.
func (c *Client) Push(ctx context.Context, dir, remote, token, branch string) error {
	authed, err := AuthURL(remote, token)
	if err != nil {
		return err
	}
	_, err = c.git(ctx, dir, token, "push", authed, "HEAD:refs/heads/"+branch)
	return err
}
