package forge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePull(t *testing.T) {
	var got struct {
		Title string `json:"title"`
		Head  string `json:"head"`
		Base  string `json:"base"`
		Body  string `json:"body"`
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/site/pulls", r.URL.Path)
		assert.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"number":   7,
			"html_url": "https://github.com/acme/site/pull/7",
		})
	}))
	defer ts.Close()

	client := NewGitHub(ts.URL, "gh-token")
	prURL, err := client.CreatePull(context.Background(), "acme", "site", PullRequest{
		Title: "TKT-1: Fix login redirect",
		Head:  "gantry/TKT-1-fix-login-redirect",
		Base:  "main",
		Body:  "## Summary\n\nRedirect fixed.",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/site/pull/7", prURL)
	assert.Equal(t, "TKT-1: Fix login redirect", got.Title)
	assert.Equal(t, "gantry/TKT-1-fix-login-redirect", got.Head)
	assert.Equal(t, "main", got.Base)
}

func TestCreatePullRetriesHeadRefOn422(t *testing.T) {
	var heads []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Head string `json:"head"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		heads = append(heads, body.Head)

		if len(heads) == 1 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"message": "Validation Failed"})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"html_url": "https://github.com/acme/site/pull/8"})
	}))
	defer ts.Close()

	client := NewGitHub(ts.URL, "gh-token")
	prURL, err := client.CreatePull(context.Background(), "acme", "site", PullRequest{
		Title: "TKT-2: Add audit log",
		Head:  "gantry/TKT-2-add-audit-log",
		Base:  "main",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/site/pull/8", prURL)
	require.Len(t, heads, 2)
	assert.Equal(t, "gantry/TKT-2-add-audit-log", heads[0])
	assert.Equal(t, "acme:gantry/TKT-2-add-audit-log", heads[1])
}

func TestCreatePullDoesNotRetryOtherErrors(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"message": "Resource not accessible"})
	}))
	defer ts.Close()

	client := NewGitHub(ts.URL, "gh-token")
	_, err := client.CreatePull(context.Background(), "acme", "site", PullRequest{
		Title: "TKT-3: Broken",
		Head:  "gantry/TKT-3-broken",
		Base:  "main",
	})
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusForbidden, reqErr.StatusCode)
	assert.Contains(t, reqErr.Message, "Resource not accessible")
	assert.Equal(t, 1, calls)
}

func TestCreatePullSecond422Surfaces(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"message": "Validation Failed"})
	}))
	defer ts.Close()

	client := NewGitHub(ts.URL, "gh-token")
	_, err := client.CreatePull(context.Background(), "acme", "site", PullRequest{
		Title: "TKT-4: Still broken",
		Head:  "gantry/TKT-4-still-broken",
		Base:  "main",
	})
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusUnprocessableEntity, reqErr.StatusCode)
}

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		remote string
		owner  string
		repo   string
		ok     bool
	}{
		{"https://github.com/acme/site", "acme", "site", true},
		{"https://github.com/acme/site.git", "acme", "site", true},
		{"https://github.com/acme/site/", "acme", "site", true},
		{"https://ghe.internal/team/tool.git", "team", "tool", true},
		{"https://github.com/acme", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		owner, repo, err := ParseRepoURL(tt.remote)
		if !tt.ok {
			assert.Error(t, err, tt.remote)
			continue
		}
		require.NoError(t, err, tt.remote)
		assert.Equal(t, tt.owner, owner, tt.remote)
		assert.Equal(t, tt.repo, repo, tt.remote)
	}
}
