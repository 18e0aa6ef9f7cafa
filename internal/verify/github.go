package verify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
)

// GitHubSource reads issue comments through the GitHub REST API
type GitHubSource struct {
	client *github.Client
}

// NewGitHubSource creates a token-authenticated source.
// baseURL selects a GitHub Enterprise or test API endpoint when non-empty.
func NewGitHubSource(ctx context.Context, token config.Secret, baseURL string) (*GitHubSource, error) {
	if !token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	tc.Timeout = 15 * time.Second
	return newGitHubSource(tc, baseURL)
}

func newGitHubSource(httpClient *http.Client, baseURL string) (*GitHubSource, error) {
	client := github.NewClient(httpClient)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	return &GitHubSource{client: client}, nil
}

// RecentComments returns up to limit comments created after since, newest first
func (s *GitHubSource) RecentComments(ctx context.Context, repo string, issue int, since time.Time, limit int) ([]Comment, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return nil, fmt.Errorf("invalid repository slug %q", repo)
	}

	opts := &github.IssueListCommentsOptions{
		Since:       &since,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var all []*github.IssueComment
	for {
		page, resp, err := s.client.Issues.ListComments(ctx, owner, name, issue, opts)
		if err != nil {
			return nil, fmt.Errorf("listing comments for %s#%d: %w", repo, issue, err)
		}
		all = append(all, page...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return newestFirst(all, limit), nil
}

// newestFirst takes the API's oldest-first ordering and returns the last limit comments reversed
func newestFirst(comments []*github.IssueComment, limit int) []Comment {
	if len(comments) > limit {
		comments = comments[len(comments)-limit:]
	}
	out := make([]Comment, 0, len(comments))
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		out = append(out, Comment{Body: c.GetBody(), CreatedAt: c.GetCreatedAt().Time})
	}
	return out
}
