package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"time"
)

// GHCLISource reads issue comments by shelling out to the gh CLI
type GHCLISource struct {
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewGHCLISource creates a source backed by the gh binary on PATH
func NewGHCLISource() *GHCLISource {
	return &GHCLISource{run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).Output()
	}}
}

// GHAvailable reports whether the gh CLI is on PATH
func GHAvailable() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

type ghComment struct {
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// RecentComments returns up to limit comments created after since, newest first
func (s *GHCLISource) RecentComments(ctx context.Context, repo string, issue int, since time.Time, limit int) ([]Comment, error) {
	// gh api repos/owner/repo/issues/42/comments?since=...&per_page=100 --paginate
	endpoint := fmt.Sprintf("repos/%s/issues/%d/comments?since=%s&per_page=100",
		repo, issue, since.UTC().Format(time.RFC3339))
	output, err := s.run(ctx, "gh", "api", endpoint, "--paginate")
	if err != nil {
		return nil, fmt.Errorf("gh api: %w", err)
	}

	// --paginate concatenates one JSON array per page
	var all []ghComment
	dec := json.NewDecoder(bytes.NewReader(output))
	for {
		var page []ghComment
		if err := dec.Decode(&page); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse gh output: %w", err)
		}
		all = append(all, page...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]Comment, len(all))
	for i, c := range all {
		out[i] = Comment{Body: c.Body, CreatedAt: c.CreatedAt}
	}
	return out, nil
}
