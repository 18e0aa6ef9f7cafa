package verify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGHCLISource_ParsesPaginatedOutput(t *testing.T) {
	var gotArgs []string
	src := &GHCLISource{run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte(`[{"body": "old", "created_at": "2026-03-01T11:00:00Z"}]
[{"body": "new", "created_at": "2026-03-01T11:58:00Z"}, {"body": "mid", "created_at": "2026-03-01T11:30:00Z"}]`), nil
	}}

	comments, err := src.RecentComments(context.Background(), "acme/widgets", 7, time.Now(), 2)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "new", comments[0].Body)
	assert.Equal(t, "mid", comments[1].Body)

	require.GreaterOrEqual(t, len(gotArgs), 3)
	assert.Equal(t, "gh", gotArgs[0])
	assert.True(t, strings.HasPrefix(gotArgs[2], "repos/acme/widgets/issues/7/comments?since="))
}

func TestGHCLISource_CommandError(t *testing.T) {
	src := &GHCLISource{run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("gh: not logged in")
	}}
	_, err := src.RecentComments(context.Background(), "acme/widgets", 7, time.Now(), 5)
	assert.Error(t, err)
}
