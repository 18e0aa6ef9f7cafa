package verify

import (
	"testing"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRepoSlug(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://github.com/acme/widgets.git", "acme/widgets"},
		{"https://github.com/acme/widgets", "acme/widgets"},
		{"git@github.com:acme/widgets.git", "acme/widgets"},
		{"git@github.com:acme/widgets", "acme/widgets"},
		{"https://gitlab.com/acme/widgets.git", ""},
		{"ssh://git@github.com/acme/widgets.git", ""},
		{"/local/path/repo", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRepoSlug(tt.url))
		})
	}
}

func TestRepoSlug_FromOrigin(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{"git@github.com:acme/widgets.git"},
	})
	require.NoError(t, err)

	assert.Equal(t, "acme/widgets", RepoSlug(dir))
}

func TestRepoSlug_NotARepository(t *testing.T) {
	assert.Equal(t, "", RepoSlug(t.TempDir()))
}
