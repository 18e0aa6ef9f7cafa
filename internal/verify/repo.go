package verify

import (
	"regexp"

	"github.com/go-git/go-git/v5"
)

var (
	httpsRemote = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+?)(?:\.git)?/?$`)
	sshRemote   = regexp.MustCompile(`^git@github\.com:([^/]+)/([^/]+?)(?:\.git)?$`)
)

// ParseRepoSlug extracts owner/repo from a GitHub HTTPS or SSH remote URL.
// Any other form yields "".
func ParseRepoSlug(url string) string {
	for _, re := range []*regexp.Regexp{httpsRemote, sshRemote} {
		if m := re.FindStringSubmatch(url); m != nil {
			return m[1] + "/" + m[2]
		}
	}
	return ""
}

// RepoSlug returns owner/repo for the origin remote of the repository containing dir
func RepoSlug(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}

	remote, err := repo.Remote("origin")
	if err != nil {
		return ""
	}

	urls := remote.Config().URLs
	if len(urls) == 0 {
		return ""
	}
	return ParseRepoSlug(urls[0])
}
