// Package verify confirms phase completion by scanning recent issue comments for a marker.
package verify

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
	"github.com/hochfrequenz/adw-orchestrator/internal/runstate"
)

// Outcome is the tri-state result of a verification
type Outcome int

const (
	NotApplicable Outcome = iota
	Verified
	Unverified
)

func (o Outcome) String() string {
	switch o {
	case Verified:
		return "verified"
	case Unverified:
		return "unverified"
	default:
		return "not_applicable"
	}
}

// Comment is one issue comment as seen by the verifier
type Comment struct {
	Body      string
	CreatedAt time.Time
}

// CommentSource lists the most recent comments on an issue, newest first
type CommentSource interface {
	RecentComments(ctx context.Context, repo string, issue int, since time.Time, limit int) ([]Comment, error)
}

// Verifier checks completion markers against recent issue comments
type Verifier struct {
	source  CommentSource
	enabled bool
	limit   int
	logger  *logging.Logger
	now     func() time.Time
}

// New creates a verifier. A nil source makes every verification not applicable.
func New(source CommentSource, enabled bool, limit int, logger *logging.Logger) *Verifier {
	if limit <= 0 {
		limit = 5
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Verifier{
		source:  source,
		enabled: enabled,
		limit:   limit,
		logger:  logger,
		now:     time.Now,
	}
}

// Verify looks for marker in the run's issue comments created within maxAge.
// Lookup failures fail open and yield NotApplicable.
func (v *Verifier) Verify(ctx context.Context, state *runstate.RunState, marker string, maxAge time.Duration) Outcome {
	if marker == "" || !v.enabled || v.source == nil {
		return NotApplicable
	}
	if state == nil || !state.HasIssue() || state.RepositorySlug == "" {
		return NotApplicable
	}

	cutoff := v.now().Add(-maxAge)
	comments, err := v.source.RecentComments(ctx, state.RepositorySlug, state.IssueNumber, cutoff, v.limit)
	if err != nil {
		v.logger.Warn(ctx, "error checking comments",
			zap.String("repo", state.RepositorySlug),
			zap.Int("issue", state.IssueNumber),
			zap.Error(err))
		return NotApplicable
	}

	if len(comments) > v.limit {
		comments = comments[:v.limit]
	}
	for _, c := range comments {
		if c.CreatedAt.Before(cutoff) {
			continue
		}
		if strings.Contains(c.Body, marker) {
			v.logger.Info(ctx, "found completion marker", zap.String("marker", marker))
			return Verified
		}
	}

	v.logger.Warn(ctx, "completion marker not found", zap.String("marker", marker))
	return Unverified
}
