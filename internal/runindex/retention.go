package runindex

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
)

// ParseSchedule parses a five-field cron expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Pruner removes old history on a cron schedule
type Pruner struct {
	index     *Index
	schedule  cron.Schedule
	retention time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

// NewPruner returns nil when retention is disabled (retention_days <= 0)
func NewPruner(index *Index, cfg config.HistoryConfig, logger *logging.Logger) (*Pruner, error) {
	if cfg.RetentionDays <= 0 {
		return nil, nil
	}
	sched, err := ParseSchedule(cfg.PruneSchedule)
	if err != nil {
		return nil, fmt.Errorf("history.prune_schedule %q: %w", cfg.PruneSchedule, err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pruner{
		index:     index,
		schedule:  sched,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Next returns the next prune time after t
func (p *Pruner) Next(t time.Time) time.Time {
	return p.schedule.Next(t)
}

// PruneNow deletes executions older than the retention window
func (p *Pruner) PruneNow(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.index.Prune(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info(ctx, "pruned run history", zap.Int64("executions", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Run prunes at every scheduled time until ctx is cancelled
func (p *Pruner) Run(ctx context.Context) error {
	for {
		wait := time.Until(p.Next(p.now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := p.PruneNow(ctx); err != nil {
			p.logger.Warn(ctx, "pruning run history", zap.Error(err))
		}
	}
}
