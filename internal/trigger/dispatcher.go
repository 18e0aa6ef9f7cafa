package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
	"github.com/hochfrequenz/adw-orchestrator/internal/orchestrator"
)

var (
	// ErrPoolExhausted is returned when every run slot is taken
	ErrPoolExhausted = errors.New("too many concurrent runs")
	// ErrRunActive is returned when the run id is already in flight
	ErrRunActive = errors.New("run is already active")
	// ErrShuttingDown is returned once Shutdown has been called
	ErrShuttingDown = errors.New("dispatcher is shutting down")
)

// Dispatcher runs requests in the background, at most maxRuns at a time
type Dispatcher struct {
	exec    Executor
	maxRuns int
	logger  *logging.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu       sync.Mutex
	active   map[domain.RunID]context.CancelFunc
	closed   bool
	onActive func(n int)
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher allowing at most maxRuns in flight
func NewDispatcher(exec Executor, maxRuns int, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	if maxRuns < 1 {
		maxRuns = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		exec:      exec,
		maxRuns:   maxRuns,
		logger:    logger,
		baseCtx:   ctx,
		cancelAll: cancel,
		active:    make(map[domain.RunID]context.CancelFunc),
	}
}

// OnActiveChanged registers fn to receive the in-flight count after every start and finish.
// fn is called without the dispatcher lock held.
func (d *Dispatcher) OnActiveChanged(fn func(n int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onActive = fn
}

// MaxRuns returns the concurrency limit
func (d *Dispatcher) MaxRuns() int {
	return d.maxRuns
}

// Dispatch starts req in the background and returns immediately
func (d *Dispatcher) Dispatch(req orchestrator.Request) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := d.active[req.RunID]; ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunActive, req.RunID)
	}
	if len(d.active) >= d.maxRuns {
		d.mu.Unlock()
		return fmt.Errorf("%w (max %d)", ErrPoolExhausted, d.maxRuns)
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	d.active[req.RunID] = cancel
	n, notify := len(d.active), d.onActive
	d.wg.Add(1)
	d.mu.Unlock()

	if notify != nil {
		notify(n)
	}
	go d.run(ctx, cancel, req)
	return nil
}

func (d *Dispatcher) finish(runID domain.RunID) {
	d.mu.Lock()
	delete(d.active, runID)
	n, notify := len(d.active), d.onActive
	d.mu.Unlock()

	if notify != nil {
		notify(n)
	}
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, req orchestrator.Request) {
	defer d.wg.Done()
	defer func() {
		d.finish(req.RunID)
		cancel()
	}()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "panic during orchestration",
				zap.String("adw_id", req.RunID.String()), zap.String("chain", req.Chain), zap.Any("panic", r))
		}
	}()

	results, err := d.exec.Execute(ctx, req)
	if err != nil {
		d.logger.Error(ctx, "orchestration failed",
			zap.String("adw_id", req.RunID.String()), zap.String("chain", req.Chain), zap.Error(err))
		return
	}
	for _, res := range results {
		d.logger.Info(ctx, "orchestration finished",
			zap.String("adw_id", req.RunID.String()), zap.String("chain", res.Chain),
			zap.String("status", string(res.Status)))
	}
}

// Cancel cancels the in-flight run, terminating its current phase
func (d *Dispatcher) Cancel(runID domain.RunID) bool {
	d.mu.Lock()
	cancel, ok := d.active[runID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the run ids currently in flight
func (d *Dispatcher) Active() []domain.RunID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]domain.RunID, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Shutdown rejects new work, cancels every in-flight run and waits for them
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancelAll()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
