// Package bootstrap runs the staged boot sequence. Stages start in
// order; fatal stages abort the boot, degradable stages are replaced by
// a stub and raise the degradation level instead.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// StopFunc tears a started stage down. Nil means nothing to stop.
type StopFunc func(ctx context.Context) error

// Stage is one boot step.
type Stage struct {
	Name  string
	Fatal bool
	// Level is the degradation level this stage's loss implies (1..5).
	// Ignored for fatal stages.
	Level int
	// Start brings the stage up. On a degradable failure the returned
	// error is logged and the stage runs stubbed.
	Start func(ctx context.Context) (StopFunc, error)
	// Stub substitutes the degraded surface. Optional.
	Stub func(ctx context.Context)
}

const defaultStopTimeout = 10 * time.Second

// Runner executes stages and owns the reverse-order shutdown.
type Runner struct {
	logger      *slog.Logger
	stopTimeout time.Duration

	mu       sync.Mutex
	stops    []namedStop
	degraded map[string]int
}

type namedStop struct {
	name string
	stop StopFunc
}

func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, stopTimeout: defaultStopTimeout, degraded: make(map[string]int)}
}

// Boot starts every stage in order. A fatal stage failure aborts and
// returns the error; the caller exits non-zero. Degradable failures
// install the stub and raise the degradation level.
func (r *Runner) Boot(ctx context.Context, stages []Stage) error {
	for _, st := range stages {
		start := time.Now()
		stop, err := st.Start(ctx)
		if err != nil {
			if st.Fatal {
				return fmt.Errorf("boot stage %s: %w", st.Name, err)
			}
			r.logger.Warn("stage degraded", "stage", st.Name, "error", err, "level", st.Level)
			r.mu.Lock()
			r.degraded[st.Name] = st.Level
			r.mu.Unlock()
			if st.Stub != nil {
				st.Stub(ctx)
			}
			continue
		}
		r.logger.Info("stage up", "stage", st.Name, "took", time.Since(start).Round(time.Millisecond))
		if stop != nil {
			r.mu.Lock()
			r.stops = append(r.stops, namedStop{name: st.Name, stop: stop})
			r.mu.Unlock()
		}
	}
	return nil
}

// DegradationLevel is the highest level among currently degraded
// stages, zero when everything is up.
func (r *Runner) DegradationLevel() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	level := 0
	for _, l := range r.degraded {
		if l > level {
			level = l
		}
	}
	return level
}

// Degraded lists the degraded stage names.
func (r *Runner) Degraded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.degraded))
	for name := range r.degraded {
		out = append(out, name)
	}
	return out
}

// Degrade marks a stage lost at runtime, after boot. Recover undoes it
// when the stage comes back.
func (r *Runner) Degrade(name string, level int) {
	r.mu.Lock()
	r.degraded[name] = level
	r.mu.Unlock()
	r.logger.Warn("stage degraded", "stage", name, "level", level)
}

// Recover clears a stage's degradation after it comes back, letting the
// level drop.
func (r *Runner) Recover(name string) {
	r.mu.Lock()
	delete(r.degraded, name)
	r.mu.Unlock()
	r.logger.Info("stage recovered", "stage", name)
}

// Shutdown stops started stages in reverse order, bounding each stop so
// one stuck subsystem cannot block the exit.
func (r *Runner) Shutdown(ctx context.Context) {
	r.mu.Lock()
	stops := make([]namedStop, len(r.stops))
	copy(stops, r.stops)
	r.stops = nil
	r.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		s := stops[i]
		stepCtx, cancel := context.WithTimeout(ctx, r.stopTimeout)
		done := make(chan error, 1)
		go func() { done <- s.stop(stepCtx) }()
		select {
		case err := <-done:
			if err != nil {
				r.logger.Warn("stage stop failed", "stage", s.name, "error", err)
			} else {
				r.logger.Info("stage stopped", "stage", s.name)
			}
		case <-stepCtx.Done():
			r.logger.Warn("stage stop timed out", "stage", s.name)
		}
		cancel()
	}
}
