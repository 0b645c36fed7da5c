package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestBootOrderAndReverseShutdown(t *testing.T) {
	r := NewRunner(slog.Default())
	var mu sync.Mutex
	var started, stopped []string

	stage := func(name string) Stage {
		return Stage{
			Name: name,
			Start: func(context.Context) (StopFunc, error) {
				mu.Lock()
				started = append(started, name)
				mu.Unlock()
				return func(context.Context) error {
					mu.Lock()
					stopped = append(stopped, name)
					mu.Unlock()
					return nil
				}, nil
			},
		}
	}

	if err := r.Boot(context.Background(), []Stage{stage("a"), stage("b"), stage("c")}); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	r.Shutdown(context.Background())

	wantStart := []string{"a", "b", "c"}
	wantStop := []string{"c", "b", "a"}
	for i, name := range wantStart {
		if started[i] != name {
			t.Errorf("start order = %v, want %v", started, wantStart)
			break
		}
	}
	for i, name := range wantStop {
		if stopped[i] != name {
			t.Errorf("stop order = %v, want %v", stopped, wantStop)
			break
		}
	}
}

func TestFatalStageAborts(t *testing.T) {
	r := NewRunner(slog.Default())
	ran := false
	err := r.Boot(context.Background(), []Stage{
		{Name: "db", Fatal: true, Start: func(context.Context) (StopFunc, error) {
			return nil, errors.New("disk full")
		}},
		{Name: "later", Start: func(context.Context) (StopFunc, error) {
			ran = true
			return nil, nil
		}},
	})
	if err == nil {
		t.Fatal("fatal stage must abort the boot")
	}
	if ran {
		t.Error("stages after a fatal failure must not run")
	}
}

func TestDegradableStageStubsAndRaisesLevel(t *testing.T) {
	r := NewRunner(slog.Default())
	stubbed := false
	err := r.Boot(context.Background(), []Stage{
		{Name: "graph", Level: 2, Start: func(context.Context) (StopFunc, error) {
			return nil, errors.New("connection refused")
		}, Stub: func(context.Context) { stubbed = true }},
		{Name: "queue", Level: 1, Start: func(context.Context) (StopFunc, error) {
			return nil, errors.New("locked")
		}},
	})
	if err != nil {
		t.Fatalf("degradable failures must not abort: %v", err)
	}
	if !stubbed {
		t.Error("stub was not installed")
	}
	if got := r.DegradationLevel(); got != 2 {
		t.Errorf("level = %d, want max of contributions 2", got)
	}
	if got := len(r.Degraded()); got != 2 {
		t.Errorf("degraded stages = %d, want 2", got)
	}

	r.Recover("graph")
	if got := r.DegradationLevel(); got != 1 {
		t.Errorf("level after recovery = %d, want 1", got)
	}
	r.Recover("queue")
	if got := r.DegradationLevel(); got != 0 {
		t.Errorf("level fully recovered = %d, want 0", got)
	}
}

func TestRuntimeDegradeAndRecover(t *testing.T) {
	r := NewRunner(slog.Default())
	if err := r.Boot(context.Background(), []Stage{
		{Name: "memory", Level: 2, Start: func(context.Context) (StopFunc, error) {
			return nil, nil
		}},
	}); err != nil {
		t.Fatal(err)
	}
	if got := r.DegradationLevel(); got != 0 {
		t.Fatalf("level = %d, want 0 after clean boot", got)
	}

	// A subsystem lost after boot raises the level until it comes back.
	r.Degrade("memory", 2)
	if got := r.DegradationLevel(); got != 2 {
		t.Errorf("level = %d, want 2 while memory is down", got)
	}
	r.Recover("memory")
	if got := r.DegradationLevel(); got != 0 {
		t.Errorf("level = %d, want 0 after recovery", got)
	}
}

func TestShutdownBoundsStuckStop(t *testing.T) {
	r := NewRunner(slog.Default())
	r.stopTimeout = 100 * time.Millisecond
	err := r.Boot(context.Background(), []Stage{
		{Name: "stuck", Start: func(context.Context) (StopFunc, error) {
			return func(ctx context.Context) error {
				<-ctx.Done() // honors the per-step bound
				return ctx.Err()
			}, nil
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		r.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hung past the per-step bound")
	}
}
