package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("chain", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "circuit open"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "chain" {
		t.Fatalf("expected names filled from registration, got %+v", statuses)
	}
	if statuses[1].Detail != "circuit open" {
		t.Fatalf("expected detail 'circuit open', got %q", statuses[1].Detail)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestDBChecker(t *testing.T) {
	ok := DBChecker("database", fakePinger{})(context.Background())
	if !ok.Healthy {
		t.Fatal("expected healthy")
	}

	bad := DBChecker("database", fakePinger{err: errors.New("connection refused")})(context.Background())
	if bad.Healthy || bad.Detail != "connection refused" {
		t.Fatalf("expected unhealthy with detail, got %+v", bad)
	}
}

type fakeRunner struct{ running atomic.Bool }

func (f *fakeRunner) Running() bool { return f.running.Load() }

func TestRunnerChecker(t *testing.T) {
	r := &fakeRunner{}
	check := RunnerChecker("worker", r)

	if st := check(context.Background()); st.Healthy {
		t.Fatal("stopped runner should be unhealthy")
	}
	r.running.Store(true)
	if st := check(context.Background()); !st.Healthy {
		t.Fatal("running runner should be healthy")
	}
}
