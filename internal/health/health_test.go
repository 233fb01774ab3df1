package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
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

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("pipeline", func(_ context.Context) Status {
		return Status{Name: "pipeline", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("pipeline", func(_ context.Context) Status {
		return Status{Name: "pipeline", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestPipelineCheckerNeverRan(t *testing.T) {
	check := PipelineChecker(func(_ context.Context) (time.Time, error) {
		return time.Time{}, nil
	}, time.Minute)

	st := check(context.Background())
	if !st.Healthy {
		t.Fatal("pipeline that never ran should be healthy")
	}
	if st.Detail != "no runs yet" {
		t.Fatalf("expected detail 'no runs yet', got %q", st.Detail)
	}
}

func TestPipelineCheckerFresh(t *testing.T) {
	check := PipelineChecker(func(_ context.Context) (time.Time, error) {
		return time.Now().Add(-10 * time.Second), nil
	}, time.Minute)

	if st := check(context.Background()); !st.Healthy {
		t.Fatalf("recent run should be healthy, got detail %q", st.Detail)
	}
}

func TestPipelineCheckerStale(t *testing.T) {
	check := PipelineChecker(func(_ context.Context) (time.Time, error) {
		return time.Now().Add(-time.Hour), nil
	}, time.Minute)

	st := check(context.Background())
	if st.Healthy {
		t.Fatal("stale run should be unhealthy")
	}
	if st.Detail == "" {
		t.Fatal("stale check should include an age detail")
	}
}

func TestPipelineCheckerError(t *testing.T) {
	check := PipelineChecker(func(_ context.Context) (time.Time, error) {
		return time.Time{}, errors.New("watermark query failed")
	}, time.Minute)

	st := check(context.Background())
	if st.Healthy {
		t.Fatal("errored lookup should be unhealthy")
	}
	if st.Detail != "watermark query failed" {
		t.Fatalf("expected error detail, got %q", st.Detail)
	}
}
