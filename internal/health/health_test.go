package health

import (
	"context"
	"sync"
	"testing"
	"time"
)

func ok(name string) Checker {
	return func(_ context.Context) Status {
		return Status{Name: name, Healthy: true}
	}
}

func failing(name, detail string) Checker {
	return func(_ context.Context) Status {
		return Status{Name: name, Healthy: false, Detail: detail}
	}
}

func TestCheckAll_EmptyRegistryIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Error("empty registry must report healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("Expected no statuses, got %d", len(statuses))
	}
}

func TestCheckAll_AggregatesResults(t *testing.T) {
	r := NewRegistry()
	r.Register("store", ok("store"))
	r.Register("redis", failing("redis", "connection refused"))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("one failing probe must flip the aggregate")
	}
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "store" || statuses[1].Name != "redis" {
		t.Errorf("statuses out of registration order: %+v", statuses)
	}
	if statuses[1].Detail != "connection refused" {
		t.Errorf("detail lost: %+v", statuses[1])
	}
}

func TestRegister_SameNameReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("store", failing("store", "down"))
	r.Register("store", ok("store"))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("replacement checker should win")
	}
	if len(statuses) != 1 {
		t.Errorf("Expected 1 status after replacement, got %d", len(statuses))
	}
}

func TestCheckAll_RunsProbesConcurrently(t *testing.T) {
	r := NewRegistry()
	const n = 4
	const probeDelay = 50 * time.Millisecond
	for i := 0; i < n; i++ {
		r.Register(string(rune('a'+i)), func(_ context.Context) Status {
			time.Sleep(probeDelay)
			return Status{Healthy: true}
		})
	}

	start := time.Now()
	r.CheckAll(context.Background())
	if elapsed := time.Since(start); elapsed > time.Duration(n-1)*probeDelay {
		t.Errorf("probes appear serialized: %v for %d probes of %v", elapsed, n, probeDelay)
	}
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("probe", ok("probe"))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
