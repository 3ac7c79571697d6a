package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryGetReturnsSameBreaker(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{Threshold: 2, Cooldown: time.Minute})

	a := r.Get("callbacks.example.com")
	b := r.Get("callbacks.example.com")
	if a != b {
		t.Error("Get() should return the same breaker per key")
	}
	if r.Get("other.example.com") == a {
		t.Error("distinct keys should get distinct breakers")
	}
}

func TestRegistryConcurrentGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})

	var wg sync.WaitGroup
	breakers := make([]*Breaker, 20)
	for i := range breakers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			breakers[i] = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(breakers); i++ {
		if breakers[i] != breakers[0] {
			t.Fatal("concurrent Get() returned different breakers for one key")
		}
	}
}

func TestRegistryStats(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute})

	r.Get("healthy")
	r.Get("failing").RecordFailure()

	stats := r.Stats()
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.Open != 1 {
		t.Errorf("Open = %d, want 1", stats.Open)
	}
	if stats.Closed != 1 {
		t.Errorf("Closed = %d, want 1", stats.Closed)
	}
}
