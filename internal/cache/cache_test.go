package cache

import (
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(Options{
		TTLTable: []PrefixTTL{
			{Prefix: "pool_", TTL: 50 * time.Millisecond},
			{Prefix: "stats_", TTL: 10 * time.Minute},
		},
		DefaultTTL:    10 * time.Minute,
		SweepInterval: time.Hour, // keep the sweep out of the way
	})
	t.Cleanup(s.Close)
	return s
}

func TestStore_SetGet(t *testing.T) {
	s := newTestStore(t)

	s.Set("stats_a", 42)

	v, ok := s.Get("stats_a")
	if !ok {
		t.Fatal("expected hit")
	}
	if v.(int) != 42 {
		t.Errorf("got %v, want 42", v)
	}

	if _, ok := s.Get("stats_b"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestStore_PrefixTTLExpiry(t *testing.T) {
	s := newTestStore(t)

	s.Set("pool_x", "short")
	s.Set("stats_x", "long")

	time.Sleep(80 * time.Millisecond)

	if _, ok := s.Get("pool_x"); ok {
		t.Error("pool_ entry should have expired")
	}
	if _, ok := s.Get("stats_x"); !ok {
		t.Error("stats_ entry should still be live")
	}
}

func TestStore_Invalidate(t *testing.T) {
	s := newTestStore(t)

	s.Set("stats_a", 1)
	s.Invalidate("stats_a")

	if _, ok := s.Get("stats_a"); ok {
		t.Error("expected miss after invalidate")
	}
}

func TestStore_InvalidatePattern(t *testing.T) {
	s := newTestStore(t)

	s.Set("stats_pool_a", 1)
	s.Set("stats_pool_b", 2)
	s.Set("stats_token_c", 3)

	removed := s.InvalidatePattern(regexp.MustCompile(`^stats_pool_`))
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if _, ok := s.Get("stats_pool_a"); ok {
		t.Error("stats_pool_a should be gone")
	}
	if _, ok := s.Get("stats_token_c"); !ok {
		t.Error("stats_token_c should survive")
	}
}

func TestStore_GetOrComputeSingleFlight(t *testing.T) {
	s := newTestStore(t)

	var computes atomic.Int32
	release := make(chan struct{})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]interface{}, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.GetOrCompute("stats_heavy", func() (interface{}, error) {
				computes.Add(1)
				<-release
				return "computed", nil
			})
		}(i)
	}

	// Let every caller reach the singleflight group before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := computes.Load(); n != 1 {
		t.Errorf("compute ran %d times, want 1", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != "computed" {
			t.Errorf("caller %d got %v", i, results[i])
		}
	}
}

func TestStore_GetOrComputeErrorNotCached(t *testing.T) {
	s := newTestStore(t)

	wantErr := errors.New("boom")
	_, err := s.GetOrCompute("stats_err", func() (interface{}, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	if _, ok := s.Get("stats_err"); ok {
		t.Error("failed computation must not be cached")
	}

	// A later call recomputes and can succeed.
	v, err := s.GetOrCompute("stats_err", func() (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("second compute: %v", err)
	}
	if v != "ok" {
		t.Errorf("got %v, want ok", v)
	}
}

func TestStore_SweepEvictsStale(t *testing.T) {
	s := newTestStore(t)

	s.Set("pool_a", 1) // 50ms TTL
	s.Set("stats_a", 2)

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}

	// Sweep threshold is 2xTTL; simulate a run well past it.
	s.sweep(time.Now().Add(200 * time.Millisecond))

	if s.Len() != 1 {
		t.Errorf("Len = %d after sweep, want 1", s.Len())
	}
	if _, ok := s.Get("stats_a"); !ok {
		t.Error("stats_a evicted too early")
	}
}

func TestGetOrComputeAs_TypedResult(t *testing.T) {
	s := newTestStore(t)

	v, err := GetOrComputeAs(s, "stats_typed", func() ([]string, error) {
		return []string{"a", "b"}, nil
	})
	if err != nil {
		t.Fatalf("GetOrComputeAs: %v", err)
	}
	if len(v) != 2 || v[0] != "a" {
		t.Errorf("unexpected value %v", v)
	}

	got, ok := GetAs[[]string](s, "stats_typed")
	if !ok || len(got) != 2 {
		t.Errorf("GetAs returned %v, %v", got, ok)
	}
}
