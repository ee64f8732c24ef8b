package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"tilepane/internal/geo"
)

type countingFetcher struct {
	mu    sync.Mutex
	keys  []geo.TileKey
	calls map[geo.TileKey]int
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{calls: make(map[geo.TileKey]int)}
}

func (f *countingFetcher) Enqueue(key geo.TileKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.calls[key]++
}

func (f *countingFetcher) count(key geo.TileKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *countingFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func key(x, y int) geo.TileKey {
	return geo.TileKey{SourceID: "test", Z: 10, X: x, Y: y}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestGetMissingNeverBlocks(t *testing.T) {
	c := New(10, nil, zap.NewNop())
	rec := c.Get(key(1, 1))
	if rec.State != StateMissing {
		t.Errorf("State = %v, want missing", rec.State)
	}
}

func TestRequestDedup(t *testing.T) {
	f := newCountingFetcher()
	c := New(10, nil, zap.NewNop())
	c.SetFetcher(f)

	k := key(1, 1)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Request(k)
		}()
	}
	wg.Wait()
	c.Flush()

	if got := f.count(k); got != 1 {
		t.Errorf("fetcher invoked %d times, want exactly 1", got)
	}
	if rec := c.Get(k); rec.State != StatePending {
		t.Errorf("State = %v, want pending", rec.State)
	}
}

func TestPutTransitionsToReady(t *testing.T) {
	f := newCountingFetcher()
	c := New(10, nil, zap.NewNop())
	c.SetFetcher(f)

	k := key(2, 3)
	c.Request(k)
	c.Flush()
	c.Put(k, []byte("tile-bytes"))

	rec := c.Get(k)
	if rec.State != StateReady {
		t.Fatalf("State = %v, want ready", rec.State)
	}
	if string(rec.Data) != "tile-bytes" {
		t.Errorf("Data = %q", rec.Data)
	}

	// Re-serving from memory must not touch the network again.
	c.Request(k)
	c.Flush()
	if got := f.count(k); got != 1 {
		t.Errorf("fetcher invoked %d times after ready, want 1", got)
	}
}

func TestDiskRoundTripAfterEviction(t *testing.T) {
	disk, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f := newCountingFetcher()
	c := New(1, disk, zap.NewNop())
	c.SetFetcher(f)

	k1, k2 := key(1, 1), key(2, 2)
	c.Request(k1)
	c.Flush()
	c.Put(k1, []byte("one"))
	c.Flush()

	// Capacity one: storing k2 evicts k1 from memory.
	c.Put(k2, []byte("two"))
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if rec := c.Get(k1); rec.State != StateMissing {
		t.Fatalf("evicted tile State = %v, want missing", rec.State)
	}

	// Re-request is served from disk, not the network.
	c.Request(k1)
	waitFor(t, func() bool { return c.Get(k1).State == StateReady })
	if string(c.Get(k1).Data) != "one" {
		t.Errorf("disk round trip corrupted data: %q", c.Get(k1).Data)
	}
	if got := f.count(k1); got != 1 {
		t.Errorf("fetcher invoked %d times for k1, want 1", got)
	}
	c.Flush()
}

func TestFailBackoff(t *testing.T) {
	f := newCountingFetcher()
	c := New(10, nil, zap.NewNop())
	c.SetFetcher(f)

	k := key(5, 5)
	c.Request(k)
	c.Flush()
	c.Fail(k, errors.New("boom"))

	rec := c.Get(k)
	if rec.State != StateFailed {
		t.Fatalf("State = %v, want failed", rec.State)
	}
	if rec.Err == nil {
		t.Error("Failed record should carry its cause")
	}
	if !rec.RetryAfter.After(time.Now()) {
		t.Error("RetryAfter should be in the future")
	}

	// Before the backoff elapses, a renewed request is a no-op.
	c.Request(k)
	c.Flush()
	if got := f.count(k); got != 1 {
		t.Errorf("fetcher invoked %d times during backoff, want 1", got)
	}
}

func TestBackoffDelayCurve(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{8, 5 * time.Minute},
		{20, 5 * time.Minute},
	}
	for _, tc := range tests {
		if got := backoffDelay(tc.failures); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestEvictionPrefersUnneeded(t *testing.T) {
	c := New(3, nil, zap.NewNop())
	c.SetFetcher(newCountingFetcher())

	inRange := []geo.TileKey{key(1, 1), key(1, 2)}
	outOfRange := key(9, 9)

	// Same recency order: out-of-range stored first would also be the
	// LRU victim, so store it last to prove the needed set decides.
	c.Put(inRange[0], []byte("a"))
	c.Put(inRange[1], []byte("b"))
	c.Put(outOfRange, []byte("c"))
	c.SetNeeded(inRange)

	c.Put(key(1, 3), []byte("d"))
	c.SetNeeded(append(inRange, key(1, 3)))

	if rec := c.Get(outOfRange); rec.State != StateMissing {
		t.Errorf("out-of-range tile State = %v, want evicted (missing)", rec.State)
	}
	for _, k := range inRange {
		if rec := c.Get(k); rec.State != StateReady {
			t.Errorf("needed tile %v State = %v, want ready", k, rec.State)
		}
	}
}

func TestEvictionHook(t *testing.T) {
	c := New(1, nil, zap.NewNop())
	var mu sync.Mutex
	var dropped []geo.TileKey
	c.SetEvictionHook(func(k geo.TileKey) {
		mu.Lock()
		dropped = append(dropped, k)
		mu.Unlock()
	})

	c.Put(key(1, 1), []byte("a"))
	c.Put(key(2, 2), []byte("b"))

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0] != key(1, 1) {
		t.Errorf("dropped = %v, want [%v]", dropped, key(1, 1))
	}
}

func TestSetNeededPrunesExpiredFailures(t *testing.T) {
	c := New(10, nil, zap.NewNop())
	f := newCountingFetcher()
	c.SetFetcher(f)

	k := key(3, 3)
	c.Request(k)
	c.Flush()
	c.Fail(k, errors.New("boom"))

	// Force the backoff into the past, then drop the key from the
	// needed set: the stale failure record should be pruned.
	c.mu.Lock()
	c.entries[k].retryAfter = time.Now().Add(-time.Second)
	c.mu.Unlock()
	c.SetNeeded(nil)

	if rec := c.Get(k); rec.State != StateMissing {
		t.Errorf("State = %v, want missing after prune", rec.State)
	}
}

func TestRetryAfterBackoffElapsed(t *testing.T) {
	c := New(10, nil, zap.NewNop())
	f := newCountingFetcher()
	c.SetFetcher(f)

	k := key(4, 4)
	c.Request(k)
	c.Flush()
	c.Fail(k, errors.New("boom"))

	c.mu.Lock()
	c.entries[k].retryAfter = time.Now().Add(-time.Second)
	c.mu.Unlock()

	c.Request(k)
	c.Flush()
	if got := f.count(k); got != 2 {
		t.Errorf("fetcher invoked %d times, want 2 after backoff elapsed", got)
	}
}
