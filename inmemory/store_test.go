package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sharedcode/objstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStore_Uniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewStore("uniq")

	if err := s.Store(ctx, "", "k", []byte("v1")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	err := s.Store(ctx, "", "k", []byte("v2"))
	if !objstore.IsAlreadyExists(err) {
		t.Fatalf("second Store got %v, expected ObjectAlreadyExists", err)
	}
	if !errors.Is(err, objstore.ErrAlreadyExists) {
		t.Errorf("errors.Is(err, ErrAlreadyExists) is false for %v", err)
	}
	v, err := s.Retrieve(ctx, objstore.DefaultPartition, "k")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if string(v) != "v1" {
		t.Errorf("Retrieve got %q, expected v1", v)
	}
}

func TestStore_RemoveRetrieveDuality(t *testing.T) {
	ctx := context.Background()
	p := objstore.Default(NewStore("dual"))

	if err := p.Store(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	v, err := p.Remove(ctx, "k")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if string(v) != "v" {
		t.Errorf("Remove returned %q, expected v", v)
	}
	if _, err := p.Retrieve(ctx, "k"); !objstore.IsDoesNotExist(err) {
		t.Errorf("Retrieve after Remove got %v, expected ObjectDoesNotExist", err)
	}
	if _, err := p.Remove(ctx, "k"); !objstore.IsDoesNotExist(err) {
		t.Errorf("second Remove got %v, expected ObjectDoesNotExist", err)
	}
	found, err := p.Contains(ctx, "k")
	if err != nil {
		t.Fatalf("Contains failed: %v", err)
	}
	if found {
		t.Errorf("Contains after Remove returned true")
	}
}

func TestStore_PartitionIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewStore("iso")

	if err := s.Store(ctx, "a", "k", []byte("in a")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if found, _ := s.Contains(ctx, "b", "k"); found {
		t.Errorf("key stored in partition a is visible in partition b")
	}
	if _, err := s.Retrieve(ctx, "b", "k"); !objstore.IsDoesNotExist(err) {
		t.Errorf("Retrieve from partition b got %v, expected ObjectDoesNotExist", err)
	}
	// Same key may live in both partitions independently.
	if err := s.Store(ctx, "b", "k", []byte("in b")); err != nil {
		t.Fatalf("Store in b failed: %v", err)
	}
	if err := s.Clear(ctx, "a"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	v, err := s.Retrieve(ctx, "b", "k")
	if err != nil || string(v) != "in b" {
		t.Errorf("Retrieve from b after clearing a got %q, %v", v, err)
	}
	parts, err := s.Partitions(ctx)
	if err != nil {
		t.Fatalf("Partitions failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, parts); diff != "" {
		t.Errorf("Partitions mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_EmptyKeyIsRejected(t *testing.T) {
	ctx := context.Background()
	s := NewStore("nullkey")

	if err := s.Store(ctx, "", "", []byte("v")); objstore.ErrorCodeOf(err) != objstore.StoreFailure {
		t.Errorf("Store with empty key got %v, expected StoreFailure", err)
	}
	if _, err := s.Contains(ctx, "", ""); objstore.ErrorCodeOf(err) != objstore.StoreFailure {
		t.Errorf("Contains with empty key got %v, expected StoreFailure", err)
	}
	if err := s.LockEntry(ctx, "", ""); objstore.ErrorCodeOf(err) != objstore.StoreFailure {
		t.Errorf("LockEntry with empty key got %v, expected StoreFailure", err)
	}
}

func TestStore_ValueIsCopied(t *testing.T) {
	ctx := context.Background()
	s := NewStore("copy")
	v := []byte("abc")
	if err := s.Store(ctx, "", "k", v); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	v[0] = 'x'
	got, _ := s.Retrieve(ctx, "", "k")
	got[1] = 'y'
	got2, _ := s.Retrieve(ctx, "", "k")
	if string(got2) != "abc" {
		t.Errorf("stored value was aliased, got %q", got2)
	}
}

func TestStore_ExpireTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewStoreWithClock("ttl", clock.Now)
	ttl := 10 * time.Second

	if err := s.Store(ctx, "", "old", nil); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	clock.Advance(ttl - time.Second)
	if n, err := s.Expire(ctx, ttl, 0, ""); err != nil || n != 0 {
		t.Fatalf("Expire before TTL evicted %d, err %v", n, err)
	}
	if found, _ := s.Contains(ctx, "", "old"); !found {
		t.Fatalf("entry evicted before its TTL elapsed")
	}

	if err := s.Store(ctx, "", "young", nil); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	clock.Advance(2 * time.Second)
	n, err := s.Expire(ctx, ttl, 0, "")
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expire evicted %d, expected 1", n)
	}
	keys, _ := s.AllKeys(ctx, "")
	if diff := cmp.Diff([]string{"young"}, keys); diff != "" {
		t.Errorf("AllKeys mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_ExpireMaxEntries(t *testing.T) {
	ctx := context.Background()
	s := NewStore("bounded")
	const max = 10

	for i := 0; i < max+5; i++ {
		if err := s.Store(ctx, "", fmt.Sprintf("k%02d", i), nil); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}
	n, err := s.Expire(ctx, 0, max, "")
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Expire evicted %d, expected 5", n)
	}
	keys, _ := s.AllKeys(ctx, "")
	if len(keys) != max {
		t.Fatalf("AllKeys returned %d keys, expected %d", len(keys), max)
	}
	if keys[0] != "k05" {
		t.Errorf("oldest surviving key is %s, expected k05", keys[0])
	}
}

func TestStore_DedupOldestFirstEviction(t *testing.T) {
	ctx := context.Background()
	s := NewStore("dedup")

	for _, k := range []string{"a", "b", "c", "d"} {
		if err := s.Store(ctx, objstore.DefaultPartition, k, []byte(k)); err != nil {
			t.Fatalf("Store(%s) failed: %v", k, err)
		}
	}
	if _, err := s.Expire(ctx, 0, 3, objstore.DefaultPartition); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	keys, err := s.AllKeys(ctx, objstore.DefaultPartition)
	if err != nil {
		t.Fatalf("AllKeys failed: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "c", "d"}, keys); diff != "" {
		t.Errorf("AllKeys mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_ExpireTTLThenMaxEntries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewStoreWithClock("both", clock.Now)

	s.Store(ctx, "", "stale", nil)
	clock.Advance(time.Minute)
	for _, k := range []string{"x", "y", "z"} {
		s.Store(ctx, "", k, nil)
	}
	n, err := s.Expire(ctx, 30*time.Second, 2, "")
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expire evicted %d, expected 2", n)
	}
	keys, _ := s.AllKeys(ctx, "")
	if diff := cmp.Diff([]string{"y", "z"}, keys); diff != "" {
		t.Errorf("AllKeys mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_LockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	p := objstore.Default(NewStore("locks"))

	if err := p.LockEntry(ctx, "k"); err != nil {
		t.Fatalf("LockEntry failed: %v", err)
	}

	var acquired atomic.Bool
	done := make(chan error)
	go func() {
		err := p.LockEntry(ctx, "k")
		acquired.Store(true)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if acquired.Load() {
		t.Fatalf("second caller acquired the lock while held")
	}
	if err := p.ReleaseEntry(ctx, "k"); err != nil {
		t.Fatalf("ReleaseEntry failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second LockEntry failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second caller did not get the lock after release")
	}
	if err := p.ReleaseEntry(ctx, "k"); err != nil {
		t.Fatalf("ReleaseEntry failed: %v", err)
	}
}

func TestStore_LockIsNotReentrant(t *testing.T) {
	s := NewStore("reentrant")
	ctx := context.Background()

	if err := s.LockEntry(ctx, "", "k"); err != nil {
		t.Fatalf("LockEntry failed: %v", err)
	}
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := s.LockEntry(tctx, "", "k")
	if objstore.ErrorCodeOf(err) != objstore.LockAcquisitionFailure {
		t.Fatalf("nested LockEntry got %v, expected LockAcquisitionFailure", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("nested LockEntry error does not wrap the context error: %v", err)
	}
	// Locks on other keys and partitions are independent.
	if err := s.LockEntry(ctx, "other", "k"); err != nil {
		t.Fatalf("LockEntry on another partition failed: %v", err)
	}
	s.ReleaseEntry(ctx, "other", "k")
	s.ReleaseEntry(ctx, "", "k")

	if s.locks.Len() != 0 {
		t.Errorf("lock table holds %d handles after release, expected 0", s.locks.Len())
	}
}

func TestStore_ReleaseUnlockedFails(t *testing.T) {
	s := NewStore("release")
	err := s.ReleaseEntry(context.Background(), "", "k")
	if objstore.ErrorCodeOf(err) != objstore.StoreFailure {
		t.Errorf("ReleaseEntry of unlocked key got %v, expected StoreFailure", err)
	}
}

func TestStore_LockContention(t *testing.T) {
	ctx := context.Background()
	s := NewStore("counter")
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.LockEntry(ctx, "", "counter"); err != nil {
				t.Errorf("LockEntry failed: %v", err)
				return
			}
			c := counter
			time.Sleep(time.Millisecond)
			counter = c + 1
			s.ReleaseEntry(ctx, "", "counter")
		}()
	}
	wg.Wait()
	if counter != 20 {
		t.Errorf("counter is %d, expected 20", counter)
	}
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore("life")

	s.Store(ctx, "", "k", []byte("v"))
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.Retrieve(ctx, "", "k"); !objstore.IsNotAvailable(err) {
		t.Errorf("Retrieve on closed store got %v, expected StoreNotAvailable", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if v, err := s.Retrieve(ctx, "", "k"); err != nil || string(v) != "v" {
		t.Errorf("Retrieve after reopen got %q, %v", v, err)
	}

	if err := s.Dispose(ctx); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if _, err := s.Contains(ctx, "", "k"); !objstore.IsNotAvailable(err) {
		t.Errorf("Contains on disposed store got %v, expected StoreNotAvailable", err)
	}
	if err := s.Open(ctx); !objstore.IsNotAvailable(err) {
		t.Errorf("Open on disposed store got %v, expected StoreNotAvailable", err)
	}
	if err := s.LockEntry(ctx, "", "k"); !objstore.IsNotAvailable(err) {
		t.Errorf("LockEntry on disposed store got %v, expected StoreNotAvailable", err)
	}
}

func TestStore_DisposePartition(t *testing.T) {
	ctx := context.Background()
	s := NewStore("dp")
	s.OpenPartition(ctx, "p1")
	s.Store(ctx, "p2", "k", nil)

	parts, _ := s.Partitions(ctx)
	if diff := cmp.Diff([]string{"p1", "p2"}, parts); diff != "" {
		t.Errorf("Partitions mismatch (-want +got):\n%s", diff)
	}
	if err := s.DisposePartition(ctx, "p2"); err != nil {
		t.Fatalf("DisposePartition failed: %v", err)
	}
	parts, _ = s.Partitions(ctx)
	if diff := cmp.Diff([]string{"p1"}, parts); diff != "" {
		t.Errorf("Partitions mismatch (-want +got):\n%s", diff)
	}
	if found, _ := s.Contains(ctx, "p2", "k"); found {
		t.Errorf("key survived DisposePartition")
	}
	keys, err := s.AllKeys(ctx, "p2")
	if err != nil || len(keys) != 0 {
		t.Errorf("AllKeys on disposed partition got %v, %v", keys, err)
	}
}

func TestStore_ConcurrentStoreAndExpire(t *testing.T) {
	ctx := context.Background()
	s := NewStore("race")
	tr := objstore.NewTaskRunner(ctx, 8)
	for w := 0; w < 4; w++ {
		tr.Go(func() error {
			for i := 0; i < 200; i++ {
				if err := s.Store(ctx, "", fmt.Sprintf("w%d-%d", w, i), nil); err != nil {
					return err
				}
			}
			return nil
		})
	}
	tr.Go(func() error {
		for i := 0; i < 50; i++ {
			if _, err := s.Expire(ctx, 0, 100, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err := tr.Wait(); err != nil {
		t.Fatalf("concurrent run failed: %v", err)
	}
	s.Expire(ctx, 0, 100, "")
	keys, _ := s.AllKeys(ctx, "")
	if len(keys) != 100 {
		t.Errorf("AllKeys returned %d keys, expected 100", len(keys))
	}
}
