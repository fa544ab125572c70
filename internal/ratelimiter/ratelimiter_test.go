package ratelimiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitAdmitsWithinBucketCapacity(t *testing.T) {
	l := New(50, 5, 8, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx))
}

func TestConcurrentWaitersEmitApproachingAboveWarnThreshold(t *testing.T) {
	// a near-zero rate with the single burst token drained keeps every
	// waiter blocked on the bucket until ctx is cancelled.
	l := New(0.001, 2, 100, 10)
	l.bucket.Allow()
	var mu sync.Mutex
	var kinds []EventKind
	l.Subscribe(func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	release := make(chan struct{})
	// hold 4 goroutines in-flight simultaneously so depth exceeds warnThreshold=2
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			l.Wait(ctx)
		}()
	}
	close(release)
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, k := range kinds {
		if k == EventApproaching {
			found = true
		}
	}
	require.Truef(t, found, "expected at least one approaching event across concurrent waiters, got %v", kinds)
}

func TestShouldForceMarketReflectsDepth(t *testing.T) {
	// a near-zero rate with the single burst token drained means every
	// Wait() call blocks on the bucket until ctx is cancelled, so depth
	// stays elevated for the duration of this test's window.
	l := New(0.001, 1, 2, 5)
	l.bucket.Allow()
	require.False(t, l.ShouldForceMarket(), "expected ShouldForceMarket false at zero depth")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Wait(ctx)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	require.True(t, l.ShouldForceMarket(), "expected ShouldForceMarket true while 3 waiters are blocked above the force threshold of 2")
	cancel()
	wg.Wait()
}
