package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenCache_CachesUntilExpiry(t *testing.T) {
	var calls int32
	cache := newTokenCache(func(ctx context.Context) (session, error) {
		atomic.AddInt32(&calls, 1)
		return session{token: "tok-1", acquiredAt: time.Now(), expiresIn: time.Hour}, nil
	})

	for i := 0; i < 5; i++ {
		tok, err := cache.Get(context.Background())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if tok != "tok-1" {
			t.Fatalf("expected tok-1, got %s", tok)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 auth call, got %d", got)
	}
}

func TestTokenCache_SingleFlightsConcurrentMisses(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	cache := newTokenCache(func(ctx context.Context) (session, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return session{token: "tok-1", acquiredAt: time.Now(), expiresIn: time.Hour}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Get(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 concurrent auth call, got %d", got)
	}
}

func TestTokenCache_InvalidateForcesRefresh(t *testing.T) {
	var calls int32
	cache := newTokenCache(func(ctx context.Context) (session, error) {
		atomic.AddInt32(&calls, 1)
		return session{token: "tok", acquiredAt: time.Now(), expiresIn: time.Hour}, nil
	})

	cache.Get(context.Background())
	cache.Invalidate()
	cache.Get(context.Background())

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 auth calls after invalidate, got %d", got)
	}
}
