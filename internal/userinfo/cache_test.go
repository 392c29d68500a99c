package userinfo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestGetFetchesOnce(t *testing.T) {
	var fetches atomic.Int32
	cache := New(func(ctx context.Context) (*Info, error) {
		fetches.Add(1)
		return &Info{UserID: "u1", DisplayName: "Ada"}, nil
	})

	for i := 0; i < 3; i++ {
		info, err := cache.Get(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if info.UserID != "u1" {
			t.Errorf("unexpected info %+v", info)
		}
	}
	if fetches.Load() != 1 {
		t.Errorf("expected 1 fetch, got %d", fetches.Load())
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	var fetches atomic.Int32
	cache := New(func(ctx context.Context) (*Info, error) {
		fetches.Add(1)
		return &Info{UserID: "u1"}, nil
	})

	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	cache.Invalidate()
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fetches.Load() != 2 {
		t.Errorf("expected 2 fetches after invalidate, got %d", fetches.Load())
	}
}

func TestErrorNotCached(t *testing.T) {
	var fetches atomic.Int32
	cache := New(func(ctx context.Context) (*Info, error) {
		if fetches.Add(1) == 1 {
			return nil, errors.New("backend down")
		}
		return &Info{UserID: "u1"}, nil
	})

	if _, err := cache.Get(context.Background()); err == nil {
		t.Fatal("expected first fetch to fail")
	}
	info, err := cache.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.UserID != "u1" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestConcurrentGetSharesFetch(t *testing.T) {
	var fetches atomic.Int32
	cache := New(func(ctx context.Context) (*Info, error) {
		fetches.Add(1)
		return &Info{UserID: "u1"}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if fetches.Load() != 1 {
		t.Errorf("expected 1 fetch across concurrent callers, got %d", fetches.Load())
	}
}
