package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, cfg), mr
}

func TestAllowExhaustsWindowBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		Enabled:     true,
		MaxRequests: 3,
		Window:      time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Allow(ctx, "203.0.113.7"); err != nil {
			t.Fatalf("request %d within budget: %v", i, err)
		}
	}
	if err := l.Allow(ctx, "203.0.113.7"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// Budgets are per identifier.
	if err := l.Allow(ctx, "203.0.113.8"); err != nil {
		t.Fatalf("fresh identifier: %v", err)
	}
}

func TestAllowWindowExpiry(t *testing.T) {
	l, mr := newTestLimiter(t, Config{
		Enabled:     true,
		MaxRequests: 1,
		Window:      time.Minute,
	})
	ctx := context.Background()

	if err := l.Allow(ctx, "ip"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow(ctx, "ip"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	mr.FastForward(61 * time.Second)

	if err := l.Allow(ctx, "ip"); err != nil {
		t.Fatalf("request after window reset: %v", err)
	}
}

func TestAuthBudgetIsIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		Enabled:         true,
		MaxRequests:     1,
		Window:          time.Minute,
		AuthMaxRequests: 2,
		AuthWindow:      time.Minute,
	})
	ctx := context.Background()

	if err := l.Allow(ctx, "ip"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if err := l.Allow(ctx, "ip"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("general budget should be spent")
	}

	// The auth budget is untouched by general traffic.
	for i := 0; i < 2; i++ {
		if err := l.AllowAuth(ctx, "ip"); err != nil {
			t.Fatalf("AllowAuth %d: %v", i, err)
		}
	}
	if err := l.AllowAuth(ctx, "ip"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestResetClearsBudgets(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		Enabled:         true,
		MaxRequests:     1,
		Window:          time.Minute,
		AuthMaxRequests: 1,
		AuthWindow:      time.Minute,
	})
	ctx := context.Background()

	_ = l.Allow(ctx, "ip")
	_ = l.AllowAuth(ctx, "ip")

	if err := l.Reset(ctx, "ip"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := l.Allow(ctx, "ip"); err != nil {
		t.Fatalf("Allow after reset: %v", err)
	}
	if err := l.AllowAuth(ctx, "ip"); err != nil {
		t.Fatalf("AllowAuth after reset: %v", err)
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Enabled: false, MaxRequests: 1, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := l.Allow(ctx, "ip"); err != nil {
			t.Fatalf("disabled limiter rejected: %v", err)
		}
	}
}
