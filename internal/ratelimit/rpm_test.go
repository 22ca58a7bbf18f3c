package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, limit int) (*RPMLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := time.UnixMilli(1_700_000_000_000)
	n := 0
	l := NewRPMLimiter(rdb, limit)
	l.now = func() time.Time { return clock }
	l.seq = func() string { n++; return strconv.Itoa(n) }
	return l, mr, &clock
}

func TestAllow_BlocksOverLimit(t *testing.T) {
	l, _, _ := newLimiter(t, 3)
	ctx := context.Background()

	for i := range 3 {
		d, err := l.Allow(ctx, "proj-1")
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("call %d rejected", i)
		}
		if want := 2 - i; d.Remaining != want {
			t.Errorf("call %d: remaining = %d, want %d", i, d.Remaining, want)
		}
	}

	d, err := l.Allow(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("fourth call admitted")
	}
	if d.Remaining != 0 || d.RetryAfter != time.Minute {
		t.Errorf("decision = %+v, want remaining 0 and retry after 1m", d)
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	l, _, clock := newLimiter(t, 1)
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "proj-1"); !d.Allowed {
		t.Fatal("first call rejected")
	}

	*clock = clock.Add(45 * time.Second)
	d, _ := l.Allow(ctx, "proj-1")
	if d.Allowed {
		t.Fatal("call inside the window admitted")
	}
	if d.RetryAfter != 15*time.Second {
		t.Errorf("retry after = %s, want 15s", d.RetryAfter)
	}

	*clock = clock.Add(16 * time.Second)
	if d, _ := l.Allow(ctx, "proj-1"); !d.Allowed {
		t.Error("call after the window rejected")
	}
}

func TestAllow_ProjectsAreIsolated(t *testing.T) {
	l, _, _ := newLimiter(t, 1)
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "proj-1"); !d.Allowed {
		t.Fatal("first call of proj-1 rejected")
	}
	if d, _ := l.Allow(ctx, "proj-2"); !d.Allowed {
		t.Error("proj-2 limited by proj-1's calls")
	}
	if d, _ := l.Allow(ctx, "proj-1"); d.Allowed {
		t.Error("second call of proj-1 admitted")
	}
}

func TestAllow_NonPositiveLimitRejects(t *testing.T) {
	l, _, _ := newLimiter(t, 0)
	d, err := l.Allow(context.Background(), "proj-1")
	if err != nil || d.Allowed {
		t.Errorf("got (%+v, %v), want a rejection without error", d, err)
	}
}

func TestAllow_DegradesOpen(t *testing.T) {
	l, mr, _ := newLimiter(t, 5)
	mr.Close()

	d, err := l.Allow(context.Background(), "proj-1")
	if !d.Allowed {
		t.Error("call rejected while Redis is down")
	}
	if err == nil {
		t.Error("expected the Redis error")
	}
}
