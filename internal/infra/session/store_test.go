package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"flowgate/internal/domain"
	"flowgate/internal/infra/cache"
)

type failingKV struct{ err error }

func (f *failingKV) Get(context.Context, string) (string, bool, error) { return "", false, f.err }
func (f *failingKV) Set(context.Context, string, string, time.Duration) error {
	return f.err
}
func (f *failingKV) Del(context.Context, string) error                   { return f.err }
func (f *failingKV) Expire(context.Context, string, time.Duration) error { return f.err }

func testContext(expiresAt time.Time) domain.AuthContext {
	return domain.AuthContext{
		PrincipalID: "p1",
		Username:    "alice",
		Role:        domain.RoleOperator,
		Workspaces:  []string{"ws1"},
		ExpiresAt:   expiresAt,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cache.NewMemory(), 0)
	auth := testContext(time.Now().Add(time.Hour))

	if err := store.Put(ctx, "tok", auth, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.Get(ctx, "tok")
	if err != nil || !ok {
		t.Fatalf("get = (%v, %v), want hit", ok, err)
	}
	if got.Username != "alice" || got.Role != domain.RoleOperator {
		t.Fatalf("got %+v", got)
	}

	if err := store.Invalidate(ctx, "tok"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "tok"); ok {
		t.Fatal("invalidated token should miss")
	}
}

func TestGetMissesUnknownToken(t *testing.T) {
	store := NewStore(cache.NewMemory(), 0)
	_, ok, err := store.Get(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("get = (%v, %v), want clean miss", ok, err)
	}
}

func TestGetDropsExpiredContext(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(5000, 0)
	kv := cache.NewMemory()
	store := NewStoreWithClock(kv, 0, func() time.Time { return now })

	auth := testContext(now.Add(time.Minute))
	if err := store.Put(ctx, "tok", auth, 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "tok"); ok {
		t.Fatal("expired context should miss")
	}
	// the backing entry is cleaned up, not just skipped
	if _, ok, _ := kv.Get(ctx, "session:tok"); ok {
		t.Fatal("expired entry should be deleted")
	}
}

func TestGetDropsUnreadableEntry(t *testing.T) {
	ctx := context.Background()
	kv := cache.NewMemory()
	if err := kv.Set(ctx, "session:tok", "{not json", 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store := NewStore(kv, 0)
	if _, ok, err := store.Get(ctx, "tok"); ok || err != nil {
		t.Fatalf("get = (%v, %v), want clean miss", ok, err)
	}
	if _, ok, _ := kv.Get(ctx, "session:tok"); ok {
		t.Fatal("unreadable entry should be deleted")
	}
}

func TestBackendFailureSurfacesAsError(t *testing.T) {
	store := NewStore(&failingKV{err: errors.New("connection refused")}, 0)
	_, _, err := store.Get(context.Background(), "tok")
	if !errors.Is(err, domain.ErrCacheUnavailable) {
		t.Fatalf("err = %v, want ErrCacheUnavailable", err)
	}
}

func TestRefreshReArmsTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(5000, 0)
	kv := cache.NewMemoryWithClock(func() time.Time { return now })
	store := NewStoreWithClock(kv, time.Minute, func() time.Time { return now })

	auth := testContext(now.Add(time.Hour))
	if err := store.Put(ctx, "tok", auth, 30*time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}

	now = now.Add(20 * time.Second)
	got, ok, _ := store.Get(ctx, "tok")
	if !ok {
		t.Fatal("token should still be live")
	}
	if want := now.Add(time.Minute); !got.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", got.ExpiresAt, want)
	}
	// the hit above re-armed the entry to a full minute
	now = now.Add(50 * time.Second)
	if _, ok, _ := store.Get(ctx, "tok"); !ok {
		t.Fatal("refreshed token should outlive its original ttl")
	}
}

func TestRefreshOutlivesOriginalContextExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(5000, 0)
	kv := cache.NewMemoryWithClock(func() time.Time { return now })
	store := NewStoreWithClock(kv, time.Hour, func() time.Time { return now })

	auth := testContext(now.Add(time.Hour))
	if err := store.Put(ctx, "tok", auth, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	now = now.Add(30 * time.Minute)
	if _, ok, _ := store.Get(ctx, "tok"); !ok {
		t.Fatal("token should still be live")
	}
	// 70 minutes in, past the context's initial expires_at, the refreshed
	// session must still resolve
	now = now.Add(40 * time.Minute)
	got, ok, _ := store.Get(ctx, "tok")
	if !ok {
		t.Fatal("refreshed session should outlive its original expires_at")
	}
	if got.Username != "alice" {
		t.Fatalf("got %+v", got)
	}
}
