package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hitoshi/photoalbum/internal/model"
	"github.com/redis/go-redis/v9"
)

func newTestRedisRepo(t *testing.T) (*RedisSessionRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { client.Close() })
	return NewRedisSessionRepo(client, ""), mr
}

func TestRedisSessionRepo_SetThenGet(t *testing.T) {
	ctx := context.Background()
	repo, mr := newTestRedisRepo(t)

	now := time.Now().UTC().Truncate(time.Second)
	in := &model.Session{ID: "sess-1", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := repo.Set(ctx, in, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if !mr.Exists(DefaultRedisKeyPrefix + "sess-1") {
		t.Fatal("expected key with default prefix to exist")
	}
	if ttl := mr.TTL(DefaultRedisKeyPrefix + "sess-1"); ttl != time.Hour {
		t.Errorf("TTL = %v, want %v", ttl, time.Hour)
	}

	got, err := repo.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.UserID != "user-1" || !got.ExpiresAt.Equal(in.ExpiresAt) {
		t.Errorf("Get() = %+v, want %+v", got, in)
	}
}

func TestRedisSessionRepo_GetMissing_ReturnsNil(t *testing.T) {
	repo, _ := newTestRedisRepo(t)

	got, err := repo.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected no error for missing key, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestRedisSessionRepo_ExpiresWithTTL(t *testing.T) {
	ctx := context.Background()
	repo, mr := newTestRedisRepo(t)

	_ = repo.Set(ctx, &model.Session{ID: "s", UserID: "u"}, 10*time.Second)

	mr.FastForward(9 * time.Second)
	if got, _ := repo.Get(ctx, "s"); got == nil {
		t.Fatal("session should be valid before TTL")
	}

	mr.FastForward(2 * time.Second)
	if got, _ := repo.Get(ctx, "s"); got != nil {
		t.Fatal("session should be absent after TTL")
	}
}

func TestRedisSessionRepo_Destroy_Idempotent(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRedisRepo(t)
	_ = repo.Set(ctx, &model.Session{ID: "s", UserID: "u"}, time.Hour)

	for i := 0; i < 2; i++ {
		if err := repo.Destroy(ctx, "s"); err != nil {
			t.Fatalf("Destroy #%d failed: %v", i+1, err)
		}
	}
	if got, _ := repo.Get(ctx, "s"); got != nil {
		t.Error("session should be gone")
	}
}

// 復号できない値はストア障害ではなく「存在しない」として扱う。
func TestRedisSessionRepo_CorruptValue_TreatedAsMissing(t *testing.T) {
	repo, mr := newTestRedisRepo(t)
	mr.Set(DefaultRedisKeyPrefix+"bad", "not-json")

	got, err := repo.Get(context.Background(), "bad")
	if err != nil {
		t.Fatalf("Get() error = %v, want nil", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil", got)
	}
}

// ストア停止時はnilではなくエラーを返すことを検証する。
func TestRedisSessionRepo_ServerDown_ReturnsError(t *testing.T) {
	repo, mr := newTestRedisRepo(t)
	mr.Close()

	got, err := repo.Get(context.Background(), "s")
	if err == nil {
		t.Fatal("expected error when redis is down")
	}
	if got != nil {
		t.Errorf("expected nil session on error, got %+v", got)
	}
	if err := repo.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail when redis is down")
	}
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := NewRedisClient("not a url"); err == nil {
		t.Error("expected error for invalid redis url")
	}
}
