package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates an in-memory Redis and a client connected to it.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil)
}

func TestManager_SetAndGet(t *testing.T) {
	mr, client := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	key := Key{Namespace: "metadata", Collection: "0xABC"}
	entry := &Entry{
		Data:     []byte(`{"name":"Bored Apes"}`),
		Expires:  time.Now().Add(5 * time.Minute),
		CachedAt: time.Now(),
	}

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := manager.Get(ctx, Key{Namespace: "metadata", Collection: "0xabc"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Data) != string(entry.Data) {
		t.Errorf("Data = %q, want %q", got.Data, entry.Data)
	}

	ttl := mr.TTL(key.String())
	if ttl <= 0 || ttl > 5*time.Minute {
		t.Errorf("redis TTL = %v, want (0, 5m]", ttl)
	}
}

func TestManager_GetMiss(t *testing.T) {
	_, client := setupTestRedis(t)
	manager := NewManager(client)

	_, err := manager.Get(context.Background(), Key{Namespace: "metadata", Collection: "0xmissing"})
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_SetExpiredSkipped(t *testing.T) {
	mr, client := setupTestRedis(t)
	manager := NewManager(client)
	key := Key{Namespace: "metadata", Collection: "0xold"}

	err := manager.Set(context.Background(), key, &Entry{
		Data:    []byte("x"),
		Expires: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if mr.Exists(key.String()) {
		t.Error("expired entry should not be stored")
	}
}

func TestManager_SetNil(t *testing.T) {
	_, client := setupTestRedis(t)
	manager := NewManager(client)

	if err := manager.Set(context.Background(), Key{Collection: "0x1"}, nil); err == nil {
		t.Error("Set(nil) should fail")
	}
}

func TestManager_ExpiresInRedis(t *testing.T) {
	mr, client := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()
	key := Key{Namespace: "metadata", Collection: "0xabc"}

	if err := manager.Set(ctx, key, &Entry{Data: []byte("x"), Expires: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after TTL error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_InvalidEntry(t *testing.T) {
	mr, client := setupTestRedis(t)
	manager := NewManager(client)
	key := Key{Namespace: "metadata", Collection: "0xbad"}

	mr.Set(key.String(), "not json")

	if _, err := manager.Get(context.Background(), key); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get() error = %v, want ErrInvalidEntry", err)
	}
}

func TestManager_Delete(t *testing.T) {
	mr, client := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()
	key := Key{Namespace: "metadata", Collection: "0xabc"}

	if err := manager.Set(ctx, key, &Entry{Data: []byte("x"), Expires: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if mr.Exists(key.String()) {
		t.Error("key still exists after Delete")
	}
}
