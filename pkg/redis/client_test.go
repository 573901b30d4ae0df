package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/creditledger-backend/pkg/config"
)

func TestWindowHitCountsWithinWindow(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}
	key := client.RateLimitKey("usage:user-1")

	for want := int64(1); want <= 3; want++ {
		count, resetIn, err := client.WindowHit(ctx, key, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != want {
			t.Fatalf("expected count %d got %d", want, count)
		}
		if resetIn != time.Minute {
			t.Fatalf("expected reset in a minute, got %s", resetIn)
		}
	}
	if len(mock.expireCalls) != 1 || mock.expireCalls[0].ttl != time.Minute {
		t.Fatalf("expected a single window start, got %+v", mock.expireCalls)
	}
}

func TestWindowHitRejectsEmptyWindow(t *testing.T) {
	client := &Client{store: newMockCmdable()}
	if _, _, err := client.WindowHit(context.Background(), "k", 0); err == nil {
		t.Fatal("expected error for zero window")
	}
}

func TestZeroClientReturnsNotInitialized(t *testing.T) {
	client := &Client{}
	ctx := context.Background()
	if err := client.Set(ctx, "k", "v", 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, _, err := client.WindowHit(ctx, "k", time.Second); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	if _, err := optionsFromConfig(config.RedisConfig{}); err == nil {
		t.Fatal("expected error without url or address")
	}

	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://localhost:6379/2", DB: 5, PoolSize: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.DB != 2 {
		t.Fatalf("url db should win, got %d", opts.DB)
	}
	if opts.PoolSize != 7 {
		t.Fatalf("expected pool size from config, got %d", opts.PoolSize)
	}

	opts, err = optionsFromConfig(config.RedisConfig{Address: "cache:6379", DB: 3, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "cache:6379" || opts.DB != 3 || opts.DialTimeout != time.Second {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestSetNXOnlyFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}
	key := client.WebhookEventKey("stripe", "evt_1")

	first, err := client.SetNX(ctx, key, "processing", time.Hour)
	if err != nil {
		t.Fatalf("setnx failed: %v", err)
	}
	if !first {
		t.Fatalf("expected first setnx to win")
	}
	second, err := client.SetNX(ctx, key, "processing", time.Hour)
	if err != nil {
		t.Fatalf("setnx failed: %v", err)
	}
	if second {
		t.Fatalf("expected second setnx to lose")
	}

	if err := client.Del(ctx, key); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if _, err := client.Get(ctx, key); err != redis.Nil {
		t.Fatalf("expected redis.Nil after delete, got %v", err)
	}
}

func TestDeleteIfValueOnlyRemovesOwnedKey(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}
	key := client.LockKey("cron-worker:test")
	mock.data[key] = "owner-a"

	deleted, err := client.DeleteIfValue(ctx, key, "owner-b")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted {
		t.Fatalf("expected foreign owner to be left in place")
	}

	deleted, err = client.DeleteIfValue(ctx, key, "owner-a")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !deleted {
		t.Fatalf("expected owner delete to succeed")
	}
	if _, ok := mock.data[key]; ok {
		t.Fatalf("expected key removed")
	}
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	if got := client.IdempotencyKey("scope", "id"); got != "cl:idempotency:scope:id" {
		t.Fatalf("unexpected idempotency key %s", got)
	}
	if got := client.RateLimitKey("usage:user-1"); got != "cl:rate_limit:usage:user-1" {
		t.Fatalf("unexpected rate limit key %s", got)
	}
	if got := client.LockKey("cron"); got != "cl:lock:cron" {
		t.Fatalf("unexpected lock key %s", got)
	}
	if got := client.WebhookEventKey(" stripe ", ""); got != "cl:webhook_event:stripe" {
		t.Fatalf("empty parts should be skipped, got %s", got)
	}
}

type mockCmdable struct {
	data        map[string]string
	counts      map[string]int64
	expireCalls []expireCall
}

type expireCall struct {
	key string
	ttl time.Duration
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{
		data:   make(map[string]string),
		counts: make(map[string]int64),
	}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (m *mockCmdable) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	if len(keys) != 1 || len(args) != 1 {
		return redis.NewCmdResult(nil, fmt.Errorf("unexpected arguments"))
	}
	key := keys[0]
	switch script {
	case compareAndDeleteScript:
		if v, ok := m.data[key]; ok && v == fmt.Sprint(args[0]) {
			delete(m.data, key)
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	case windowHitScript:
		ms, _ := args[0].(int64)
		m.counts[key]++
		if m.counts[key] == 1 {
			m.expireCalls = append(m.expireCalls, expireCall{key: key, ttl: time.Duration(ms) * time.Millisecond})
		}
		return redis.NewCmdResult([]any{m.counts[key], ms}, nil)
	}
	return redis.NewCmdResult(nil, fmt.Errorf("unexpected script"))
}
