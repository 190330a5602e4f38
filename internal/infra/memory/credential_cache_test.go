package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"circuit-trivia-bot/internal/domain"
)

func TestCredentialCacheCaches(t *testing.T) {
	store := &countingCredentials{Store: NewStore()}
	if err := store.SaveCredential(context.Background(), sampleCredential()); err != nil {
		t.Fatalf("save: %v", err)
	}
	cache := NewCredentialCache(store, time.Minute)

	for i := 0; i < 3; i++ {
		cred, err := cache.GetCredential(context.Background())
		if err != nil {
			t.Fatalf("get credential: %v", err)
		}
		if cred.UserID != "bot-1" {
			t.Fatalf("unexpected credential %+v", cred)
		}
	}
	if got := store.calls.Load(); got != 1 {
		t.Fatalf("expected store read once, got %d", got)
	}
}

func TestCredentialCacheExpires(t *testing.T) {
	store := &countingCredentials{Store: NewStore()}
	_ = store.SaveCredential(context.Background(), sampleCredential())
	cache := NewCredentialCache(store, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return now }

	if _, err := cache.GetCredential(context.Background()); err != nil {
		t.Fatalf("get: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := cache.GetCredential(context.Background()); err != nil {
		t.Fatalf("get after ttl: %v", err)
	}
	if got := store.calls.Load(); got != 2 {
		t.Fatalf("expected reload after ttl, store reads %d", got)
	}
}

func TestCredentialCacheSaveInvalidates(t *testing.T) {
	store := NewStore()
	cache := NewCredentialCache(store, time.Minute)
	if err := cache.SaveCredential(context.Background(), sampleCredential()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := cache.GetCredential(context.Background()); err != nil {
		t.Fatalf("get: %v", err)
	}

	updated := sampleCredential()
	updated.Token = "rotated"
	if err := cache.SaveCredential(context.Background(), updated); err != nil {
		t.Fatalf("save rotated: %v", err)
	}
	cred, err := cache.GetCredential(context.Background())
	if err != nil {
		t.Fatalf("get rotated: %v", err)
	}
	if cred.Token != "rotated" {
		t.Fatalf("expected rotated token, got %q", cred.Token)
	}
}

func TestCredentialCacheMissingNotCached(t *testing.T) {
	store := &countingCredentials{Store: NewStore()}
	cache := NewCredentialCache(store, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := cache.GetCredential(context.Background()); !errors.Is(err, domain.ErrCredentialNotFound) {
			t.Fatalf("expected ErrCredentialNotFound, got %v", err)
		}
	}
	if got := store.calls.Load(); got != 2 {
		t.Fatalf("errors must not be cached, store reads %d", got)
	}
}

func TestCredentialCacheCollapsesConcurrentLoads(t *testing.T) {
	release := make(chan struct{})
	store := &countingCredentials{Store: NewStore(), gate: release}
	_ = store.Store.SaveCredential(context.Background(), sampleCredential())
	cache := NewCredentialCache(store, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetCredential(context.Background()); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := store.calls.Load(); got != 1 {
		t.Fatalf("expected a single store read, got %d", got)
	}
}

func TestCredentialCacheDisabled(t *testing.T) {
	store := &countingCredentials{Store: NewStore()}
	_ = store.SaveCredential(context.Background(), sampleCredential())
	cache := NewCredentialCache(store, 0)

	_, _ = cache.GetCredential(context.Background())
	_, _ = cache.GetCredential(context.Background())
	if got := store.calls.Load(); got != 2 {
		t.Fatalf("expected pass-through reads, got %d", got)
	}
}

type countingCredentials struct {
	*Store
	calls atomic.Int32
	gate  chan struct{}
}

func (c *countingCredentials) GetCredential(ctx context.Context) (domain.Credential, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.Store.GetCredential(ctx)
}

func sampleCredential() domain.Credential {
	return domain.Credential{
		Domain:    "circuitsandbox.net",
		UserID:    "bot-1",
		Token:     "token-1",
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
