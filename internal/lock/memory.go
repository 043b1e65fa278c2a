package lock

import (
	"context"
	"sync"
	"time"
)

var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend grants leases inside a single process. It is meant for
// development and tests; it provides no exclusion across processes.
type MemoryBackend struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// owner must be called with mu held. Expired leases are dropped.
func (b *MemoryBackend) owner(key string) string {
	l, ok := b.leases[key]
	if !ok {
		return ""
	}
	if !b.now().Before(l.expires) {
		delete(b.leases, key)
		return ""
	}
	return l.token
}

func (b *MemoryBackend) Acquire(_ context.Context, key, token string, lease time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.owner(key) != "" {
		return false, nil
	}
	b.leases[key] = memoryLease{token: token, expires: b.now().Add(lease)}
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.owner(key) != token {
		return false, nil
	}
	delete(b.leases, key)
	return true, nil
}

func (b *MemoryBackend) Extend(_ context.Context, key, token string, lease time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.owner(key) != token {
		return false, nil
	}
	b.leases[key] = memoryLease{token: token, expires: b.now().Add(lease)}
	return true, nil
}

func (b *MemoryBackend) Owner(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.owner(key), nil
}
