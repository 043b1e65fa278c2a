// Package lock coordinates exclusive, lease-bounded access to named resources.
//
// A Coordinator polls a Backend until a lease is granted or the wait budget is
// spent. Leases always expire on their own, so a crashed holder blocks other
// callers for at most one lease. Multi-resource acquisition sorts keys before
// taking them one by one and drops everything on partial failure, so two
// callers sharing a subset of keys can never wait on each other in a cycle.
package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Prefix is prepended to every resource identifier before it reaches a Backend.
const Prefix = "lock:"

var (
	// ErrNotAcquired is matched by every *AcquireError.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld is returned when extending or releasing a lease that has
	// expired or been taken over.
	ErrNotHeld = errors.New("lock not held")
)

// AcquireError is returned when one or more resources could not be locked
// within the wait budget.
type AcquireError struct {
	Keys []string
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("failed to acquire lock for resource %q", strings.Join(e.Keys, ", "))
}

// Is reports whether target is ErrNotAcquired.
func (e *AcquireError) Is(target error) bool { return target == ErrNotAcquired }

// Key returns the backend key for a resource.
func Key(resource string) string {
	return Prefix + resource
}

// StockResource names the lock resource guarding a product's stock counter.
func StockResource(productID string) string {
	return "product:stock:" + productID
}

// Backend grants leases on keys. Every lease is tagged with a caller-chosen
// token, and Release/Extend only succeed while the token still owns the key.
type Backend interface {
	// Acquire makes one non-blocking attempt. It returns false when the key is held.
	Acquire(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	// Release frees the key if token owns it. It returns false otherwise.
	Release(ctx context.Context, key, token string) (bool, error)
	// Extend resets the lease of the key to lease if token owns it.
	Extend(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	// Owner returns the token holding the key, or "" when it is free.
	Owner(ctx context.Context, key string) (string, error)
}

// Handle is a held lease on a single resource.
type Handle interface {
	Resource() string
	// Held reports whether the lease is still owned by this handle.
	Held(ctx context.Context) bool
	Extend(ctx context.Context, lease time.Duration) error
	Release(ctx context.Context) error
}

// MultiHandle is a set of leases acquired as one unit.
type MultiHandle interface {
	Resources() []string
	Release(ctx context.Context) error
}

// Locker is the capability the services depend on.
type Locker interface {
	TryLock(ctx context.Context, resource string, wait, lease time.Duration) (Handle, error)
	Lock(ctx context.Context, resource string, wait, lease time.Duration) (Handle, error)
	WithLock(ctx context.Context, resource string, wait, lease time.Duration, fn func(ctx context.Context) error) error
	TryLockAll(ctx context.Context, resources []string, wait, lease time.Duration) (MultiHandle, error)
	WithLocks(ctx context.Context, resources []string, wait, lease time.Duration, fn func(ctx context.Context) error) error
}
