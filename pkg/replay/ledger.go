package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scg/pkg/store"
)

var ErrLedgerUnavailable = errors.New("nonce ledger unavailable")

// Ledger records consumed nonces. CheckAndInsert is atomic: it returns false
// without changing state if nonce is already present and unexpired, otherwise
// it records nonce until expiresAt and returns true.
type Ledger interface {
	CheckAndInsert(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)
}

// MemoryLedger keeps nonces in a sharded in-process map.
type MemoryLedger struct {
	cache *store.MemoryCache
}

func NewMemoryLedger() *MemoryLedger {
	return NewMemoryLedgerWithClock(time.Now)
}

func NewMemoryLedgerWithClock(now func() time.Time) *MemoryLedger {
	return &MemoryLedger{cache: store.NewMemoryCacheWithClock(now)}
}

func (l *MemoryLedger) CheckAndInsert(_ context.Context, nonce string, expiresAt time.Time) (bool, error) {
	return l.cache.SetNXUntil(nonceKey(nonce), "1", expiresAt), nil
}

// Sweep drops expired nonces and returns how many were removed.
func (l *MemoryLedger) Sweep() int { return l.cache.Sweep() }

// Len reports live nonces.
func (l *MemoryLedger) Len() int { return l.cache.Len() }

// Run sweeps every interval until ctx is done. observe, if set, receives the
// live size after each sweep.
func (l *MemoryLedger) Run(ctx context.Context, interval time.Duration, log *slog.Logger, observe func(int)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := l.Sweep()
			size := l.Len()
			if log != nil && removed > 0 {
				log.Debug("nonce ledger swept", "removed", removed, "live", size)
			}
			if observe != nil {
				observe(size)
			}
		}
	}
}

// CacheLedger stores nonces in a store.Cache, typically Redis, so several
// gateway processes share one ledger.
type CacheLedger struct {
	Cache store.Cache
	Now   func() time.Time
}

func (l CacheLedger) CheckAndInsert(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	if l.Cache == nil {
		return false, ErrLedgerUnavailable
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	ttl := expiresAt.Sub(now())
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := l.Cache.SetNX(ctx, nonceKey(nonce), "1", ttl)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return ok, nil
}

func nonceKey(nonce string) string {
	return "nonce:" + nonce
}
