// Package nonce serializes access to a per-signer transaction counter so
// concurrently executing opportunities never collide on a nonce.
package nonce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// DefaultTTL is how long a fetched cursor is trusted before re-reading the
// network's pending count.
const DefaultTTL = 30 * time.Second

// Source reads the network's pending transaction count for an account.
// *ethclient.Client satisfies it.
type Source interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Manager hands out strictly increasing nonces from an in-memory cursor,
// refreshing from the network when the cursor is stale or after a
// nonce-invalidating error.
type Manager struct {
	mu sync.Mutex

	source  Source
	account common.Address
	ttl     time.Duration
	logger  *zap.Logger

	next        uint64
	refreshedAt time.Time
	force       bool
	inflight    map[uint64]struct{}
}

// NewManager creates a manager for one signing account.
func NewManager(source Source, account common.Address, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		source:   source,
		account:  account,
		ttl:      ttl,
		logger:   logger,
		inflight: make(map[uint64]struct{}),
	}
}

// Next returns the next nonce. Access is strictly sequential: two concurrent
// callers always receive distinct values.
func (m *Manager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.force || m.refreshedAt.IsZero() || time.Since(m.refreshedAt) > m.ttl {
		pending, err := m.source.PendingNonceAt(ctx, m.account)
		if err != nil {
			return 0, fmt.Errorf("failed to refresh nonce for %s: %w", m.account.Hex(), err)
		}
		if m.force || pending > m.next {
			// A forced refresh trusts the network; a TTL refresh never moves
			// the cursor backwards past values already handed out.
			m.next = pending
		}
		m.refreshedAt = time.Now()
		if m.force {
			m.logger.Debug("nonce cursor reset",
				zap.Uint64("next", m.next),
				zap.String("account", m.account.Hex()))
		}
		m.force = false
	}

	n := m.next
	m.next++
	m.inflight[n] = struct{}{}
	return n, nil
}

// Invalidate forces the next acquisition to refresh from the network. Called
// after errors indicating the local cursor diverged (nonce too low / gapped).
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.force = true
}

// Release drops tracking state for a nonce whose attempt reached a terminal
// state (confirmed, failed, or abandoned on timeout).
func (m *Manager) Release(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, n)
}

// Inflight returns the number of handed-out, unreleased nonces.
func (m *Manager) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}
