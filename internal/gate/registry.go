package gate

import (
	"sync"
	"time"
)

// DigestRegistry remembers the order digest bound to each authorized trace
// so lifecycle ingress can verify that later events describe the same order.
type DigestRegistry struct {
	mu      sync.RWMutex
	digests map[string]digestEntry
}

type digestEntry struct {
	digest  string
	boundAt time.Time
}

// NewDigestRegistry creates an empty registry.
func NewDigestRegistry() *DigestRegistry {
	return &DigestRegistry{digests: make(map[string]digestEntry)}
}

// Register binds a trace to its token's order digest.
func (r *DigestRegistry) Register(traceID, digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.digests[traceID] = digestEntry{digest: digest, boundAt: time.Now().UTC()}
}

// OrderDigest returns the digest bound to a trace.
func (r *DigestRegistry) OrderDigest(traceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.digests[traceID]
	return e.digest, ok
}

// Prune drops bindings older than maxAge and returns how many were removed.
// A pruned trace falls back to the audit trail for digest checks.
func (r *DigestRegistry) Prune(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for traceID, e := range r.digests {
		if e.boundAt.Before(cutoff) {
			delete(r.digests, traceID)
			removed++
		}
	}
	return removed
}
