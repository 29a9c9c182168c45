package shadowledger

import (
	"context"
	"log"
	"time"
)

// Sweeper periodically expires stale holds whose decision tokens have
// outlived their TTL without a fill or cancel.
type Sweeper struct {
	ledger   *Ledger
	ttl      time.Duration
	interval time.Duration
	logger   *log.Logger
	onExpire func(traceIDs []string)
}

// NewSweeper builds a sweeper. onExpire receives the expired trace IDs so
// the caller can append audit events outside the ledger's locks; it may be
// nil.
func NewSweeper(ledger *Ledger, ttl, interval time.Duration, onExpire func(traceIDs []string)) *Sweeper {
	return &Sweeper{
		ledger:   ledger,
		ttl:      ttl,
		interval: interval,
		logger:   log.New(log.Writer(), "[HoldSweeper] ", log.LstdFlags),
		onExpire: onExpire,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Printf("started: ttl=%s interval=%s", s.ttl, s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Println("stopped")
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce performs a single expiry pass.
func (s *Sweeper) SweepOnce() {
	expired := s.ledger.ExpireStaleHolds(s.ttl)
	if len(expired) > 0 && s.onExpire != nil {
		s.onExpire(expired)
	}
}
