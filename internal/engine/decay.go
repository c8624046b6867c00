package engine

import (
	"context"
	"log"
	"time"
)

// DecayConfig tunes the background decay loop.
type DecayConfig struct {
	// Rate is the per-day importance decay rate (default 0.01).
	Rate float64

	// Interval is how often decay is applied (default 1 hour).
	Interval time.Duration
}

// DecayManager periodically applies importance decay to the record store.
// Records accessed within the last day are left untouched by each pass; the
// rest lose importance exponentially with their idle time.
type DecayManager struct {
	store *Store
	cfg   DecayConfig
}

// NewDecayManager creates a decay loop for the store.
func NewDecayManager(store *Store, cfg DecayConfig) *DecayManager {
	if cfg.Rate <= 0 {
		cfg.Rate = 0.01
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &DecayManager{store: store, cfg: cfg}
}

// Run applies decay on the configured interval until the context is
// cancelled. Failures are logged, not fatal.
func (m *DecayManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := m.store.ApplyDecay(ctx, m.cfg.Rate)
			if err != nil {
				log.Printf("engine: decay pass failed: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("engine: decayed %d records", count)
			}
		}
	}
}
