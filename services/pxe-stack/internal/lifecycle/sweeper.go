package lifecycle

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"pxewatch/pkg/clock"
	"pxewatch/services/pxe-stack/internal/devices"
)

type SweeperOptions struct {
	Interval time.Duration
	IdleTTL  time.Duration
	// IdentityFollowsExpiry unbinds an evicted device's addresses from the
	// identity map.
	IdentityFollowsExpiry bool
}

// Sweeper evicts device records that have been idle for longer than IdleTTL.
type Sweeper struct {
	store    *devices.Store
	identity *devices.IdentityMap
	clock    clock.Clock
	opts     SweeperOptions
	logger   *log.Logger
	metrics  *Metrics
	sinks    []Sink
}

func NewSweeper(store *devices.Store, identity *devices.IdentityMap, clk clock.Clock, opts SweeperOptions, logger *log.Logger, metrics *Metrics, sinks ...Sink) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		store:    store,
		identity: identity,
		clock:    clk,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		sinks:    sinks,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Printf("INFO sweeper evicting devices idle for %s every %s", s.opts.IdleTTL, s.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep evicts every record last active at or before now-IdleTTL and returns
// the evicted records.
func (s *Sweeper) Sweep() []devices.Record {
	now := s.clock.Now()
	cutoff := now.Add(-s.opts.IdleTTL)

	var onEvict func(devices.Record)
	if s.opts.IdentityFollowsExpiry && s.identity != nil {
		onEvict = func(r devices.Record) {
			s.identity.UnbindHardwareAddr(r.HardwareAddr)
		}
	}
	evicted := s.store.EvictIdle(cutoff, onEvict)
	if len(evicted) == 0 {
		s.logger.Printf("DEBUG sweeper found no idle devices")
		return nil
	}

	s.metrics.evicted(len(evicted))
	for _, r := range evicted {
		s.logger.Printf("INFO removing device %s, idle since %s", r.HardwareAddr, r.LastActiveAt.UTC().Format(time.RFC3339))
		c := Change{
			ID:           uuid.NewString(),
			Kind:         KindEvicted,
			HardwareAddr: r.HardwareAddr,
			Previous:     r.Stage,
			Record:       r,
			At:           now,
		}
		for _, sink := range s.sinks {
			sink.Publish(c)
		}
	}
	return evicted
}
