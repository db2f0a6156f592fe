package session

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-sockjs/logger"
)

// SchedulerConfig controls heartbeat cadence and expiry.
type SchedulerConfig struct {
	// HeartbeatInterval is the idle time after which an attached consumer is
	// sent a heartbeat frame.
	HeartbeatInterval time.Duration
	// DisconnectTimeout is how long a session may go without a consumer
	// before it is closed with 3000 "Go away!".
	DisconnectTimeout time.Duration
	// SweepInterval is the period between passes over the registry.
	SweepInterval time.Duration
	// Workers bounds how many sessions are ticked concurrently, so one slow
	// connection does not hold up everybody else's heartbeats.
	Workers int
}

// DefaultSchedulerConfig returns 25s heartbeats, a 5s disconnect timeout,
// one sweep per second and 8 workers.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		HeartbeatInterval: 25 * time.Second,
		DisconnectTimeout: 5 * time.Second,
		SweepInterval:     time.Second,
		Workers:           8,
	}
}

// Scheduler periodically sweeps a Registry, emitting heartbeats and expiring
// abandoned sessions. One Scheduler serves every session in the registry.
type Scheduler struct {
	reg *Registry
	cfg SchedulerConfig
	log logger.Logger
}

// NewScheduler creates a Scheduler over reg. Non-positive SweepInterval and
// Workers fall back to the defaults.
func NewScheduler(reg *Registry, cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}

	return &Scheduler{
		reg: reg,
		cfg: cfg,
		log: reg.log.With(logger.Field{Key: "component", Value: "scheduler"}),
	}
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (sc *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(sc.cfg.SweepInterval)
	defer ticker.Stop()

	sc.log.Info("scheduler started", logger.Field{Key: "interval", Value: sc.cfg.SweepInterval.String()})
	for {
		select {
		case <-ctx.Done():
			sc.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			sc.Sweep(ctx, sc.reg.now())
		}
	}
}

// Sweep ticks every live session once as of now and returns how many expired.
func (sc *Scheduler) Sweep(ctx context.Context, now time.Time) int {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(sc.cfg.Workers)

	var expired atomic.Int64
	sc.reg.Range(func(s *Session) bool {
		g.Go(func() error {
			if s.tick(now, sc.cfg.HeartbeatInterval, sc.cfg.DisconnectTimeout) {
				expired.Add(1)
			}
			return nil
		})
		return true
	})

	_ = g.Wait()

	count := int(expired.Load())
	if count > 0 {
		sc.log.Debug("expired abandoned sessions", logger.Field{Key: "count", Value: count})
	}

	return count
}
