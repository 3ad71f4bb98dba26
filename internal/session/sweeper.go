package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"cliproom/internal/metrics"
	"cliproom/pkg/types"
)

var (
	ErrSweeperAlreadyRunning = errors.New("sweeper is already running")
	ErrSweeperNotRunning     = errors.New("sweeper is not running")
)

// Sweeper reclaims sessions that have gone idle past the timeout. It runs on
// a fixed interval and condemns each expired session under that session's own
// mutex, so a sweep can never race a concurrent mutation on the same session.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	shutdown chan struct{}
	mu       sync.Mutex
	running  bool
}

func NewSweeper(registry *Registry, interval, timeout time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		log:      log,
		shutdown: make(chan struct{}),
	}
}

// Start launches the background sweep loop. The loop stops when Stop is
// called or ctx is cancelled.
func (w *Sweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrSweeperAlreadyRunning
	}
	w.running = true

	go w.run(ctx)
	w.log.Info("eviction sweeper started",
		zap.Duration("interval", w.interval),
		zap.Duration("timeout", w.timeout))
	return nil
}

// Stop terminates the sweep loop. Safe to call once.
func (w *Sweeper) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return ErrSweeperNotRunning
	}
	w.running = false

	select {
	case <-w.shutdown:
	default:
		close(w.shutdown)
	}
	return nil
}

func (w *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep()
		case <-w.shutdown:
			w.log.Info("eviction sweeper stopped")
			return
		case <-ctx.Done():
			w.log.Info("eviction sweeper context cancelled")
			return
		}
	}
}

// Sweep runs one eviction cycle and returns how many sessions were
// reclaimed. Exported so operators and tests can force a cycle.
func (w *Sweeper) Sweep() int {
	deadline := time.Now().Add(-w.timeout)
	evicted := 0
	for _, s := range w.registry.snapshot() {
		// Cheap unlocked-order check first; expiry is re-verified under
		// the session mutex before condemnation.
		if !s.idleSince(deadline) {
			continue
		}

		s.mu.Lock()
		if s.destroyed || !s.lastActivity.Before(deadline) {
			s.mu.Unlock()
			continue
		}
		s.destroyLocked(types.DestroyReasonTimeout)
		s.mu.Unlock()

		w.registry.unlink(s.code)
		metrics.EvictedSessions.Inc()
		w.log.Info("session evicted", zap.String("session", s.code))
		evicted++
	}
	return evicted
}
