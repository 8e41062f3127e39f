package fleet

import (
	"sync"
	"time"
)

// Supervisor periodically reconnects disconnected devices.
//
// It runs a fixed-period sweep (60s by default) with no backoff or jitter:
// reconnection is cheap and idempotent on the session side, and a connect
// already in flight is safely ignored by the session contract. The
// supervisor never mutates the registry.
type Supervisor struct {
	manager  *Manager
	interval time.Duration
	logger   Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// DefaultSweepInterval is the period between reconnect sweeps.
const DefaultSweepInterval = 60 * time.Second

// NewSupervisor creates a supervisor sweeping at the given interval.
// A non-positive interval selects DefaultSweepInterval.
func NewSupervisor(manager *Manager, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Supervisor{
		manager:  manager,
		interval: interval,
		logger:   noopLogger{},
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Start begins the periodic sweep in a background goroutine.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.run()

	s.logger.Info("connection supervisor started", "interval", s.interval)
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.manager.Sweep()
		}
	}
}

// Stop halts the sweep loop and waits for it to exit.
// Safe to call multiple times.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.logger.Info("connection supervisor stopped")
	})
}
