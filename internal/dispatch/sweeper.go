package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SweepResult summarises one sweep
type SweepResult struct {
	Enqueued   int       `json:"enqueued"`
	Reconciled int       `json:"reconciled"`
	At         time.Time `json:"at"`
}

// Sweeper periodically re-enqueues due deliveries and closes abandoned
// attempts, so delivery survives restarts and queue overflow.
type Sweeper struct {
	dispatcher *Dispatcher
	interval   time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
	lastRun    time.Time
	lastResult *SweepResult
}

// NewSweeper creates a sweeper for d. interval <= 0 uses the delivery config.
func NewSweeper(d *Dispatcher, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = d.cfg.SweepInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		dispatcher: d,
		interval:   interval,
	}
}

// Start begins sweeping
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.dispatcher.logger.Info().Dur("interval", s.interval).Msg("Delivery sweeper started")
	return nil
}

// Stop stops sweeping
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.dispatcher.logger.Info().Msg("Delivery sweeper stopped")
}

// IsRunning returns whether the sweeper is running
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// pick up whatever a previous process left behind
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	result, err := s.RunNow(ctx)
	if err != nil {
		s.dispatcher.logger.Error().Err(err).Msg("Delivery sweep failed")
		return
	}
	if result.Enqueued > 0 || result.Reconciled > 0 {
		s.dispatcher.logger.Info().
			Int("enqueued", result.Enqueued).
			Int("reconciled", result.Reconciled).
			Msg("Delivery sweep completed")
	}
}

// RunNow sweeps once. Abandoned attempts are reconciled before due
// deliveries are enqueued, so a reconciled retry is not picked up twice.
func (s *Sweeper) RunNow(ctx context.Context) (*SweepResult, error) {
	reconciled, err := s.dispatcher.reconcileStale(ctx)
	if err != nil {
		return nil, err
	}
	enqueued, err := s.dispatcher.enqueueDue(ctx)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{
		Enqueued:   enqueued,
		Reconciled: reconciled,
		At:         s.dispatcher.now(),
	}

	s.mu.Lock()
	s.lastRun = result.At
	s.lastResult = result
	s.mu.Unlock()

	return result, nil
}

// SweeperStatus represents the current status of the sweeper
type SweeperStatus struct {
	Running    bool         `json:"running"`
	Interval   string       `json:"interval"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
	LastResult *SweepResult `json:"last_result,omitempty"`
}

// GetStatus returns the current status of the sweeper
func (s *Sweeper) GetStatus() *SweeperStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := &SweeperStatus{
		Running:  s.running,
		Interval: s.interval.String(),
	}
	if !s.lastRun.IsZero() {
		lastRun := s.lastRun
		status.LastRun = &lastRun
	}
	if s.lastResult != nil {
		status.LastResult = s.lastResult
	}
	return status
}
