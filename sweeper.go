package eitticket

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultSweepInterval is how often a Sweeper runs its jobs.
const DefaultSweepInterval = time.Minute

// SweepJob removes stale state and reports how many entries it removed.
type SweepJob func(ctx context.Context) (int, error)

// Sweeper periodically runs maintenance jobs: expired tickets, stale
// tombstones, trust records past retention.
type Sweeper struct {
	jobs     map[string]SweepJob
	interval time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
	done     chan struct{}
	mu       sync.RWMutex
	running  bool
	stopped  bool
}

// NewSweeper creates a sweeper.
func NewSweeper(interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{
		jobs:     make(map[string]SweepJob),
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AddJob registers a job under name, replacing any job with that name.
func (s *Sweeper) AddJob(name string, job SweepJob) {
	s.mu.Lock()
	s.jobs[name] = job
	s.mu.Unlock()
}

// RemoveJob removes a job.
func (s *Sweeper) RemoveJob(name string) {
	s.mu.Lock()
	delete(s.jobs, name)
	s.mu.Unlock()
}

// Start runs the jobs every interval until Stop. A stopped sweeper cannot
// be restarted.
func (s *Sweeper) Start() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(context.Background())
			case <-s.stopChan:
				return
			}
		}
	}()
}

// RunOnce runs every job once, in name order, and returns the number of
// entries each removed. Failing jobs are logged and do not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) map[string]int {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	jobs := make(map[string]SweepJob, len(s.jobs))
	for name, job := range s.jobs {
		names = append(names, name)
		jobs[name] = job
	}
	s.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]int, len(names))
	for _, name := range names {
		removed, err := jobs[name](ctx)
		if err != nil {
			s.logger.Warn("sweep job failed", "job", name, "error", err)
			continue
		}
		results[name] = removed
		if removed > 0 {
			s.logger.Debug("sweep job finished", "job", name, "removed", removed)
		}
	}
	return results
}

// Stop stops the sweeper and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	running := s.running
	s.running = false
	s.stopped = true
	s.mu.Unlock()
	if !running {
		return
	}
	close(s.stopChan)
	<-s.done
}
