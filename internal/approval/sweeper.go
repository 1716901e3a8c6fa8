package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Sweeper runs the queue's periodic maintenance: expiring overdue
// pending approvals every minute and purging terminal records past the
// retention window every hour.
type Sweeper struct {
	cron      *cron.Cron
	queue     *Queue
	retention time.Duration
}

// NewSweeper creates a sweeper for the queue. Cron expressions use the
// standard 5-field format, so the finest sweep granularity is one
// minute; the approve path re-checks expiry itself and never depends on
// the sweeper having run.
func NewSweeper(queue *Queue, retention time.Duration) *Sweeper {
	return &Sweeper{
		cron:      cron.New(),
		queue:     queue,
		retention: retention,
	}
}

// Register adds the sweep and purge jobs.
func (s *Sweeper) Register() error {
	if _, err := s.cron.AddFunc("* * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.queue.SweepExpired(ctx); err != nil {
			log.Error().Err(err).Msg("approval_sweep_failed")
		}
	}); err != nil {
		return fmt.Errorf("registering expiry sweep: %w", err)
	}

	if _, err := s.cron.AddFunc("0 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.queue.PurgeTerminal(ctx, s.retention); err != nil {
			log.Error().Err(err).Msg("approval_purge_failed")
		}
	}); err != nil {
		return fmt.Errorf("registering retention purge: %w", err)
	}

	return nil
}

// Start begins executing registered jobs.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the sweeper and waits for running jobs to complete.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Sweeper) Entries() int {
	return len(s.cron.Entries())
}
