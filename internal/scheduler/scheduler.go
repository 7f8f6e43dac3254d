// Package scheduler runs the controller's periodic background jobs, most
// notably the recurring discovery sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Job is one recurring task. Run errors are logged, not fatal; a job that
// reports busy is skipped until its next tick.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler drives registered jobs on their own tickers.
type Scheduler struct {
	mu   sync.Mutex
	jobs []Job
}

func New() *Scheduler {
	return &Scheduler{}
}

// Add registers a job. Jobs with a non-positive interval are ignored.
func (s *Scheduler) Add(job Job) {
	if job.Every <= 0 || job.Run == nil {
		log.Warn().Str("job", job.Name).Msg("Skipping job with no interval or runner")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Run blocks until ctx is cancelled, firing each job on its interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.runJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	log.Info().Str("job", job.Name).Dur("every", job.Every).Msg("Scheduled job registered")

	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := job.Run(ctx); err != nil {
				log.Warn().Err(err).Str("job", job.Name).Msg("Scheduled job skipped")
				continue
			}
			log.Debug().
				Str("job", job.Name).
				Dur("duration", time.Since(start)).
				Msg("Scheduled job completed")
		}
	}
}
