package buildservice

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweep removes the contexts of jobs that finished more than the retention
// period before now, then compacts the store.
func (s *Service) Sweep(now time.Time) error {
	log.Debug().Msg("Janitor sweep started")
	jobs, err := ListJobsByStatuses(s.store, JobStatusSucceeded, JobStatusFailed)
	if err != nil {
		return err
	}
	removed := 0
	for _, job := range jobs {
		if job.ContextDir == "" || job.FinishedAt.Add(s.opts.Retention).After(now) {
			continue
		}
		if err := os.RemoveAll(job.ContextDir); err != nil {
			log.Warn().Err(err).Str("job", job.ID).Msg("failed to remove build context")
			continue
		}
		if _, err := s.updateJob(job.ID, func(j *Job) { j.ContextDir = "" }); err != nil {
			log.Warn().Err(err).Str("job", job.ID).Msg("failed to update job")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("contexts", removed).Msg("Removed expired build contexts")
	}
	return s.store.Compact()
}

// StartJanitor sweeps immediately and then every interval until ctx is
// cancelled.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("Starting janitor")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.Sweep(s.now()); err != nil {
		log.Error().Err(err).Msg("Error in initial janitor sweep")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(s.now()); err != nil {
				log.Error().Err(err).Msg("Error in janitor sweep")
			}
		}
	}
}
