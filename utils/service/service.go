package service

import (
	"context"
	"time"

	"github.com/sunupay/sunupay/utils/logging"
)

// JobFunc - type that defines what a Job Function should look like.
// The bool result indicates whether work was performed this pass.
type JobFunc func(context.Context) (bool, error)

// Job - structure defining common job meta-information
type Job struct {
	Func    JobFunc
	Workers int
	Cadence time.Duration
}

// JobService - interface defining what can have jobs
type JobService interface {
	Jobs() []Job
}

// RunJobs starts a goroutine per job worker, each looping at the job
// cadence until the context is cancelled. Errors are logged, never fatal.
func RunJobs(ctx context.Context, svc JobService) {
	logger := logging.Logger(ctx, "service.RunJobs")
	for _, job := range svc.Jobs() {
		workers := job.Workers
		if workers < 1 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			go func(job Job) {
				for {
					select {
					case <-ctx.Done():
						return
					case <-time.After(job.Cadence):
						if _, err := job.Func(ctx); err != nil {
							logger.Error().Err(err).Msg("job run failed")
						}
					}
				}
			}(job)
		}
	}
}
