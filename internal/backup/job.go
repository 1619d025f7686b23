package backup

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Job runs a backup cycle on the scheduler: create, upload, rotate.
type Job struct {
	service *Service
	timeout time.Duration
	log     zerolog.Logger
}

// NewJob wraps the backup service as a scheduled job.
func NewJob(service *Service, log zerolog.Logger) *Job {
	return &Job{
		service: service,
		timeout: 30 * time.Minute,
		log:     log.With().Str("job", "s3_backup").Logger(),
	}
}

// Name implements the scheduler Job interface.
func (j *Job) Name() string { return "s3_backup" }

// Run creates and uploads a backup, then prunes expired ones. Rotation
// failures are logged but do not fail the job: the new backup is already
// safe.
func (j *Job) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.service.CreateAndUploadBackup(ctx); err != nil {
		return err
	}
	if err := j.service.RotateOldBackups(ctx); err != nil {
		j.log.Error().Err(err).Msg("Backup rotation failed")
	}
	return nil
}
