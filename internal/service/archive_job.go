package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/steward/internal/domain"
)

// ArchiveJob periodically copies conditions settled more than `after` ago
// to cold storage.
type ArchiveJob struct {
	archiver domain.Archiver
	after    time.Duration
	every    time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewArchiveJob creates an ArchiveJob.
func NewArchiveJob(archiver domain.Archiver, after, every time.Duration, logger *slog.Logger) *ArchiveJob {
	if every <= 0 {
		every = time.Hour
	}
	return &ArchiveJob{
		archiver: archiver,
		after:    after,
		every:    every,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "archive_job")),
	}
}

// RunOnce archives up to the current cutoff.
func (j *ArchiveJob) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.after)
	n, err := j.archiver.ArchiveConditions(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "archive run complete", slog.Int64("archived", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}

// Run archives every interval until ctx is cancelled.
func (j *ArchiveJob) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.every)
	defer ticker.Stop()
	for {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
