// Package cleanup runs background maintenance on the storage backend:
// purging orphaned object metadata and, optionally, stale multipart uploads.
package cleanup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/s3-storage-gateway/internal/monitoring"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

// Options configures the sweeper.
type Options struct {
	// Interval between orphaned-metadata sweeps.
	Interval time.Duration

	// BatchSize bounds the records handled per sweep.
	BatchSize int

	// MultipartEnabled turns on removal of stale multipart uploads.
	MultipartEnabled bool

	// MultipartMaxAge is the age after which an upload counts as stale.
	MultipartMaxAge time.Duration

	// MultipartInterval is the cadence of multipart sweeps.
	MultipartInterval time.Duration
}

// Sweeper periodically removes orphaned metadata records and stale uploads.
type Sweeper struct {
	backend storage.Backend
	opts    Options
	logger  *logrus.Entry
	now     func() time.Time
}

// NewSweeper creates a sweeper over the backend.
func NewSweeper(backend storage.Backend, opts Options, logger *logrus.Entry) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MultipartInterval <= 0 {
		opts.MultipartInterval = time.Hour
	}
	if opts.MultipartMaxAge <= 0 {
		opts.MultipartMaxAge = 24 * time.Hour
	}
	return &Sweeper{
		backend: backend,
		opts:    opts,
		logger:  logger.WithField("component", "cleanup"),
		now:     time.Now,
	}
}

// Run blocks until ctx is canceled, sweeping on the configured intervals.
func (s *Sweeper) Run(ctx context.Context) {
	metaTicker := time.NewTicker(s.opts.Interval)
	defer metaTicker.Stop()

	var multipartC <-chan time.Time
	if s.opts.MultipartEnabled {
		multipartTicker := time.NewTicker(s.opts.MultipartInterval)
		defer multipartTicker.Stop()
		multipartC = multipartTicker.C
	}

	s.logger.WithFields(logrus.Fields{
		"interval":          s.opts.Interval,
		"batch_size":        s.opts.BatchSize,
		"multipart_enabled": s.opts.MultipartEnabled,
	}).Info("cleanup sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup sweeper stopped")
			return
		case <-metaTicker.C:
			if _, err := s.SweepOrphanedMetadata(ctx); err != nil {
				s.logger.WithError(err).Error("orphaned metadata sweep failed")
			}
		case <-multipartC:
			if _, err := s.SweepStaleUploads(ctx); err != nil {
				s.logger.WithError(err).Error("stale upload sweep failed")
			}
		}
	}
}

// SweepOrphanedMetadata removes up to BatchSize metadata records whose object
// data no longer exists. It returns the number purged.
func (s *Sweeper) SweepOrphanedMetadata(ctx context.Context) (int, error) {
	orphans, err := s.backend.ListOrphanedObjectMetadata(ctx, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, ref := range orphans {
		if err := s.backend.PurgeObjectMetadata(ctx, ref.Bucket, ref.Key); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"bucket": ref.Bucket,
				"key":    ref.Key,
			}).Warn("failed to purge orphaned metadata")
			continue
		}
		purged++
		monitoring.OrphanedMetadataPurged.Inc()
	}

	if purged > 0 {
		s.logger.WithField("purged", purged).Info("orphaned metadata purged")
	}
	return purged, nil
}

// SweepStaleUploads aborts multipart uploads older than MultipartMaxAge
// across all buckets. It returns the number removed.
func (s *Sweeper) SweepStaleUploads(ctx context.Context) (int, error) {
	buckets, err := s.backend.ListBuckets(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.opts.MultipartMaxAge)
	removed := 0
	for _, bucket := range buckets {
		uploads, err := s.backend.ListUploads(ctx, bucket.Name)
		if err != nil {
			s.logger.WithError(err).WithField("bucket", bucket.Name).Warn("failed to list uploads")
			continue
		}
		for _, upload := range uploads {
			if !upload.Initiated.Before(cutoff) {
				continue
			}
			if err := s.backend.DeleteParts(ctx, upload.UploadID); err != nil {
				s.logger.WithError(err).WithField("upload_id", upload.UploadID).Warn("failed to delete stale upload parts")
				continue
			}
			if err := s.backend.DeleteUpload(ctx, upload.UploadID); err != nil {
				s.logger.WithError(err).WithField("upload_id", upload.UploadID).Warn("failed to delete stale upload record")
				continue
			}
			removed++
			s.logger.WithFields(logrus.Fields{
				"bucket":    upload.Bucket,
				"key":       upload.Key,
				"upload_id": upload.UploadID,
				"initiated": upload.Initiated,
			}).Info("stale multipart upload removed")
		}
	}
	return removed, nil
}
