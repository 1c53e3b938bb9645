// Package multipart implements the multipart upload engine: part tracking,
// completion validation, composite ETag and checksum assembly.
package multipart

import (
	"context"
	"crypto/md5" // #nosec G501 - MD5 is the S3 ETag algorithm, not used for security
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/s3-storage-gateway/internal/checksum"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

const (
	// MinPartNumber and MaxPartNumber bound valid part numbers.
	MinPartNumber = 1
	MaxPartNumber = 10000

	// DefaultMaxParts is the ListParts page size when none is requested.
	DefaultMaxParts = 1000
)

// Validation errors surfaced to the gateway's error mapper.
var (
	ErrInvalidPartNumber = errors.New("multipart: part number out of range")
	ErrInvalidPartOrder  = errors.New("multipart: part list is not in ascending order")
	ErrInvalidPart       = errors.New("multipart: part not found or etag mismatch")
	ErrUploadMismatch    = errors.New("multipart: upload does not belong to this object")
)

// CompletedPart is one entry of a CompleteMultipartUpload request.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// InitiateOptions carries the client-supplied attributes of a new upload.
type InitiateOptions struct {
	ContentType       string
	Metadata          map[string]string
	ChecksumAlgorithm string
}

// UploadStats summarizes an in-progress upload for HEAD requests.
type UploadStats struct {
	PartsCount     int
	LastPartNumber int
	TotalSize      int64
}

// Engine drives multipart uploads on top of a storage backend.
type Engine struct {
	backend storage.Backend
	logger  *logrus.Entry
}

// NewEngine creates an engine over the given backend.
func NewEngine(backend storage.Backend, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		backend: backend,
		logger:  logger.WithField("component", "multipart"),
	}
}

// Initiate starts a new upload and returns its metadata record.
func (e *Engine) Initiate(ctx context.Context, bucket, key string, opts InitiateOptions) (*storage.UploadMetadata, error) {
	if opts.ChecksumAlgorithm != "" {
		if _, err := checksum.Parse(opts.ChecksumAlgorithm); err != nil {
			return nil, err
		}
	}
	upload := storage.UploadMetadata{
		UploadID:          uuid.NewString(),
		Bucket:            bucket,
		Key:               key,
		Initiated:         time.Now().UTC().Truncate(time.Millisecond),
		ContentType:       opts.ContentType,
		Metadata:          opts.Metadata,
		ChecksumAlgorithm: opts.ChecksumAlgorithm,
	}
	if err := e.backend.InitiateUpload(ctx, upload); err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{
		"bucket":    bucket,
		"key":       key,
		"upload_id": upload.UploadID,
	}).Info("multipart upload initiated")
	return &upload, nil
}

// upload loads the upload record and verifies it belongs to bucket/key.
func (e *Engine) upload(ctx context.Context, bucket, key, uploadID string) (*storage.UploadMetadata, error) {
	upload, err := e.backend.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if upload.Bucket != bucket || upload.Key != key {
		return nil, ErrUploadMismatch
	}
	return upload, nil
}

// UploadPart streams one part into the upload, computing the upload's
// declared checksum algorithm plus any extra algorithms the request asked
// for. Re-uploading a part number replaces the previous part.
func (e *Engine) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, extra ...checksum.Algorithm) (*storage.PartInfo, error) {
	if partNumber < MinPartNumber || partNumber > MaxPartNumber {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartNumber, partNumber)
	}
	upload, err := e.upload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}

	var algorithms []checksum.Algorithm
	if upload.ChecksumAlgorithm != "" {
		alg, err := checksum.Parse(upload.ChecksumAlgorithm)
		if err != nil {
			return nil, err
		}
		algorithms = append(algorithms, alg)
	}
	for _, alg := range extra {
		seen := false
		for _, existing := range algorithms {
			if existing == alg {
				seen = true
				break
			}
		}
		if !seen {
			algorithms = append(algorithms, alg)
		}
	}

	part, err := e.backend.StorePart(ctx, uploadID, partNumber, body, algorithms)
	if err != nil {
		return nil, err
	}
	if err := e.backend.RecordPart(ctx, uploadID, *part); err != nil {
		return nil, err
	}
	return part, nil
}

// RemovePart discards a stored part and its record, used when the part fails
// checksum validation after its bytes were already written.
func (e *Engine) RemovePart(ctx context.Context, bucket, key, uploadID string, partNumber int) error {
	if _, err := e.upload(ctx, bucket, key, uploadID); err != nil {
		return err
	}
	return e.backend.DeletePart(ctx, uploadID, partNumber)
}

// UploadPartCopy fills a part from an existing object, optionally restricted
// to a byte range. Range ends beyond the source are rejected, not clamped.
func (e *Engine) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey, rangeSpec string) (*storage.PartInfo, error) {
	if partNumber < MinPartNumber || partNumber > MaxPartNumber {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartNumber, partNumber)
	}
	if _, err := e.upload(ctx, bucket, key, uploadID); err != nil {
		return nil, err
	}

	var src io.ReadCloser
	if rangeSpec == "" {
		rc, _, err := e.backend.GetObject(ctx, srcBucket, srcKey)
		if err != nil {
			return nil, err
		}
		src = rc
	} else {
		srcMeta, err := e.backend.GetObjectMetadata(ctx, srcBucket, srcKey)
		if err != nil {
			return nil, err
		}
		offset, length, err := storage.ParseRangeStrict(rangeSpec, srcMeta.Size)
		if err != nil {
			return nil, err
		}
		rc, err := e.backend.GetObjectRange(ctx, srcBucket, srcKey, offset, length)
		if err != nil {
			return nil, err
		}
		src = rc
	}
	defer src.Close()

	part, err := e.UploadPart(ctx, bucket, key, uploadID, partNumber, src)
	if err != nil {
		return nil, err
	}
	return part, nil
}

// normalizeETag strips surrounding quotes for comparison.
func normalizeETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// Complete validates the requested part list against the stored parts,
// assembles the final object, and removes the upload. Validation order is
// fixed: upload existence, then part ordering, then per-part matching.
func (e *Engine) Complete(ctx context.Context, bucket, key, uploadID string, requested []CompletedPart) (*storage.ObjectMetadata, error) {
	upload, err := e.upload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}

	if len(requested) == 0 {
		return nil, fmt.Errorf("%w: empty part list", ErrInvalidPart)
	}
	for i := 1; i < len(requested); i++ {
		if requested[i].PartNumber <= requested[i-1].PartNumber {
			return nil, ErrInvalidPartOrder
		}
	}

	parts := make([]storage.PartInfo, 0, len(requested))
	for _, req := range requested {
		stored, ok := upload.Part(req.PartNumber)
		if !ok {
			return nil, fmt.Errorf("%w: part %d was not uploaded", ErrInvalidPart, req.PartNumber)
		}
		if normalizeETag(req.ETag) != normalizeETag(stored.ETag) {
			return nil, fmt.Errorf("%w: part %d etag mismatch", ErrInvalidPart, req.PartNumber)
		}
		parts = append(parts, stored)
	}

	compositeETag, err := compositeETag(parts)
	if err != nil {
		return nil, err
	}

	checksums := make(map[string]string)
	if upload.ChecksumAlgorithm != "" {
		alg, err := checksum.Parse(upload.ChecksumAlgorithm)
		if err != nil {
			return nil, err
		}
		values := make([]string, len(parts))
		for i, p := range parts {
			values[i] = p.Checksums[string(alg)]
		}
		composite, err := checksum.Composite(alg, values)
		if err != nil {
			return nil, err
		}
		checksums[string(alg)] = fmt.Sprintf("%s-%d", composite, len(parts))
	}

	body := &partsReader{
		ctx:      ctx,
		backend:  e.backend,
		uploadID: uploadID,
		parts:    parts,
	}
	defer body.Close()

	meta, err := e.backend.PutObject(ctx, bucket, key, body, storage.PutOptions{
		ContentType: upload.ContentType,
		Metadata:    upload.Metadata,
		Checksums:   checksums,
		ETag:        compositeETag,
	})
	if err != nil {
		return nil, err
	}

	if err := e.backend.DeleteParts(ctx, uploadID); err != nil {
		e.logger.WithError(err).WithField("upload_id", uploadID).Warn("failed to delete part data after completion")
	}
	if err := e.backend.DeleteUpload(ctx, uploadID); err != nil {
		e.logger.WithError(err).WithField("upload_id", uploadID).Warn("failed to delete upload record after completion")
	}

	e.logger.WithFields(logrus.Fields{
		"bucket":    bucket,
		"key":       key,
		"upload_id": uploadID,
		"parts":     len(parts),
		"size":      meta.Size,
	}).Info("multipart upload completed")
	return meta, nil
}

// compositeETag is the hex MD5 of the concatenated binary part MD5s,
// suffixed with the part count.
func compositeETag(parts []storage.PartInfo) (string, error) {
	h := md5.New() // #nosec G401
	for _, p := range parts {
		raw, err := hex.DecodeString(normalizeETag(p.ETag))
		if err != nil {
			return "", fmt.Errorf("decoding part %d etag: %w", p.PartNumber, err)
		}
		h.Write(raw)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(parts)), nil
}

// Abort removes the upload's parts and record.
func (e *Engine) Abort(ctx context.Context, bucket, key, uploadID string) error {
	if _, err := e.upload(ctx, bucket, key, uploadID); err != nil {
		return err
	}
	if err := e.backend.DeleteParts(ctx, uploadID); err != nil && !errors.Is(err, storage.ErrNoSuchUpload) {
		return err
	}
	return e.backend.DeleteUpload(ctx, uploadID)
}

// ListParts pages through the upload's recorded parts, ordered by part
// number, starting after partNumberMarker.
func (e *Engine) ListParts(ctx context.Context, bucket, key, uploadID string, partNumberMarker, maxParts int) (parts []storage.PartInfo, isTruncated bool, nextMarker int, err error) {
	upload, err := e.upload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, false, 0, err
	}
	if maxParts <= 0 || maxParts > DefaultMaxParts {
		maxParts = DefaultMaxParts
	}

	for _, p := range upload.Parts {
		if p.PartNumber <= partNumberMarker {
			continue
		}
		if len(parts) == maxParts {
			isTruncated = true
			break
		}
		parts = append(parts, p)
	}
	if len(parts) > 0 {
		nextMarker = parts[len(parts)-1].PartNumber
	}
	return parts, isTruncated, nextMarker, nil
}

// ListUploads returns the in-progress uploads of a bucket ordered by
// initiation time, oldest first.
func (e *Engine) ListUploads(ctx context.Context, bucket string) ([]storage.UploadMetadata, error) {
	uploads, err := e.backend.ListUploads(ctx, bucket)
	if err != nil {
		return nil, err
	}
	sort.Slice(uploads, func(i, j int) bool {
		if !uploads[i].Initiated.Equal(uploads[j].Initiated) {
			return uploads[i].Initiated.Before(uploads[j].Initiated)
		}
		return uploads[i].UploadID < uploads[j].UploadID
	})
	return uploads, nil
}

// Stat summarizes the upload's recorded parts.
func (e *Engine) Stat(ctx context.Context, bucket, key, uploadID string) (*UploadStats, error) {
	upload, err := e.upload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	stats := &UploadStats{
		PartsCount: len(upload.Parts),
		TotalSize:  upload.TotalSize(),
	}
	if n := len(upload.Parts); n > 0 {
		stats.LastPartNumber = upload.Parts[n-1].PartNumber
	}
	return stats, nil
}

// partsReader streams the selected parts one after another, opening each
// part lazily so only one part is held open at a time.
type partsReader struct {
	ctx      context.Context
	backend  storage.Backend
	uploadID string
	parts    []storage.PartInfo
	index    int
	current  io.ReadCloser
}

func (r *partsReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.index >= len(r.parts) {
				return 0, io.EOF
			}
			rc, err := r.backend.GetPart(r.ctx, r.uploadID, r.parts[r.index].PartNumber)
			if err != nil {
				return 0, err
			}
			r.current = rc
			r.index++
		}
		n, err := r.current.Read(p)
		if err == io.EOF {
			if cerr := r.current.Close(); cerr != nil {
				return n, cerr
			}
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *partsReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}
