package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/guided-traffic/s3-storage-gateway/internal/checksum"
	"github.com/guided-traffic/s3-storage-gateway/internal/pathlock"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

const (
	recordPartMaxRetries  = 10
	recordPartBaseBackoff = 100 * time.Millisecond
	recordPartMaxBackoff  = time.Second
)

func (b *Backend) InitiateUpload(ctx context.Context, upload storage.UploadMetadata) error {
	exists, err := b.BucketExists(ctx, upload.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrNoSuchBucket
	}
	return b.locks.DoWrite(ctx, uploadLockKey(upload.UploadID), pathlock.DefaultAcquireTimeout, func(ctx context.Context) error {
		dir, err := b.uploadDir(upload.UploadID)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return err
		}
		return writeJSONAtomic(filepath.Join(dir, uploadMetaFile), upload)
	})
}

func (b *Backend) GetUpload(ctx context.Context, uploadID string) (*storage.UploadMetadata, error) {
	var upload storage.UploadMetadata
	err := b.locks.DoRead(ctx, uploadLockKey(uploadID), pathlock.MetadataAcquireTimeout, func(ctx context.Context) error {
		return b.readUploadMeta(uploadID, &upload)
	})
	if err != nil {
		return nil, err
	}
	return &upload, nil
}

func (b *Backend) readUploadMeta(uploadID string, upload *storage.UploadMetadata) error {
	dir, err := b.uploadDir(uploadID)
	if err != nil {
		return err
	}
	if err := readJSON(filepath.Join(dir, uploadMetaFile), upload); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNoSuchUpload
		}
		return err
	}
	return nil
}

func (b *Backend) ListUploads(ctx context.Context, bucket string) ([]storage.UploadMetadata, error) {
	root := filepath.Join(b.metaRoot, multipartMetaDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []storage.UploadMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		upload, err := b.GetUpload(ctx, entry.Name())
		if err != nil {
			if errors.Is(err, storage.ErrNoSuchUpload) {
				continue
			}
			return nil, err
		}
		if bucket == "" || upload.Bucket == bucket {
			out = append(out, *upload)
		}
	}
	return out, nil
}

func (b *Backend) DeleteUpload(ctx context.Context, uploadID string) error {
	return b.locks.DoWrite(ctx, uploadLockKey(uploadID), pathlock.DefaultAcquireTimeout, func(ctx context.Context) error {
		dir, err := b.uploadDir(uploadID)
		if err != nil {
			return err
		}
		if _, err := os.Stat(dir); err != nil {
			if os.IsNotExist(err) {
				return storage.ErrNoSuchUpload
			}
			return err
		}
		return os.RemoveAll(dir)
	})
}

func partFileName(partNumber int) string {
	return fmt.Sprintf("part_%d", partNumber)
}

func (b *Backend) StorePart(ctx context.Context, uploadID string, partNumber int, body io.Reader, algorithms []checksum.Algorithm) (*storage.PartInfo, error) {
	dir, err := b.uploadDir(uploadID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNoSuchUpload
		}
		return nil, err
	}

	// Parts are written without holding the upload lock so concurrent part
	// uploads stream in parallel; only the metadata update serializes.
	path := filepath.Join(dir, partFileName(partNumber))
	tmp := path + ".tmp." + uuid.NewString()[:8]
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return nil, err
	}
	hr := storage.NewHashingReader(body, algorithms)
	if _, err := io.Copy(f, hr); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, err
	}

	return &storage.PartInfo{
		PartNumber:   partNumber,
		ETag:         hr.ETag(),
		Size:         hr.Size(),
		LastModified: time.Now().UTC().Truncate(time.Millisecond),
		Checksums:    hr.Checksums(),
	}, nil
}

// RecordPart merges a part record into the upload's metadata document.
// Concurrent part uploads contend on the upload lock, so acquisition uses the
// short metadata timeout and retries with jittered backoff.
func (b *Backend) RecordPart(ctx context.Context, uploadID string, part storage.PartInfo) error {
	var lastErr error
	for attempt := 0; attempt < recordPartMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := recordPartBaseBackoff << uint(attempt-1)
			if backoff > recordPartMaxBackoff {
				backoff = recordPartMaxBackoff
			}
			backoff += time.Duration(rand.Int63n(int64(recordPartBaseBackoff)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = b.locks.DoWrite(ctx, uploadLockKey(uploadID), pathlock.MetadataAcquireTimeout, func(ctx context.Context) error {
			var upload storage.UploadMetadata
			if err := b.readUploadMeta(uploadID, &upload); err != nil {
				return err
			}
			upload.SetPart(part)
			dir, err := b.uploadDir(uploadID)
			if err != nil {
				return err
			}
			return writeJSONAtomic(filepath.Join(dir, uploadMetaFile), upload)
		})
		if lastErr == nil || !errors.Is(lastErr, pathlock.ErrTimeout) {
			return lastErr
		}
		b.logger.WithFields(map[string]interface{}{
			"upload_id":   uploadID,
			"part_number": part.PartNumber,
			"attempt":     attempt + 1,
		}).Debug("part record contention, retrying")
	}
	return fmt.Errorf("recording part %d of upload %s: %w", part.PartNumber, uploadID, lastErr)
}

func (b *Backend) GetPart(ctx context.Context, uploadID string, partNumber int) (io.ReadCloser, error) {
	handle, err := b.locks.AcquireRead(ctx, uploadLockKey(uploadID), pathlock.DefaultAcquireTimeout)
	if err != nil {
		return nil, err
	}
	dir, err := b.uploadDir(uploadID)
	if err != nil {
		handle.Release()
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		handle.Release()
		if os.IsNotExist(err) {
			return nil, storage.ErrNoSuchUpload
		}
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, partFileName(partNumber)))
	if err != nil {
		handle.Release()
		if os.IsNotExist(err) {
			return nil, storage.ErrNoSuchPart
		}
		return nil, err
	}
	return &lockedReadCloser{ReadCloser: f, handle: handle}, nil
}

func (b *Backend) ListStoredParts(ctx context.Context, uploadID string) ([]storage.PartInfo, error) {
	upload, err := b.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return upload.Parts, nil
}

// DeletePart removes one part's data file and drops it from the upload's part
// list.
func (b *Backend) DeletePart(ctx context.Context, uploadID string, partNumber int) error {
	return b.locks.DoWrite(ctx, uploadLockKey(uploadID), pathlock.DefaultAcquireTimeout, func(ctx context.Context) error {
		var upload storage.UploadMetadata
		if err := b.readUploadMeta(uploadID, &upload); err != nil {
			return err
		}
		dir, err := b.uploadDir(uploadID)
		if err != nil {
			return err
		}
		if err := os.Remove(filepath.Join(dir, partFileName(partNumber))); err != nil && !os.IsNotExist(err) {
			return err
		}
		upload.DropPart(partNumber)
		return writeJSONAtomic(filepath.Join(dir, uploadMetaFile), upload)
	})
}

// DeleteParts removes part data files but keeps the upload record, used by
// completion before the record itself is deleted.
func (b *Backend) DeleteParts(ctx context.Context, uploadID string) error {
	return b.locks.DoWrite(ctx, uploadLockKey(uploadID), pathlock.DefaultAcquireTimeout, func(ctx context.Context) error {
		dir, err := b.uploadDir(uploadID)
		if err != nil {
			return err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return storage.ErrNoSuchUpload
			}
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || entry.Name() == uploadMetaFile {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	})
}
