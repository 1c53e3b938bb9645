package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guided-traffic/s3-storage-gateway/internal/pathlock"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

// lockedReadCloser holds the object's read lock for as long as the body is
// being streamed and releases it on Close.
type lockedReadCloser struct {
	io.ReadCloser
	handle *pathlock.Handle
}

func (l *lockedReadCloser) Close() error {
	err := l.ReadCloser.Close()
	l.handle.Release()
	return err
}

func (b *Backend) PutObject(ctx context.Context, bucket, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectMetadata, error) {
	exists, err := b.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, storage.ErrNoSuchBucket
	}

	var meta storage.ObjectMetadata
	err = b.locks.DoWrite(ctx, objectLockKey(bucket, key), pathlock.DefaultAcquireTimeout, func(ctx context.Context) error {
		dataPath, err := b.objectDataPath(bucket, key)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dataPath), dirMode); err != nil {
			return err
		}

		// Stream the body to a temp file, hashing in flight, then rename.
		tmp := dataPath + ".tmp." + uuid.NewString()[:8]
		f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
		if err != nil {
			return err
		}
		hr := storage.NewHashingReader(body, opts.ChecksumAlgorithms)
		if _, err := io.Copy(f, hr); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, dataPath); err != nil {
			os.Remove(tmp)
			return err
		}

		etag := opts.ETag
		if etag == "" {
			etag = hr.ETag()
		}
		checksums := hr.Checksums()
		for name, value := range opts.Checksums {
			if checksums == nil {
				checksums = make(map[string]string)
			}
			checksums[name] = value
		}
		meta = storage.ObjectMetadata{
			Key:          key,
			BucketName:   bucket,
			Size:         hr.Size(),
			LastModified: time.Now().UTC().Truncate(time.Millisecond),
			ETag:         etag,
			ContentType:  opts.ContentType,
			Metadata:     opts.Metadata,
			Checksums:    checksums,
		}
		metaPath, err := b.objectMetaPath(bucket, key)
		if err != nil {
			return err
		}
		return writeJSONAtomic(metaPath, meta)
	})
	if err != nil {
		return nil, err
	}
	out := meta
	return &out, nil
}

func (b *Backend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *storage.ObjectMetadata, error) {
	handle, err := b.locks.AcquireRead(ctx, objectLockKey(bucket, key), pathlock.DefaultAcquireTimeout)
	if err != nil {
		return nil, nil, err
	}
	meta, err := b.loadObjectMeta(ctx, bucket, key)
	if err != nil {
		handle.Release()
		return nil, nil, err
	}
	dataPath, err := b.objectDataPath(bucket, key)
	if err != nil {
		handle.Release()
		return nil, nil, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		handle.Release()
		if os.IsNotExist(err) {
			return nil, nil, storage.ErrNoSuchKey
		}
		return nil, nil, err
	}
	return &lockedReadCloser{ReadCloser: f, handle: handle}, meta, nil
}

func (b *Backend) GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	handle, err := b.locks.AcquireRead(ctx, objectLockKey(bucket, key), pathlock.DefaultAcquireTimeout)
	if err != nil {
		return nil, err
	}
	dataPath, err := b.objectDataPath(bucket, key)
	if err != nil {
		handle.Release()
		return nil, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		handle.Release()
		if os.IsNotExist(err) {
			return nil, storage.ErrNoSuchKey
		}
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		handle.Release()
		return nil, err
	}
	if offset < 0 || offset >= stat.Size() {
		f.Close()
		handle.Release()
		return nil, storage.ErrInvalidRange
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		handle.Release()
		return nil, err
	}
	return &lockedReadCloser{
		ReadCloser: struct {
			io.Reader
			io.Closer
		}{io.LimitReader(f, length), f},
		handle: handle,
	}, nil
}

func (b *Backend) GetObjectMetadata(ctx context.Context, bucket, key string) (*storage.ObjectMetadata, error) {
	var meta *storage.ObjectMetadata
	err := b.locks.DoRead(ctx, objectLockKey(bucket, key), pathlock.MetadataAcquireTimeout, func(ctx context.Context) error {
		got, err := b.loadObjectMeta(ctx, bucket, key)
		if err != nil {
			return err
		}
		meta = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// loadObjectMeta reads the object's metadata record. When the record is
// missing but the data file exists, it is rebuilt by re-hashing the data.
// Callers must hold the object's lock.
func (b *Backend) loadObjectMeta(ctx context.Context, bucket, key string) (*storage.ObjectMetadata, error) {
	exists, err := b.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, storage.ErrNoSuchBucket
	}

	metaPath, err := b.objectMetaPath(bucket, key)
	if err != nil {
		return nil, err
	}
	var meta storage.ObjectMetadata
	if err := readJSON(metaPath, &meta); err == nil {
		return &meta, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	dataPath, err := b.objectDataPath(bucket, key)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNoSuchKey
		}
		return nil, err
	}

	b.logger.WithFields(map[string]interface{}{
		"bucket": bucket,
		"key":    key,
	}).Warn("object metadata missing, rebuilding from data file")
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, err
	}
	hr := storage.NewHashingReader(f, nil)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		f.Close()
		return nil, err
	}
	f.Close()
	meta = storage.ObjectMetadata{
		Key:          key,
		BucketName:   bucket,
		Size:         stat.Size(),
		LastModified: stat.ModTime().UTC().Truncate(time.Millisecond),
		ETag:         hr.ETag(),
	}
	if err := writeJSONAtomic(metaPath, meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (b *Backend) DeleteObject(ctx context.Context, bucket, key string) error {
	exists, err := b.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrNoSuchBucket
	}
	return b.locks.DoWrite(ctx, objectLockKey(bucket, key), pathlock.DefaultAcquireTimeout, func(ctx context.Context) error {
		dataPath, err := b.objectDataPath(bucket, key)
		if err != nil {
			return err
		}
		if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		metaPath, err := b.objectMetaPath(bucket, key)
		if err != nil {
			return err
		}
		if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		b.pruneEmptyDirs(filepath.Dir(dataPath), b.dataRoot)
		b.pruneEmptyDirs(filepath.Dir(metaPath), b.metaRoot)
		return nil
	})
}

// pruneEmptyDirs removes now-empty key prefix directories up to, but not
// including, the bucket directory.
func (b *Backend) pruneEmptyDirs(dir, root string) {
	bucketDepth := strings.Count(filepath.Clean(root), string(filepath.Separator)) + 1
	for strings.Count(filepath.Clean(dir), string(filepath.Separator)) > bucketDepth {
		empty, err := dirIsEmpty(dir)
		if err != nil || !empty {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (b *Backend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	exists, err := b.BucketExists(ctx, bucket)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, storage.ErrNoSuchBucket
	}
	dataPath, err := b.objectDataPath(bucket, key)
	if err != nil {
		return false, err
	}
	stat, err := os.Stat(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !stat.IsDir(), nil
}

func (b *Backend) ListObjectMetadata(ctx context.Context, bucket string) ([]storage.ObjectMetadata, error) {
	exists, err := b.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, storage.ErrNoSuchBucket
	}
	bucketPath, err := b.bucketDataPath(bucket)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(bucketPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketPath, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	out := make([]storage.ObjectMetadata, 0, len(keys))
	for _, key := range keys {
		meta, err := b.GetObjectMetadata(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		out = append(out, *meta)
	}
	return out, nil
}

// ListOrphanedObjectMetadata walks the metadata root looking for object
// records whose data file no longer exists.
func (b *Backend) ListOrphanedObjectMetadata(ctx context.Context, limit int) ([]storage.ObjectRef, error) {
	var orphans []storage.ObjectRef
	entries, err := os.ReadDir(b.metaRoot)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == bucketMetaDir || entry.Name() == multipartMetaDir {
			continue
		}
		bucket := entry.Name()
		bucketMetaPath := filepath.Join(b.metaRoot, bucket)
		err := filepath.WalkDir(bucketMetaPath, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, metaSuffix) {
				return nil
			}
			if limit > 0 && len(orphans) >= limit {
				return filepath.SkipAll
			}
			rel, err := filepath.Rel(bucketMetaPath, path)
			if err != nil {
				return err
			}
			key := strings.TrimSuffix(filepath.ToSlash(rel), metaSuffix)
			exists, err := b.ObjectExists(ctx, bucket, key)
			if err != nil && !errors.Is(err, storage.ErrNoSuchBucket) {
				return err
			}
			if !exists {
				orphans = append(orphans, storage.ObjectRef{Bucket: bucket, Key: key})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(orphans) >= limit {
			break
		}
	}
	return orphans, nil
}

func (b *Backend) PurgeObjectMetadata(ctx context.Context, bucket, key string) error {
	return b.locks.DoWrite(ctx, objectLockKey(bucket, key), pathlock.MetadataAcquireTimeout, func(ctx context.Context) error {
		metaPath, err := b.objectMetaPath(bucket, key)
		if err != nil {
			return err
		}
		if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		b.pruneEmptyDirs(filepath.Dir(metaPath), b.metaRoot)
		return nil
	})
}
