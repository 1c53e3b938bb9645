package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"

	"github.com/guided-traffic/s3-storage-gateway/internal/pathlock"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

func (b *Backend) CreateBucket(ctx context.Context, info storage.BucketInfo) error {
	return b.locks.DoWrite(ctx, bucketLockKey(info.Name), pathlock.DefaultAcquireTimeout, func(ctx context.Context) error {
		dataPath, err := b.bucketDataPath(info.Name)
		if err != nil {
			return err
		}
		if _, err := os.Stat(dataPath); err == nil {
			return storage.ErrBucketExists
		}
		if err := os.MkdirAll(dataPath, dirMode); err != nil {
			return err
		}
		metaPath, err := b.bucketMetaPath(info.Name)
		if err != nil {
			return err
		}
		return writeJSONAtomic(metaPath, info)
	})
}

func (b *Backend) GetBucket(ctx context.Context, name string) (*storage.BucketInfo, error) {
	var info storage.BucketInfo
	err := b.locks.DoRead(ctx, bucketLockKey(name), pathlock.DefaultAcquireTimeout, func(ctx context.Context) error {
		got, err := b.loadBucketInfo(name)
		if err != nil {
			return err
		}
		info = *got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// loadBucketInfo reads the bucket's metadata record, re-synthesizing it with
// defaults when the data directory exists but the record is gone.
func (b *Backend) loadBucketInfo(name string) (*storage.BucketInfo, error) {
	dataPath, err := b.bucketDataPath(name)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNoSuchBucket
		}
		return nil, err
	}

	metaPath, err := b.bucketMetaPath(name)
	if err != nil {
		return nil, err
	}
	var info storage.BucketInfo
	if err := readJSON(metaPath, &info); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		b.logger.WithField("bucket", name).Warn("bucket metadata missing, re-synthesizing defaults")
		info = storage.DefaultBucketInfo(name, stat.ModTime())
		if err := writeJSONAtomic(metaPath, info); err != nil {
			return nil, err
		}
	}
	return &info, nil
}

func (b *Backend) ListBuckets(ctx context.Context) ([]storage.BucketInfo, error) {
	entries, err := os.ReadDir(b.dataRoot)
	if err != nil {
		return nil, err
	}
	out := make([]storage.BucketInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := b.GetBucket(ctx, entry.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) DeleteBucket(ctx context.Context, name string, force bool) error {
	return b.locks.DoWrite(ctx, bucketLockKey(name), pathlock.DefaultAcquireTimeout, func(ctx context.Context) error {
		dataPath, err := b.bucketDataPath(name)
		if err != nil {
			return err
		}
		if _, err := os.Stat(dataPath); err != nil {
			if os.IsNotExist(err) {
				return storage.ErrNoSuchBucket
			}
			return err
		}
		if !force {
			empty, err := dirIsEmpty(dataPath)
			if err != nil {
				return err
			}
			if !empty {
				return storage.ErrBucketNotEmpty
			}
		}
		if err := os.RemoveAll(dataPath); err != nil {
			return err
		}
		metaPath, err := b.bucketMetaPath(name)
		if err != nil {
			return err
		}
		if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		metaDir, err := safeJoin(b.metaRoot, name)
		if err != nil {
			return err
		}
		return os.RemoveAll(metaDir)
	})
}

func dirIsEmpty(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

func (b *Backend) BucketExists(_ context.Context, name string) (bool, error) {
	dataPath, err := b.bucketDataPath(name)
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
	return stat.IsDir(), nil
}

func (b *Backend) UpdateBucketTags(ctx context.Context, name string, tags map[string]string) error {
	return b.locks.DoWrite(ctx, bucketLockKey(name), pathlock.DefaultAcquireTimeout, func(ctx context.Context) error {
		info, err := b.loadBucketInfo(name)
		if err != nil {
			return err
		}
		info.Tags = tags
		metaPath, err := b.bucketMetaPath(name)
		if err != nil {
			return err
		}
		return writeJSONAtomic(metaPath, info)
	})
}
