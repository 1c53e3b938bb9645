// Package memory provides an in-memory storage backend. It is the default
// backend for tests and for running the gateway without persistence.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/s3-storage-gateway/internal/checksum"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

type objectEntry struct {
	meta storage.ObjectMetadata
	data []byte
}

type bucketEntry struct {
	info    storage.BucketInfo
	objects map[string]*objectEntry
}

type uploadEntry struct {
	meta  storage.UploadMetadata
	parts map[int][]byte
}

// Backend keeps buckets, objects and multipart state in process memory.
type Backend struct {
	mu      sync.RWMutex
	buckets map[string]*bucketEntry
	uploads map[string]*uploadEntry
	logger  *logrus.Entry
}

// New creates an empty in-memory backend.
func New(logger *logrus.Entry) *Backend {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Backend{
		buckets: make(map[string]*bucketEntry),
		uploads: make(map[string]*uploadEntry),
		logger:  logger.WithField("backend", "memory"),
	}
}

var _ storage.Backend = (*Backend)(nil)

func (b *Backend) CreateBucket(_ context.Context, info storage.BucketInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buckets[info.Name]; ok {
		return storage.ErrBucketExists
	}
	b.buckets[info.Name] = &bucketEntry{
		info:    info,
		objects: make(map[string]*objectEntry),
	}
	return nil
}

func (b *Backend) GetBucket(_ context.Context, name string) (*storage.BucketInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.buckets[name]
	if !ok {
		return nil, storage.ErrNoSuchBucket
	}
	info := entry.info
	return &info, nil
}

func (b *Backend) ListBuckets(_ context.Context) ([]storage.BucketInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]storage.BucketInfo, 0, len(b.buckets))
	for _, entry := range b.buckets {
		out = append(out, entry.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) DeleteBucket(_ context.Context, name string, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.buckets[name]
	if !ok {
		return storage.ErrNoSuchBucket
	}
	if len(entry.objects) > 0 && !force {
		return storage.ErrBucketNotEmpty
	}
	delete(b.buckets, name)
	return nil
}

func (b *Backend) BucketExists(_ context.Context, name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.buckets[name]
	return ok, nil
}

func (b *Backend) UpdateBucketTags(_ context.Context, name string, tags map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.buckets[name]
	if !ok {
		return storage.ErrNoSuchBucket
	}
	entry.info.Tags = tags
	return nil
}

func (b *Backend) PutObject(_ context.Context, bucket, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectMetadata, error) {
	b.mu.RLock()
	_, ok := b.buckets[bucket]
	b.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNoSuchBucket
	}

	hr := storage.NewHashingReader(body, opts.ChecksumAlgorithms)
	data, err := io.ReadAll(hr)
	if err != nil {
		return nil, err
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

	meta := storage.ObjectMetadata{
		Key:          key,
		BucketName:   bucket,
		Size:         int64(len(data)),
		LastModified: time.Now().UTC().Truncate(time.Millisecond),
		ETag:         etag,
		ContentType:  opts.ContentType,
		Metadata:     opts.Metadata,
		Checksums:    checksums,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.buckets[bucket]
	if !ok {
		return nil, storage.ErrNoSuchBucket
	}
	entry.objects[key] = &objectEntry{meta: meta, data: data}
	out := meta
	return &out, nil
}

func (b *Backend) getObjectEntry(bucket, key string) (*objectEntry, error) {
	entry, ok := b.buckets[bucket]
	if !ok {
		return nil, storage.ErrNoSuchBucket
	}
	obj, ok := entry.objects[key]
	if !ok {
		return nil, storage.ErrNoSuchKey
	}
	return obj, nil
}

func (b *Backend) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, *storage.ObjectMetadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, err := b.getObjectEntry(bucket, key)
	if err != nil {
		return nil, nil, err
	}
	meta := obj.meta
	return io.NopCloser(bytes.NewReader(obj.data)), &meta, nil
}

func (b *Backend) GetObjectRange(_ context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, err := b.getObjectEntry(bucket, key)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= int64(len(obj.data)) {
		return nil, storage.ErrInvalidRange
	}
	end := offset + length
	if end > int64(len(obj.data)) {
		end = int64(len(obj.data))
	}
	return io.NopCloser(bytes.NewReader(obj.data[offset:end])), nil
}

func (b *Backend) GetObjectMetadata(_ context.Context, bucket, key string) (*storage.ObjectMetadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, err := b.getObjectEntry(bucket, key)
	if err != nil {
		return nil, err
	}
	meta := obj.meta
	return &meta, nil
}

func (b *Backend) DeleteObject(_ context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.buckets[bucket]
	if !ok {
		return storage.ErrNoSuchBucket
	}
	delete(entry.objects, key)
	return nil
}

func (b *Backend) ObjectExists(_ context.Context, bucket, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.buckets[bucket]
	if !ok {
		return false, storage.ErrNoSuchBucket
	}
	_, ok = entry.objects[key]
	return ok, nil
}

func (b *Backend) ListObjectMetadata(_ context.Context, bucket string) ([]storage.ObjectMetadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.buckets[bucket]
	if !ok {
		return nil, storage.ErrNoSuchBucket
	}
	out := make([]storage.ObjectMetadata, 0, len(entry.objects))
	for _, obj := range entry.objects {
		out = append(out, obj.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *Backend) InitiateUpload(_ context.Context, upload storage.UploadMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buckets[upload.Bucket]; !ok {
		return storage.ErrNoSuchBucket
	}
	b.uploads[upload.UploadID] = &uploadEntry{
		meta:  upload,
		parts: make(map[int][]byte),
	}
	return nil
}

func (b *Backend) GetUpload(_ context.Context, uploadID string) (*storage.UploadMetadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.uploads[uploadID]
	if !ok {
		return nil, storage.ErrNoSuchUpload
	}
	meta := entry.meta
	meta.Parts = append([]storage.PartInfo(nil), entry.meta.Parts...)
	return &meta, nil
}

func (b *Backend) ListUploads(_ context.Context, bucket string) ([]storage.UploadMetadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []storage.UploadMetadata
	for _, entry := range b.uploads {
		if entry.meta.Bucket == bucket {
			out = append(out, entry.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].UploadID < out[j].UploadID
	})
	return out, nil
}

func (b *Backend) DeleteUpload(_ context.Context, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.uploads[uploadID]; !ok {
		return storage.ErrNoSuchUpload
	}
	delete(b.uploads, uploadID)
	return nil
}

func (b *Backend) StorePart(_ context.Context, uploadID string, partNumber int, body io.Reader, algorithms []checksum.Algorithm) (*storage.PartInfo, error) {
	b.mu.RLock()
	_, ok := b.uploads[uploadID]
	b.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNoSuchUpload
	}

	hr := storage.NewHashingReader(body, algorithms)
	data, err := io.ReadAll(hr)
	if err != nil {
		return nil, err
	}
	part := storage.PartInfo{
		PartNumber:   partNumber,
		ETag:         hr.ETag(),
		Size:         int64(len(data)),
		LastModified: time.Now().UTC().Truncate(time.Millisecond),
		Checksums:    hr.Checksums(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.uploads[uploadID]
	if !ok {
		return nil, storage.ErrNoSuchUpload
	}
	entry.parts[partNumber] = data
	out := part
	return &out, nil
}

func (b *Backend) RecordPart(_ context.Context, uploadID string, part storage.PartInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.uploads[uploadID]
	if !ok {
		return storage.ErrNoSuchUpload
	}
	entry.meta.SetPart(part)
	return nil
}

func (b *Backend) GetPart(_ context.Context, uploadID string, partNumber int) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.uploads[uploadID]
	if !ok {
		return nil, storage.ErrNoSuchUpload
	}
	data, ok := entry.parts[partNumber]
	if !ok {
		return nil, storage.ErrNoSuchPart
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Backend) ListStoredParts(_ context.Context, uploadID string) ([]storage.PartInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.uploads[uploadID]
	if !ok {
		return nil, storage.ErrNoSuchUpload
	}
	return append([]storage.PartInfo(nil), entry.meta.Parts...), nil
}

func (b *Backend) DeletePart(_ context.Context, uploadID string, partNumber int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.uploads[uploadID]
	if !ok {
		return storage.ErrNoSuchUpload
	}
	delete(entry.parts, partNumber)
	entry.meta.DropPart(partNumber)
	return nil
}

func (b *Backend) DeleteParts(_ context.Context, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.uploads[uploadID]
	if !ok {
		return storage.ErrNoSuchUpload
	}
	entry.parts = make(map[int][]byte)
	return nil
}

// ListOrphanedObjectMetadata never reports orphans: in-memory metadata and
// data live in the same record and cannot diverge.
func (b *Backend) ListOrphanedObjectMetadata(_ context.Context, _ int) ([]storage.ObjectRef, error) {
	return nil, nil
}

func (b *Backend) PurgeObjectMetadata(_ context.Context, bucket, key string) error {
	return b.DeleteObject(context.Background(), bucket, key)
}
