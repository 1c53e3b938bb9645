package storage

import (
	"context"
	"io"

	"github.com/guided-traffic/s3-storage-gateway/internal/checksum"
)

// PutOptions controls a streaming object write.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string

	// ChecksumAlgorithms are computed in flight and persisted with the
	// object's metadata.
	ChecksumAlgorithms []checksum.Algorithm

	// Checksums are precomputed values stored verbatim (used by copy and by
	// multipart completion, where the composite value is not recomputable
	// from the byte stream).
	Checksums map[string]string

	// ETag, when non-empty, overrides the MD5 ETag computed from the body.
	// Multipart completion uses it to store the composite ETag.
	ETag string
}

// ObjectRef identifies an object without carrying its metadata.
type ObjectRef struct {
	Bucket string
	Key    string
}

// Backend is the storage substrate the gateway runs on. Implementations are
// safe for concurrent use; the filesystem implementation additionally
// serializes per-path access through the path lock registry.
type Backend interface {
	// Buckets.
	CreateBucket(ctx context.Context, info BucketInfo) error
	GetBucket(ctx context.Context, name string) (*BucketInfo, error)
	ListBuckets(ctx context.Context) ([]BucketInfo, error)
	DeleteBucket(ctx context.Context, name string, force bool) error
	BucketExists(ctx context.Context, name string) (bool, error)
	UpdateBucketTags(ctx context.Context, name string, tags map[string]string) error

	// Objects. PutObject consumes body to completion, computing the MD5 ETag
	// and any requested checksums in flight.
	PutObject(ctx context.Context, bucket, key string, body io.Reader, opts PutOptions) (*ObjectMetadata, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *ObjectMetadata, error)
	GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)
	GetObjectMetadata(ctx context.Context, bucket, key string) (*ObjectMetadata, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// ListObjectMetadata returns every object in the bucket ordered by key
	// (code-point order). Listing pagination and delimiter rollup are layered
	// on top by the gateway.
	ListObjectMetadata(ctx context.Context, bucket string) ([]ObjectMetadata, error)

	// Multipart uploads.
	InitiateUpload(ctx context.Context, upload UploadMetadata) error
	GetUpload(ctx context.Context, uploadID string) (*UploadMetadata, error)
	ListUploads(ctx context.Context, bucket string) ([]UploadMetadata, error)
	DeleteUpload(ctx context.Context, uploadID string) error

	// Parts. StorePart streams part bytes to storage; RecordPart serializes
	// the mutation of the upload's part list (concurrent part uploads race on
	// it) and retries internally on lock contention.
	StorePart(ctx context.Context, uploadID string, partNumber int, body io.Reader, algorithms []checksum.Algorithm) (*PartInfo, error)
	RecordPart(ctx context.Context, uploadID string, part PartInfo) error
	GetPart(ctx context.Context, uploadID string, partNumber int) (io.ReadCloser, error)
	ListStoredParts(ctx context.Context, uploadID string) ([]PartInfo, error)
	// DeletePart removes one part's data and its record, used when a stored
	// part fails validation after the fact.
	DeletePart(ctx context.Context, uploadID string, partNumber int) error
	DeleteParts(ctx context.Context, uploadID string) error

	// Cleanup support. ListOrphanedObjectMetadata reports metadata records
	// whose object data is gone; PurgeObjectMetadata removes one record.
	ListOrphanedObjectMetadata(ctx context.Context, limit int) ([]ObjectRef, error)
	PurgeObjectMetadata(ctx context.Context, bucket, key string) error
}
