package multipart

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage/memory"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	backend := memory.New(nil)
	require.NoError(t, backend.CreateBucket(context.Background(), storage.DefaultBucketInfo("test-bucket", time.Now())))
	return NewEngine(backend, nil)
}

func TestInitiateAndUploadParts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	upload, err := e.Initiate(ctx, "test-bucket", "big.bin", InitiateOptions{ContentType: "application/octet-stream"})
	require.NoError(t, err)
	require.NotEmpty(t, upload.UploadID)

	part, err := e.UploadPart(ctx, "test-bucket", "big.bin", upload.UploadID, 1, strings.NewReader("Part 1 "))
	require.NoError(t, err)
	assert.Equal(t, 1, part.PartNumber)
	assert.Equal(t, int64(7), part.Size)
	assert.NotEmpty(t, part.ETag)

	_, err = e.UploadPart(ctx, "test-bucket", "big.bin", upload.UploadID, 0, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidPartNumber)
	_, err = e.UploadPart(ctx, "test-bucket", "big.bin", upload.UploadID, 10001, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidPartNumber)

	_, err = e.UploadPart(ctx, "test-bucket", "other.bin", upload.UploadID, 1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUploadMismatch)

	_, err = e.UploadPart(ctx, "test-bucket", "big.bin", "no-such-upload", 1, strings.NewReader("x"))
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)
}

func TestCompleteTwoParts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	upload, err := e.Initiate(ctx, "test-bucket", "big.bin", InitiateOptions{})
	require.NoError(t, err)

	p1, err := e.UploadPart(ctx, "test-bucket", "big.bin", upload.UploadID, 1, strings.NewReader("Part 1 "))
	require.NoError(t, err)
	p2, err := e.UploadPart(ctx, "test-bucket", "big.bin", upload.UploadID, 2, strings.NewReader("Part 2"))
	require.NoError(t, err)

	meta, err := e.Complete(ctx, "test-bucket", "big.bin", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: p2.ETag},
	})
	require.NoError(t, err)
	assert.Equal(t, "b7caaed650906202e60ccf15bf1e5806-2", meta.ETag)
	assert.Equal(t, int64(13), meta.Size)

	rc, _, err := e.backend.GetObject(ctx, "test-bucket", "big.bin")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "Part 1 Part 2", string(body))

	// Completion removes the upload.
	_, err = e.backend.GetUpload(ctx, upload.UploadID)
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)
}

func TestCompleteValidationOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	upload, err := e.Initiate(ctx, "test-bucket", "k", InitiateOptions{})
	require.NoError(t, err)
	p1, err := e.UploadPart(ctx, "test-bucket", "k", upload.UploadID, 1, strings.NewReader("aaaa"))
	require.NoError(t, err)
	p2, err := e.UploadPart(ctx, "test-bucket", "k", upload.UploadID, 2, strings.NewReader("bbbb"))
	require.NoError(t, err)

	// Unknown upload trumps everything.
	_, err = e.Complete(ctx, "test-bucket", "k", "missing", []CompletedPart{{PartNumber: 2, ETag: "x"}, {PartNumber: 1, ETag: "y"}})
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)

	// Ordering is checked before per-part matching.
	_, err = e.Complete(ctx, "test-bucket", "k", upload.UploadID, []CompletedPart{
		{PartNumber: 2, ETag: "bogus"},
		{PartNumber: 1, ETag: "bogus"},
	})
	assert.ErrorIs(t, err, ErrInvalidPartOrder)

	// Duplicate part numbers are an ordering violation.
	_, err = e.Complete(ctx, "test-bucket", "k", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 1, ETag: p1.ETag},
	})
	assert.ErrorIs(t, err, ErrInvalidPartOrder)

	// ETag mismatch.
	_, err = e.Complete(ctx, "test-bucket", "k", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: "deadbeefdeadbeefdeadbeefdeadbeef"},
		{PartNumber: 2, ETag: p2.ETag},
	})
	assert.ErrorIs(t, err, ErrInvalidPart)

	// Never-uploaded part.
	_, err = e.Complete(ctx, "test-bucket", "k", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 3, ETag: p1.ETag},
	})
	assert.ErrorIs(t, err, ErrInvalidPart)
}

func TestCompleteAcceptsQuotedETags(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	upload, err := e.Initiate(ctx, "test-bucket", "k", InitiateOptions{})
	require.NoError(t, err)
	p1, err := e.UploadPart(ctx, "test-bucket", "k", upload.UploadID, 1, strings.NewReader("data"))
	require.NoError(t, err)

	_, err = e.Complete(ctx, "test-bucket", "k", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: `"` + p1.ETag + `"`},
	})
	require.NoError(t, err)
}

func TestCompleteSubsetOfParts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	upload, err := e.Initiate(ctx, "test-bucket", "k", InitiateOptions{})
	require.NoError(t, err)
	p1, err := e.UploadPart(ctx, "test-bucket", "k", upload.UploadID, 1, strings.NewReader("keep "))
	require.NoError(t, err)
	_, err = e.UploadPart(ctx, "test-bucket", "k", upload.UploadID, 2, strings.NewReader("drop"))
	require.NoError(t, err)
	p3, err := e.UploadPart(ctx, "test-bucket", "k", upload.UploadID, 3, strings.NewReader("keep"))
	require.NoError(t, err)

	// Omitting an uploaded part is allowed; only requested parts are joined.
	meta, err := e.Complete(ctx, "test-bucket", "k", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 3, ETag: p3.ETag},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), meta.Size)

	rc, _, err := e.backend.GetObject(ctx, "test-bucket", "k")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "keep keep", string(body))
}

func TestCompleteWithChecksumAlgorithm(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	upload, err := e.Initiate(ctx, "test-bucket", "k", InitiateOptions{ChecksumAlgorithm: "CRC32"})
	require.NoError(t, err)

	p1, err := e.UploadPart(ctx, "test-bucket", "k", upload.UploadID, 1, strings.NewReader("hello "))
	require.NoError(t, err)
	require.NotEmpty(t, p1.Checksums["CRC32"])
	p2, err := e.UploadPart(ctx, "test-bucket", "k", upload.UploadID, 2, strings.NewReader("world"))
	require.NoError(t, err)

	meta, err := e.Complete(ctx, "test-bucket", "k", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: p2.ETag},
	})
	require.NoError(t, err)
	got := meta.Checksums["CRC32"]
	require.NotEmpty(t, got)
	assert.True(t, strings.HasSuffix(got, "-2"), "composite checksum carries the part count: %s", got)
}

func TestUploadPartCopy(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.backend.PutObject(ctx, "test-bucket", "source.bin", strings.NewReader("0123456789ABCDEFGHIJ"), storage.PutOptions{})
	require.NoError(t, err)

	upload, err := e.Initiate(ctx, "test-bucket", "dest.bin", InitiateOptions{})
	require.NoError(t, err)

	part, err := e.UploadPartCopy(ctx, "test-bucket", "dest.bin", upload.UploadID, 1, "test-bucket", "source.bin", "bytes=5-14")
	require.NoError(t, err)
	assert.Equal(t, int64(10), part.Size)

	rc, err := e.backend.GetPart(ctx, upload.UploadID, 1)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "56789ABCDE", string(body))

	// Whole-object copy.
	part2, err := e.UploadPartCopy(ctx, "test-bucket", "dest.bin", upload.UploadID, 2, "test-bucket", "source.bin", "")
	require.NoError(t, err)
	assert.Equal(t, int64(20), part2.Size)

	// Range beyond the source is rejected, not clamped.
	_, err = e.UploadPartCopy(ctx, "test-bucket", "dest.bin", upload.UploadID, 3, "test-bucket", "source.bin", "bytes=10-100")
	assert.ErrorIs(t, err, storage.ErrInvalidRange)

	_, err = e.UploadPartCopy(ctx, "test-bucket", "dest.bin", upload.UploadID, 3, "test-bucket", "missing", "")
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	upload, err := e.Initiate(ctx, "test-bucket", "k", InitiateOptions{})
	require.NoError(t, err)
	_, err = e.UploadPart(ctx, "test-bucket", "k", upload.UploadID, 1, strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, e.Abort(ctx, "test-bucket", "k", upload.UploadID))
	err = e.Abort(ctx, "test-bucket", "k", upload.UploadID)
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)
}

func TestListParts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	upload, err := e.Initiate(ctx, "test-bucket", "k", InitiateOptions{})
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err = e.UploadPart(ctx, "test-bucket", "k", upload.UploadID, i, strings.NewReader("x"))
		require.NoError(t, err)
	}

	parts, truncated, next, err := e.ListParts(ctx, "test-bucket", "k", upload.UploadID, 0, 2)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.True(t, truncated)
	assert.Equal(t, 2, next)

	parts, truncated, next, err = e.ListParts(ctx, "test-bucket", "k", upload.UploadID, next, 0)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.False(t, truncated)
	assert.Equal(t, 5, next)
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	upload, err := e.Initiate(ctx, "test-bucket", "k", InitiateOptions{})
	require.NoError(t, err)
	_, err = e.UploadPart(ctx, "test-bucket", "k", upload.UploadID, 2, strings.NewReader("abcd"))
	require.NoError(t, err)
	_, err = e.UploadPart(ctx, "test-bucket", "k", upload.UploadID, 7, strings.NewReader("ef"))
	require.NoError(t, err)

	stats, err := e.Stat(ctx, "test-bucket", "k", upload.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PartsCount)
	assert.Equal(t, 7, stats.LastPartNumber)
	assert.Equal(t, int64(6), stats.TotalSize)
}
