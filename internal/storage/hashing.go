package storage

import (
	"crypto/md5" // #nosec G501 - MD5 is the S3 ETag algorithm, not used for security
	"encoding/hex"
	"io"

	"github.com/guided-traffic/s3-storage-gateway/internal/checksum"
)

// HashingReader tees a byte stream through the MD5 ETag hash and any
// requested checksum writers while it is consumed. Both backends use it so
// that ETags and checksums are computed in flight, never from a second pass.
type HashingReader struct {
	src       io.Reader
	md5       io.Writer
	sums      []*checksum.Incremental
	etag      func() string
	bytesRead int64
}

// NewHashingReader wraps src with an MD5 hash and one incremental writer per
// algorithm.
func NewHashingReader(src io.Reader, algorithms []checksum.Algorithm) *HashingReader {
	h := md5.New() // #nosec G401
	r := &HashingReader{
		src: src,
		md5: h,
		etag: func() string {
			return hex.EncodeToString(h.Sum(nil))
		},
	}
	for _, alg := range algorithms {
		r.sums = append(r.sums, checksum.NewIncremental(alg))
	}
	return r
}

func (r *HashingReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.bytesRead += int64(n)
		r.md5.Write(p[:n])
		for _, s := range r.sums {
			s.Write(p[:n])
		}
	}
	return n, err
}

// ETag returns the hex MD5 of all bytes read so far.
func (r *HashingReader) ETag() string { return r.etag() }

// Size returns the number of bytes read so far.
func (r *HashingReader) Size() int64 { return r.bytesRead }

// Checksums returns the base64 value per algorithm name.
func (r *HashingReader) Checksums() map[string]string {
	if len(r.sums) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.sums))
	for _, s := range r.sums {
		out[string(s.Algorithm())] = s.SumBase64()
	}
	return out
}
