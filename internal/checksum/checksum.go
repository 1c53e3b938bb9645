package checksum

import (
	"crypto/sha1" // #nosec G505 - SHA-1 is part of the S3 checksum API, not used for security
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"strings"

	"github.com/minio/crc64nvme"
)

// ErrUnsupportedAlgorithm is returned by Parse for unknown algorithm names.
var ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")

// Algorithm identifies one of the checksum algorithms the S3 API exchanges
// in x-amz-checksum-* headers. Values use the AWS spelling.
type Algorithm string

const (
	CRC32     Algorithm = "CRC32"
	CRC32C    Algorithm = "CRC32C"
	CRC64NVME Algorithm = "CRC64NVME"
	SHA1      Algorithm = "SHA1"
	SHA256    Algorithm = "SHA256"
)

// Supported returns the algorithms accepted by the gateway, in a stable order.
func Supported() []Algorithm {
	return []Algorithm{CRC32, CRC32C, CRC64NVME, SHA1, SHA256}
}

// Parse resolves a client-supplied algorithm name case-insensitively.
// MD5 is deliberately rejected: it is an ETag concern, never a checksum
// algorithm on the wire.
func Parse(name string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "CRC32":
		return CRC32, nil
	case "CRC32C":
		return CRC32C, nil
	case "CRC64NVME":
		return CRC64NVME, nil
	case "SHA1":
		return SHA1, nil
	case "SHA256":
		return SHA256, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

// HeaderName returns the lowercase response header carrying this algorithm's
// value, e.g. "x-amz-checksum-crc32c".
func (a Algorithm) HeaderName() string {
	return "x-amz-checksum-" + strings.ToLower(string(a))
}

func newHash(a Algorithm) hash.Hash {
	switch a {
	case CRC32:
		return crc32.New(crc32.MakeTable(crc32.IEEE))
	case CRC32C:
		return crc32.New(crc32.MakeTable(crc32.Castagnoli))
	case CRC64NVME:
		return crc64nvme.New()
	case SHA1:
		return sha1.New() // #nosec G401
	case SHA256:
		return sha256.New()
	default:
		panic(fmt.Sprintf("unknown checksum algorithm: %q", a))
	}
}

// Incremental computes a checksum over streamed data. It implements io.Writer
// so it can sit on the write path of an upload without buffering.
type Incremental struct {
	alg Algorithm
	h   hash.Hash
}

// NewIncremental creates a streaming checksum writer for the given algorithm.
func NewIncremental(a Algorithm) *Incremental {
	return &Incremental{alg: a, h: newHash(a)}
}

// Algorithm returns the algorithm this writer computes.
func (i *Incremental) Algorithm() Algorithm {
	return i.alg
}

func (i *Incremental) Write(p []byte) (int, error) {
	return i.h.Write(p)
}

// SumBase64 returns the standard-base64 encoding of the checksum over all
// bytes written so far.
func (i *Incremental) SumBase64() string {
	return base64.StdEncoding.EncodeToString(i.h.Sum(nil))
}

// Compute returns the base64 checksum of data under the given algorithm.
func Compute(a Algorithm, data []byte) string {
	h := newHash(a)
	h.Write(data)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Normalize re-encodes a client-supplied base64 value so that padded and
// unpadded spellings compare equal. Invalid base64 is returned unchanged and
// will fail the string comparison downstream.
func Normalize(value string) string {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		if raw, err = base64.RawStdEncoding.DecodeString(value); err != nil {
			return value
		}
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// Matches reports whether a client-supplied value equals the computed one
// after both are base64-normalized.
func Matches(computed, supplied string) bool {
	return Normalize(computed) == Normalize(supplied)
}

// Composite computes the checksum-of-checksums used for completed multipart
// uploads: the per-part base64 values are decoded, concatenated in part
// order, hashed with the same algorithm, and re-encoded.
func Composite(a Algorithm, partValues []string) (string, error) {
	h := newHash(a)
	for n, v := range partValues {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return "", fmt.Errorf("part %d has malformed %s checksum: %w", n+1, a, err)
		}
		h.Write(raw)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
