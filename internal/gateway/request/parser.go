package request

import (
	"net/http"
	"strings"

	"github.com/guided-traffic/s3-storage-gateway/internal/checksum"
)

const (
	metaHeaderPrefix     = "x-amz-meta-"
	checksumHeaderPrefix = "x-amz-checksum-"
)

// ObjectAttributes are the client-supplied attributes of an object write.
type ObjectAttributes struct {
	ContentType string
	Metadata    map[string]string

	// ChecksumAlgorithms to compute server-side, requested via
	// x-amz-checksum-algorithm / x-amz-sdk-checksum-algorithm or implied by
	// a supplied checksum value.
	ChecksumAlgorithms []checksum.Algorithm

	// ClientChecksums are the values the client declared, by algorithm name.
	// They are verified against the computed values after the body is read.
	ClientChecksums map[string]string
}

// ParseObjectAttributes extracts object attributes from request headers.
// Checksum values may also arrive as trailers of a streaming body; merge
// those with MergeTrailerChecksums once the body has been consumed.
func ParseObjectAttributes(r *http.Request) (*ObjectAttributes, error) {
	attrs := &ObjectAttributes{
		ContentType:     r.Header.Get("Content-Type"),
		Metadata:        map[string]string{},
		ClientChecksums: map[string]string{},
	}

	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		switch {
		case strings.HasPrefix(lower, metaHeaderPrefix):
			attrs.Metadata[strings.TrimPrefix(lower, metaHeaderPrefix)] = values[0]
		case strings.HasPrefix(lower, checksumHeaderPrefix):
			name := strings.TrimPrefix(lower, checksumHeaderPrefix)
			if name == "algorithm" || name == "mode" || name == "type" {
				continue
			}
			alg, err := checksum.Parse(name)
			if err != nil {
				return nil, err
			}
			attrs.ClientChecksums[string(alg)] = checksum.Normalize(values[0])
			attrs.addAlgorithm(alg)
		}
	}

	for _, header := range []string{"x-amz-checksum-algorithm", "x-amz-sdk-checksum-algorithm"} {
		if value := r.Header.Get(header); value != "" {
			alg, err := checksum.Parse(value)
			if err != nil {
				return nil, err
			}
			attrs.addAlgorithm(alg)
		}
	}

	// An x-amz-trailer declaration names checksum headers that will arrive
	// after the body; request their computation up front.
	if trailer := r.Header.Get("x-amz-trailer"); trailer != "" {
		for _, name := range strings.Split(trailer, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if !strings.HasPrefix(name, checksumHeaderPrefix) {
				continue
			}
			alg, err := checksum.Parse(strings.TrimPrefix(name, checksumHeaderPrefix))
			if err != nil {
				return nil, err
			}
			attrs.addAlgorithm(alg)
		}
	}

	if len(attrs.Metadata) == 0 {
		attrs.Metadata = nil
	}
	return attrs, nil
}

func (a *ObjectAttributes) addAlgorithm(alg checksum.Algorithm) {
	for _, existing := range a.ChecksumAlgorithms {
		if existing == alg {
			return
		}
	}
	a.ChecksumAlgorithms = append(a.ChecksumAlgorithms, alg)
}

// MergeTrailerChecksums folds checksum values received as body trailers into
// the client-declared set.
func (a *ObjectAttributes) MergeTrailerChecksums(trailers map[string]string) error {
	for name, value := range trailers {
		if !strings.HasPrefix(name, checksumHeaderPrefix) {
			continue
		}
		alg, err := checksum.Parse(strings.TrimPrefix(name, checksumHeaderPrefix))
		if err != nil {
			return err
		}
		a.ClientChecksums[string(alg)] = checksum.Normalize(value)
		a.addAlgorithm(alg)
	}
	return nil
}
