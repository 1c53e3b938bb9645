package storage

import (
	"fmt"
	"sort"
	"time"
)

// BucketType distinguishes general purpose buckets from directory buckets,
// which carry stricter listing rules and unspecified listing order.
type BucketType string

const (
	BucketTypeGeneralPurpose BucketType = "GeneralPurpose"
	BucketTypeDirectory      BucketType = "Directory"
)

// ParseBucketType resolves a configured or header-supplied bucket type.
func ParseBucketType(s string) (BucketType, error) {
	switch s {
	case "", string(BucketTypeGeneralPurpose):
		return BucketTypeGeneralPurpose, nil
	case string(BucketTypeDirectory):
		return BucketTypeDirectory, nil
	default:
		return "", fmt.Errorf("invalid bucket type: %q", s)
	}
}

const (
	// DefaultRegion is stamped on buckets created without an explicit region.
	DefaultRegion = "us-east-1"

	// StorageClassStandard is the default storage class for general purpose
	// buckets.
	StorageClassStandard = "STANDARD"

	// StorageClassExpressOneZone is the default storage class for directory
	// buckets.
	StorageClassExpressOneZone = "EXPRESS_ONEZONE"
)

// BucketInfo carries a bucket's metadata. It is persisted independently of
// the data directory; missing metadata is re-synthesized with defaults.
type BucketInfo struct {
	Name         string            `json:"Name"`
	Region       string            `json:"Region"`
	Tags         map[string]string `json:"Tags,omitempty"`
	Type         BucketType        `json:"Type"`
	StorageClass string            `json:"StorageClass"`
	CreationDate time.Time         `json:"CreationDate"`
}

// DefaultBucketInfo synthesizes metadata for a bucket whose metadata record
// is missing but whose data directory exists.
func DefaultBucketInfo(name string, created time.Time) BucketInfo {
	return BucketInfo{
		Name:         name,
		Region:       DefaultRegion,
		Type:         BucketTypeGeneralPurpose,
		StorageClass: StorageClassStandard,
		CreationDate: created.UTC().Truncate(time.Millisecond),
	}
}

// ObjectMetadata is the persisted metadata record of one object.
type ObjectMetadata struct {
	Key          string            `json:"Key"`
	BucketName   string            `json:"BucketName"`
	Size         int64             `json:"Size"`
	LastModified time.Time         `json:"LastModified"`
	ETag         string            `json:"ETag"`
	ContentType  string            `json:"ContentType,omitempty"`
	Metadata     map[string]string `json:"Metadata,omitempty"`
	Checksums    map[string]string `json:"Checksums,omitempty"`
}

// PartInfo records one uploaded part of a multipart upload.
type PartInfo struct {
	PartNumber   int               `json:"PartNumber"`
	ETag         string            `json:"ETag"`
	Size         int64             `json:"Size"`
	LastModified time.Time         `json:"LastModified"`
	Checksums    map[string]string `json:"Checksums,omitempty"`
}

// UploadMetadata is the persisted record of an in-progress multipart upload.
type UploadMetadata struct {
	UploadID          string            `json:"UploadId"`
	Bucket            string            `json:"BucketName"`
	Key               string            `json:"Key"`
	Initiated         time.Time         `json:"Initiated"`
	ContentType       string            `json:"ContentType,omitempty"`
	Metadata          map[string]string `json:"Metadata,omitempty"`
	ChecksumAlgorithm string            `json:"ChecksumAlgorithm,omitempty"`
	Parts             []PartInfo        `json:"Parts,omitempty"`
}

// Part returns the stored record for partNumber, if any.
func (u *UploadMetadata) Part(partNumber int) (PartInfo, bool) {
	for _, p := range u.Parts {
		if p.PartNumber == partNumber {
			return p, true
		}
	}
	return PartInfo{}, false
}

// SetPart inserts or replaces a part record, keeping Parts ordered by
// PartNumber. Part numbers need not be contiguous while uploading.
func (u *UploadMetadata) SetPart(part PartInfo) {
	for i, p := range u.Parts {
		if p.PartNumber == part.PartNumber {
			u.Parts[i] = part
			return
		}
	}
	u.Parts = append(u.Parts, part)
	sort.Slice(u.Parts, func(i, j int) bool {
		return u.Parts[i].PartNumber < u.Parts[j].PartNumber
	})
}

// DropPart removes a part record if present, keeping the order of the rest.
func (u *UploadMetadata) DropPart(partNumber int) {
	for i, p := range u.Parts {
		if p.PartNumber == partNumber {
			u.Parts = append(u.Parts[:i], u.Parts[i+1:]...)
			return
		}
	}
}

// TotalSize sums the sizes of all stored parts.
func (u *UploadMetadata) TotalSize() int64 {
	var total int64
	for _, p := range u.Parts {
		total += p.Size
	}
	return total
}
