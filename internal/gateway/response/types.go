package response

import (
	"encoding/xml"
	"time"
)

// S3 timestamps are rendered with millisecond precision in UTC.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the S3 response timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Namespace is the document namespace stamped on S3 result bodies.
const Namespace = "http://s3.amazonaws.com/doc/2006-03-01/"

// Owner appears in listing responses. The gateway has no account model, so a
// fixed owner is reported.
type Owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

// DefaultOwner is stamped on every listing entry.
func DefaultOwner() Owner {
	return Owner{ID: "s3-storage-gateway", DisplayName: "s3-storage-gateway"}
}

// ChecksumValues carries the optional per-algorithm checksum elements shared
// by several result documents. At most one field is set.
type ChecksumValues struct {
	ChecksumCRC32     string `xml:"ChecksumCRC32,omitempty"`
	ChecksumCRC32C    string `xml:"ChecksumCRC32C,omitempty"`
	ChecksumCRC64NVME string `xml:"ChecksumCRC64NVME,omitempty"`
	ChecksumSHA1      string `xml:"ChecksumSHA1,omitempty"`
	ChecksumSHA256    string `xml:"ChecksumSHA256,omitempty"`
}

// NewChecksumValues maps stored algorithm names onto the XML elements.
func NewChecksumValues(checksums map[string]string) ChecksumValues {
	var v ChecksumValues
	for name, value := range checksums {
		switch name {
		case "CRC32":
			v.ChecksumCRC32 = value
		case "CRC32C":
			v.ChecksumCRC32C = value
		case "CRC64NVME":
			v.ChecksumCRC64NVME = value
		case "SHA1":
			v.ChecksumSHA1 = value
		case "SHA256":
			v.ChecksumSHA256 = value
		}
	}
	return v
}

// ListAllMyBucketsResult is the ListBuckets response body.
type ListAllMyBucketsResult struct {
	XMLName xml.Name      `xml:"ListAllMyBucketsResult"`
	Xmlns   string        `xml:"xmlns,attr"`
	Owner   Owner         `xml:"Owner"`
	Buckets []BucketEntry `xml:"Buckets>Bucket"`
}

// BucketEntry is one bucket in a ListBuckets response.
type BucketEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
	BucketRegion string `xml:"BucketRegion,omitempty"`
}

// ObjectEntry is one key in a bucket listing.
type ObjectEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
	Owner        *Owner `xml:"Owner,omitempty"`
	ChecksumValues
}

// CommonPrefixEntry is one rolled-up prefix in a delimited listing.
type CommonPrefixEntry struct {
	Prefix string `xml:"Prefix"`
}

// ListBucketResult is the ListObjects (V1) response body.
type ListBucketResult struct {
	XMLName        xml.Name            `xml:"ListBucketResult"`
	Xmlns          string              `xml:"xmlns,attr"`
	Name           string              `xml:"Name"`
	Prefix         string              `xml:"Prefix"`
	Marker         string              `xml:"Marker"`
	NextMarker     string              `xml:"NextMarker,omitempty"`
	MaxKeys        int                 `xml:"MaxKeys"`
	Delimiter      string              `xml:"Delimiter,omitempty"`
	IsTruncated    bool                `xml:"IsTruncated"`
	Contents       []ObjectEntry       `xml:"Contents"`
	CommonPrefixes []CommonPrefixEntry `xml:"CommonPrefixes,omitempty"`
}

// ListBucketResultV2 is the ListObjectsV2 response body.
type ListBucketResultV2 struct {
	XMLName               xml.Name            `xml:"ListBucketResult"`
	Xmlns                 string              `xml:"xmlns,attr"`
	Name                  string              `xml:"Name"`
	Prefix                string              `xml:"Prefix"`
	StartAfter            string              `xml:"StartAfter,omitempty"`
	ContinuationToken     string              `xml:"ContinuationToken,omitempty"`
	NextContinuationToken string              `xml:"NextContinuationToken,omitempty"`
	KeyCount              int                 `xml:"KeyCount"`
	MaxKeys               int                 `xml:"MaxKeys"`
	Delimiter             string              `xml:"Delimiter,omitempty"`
	IsTruncated           bool                `xml:"IsTruncated"`
	Contents              []ObjectEntry       `xml:"Contents"`
	CommonPrefixes        []CommonPrefixEntry `xml:"CommonPrefixes,omitempty"`
}

// LocationConstraint is the GetBucketLocation response body. us-east-1 is
// rendered as an empty element, matching the S3 convention.
type LocationConstraint struct {
	XMLName xml.Name `xml:"LocationConstraint"`
	Xmlns   string   `xml:"xmlns,attr"`
	Value   string   `xml:",chardata"`
}

// Tag is one bucket tag.
type Tag struct {
	Key   string `xml:"Key"`
	Value string `xml:"Value"`
}

// Tagging is the Get/PutBucketTagging document.
type Tagging struct {
	XMLName xml.Name `xml:"Tagging"`
	TagSet  []Tag    `xml:"TagSet>Tag"`
}

// CopyObjectResult is the CopyObject response body.
type CopyObjectResult struct {
	XMLName      xml.Name `xml:"CopyObjectResult"`
	Xmlns        string   `xml:"xmlns,attr"`
	LastModified string   `xml:"LastModified"`
	ETag         string   `xml:"ETag"`
}

// CopyPartResult is the UploadPartCopy response body.
type CopyPartResult struct {
	XMLName      xml.Name `xml:"CopyPartResult"`
	Xmlns        string   `xml:"xmlns,attr"`
	LastModified string   `xml:"LastModified"`
	ETag         string   `xml:"ETag"`
	ChecksumValues
}

// InitiateMultipartUploadResult is the CreateMultipartUpload response body.
type InitiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Xmlns    string   `xml:"xmlns,attr"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

// CompleteMultipartUpload is the request body of CompleteMultipartUpload.
type CompleteMultipartUpload struct {
	XMLName xml.Name               `xml:"CompleteMultipartUpload"`
	Parts   []CompleteUploadedPart `xml:"Part"`
}

// CompleteUploadedPart is one Part element of a completion request.
type CompleteUploadedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// CompleteMultipartUploadResult is the CompleteMultipartUpload response body.
type CompleteMultipartUploadResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Xmlns    string   `xml:"xmlns,attr"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
	ChecksumValues
}

// PartEntry is one part in a ListParts response.
type PartEntry struct {
	PartNumber   int    `xml:"PartNumber"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	ChecksumValues
}

// ListPartsResult is the ListParts response body.
type ListPartsResult struct {
	XMLName              xml.Name    `xml:"ListPartsResult"`
	Xmlns                string      `xml:"xmlns,attr"`
	Bucket               string      `xml:"Bucket"`
	Key                  string      `xml:"Key"`
	UploadID             string      `xml:"UploadId"`
	PartNumberMarker     int         `xml:"PartNumberMarker"`
	NextPartNumberMarker int         `xml:"NextPartNumberMarker"`
	MaxParts             int         `xml:"MaxParts"`
	IsTruncated          bool        `xml:"IsTruncated"`
	StorageClass         string      `xml:"StorageClass"`
	Owner                Owner       `xml:"Owner"`
	Initiator            Owner       `xml:"Initiator"`
	Parts                []PartEntry `xml:"Part"`
}

// UploadEntry is one in-progress upload in a ListMultipartUploads response.
type UploadEntry struct {
	Key          string `xml:"Key"`
	UploadID     string `xml:"UploadId"`
	Initiated    string `xml:"Initiated"`
	StorageClass string `xml:"StorageClass"`
	Owner        Owner  `xml:"Owner"`
	Initiator    Owner  `xml:"Initiator"`
}

// ListMultipartUploadsResult is the ListMultipartUploads response body.
type ListMultipartUploadsResult struct {
	XMLName            xml.Name      `xml:"ListMultipartUploadsResult"`
	Xmlns              string        `xml:"xmlns,attr"`
	Bucket             string        `xml:"Bucket"`
	KeyMarker          string        `xml:"KeyMarker"`
	UploadIDMarker     string        `xml:"UploadIdMarker"`
	NextKeyMarker      string        `xml:"NextKeyMarker,omitempty"`
	NextUploadIDMarker string        `xml:"NextUploadIdMarker,omitempty"`
	MaxUploads         int           `xml:"MaxUploads"`
	IsTruncated        bool          `xml:"IsTruncated"`
	Uploads            []UploadEntry `xml:"Upload"`
}

// CreateBucketConfiguration is the optional CreateBucket request body.
type CreateBucketConfiguration struct {
	XMLName            xml.Name `xml:"CreateBucketConfiguration"`
	LocationConstraint string   `xml:"LocationConstraint,omitempty"`
	Bucket             *struct {
		Type           string `xml:"Type,omitempty"`
		DataRedundancy string `xml:"DataRedundancy,omitempty"`
	} `xml:"Bucket,omitempty"`
}
