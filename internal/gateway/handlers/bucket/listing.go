package bucket

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/response"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

const defaultMaxKeys = 1000

// listParams are the shared listing parameters of ListObjects V1 and V2.
type listParams struct {
	prefix    string
	delimiter string
	marker    string
	maxKeys   int
}

// listResult is the outcome of one listing pass. nextMarker is the last item
// emitted (key or common prefix) and is only meaningful when truncated.
type listResult struct {
	objects    []storage.ObjectMetadata
	prefixes   []string
	truncated  bool
	nextMarker string
}

// listObjects applies prefix filtering, delimiter rollup and marker paging to
// the key-ordered object list. Keys and rolled-up prefixes count against
// maxKeys together. max-keys=0 yields an empty untruncated result; a truncated
// result always carries a resumable nextMarker.
func listObjects(all []storage.ObjectMetadata, p listParams) listResult {
	var res listResult
	if p.maxKeys <= 0 {
		return res
	}
	seen := make(map[string]bool)

	for _, obj := range all {
		if p.prefix != "" && !strings.HasPrefix(obj.Key, p.prefix) {
			continue
		}
		if p.delimiter != "" {
			tail := obj.Key[len(p.prefix):]
			if i := strings.Index(tail, p.delimiter); i >= 0 {
				cp := p.prefix + tail[:i+len(p.delimiter)]
				if seen[cp] {
					continue
				}
				if p.marker != "" && cp <= p.marker {
					continue
				}
				if len(res.objects)+len(res.prefixes) >= p.maxKeys {
					res.truncated = true
					return res
				}
				seen[cp] = true
				res.prefixes = append(res.prefixes, cp)
				res.nextMarker = cp
				continue
			}
		}
		if p.marker != "" && obj.Key <= p.marker {
			continue
		}
		if len(res.objects)+len(res.prefixes) >= p.maxKeys {
			res.truncated = true
			return res
		}
		res.objects = append(res.objects, obj)
		res.nextMarker = obj.Key
	}
	return res
}

// validateDirectoryListing enforces the stricter listing rules of directory
// buckets.
func validateDirectoryListing(p listParams) error {
	if p.delimiter != "" && p.delimiter != "/" {
		return response.InvalidArgument("Directory buckets only support '/' as a delimiter")
	}
	if p.delimiter != "" && p.prefix != "" && !strings.HasSuffix(p.prefix, p.delimiter) {
		return response.InvalidArgument("Directory bucket prefixes must end with the delimiter")
	}
	return nil
}

func parseMaxKeys(raw string) (int, error) {
	if raw == "" {
		return defaultMaxKeys, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, response.InvalidArgument("max-keys must be a non-negative integer")
	}
	if n > defaultMaxKeys {
		n = defaultMaxKeys
	}
	return n, nil
}

func objectEntries(objects []storage.ObjectMetadata, info *storage.BucketInfo) []response.ObjectEntry {
	owner := response.DefaultOwner()
	entries := make([]response.ObjectEntry, 0, len(objects))
	for _, obj := range objects {
		entries = append(entries, response.ObjectEntry{
			Key:            obj.Key,
			LastModified:   response.FormatTime(obj.LastModified),
			ETag:           `"` + obj.ETag + `"`,
			Size:           obj.Size,
			StorageClass:   info.StorageClass,
			Owner:          &owner,
			ChecksumValues: response.NewChecksumValues(obj.Checksums),
		})
	}
	return entries
}

func prefixEntries(prefixes []string) []response.CommonPrefixEntry {
	entries := make([]response.CommonPrefixEntry, 0, len(prefixes))
	for _, p := range prefixes {
		entries = append(entries, response.CommonPrefixEntry{Prefix: p})
	}
	return entries
}

// List handles GET /<bucket>, dispatching between ListObjects and
// ListObjectsV2 on the list-type query parameter.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("list-type") == "2" {
		h.listV2(w, r)
		return
	}
	h.listV1(w, r)
}

func (h *Handler) listV1(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	query := r.URL.Query()

	maxKeys, err := parseMaxKeys(query.Get("max-keys"))
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}
	params := listParams{
		prefix:    query.Get("prefix"),
		delimiter: query.Get("delimiter"),
		marker:    query.Get("marker"),
		maxKeys:   maxKeys,
	}

	info, all, err := h.loadListing(r, bucket, params)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}
	res := listObjects(all, params)

	result := response.ListBucketResult{
		Xmlns:          response.Namespace,
		Name:           bucket,
		Prefix:         params.prefix,
		Marker:         params.marker,
		MaxKeys:        maxKeys,
		Delimiter:      params.delimiter,
		IsTruncated:    res.truncated,
		Contents:       objectEntries(res.objects, info),
		CommonPrefixes: prefixEntries(res.prefixes),
	}
	if res.truncated {
		result.NextMarker = res.nextMarker
	}
	h.xmlWriter.WriteXML(w, result)
}

func (h *Handler) listV2(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	query := r.URL.Query()

	maxKeys, err := parseMaxKeys(query.Get("max-keys"))
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}

	token := query.Get("continuation-token")
	startAfter := query.Get("start-after")
	marker := startAfter
	if token != "" {
		decoded, derr := base64.StdEncoding.DecodeString(token)
		if derr != nil {
			h.errorWriter.WriteS3Error(w, response.InvalidArgument("The continuation token provided is incorrect"), bucket, "")
			return
		}
		marker = string(decoded)
	}

	params := listParams{
		prefix:    query.Get("prefix"),
		delimiter: query.Get("delimiter"),
		marker:    marker,
		maxKeys:   maxKeys,
	}

	info, all, err := h.loadListing(r, bucket, params)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}
	res := listObjects(all, params)

	result := response.ListBucketResultV2{
		Xmlns:             response.Namespace,
		Name:              bucket,
		Prefix:            params.prefix,
		StartAfter:        startAfter,
		ContinuationToken: token,
		KeyCount:          len(res.objects) + len(res.prefixes),
		MaxKeys:           maxKeys,
		Delimiter:         params.delimiter,
		IsTruncated:       res.truncated,
		Contents:          objectEntries(res.objects, info),
		CommonPrefixes:    prefixEntries(res.prefixes),
	}
	if res.truncated {
		result.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(res.nextMarker))
	}
	h.xmlWriter.WriteXML(w, result)
}

// loadListing verifies the bucket, enforces directory bucket rules and reads
// the full key-ordered object list.
func (h *Handler) loadListing(r *http.Request, bucket string, params listParams) (*storage.BucketInfo, []storage.ObjectMetadata, error) {
	info, err := h.backend.GetBucket(r.Context(), bucket)
	if err != nil {
		return nil, nil, err
	}
	if info.Type == storage.BucketTypeDirectory {
		if err := validateDirectoryListing(params); err != nil {
			return nil, nil, err
		}
	}
	all, err := h.backend.ListObjectMetadata(r.Context(), bucket)
	if err != nil {
		return nil, nil, err
	}
	return info, all, nil
}
