// Package multipart implements the HTTP surface of multipart uploads:
// initiate, part upload, part copy, completion, abort and the listings.
package multipart

import (
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/s3-storage-gateway/internal/checksum"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/request"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/response"
	"github.com/guided-traffic/s3-storage-gateway/internal/monitoring"
	"github.com/guided-traffic/s3-storage-gateway/internal/multipart"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

// Handler handles multipart upload operations.
type Handler struct {
	backend     storage.Backend
	engine      *multipart.Engine
	logger      *logrus.Entry
	xmlWriter   *response.XMLWriter
	errorWriter *response.ErrorWriter
}

// NewHandler creates a new multipart handler.
func NewHandler(backend storage.Backend, engine *multipart.Engine, logger *logrus.Entry) *Handler {
	return &Handler{
		backend:     backend,
		engine:      engine,
		logger:      logger,
		xmlWriter:   response.NewXMLWriter(logger),
		errorWriter: response.NewErrorWriter(logger),
	}
}

// Initiate handles POST /<bucket>/<key>?uploads.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	exists, err := h.backend.BucketExists(r.Context(), bucket)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}
	if !exists {
		h.errorWriter.WriteS3Error(w, storage.ErrNoSuchBucket, bucket, key)
		return
	}

	attrs, err := request.ParseObjectAttributes(r)
	if err != nil {
		h.errorWriter.WriteS3Error(w, response.InvalidArgument(err.Error()), bucket, key)
		return
	}

	opts := multipart.InitiateOptions{
		ContentType: attrs.ContentType,
		Metadata:    attrs.Metadata,
	}
	if len(attrs.ChecksumAlgorithms) > 0 {
		opts.ChecksumAlgorithm = string(attrs.ChecksumAlgorithms[0])
	}

	upload, err := h.engine.Initiate(r.Context(), bucket, key, opts)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}

	monitoring.RecordMultipartUpload("initiated")
	h.xmlWriter.WriteXML(w, response.InitiateMultipartUploadResult{
		Xmlns:    response.Namespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: upload.UploadID,
	})
}

// UploadPart handles PUT /<bucket>/<key>?partNumber=N&uploadId=I.
func (h *Handler) UploadPart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	uploadID := r.URL.Query().Get("uploadId")

	partNumber, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
	if err != nil {
		h.errorWriter.WriteS3Error(w, response.InvalidArgument("partNumber must be an integer"), bucket, key)
		return
	}

	attrs, err := request.ParseObjectAttributes(r)
	if err != nil {
		h.errorWriter.WriteS3Error(w, response.InvalidArgument(err.Error()), bucket, key)
		return
	}

	part, err := h.engine.UploadPart(r.Context(), bucket, key, uploadID, partNumber, r.Body, attrs.ChecksumAlgorithms...)
	if err != nil {
		monitoring.RecordMultipartUploadPart("failed")
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}

	if err := h.verifyPartChecksums(attrs, part); err != nil {
		// The mismatched part must not linger in the upload's part list.
		if rerr := h.engine.RemovePart(r.Context(), bucket, key, uploadID, partNumber); rerr != nil {
			h.logger.WithError(rerr).WithFields(logrus.Fields{
				"upload_id":   uploadID,
				"part_number": partNumber,
			}).Warn("failed to remove part after checksum mismatch")
		}
		monitoring.RecordMultipartUploadPart("rejected")
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}

	monitoring.RecordMultipartUploadPart("accepted")
	writeChecksumHeaders(w, part.Checksums)
	w.Header().Set("ETag", `"`+part.ETag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) verifyPartChecksums(attrs *request.ObjectAttributes, part *storage.PartInfo) error {
	for name, supplied := range attrs.ClientChecksums {
		computed, ok := part.Checksums[name]
		if !ok || !checksum.Matches(computed, supplied) {
			return response.InvalidChecksum("The " + strings.ToLower(name) + " you specified did not match what we received.")
		}
	}
	return nil
}

// UploadPartCopy handles PUT ?partNumber&uploadId with an x-amz-copy-source
// header, optionally restricted by x-amz-copy-source-range.
func (h *Handler) UploadPartCopy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	uploadID := r.URL.Query().Get("uploadId")

	partNumber, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
	if err != nil {
		h.errorWriter.WriteS3Error(w, response.InvalidArgument("partNumber must be an integer"), bucket, key)
		return
	}

	srcBucket, srcKey, err := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}
	rangeSpec := r.Header.Get("x-amz-copy-source-range")

	part, err := h.engine.UploadPartCopy(r.Context(), bucket, key, uploadID, partNumber, srcBucket, srcKey, rangeSpec)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}

	h.xmlWriter.WriteXML(w, response.CopyPartResult{
		Xmlns:          response.Namespace,
		LastModified:   response.FormatTime(part.LastModified),
		ETag:           `"` + part.ETag + `"`,
		ChecksumValues: response.NewChecksumValues(part.Checksums),
	})
}

// Complete handles POST /<bucket>/<key>?uploadId.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	uploadID := r.URL.Query().Get("uploadId")

	var doc response.CompleteMultipartUpload
	if err := xml.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&doc); err != nil {
		h.errorWriter.WriteS3Error(w, response.InvalidArgument("malformed CompleteMultipartUpload document"), bucket, key)
		return
	}

	parts := make([]multipart.CompletedPart, 0, len(doc.Parts))
	for _, p := range doc.Parts {
		parts = append(parts, multipart.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	meta, err := h.engine.Complete(r.Context(), bucket, key, uploadID, parts)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}

	monitoring.RecordMultipartUpload("completed")
	writeChecksumHeaders(w, meta.Checksums)
	h.xmlWriter.WriteXML(w, response.CompleteMultipartUploadResult{
		Xmlns:          response.Namespace,
		Location:       "/" + bucket + "/" + key,
		Bucket:         bucket,
		Key:            key,
		ETag:           `"` + meta.ETag + `"`,
		ChecksumValues: response.NewChecksumValues(meta.Checksums),
	})
}

// Abort handles DELETE /<bucket>/<key>?uploadId.
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	uploadID := r.URL.Query().Get("uploadId")

	if err := h.engine.Abort(r.Context(), bucket, key, uploadID); err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}
	monitoring.RecordMultipartUpload("aborted")
	h.logger.WithFields(logrus.Fields{
		"bucket":    bucket,
		"key":       key,
		"upload_id": uploadID,
	}).Info("multipart upload aborted")
	w.WriteHeader(http.StatusNoContent)
}

// ListParts handles GET /<bucket>/<key>?uploadId.
func (h *Handler) ListParts(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	query := r.URL.Query()
	uploadID := query.Get("uploadId")

	marker := 0
	if raw := query.Get("part-number-marker"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.errorWriter.WriteS3Error(w, response.InvalidArgument("part-number-marker must be a non-negative integer"), bucket, key)
			return
		}
		marker = n
	}
	maxParts := multipart.DefaultMaxParts
	if raw := query.Get("max-parts"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.errorWriter.WriteS3Error(w, response.InvalidArgument("max-parts must be a non-negative integer"), bucket, key)
			return
		}
		maxParts = n
	}

	parts, truncated, nextMarker, err := h.engine.ListParts(r.Context(), bucket, key, uploadID, marker, maxParts)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}

	owner := response.DefaultOwner()
	result := response.ListPartsResult{
		Xmlns:            response.Namespace,
		Bucket:           bucket,
		Key:              key,
		UploadID:         uploadID,
		PartNumberMarker: marker,
		MaxParts:         maxParts,
		IsTruncated:      truncated,
		StorageClass:     storage.StorageClassStandard,
		Owner:            owner,
		Initiator:        owner,
		Parts:            make([]response.PartEntry, 0, len(parts)),
	}
	if truncated {
		result.NextPartNumberMarker = nextMarker
	}
	for _, p := range parts {
		result.Parts = append(result.Parts, response.PartEntry{
			PartNumber:     p.PartNumber,
			LastModified:   response.FormatTime(p.LastModified),
			ETag:           `"` + p.ETag + `"`,
			Size:           p.Size,
			ChecksumValues: response.NewChecksumValues(p.Checksums),
		})
	}
	h.xmlWriter.WriteXML(w, result)
}

// ListUploads handles GET /<bucket>?uploads.
func (h *Handler) ListUploads(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	exists, err := h.backend.BucketExists(r.Context(), bucket)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}
	if !exists {
		h.errorWriter.WriteS3Error(w, storage.ErrNoSuchBucket, bucket, "")
		return
	}

	uploads, err := h.engine.ListUploads(r.Context(), bucket)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}

	owner := response.DefaultOwner()
	result := response.ListMultipartUploadsResult{
		Xmlns:   response.Namespace,
		Bucket:  bucket,
		Uploads: make([]response.UploadEntry, 0, len(uploads)),
	}
	for _, u := range uploads {
		result.Uploads = append(result.Uploads, response.UploadEntry{
			Key:          u.Key,
			UploadID:     u.UploadID,
			Initiated:    response.FormatTime(u.Initiated),
			StorageClass: storage.StorageClassStandard,
			Owner:        owner,
			Initiator:    owner,
		})
	}
	h.xmlWriter.WriteXML(w, result)
}

// Head handles HEAD /<bucket>/<key>?uploadId, reporting upload progress in
// x-amz-* headers.
func (h *Handler) Head(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	uploadID := r.URL.Query().Get("uploadId")

	stats, err := h.engine.Stat(r.Context(), bucket, key, uploadID)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}
	w.Header().Set("x-amz-parts-count", strconv.Itoa(stats.PartsCount))
	w.Header().Set("x-amz-last-part-number", strconv.Itoa(stats.LastPartNumber))
	w.Header().Set("x-amz-total-size", strconv.FormatInt(stats.TotalSize, 10))
	w.WriteHeader(http.StatusOK)
}

// parseCopySource splits an x-amz-copy-source value into bucket and key.
func parseCopySource(source string) (bucket, key string, err error) {
	if source == "" {
		return "", "", response.InvalidArgument("x-amz-copy-source header is missing")
	}
	if decoded, derr := url.PathUnescape(source); derr == nil {
		source = decoded
	}
	source = strings.TrimPrefix(source, "/")
	parts := strings.SplitN(source, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", response.InvalidArgument("x-amz-copy-source must name a bucket and key")
	}
	return parts[0], parts[1], nil
}

// writeChecksumHeaders emits one x-amz-checksum-<algorithm> header per value.
func writeChecksumHeaders(w http.ResponseWriter, checksums map[string]string) {
	for name, value := range checksums {
		if alg, err := checksum.Parse(name); err == nil {
			w.Header().Set(alg.HeaderName(), value)
		}
	}
}
