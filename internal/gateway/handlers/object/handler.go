// Package object implements the single-object S3 operations: put, get, head,
// delete and server-side copy.
package object

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/s3-storage-gateway/internal/checksum"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/middleware"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/request"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/response"
	"github.com/guided-traffic/s3-storage-gateway/internal/monitoring"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

// Handler handles object operations.
type Handler struct {
	backend     storage.Backend
	logger      *logrus.Entry
	xmlWriter   *response.XMLWriter
	errorWriter *response.ErrorWriter
}

// NewHandler creates a new object handler.
func NewHandler(backend storage.Backend, logger *logrus.Entry) *Handler {
	return &Handler{
		backend:     backend,
		logger:      logger,
		xmlWriter:   response.NewXMLWriter(logger),
		errorWriter: response.NewErrorWriter(logger),
	}
}

// Put handles PUT /<bucket>/<key> without a copy source.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	attrs, err := request.ParseObjectAttributes(r)
	if err != nil {
		h.errorWriter.WriteS3Error(w, response.InvalidArgument(err.Error()), bucket, key)
		return
	}

	start := time.Now()
	meta, err := h.backend.PutObject(r.Context(), bucket, key, r.Body, storage.PutOptions{
		ContentType:        attrs.ContentType,
		Metadata:           attrs.Metadata,
		ChecksumAlgorithms: attrs.ChecksumAlgorithms,
	})
	if err != nil {
		monitoring.RecordStorageOperation("put_object", bucket, "error", time.Since(start))
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}
	monitoring.RecordStorageOperation("put_object", bucket, "success", time.Since(start))
	monitoring.RecordBytesTransferred("in", "put_object", meta.Size)

	// Trailer checksums are only available once the body has been consumed.
	if cr := middleware.ChunkedBody(r); cr != nil {
		if err := attrs.MergeTrailerChecksums(cr.Trailers()); err != nil {
			h.removeMismatch(r, bucket, key)
			h.errorWriter.WriteS3Error(w, response.InvalidArgument(err.Error()), bucket, key)
			return
		}
	}
	if err := h.verifyClientChecksums(attrs, meta); err != nil {
		h.removeMismatch(r, bucket, key)
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
		"size":   meta.Size,
		"etag":   meta.ETag,
	}).Info("object stored")

	writeChecksumHeaders(w, meta.Checksums)
	w.Header().Set("ETag", `"`+meta.ETag+`"`)
	w.Header().Set("x-amz-version-id", "null")
	w.WriteHeader(http.StatusOK)
}

// verifyClientChecksums compares every client-declared checksum against the
// computed value.
func (h *Handler) verifyClientChecksums(attrs *request.ObjectAttributes, meta *storage.ObjectMetadata) error {
	for name, supplied := range attrs.ClientChecksums {
		computed, ok := meta.Checksums[name]
		if !ok || !checksum.Matches(computed, supplied) {
			return response.InvalidChecksum(fmt.Sprintf("The %s you specified did not match what we received.", strings.ToLower(name)))
		}
	}
	return nil
}

// removeMismatch deletes an object whose upload failed checksum validation
// after the bytes were already stored.
func (h *Handler) removeMismatch(r *http.Request, bucket, key string) {
	if err := h.backend.DeleteObject(r.Context(), bucket, key); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"bucket": bucket,
			"key":    key,
		}).Warn("failed to remove object after checksum mismatch")
	}
}

// Copy handles PUT /<bucket>/<key> with an x-amz-copy-source header.
func (h *Handler) Copy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	srcBucket, srcKey, err := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}

	src, srcMeta, err := h.backend.GetObject(r.Context(), srcBucket, srcKey)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, srcBucket, srcKey)
		return
	}
	defer src.Close()

	opts := storage.PutOptions{
		ContentType: srcMeta.ContentType,
		Metadata:    srcMeta.Metadata,
		Checksums:   srcMeta.Checksums,
	}
	if strings.EqualFold(r.Header.Get("x-amz-metadata-directive"), "REPLACE") {
		attrs, perr := request.ParseObjectAttributes(r)
		if perr != nil {
			h.errorWriter.WriteS3Error(w, response.InvalidArgument(perr.Error()), bucket, key)
			return
		}
		opts.ContentType = attrs.ContentType
		opts.Metadata = attrs.Metadata
	}

	meta, err := h.backend.PutObject(r.Context(), bucket, key, src, opts)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"bucket":        bucket,
		"key":           key,
		"source_bucket": srcBucket,
		"source_key":    srcKey,
	}).Info("object copied")

	h.xmlWriter.WriteXML(w, response.CopyObjectResult{
		Xmlns:        response.Namespace,
		LastModified: response.FormatTime(meta.LastModified),
		ETag:         `"` + meta.ETag + `"`,
	})
}

// parseCopySource splits an x-amz-copy-source value into bucket and key. The
// value may carry a leading slash and percent-encoding.
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

// Get handles GET /<bucket>/<key>.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	meta, err := h.backend.GetObjectMetadata(r.Context(), bucket, key)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}

	rangeSpec := r.Header.Get("Range")
	if rangeSpec != "" {
		offset, length, rerr := storage.ParseRange(rangeSpec, meta.Size)
		if rerr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", meta.Size))
			h.errorWriter.WriteS3Error(w, rerr, bucket, key)
			return
		}
		start := time.Now()
		body, rerr := h.backend.GetObjectRange(r.Context(), bucket, key, offset, length)
		if rerr != nil {
			monitoring.RecordStorageOperation("get_object", bucket, "error", time.Since(start))
			h.errorWriter.WriteS3Error(w, rerr, bucket, key)
			return
		}
		defer body.Close()

		monitoring.RecordStorageOperation("get_object", bucket, "success", time.Since(start))
		monitoring.RecordBytesTransferred("out", "get_object", length)
		writeObjectHeaders(w, r, meta)
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, meta.Size))
		w.WriteHeader(http.StatusPartialContent)
		h.copyBody(w, body, bucket, key)
		return
	}

	start := time.Now()
	body, _, err := h.backend.GetObject(r.Context(), bucket, key)
	if err != nil {
		monitoring.RecordStorageOperation("get_object", bucket, "error", time.Since(start))
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}
	defer body.Close()

	monitoring.RecordStorageOperation("get_object", bucket, "success", time.Since(start))
	monitoring.RecordBytesTransferred("out", "get_object", meta.Size)
	writeObjectHeaders(w, r, meta)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.WriteHeader(http.StatusOK)
	h.copyBody(w, body, bucket, key)
}

// Head handles HEAD /<bucket>/<key>.
func (h *Handler) Head(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	meta, err := h.backend.GetObjectMetadata(r.Context(), bucket, key)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}

	writeObjectHeaders(w, r, meta)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// Delete handles DELETE /<bucket>/<key>. Deleting a missing key succeeds.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
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

	start := time.Now()
	if err := h.backend.DeleteObject(r.Context(), bucket, key); err != nil && !errors.Is(err, storage.ErrNoSuchKey) {
		monitoring.RecordStorageOperation("delete_object", bucket, "error", time.Since(start))
		h.errorWriter.WriteS3Error(w, err, bucket, key)
		return
	}
	monitoring.RecordStorageOperation("delete_object", bucket, "success", time.Since(start))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) copyBody(w http.ResponseWriter, body io.Reader, bucket, key string) {
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"bucket": bucket,
			"key":    key,
		}).Error("streaming object body failed")
	}
}

// writeObjectHeaders stamps the metadata headers shared by GET and HEAD.
// Checksum values are only exposed when the client set x-amz-checksum-mode.
func writeObjectHeaders(w http.ResponseWriter, r *http.Request, meta *storage.ObjectMetadata) {
	if meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	}
	w.Header().Set("ETag", `"`+meta.ETag+`"`)
	w.Header().Set("Last-Modified", meta.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	for name, value := range meta.Metadata {
		w.Header().Set("x-amz-meta-"+name, value)
	}
	if strings.EqualFold(r.Header.Get("x-amz-checksum-mode"), "ENABLED") {
		writeChecksumHeaders(w, meta.Checksums)
	}
}

// writeChecksumHeaders emits one x-amz-checksum-<algorithm> header per stored
// value.
func writeChecksumHeaders(w http.ResponseWriter, checksums map[string]string) {
	for name, value := range checksums {
		if alg, err := checksum.Parse(name); err == nil {
			w.Header().Set(alg.HeaderName(), value)
		}
	}
}
