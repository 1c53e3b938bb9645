// Package bucket implements the bucket-level S3 operations: create, delete,
// head, listing, location and tagging.
package bucket

import (
	"encoding/xml"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/response"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

// Defaults carries the configured bucket defaults applied at creation.
type Defaults struct {
	Type         storage.BucketType
	StorageClass string
	Region       string
}

// Handler handles bucket operations.
type Handler struct {
	backend     storage.Backend
	defaults    Defaults
	logger      *logrus.Entry
	xmlWriter   *response.XMLWriter
	errorWriter *response.ErrorWriter
}

// NewHandler creates a new bucket handler.
func NewHandler(backend storage.Backend, defaults Defaults, logger *logrus.Entry) *Handler {
	if defaults.Region == "" {
		defaults.Region = storage.DefaultRegion
	}
	if defaults.Type == "" {
		defaults.Type = storage.BucketTypeGeneralPurpose
	}
	return &Handler{
		backend:     backend,
		defaults:    defaults,
		logger:      logger,
		xmlWriter:   response.NewXMLWriter(logger),
		errorWriter: response.NewErrorWriter(logger),
	}
}

// Create handles PUT /<bucket>.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := ValidateBucketName(bucket); err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}

	info := storage.BucketInfo{
		Name:         bucket,
		Region:       h.defaults.Region,
		Type:         h.defaults.Type,
		StorageClass: h.defaults.StorageClass,
	}

	// Region may come from the optional CreateBucketConfiguration body.
	if r.Body != nil {
		var cfg response.CreateBucketConfiguration
		if err := xml.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&cfg); err == nil {
			if cfg.LocationConstraint != "" {
				info.Region = cfg.LocationConstraint
			}
			if cfg.Bucket != nil && cfg.Bucket.Type != "" {
				parsed, perr := storage.ParseBucketType(cfg.Bucket.Type)
				if perr != nil {
					h.errorWriter.WriteS3Error(w, response.InvalidArgument(perr.Error()), bucket, "")
					return
				}
				info.Type = parsed
			}
		}
	}

	if headerType := r.Header.Get("x-amz-bucket-type"); headerType != "" {
		parsed, err := storage.ParseBucketType(headerType)
		if err != nil {
			h.errorWriter.WriteS3Error(w, response.InvalidArgument(err.Error()), bucket, "")
			return
		}
		info.Type = parsed
	}
	if headerClass := r.Header.Get("x-amz-storage-class"); headerClass != "" {
		info.StorageClass = headerClass
	}
	if info.StorageClass == "" {
		if info.Type == storage.BucketTypeDirectory {
			info.StorageClass = storage.StorageClassExpressOneZone
		} else {
			info.StorageClass = storage.StorageClassStandard
		}
	}

	info.CreationDate = time.Now().UTC()

	if err := h.backend.CreateBucket(r.Context(), info); err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"type":   info.Type,
		"region": info.Region,
	}).Info("bucket created")

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// Delete handles DELETE /<bucket>. A truthy X-Amz-Force-Delete header removes
// the bucket with its contents.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	force := r.Header.Get("X-Amz-Force-Delete") == "true"

	if err := h.backend.DeleteBucket(r.Context(), bucket, force); err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}
	h.logger.WithFields(logrus.Fields{"bucket": bucket, "force": force}).Info("bucket deleted")
	w.WriteHeader(http.StatusNoContent)
}

// Head handles HEAD /<bucket>.
func (h *Handler) Head(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	info, err := h.backend.GetBucket(r.Context(), bucket)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}
	w.Header().Set("x-amz-bucket-type", string(info.Type))
	w.Header().Set("x-amz-storage-class", info.StorageClass)
	w.Header().Set("x-amz-bucket-region", info.Region)
	w.WriteHeader(http.StatusOK)
}

// Location handles GET /<bucket>?location. The default region is rendered as
// an empty LocationConstraint.
func (h *Handler) Location(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	info, err := h.backend.GetBucket(r.Context(), bucket)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}
	value := info.Region
	if value == storage.DefaultRegion {
		value = ""
	}
	h.xmlWriter.WriteXML(w, response.LocationConstraint{Xmlns: response.Namespace, Value: value})
}
