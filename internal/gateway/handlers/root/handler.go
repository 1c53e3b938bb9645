// Package root implements the account-level S3 operations served on "/".
package root

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/response"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

// Handler handles root-level S3 operations.
type Handler struct {
	backend     storage.Backend
	logger      *logrus.Entry
	xmlWriter   *response.XMLWriter
	errorWriter *response.ErrorWriter
}

// NewHandler creates a new root handler.
func NewHandler(backend storage.Backend, logger *logrus.Entry) *Handler {
	return &Handler{
		backend:     backend,
		logger:      logger,
		xmlWriter:   response.NewXMLWriter(logger),
		errorWriter: response.NewErrorWriter(logger),
	}
}

// ListBuckets handles GET /.
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.backend.ListBuckets(r.Context())
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, "", "")
		return
	}

	result := response.ListAllMyBucketsResult{
		Xmlns:   response.Namespace,
		Owner:   response.DefaultOwner(),
		Buckets: make([]response.BucketEntry, 0, len(buckets)),
	}
	for _, b := range buckets {
		result.Buckets = append(result.Buckets, response.BucketEntry{
			Name:         b.Name,
			CreationDate: response.FormatTime(b.CreationDate),
			BucketRegion: b.Region,
		})
	}
	h.xmlWriter.WriteXML(w, result)
}
