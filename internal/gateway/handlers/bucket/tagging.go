package bucket

import (
	"encoding/xml"
	"io"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/response"
)

// GetTagging handles GET /<bucket>?tagging.
func (h *Handler) GetTagging(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	info, err := h.backend.GetBucket(r.Context(), bucket)
	if err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}

	tagging := response.Tagging{TagSet: []response.Tag{}}
	for k, v := range info.Tags {
		tagging.TagSet = append(tagging.TagSet, response.Tag{Key: k, Value: v})
	}
	sort.Slice(tagging.TagSet, func(i, j int) bool {
		return tagging.TagSet[i].Key < tagging.TagSet[j].Key
	})
	h.xmlWriter.WriteXML(w, tagging)
}

// PutTagging handles PUT /<bucket>?tagging, replacing the whole tag set.
func (h *Handler) PutTagging(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	var tagging response.Tagging
	if err := xml.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&tagging); err != nil {
		h.errorWriter.WriteS3Error(w, response.InvalidArgument("malformed tagging document"), bucket, "")
		return
	}

	tags := make(map[string]string, len(tagging.TagSet))
	for _, tag := range tagging.TagSet {
		if tag.Key == "" {
			h.errorWriter.WriteS3Error(w, response.InvalidArgument("tag keys must not be empty"), bucket, "")
			return
		}
		tags[tag.Key] = tag.Value
	}

	if err := h.backend.UpdateBucketTags(r.Context(), bucket, tags); err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteTagging handles DELETE /<bucket>?tagging.
func (h *Handler) DeleteTagging(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	if err := h.backend.UpdateBucketTags(r.Context(), bucket, nil); err != nil {
		h.errorWriter.WriteS3Error(w, err, bucket, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
