// Package health serves the unauthenticated health and version endpoints.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// BuildInfo carries the values injected at build time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Handler handles health and version endpoints.
type Handler struct {
	logger *logrus.Entry
	build  BuildInfo
}

// NewHandler creates a new health handler.
func NewHandler(logger *logrus.Entry, build BuildInfo) *Handler {
	if build.Version == "" {
		build.Version = "dev"
	}
	return &Handler{logger: logger, build: build}
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "healthy"}); err != nil {
		h.logger.WithError(err).Error("Failed to write health response")
	}
}

// Version handles the version endpoint.
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	response := map[string]string{
		"service":    "s3-storage-gateway",
		"version":    h.build.Version,
		"commit":     h.build.Commit,
		"build_time": h.build.BuildTime,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.WithError(err).Error("Failed to write version response")
	}
}
