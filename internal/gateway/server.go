// Package gateway assembles the S3 API server: storage backend, multipart
// engine, middleware chain and routing table.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/s3-storage-gateway/internal/config"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/handlers/health"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/middleware"
	"github.com/guided-traffic/s3-storage-gateway/internal/multipart"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage/filesystem"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage/memory"
)

// Server is the S3 gateway server.
type Server struct {
	httpServer *http.Server
	backend    storage.Backend
	engine     *multipart.Engine
	config     *config.Config
	build      health.BuildInfo
	logger     *logrus.Entry
}

// NewServer creates a gateway server from the configuration, wiring the
// configured storage backend.
func NewServer(cfg *config.Config, build health.BuildInfo) (*Server, error) {
	logger := logrus.WithField("component", "gateway-server")

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return nil, err
	}

	server := &Server{
		backend: backend,
		engine:  multipart.NewEngine(backend, logger),
		config:  cfg,
		build:   build,
		logger:  logger,
	}

	router := mux.NewRouter()
	server.setupRoutes(router)

	server.httpServer = &http.Server{
		Addr:        cfg.BindAddress,
		Handler:     router,
		ReadTimeout: 10 * time.Minute,
		IdleTimeout: 60 * time.Second,
	}
	return server, nil
}

// newBackend instantiates the storage backend named by storage.type.
func newBackend(cfg *config.Config, logger *logrus.Entry) (storage.Backend, error) {
	switch cfg.Storage.Type {
	case config.StorageTypeInMemory:
		logger.Info("using in-memory storage backend")
		return memory.New(logger), nil
	case config.StorageTypeFilesystem:
		logger.WithFields(logrus.Fields{
			"data_directory":     cfg.Storage.Filesystem.DataDirectory,
			"metadata_directory": cfg.Storage.Filesystem.MetadataDirectory,
		}).Info("using filesystem storage backend")
		return filesystem.New(cfg.Storage.Filesystem.DataDirectory, cfg.Storage.Filesystem.MetadataDirectory, logger)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// Backend exposes the storage backend, used by the cleanup sweeper.
func (s *Server) Backend() storage.Backend {
	return s.backend
}

// Handler returns the assembled HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the server until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	serverErrChan := make(chan error, 1)
	go func() {
		if s.config.TLS.Enabled {
			s.logger.WithFields(logrus.Fields{
				"address":   s.config.BindAddress,
				"cert_file": s.config.TLS.CertFile,
			}).Info("Starting HTTPS server")
			if err := s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile); err != nil && err != http.ErrServerClosed {
				serverErrChan <- fmt.Errorf("HTTPS server failed: %w", err)
			}
		} else {
			s.logger.WithField("address", s.config.BindAddress).Info("Starting HTTP server")
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErrChan <- fmt.Errorf("HTTP server failed: %w", err)
			}
		}
	}()

	select {
	case err := <-serverErrChan:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down server")

		timeout := time.Duration(s.config.ShutdownTimeout) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to gracefully shutdown server")
			return err
		}

		if closer, ok := s.backend.(interface{ Close() }); ok {
			closer.Close()
		}
		s.logger.Info("Server stopped")
		return nil
	}
}

// authUsers converts configured users into the middleware's model.
func authUsers(users []config.User) []middleware.User {
	converted := make([]middleware.User, 0, len(users))
	for _, u := range users {
		user := middleware.User{
			AccessKeyID:     u.AccessKeyID,
			SecretAccessKey: u.SecretAccessKey,
			Name:            u.Name,
		}
		for _, bp := range u.BucketPermissions {
			user.BucketPermissions = append(user.BucketPermissions, middleware.BucketPermission{
				BucketName:  bp.BucketName,
				Permissions: bp.Permissions,
			})
		}
		converted = append(converted, user)
	}
	return converted
}
