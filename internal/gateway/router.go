package gateway

import (
	"github.com/gorilla/mux"

	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/handlers/bucket"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/handlers/health"
	multiparthandler "github.com/guided-traffic/s3-storage-gateway/internal/gateway/handlers/multipart"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/handlers/object"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/handlers/root"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/middleware"
	"github.com/guided-traffic/s3-storage-gateway/internal/monitoring"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

// setupRoutes configures the HTTP routes for the S3 API.
func (s *Server) setupRoutes(router *mux.Router) {
	healthHandler := health.NewHandler(s.logger, s.build)

	// Health and version endpoints bypass authentication.
	healthRouter := router.NewRoute().Subrouter()
	healthRouter.HandleFunc("/health", healthHandler.Health).Methods("GET")
	healthRouter.HandleFunc("/version", healthHandler.Version).Methods("GET")

	// S3 API endpoints behind the middleware chain.
	s3Router := router.NewRoute().Subrouter()

	envelope := middleware.NewEnvelope()
	requestLogger := middleware.NewLogger(s.logger, s.config.LogHealthRequests)
	auth := middleware.NewAuthenticator(s.config.Authentication.Enabled, authUsers(s.config.Authentication.Users), s.logger)

	s3Router.Use(envelope.Middleware)
	s3Router.Use(requestLogger.Middleware)
	if s.config.Monitoring.Enabled {
		s3Router.Use(monitoring.HTTPMiddleware)
	}
	s3Router.Use(auth.Middleware)

	bucketType, _ := storage.ParseBucketType(s.config.BucketDefaults.Type)
	defaults := bucket.Defaults{
		Type:         bucketType,
		StorageClass: s.config.BucketDefaults.StorageClass,
		Region:       s.config.Region,
	}

	rootHandler := root.NewHandler(s.backend, s.logger)
	bucketHandler := bucket.NewHandler(s.backend, defaults, s.logger)
	objectHandler := object.NewHandler(s.backend, s.logger)
	multipartHandler := multiparthandler.NewHandler(s.backend, s.engine, s.logger)

	// Root endpoint.
	s3Router.HandleFunc("/", rootHandler.ListBuckets).Methods("GET")

	// Bucket sub-resources (must be registered before general bucket routes).
	s3Router.HandleFunc("/{bucket}", bucketHandler.Location).Methods("GET").Queries("location", "")
	s3Router.HandleFunc("/{bucket}", bucketHandler.GetTagging).Methods("GET").Queries("tagging", "")
	s3Router.HandleFunc("/{bucket}", bucketHandler.PutTagging).Methods("PUT").Queries("tagging", "")
	s3Router.HandleFunc("/{bucket}", bucketHandler.DeleteTagging).Methods("DELETE").Queries("tagging", "")
	s3Router.HandleFunc("/{bucket}", multipartHandler.ListUploads).Methods("GET").Queries("uploads", "")

	// Multipart upload operations (query matchers before generic object routes).
	s3Router.HandleFunc("/{bucket}/{key:.+}", multipartHandler.Initiate).Methods("POST").Queries("uploads", "")
	s3Router.HandleFunc("/{bucket}/{key:.+}", multipartHandler.UploadPartCopy).Methods("PUT").
		Queries("partNumber", "{partNumber:[0-9]+}", "uploadId", "{uploadId}").
		Headers("x-amz-copy-source", "")
	s3Router.HandleFunc("/{bucket}/{key:.+}", multipartHandler.UploadPart).Methods("PUT").
		Queries("partNumber", "{partNumber:[0-9]+}", "uploadId", "{uploadId}")
	s3Router.HandleFunc("/{bucket}/{key:.+}", multipartHandler.Complete).Methods("POST").Queries("uploadId", "{uploadId}")
	s3Router.HandleFunc("/{bucket}/{key:.+}", multipartHandler.Abort).Methods("DELETE").Queries("uploadId", "{uploadId}")
	s3Router.HandleFunc("/{bucket}/{key:.+}", multipartHandler.ListParts).Methods("GET").Queries("uploadId", "{uploadId}")
	s3Router.HandleFunc("/{bucket}/{key:.+}", multipartHandler.Head).Methods("HEAD").Queries("uploadId", "{uploadId}")

	// Bucket operations.
	s3Router.HandleFunc("/{bucket}", bucketHandler.List).Methods("GET")
	s3Router.HandleFunc("/{bucket}/", bucketHandler.List).Methods("GET")
	s3Router.HandleFunc("/{bucket}", bucketHandler.Create).Methods("PUT")
	s3Router.HandleFunc("/{bucket}", bucketHandler.Delete).Methods("DELETE")
	s3Router.HandleFunc("/{bucket}", bucketHandler.Head).Methods("HEAD")

	// Object operations. Copy is distinguished by the x-amz-copy-source header.
	s3Router.HandleFunc("/{bucket}/{key:.+}", objectHandler.Copy).Methods("PUT").Headers("x-amz-copy-source", "")
	s3Router.HandleFunc("/{bucket}/{key:.+}", objectHandler.Put).Methods("PUT")
	s3Router.HandleFunc("/{bucket}/{key:.+}", objectHandler.Get).Methods("GET")
	s3Router.HandleFunc("/{bucket}/{key:.+}", objectHandler.Head).Methods("HEAD")
	s3Router.HandleFunc("/{bucket}/{key:.+}", objectHandler.Delete).Methods("DELETE")
}
