package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/request"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/response"
	"github.com/guided-traffic/s3-storage-gateway/internal/monitoring"
)

// Permission names a user may hold on a bucket.
const (
	PermissionRead   = "read"
	PermissionWrite  = "write"
	PermissionDelete = "delete"
	PermissionList   = "list"
	PermissionAll    = "*"
)

// BucketPermission grants permissions on one bucket, or on all buckets when
// BucketName is "*".
type BucketPermission struct {
	BucketName  string
	Permissions []string
}

// User is one configured S3 identity.
type User struct {
	AccessKeyID       string
	SecretAccessKey   string
	Name              string
	BucketPermissions []BucketPermission
}

// Allowed reports whether the user holds the permission on the bucket.
// Bucket names match case-insensitively; "*" matches everything.
func (u *User) Allowed(bucket, permission string) bool {
	for _, bp := range u.BucketPermissions {
		if bp.BucketName != "*" && !strings.EqualFold(bp.BucketName, bucket) {
			continue
		}
		for _, p := range bp.Permissions {
			if p == PermissionAll || p == permission {
				return true
			}
		}
	}
	return false
}

type contextKey string

const (
	accessKeyContextKey   contextKey = "access-key-id"
	chunkedBodyContextKey contextKey = "chunked-body"
)

// AccessKeyID returns the authenticated access key, or "" for anonymous
// requests.
func AccessKeyID(r *http.Request) string {
	if v, ok := r.Context().Value(accessKeyContextKey).(string); ok {
		return v
	}
	return ""
}

// ChunkedBody returns the streaming body decoder installed on the request,
// nil when the body was not aws-chunked. Its trailers are valid after the
// body has been consumed.
func ChunkedBody(r *http.Request) *request.ChunkedReader {
	if v, ok := r.Context().Value(chunkedBodyContextKey).(*request.ChunkedReader); ok {
		return v
	}
	return nil
}

// Authenticator enforces SigV4 authentication and bucket permissions. With
// authentication disabled requests pass anonymously, but aws-chunked bodies
// are still decoded.
type Authenticator struct {
	enabled     bool
	users       map[string]*User
	verifier    *SigV4Verifier
	errorWriter *response.ErrorWriter
	logger      *logrus.Entry
}

// NewAuthenticator builds the middleware from the configured users.
func NewAuthenticator(enabled bool, users []User, logger *logrus.Entry) *Authenticator {
	byKey := make(map[string]*User, len(users))
	credentials := make(map[string]string, len(users))
	for i := range users {
		byKey[users[i].AccessKeyID] = &users[i]
		credentials[users[i].AccessKeyID] = users[i].SecretAccessKey
	}
	return &Authenticator{
		enabled:     enabled,
		users:       byKey,
		verifier:    NewSigV4Verifier(credentials, logger),
		errorWriter: response.NewErrorWriter(logger),
		logger:      logger.WithField("component", "auth"),
	}
}

// Middleware returns the HTTP middleware function.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		bucket, key := vars["bucket"], vars["key"]

		if !a.enabled {
			a.installChunkedBody(&r, nil)
			next.ServeHTTP(w, r)
			return
		}

		result, err := a.verifier.Verify(r)
		if err != nil {
			monitoring.RecordAuthFailure(authFailureReason(err))
			a.errorWriter.WriteS3Error(w, err, bucket, key)
			return
		}

		user := a.users[result.AccessKeyID]
		if bucket != "" {
			permission := derivePermission(r.Method, key)
			if !user.Allowed(bucket, permission) {
				a.logger.WithFields(logrus.Fields{
					"access_key_id": result.AccessKeyID,
					"bucket":        bucket,
					"permission":    permission,
				}).Warn("authorization denied")
				monitoring.RecordAuthFailure("AccessDenied")
				a.errorWriter.WriteS3Error(w, response.AccessDenied("Access denied"), bucket, key)
				return
			}
		}

		r = r.WithContext(context.WithValue(r.Context(), accessKeyContextKey, result.AccessKeyID))
		if result.StreamingBody() {
			a.installChunkedBody(&r, result.Signing)
		}
		next.ServeHTTP(w, r)
	})
}

// authFailureReason labels an authentication failure with its S3 error code.
func authFailureReason(err error) string {
	var s3err *response.S3Error
	if errors.As(err, &s3err) {
		return s3err.Code
	}
	return "unknown"
}

// derivePermission maps the HTTP method onto the permission model. Bucket
// level reads are listings.
func derivePermission(method, key string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		if key == "" {
			return PermissionList
		}
		return PermissionRead
	case http.MethodPut, http.MethodPost:
		return PermissionWrite
	case http.MethodDelete:
		return PermissionDelete
	default:
		return PermissionRead
	}
}

// installChunkedBody replaces the request body with the aws-chunked decoder
// when the request declares a streaming payload. With a nil signing context
// only framing is decoded. ContentLength is corrected to the decoded length.
func (a *Authenticator) installChunkedBody(r **http.Request, signing *request.SigningContext) {
	req := *r
	payloadHash := req.Header.Get("X-Amz-Content-Sha256")
	isStreaming := payloadHash == streamingSignedPayload ||
		payloadHash == streamingSignedTrailer ||
		payloadHash == streamingUnsignedTrailer ||
		strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked")
	if !isStreaming || req.Body == nil {
		return
	}

	cr := request.NewChunkedReader(req.Body, signing)
	req.Body = io.NopCloser(cr)
	if decoded := req.Header.Get("X-Amz-Decoded-Content-Length"); decoded != "" {
		if n, err := strconv.ParseInt(decoded, 10, 64); err == nil {
			req.ContentLength = n
		}
	}
	*r = req.WithContext(context.WithValue(req.Context(), chunkedBodyContextKey, cr))
}
