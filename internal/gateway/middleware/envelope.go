// Package middleware carries the gateway's HTTP middleware chain: response
// envelope stamping, request logging and SigV4 authentication.
package middleware

import (
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope stamps the S3 response envelope headers on every response before
// the handler runs, so error bodies can echo the request id.
type Envelope struct{}

// NewEnvelope creates the envelope middleware.
func NewEnvelope() *Envelope {
	return &Envelope{}
}

// Middleware returns the HTTP middleware function.
func (e *Envelope) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := newRequestID()
		w.Header().Set("x-amz-request-id", requestID)
		w.Header().Set("x-amz-id-2", newHostID())
		w.Header().Set("Server", "AmazonS3")
		w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))

		next.ServeHTTP(w, r)
	})
}

// newRequestID returns a 16-character uppercase hex token.
func newRequestID() string {
	id := uuid.New()
	return strings.ToUpper(hex.EncodeToString(id[:8]))
}

// newHostID returns an opaque base64 token.
func newHostID() string {
	a, b := uuid.New(), uuid.New()
	return base64.StdEncoding.EncodeToString(append(a[:], b[:]...))
}
