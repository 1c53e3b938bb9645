package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/s3-storage-gateway/internal/monitoring"
)

func TestUserAllowed(t *testing.T) {
	user := &User{
		AccessKeyID: "AK",
		BucketPermissions: []BucketPermission{
			{BucketName: "Photos", Permissions: []string{PermissionRead, PermissionList}},
			{BucketName: "*", Permissions: []string{PermissionList}},
		},
	}

	assert.True(t, user.Allowed("photos", PermissionRead), "bucket match is case-insensitive")
	assert.True(t, user.Allowed("photos", PermissionList))
	assert.False(t, user.Allowed("photos", PermissionWrite))
	assert.True(t, user.Allowed("anything", PermissionList), "wildcard bucket grants list everywhere")
	assert.False(t, user.Allowed("anything", PermissionDelete))

	admin := &User{
		AccessKeyID:       "ADMIN",
		BucketPermissions: []BucketPermission{{BucketName: "*", Permissions: []string{PermissionAll}}},
	}
	assert.True(t, admin.Allowed("any", PermissionDelete))
}

func TestDerivePermission(t *testing.T) {
	assert.Equal(t, PermissionList, derivePermission(http.MethodGet, ""))
	assert.Equal(t, PermissionRead, derivePermission(http.MethodGet, "key"))
	assert.Equal(t, PermissionRead, derivePermission(http.MethodHead, "key"))
	assert.Equal(t, PermissionWrite, derivePermission(http.MethodPut, "key"))
	assert.Equal(t, PermissionWrite, derivePermission(http.MethodPost, "key"))
	assert.Equal(t, PermissionDelete, derivePermission(http.MethodDelete, "key"))
}

func TestDisabledAuthDecodesChunkedBody(t *testing.T) {
	auth := NewAuthenticator(false, nil, logrus.NewEntry(logrus.New()))

	var gotBody string
	var gotTrailer string
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = string(data)
		if cr := ChunkedBody(r); cr != nil {
			gotTrailer = cr.Trailers()["x-amz-checksum-crc32"]
		}
	}))

	router := mux.NewRouter()
	router.PathPrefix("/").Handler(handler)

	body := "b\r\nHello World\r\n0\r\nx-amz-checksum-crc32:ShexVg==\r\n\r\n"
	r := httptest.NewRequest("PUT", "/bucket/key", strings.NewReader(body))
	r.Header.Set("X-Amz-Content-Sha256", "STREAMING-UNSIGNED-PAYLOAD-TRAILER")
	r.Header.Set("X-Amz-Decoded-Content-Length", "11")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, "Hello World", gotBody)
	assert.Equal(t, "ShexVg==", gotTrailer)
}

func TestAuthDeniedWithoutPermission(t *testing.T) {
	users := []User{{
		AccessKeyID:       exampleAccessKey,
		SecretAccessKey:   exampleSecretKey,
		BucketPermissions: []BucketPermission{{BucketName: "examplebucket", Permissions: []string{PermissionRead}}},
	}}
	auth := NewAuthenticator(true, users, logrus.NewEntry(logrus.New()))

	router := mux.NewRouter()
	router.Handle("/{bucket}/{key:.+}", auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	// Unauthenticated request is rejected before permissions are consulted.
	r := httptest.NewRequest("PUT", "/examplebucket/key", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "AccessDenied")
}

func TestAuthFailureMetricRecorded(t *testing.T) {
	auth := NewAuthenticator(true, []User{{
		AccessKeyID:     exampleAccessKey,
		SecretAccessKey: exampleSecretKey,
	}}, logrus.NewEntry(logrus.New()))

	router := mux.NewRouter()
	router.Handle("/{bucket}/{key:.+}", auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	before := testutil.ToFloat64(monitoring.AuthFailuresTotal.WithLabelValues("AccessDenied"))

	r := httptest.NewRequest("PUT", "/examplebucket/key", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusForbidden, w.Code)

	after := testutil.ToFloat64(monitoring.AuthFailuresTotal.WithLabelValues("AccessDenied"))
	assert.Equal(t, float64(1), after-before)
}
