package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMiddlewareLabelsByRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(HTTPMiddleware)
	router.HandleFunc("/{bucket}/{key:.+}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods("GET")

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/{bucket}/{key:.+}", "404"))

	// Two different keys land on the same endpoint label.
	for _, path := range []string{"/bkt/a.txt", "/bkt/deep/b.txt"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/{bucket}/{key:.+}", "404"))
	assert.Equal(t, float64(2), after-before)
}

func TestHTTPMiddlewareDefaultsStatusOK(t *testing.T) {
	router := mux.NewRouter()
	router.Use(HTTPMiddleware)
	router.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/ok", "200"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/ok", nil))
	require.Equal(t, http.StatusOK, w.Code)

	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/ok", "200"))
	assert.Equal(t, float64(1), after-before)
}
