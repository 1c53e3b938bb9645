package multipart

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/response"
	"github.com/guided-traffic/s3-storage-gateway/internal/monitoring"
	"github.com/guided-traffic/s3-storage-gateway/internal/multipart"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage/memory"
)

func newTestHandler(t *testing.T) (*Handler, storage.Backend) {
	t.Helper()
	logger := logrus.NewEntry(logrus.New())
	backend := memory.New(logger)
	require.NoError(t, backend.CreateBucket(context.Background(), storage.DefaultBucketInfo("test-bucket", time.Now())))
	engine := multipart.NewEngine(backend, logger)
	return NewHandler(backend, engine, logger), backend
}

func newTestRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/{bucket}/{key:.+}", h.Initiate).Methods("POST").Queries("uploads", "")
	router.HandleFunc("/{bucket}/{key:.+}", h.UploadPartCopy).Methods("PUT").
		Queries("partNumber", "{partNumber}", "uploadId", "{uploadId}").
		Headers("x-amz-copy-source", "")
	router.HandleFunc("/{bucket}/{key:.+}", h.UploadPart).Methods("PUT").
		Queries("partNumber", "{partNumber}", "uploadId", "{uploadId}")
	router.HandleFunc("/{bucket}/{key:.+}", h.Complete).Methods("POST").Queries("uploadId", "{uploadId}")
	router.HandleFunc("/{bucket}/{key:.+}", h.Abort).Methods("DELETE").Queries("uploadId", "{uploadId}")
	router.HandleFunc("/{bucket}/{key:.+}", h.ListParts).Methods("GET").Queries("uploadId", "{uploadId}")
	router.HandleFunc("/{bucket}/{key:.+}", h.Head).Methods("HEAD").Queries("uploadId", "{uploadId}")
	router.HandleFunc("/{bucket}", h.ListUploads).Methods("GET").Queries("uploads", "")
	return router
}

func initiateUpload(t *testing.T, router *mux.Router, path string) string {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", path+"?uploads", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var result response.InitiateMultipartUploadResult
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &result))
	require.NotEmpty(t, result.UploadID)
	return result.UploadID
}

func uploadPart(t *testing.T, router *mux.Router, path, uploadID string, n int, body string) string {
	t.Helper()
	url := fmt.Sprintf("%s?partNumber=%d&uploadId=%s", path, n, uploadID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("PUT", url, strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	return strings.Trim(w.Header().Get("ETag"), `"`)
}

func TestMultipartLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)
	router := newTestRouter(h)

	uploadID := initiateUpload(t, router, "/test-bucket/big.bin")
	etag1 := uploadPart(t, router, "/test-bucket/big.bin", uploadID, 1, "Part 1 ")
	etag2 := uploadPart(t, router, "/test-bucket/big.bin", uploadID, 2, "Part 2")

	body := fmt.Sprintf(`<CompleteMultipartUpload>
		<Part><PartNumber>1</PartNumber><ETag>"%s"</ETag></Part>
		<Part><PartNumber>2</PartNumber><ETag>"%s"</ETag></Part>
	</CompleteMultipartUpload>`, etag1, etag2)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/test-bucket/big.bin?uploadId="+uploadID, strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "b7caaed650906202e60ccf15bf1e5806-2")
	assert.Contains(t, w.Body.String(), "<Location>/test-bucket/big.bin</Location>")

	// The upload is gone once completed.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test-bucket/big.bin?uploadId="+uploadID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompleteValidationErrors(t *testing.T) {
	h, _ := newTestHandler(t)
	router := newTestRouter(h)

	uploadID := initiateUpload(t, router, "/test-bucket/key")
	etag1 := uploadPart(t, router, "/test-bucket/key", uploadID, 1, "aaaa")
	etag2 := uploadPart(t, router, "/test-bucket/key", uploadID, 2, "bbbb")

	// Descending order.
	body := fmt.Sprintf(`<CompleteMultipartUpload>
		<Part><PartNumber>2</PartNumber><ETag>%s</ETag></Part>
		<Part><PartNumber>1</PartNumber><ETag>%s</ETag></Part>
	</CompleteMultipartUpload>`, etag2, etag1)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/test-bucket/key?uploadId="+uploadID, strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "InvalidPartOrder")

	// ETag mismatch.
	body = `<CompleteMultipartUpload><Part><PartNumber>1</PartNumber><ETag>"deadbeefdeadbeefdeadbeefdeadbeef"</ETag></Part></CompleteMultipartUpload>`
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/test-bucket/key?uploadId="+uploadID, strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "InvalidPart")

	// Unknown upload id.
	body = fmt.Sprintf(`<CompleteMultipartUpload><Part><PartNumber>1</PartNumber><ETag>%s</ETag></Part></CompleteMultipartUpload>`, etag1)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/test-bucket/key?uploadId=unknown", strings.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NoSuchUpload")
}

func TestUploadPartChecksum(t *testing.T) {
	h, _ := newTestHandler(t)
	router := newTestRouter(h)

	uploadID := initiateUpload(t, router, "/test-bucket/sum")

	r := httptest.NewRequest("PUT", "/test-bucket/sum?partNumber=1&uploadId="+uploadID, strings.NewReader("Hello World"))
	r.Header.Set("x-amz-checksum-crc32", "ShexVg==")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ShexVg==", w.Header().Get("x-amz-checksum-crc32"))

	r = httptest.NewRequest("PUT", "/test-bucket/sum?partNumber=2&uploadId="+uploadID, strings.NewReader("Hello World"))
	r.Header.Set("x-amz-checksum-crc32", "AAAAAA==")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "InvalidChecksum")
}

func TestUploadPartInvalidNumber(t *testing.T) {
	h, _ := newTestHandler(t)
	router := newTestRouter(h)
	uploadID := initiateUpload(t, router, "/test-bucket/key")

	for _, n := range []string{"0", "10001"} {
		w := httptest.NewRecorder()
		url := fmt.Sprintf("/test-bucket/key?partNumber=%s&uploadId=%s", n, uploadID)
		router.ServeHTTP(w, httptest.NewRequest("PUT", url, strings.NewReader("x")))
		assert.Equal(t, http.StatusBadRequest, w.Code, n)
		assert.Contains(t, w.Body.String(), "InvalidArgument")
	}
}

func TestUploadPartCopyRange(t *testing.T) {
	h, backend := newTestHandler(t)
	router := newTestRouter(h)
	ctx := context.Background()

	_, err := backend.PutObject(ctx, "test-bucket", "source", strings.NewReader("0123456789ABCDEFGHIJ"), storage.PutOptions{})
	require.NoError(t, err)

	uploadID := initiateUpload(t, router, "/test-bucket/target")

	r := httptest.NewRequest("PUT", "/test-bucket/target?partNumber=1&uploadId="+uploadID, nil)
	r.Header.Set("x-amz-copy-source", "/test-bucket/source")
	r.Header.Set("x-amz-copy-source-range", "bytes=5-14")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<CopyPartResult")

	// A range beyond the source is rejected, not clamped.
	r = httptest.NewRequest("PUT", "/test-bucket/target?partNumber=2&uploadId="+uploadID, nil)
	r.Header.Set("x-amz-copy-source", "/test-bucket/source")
	r.Header.Set("x-amz-copy-source-range", "bytes=10-100")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Contains(t, w.Body.String(), "InvalidRange")
}

func TestAbort(t *testing.T) {
	h, _ := newTestHandler(t)
	router := newTestRouter(h)
	uploadID := initiateUpload(t, router, "/test-bucket/key")
	uploadPart(t, router, "/test-bucket/key", uploadID, 1, "data")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/test-bucket/key?uploadId="+uploadID, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/test-bucket/key?uploadId="+uploadID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListPartsPaging(t *testing.T) {
	h, _ := newTestHandler(t)
	router := newTestRouter(h)
	uploadID := initiateUpload(t, router, "/test-bucket/key")
	for n := 1; n <= 4; n++ {
		uploadPart(t, router, "/test-bucket/key", uploadID, n, fmt.Sprintf("part-%d", n))
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test-bucket/key?uploadId="+uploadID+"&max-parts=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<PartNumber>1</PartNumber>")
	assert.Contains(t, body, "<PartNumber>2</PartNumber>")
	assert.NotContains(t, body, "<PartNumber>3</PartNumber>")
	assert.Contains(t, body, "<IsTruncated>true</IsTruncated>")
	assert.Contains(t, body, "<NextPartNumberMarker>2</NextPartNumberMarker>")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test-bucket/key?uploadId="+uploadID+"&part-number-marker=2", nil))
	body = w.Body.String()
	assert.Contains(t, body, "<PartNumber>3</PartNumber>")
	assert.Contains(t, body, "<PartNumber>4</PartNumber>")
	assert.NotContains(t, body, "<PartNumber>1</PartNumber>")
}

func TestListUploads(t *testing.T) {
	h, _ := newTestHandler(t)
	router := newTestRouter(h)

	id1 := initiateUpload(t, router, "/test-bucket/first")
	time.Sleep(2 * time.Millisecond)
	id2 := initiateUpload(t, router, "/test-bucket/second")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test-bucket?uploads", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, id1)
	assert.Contains(t, body, id2)
	assert.Contains(t, body, "<Key>first</Key>")
	assert.Less(t, strings.Index(body, id1), strings.Index(body, id2), "uploads are ordered by initiation time")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/no-such-bucket?uploads", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHeadUpload(t *testing.T) {
	h, _ := newTestHandler(t)
	router := newTestRouter(h)
	uploadID := initiateUpload(t, router, "/test-bucket/key")
	uploadPart(t, router, "/test-bucket/key", uploadID, 1, "12345")
	uploadPart(t, router, "/test-bucket/key", uploadID, 3, "67890123")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("HEAD", "/test-bucket/key?uploadId="+uploadID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("x-amz-parts-count"))
	assert.Equal(t, "3", w.Header().Get("x-amz-last-part-number"))
	assert.Equal(t, "13", w.Header().Get("x-amz-total-size"))
}

func TestInitiateWithChecksumAlgorithm(t *testing.T) {
	h, _ := newTestHandler(t)
	router := newTestRouter(h)

	r := httptest.NewRequest("POST", "/test-bucket/sum?uploads", nil)
	r.Header.Set("x-amz-checksum-algorithm", "CRC32")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var result response.InitiateMultipartUploadResult
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &result))

	etag := uploadPart(t, router, "/test-bucket/sum", result.UploadID, 1, "Hello World")
	body := fmt.Sprintf(`<CompleteMultipartUpload><Part><PartNumber>1</PartNumber><ETag>%s</ETag></Part></CompleteMultipartUpload>`, etag)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/test-bucket/sum?uploadId="+result.UploadID, strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<ChecksumCRC32>")
	assert.Contains(t, w.Body.String(), "-1</ChecksumCRC32>")
}

func TestUploadPartChecksumMismatchDiscardsPart(t *testing.T) {
	h, backend := newTestHandler(t)
	router := newTestRouter(h)
	ctx := context.Background()

	uploadID := initiateUpload(t, router, "/test-bucket/discard")

	r := httptest.NewRequest("PUT", "/test-bucket/discard?partNumber=1&uploadId="+uploadID, strings.NewReader("Hello World"))
	r.Header.Set("x-amz-checksum-crc32", "AAAAAA==")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "InvalidChecksum")

	// The rejected part left no trace: no record, no stored bytes.
	upload, err := backend.GetUpload(ctx, uploadID)
	require.NoError(t, err)
	assert.Empty(t, upload.Parts)
	_, err = backend.GetPart(ctx, uploadID, 1)
	assert.ErrorIs(t, err, storage.ErrNoSuchPart)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test-bucket/discard?uploadId="+uploadID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "<PartNumber>")
}

func TestMultipartMetricsRecorded(t *testing.T) {
	h, _ := newTestHandler(t)
	router := newTestRouter(h)

	initiatedBefore := testutil.ToFloat64(monitoring.MultipartUploadsTotal.WithLabelValues("initiated"))
	acceptedBefore := testutil.ToFloat64(monitoring.MultipartUploadPartsTotal.WithLabelValues("accepted"))

	uploadID := initiateUpload(t, router, "/test-bucket/metered")
	uploadPart(t, router, "/test-bucket/metered", uploadID, 1, "Part 1 ")

	assert.Equal(t, float64(1), testutil.ToFloat64(monitoring.MultipartUploadsTotal.WithLabelValues("initiated"))-initiatedBefore)
	assert.Equal(t, float64(1), testutil.ToFloat64(monitoring.MultipartUploadPartsTotal.WithLabelValues("accepted"))-acceptedBefore)
}
