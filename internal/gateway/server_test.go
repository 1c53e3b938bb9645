package gateway

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/s3-storage-gateway/internal/config"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/handlers/health"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/response"
)

func newTestServer(t *testing.T, authEnabled bool, users []config.User) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		BindAddress: "127.0.0.1:0",
		Region:      "us-east-1",
		Storage:     config.StorageConfig{Type: config.StorageTypeInMemory},
		Authentication: config.AuthenticationConfig{
			Enabled: authEnabled,
			Users:   users,
		},
	}
	server, err := NewServer(cfg, health.BuildInfo{Version: "test"})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body string, headers map[string]string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String()
}

func TestObjectRoundTrip(t *testing.T) {
	ts := newTestServer(t, false, nil)

	resp := do(t, "PUT", ts.URL+"/test-bucket", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, "PUT", ts.URL+"/test-bucket/hello.txt", "Hello World", map[string]string{
		"Content-Type": "text/plain",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"b10a8db164e0754105b7a99be72e3fe5"`, resp.Header.Get("ETag"))
	resp.Body.Close()

	resp = do(t, "GET", ts.URL+"/test-bucket/hello.txt", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello World", readBody(t, resp))
}

func TestResponseEnvelope(t *testing.T) {
	ts := newTestServer(t, false, nil)

	resp := do(t, "GET", ts.URL+"/absent-bucket/absent-key", "", nil)
	body := readBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	requestID := resp.Header.Get("x-amz-request-id")
	assert.Regexp(t, regexp.MustCompile(`^[0-9A-F]{16}$`), requestID)
	assert.NotEmpty(t, resp.Header.Get("x-amz-id-2"))
	assert.Equal(t, "AmazonS3", resp.Header.Get("Server"))
	assert.NotEmpty(t, resp.Header.Get("Date"))

	// The error body echoes the same request id.
	assert.Contains(t, body, "<Code>NoSuchBucket</Code>")
	assert.Contains(t, body, "<RequestId>"+requestID+"</RequestId>")
}

func TestStreamingUnsignedTrailerUpload(t *testing.T) {
	ts := newTestServer(t, false, nil)

	resp := do(t, "PUT", ts.URL+"/test-bucket", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	chunked := "b\r\nHello World\r\n0\r\nx-amz-checksum-crc32:ShexVg==\r\n\r\n"
	resp = do(t, "PUT", ts.URL+"/test-bucket/streamed.txt", chunked, map[string]string{
		"X-Amz-Content-Sha256":         "STREAMING-UNSIGNED-PAYLOAD-TRAILER",
		"X-Amz-Decoded-Content-Length": "11",
		"X-Amz-Trailer":                "x-amz-checksum-crc32",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ShexVg==", resp.Header.Get("x-amz-checksum-crc32"))
	resp.Body.Close()

	resp = do(t, "GET", ts.URL+"/test-bucket/streamed.txt", "", nil)
	assert.Equal(t, "Hello World", readBody(t, resp))
}

func TestMultipartUploadScenario(t *testing.T) {
	ts := newTestServer(t, false, nil)

	resp := do(t, "PUT", ts.URL+"/test-bucket", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, "POST", ts.URL+"/test-bucket/big.bin?uploads", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var initiate response.InitiateMultipartUploadResult
	require.NoError(t, xml.Unmarshal([]byte(readBody(t, resp)), &initiate))

	etags := make([]string, 0, 2)
	for i, content := range []string{"Part 1 ", "Part 2"} {
		url := fmt.Sprintf("%s/test-bucket/big.bin?partNumber=%d&uploadId=%s", ts.URL, i+1, initiate.UploadID)
		resp = do(t, "PUT", url, content, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		etags = append(etags, resp.Header.Get("ETag"))
		resp.Body.Close()
	}

	completeBody := fmt.Sprintf(`<CompleteMultipartUpload>
		<Part><PartNumber>1</PartNumber><ETag>%s</ETag></Part>
		<Part><PartNumber>2</PartNumber><ETag>%s</ETag></Part>
	</CompleteMultipartUpload>`, etags[0], etags[1])
	resp = do(t, "POST", ts.URL+"/test-bucket/big.bin?uploadId="+initiate.UploadID, completeBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "b7caaed650906202e60ccf15bf1e5806-2")

	resp = do(t, "GET", ts.URL+"/test-bucket/big.bin", "", nil)
	assert.Equal(t, "Part 1 Part 2", readBody(t, resp))
}

func TestUploadPartCopyScenario(t *testing.T) {
	ts := newTestServer(t, false, nil)

	resp := do(t, "PUT", ts.URL+"/test-bucket", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, "PUT", ts.URL+"/test-bucket/source", "0123456789ABCDEFGHIJ", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, "POST", ts.URL+"/test-bucket/target?uploads", "", nil)
	var initiate response.InitiateMultipartUploadResult
	require.NoError(t, xml.Unmarshal([]byte(readBody(t, resp)), &initiate))

	url := ts.URL + "/test-bucket/target?partNumber=1&uploadId=" + initiate.UploadID
	resp = do(t, "PUT", url, "", map[string]string{
		"x-amz-copy-source":       "/test-bucket/source",
		"x-amz-copy-source-range": "bytes=5-14",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "<CopyPartResult")

	var copyResult response.CopyPartResult
	require.NoError(t, xml.Unmarshal([]byte(body), &copyResult))
	etag := copyResult.ETag

	completeBody := fmt.Sprintf(`<CompleteMultipartUpload><Part><PartNumber>1</PartNumber><ETag>%s</ETag></Part></CompleteMultipartUpload>`, etag)
	resp = do(t, "POST", ts.URL+"/test-bucket/target?uploadId="+initiate.UploadID, completeBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, "GET", ts.URL+"/test-bucket/target", "", nil)
	assert.Equal(t, "56789ABCDE", readBody(t, resp))
}

func TestDelimiterListingScenario(t *testing.T) {
	ts := newTestServer(t, false, nil)

	resp := do(t, "PUT", ts.URL+"/media", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	for _, key := range []string{"photos/2024/a.jpg", "photos/2024/b.jpg", "photos/2025/c.jpg", "readme.txt"} {
		resp = do(t, "PUT", ts.URL+"/media/"+key, "data", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp = do(t, "GET", ts.URL+"/media?prefix=photos/&delimiter=/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "<Prefix>photos/2024/</Prefix>")
	assert.Contains(t, body, "<Prefix>photos/2025/</Prefix>")
	assert.NotContains(t, body, "a.jpg")
	assert.NotContains(t, body, "readme.txt")
}

func TestListBuckets(t *testing.T) {
	ts := newTestServer(t, false, nil)

	for _, name := range []string{"alpha", "beta"} {
		resp := do(t, "PUT", ts.URL+"/"+name, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := do(t, "GET", ts.URL+"/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "<Name>alpha</Name>")
	assert.Contains(t, body, "<Name>beta</Name>")
}

func TestHealthBypassesAuth(t *testing.T) {
	ts := newTestServer(t, true, []config.User{{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
	}})

	resp := do(t, "GET", ts.URL+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "healthy")

	// The S3 surface itself is locked down.
	resp = do(t, "GET", ts.URL+"/", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}
