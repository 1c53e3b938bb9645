package response

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/s3-storage-gateway/internal/checksum"
	"github.com/guided-traffic/s3-storage-gateway/internal/multipart"
	"github.com/guided-traffic/s3-storage-gateway/internal/pathlock"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

// S3Error is an error carrying its S3 code and HTTP status.
type S3Error struct {
	Code     string
	Message  string
	Status   int
	Resource string
}

func (e *S3Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewS3Error builds an error with explicit code, status and message.
func NewS3Error(code string, status int, message string) *S3Error {
	return &S3Error{Code: code, Message: message, Status: status}
}

func NoSuchBucket(bucket string) *S3Error {
	return &S3Error{Code: "NoSuchBucket", Message: "The specified bucket does not exist", Status: http.StatusNotFound, Resource: bucket}
}

func NoSuchKey(key string) *S3Error {
	return &S3Error{Code: "NoSuchKey", Message: "The specified key does not exist", Status: http.StatusNotFound, Resource: key}
}

func NoSuchUpload(uploadID string) *S3Error {
	return &S3Error{Code: "NoSuchUpload", Message: "The specified multipart upload does not exist", Status: http.StatusNotFound, Resource: uploadID}
}

func BucketAlreadyExists(bucket string) *S3Error {
	return &S3Error{Code: "BucketAlreadyExists", Message: "The requested bucket name is not available", Status: http.StatusConflict, Resource: bucket}
}

func BucketNotEmpty(bucket string) *S3Error {
	return &S3Error{Code: "BucketNotEmpty", Message: "The bucket you tried to delete is not empty", Status: http.StatusConflict, Resource: bucket}
}

func InvalidArgument(message string) *S3Error {
	return &S3Error{Code: "InvalidArgument", Message: message, Status: http.StatusBadRequest}
}

func InvalidBucketName(bucket string) *S3Error {
	return &S3Error{Code: "InvalidBucketName", Message: "The specified bucket is not valid", Status: http.StatusBadRequest, Resource: bucket}
}

func InvalidChecksum(message string) *S3Error {
	return &S3Error{Code: "InvalidChecksum", Message: message, Status: http.StatusBadRequest}
}

func InvalidPart(message string) *S3Error {
	return &S3Error{Code: "InvalidPart", Message: message, Status: http.StatusBadRequest}
}

func InvalidPartOrder() *S3Error {
	return &S3Error{Code: "InvalidPartOrder", Message: "The list of parts was not in ascending order. Parts must be ordered by part number.", Status: http.StatusBadRequest}
}

func InvalidRange(message string) *S3Error {
	return &S3Error{Code: "InvalidRange", Message: message, Status: http.StatusRequestedRangeNotSatisfiable}
}

func SignatureDoesNotMatch(message string) *S3Error {
	return &S3Error{Code: "SignatureDoesNotMatch", Message: message, Status: http.StatusForbidden}
}

func AccessDenied(message string) *S3Error {
	return &S3Error{Code: "AccessDenied", Message: message, Status: http.StatusForbidden}
}

func InvalidAccessKeyID(message string) *S3Error {
	return &S3Error{Code: "InvalidAccessKeyId", Message: message, Status: http.StatusForbidden}
}

func RequestTimeTooSkewed(message string) *S3Error {
	return &S3Error{Code: "RequestTimeTooSkewed", Message: message, Status: http.StatusForbidden}
}

func InternalError(message string) *S3Error {
	return &S3Error{Code: "InternalError", Message: message, Status: http.StatusInternalServerError}
}

// FromError maps storage, multipart and checksum errors onto S3 errors.
// Unrecognized errors become InternalError, including lock timeouts.
func FromError(err error, bucket, key string) *S3Error {
	var s3err *S3Error
	if errors.As(err, &s3err) {
		return s3err
	}

	switch {
	case errors.Is(err, storage.ErrNoSuchBucket):
		return NoSuchBucket(bucket)
	case errors.Is(err, storage.ErrNoSuchKey):
		return NoSuchKey(key)
	case errors.Is(err, storage.ErrNoSuchUpload), errors.Is(err, multipart.ErrUploadMismatch):
		return NoSuchUpload(key)
	case errors.Is(err, storage.ErrNoSuchPart):
		return InvalidPart(err.Error())
	case errors.Is(err, storage.ErrBucketExists):
		return BucketAlreadyExists(bucket)
	case errors.Is(err, storage.ErrBucketNotEmpty):
		return BucketNotEmpty(bucket)
	case errors.Is(err, storage.ErrInvalidRange):
		return InvalidRange(err.Error())
	case errors.Is(err, multipart.ErrInvalidPartOrder):
		return InvalidPartOrder()
	case errors.Is(err, multipart.ErrInvalidPart):
		return InvalidPart(err.Error())
	case errors.Is(err, multipart.ErrInvalidPartNumber):
		return InvalidArgument(err.Error())
	case errors.Is(err, checksum.ErrUnsupportedAlgorithm):
		return InvalidArgument(err.Error())
	case errors.Is(err, pathlock.ErrTimeout):
		return InternalError("The operation timed out waiting for a storage lock. Please retry.")
	default:
		return InternalError(err.Error())
	}
}

// errorDocument is the S3 error XML body.
type errorDocument struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId,omitempty"`
	HostID    string   `xml:"HostId,omitempty"`
}

// ErrorWriter renders S3 error responses.
type ErrorWriter struct {
	logger *logrus.Entry
}

// NewErrorWriter creates a new error response writer.
func NewErrorWriter(logger *logrus.Entry) *ErrorWriter {
	return &ErrorWriter{
		logger: logger,
	}
}

// WriteS3Error maps err and writes the error XML. The request id and host id
// already stamped on the response headers are echoed into the body.
func (e *ErrorWriter) WriteS3Error(w http.ResponseWriter, err error, bucket, key string) {
	s3err := FromError(err, bucket, key)

	logEntry := e.logger.WithError(err).WithFields(logrus.Fields{
		"bucket":      bucket,
		"key":         key,
		"error_code":  s3err.Code,
		"status_code": s3err.Status,
	})
	if s3err.Status >= 500 {
		logEntry.Error("request failed")
	} else {
		logEntry.Warn("request failed with client error")
	}

	resource := s3err.Resource
	if resource == "" {
		resource = "/" + bucket
		if key != "" {
			resource += "/" + key
		}
	}

	doc := errorDocument{
		Code:      s3err.Code,
		Message:   s3err.Message,
		Resource:  resource,
		RequestID: w.Header().Get("x-amz-request-id"),
		HostID:    w.Header().Get("x-amz-id-2"),
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(s3err.Status)
	if _, werr := w.Write([]byte(xml.Header)); werr != nil {
		e.logger.WithError(werr).Error("failed to write error response")
		return
	}
	if werr := xml.NewEncoder(w).Encode(doc); werr != nil {
		e.logger.WithError(werr).Error("failed to write error response")
	}
}

// WriteGenericError writes an error with an explicit code and message.
func (e *ErrorWriter) WriteGenericError(w http.ResponseWriter, statusCode int, code, message string) {
	e.WriteS3Error(w, NewS3Error(code, statusCode, message), "", "")
}
