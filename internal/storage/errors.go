package storage

import "errors"

// Sentinel errors surfaced by backends and the multipart engine. The gateway
// response package maps them onto S3 error codes and HTTP statuses.
var (
	ErrNoSuchBucket   = errors.New("storage: bucket does not exist")
	ErrBucketExists   = errors.New("storage: bucket already exists")
	ErrBucketNotEmpty = errors.New("storage: bucket is not empty")
	ErrNoSuchKey      = errors.New("storage: key does not exist")
	ErrNoSuchUpload   = errors.New("storage: upload does not exist")
	ErrNoSuchPart     = errors.New("storage: part does not exist")
	ErrInvalidRange   = errors.New("storage: requested range not satisfiable")
)
