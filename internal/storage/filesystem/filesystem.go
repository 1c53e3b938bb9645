// Package filesystem provides the persistent storage backend. Object data
// lives under the data root, metadata as JSON documents under the metadata
// root, and every file access is serialized through the path lock registry.
package filesystem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/s3-storage-gateway/internal/pathlock"
	"github.com/guided-traffic/s3-storage-gateway/internal/storage"
)

const (
	bucketMetaDir    = "_buckets"
	multipartMetaDir = "_multipart_uploads"
	uploadMetaFile   = "upload.metadata.json"
	metaSuffix       = ".json"

	dirMode  = 0o755
	fileMode = 0o644
)

// Backend stores objects on the local filesystem.
type Backend struct {
	dataRoot string
	metaRoot string
	locks    *pathlock.Registry
	logger   *logrus.Entry
}

// New creates the backend, its root directories and the lock registry.
func New(dataRoot, metaRoot string, logger *logrus.Entry) (*Backend, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	for _, dir := range []string{dataRoot, metaRoot, filepath.Join(metaRoot, bucketMetaDir), filepath.Join(metaRoot, multipartMetaDir)} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, fmt.Errorf("creating storage directory %s: %w", dir, err)
		}
	}
	return &Backend{
		dataRoot: dataRoot,
		metaRoot: metaRoot,
		locks:    pathlock.NewRegistry(logger),
		logger:   logger.WithField("backend", "filesystem"),
	}, nil
}

var _ storage.Backend = (*Backend)(nil)

// Close stops the lock registry's sweeper.
func (b *Backend) Close() {
	b.locks.Close()
}

// safeJoin joins elem onto root and rejects results that escape it.
func safeJoin(root string, elem ...string) (string, error) {
	joined := filepath.Join(append([]string{root}, elem...)...)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes storage root: %s", filepath.Join(elem...))
	}
	return joined, nil
}

func (b *Backend) objectDataPath(bucket, key string) (string, error) {
	bucketDir, err := safeJoin(b.dataRoot, bucket)
	if err != nil {
		return "", err
	}
	return safeJoin(bucketDir, filepath.FromSlash(key))
}

func (b *Backend) objectMetaPath(bucket, key string) (string, error) {
	bucketDir, err := safeJoin(b.metaRoot, bucket)
	if err != nil {
		return "", err
	}
	return safeJoin(bucketDir, filepath.FromSlash(key)+metaSuffix)
}

func (b *Backend) bucketDataPath(bucket string) (string, error) {
	return safeJoin(b.dataRoot, bucket)
}

func (b *Backend) bucketMetaPath(bucket string) (string, error) {
	return safeJoin(b.metaRoot, bucketMetaDir, bucket+metaSuffix)
}

func (b *Backend) uploadDir(uploadID string) (string, error) {
	return safeJoin(b.metaRoot, multipartMetaDir, uploadID)
}

// Lock keys are logical, not physical, so data and metadata files of the
// same object share one lock.
func objectLockKey(bucket, key string) string {
	return pathlock.NormalizeKey("objects/" + bucket + "/" + key)
}

func bucketLockKey(bucket string) string {
	return pathlock.NormalizeKey("buckets/" + bucket)
}

func uploadLockKey(uploadID string) string {
	return pathlock.NormalizeKey("uploads/" + uploadID)
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return err
	}
	tmp := path + ".tmp." + uuid.NewString()[:8]
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
