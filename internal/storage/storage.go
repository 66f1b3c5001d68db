// Package storage holds uploaded file content in an object store.
//
// Three backends exist: MinIO (minio-go), any S3-compatible service
// (aws-sdk-go-v2) and an in-process memory store for tests and local
// runs. Every backend satisfies access.ObjectStore.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secure-file-share/internal/access"
)

// ErrObjectNotFound is returned by Open when the ref names no object.
var ErrObjectNotFound = errors.New("object not found")

// Backend is an object store that can also report its own health.
type Backend interface {
	access.ObjectStore
	Ping(ctx context.Context) error
}

// Config selects and configures a backend.
type Config struct {
	Driver    string `yaml:"driver"` // minio, s3 or memory
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	// CreateBucket makes the bucket at startup when it is missing.
	CreateBucket bool `yaml:"create_bucket"`
}

const (
	DriverMinio  = "minio"
	DriverS3     = "s3"
	DriverMemory = "memory"
)

// New builds the backend named by cfg.Driver.
func New(ctx context.Context, cfg Config, log *zap.Logger) (Backend, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverMinio, "":
		return NewMinio(ctx, cfg)
	case DriverS3:
		return NewS3(ctx, cfg)
	case DriverMemory:
		log.Warn("using in-memory object storage; content is lost on restart")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// newObjectKey names a new object. Keys never derive from user input.
func newObjectKey() string {
	return "files/" + uuid.NewString()
}

// countingReader records how many bytes passed through it, for uploads
// whose size is unknown up front.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
