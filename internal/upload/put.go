package upload

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/ashgate-io/s3relay/internal/backend"
	"github.com/ashgate-io/s3relay/internal/metrics"
)

// DefaultSpoolThreshold is the body size at or above which PutObject spools
// to a temp file instead of buffering in memory.
const DefaultSpoolThreshold = 1 << 20 // 1 MiB

// PutResult carries the outcome of a simple upload.
type PutResult struct {
	ETag         string
	BytesWritten int64
	ZeroCopy     bool
}

// Putter performs simple (non-multipart) uploads, spooling to disk once the
// body crosses the per-binding configured threshold.
type Putter struct {
	pool            *backend.Pool
	spoolThresholds map[string]int64
	defaultSpool    int64
}

// NewPutter builds a Putter. spoolThresholds maps binding name to its
// configured spool threshold; a missing or <= 0 entry falls back to
// DefaultSpoolThreshold.
func NewPutter(pool *backend.Pool, spoolThresholds map[string]int64) *Putter {
	return &Putter{pool: pool, spoolThresholds: spoolThresholds, defaultSpool: DefaultSpoolThreshold}
}

func (p *Putter) thresholdFor(bindingName string) int64 {
	if t, ok := p.spoolThresholds[bindingName]; ok && t > 0 {
		return t
	}
	return p.defaultSpool
}

// Put uploads body (size bytes long) to the named binding and key. Bodies
// at or above the spool threshold are materialized to a temp file first so
// their SHA-256 can be computed once and the upload streamed from a file
// handle; smaller bodies are buffered and sent directly.
func (p *Putter) Put(ctx context.Context, bindingName, key, contentType string, body io.Reader, size int64) (*PutResult, error) {
	client, ok := p.pool.Get(bindingName)
	if !ok {
		metrics.UploadsTotal.WithLabelValues(bindingName, "failed").Inc()
		return nil, &backend.ErrBucketMismatch{Expected: "", Actual: bindingName}
	}

	start := time.Now()
	var result *PutResult
	var err error

	if size < 0 || size >= p.thresholdFor(bindingName) {
		result, err = p.putSpooled(ctx, client, bindingName, key, contentType, body)
	} else {
		result, err = p.putBuffered(ctx, client, bindingName, key, contentType, body, size)
	}

	metrics.UploadDuration.WithLabelValues(bindingName, "PUT").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(bindingName, "failed").Inc()
		return nil, err
	}

	metrics.UploadsTotal.WithLabelValues(bindingName, "success").Inc()
	metrics.UploadBytesTotal.WithLabelValues(bindingName).Add(float64(result.BytesWritten))
	metrics.UploadSize.WithLabelValues(bindingName).Observe(float64(result.BytesWritten))
	if result.ZeroCopy {
		metrics.ZeroCopyTransfersTotal.Inc()
		metrics.ZeroCopyBytesTotal.Add(float64(result.BytesWritten))
	}
	return result, nil
}

func (p *Putter) putBuffered(ctx context.Context, client *backend.Client, bindingName, key, contentType string, body io.Reader, size int64) (*PutResult, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(body, buf); err != nil {
		return nil, err
	}

	etag, err := client.PutObject(ctx, bindingName, key, bytes.NewReader(buf), size, contentType)
	if err != nil {
		return nil, err
	}
	return &PutResult{ETag: etag, BytesWritten: size}, nil
}

func (p *Putter) putSpooled(ctx context.Context, client *backend.Client, bindingName, key, contentType string, body io.Reader) (*PutResult, error) {
	spool, err := SpoolToTempFile(body)
	if err != nil {
		return nil, err
	}
	defer spool.Close()

	etag, err := client.PutObjectFromFile(ctx, bindingName, key, spool.File(), spool.Size(), contentType)
	if err != nil {
		return nil, err
	}
	return &PutResult{ETag: etag, BytesWritten: spool.Size(), ZeroCopy: true}, nil
}
