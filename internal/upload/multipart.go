package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ashgate-io/s3relay/internal/backend"
	"github.com/ashgate-io/s3relay/internal/metrics"
)

// State is a multipart upload's position in its lifecycle.
type State int

const (
	StateOpen State = iota
	StateClosed
	StateAborted
)

const minPartSize = 5 * 1024 * 1024

// Part is one completed part of a multipart upload.
type Part struct {
	PartNumber int32
	ETag       string
	Size       int64
}

// Error reports a multipart handler failure.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the backend error behind e, if any.
func (e *Error) Unwrap() error { return e.Err }

// Session tracks one in-flight multipart upload, from CreateMultipartUpload
// through Complete or Abort.
type Session struct {
	mu sync.Mutex

	bindingName string
	key         string
	uploadID    string
	state       State
	parts       []Part
}

// Manager tracks every live multipart session, keyed by upload ID.
type Manager struct {
	pool *backend.Pool

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a Manager backed by the given egress client pool.
func NewManager(pool *backend.Pool) *Manager {
	return &Manager{pool: pool, sessions: make(map[string]*Session)}
}

// Create starts a new multipart upload against the named binding and
// returns the server-assigned upload ID.
func (m *Manager) Create(ctx context.Context, bindingName, key, contentType string) (string, error) {
	client, ok := m.pool.Get(bindingName)
	if !ok {
		return "", &Error{Code: "BucketMismatch", Message: fmt.Sprintf("no client for binding %q", bindingName)}
	}

	uploadID, err := client.CreateMultipartUpload(ctx, bindingName, key, contentType)
	if err != nil {
		return "", &Error{Code: "MultipartError", Message: err.Error(), Err: err}
	}

	session := &Session{bindingName: bindingName, key: key, uploadID: uploadID, state: StateOpen}

	m.mu.Lock()
	m.sessions[uploadID] = session
	m.mu.Unlock()

	metrics.MultipartUploadsTotal.WithLabelValues(bindingName, "created").Inc()
	return uploadID, nil
}

// UploadPart appends a part to an open session. Part numbers outside
// 1..10000 are rejected. A part under 5 MiB logs a warning since only the
// final part of a multipart upload may be smaller than that.
func (m *Manager) UploadPart(ctx context.Context, bindingName, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	if partNumber < 1 || partNumber > 10000 {
		return "", &Error{Code: "MultipartError", Message: fmt.Sprintf("part number %d out of range 1..10000", partNumber)}
	}

	session, err := m.get(uploadID)
	if err != nil {
		return "", err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.state != StateOpen {
		return "", &Error{Code: "MultipartError", Message: "upload is not open"}
	}

	client, ok := m.pool.Get(bindingName)
	if !ok {
		return "", &Error{Code: "BucketMismatch", Message: fmt.Sprintf("no client for binding %q", bindingName)}
	}

	etag, err := client.UploadPart(ctx, bindingName, key, uploadID, partNumber, body, size)
	if err != nil {
		return "", &Error{Code: "MultipartError", Message: err.Error()}
	}

	if size < minPartSize {
		slog.Warn("multipart part under minimum size; only the final part may be this small",
			"upload_id", uploadID, "part_number", partNumber, "size", size)
	}

	session.parts = append(session.parts, Part{PartNumber: partNumber, ETag: etag, Size: size})
	return etag, nil
}

// Complete finalizes an open session. Fails if no parts were uploaded.
func (m *Manager) Complete(ctx context.Context, bindingName, key, uploadID string) (string, error) {
	session, err := m.get(uploadID)
	if err != nil {
		return "", err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.state != StateOpen {
		return "", &Error{Code: "MultipartError", Message: "upload is not open"}
	}
	if len(session.parts) == 0 {
		return "", &Error{Code: "MultipartError", Message: "cannot complete an upload with zero parts"}
	}

	client, ok := m.pool.Get(bindingName)
	if !ok {
		return "", &Error{Code: "BucketMismatch", Message: fmt.Sprintf("no client for binding %q", bindingName)}
	}

	completed := make([]backend.CompletedPart, len(session.parts))
	for i, p := range session.parts {
		completed[i] = backend.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	etag, err := client.CompleteMultipartUpload(ctx, bindingName, key, uploadID, completed)
	if err != nil {
		metrics.MultipartUploadsTotal.WithLabelValues(bindingName, "failed").Inc()
		return "", &Error{Code: "MultipartError", Message: err.Error()}
	}

	session.state = StateClosed
	metrics.MultipartParts.Observe(float64(len(session.parts)))
	m.drop(uploadID)
	metrics.MultipartUploadsTotal.WithLabelValues(bindingName, "completed").Inc()
	return etag, nil
}

// Abort releases backend resources for a session. It is safe to call on an
// Open upload; it is a no-op on one already Aborted or Closed.
func (m *Manager) Abort(ctx context.Context, bindingName, key, uploadID string) error {
	session, err := m.get(uploadID)
	if err != nil {
		return nil
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.state != StateOpen {
		return nil
	}

	client, ok := m.pool.Get(bindingName)
	if !ok {
		return &Error{Code: "BucketMismatch", Message: fmt.Sprintf("no client for binding %q", bindingName)}
	}

	if err := client.AbortMultipartUpload(ctx, bindingName, key, uploadID); err != nil {
		return &Error{Code: "MultipartError", Message: err.Error()}
	}

	session.state = StateAborted
	m.drop(uploadID)
	metrics.MultipartUploadsTotal.WithLabelValues(bindingName, "aborted").Inc()
	return nil
}

// ListParts returns the parts recorded so far for an open session, served
// from in-memory state rather than a backend round-trip.
func (m *Manager) ListParts(uploadID string) ([]Part, error) {
	session, err := m.get(uploadID)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	parts := make([]Part, len(session.parts))
	copy(parts, session.parts)
	return parts, nil
}

func (m *Manager) get(uploadID string) (*Session, error) {
	m.mu.Lock()
	session, ok := m.sessions[uploadID]
	m.mu.Unlock()
	if !ok {
		return nil, &Error{Code: "MultipartError", Message: fmt.Sprintf("unknown upload id %q", uploadID)}
	}
	return session, nil
}

func (m *Manager) drop(uploadID string) {
	m.mu.Lock()
	delete(m.sessions, uploadID)
	m.mu.Unlock()
}
