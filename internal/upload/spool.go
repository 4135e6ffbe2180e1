// Package upload implements the simple-PUT and multipart upload handlers:
// spooling large bodies to a temp file, tracking multipart session state,
// and driving the egress backend through the state machine each operation
// requires.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ashgate-io/s3relay/internal/uid"
)

// shmDir is the RAM-backed temp directory used when present on the host.
const shmDir = "/dev/shm"

// TempFile is a spooled upload body backed by a temp file, deleted on
// Close regardless of outcome.
type TempFile struct {
	path string
	file *os.File
	size int64
	sha  string
}

// SpoolToTempFile streams r into a new temp file, hashing as it writes, and
// returns a TempFile open for reading from offset 0. The file lives in the
// RAM-backed temp directory when one is available on this host.
func SpoolToTempFile(r io.Reader) (*TempFile, error) {
	dir := tempDir()
	name := fmt.Sprintf("s3relay-%s.tmp", uid.New())
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("spool write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("spool sync: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("spool rewind: %w", err)
	}

	return &TempFile{
		path: path,
		file: f,
		size: size,
		sha:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func tempDir() string {
	if info, err := os.Stat(shmDir); err == nil && info.IsDir() {
		return shmDir
	}
	return os.TempDir()
}

// Path returns the spool file's path.
func (t *TempFile) Path() string { return t.path }

// Size returns the number of bytes written.
func (t *TempFile) Size() int64 { return t.size }

// SHA256Hex returns the hex-encoded SHA-256 of the spooled bytes. The
// upload path does not pass it to the backend client: the egress request's
// x-amz-content-sha256 value is whatever the SDK signer computes.
func (t *TempFile) SHA256Hex() string { return t.sha }

// File returns the underlying handle, positioned at offset 0.
func (t *TempFile) File() *os.File { return t.file }

// Close closes and removes the spool file. A second call returns the error
// from closing the already-closed file.
func (t *TempFile) Close() error {
	err := t.file.Close()
	if rmErr := os.Remove(t.path); err == nil {
		err = rmErr
	}
	return err
}
