package xmlutil

import (
	"encoding/xml"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	s3err "github.com/ashgate-io/s3relay/internal/errors"
)

func TestRenderErrorIncludesRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("x-amz-request-id", "ABCD1234")

	RenderError(rec, httptest.NewRequest("PUT", "/uploads/a.png", nil), s3err.ErrNoSuchBucket, "/uploads/a.png")

	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Code>NoSuchBucket</Code>") {
		t.Errorf("body missing error code: %s", body)
	}
	if !strings.Contains(body, "<RequestId>ABCD1234</RequestId>") {
		t.Errorf("body missing request id: %s", body)
	}
	if !strings.Contains(body, "<Resource>/uploads/a.png</Resource>") {
		t.Errorf("body missing resource: %s", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("content-type = %q, want application/xml", ct)
	}
}

func TestRenderInitiateMultipartUploadRoundTrips(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderInitiateMultipartUpload(rec, &InitiateMultipartUploadResult{
		Bucket:   "my-bucket",
		Key:      "big.bin",
		UploadID: "upload-1",
	})

	var parsed InitiateMultipartUploadResult
	if err := xml.Unmarshal(stripHeader(rec.Body.Bytes()), &parsed); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if parsed.Bucket != "my-bucket" || parsed.Key != "big.bin" || parsed.UploadID != "upload-1" {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestRenderListPartsRoundTrips(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderListParts(rec, &ListPartsResult{
		Bucket:   "my-bucket",
		Key:      "big.bin",
		UploadID: "upload-1",
		Parts: []Part{
			{PartNumber: 1, ETag: "\"etag-1\"", Size: 5 * 1024 * 1024},
			{PartNumber: 2, ETag: "\"etag-2\"", Size: 1024},
		},
	})

	var parsed ListPartsResult
	if err := xml.Unmarshal(stripHeader(rec.Body.Bytes()), &parsed); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(parsed.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parsed.Parts))
	}
	if parsed.Parts[0].PartNumber != 1 || parsed.Parts[1].PartNumber != 2 {
		t.Errorf("part ordering not preserved: %+v", parsed.Parts)
	}
}

func TestFormatTimeS3(t *testing.T) {
	tm := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	want := "2026-01-02T15:04:05.000Z"
	if got := FormatTimeS3(tm); got != want {
		t.Errorf("FormatTimeS3() = %q, want %q", got, want)
	}
}

func TestFormatTimeHTTP(t *testing.T) {
	tm := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	want := "Fri, 02 Jan 2026 15:04:05 GMT"
	if got := FormatTimeHTTP(tm); got != want {
		t.Errorf("FormatTimeHTTP() = %q, want %q", got, want)
	}
}

func stripHeader(b []byte) []byte {
	idx := strings.IndexByte(string(b), '\n')
	if idx < 0 {
		return b
	}
	return b[idx+1:]
}
