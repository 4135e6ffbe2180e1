package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func parseTestRequest(method, target string) *ParsedRequest {
	r := httptest.NewRequest(method, target, nil)
	return ParseRequest(r)
}

func TestParseRequestPutObject(t *testing.T) {
	pr := parseTestRequest(http.MethodPut, "/uploads/a.png")
	if pr.Operation != OpPutObject {
		t.Errorf("operation = %v, want OpPutObject", pr.Operation)
	}
}

func TestParseRequestUploadPart(t *testing.T) {
	pr := parseTestRequest(http.MethodPut, "/uploads/a.png?partNumber=1&uploadId=xyz")
	if pr.Operation != OpUploadPart {
		t.Errorf("operation = %v, want OpUploadPart", pr.Operation)
	}
}

func TestParseRequestPutWithOnlyPartNumberIsInvalid(t *testing.T) {
	pr := parseTestRequest(http.MethodPut, "/uploads/a.png?partNumber=1")
	if pr.Operation != OpInvalid {
		t.Errorf("operation = %v, want OpInvalid", pr.Operation)
	}
}

func TestParseRequestCreateMultipartUpload(t *testing.T) {
	pr := parseTestRequest(http.MethodPost, "/uploads/a.png?uploads")
	if pr.Operation != OpCreateMultipartUpload {
		t.Errorf("operation = %v, want OpCreateMultipartUpload", pr.Operation)
	}
}

func TestParseRequestCompleteMultipartUpload(t *testing.T) {
	pr := parseTestRequest(http.MethodPost, "/uploads/a.png?uploadId=xyz")
	if pr.Operation != OpCompleteMultipartUpload {
		t.Errorf("operation = %v, want OpCompleteMultipartUpload", pr.Operation)
	}
}

func TestParseRequestAbortMultipartUpload(t *testing.T) {
	pr := parseTestRequest(http.MethodDelete, "/uploads/a.png?uploadId=xyz")
	if pr.Operation != OpAbortMultipartUpload {
		t.Errorf("operation = %v, want OpAbortMultipartUpload", pr.Operation)
	}
}

func TestParseRequestListParts(t *testing.T) {
	pr := parseTestRequest(http.MethodGet, "/uploads/a.png?uploadId=xyz")
	if pr.Operation != OpListParts {
		t.Errorf("operation = %v, want OpListParts", pr.Operation)
	}
}

func TestParseRequestMissingKeyIsInvalid(t *testing.T) {
	pr := parseTestRequest(http.MethodPut, "/uploads")
	if pr.Operation != OpInvalid {
		t.Errorf("operation = %v, want OpInvalid for missing key", pr.Operation)
	}
}

func TestParseRequestUnsupportedMethodIsInvalid(t *testing.T) {
	pr := parseTestRequest(http.MethodPatch, "/uploads/a.png")
	if pr.Operation != OpInvalid {
		t.Errorf("operation = %v, want OpInvalid for PATCH", pr.Operation)
	}
}

func TestParseRequestGetWithoutUploadIdIsInvalid(t *testing.T) {
	pr := parseTestRequest(http.MethodGet, "/uploads/a.png")
	if pr.Operation != OpInvalid {
		t.Errorf("operation = %v, want OpInvalid for plain GET", pr.Operation)
	}
}
