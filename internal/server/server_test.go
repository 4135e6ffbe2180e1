package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ashgate-io/s3relay/internal/authz"
	"github.com/ashgate-io/s3relay/internal/backend"
	"github.com/ashgate-io/s3relay/internal/bucket"
	"github.com/ashgate-io/s3relay/internal/config"
	"github.com/ashgate-io/s3relay/internal/jwtauth"
	"github.com/ashgate-io/s3relay/internal/upload"
)

const testHMACSecret = "test-secret"

// fakeBackendAPI is a minimal backend.API stub that never touches the
// network; each call returns a deterministic, incrementing ETag.
type fakeBackendAPI struct {
	n int
}

func (f *fakeBackendAPI) nextETag() string {
	f.n++
	return fmt.Sprintf("etag-%d", f.n)
}

func (f *fakeBackendAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	etag := `"` + f.nextETag() + `"`
	return &s3.PutObjectOutput{ETag: &etag}, nil
}

func (f *fakeBackendAPI) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	id := "upload-1"
	return &s3.CreateMultipartUploadOutput{UploadId: &id}, nil
}

func (f *fakeBackendAPI) UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	etag := `"` + f.nextETag() + `"`
	return &s3.UploadPartOutput{ETag: &etag}, nil
}

func (f *fakeBackendAPI) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	etag := `"` + f.nextETag() + `"`
	return &s3.CompleteMultipartUploadOutput{ETag: &etag}, nil
}

func (f *fakeBackendAPI) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeBackendAPI) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

// testServer wires a Server directly from fakes, bypassing New (which would
// build real AWS clients and a chi router we don't need here).
func testServer(t *testing.T) *Server {
	t.Helper()

	resolver, err := bucket.NewResolver([]config.BucketConfig{
		{Name: "uploads", PathPrefix: "/uploads"},
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	api := &fakeBackendAPI{}
	client := backend.NewClientForTest("uploads", "uploads-bucket", api)
	pool, err := backend.NewPoolWithClients(map[string]*backend.Client{"uploads": client})
	if err != nil {
		t.Fatalf("NewPoolWithClients: %v", err)
	}

	authorizer, err := authz.New(config.BucketAuthzConfig{Kind: "none"})
	if err != nil {
		t.Fatalf("authz.New: %v", err)
	}

	auths := map[string]*bindingAuth{
		"uploads": {
			kind:       "jwt",
			jwt:        jwtauth.NewHMACValidator(testHMACSecret, "", ""),
			authorizer: authorizer,
			binding:    config.BucketConfig{Name: "uploads"},
		},
	}

	return &Server{
		resolver:  resolver,
		pool:      pool,
		putter:    upload.NewPutter(pool, nil),
		multipart: upload.NewManager(pool),
		auths:     auths,
	}
}

func signedToken(t *testing.T) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testHMACSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestDispatchPutObjectSucceeds(t *testing.T) {
	s := testServer(t)

	body := bytes.NewBufferString("hello world")
	req := httptest.NewRequest(http.MethodPut, "/uploads/photos/a.png", body)
	req.Header.Set("Authorization", "Bearer "+signedToken(t))
	rec := httptest.NewRecorder()

	s.dispatch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("expected ETag header to be set")
	}
}

func TestDispatchMissingAuthIsDenied(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodPut, "/uploads/photos/a.png", bytes.NewBufferString("x"))
	rec := httptest.NewRecorder()

	s.dispatch(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body=%s", rec.Code, rec.Body.String())
	}
}

func TestDispatchUnknownBucketIsNoSuchBucket(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodPut, "/missing/a.png", bytes.NewBufferString("x"))
	req.Header.Set("Authorization", "Bearer "+signedToken(t))
	rec := httptest.NewRecorder()

	s.dispatch(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
}

func TestDispatchInvalidOperationIsBadRequest(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodPatch, "/uploads/a.png", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t))
	rec := httptest.NewRecorder()

	s.dispatch(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestDispatchMultipartLifecycle(t *testing.T) {
	s := testServer(t)
	token := signedToken(t)

	create := httptest.NewRequest(http.MethodPost, "/uploads/big.bin?uploads", nil)
	create.Header.Set("Authorization", "Bearer "+token)
	createRec := httptest.NewRecorder()
	s.dispatch(createRec, create)
	if createRec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body=%s", createRec.Code, createRec.Body.String())
	}

	uploadID := "upload-1"

	part := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/uploads/big.bin?partNumber=1&uploadId=%s", uploadID), bytes.NewBufferString("partdata"))
	part.Header.Set("Authorization", "Bearer "+token)
	partRec := httptest.NewRecorder()
	s.dispatch(partRec, part)
	if partRec.Code != http.StatusOK {
		t.Fatalf("upload part status = %d, body=%s", partRec.Code, partRec.Body.String())
	}

	complete := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/uploads/big.bin?uploadId=%s", uploadID), nil)
	complete.Header.Set("Authorization", "Bearer "+token)
	completeRec := httptest.NewRecorder()
	s.dispatch(completeRec, complete)
	if completeRec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body=%s", completeRec.Code, completeRec.Body.String())
	}
}
