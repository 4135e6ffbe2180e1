package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// CompletedPart is a single entry of the part list passed to
// CompleteMultipartUpload, carrying the part's ETag and number.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

func (c *Client) checkBucket(bindingName string) error {
	if bindingName != c.BindingName {
		return &ErrBucketMismatch{Expected: c.BindingName, Actual: bindingName}
	}
	return nil
}

// PutObject uploads an in-memory body. It takes no precomputed digest: the
// x-amz-content-sha256 value used for SigV4 is whatever the SDK signer
// computes for the request.
func (c *Client) PutObject(ctx context.Context, bindingName, key string, body io.Reader, size int64, contentType string) (string, error) {
	if err := c.checkBucket(bindingName); err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := c.api.PutObject(ctx, input)
	if err != nil {
		return "", fmt.Errorf("put_object %s/%s: %w", bindingName, key, err)
	}
	return stripQuotes(aws.ToString(out.ETag)), nil
}

// PutObjectFromFile streams a spooled temp file to the backend. Passing an
// *os.File directly as the request body lets the HTTP client's transport
// take the zero-copy path when the platform supports it; the SDK still
// needs a seekable reader to retry on transient failures.
func (c *Client) PutObjectFromFile(ctx context.Context, bindingName, key string, f *os.File, size int64, contentType string) (string, error) {
	return c.PutObject(ctx, bindingName, key, f, size, contentType)
}

// CreateMultipartUpload starts a backend multipart upload and returns its
// upload ID.
func (c *Client) CreateMultipartUpload(ctx context.Context, bindingName, key, contentType string) (string, error) {
	if err := c.checkBucket(bindingName); err != nil {
		return "", err
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.Bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := c.api.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create_multipart_upload %s/%s: %w", bindingName, key, err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart uploads a single part of an open multipart upload.
func (c *Client) UploadPart(ctx context.Context, bindingName, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	if err := c.checkBucket(bindingName); err != nil {
		return "", err
	}

	out, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.Bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", fmt.Errorf("upload_part %s/%s part %d: %w", bindingName, key, partNumber, err)
	}
	return stripQuotes(aws.ToString(out.ETag)), nil
}

// CompleteMultipartUpload finalizes a multipart upload. parts must already
// be in ascending part-number order; the caller (the multipart state
// machine) is responsible for that ordering.
func (c *Client) CompleteMultipartUpload(ctx context.Context, bindingName, key, uploadID string, parts []CompletedPart) (string, error) {
	if err := c.checkBucket(bindingName); err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("complete_multipart_upload %s/%s: no parts", bindingName, key)
	}

	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(addQuotes(p.ETag)),
			PartNumber: aws.Int32(p.PartNumber),
		}
	}

	out, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(c.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", fmt.Errorf("complete_multipart_upload %s/%s: %w", bindingName, key, err)
	}
	return stripQuotes(aws.ToString(out.ETag)), nil
}

// AbortMultipartUpload releases backend resources held by an open
// multipart upload. Any error the backend returns, including for an upload
// it has already completed or expired, is returned wrapped.
func (c *Client) AbortMultipartUpload(ctx context.Context, bindingName, key, uploadID string) error {
	if err := c.checkBucket(bindingName); err != nil {
		return err
	}

	_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort_multipart_upload %s/%s: %w", bindingName, key, err)
	}
	return nil
}

// HealthCheck verifies the configured backend bucket is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.Bucket),
	})
	return err
}

// StatusCode extracts the HTTP status code the backend responded with, if
// the error (or one it wraps) carries one. Transport failures and
// connection errors that never reached the backend report ok=false, so the
// caller can distinguish "backend said 4xx" from "backend unreachable".
func StatusCode(err error) (status int, ok bool) {
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func stripQuotes(s string) string {
	return strings.Trim(s, `"`)
}

func addQuotes(s string) string {
	if strings.HasPrefix(s, `"`) {
		return s
	}
	return `"` + s + `"`
}
