// Package backend implements the egress S3-compatible client pool: one
// pooled client per configured bucket binding, each with its own
// credentials, endpoint, retry policy, and request timeout.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithymiddleware "github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/ashgate-io/s3relay/internal/config"
)

// API is the subset of the AWS S3 client used by the egress backend. Mocked
// in tests so upload-handler tests never reach the network.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Client is a single egress backend bound to one configured bucket. Upload
// handlers only ever target the bucket this client was configured for;
// BucketMismatch is checked before any network I/O.
type Client struct {
	BindingName string
	Bucket      string
	Region      string
	Timeout     time.Duration

	api API
}

// ErrBucketMismatch is returned when a caller targets a binding name that
// does not match the client's configured bucket.
type ErrBucketMismatch struct {
	Expected string
	Actual   string
}

func (e *ErrBucketMismatch) Error() string {
	return fmt.Sprintf("bucket mismatch: expected %q, got %q", e.Expected, e.Actual)
}

// Pool holds one Client per configured bucket binding, keyed by the
// binding's logical name (not its backend bucket name). Built once at
// startup and never mutated afterward, so lookups require no locking.
type Pool struct {
	clients map[string]*Client
}

// NewPool builds an egress client for every bucket binding in cfg.
func NewPool(ctx context.Context, cfg *config.Config) (*Pool, error) {
	p := &Pool{clients: make(map[string]*Client, len(cfg.Buckets))}

	for _, b := range cfg.Buckets {
		client, err := newClient(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("building egress client for bucket %q: %w", b.Name, err)
		}
		p.clients[b.Name] = client
	}

	return p, nil
}

func newClient(ctx context.Context, b config.BucketConfig) (*Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(b.S3.Region))
	loadOpts = append(loadOpts, awsconfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = b.S3.MaxRetries
			o.Backoff = retry.NewExponentialJitterBackoff(30 * time.Second)
		})
	}))

	if b.S3.AccessKey != "" && b.S3.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.S3.AccessKey, b.S3.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if b.S3.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(b.S3.Endpoint)
			o.UsePathStyle = true
		})
	}
	s3Opts = append(s3Opts, func(o *s3.Options) {
		o.APIOptions = append(o.APIOptions, excludeTraceParentFromSigning)
	})

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	slog.Info("egress client configured", "binding", b.Name, "bucket", b.S3.Bucket, "region", b.S3.Region, "endpoint", b.S3.Endpoint)

	return &Client{
		BindingName: b.Name,
		Bucket:      b.S3.Bucket,
		Region:      b.S3.Region,
		Timeout:     time.Duration(b.S3.RequestTimeoutSeconds) * time.Second,
		api:         client,
	}, nil
}

// Get returns the client for the given binding name.
func (p *Pool) Get(bindingName string) (*Client, bool) {
	c, ok := p.clients[bindingName]
	return c, ok
}

// BindingNames returns the set of configured binding names.
func (p *Pool) BindingNames() []string {
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	return names
}

// traceparentKey carries the current request's W3C trace context
// through to the finalize middleware, placed there by the caller via
// WithTraceparent so the signer never sees it.
type traceparentKey struct{}

// WithTraceparent attaches a traceparent value to ctx for injection into
// the outgoing request after SigV4 signing completes.
func WithTraceparent(ctx context.Context, traceparent string) context.Context {
	if traceparent == "" {
		return ctx
	}
	return context.WithValue(ctx, traceparentKey{}, traceparent)
}

// excludeTraceParentFromSigning registers a finalize-step middleware that
// runs after SigV4 signing and sets the traceparent header on the
// already-signed request. Because the header is added post-signature, it
// is never part of the signed-headers set, so an intermediary rewriting
// traceparent cannot invalidate the signature.
func excludeTraceParentFromSigning(stack *smithymiddleware.Stack) error {
	return stack.Finalize.Add(smithymiddleware.FinalizeMiddlewareFunc(
		"InjectTraceparent",
		func(ctx context.Context, in smithymiddleware.FinalizeInput, next smithymiddleware.FinalizeHandler) (
			smithymiddleware.FinalizeOutput, smithymiddleware.Metadata, error,
		) {
			if tp, ok := ctx.Value(traceparentKey{}).(string); ok && tp != "" {
				if req, ok := in.Request.(*smithyhttp.Request); ok {
					req.Header.Set("traceparent", tp)
				}
			}
			return next.HandleFinalize(ctx, in)
		},
	), smithymiddleware.After)
}
