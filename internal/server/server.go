// Package server implements the s3relay HTTP server: an upload-only,
// S3-compatible reverse proxy that authenticates, authorizes, and relays
// PutObject/multipart requests to a per-bucket egress backend.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashgate-io/s3relay/internal/authz"
	"github.com/ashgate-io/s3relay/internal/backend"
	"github.com/ashgate-io/s3relay/internal/bucket"
	"github.com/ashgate-io/s3relay/internal/config"
	"github.com/ashgate-io/s3relay/internal/credstore"
	s3err "github.com/ashgate-io/s3relay/internal/errors"
	"github.com/ashgate-io/s3relay/internal/jwtauth"
	"github.com/ashgate-io/s3relay/internal/metrics"
	"github.com/ashgate-io/s3relay/internal/sigv4"
	"github.com/ashgate-io/s3relay/internal/tracecontext"
	"github.com/ashgate-io/s3relay/internal/upload"
	"github.com/ashgate-io/s3relay/internal/xmlutil"
)

// bindingAuth holds the per-binding authenticator and authorizer, selected
// once at startup from the bucket's configured auth.kind.
type bindingAuth struct {
	kind       string
	jwt        *jwtauth.Validator
	sigv4      *sigv4.Verifier
	authorizer authz.Authorizer
	binding    config.BucketConfig
}

// Server is the s3relay HTTP server. It routes incoming requests through
// the parse -> resolve -> authenticate -> authorize -> dispatch pipeline.
type Server struct {
	cfg       *config.Config
	router    chi.Router
	api       huma.API
	resolver  *bucket.Resolver
	pool      *backend.Pool
	putter    *upload.Putter
	multipart *upload.Manager
	auths     map[string]*bindingAuth
	sampler   *tracecontext.RuleSampler

	httpServer    *http.Server
	metricsServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New builds a Server from cfg: a credential store and SigV4 verifier
// shared across all sigv4-authenticated bindings, a JWT validator and
// policy authorizer per binding, a bucket resolver, and an egress client
// pool.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("s3relay Upload API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	resolver, err := bucket.NewResolver(cfg.Buckets)
	if err != nil {
		return nil, fmt.Errorf("building bucket resolver: %w", err)
	}

	pool, err := backend.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building egress client pool: %w", err)
	}

	creds := credstore.NewStore(cfg.Buckets)
	sigv4Verifier := sigv4.NewVerifier(creds)

	auths := make(map[string]*bindingAuth, len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		ba := &bindingAuth{kind: b.Auth.Kind, binding: b}

		switch b.Auth.Kind {
		case "jwt":
			if b.Auth.JWT.HMACSecret != "" {
				ba.jwt = jwtauth.NewHMACValidator(b.Auth.JWT.HMACSecret, b.Auth.JWT.Issuer, b.Auth.JWT.Audience)
			} else {
				ttl := time.Duration(b.Auth.JWT.JWKSTTLSeconds) * time.Second
				ba.jwt = jwtauth.NewJWKSValidator(b.Auth.JWT.JWKSURL, b.Auth.JWT.Issuer, b.Auth.JWT.Audience, ttl)
			}
		case "sigv4":
			ba.sigv4 = sigv4Verifier
		}

		authorizer, err := authz.New(b.Authz)
		if err != nil {
			return nil, fmt.Errorf("building authorizer for bucket %q: %w", b.Name, err)
		}
		ba.authorizer = authorizer

		auths[b.Name] = ba
	}

	spoolThresholds := make(map[string]int64, len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		spoolThresholds[b.Name] = b.Upload.SpoolThresholdBytes
	}

	var sampler *tracecontext.RuleSampler
	if cfg.Tracing.Enabled {
		sampler = tracecontext.NewRuleSampler(cfg.Tracing.Sampling.BaseRate)
		for _, rule := range cfg.Tracing.Sampling.Rules {
			sampler.AddRule(tracecontext.NewRule().WithPathPattern(rule.PathPattern).WithSampleRate(rule.Rate))
		}
	}

	s := &Server{
		cfg:       cfg,
		router:    router,
		api:       api,
		resolver:  resolver,
		pool:      pool,
		putter:    upload.NewPutter(pool, spoolThresholds),
		multipart: upload.NewManager(pool),
		auths:     auths,
		sampler:   sampler,
	}

	s.registerRoutes()
	return s, nil
}

// ListenAndServe starts the HTTP server on addr. Middleware chain, from
// outermost to innermost: metrics -> tracing -> common headers -> router.
func (s *Server) ListenAndServe(addr string) error {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = tracingMiddleware(s.sampler)(handler)
	handler = metricsMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	return s.httpServer.ListenAndServe()
}

// ListenAndServeMetrics starts the Prometheus exposition endpoint on its own
// port, separate from the main ingress listener, per the configured
// metrics.port. A no-op if metrics are disabled in configuration.
func (s *Server) ListenAndServeMetrics() error {
	if !s.cfg.Metrics.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Metrics.Port),
		Handler: mux,
	}
	return s.metricsServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP and metrics servers. In-flight
// connections are given until ctx's deadline to complete on their own; a
// cancelled spool is still deleted on scope exit, but a cancelled multipart
// upload is not automatically aborted.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	if s.metricsServer != nil {
		return s.metricsServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the liveness status of the s3relay process.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.router.HandleFunc("/*", s.dispatch)
}

// dispatch runs the full request pipeline: parse, resolve, authenticate,
// authorize, and hand off to the matching upload handler.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	parsed := ParseRequest(r)
	if parsed.Operation == OpInvalid {
		s.writeError(w, r, s3err.ErrInvalidRequest)
		return
	}

	binding, key, err := s.resolver.Resolve(r.URL.Path)
	if err != nil {
		if be, ok := err.(*bucket.Error); ok && be.Code == "BucketNotFound" {
			s.writeError(w, r, s3err.ErrNoSuchBucket)
			return
		}
		s.writeError(w, r, s3err.ErrInvalidRequest)
		return
	}

	ba, ok := s.auths[binding.Name]
	if !ok {
		s.writeError(w, r, s3err.ErrInternalError)
		return
	}

	subject, authMethod, err := s.authenticate(r, ba)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues(authMethod, "denied").Inc()
		s.writeError(w, r, authenticationError(err))
		return
	}
	metrics.AuthAttemptsTotal.WithLabelValues(authMethod, "allowed").Inc()

	allowed, err := ba.authorizer.Authorize(r.Context(), authz.Request{
		Subject:  subject,
		Action:   actionForOperation(parsed.Operation),
		Resource: binding.Name + "/" + key,
	})
	if err != nil {
		var azErr *authz.Error
		if errors.As(err, &azErr) && azErr.Code == "BackendError" {
			s.writeError(w, r, s3err.ErrBadGateway)
			return
		}
		s.writeError(w, r, s3err.ErrServiceUnavailable)
		return
	}
	if !allowed {
		s.writeError(w, r, s3err.ErrAccessDenied)
		return
	}

	s.dispatchOperation(w, r, parsed, binding, key)
}

func (s *Server) authenticate(r *http.Request, ba *bindingAuth) (subject string, method string, err error) {
	switch ba.kind {
	case "jwt":
		result, err := ba.jwt.Authenticate(r.Context(), r)
		if err != nil {
			return "", "jwt", err
		}
		return result.Subject, "jwt", nil
	case "sigv4":
		cred, err := ba.sigv4.VerifyRequest(r)
		if err != nil {
			return "", "sigv4", err
		}
		return cred.AccessKeyID, "sigv4", nil
	default:
		return "", "none", fmt.Errorf("binding %q has no configured auth method", ba.binding.Name)
	}
}

// authenticationError maps a failure returned by authenticate to a 401
// S3Error carrying that failure's own error code, so TokenExpired,
// InvalidSignature, MissingAuth, InvalidAccessKeyId and the like reach the
// client as themselves rather than a generic 403 AccessDenied -- which is
// reserved for an authorization deny decision.
func authenticationError(err error) *s3err.S3Error {
	var jwtErr *jwtauth.AuthError
	if errors.As(err, &jwtErr) {
		return s3err.Unauthorized(jwtErr.Code, jwtErr.Message)
	}
	var sigErr *sigv4.AuthError
	if errors.As(err, &sigErr) {
		return s3err.Unauthorized(sigErr.Code, sigErr.Message)
	}
	return s3err.Unauthorized("MissingAuth", err.Error())
}

// backendError maps an egress backend failure to an S3Error: a
// BucketMismatch is this proxy's own bug and stays a 500; a backend
// response carrying its own 4xx status passes through unchanged; anything
// else (connection failure, timeout, retries exhausted, a backend 5xx) is a
// 502, since the proxy itself is healthy but its upstream is not.
func backendError(err error) *s3err.S3Error {
	var mismatch *backend.ErrBucketMismatch
	if errors.As(err, &mismatch) {
		return s3err.ErrInternalError
	}
	if status, ok := backend.StatusCode(err); ok && status >= 400 && status < 500 {
		return s3err.FromUpstreamStatus(status)
	}
	return s3err.ErrBadGateway
}

func actionForOperation(op Operation) string {
	switch op {
	case OpPutObject, OpUploadPart:
		return "upload"
	case OpCreateMultipartUpload:
		return "create"
	case OpCompleteMultipartUpload:
		return "write"
	case OpAbortMultipartUpload:
		return "delete"
	case OpListParts:
		return "read"
	default:
		return "read"
	}
}

func (s *Server) dispatchOperation(w http.ResponseWriter, r *http.Request, parsed *ParsedRequest, binding *bucket.Binding, key string) {
	ctx := r.Context()
	if tc, ok := traceContextFromRequest(r); ok && tc.IsSampled() {
		ctx = backend.WithTraceparent(ctx, tc.Traceparent())
	}
	contentType := r.Header.Get("Content-Type")

	switch parsed.Operation {
	case OpPutObject:
		threshold := binding.Config.Upload.MultipartThresholdBytes
		if threshold > 0 && r.ContentLength >= threshold {
			s.writeError(w, r, s3err.ErrInvalidArgument)
			return
		}
		result, err := s.putter.Put(ctx, binding.Name, key, contentType, r.Body, r.ContentLength)
		if err != nil {
			s.writeError(w, r, backendError(err))
			return
		}
		w.Header().Set("ETag", `"`+result.ETag+`"`)
		w.WriteHeader(http.StatusOK)

	case OpCreateMultipartUpload:
		uploadID, err := s.multipart.Create(ctx, binding.Name, key, contentType)
		if err != nil {
			s.writeError(w, r, backendError(err))
			return
		}
		xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
			Bucket:   binding.Name,
			Key:      key,
			UploadID: uploadID,
		})

	case OpUploadPart:
		partNumber, err := parsePartNumber(parsed.PartNumber)
		if err != nil {
			s.writeError(w, r, s3err.ErrInvalidArgument)
			return
		}
		etag, err := s.multipart.UploadPart(ctx, binding.Name, key, parsed.UploadID, partNumber, r.Body, r.ContentLength)
		if err != nil {
			s.writeError(w, r, s3err.ErrInvalidPart)
			return
		}
		w.Header().Set("ETag", `"`+etag+`"`)
		w.WriteHeader(http.StatusOK)

	case OpCompleteMultipartUpload:
		etag, err := s.multipart.Complete(ctx, binding.Name, key, parsed.UploadID)
		if err != nil {
			s.writeError(w, r, s3err.ErrInvalidPart)
			return
		}
		xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
			Bucket: binding.Name,
			Key:    key,
			ETag:   etag,
		})

	case OpAbortMultipartUpload:
		if err := s.multipart.Abort(ctx, binding.Name, key, parsed.UploadID); err != nil {
			s.writeError(w, r, s3err.ErrNoSuchUpload)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case OpListParts:
		parts, err := s.multipart.ListParts(parsed.UploadID)
		if err != nil {
			s.writeError(w, r, s3err.ErrNoSuchUpload)
			return
		}
		result := &xmlutil.ListPartsResult{
			Bucket:   binding.Name,
			Key:      key,
			UploadID: parsed.UploadID,
			MaxParts: 1000,
			Parts:    make([]xmlutil.Part, len(parts)),
		}
		for i, p := range parts {
			result.Parts[i] = xmlutil.Part{
				PartNumber: int(p.PartNumber),
				ETag:       `"` + p.ETag + `"`,
				Size:       p.Size,
			}
		}
		xmlutil.RenderListParts(w, result)

	default:
		s.writeError(w, r, s3err.ErrInvalidRequest)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, e *s3err.S3Error) {
	metrics.ErrorsTotal.WithLabelValues(e.Code).Inc()
	xmlutil.WriteErrorResponse(w, r, e)
}

func parsePartNumber(raw string) (int32, error) {
	var n int32
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, err
	}
	if n < 1 || n > 10000 {
		return 0, fmt.Errorf("part number %d out of range", n)
	}
	return n, nil
}
