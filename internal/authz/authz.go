package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/ashgate-io/s3relay/internal/config"
)

// Error represents an authorizer failure. AccessDenied is never returned by
// an Authorizer itself -- a deny decision is a plain `false`, not an error;
// callers interpret it.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Authorizer exposes a single capability shared by both backend shapes.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) (bool, error)
}

// allowAll is used for bindings configured with authz.kind == "none".
type allowAll struct{}

func (allowAll) Authorize(context.Context, Request) (bool, error) { return true, nil }

// New builds the configured Authorizer for a bucket binding.
func New(cfg config.BucketAuthzConfig) (Authorizer, error) {
	switch cfg.Kind {
	case "", "none":
		return allowAll{}, nil
	case "rule":
		return NewRuleAuthorizer(
			cfg.Rule.URL,
			time.Duration(cfg.Rule.TimeoutSeconds)*time.Second,
			time.Duration(cfg.Rule.CacheTTLSeconds)*time.Second,
		)
	case "relationship":
		return NewRelationshipAuthorizer(
			cfg.Relationship.URL,
			cfg.Relationship.AuthorizationModelID,
			time.Duration(cfg.Relationship.TimeoutSeconds)*time.Second,
			time.Duration(cfg.Relationship.CacheTTLSeconds)*time.Second,
		)
	default:
		return nil, &Error{Code: "ConfigError", Message: fmt.Sprintf("unknown authz kind %q", cfg.Kind)}
	}
}
