package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RelationshipAuthorizer evaluates requests against an OpenFGA-style check
// endpoint, mapping the request's action onto a relation and checking
// whether the subject holds that relation on the resource.
type RelationshipAuthorizer struct {
	url                  string
	authorizationModelID string
	httpClient           *http.Client
	cache                *decisionCache
}

// NewRelationshipAuthorizer builds a RelationshipAuthorizer. url must be
// non-empty; it points at the store's check endpoint.
func NewRelationshipAuthorizer(url, authorizationModelID string, timeout, cacheTTL time.Duration) (*RelationshipAuthorizer, error) {
	if url == "" {
		return nil, &Error{Code: "ConfigError", Message: "relationship authorizer requires a url"}
	}
	return &RelationshipAuthorizer{
		url:                  url,
		authorizationModelID: authorizationModelID,
		httpClient:           &http.Client{Timeout: timeout},
		cache:                newDecisionCache(cacheTTL),
	}, nil
}

type tupleKey struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

type checkRequest struct {
	TupleKey             tupleKey `json:"tuple_key"`
	AuthorizationModelID string   `json:"authorization_model_id,omitempty"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

type batchCheckItem struct {
	TupleKey      tupleKey `json:"tuple_key"`
	CorrelationID string   `json:"correlation_id"`
}

type batchCheckRequest struct {
	Checks               []batchCheckItem `json:"checks"`
	AuthorizationModelID string            `json:"authorization_model_id,omitempty"`
}

type batchCheckResult struct {
	CorrelationID string `json:"correlation_id"`
	Allowed       bool   `json:"allowed"`
}

type batchCheckResponse struct {
	Result []batchCheckResult `json:"result"`
}

// actionToRelation maps an authorization action to an OpenFGA relation.
func actionToRelation(action string) string {
	switch strings.ToLower(action) {
	case "upload", "write", "put":
		return "writer"
	case "create":
		return "creator"
	case "delete":
		return "deleter"
	default:
		return "viewer"
	}
}

func newTupleKey(req Request) tupleKey {
	return tupleKey{
		User:     "user:" + req.Subject,
		Relation: actionToRelation(req.Action),
		Object:   "bucket:" + req.Resource,
	}
}

// Authorize returns the cached decision if present and unexpired, else
// POSTs a single check to the relationship engine and caches the result.
func (a *RelationshipAuthorizer) Authorize(ctx context.Context, req Request) (bool, error) {
	key := cacheKey(req)
	if allowed, ok := a.cache.get(key); ok {
		return allowed, nil
	}

	body, err := json.Marshal(checkRequest{
		TupleKey:             newTupleKey(req),
		AuthorizationModelID: a.authorizationModelID,
	})
	if err != nil {
		return false, &Error{Code: "PolicyError", Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return false, &Error{Code: "PolicyError", Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return false, &Error{Code: "BackendError", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, &Error{Code: "BackendError", Message: fmt.Sprintf("relationship endpoint returned %d", resp.StatusCode)}
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, &Error{Code: "PolicyError", Message: err.Error()}
	}

	a.cache.put(key, out.Allowed)
	return out.Allowed, nil
}

// BatchAuthorize POSTs every request as a single list and returns a decision
// per request, positionally matching the input. Correlation IDs are the
// request's index so results can be reordered if the engine returns them
// out of order. Unlike Authorize, results are never read from or written to
// the decision cache.
func (a *RelationshipAuthorizer) BatchAuthorize(ctx context.Context, reqs []Request) ([]bool, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	checks := make([]batchCheckItem, len(reqs))
	for i, req := range reqs {
		checks[i] = batchCheckItem{
			TupleKey:      newTupleKey(req),
			CorrelationID: strconv.Itoa(i),
		}
	}

	body, err := json.Marshal(batchCheckRequest{
		Checks:               checks,
		AuthorizationModelID: a.authorizationModelID,
	})
	if err != nil {
		return nil, &Error{Code: "PolicyError", Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Code: "PolicyError", Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Code: "BackendError", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Code: "BackendError", Message: fmt.Sprintf("relationship endpoint returned %d", resp.StatusCode)}
	}

	var out batchCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Code: "PolicyError", Message: err.Error()}
	}

	allowed := make([]bool, len(reqs))
	for _, r := range out.Result {
		idx, err := strconv.Atoi(r.CorrelationID)
		if err != nil || idx < 0 || idx >= len(allowed) {
			return nil, &Error{Code: "PolicyError", Message: fmt.Sprintf("relationship endpoint returned unknown correlation_id %q", r.CorrelationID)}
		}
		allowed[idx] = r.Allowed
	}
	return allowed, nil
}
