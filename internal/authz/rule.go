package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RuleAuthorizer evaluates requests against an OPA-style policy endpoint.
// It POSTs {input: {subject, action, resource, ...context}} to the
// configured URL and treats a missing or null result as deny.
type RuleAuthorizer struct {
	url        string
	httpClient *http.Client
	cache      *decisionCache
}

// NewRuleAuthorizer builds a RuleAuthorizer. url must be non-empty; it
// points at a policy document endpoint, e.g.
// "https://policy.example.com/v1/data/s3relay/allow".
func NewRuleAuthorizer(url string, timeout, cacheTTL time.Duration) (*RuleAuthorizer, error) {
	if url == "" {
		return nil, &Error{Code: "ConfigError", Message: "rule authorizer requires a url"}
	}
	return &RuleAuthorizer{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		cache:      newDecisionCache(cacheTTL),
	}, nil
}

type ruleInput struct {
	Input map[string]any `json:"input"`
}

type ruleResponse struct {
	Result *bool `json:"result"`
}

// Authorize returns the cached decision if present and unexpired, else
// POSTs to the policy endpoint and caches the result.
func (a *RuleAuthorizer) Authorize(ctx context.Context, req Request) (bool, error) {
	key := cacheKey(req)
	if allowed, ok := a.cache.get(key); ok {
		return allowed, nil
	}

	input := map[string]any{
		"subject":  req.Subject,
		"action":   req.Action,
		"resource": req.Resource,
	}
	for k, v := range req.Context {
		input[k] = v
	}

	body, err := json.Marshal(ruleInput{Input: input})
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
		return false, &Error{Code: "BackendError", Message: fmt.Sprintf("policy endpoint returned %d", resp.StatusCode)}
	}

	var out ruleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, &Error{Code: "PolicyError", Message: err.Error()}
	}

	allowed := out.Result != nil && *out.Result
	a.cache.put(key, allowed)
	return allowed, nil
}
