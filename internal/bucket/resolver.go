// Package bucket resolves an incoming request path to its configured
// bucket binding by first path segment, in O(1).
package bucket

import (
	"fmt"
	"strings"

	"github.com/ashgate-io/s3relay/internal/config"
)

// Binding is one configured path-prefix-to-backend mapping.
type Binding struct {
	Name       string
	PathPrefix string
	Config     config.BucketConfig
}

// Error reports a resolution failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Resolver maps normalized path prefixes to bindings.
type Resolver struct {
	byPrefix map[string]*Binding
}

// NewResolver builds a Resolver from the configured bucket bindings. Every
// configured prefix normalizes to exactly one binding; no two bindings
// share a first segment.
func NewResolver(buckets []config.BucketConfig) (*Resolver, error) {
	r := &Resolver{byPrefix: make(map[string]*Binding, len(buckets))}

	for _, b := range buckets {
		prefix := normalize(b.PathPrefix)
		if _, exists := r.byPrefix[prefix]; exists {
			return nil, fmt.Errorf("duplicate bucket prefix %q", prefix)
		}
		r.byPrefix[prefix] = &Binding{Name: b.Name, PathPrefix: prefix, Config: b}
	}

	return r, nil
}

// normalize ensures a leading slash and strips any trailing slash, except
// for the root path itself.
func normalize(prefix string) string {
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

// Resolve extracts the first path segment from path, looks up its binding,
// and returns the binding along with the object key -- the remainder of
// the path with leading slashes stripped.
func (r *Resolver) Resolve(path string) (*Binding, string, error) {
	if path == "" {
		return nil, "", &Error{Code: "InvalidPath", Message: "empty path"}
	}
	if !strings.HasPrefix(path, "/") {
		return nil, "", &Error{Code: "InvalidPath", Message: "no leading slash"}
	}

	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil, "", &Error{Code: "InvalidPath", Message: "no segment"}
	}

	idx := strings.IndexByte(trimmed, '/')
	var segment, rest string
	if idx < 0 {
		segment = trimmed
	} else {
		segment = trimmed[:idx]
		rest = trimmed[idx+1:]
	}

	binding, ok := r.byPrefix["/"+segment]
	if !ok {
		return nil, "", &Error{Code: "BucketNotFound", Message: segment}
	}

	key := strings.TrimLeft(rest, "/")
	return binding, key, nil
}
