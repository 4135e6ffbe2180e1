// Package credstore holds the ingress SigV4 credentials configured per
// bucket binding.
package credstore

import "github.com/ashgate-io/s3relay/internal/config"

// Credential is a single ingress access key bound to one bucket.
type Credential struct {
	AccessKeyID string
	SecretKey   string
	BucketName  string
	Active      bool
}

// Store is an immutable, concurrency-safe lookup table from access key ID
// to credential. It is built once at startup from the bucket bindings and
// never mutated afterward, so lookups require no locking.
type Store struct {
	byAccessKey map[string]*Credential
}

// NewStore builds a credential store from the SigV4-authenticated bucket
// bindings in cfg. Buckets configured for JWT auth contribute nothing.
func NewStore(buckets []config.BucketConfig) *Store {
	s := &Store{byAccessKey: make(map[string]*Credential)}
	for _, b := range buckets {
		if b.Auth.Kind != "sigv4" {
			continue
		}
		if b.Auth.SigV4.AccessKey == "" {
			continue
		}
		s.byAccessKey[b.Auth.SigV4.AccessKey] = &Credential{
			AccessKeyID: b.Auth.SigV4.AccessKey,
			SecretKey:   b.Auth.SigV4.SecretKey,
			BucketName:  b.Name,
			Active:      true,
		}
	}
	return s
}

// Lookup returns the credential for the given access key ID, if any.
func (s *Store) Lookup(accessKeyID string) (*Credential, bool) {
	c, ok := s.byAccessKey[accessKeyID]
	return c, ok
}
