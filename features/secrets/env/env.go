// Package env implements store.SecretStore over process environment
// variables. References map to variable names, optionally behind a fixed
// prefix, so stored records carry only the reference and deployments inject
// the values the usual way.
package env

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ensembleworks/ensemble/runtime/store"
)

// Options configures the store.
type Options struct {
	// Prefix is prepended to every reference before the environment lookup.
	// A reference "anthropic_key" with prefix "ENSEMBLE_SECRET_" reads
	// ENSEMBLE_SECRET_ANTHROPIC_KEY.
	Prefix string
}

// Store resolves secret references against the environment.
type Store struct {
	prefix string
}

// New returns an environment-backed secret store.
func New(opts Options) *Store {
	return &Store{prefix: opts.Prefix}
}

// Get implements store.SecretStore. The reference is upper-cased and
// non-alphanumeric runes become underscores, matching environment naming
// conventions. Unset or empty variables report store.ErrSecretNotFound.
func (s *Store) Get(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty secret reference: %w", store.ErrSecretNotFound)
	}
	name := s.prefix + VarName(ref)
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("environment variable %s: %w", name, store.ErrSecretNotFound)
	}
	return v, nil
}

// VarName converts a secret reference into an environment variable name:
// upper-cased, with runes outside [A-Z0-9] replaced by underscores.
func VarName(ref string) string {
	var b strings.Builder
	b.Grow(len(ref))
	for _, r := range strings.ToUpper(ref) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
