package credentials

import (
	"context"
	"strings"
)

// TokenSource is the slice of Store the resolver needs.
type TokenSource interface {
	Token(ctx context.Context, provider string) (string, error)
}

// Resolver picks a provider key on every call: the static value from the
// environment first, then the secret file, then the token table.
type Resolver struct {
	Provider string
	Static   string
	File     *SecretFile
	Store    TokenSource
}

// APIKey returns the first non-empty key. An empty key with a nil error means
// nothing is configured.
func (r *Resolver) APIKey(ctx context.Context) (string, error) {
	if key := strings.TrimSpace(r.Static); key != "" {
		return key, nil
	}
	if r.File != nil {
		if key := r.File.Value(); key != "" {
			return key, nil
		}
	}
	if r.Store == nil {
		return "", nil
	}
	provider := r.Provider
	if provider == "" {
		provider = ProviderMeshy
	}
	return r.Store.Token(ctx, provider)
}
