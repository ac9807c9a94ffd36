package secrets

import (
	"context"
	"crypto/rand"

	"github.com/rendis/formbridge/pkg/schema"
)

// Lookup returns the secret under key, or fallback when the vault is nil
// or holds no such secret. Other vault errors are returned.
func Lookup(ctx context.Context, v Vault, key string, fallback []byte) ([]byte, error) {
	if v == nil {
		return fallback, nil
	}
	val, err := v.Get(ctx, key)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return fallback, nil
	}
	return val, err
}

// EnsureRandom returns the secret under key, creating a random one of size
// bytes on first use. Used for the nonce secret, which only has to be
// stable across restarts.
func EnsureRandom(ctx context.Context, v Vault, key string, size int) ([]byte, error) {
	val, err := v.Get(ctx, key)
	if err == nil {
		return val, nil
	}
	if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}

	val = make([]byte, size)
	if _, err := rand.Read(val); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "generate %s: %s", key, err.Error()).WithCause(err)
	}
	if err := v.Put(ctx, key, val); err != nil {
		return nil, err
	}
	return val, nil
}
