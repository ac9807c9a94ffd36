// Package secrets keeps the credentials the bridge needs (the CRM API key
// and the nonce signing secret) encrypted in the submission log database.
package secrets

import "context"

// Well-known secret keys.
const (
	KeyCRMAPIKey   = "crm_api_key"
	KeyCRMSiteKey  = "crm_site_key"
	KeyNonceSecret = "nonce_secret"
)

// Vault stores secrets encrypted at rest (AES-256-GCM) and decrypts them
// in memory only.
type Vault interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
