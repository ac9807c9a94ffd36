package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/formbridge/internal/actions"
	"github.com/rendis/formbridge/internal/attachments"
	"github.com/rendis/formbridge/internal/crm"
	"github.com/rendis/formbridge/internal/engine"
	"github.com/rendis/formbridge/internal/expressions"
	"github.com/rendis/formbridge/internal/forms"
	"github.com/rendis/formbridge/internal/logging"
	"github.com/rendis/formbridge/internal/mapping"
	"github.com/rendis/formbridge/internal/nonce"
	"github.com/rendis/formbridge/internal/secrets"
	"github.com/rendis/formbridge/internal/store"
	"github.com/rendis/formbridge/internal/validation"
)

// app is the wired set of collaborators shared by the subcommands.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.LibSQLStore
	vault    secrets.Vault
	registry *actions.Registry
	catalog  *forms.Catalog
	proc     *engine.Processor
}

func newLogger(level string) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logging.ParseLevel(level)})
	return slog.New(logging.NewCorrelationHandler(h))
}

// openStore opens and migrates the submission log and unlocks the vault
// when a vault key is configured.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, secrets.Vault, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create db dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	if cfg.VaultKey == "" {
		return s, nil, nil
	}
	salt, err := loadOrCreateSalt(vaultSaltPath())
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	v, err := secrets.NewAESVault(s, secrets.VaultConfig{Passphrase: cfg.VaultKey, Salt: salt})
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return s, v, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil && len(salt) > 0 {
		return salt, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write vault salt: %w", err)
	}
	return salt, nil
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := newLogger(cfg.LogLevel)

	s, vault, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: s, vault: vault}
	if err := a.wire(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	client, err := a.crmClient(ctx)
	if err != nil {
		return err
	}

	var files attachments.Store
	if a.cfg.UploadDir != "" {
		ds, err := attachments.NewDirStore(a.cfg.UploadDir, 0)
		if err != nil {
			return err
		}
		files = ds
	}

	a.registry = actions.NewRegistry()
	deps := actions.Deps{
		Client: client,
		Mapper: mapping.NewMapper(client, files, expressions.NewExprEngine(), a.logger),
		Logger: a.logger,
	}
	if err := actions.RegisterBuiltins(a.registry, deps); err != nil {
		return err
	}

	validator, err := validation.NewFormValidator(a.registry)
	if err != nil {
		return err
	}
	a.catalog = forms.NewCatalog(validator, a.logger)
	for _, loadErr := range a.catalog.LoadDir(a.cfg.FormsDir) {
		a.logger.Error("form definition rejected", "error", loadErr)
	}
	a.logger.Info("forms loaded", "dir", a.cfg.FormsDir, "count", a.catalog.Len())

	issuer, err := a.nonceIssuer(ctx)
	if err != nil {
		return err
	}

	a.proc, err = engine.NewProcessor(engine.Config{
		Registry: a.registry,
		Store:    a.store,
		Events:   store.NewEventLog(a.store),
		Nonces:   issuer,
		Logger:   a.logger,
	})
	return err
}

// crmClient returns the REST client, or an in-memory dry-run client when
// no CRM URL is configured.
func (a *app) crmClient(ctx context.Context) (crm.Client, error) {
	if a.cfg.CRMURL == "" {
		a.logger.Warn("no crm_url configured, running against an in-memory CRM")
		return crm.NewMemoryClient(), nil
	}
	apiKey, err := secrets.Lookup(ctx, a.vault, secrets.KeyCRMAPIKey, []byte(a.cfg.CRMAPIKey))
	if err != nil {
		return nil, err
	}
	siteKey, err := secrets.Lookup(ctx, a.vault, secrets.KeyCRMSiteKey, []byte(a.cfg.CRMSiteKey))
	if err != nil {
		return nil, err
	}
	client, err := crm.NewRESTClient(crm.RESTConfig{
		BaseURL: a.cfg.CRMURL,
		APIKey:  string(apiKey),
		SiteKey: string(siteKey),
		Timeout: a.cfg.crmTimeout(),
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// nonceIssuer returns nil when nonce checks are disabled. The secret comes
// from config, else from the vault (generated on first use).
func (a *app) nonceIssuer(ctx context.Context) (*nonce.Issuer, error) {
	lifetime := a.cfg.nonceLifetime()
	if lifetime <= 0 {
		return nil, nil
	}
	secret := []byte(a.cfg.NonceSecret)
	if len(secret) == 0 && a.vault != nil {
		var err error
		secret, err = secrets.EnsureRandom(ctx, a.vault, secrets.KeyNonceSecret, 32)
		if err != nil {
			return nil, err
		}
	}
	if len(secret) == 0 {
		a.logger.Warn("nonce checks disabled: set nonce_secret or FORMBRIDGE_VAULT_KEY")
		return nil, nil
	}
	return nonce.NewIssuer(secret, lifetime), nil
}

func (a *app) Close() error {
	return a.store.Close()
}
