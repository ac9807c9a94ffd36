package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all formbridge configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	FormsDir   string `json:"forms_dir"`
	UploadDir  string `json:"upload_dir"`
	CRMURL     string `json:"crm_url"`
	CRMAPIKey  string `json:"crm_api_key,omitempty"`
	CRMSiteKey string `json:"crm_site_key,omitempty"`
	CRMTimeout string `json:"crm_timeout"`

	NonceSecret   string `json:"nonce_secret,omitempty"`
	NonceLifetime string `json:"nonce_lifetime"` // "0" disables nonce checks

	Retention  string `json:"retention"` // "0" keeps submissions forever
	PurgeCron  string `json:"purge_cron"`
	VacuumCron string `json:"vacuum_cron"`

	// VaultKey is read from the environment only and never written to
	// settings.json.
	VaultKey string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(formbridgeDir(), "formbridge.db"),
		LogLevel:      "info",
		FormsDir:      filepath.Join(formbridgeDir(), "forms"),
		CRMTimeout:    "30s",
		NonceLifetime: "24h",
		Retention:     "720h",
		PurgeCron:     "@daily",
		VacuumCron:    "@weekly",
	}
}

func formbridgeDir() string {
	if v := os.Getenv("FORMBRIDGE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".formbridge"
	}
	return filepath.Join(home, ".formbridge")
}

func settingsPath() string {
	return filepath.Join(formbridgeDir(), "settings.json")
}

// loadEnvFile loads the first .env found in the working directory or the
// formbridge directory. Variables already set win.
func loadEnvFile() {
	for _, p := range []string{".env", filepath.Join(formbridgeDir(), ".env")} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			slog.Warn("failed to load .env", "path", p, "error", err)
		}
		return
	}
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	envOverride(&cfg.DBPath, "FORMBRIDGE_DB_PATH")
	envOverride(&cfg.LogLevel, "FORMBRIDGE_LOG_LEVEL")
	envOverride(&cfg.FormsDir, "FORMBRIDGE_FORMS_DIR")
	envOverride(&cfg.UploadDir, "FORMBRIDGE_UPLOAD_DIR")
	envOverride(&cfg.CRMURL, "FORMBRIDGE_CRM_URL")
	envOverride(&cfg.CRMAPIKey, "FORMBRIDGE_CRM_API_KEY")
	envOverride(&cfg.CRMSiteKey, "FORMBRIDGE_CRM_SITE_KEY")
	envOverride(&cfg.CRMTimeout, "FORMBRIDGE_CRM_TIMEOUT")
	envOverride(&cfg.NonceSecret, "FORMBRIDGE_NONCE_SECRET")
	envOverride(&cfg.NonceLifetime, "FORMBRIDGE_NONCE_LIFETIME")
	envOverride(&cfg.Retention, "FORMBRIDGE_RETENTION")
	envOverride(&cfg.PurgeCron, "FORMBRIDGE_PURGE_CRON")
	envOverride(&cfg.VacuumCron, "FORMBRIDGE_VACUUM_CRON")
	envOverride(&cfg.VaultKey, "FORMBRIDGE_VAULT_KEY")

	return cfg, cfg.validate()
}

func envOverride(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c Config) validate() error {
	for name, v := range map[string]string{
		"crm_timeout":    c.CRMTimeout,
		"nonce_lifetime": c.NonceLifetime,
		"retention":      c.Retention,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
	}
	return nil
}

// parseDuration accepts Go durations plus a bare number of seconds.
// Empty means zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func (c Config) crmTimeout() time.Duration {
	d, _ := parseDuration(c.CRMTimeout)
	return d
}

func (c Config) nonceLifetime() time.Duration {
	d, _ := parseDuration(c.NonceLifetime)
	return d
}

func (c Config) retention() time.Duration {
	d, _ := parseDuration(c.Retention)
	return d
}

func vaultSaltPath() string {
	return filepath.Join(formbridgeDir(), "vault.salt")
}
