// Package config holds OPERATOR-LEVEL configuration for an Ordo installation.
//
// This is infrastructure config set by whoever deploys the service, NOT
// per-user configuration. The boundary is:
//
//   - Operator config (this package): data directory, vault encryption key,
//     audit signing key, listen address, upstream endpoints, default
//     approval thresholds. Set via env vars (ORDO_*) or config file
//     (ordo.config.yaml).
//
//   - User config: granted permission scopes, approval thresholds, and
//     upstream surface credentials. Stored in SQLite (credentials in the
//     encrypted vault, internal/secrets); managed via the HTTP API.
//
// User credentials MUST NEVER appear in this config or in env vars.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/ordo-agent/ordo/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the ORDO_ prefix
// (e.g. "signing_key" → ORDO_SIGNING_KEY) and to a YAML field
// in ordo.config.yaml.
const (
	KeyDataDir    = "data_dir"
	KeyListenAddr = "listen_addr"
	KeySecretsKey = "secrets_key"
	KeySigningKey = "signing_key"
	KeyAPIKey     = "api_key"

	KeyRiskBaseURL  = "risk_base_url"
	KeyRiskCacheTTL = "risk_cache_ttl_seconds"

	KeyLLMPrimaryBaseURL  = "llm_primary_base_url"
	KeyLLMPrimaryModel    = "llm_primary_model"
	KeyLLMPrimaryKey      = "llm_primary_key"
	KeyLLMFallbackBaseURL = "llm_fallback_base_url"
	KeyLLMFallbackModel   = "llm_fallback_model"
	KeyLLMFallbackKey     = "llm_fallback_key"

	KeyApprovalTTLMinutes = "approval_ttl_minutes"
	KeyRetentionDays      = "retention_days"
	KeyRateLimitRPS       = "rate_limit_rps"
	KeyRateLimitBurst     = "rate_limit_burst"

	// Surface base URLs come from the config file as a map
	// (surfaces: {WALLET: "https://...", GMAIL: "https://..."}).
	KeySurfaces = "surfaces"

	KeyGuardBlockedAssets  = "guard_blocked_assets"
	KeyGuardBlockedActions = "guard_blocked_action_types"
	KeyGuardHardUSDCeiling = "guard_hard_usd_ceiling"

	KeyPolicyRulesFile = "policy_rules_file"
)

// Defaults that do NOT involve crypto material. Crypto keys intentionally
// have no baked-in defaults — when unset we generate a deterministic
// per-machine fallback and warn loudly.
const (
	DefaultListenAddr      = "127.0.0.1:8420"
	DefaultRiskCacheTTLSec = 3600
	DefaultApprovalTTLMin  = 15
	DefaultRetentionDays   = 30
	DefaultRateLimitRPS    = 10
	DefaultRateLimitBurst  = 20

	DefaultPrimaryBaseURL  = "https://api.mistral.ai"
	DefaultPrimaryModel    = "mistral-large-latest"
	DefaultFallbackBaseURL = "https://openrouter.ai/api"
	DefaultFallbackModel   = "meta-llama/llama-3.1-70b-instruct"
)

// Config holds resolved operator-level configuration for an Ordo process.
type Config struct {
	DataDir    string // Base directory for all state (~/.ordo)
	ListenAddr string // HTTP listen address
	SecretsKey string // Encryption key for the credentials vault (exactly 32 bytes)
	SigningKey string // HMAC-SHA256 key for audit record signing (≥32 bytes)
	APIKey     string // Static API key for the HTTP surface

	RiskBaseURL  string // Token risk provider endpoint
	RiskCacheTTL int    // Risk score cache TTL, seconds

	LLMPrimaryBaseURL  string
	LLMPrimaryModel    string
	LLMPrimaryKey      string
	LLMFallbackBaseURL string
	LLMFallbackModel   string
	LLMFallbackKey     string

	ApprovalTTLMinutes int // Pending approval lifetime
	RetentionDays      int // Terminal approval + audit retention
	RateLimitRPS       int // Per-caller sustained request rate
	RateLimitBurst     int // Per-caller burst allowance

	// Surfaces maps surface name (WALLET, GMAIL, ...) to its service
	// base URL. Unconfigured surfaces expose no tools.
	Surfaces map[string]string

	GuardBlockedAssets      []string // Assets never tradeable, no approval possible
	GuardBlockedActionTypes []string // Action kinds blocked outright
	GuardHardUSDCeiling     float64  // Ceiling no approval can override, 0 = none

	PolicyRulesFile string // Optional overlay for the content filter rules

	usingDefaultSecretsKey bool
	usingDefaultSigningKey bool
}

// UsingDefaultKeys returns true if either crypto key fell back to
// a generated default. Commands should warn when this is the case.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSecretsKey || c.usingDefaultSigningKey
}

// ApprovalsDBPath returns the full path to the approvals SQLite database.
func (c *Config) ApprovalsDBPath() string {
	return filepath.Join(c.DataDir, "approvals.db")
}

// AuditDBPath returns the full path to the audit SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// SecretsDBPath returns the full path to the credentials vault database.
func (c *Config) SecretsDBPath() string {
	return filepath.Join(c.DataDir, "secrets.db")
}

// UsersDBPath returns the full path to the user settings database.
func (c *Config) UsersDBPath() string {
	return filepath.Join(c.DataDir, "users.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("ORDO")
	viper.AutomaticEnv()
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyRiskCacheTTL, DefaultRiskCacheTTLSec)
	viper.SetDefault(KeyApprovalTTLMinutes, DefaultApprovalTTLMin)
	viper.SetDefault(KeyRetentionDays, DefaultRetentionDays)
	viper.SetDefault(KeyRateLimitRPS, DefaultRateLimitRPS)
	viper.SetDefault(KeyRateLimitBurst, DefaultRateLimitBurst)
	viper.SetDefault(KeyLLMPrimaryBaseURL, DefaultPrimaryBaseURL)
	viper.SetDefault(KeyLLMPrimaryModel, DefaultPrimaryModel)
	viper.SetDefault(KeyLLMFallbackBaseURL, DefaultFallbackBaseURL)
	viper.SetDefault(KeyLLMFallbackModel, DefaultFallbackModel)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:    resolveDataDir(),
		ListenAddr: viper.GetString(KeyListenAddr),
		SecretsKey: viper.GetString(KeySecretsKey),
		SigningKey: viper.GetString(KeySigningKey),
		APIKey:     viper.GetString(KeyAPIKey),

		RiskBaseURL:  viper.GetString(KeyRiskBaseURL),
		RiskCacheTTL: viper.GetInt(KeyRiskCacheTTL),

		LLMPrimaryBaseURL:  viper.GetString(KeyLLMPrimaryBaseURL),
		LLMPrimaryModel:    viper.GetString(KeyLLMPrimaryModel),
		LLMPrimaryKey:      viper.GetString(KeyLLMPrimaryKey),
		LLMFallbackBaseURL: viper.GetString(KeyLLMFallbackBaseURL),
		LLMFallbackModel:   viper.GetString(KeyLLMFallbackModel),
		LLMFallbackKey:     viper.GetString(KeyLLMFallbackKey),

		ApprovalTTLMinutes: viper.GetInt(KeyApprovalTTLMinutes),
		RetentionDays:      viper.GetInt(KeyRetentionDays),
		RateLimitRPS:       viper.GetInt(KeyRateLimitRPS),
		RateLimitBurst:     viper.GetInt(KeyRateLimitBurst),

		Surfaces: viper.GetStringMapString(KeySurfaces),

		GuardBlockedAssets:      viper.GetStringSlice(KeyGuardBlockedAssets),
		GuardBlockedActionTypes: viper.GetStringSlice(KeyGuardBlockedActions),
		GuardHardUSDCeiling:     viper.GetFloat64(KeyGuardHardUSDCeiling),

		PolicyRulesFile: viper.GetString(KeyPolicyRulesFile),
	}

	if cfg.SecretsKey == "" {
		cfg.SecretsKey = deriveDefaultKey(cfg.DataDir, "vault-encryption")
		cfg.usingDefaultSecretsKey = true
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing---")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ordo"
	}
	return filepath.Join(home, ".ordo")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. NOT cryptographically strong — it exists
// solely so `ordo serve` works out of the box while still encrypting data
// at rest with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("ordo:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSecretsKey(c.SecretsKey); err != nil {
		return err
	}
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.RiskCacheTTL <= 0 {
		return fmt.Errorf("risk_cache_ttl_seconds must be positive")
	}
	if c.ApprovalTTLMinutes <= 0 {
		return fmt.Errorf("approval_ttl_minutes must be positive")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate_limit_rps and rate_limit_burst must be positive")
	}
	return nil
}

// validateSecretsKey accepts either 32 raw bytes or 64 hex characters
// (decodes to 32 bytes for secretbox).
func validateSecretsKey(key string) error {
	n := len(key)
	if n == 32 {
		return nil
	}
	if n == 64 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return fmt.Errorf("secrets_key hex must decode to 32 bytes: %w", err)
		}
		return nil
	}
	return fmt.Errorf("secrets_key must be exactly 32 bytes or 64 hex characters (got %d); set ORDO_SECRETS_KEY", n)
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters
// (decoded length ≥32 for HMAC-SHA256). Hex is checked first (disjoint
// from raw); raw is accepted otherwise when n ≥ 32.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set ORDO_SIGNING_KEY", n)
}
