package config

import (
	"fmt"
	"strings"
)

// ValidateConfig rejects configurations that would misbehave at runtime.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config required")
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("server: rpc address required")
	}
	if cfg.RPC.RateLimitPerMin < 0 {
		return fmt.Errorf("rpc: rate limit per minute negative")
	}
	if cfg.RPC.RateLimitBurst < 0 {
		return fmt.Errorf("rpc: rate limit burst negative")
	}
	if cfg.Archive.RetentionDays < 0 {
		return fmt.Errorf("archive: retention days negative")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxBackups < 0 || cfg.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging: rotation bounds negative")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecretEnv) == "" {
		if strings.TrimSpace(cfg.Auth.JWTIssuer) != "" || strings.TrimSpace(cfg.Auth.JWTAudience) != "" {
			return fmt.Errorf("auth: jwt issuer or audience set without JWTSecretEnv")
		}
	}
	return nil
}
