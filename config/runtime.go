package config

import (
	"os"
	"strings"

	nativecommon "refi/native/common"
	"refi/observability/logging"
	"refi/observability/otel"
)

// Token resolves the static RPC bearer token from the configured environment
// variable. Empty disables static-token auth.
func (a Auth) Token() string {
	name := strings.TrimSpace(a.TokenEnv)
	if name == "" {
		name = DefaultTokenEnv
	}
	return strings.TrimSpace(os.Getenv(name))
}

// JWTSecret resolves the HMAC secret for JWT auth. Nil disables JWT auth.
func (a Auth) JWTSecret() []byte {
	name := strings.TrimSpace(a.JWTSecretEnv)
	if name == "" {
		return nil
	}
	secret := strings.TrimSpace(os.Getenv(name))
	if secret == "" {
		return nil
	}
	return []byte(secret)
}

// LoggingConfig maps the logging section onto the slog setup knobs.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// TelemetryConfig maps the telemetry section onto the OTLP provider knobs.
func (c *Config) TelemetryConfig(service string) otel.Config {
	return otel.Config{
		ServiceName: service,
		Environment: c.NetworkName,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Headers:     otel.ParseHeaders(c.Telemetry.Headers),
		Metrics:     c.Telemetry.Metrics,
		Traces:      c.Telemetry.Traces,
	}
}

// ModulePauses materialises the pause flags as the engines' PauseView.
func (c *Config) ModulePauses() nativecommon.StaticPauses {
	return nativecommon.StaticPauses{
		"migration": c.Pauses.Migration,
		"sweep":     c.Pauses.Sweep,
	}
}
