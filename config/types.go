package config

// DefaultTokenEnv is the environment variable consulted for the static RPC
// bearer token when the config names no other.
const DefaultTokenEnv = "REFI_RPC_TOKEN"

// Auth controls how privileged RPC methods authenticate callers. Secrets are
// never stored in the file; the config carries environment variable names.
type Auth struct {
	TokenEnv     string `toml:"TokenEnv"`
	JWTSecretEnv string `toml:"JWTSecretEnv"`
	JWTIssuer    string `toml:"JWTIssuer"`
	JWTAudience  string `toml:"JWTAudience"`
}

// RPC bounds the HTTP surface.
type RPC struct {
	RateLimitPerMin   int      `toml:"RateLimitPerMin"`
	RateLimitBurst    int      `toml:"RateLimitBurst"`
	TrustProxyHeaders bool     `toml:"TrustProxyHeaders"`
	AllowedOrigins    []string `toml:"AllowedOrigins"`
}

// Archive configures the SQLite receipt store. A zero RetentionDays keeps
// receipts forever.
type Archive struct {
	Enable        bool   `toml:"Enable"`
	Path          string `toml:"Path"`
	ExportDir     string `toml:"ExportDir"`
	RetentionDays int    `toml:"RetentionDays"`
}

// Logging configures the slog sink and optional file rotation.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
	Headers  string `toml:"Headers"`
}

// Pauses administratively halts module operations without a restart of the
// counterparty systems; a paused module rejects writes but keeps reads.
type Pauses struct {
	Migration bool `toml:"Migration"`
	Sweep     bool `toml:"Sweep"`
}
