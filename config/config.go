package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the node configuration. Top-level fields cover the daemon
// itself; section structs cover the RPC surface, the receipt archive, and
// the ambient observability stack. Migration parameters (sweep recipient,
// accepted collateral, plan bounds) are deliberately absent: they are
// construction-time state seeded from the genesis document and persisted in
// the ledger, immutable without a reseed.
type Config struct {
	RPCAddress       string `toml:"RPCAddress"`
	DataDir          string `toml:"DataDir"`
	GenesisFile      string `toml:"GenesisFile"`
	AllowAutogenesis bool   `toml:"AllowAutogenesis"`
	NetworkName      string `toml:"NetworkName"`

	Auth      Auth      `toml:"Auth"`
	RPC       RPC       `toml:"RPC"`
	Archive   Archive   `toml:"Archive"`
	Logging   Logging   `toml:"Logging"`
	Telemetry Telemetry `toml:"Telemetry"`
	Pauses    Pauses    `toml:"Pauses"`
}

// Load reads the configuration at path, creating a default file when none
// exists. Unknown keys are rejected so typos fail loudly instead of being
// silently ignored.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		return nil, fmt.Errorf("config file %s contains unknown key %q", path, undecoded.String())
	}

	cfg.normalize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./refi-data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "refi-local"
	}
	if strings.TrimSpace(c.Auth.TokenEnv) == "" {
		c.Auth.TokenEnv = DefaultTokenEnv
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Archive.Enable {
		if strings.TrimSpace(c.Archive.Path) == "" {
			c.Archive.Path = filepath.Join(c.DataDir, "receipts.db")
		}
		if strings.TrimSpace(c.Archive.ExportDir) == "" {
			c.Archive.ExportDir = filepath.Join(c.DataDir, "exports")
		}
	}
	if c.RPC.AllowedOrigins == nil {
		c.RPC.AllowedOrigins = []string{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:       ":8080",
		DataDir:          "./refi-data",
		GenesisFile:      "",
		AllowAutogenesis: true,
		NetworkName:      "refi-local",
		Auth: Auth{
			TokenEnv: DefaultTokenEnv,
		},
		RPC: RPC{
			RateLimitPerMin: 600,
			RateLimitBurst:  20,
			AllowedOrigins:  []string{"*"},
		},
		Archive: Archive{
			Enable: true,
		},
		Logging: Logging{
			Level: "info",
		},
		Telemetry: Telemetry{
			Insecure: true,
		},
	}
	cfg.normalize()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
