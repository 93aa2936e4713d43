package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"rollmarket/crypto"
)

// Config carries the node daemon settings. Periods are expressed in seconds;
// the deployment fee is a decimal string in token base units so it survives
// TOML round-trips without precision loss.
type Config struct {
	RPCAddress                string `toml:"RPCAddress"`
	MetricsAddress            string `toml:"MetricsAddress"`
	DataDir                   string `toml:"DataDir"`
	NetworkName               string `toml:"NetworkName"`
	Environment               string `toml:"Environment"`
	VaultAddress              string `toml:"VaultAddress"`
	TokenDecimals             uint8  `toml:"TokenDecimals"`
	FulfillmentPeriodSeconds  int64  `toml:"FulfillmentPeriodSeconds"`
	VerificationPeriodSeconds int64  `toml:"VerificationPeriodSeconds"`
	DeploymentFee             string `toml:"DeploymentFee"`
	LogFile                   string `toml:"LogFile"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./rollmarket-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "rollmarket-local"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 18
	}
	if cfg.FulfillmentPeriodSeconds <= 0 {
		cfg.FulfillmentPeriodSeconds = 24 * 60 * 60
	}
	if cfg.VerificationPeriodSeconds <= 0 {
		cfg.VerificationPeriodSeconds = 48 * 60 * 60
	}
	if strings.TrimSpace(cfg.DeploymentFee) == "" {
		cfg.DeploymentFee = "0"
	}
}

// Validate rejects configurations the daemon cannot start with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if _, ok := cfg.DeploymentFeeAmount(); !ok {
		return fmt.Errorf("config: DeploymentFee %q is not a base-unit integer", cfg.DeploymentFee)
	}
	if strings.TrimSpace(cfg.VaultAddress) != "" {
		if _, err := crypto.DecodeAddress(cfg.VaultAddress); err != nil {
			return fmt.Errorf("config: invalid VaultAddress: %w", err)
		}
	}
	return nil
}

// DeploymentFeeAmount parses the configured fee into token base units.
func (c *Config) DeploymentFeeAmount() (*big.Int, bool) {
	fee, ok := new(big.Int).SetString(strings.TrimSpace(c.DeploymentFee), 10)
	if !ok || fee.Sign() < 0 {
		return nil, false
	}
	return fee, true
}

// Vault resolves the configured escrow vault address. When the field is
// empty a fresh key is generated and persisted next to the config file so
// the vault survives restarts.
func (c *Config) Vault(configPath string) ([20]byte, error) {
	var out [20]byte
	if strings.TrimSpace(c.VaultAddress) != "" {
		addr, err := crypto.DecodeAddress(c.VaultAddress)
		if err != nil {
			return out, err
		}
		copy(out[:], addr.Bytes())
		return out, nil
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return out, err
	}
	addr := key.PubKey().Address()
	copy(out[:], addr.Bytes())
	c.VaultAddress = addr.String()
	if configPath != "" {
		if err := persist(configPath, c); err != nil {
			return out, err
		}
	}
	return out, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:                ":8545",
		MetricsAddress:            ":9190",
		DataDir:                   "./rollmarket-data",
		NetworkName:               "rollmarket-local",
		Environment:               "dev",
		TokenDecimals:             18,
		FulfillmentPeriodSeconds:  24 * 60 * 60,
		VerificationPeriodSeconds: 48 * 60 * 60,
		DeploymentFee:             "0",
	}
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
