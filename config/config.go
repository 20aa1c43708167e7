// Package config loads and validates the anchoring daemon configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/medtrust/anchord/errors"
)

const configFileName = "anchord_config.json"

// Load reads <dir>/anchord_config.json, applies environment overrides and
// defaults, and validates the result. A missing file is not an error; the
// configuration may come entirely from the environment.
func Load(dir string) (*Config, error) {
	// .env is optional; ignore a missing file.
	_ = godotenv.Load(filepath.Join(dir, ".env"))

	cfg := &Config{}

	path := filepath.Join(dir, configFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.New(errors.CodeConfiguration, "invalid config file").
				WithCause(err).WithContext("path", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.New(errors.CodeConfiguration, "failed to read config file").
			WithCause(err).WithContext("path", path)
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dir
	}
	return cfg, nil
}

// Save writes the config to <dir>/anchord_config.json.
func Save(cfg *Config, dir string) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	return os.WriteFile(filepath.Join(dir, configFileName), data, 0o600)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANCHORD_RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("ANCHORD_CONTRACT_ADDRESS"); v != "" {
		cfg.ContractAddress = v
	}
	if v := os.Getenv("ANCHORD_SIGNER_KEY"); v != "" {
		cfg.SignerKey = v
	}
	if v := os.Getenv("ANCHORD_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ChainID = id
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return errors.New(errors.CodeConfiguration, "log level must be between 0 and 5")
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return errors.New(errors.CodeConfiguration, "log format must be 'json' or 'console'")
	}

	if cfg.FinalityDepth == 0 {
		cfg.FinalityDepth = 3
	}
	if cfg.SubmitConfirmations == 0 {
		cfg.SubmitConfirmations = 1
	}
	if cfg.EventPageSpan == 0 {
		cfg.EventPageSpan = 20000
	}
	if cfg.RPCTimeoutSeconds == 0 {
		cfg.RPCTimeoutSeconds = 30
	}
	if cfg.ReceiptDeadlineSecs == 0 {
		cfg.ReceiptDeadlineSecs = 300
	}
	if cfg.EventPollIntervalSeconds == 0 {
		cfg.EventPollIntervalSeconds = 5
	}
	if cfg.HistoryCacheTTLSeconds == 0 {
		cfg.HistoryCacheTTLSeconds = 300
	}
	if cfg.MaxHistoryEntries == 0 {
		cfg.MaxHistoryEntries = 10000
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}

	// The hash algorithm is fixed at keccak-256 and deliberately has no
	// config knob.

	if cfg.ContractAddress != "" && len(cfg.ContractAddress) != 42 {
		return errors.Newf(errors.CodeConfiguration,
			"contract address must be a 0x-prefixed 20-byte hex string, got %q", cfg.ContractAddress)
	}
	return nil
}

// MustSubmitReady returns a Configuration error naming the first missing
// transport/identity field. Used at pipeline startup.
func MustSubmitReady(cfg *Config) error {
	switch {
	case cfg.RPCURL == "":
		return errors.New(errors.CodeConfiguration, "rpc_url is required for submission")
	case cfg.ContractAddress == "":
		return errors.New(errors.CodeConfiguration, "contract_address is required for submission")
	case cfg.SignerKey == "":
		return errors.New(errors.CodeConfiguration, "signer_key is required for submission")
	}
	return nil
}
