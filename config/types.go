package config

import "time"

// Config holds all settings for the anchoring daemon. It is loaded from
// anchord_config.json with ANCHORD_* environment overrides for the
// transport/identity fields.
type Config struct {
	// Transport and identity.
	RPCURL          string `json:"rpc_url"`
	ContractAddress string `json:"contract_address"`
	SignerKey       string `json:"signer_key"` // hex-encoded secp256k1 private key
	ChainID         int64  `json:"chain_id"`

	// Chain behavior.
	FinalityDepth       uint64 `json:"finality_depth"`
	SubmitConfirmations uint64 `json:"submit_confirmations"`
	EventPageSpan       uint64 `json:"event_page_span"`
	RPCTimeoutSeconds   int    `json:"rpc_timeout_seconds"`
	ReceiptDeadlineSecs int    `json:"receipt_deadline_seconds"`

	// Ingester.
	EventPollIntervalSeconds int `json:"event_poll_interval_seconds"`

	// History aggregation.
	HistoryCacheTTLSeconds int `json:"history_cache_ttl_seconds"`
	MaxHistoryEntries      int `json:"max_history_entries"`

	// Storage.
	DataDir string `json:"data_dir"`

	// API server.
	APIPort int `json:"api_port"`

	// Logging.
	LogLevel   int    `json:"log_level"`
	LogFormat  string `json:"log_format"`
	LogSampler bool   `json:"log_sampler"`
}

// RPCTimeout returns the per-call RPC timeout.
func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutSeconds) * time.Second
}

// ReceiptDeadline returns the outer deadline for receipt awaits.
func (c *Config) ReceiptDeadline() time.Duration {
	return time.Duration(c.ReceiptDeadlineSecs) * time.Second
}

// EventPollInterval returns how often the ingester checks for new blocks.
func (c *Config) EventPollInterval() time.Duration {
	return time.Duration(c.EventPollIntervalSeconds) * time.Second
}

// HistoryCacheTTL returns how long a history snapshot may be served.
func (c *Config) HistoryCacheTTL() time.Duration {
	return time.Duration(c.HistoryCacheTTLSeconds) * time.Second
}

// SubmitEnabled reports whether the submission side can run. The API can
// still serve read-only endpoints when this is false.
func (c *Config) SubmitEnabled() bool {
	return c.RPCURL != "" && c.ContractAddress != "" && c.SignerKey != ""
}
