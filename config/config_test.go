package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, uint64(3), cfg.FinalityDepth)
	assert.Equal(t, uint64(1), cfg.SubmitConfirmations)
	assert.Equal(t, uint64(20000), cfg.EventPageSpan)
	assert.Equal(t, 300, cfg.ReceiptDeadlineSecs)
	assert.Equal(t, 300, cfg.HistoryCacheTTLSeconds)
	assert.Equal(t, 10000, cfg.MaxHistoryEntries)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.False(t, cfg.SubmitEnabled())
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	content := `{
		"rpc_url": "http://localhost:8545",
		"contract_address": "0x1234567890123456789012345678901234567890",
		"signer_key": "abcd",
		"chain_id": 31337,
		"finality_depth": 6
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "anchord_config.json"), []byte(content), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8545", cfg.RPCURL)
	assert.Equal(t, int64(31337), cfg.ChainID)
	assert.Equal(t, uint64(6), cfg.FinalityDepth)
	assert.True(t, cfg.SubmitEnabled())
	assert.Equal(t, dir, cfg.DataDir, "data dir defaults to the config dir")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ANCHORD_RPC_URL", "http://rpc.example:8545")
	t.Setenv("ANCHORD_CHAIN_ID", "1337")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "http://rpc.example:8545", cfg.RPCURL)
	assert.Equal(t, int64(1337), cfg.ChainID)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("malformed json", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "anchord_config.json"), []byte("{"), 0o600))

		_, err := Load(dir)
		require.Error(t, err)
	})

	t.Run("bad contract address", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "anchord_config.json"),
			[]byte(`{"contract_address": "0x1234"}`), 0o600))

		_, err := Load(dir)
		require.Error(t, err)
	})

	t.Run("bad log format", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "anchord_config.json"),
			[]byte(`{"log_format": "xml"}`), 0o600))

		_, err := Load(dir)
		require.Error(t, err)
	})
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()

	cfg := &Config{
		RPCURL:          "http://localhost:8545",
		ContractAddress: "0x1234567890123456789012345678901234567890",
		ChainID:         31337,
	}
	require.NoError(t, Save(cfg, dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.RPCURL, loaded.RPCURL)
	assert.Equal(t, cfg.ContractAddress, loaded.ContractAddress)
}

func TestMustSubmitReady(t *testing.T) {
	cfg := &Config{}
	require.Error(t, MustSubmitReady(cfg))

	cfg.RPCURL = "http://localhost:8545"
	require.Error(t, MustSubmitReady(cfg))

	cfg.ContractAddress = "0x1234567890123456789012345678901234567890"
	require.Error(t, MustSubmitReady(cfg))

	cfg.SignerKey = "abcd"
	require.NoError(t, MustSubmitReady(cfg))
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, cfg.RPCTimeout().Seconds(), float64(cfg.RPCTimeoutSeconds))
	assert.Equal(t, cfg.ReceiptDeadline().Seconds(), float64(cfg.ReceiptDeadlineSecs))
	assert.Equal(t, cfg.EventPollInterval().Seconds(), float64(cfg.EventPollIntervalSeconds))
	assert.Equal(t, cfg.HistoryCacheTTL().Seconds(), float64(cfg.HistoryCacheTTLSeconds))
}
