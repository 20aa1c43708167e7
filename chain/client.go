// Package chain is the thin adapter over the anchoring contract's EVM
// JSON-RPC endpoint: transaction submission, receipt awaits, view calls,
// and range-bounded event queries.
package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/medtrust/anchord/config"
	"github.com/medtrust/anchord/errors"
	"github.com/medtrust/anchord/store"
)

// ErrNotOnChain is returned by GetHash when the contract reports that the
// id does not exist.
var ErrNotOnChain = errors.New(errors.CodeNotFound, "entity not anchored on chain")

const (
	// defaultGasLimit is used when gas estimation fails but the node still
	// accepts the transaction.
	defaultGasLimit = 300000

	receiptPollInterval = 3 * time.Second
)

// Receipt is the subset of the EVM receipt the pipeline classifies on.
type Receipt struct {
	BlockNumber uint64
	GasUsed     uint64
	Logs        []types.Log
}

// Client wraps a single JSON-RPC endpoint with the privileged signer
// identity. All mutating calls go through the one signer; read paths are
// safe for concurrent use.
type Client struct {
	eth        *ethclient.Client
	contract   ethcommon.Address
	signerKey  *ecdsa.PrivateKey
	signerAddr ethcommon.Address
	chainID    *big.Int
	rpcTimeout time.Duration
	logger     zerolog.Logger
}

// Dial connects to the configured RPC endpoint and verifies the chain id.
// The signer key is optional; without it the client is read-only and
// Submit returns a Configuration error.
func Dial(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New(errors.CodeConfiguration, "rpc_url is required")
	}
	if cfg.ContractAddress == "" {
		return nil, errors.New(errors.CodeConfiguration, "contract_address is required")
	}

	log := logger.With().Str("component", "chain_client").Logger()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout())
	defer cancel()

	eth, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, errors.New(errors.CodeRpcTransient, "failed to connect to RPC endpoint").WithCause(err)
	}

	chainID, err := eth.ChainID(dialCtx)
	if err != nil {
		eth.Close()
		return nil, errors.New(errors.CodeRpcTransient, "failed to get chain id").WithCause(err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		eth.Close()
		return nil, errors.Newf(errors.CodeConfiguration,
			"chain id mismatch: expected %d, got %d", cfg.ChainID, chainID.Int64())
	}

	client := &Client{
		eth:        eth,
		contract:   ethcommon.HexToAddress(cfg.ContractAddress),
		chainID:    chainID,
		rpcTimeout: cfg.RPCTimeout(),
		logger:     log,
	}

	if cfg.SignerKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
		if err != nil {
			eth.Close()
			return nil, errors.New(errors.CodeConfiguration, "invalid signer key").WithCause(err)
		}
		client.signerKey = key
		client.signerAddr = crypto.PubkeyToAddress(key.PublicKey)
	}

	log.Info().
		Int64("chain_id", chainID.Int64()).
		Str("contract", client.contract.Hex()).
		Str("signer", client.signerAddr.Hex()).
		Msg("connected to anchoring contract")

	return client, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// SignerAddress returns the configured signer's address, lowercase hex.
func (c *Client) SignerAddress() string {
	return strings.ToLower(c.signerAddr.Hex())
}

// ContractAddress returns the anchoring contract address, lowercase hex.
func (c *Client) ContractAddress() string {
	return strings.ToLower(c.contract.Hex())
}

// CurrentBlock returns the latest block number.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	block, err := c.eth.BlockNumber(callCtx)
	if err != nil {
		return 0, errors.ClassifyRPC(err, "failed to get current block")
	}
	return block, nil
}

// BlockHashAt returns the canonical hash of the block at the given height.
// Used by the ingester to detect reorgs.
func (c *Client) BlockHashAt(ctx context.Context, number uint64) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	header, err := c.eth.HeaderByNumber(callCtx, new(big.Int).SetUint64(number))
	if err != nil {
		return "", errors.ClassifyRPC(err, "failed to get block header")
	}
	return strings.ToLower(header.Hash().Hex()), nil
}

// Submit builds, signs, and broadcasts the contract call for
// (kind, action, id, hash), returning the transaction hash. The nonce is
// fetched from the node's pending view; callers must serialize Submit per
// signer to keep the nonce space collision-free.
func (c *Client) Submit(ctx context.Context, kind store.Kind, action store.Action, entityID uint64, hash [32]byte) (string, error) {
	if c.signerKey == nil {
		return "", errors.New(errors.CodeConfiguration, "no signer key configured; submission disabled")
	}

	method, err := MethodFor(kind, action)
	if err != nil {
		return "", err
	}

	var data []byte
	id := new(big.Int).SetUint64(entityID)
	if action == store.ActionDelete {
		data, err = contractABI.Pack(method, id)
	} else {
		data, err = contractABI.Pack(method, id, hash)
	}
	if err != nil {
		return "", errors.New(errors.CodeInternal, "failed to pack calldata").WithCause(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	nonce, err := c.eth.PendingNonceAt(callCtx, c.signerAddr)
	if err != nil {
		return "", errors.ClassifyRPC(err, "failed to get pending nonce")
	}

	gasPrice, err := c.eth.SuggestGasPrice(callCtx)
	if err != nil {
		return "", errors.ClassifyRPC(err, "failed to get gas price")
	}

	gasLimit, err := c.eth.EstimateGas(callCtx, ethereum.CallMsg{
		From: c.signerAddr,
		To:   &c.contract,
		Data: data,
	})
	if err != nil {
		// Estimation reverts surface the contract's require() reason and
		// save a doomed broadcast.
		if reason, ok := revertReason(err); ok {
			return "", errors.Newf(errors.CodeReverted, "execution reverted: %s", reason).WithCause(err)
		}
		c.logger.Warn().Err(err).Str("method", method).Msg("gas estimation failed, using default limit")
		gasLimit = defaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.signerKey)
	if err != nil {
		return "", errors.New(errors.CodeInternal, "failed to sign transaction").WithCause(err)
	}

	if err := c.eth.SendTransaction(callCtx, signed); err != nil {
		return "", errors.ClassifyRPC(err, "failed to broadcast transaction")
	}

	txHash := strings.ToLower(signed.Hash().Hex())
	c.logger.Info().
		Str("method", method).
		Uint64("entity_id", entityID).
		Str("tx_hash", txHash).
		Uint64("nonce", nonce).
		Msg("transaction broadcast")
	return txHash, nil
}

// AwaitReceipt polls for the transaction receipt until it has the
// requested confirmation depth or the deadline expires. Fails with
// Unconfirmed on timeout and Reverted on status 0.
func (c *Client) AwaitReceipt(ctx context.Context, txHash string, confirmations uint64, deadline time.Duration) (*Receipt, error) {
	hash := ethcommon.HexToHash(txHash)

	awaitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.fetchReceipt(awaitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				reason := c.replayForRevertReason(awaitCtx, hash, receipt)
				return nil, errors.Newf(errors.CodeReverted, "transaction reverted: %s", reason).
					WithContext("tx_hash", txHash)
			}

			current, blockErr := c.CurrentBlock(awaitCtx)
			if blockErr == nil && receipt.BlockNumber != nil {
				included := receipt.BlockNumber.Uint64()
				if current >= included && current-included+1 >= confirmations {
					return &Receipt{
						BlockNumber: included,
						GasUsed:     receipt.GasUsed,
						Logs:        flattenLogs(receipt.Logs),
					}, nil
				}
			}
		} else if err != nil && !errors.HasCode(err, errors.CodeNotFound) {
			c.logger.Debug().Err(err).Str("tx_hash", txHash).Msg("receipt poll failed")
		}

		select {
		case <-awaitCtx.Done():
			return nil, errors.Newf(errors.CodeUnconfirmed,
				"no receipt for %s within %s", txHash, deadline)
		case <-ticker.C:
		}
	}
}

func (c *Client) fetchReceipt(ctx context.Context, hash ethcommon.Hash) (*types.Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	receipt, err := c.eth.TransactionReceipt(callCtx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, errors.New(errors.CodeNotFound, "receipt not yet available")
		}
		return nil, errors.ClassifyRPC(err, "failed to fetch receipt")
	}
	return receipt, nil
}

// GetHash performs the per-kind view call, returning the stored hash,
// the recording address, the contract timestamp, and the exists flag.
func (c *Client) GetHash(ctx context.Context, kind store.Kind, entityID uint64) (string, string, time.Time, bool, error) {
	getter, err := GetterFor(kind)
	if err != nil {
		return "", "", time.Time{}, false, ErrNotOnChain
	}

	data, err := contractABI.Pack(getter, new(big.Int).SetUint64(entityID))
	if err != nil {
		return "", "", time.Time{}, false, errors.New(errors.CodeInternal, "failed to pack view call").WithCause(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	out, err := c.eth.CallContract(callCtx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return "", "", time.Time{}, false, errors.ClassifyRPC(err, "view call failed")
	}

	values, err := contractABI.Unpack(getter, out)
	if err != nil || len(values) != 4 {
		return "", "", time.Time{}, false, errors.New(errors.CodeInternal, "failed to unpack view result").WithCause(err)
	}

	hash := values[0].([32]byte)
	addedBy := values[1].(ethcommon.Address)
	timestamp := values[2].(*big.Int)
	exists := values[3].(bool)

	if !exists && hash == ([32]byte{}) {
		return "", "", time.Time{}, false, ErrNotOnChain
	}

	return hexutil.Encode(hash[:]),
		strings.ToLower(addedBy.Hex()),
		time.Unix(timestamp.Int64(), 0).UTC(),
		exists,
		nil
}

// QueryEvents returns the named contract event's logs in [fromBlock,
// toBlock], decoded. Callers bound the span to the provider's max range.
func (c *Client) QueryEvents(ctx context.Context, eventName string, fromBlock, toBlock uint64) ([]AnchorEvent, error) {
	event, ok := contractABI.Events[eventName]
	if !ok {
		return nil, errors.Newf(errors.CodeInternal, "unknown event %q", eventName)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []ethcommon.Address{c.contract},
		Topics:    [][]ethcommon.Hash{{event.ID}},
	}

	callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	logs, err := c.eth.FilterLogs(callCtx, query)
	if err != nil {
		return nil, errors.ClassifyRPC(err, "failed to filter logs")
	}

	events := make([]AnchorEvent, 0, len(logs))
	for i := range logs {
		decoded, err := DecodeLog(&logs[i])
		if err != nil {
			c.logger.Warn().Err(err).
				Str("tx_hash", logs[i].TxHash.Hex()).
				Msg("skipping undecodable log")
			continue
		}
		events = append(events, *decoded)
	}
	return events, nil
}

// replayForRevertReason re-executes a failed transaction as a call at its
// included block to recover the require() reason. Best effort.
func (c *Client) replayForRevertReason(ctx context.Context, hash ethcommon.Hash, receipt *types.Receipt) string {
	callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	tx, _, err := c.eth.TransactionByHash(callCtx, hash)
	if err != nil {
		return "reason unavailable"
	}

	msg := ethereum.CallMsg{
		From:     c.signerAddr,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	_, err = c.eth.CallContract(callCtx, msg, receipt.BlockNumber)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return reason
		}
		return err.Error()
	}
	return "reason unavailable"
}

// revertReason extracts a revert reason string from an RPC error, if the
// node surfaced one.
func revertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	msg := err.Error()
	const marker = "execution reverted"
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimLeft(msg[idx+len(marker):], ": ")
	if reason == "" {
		reason = "execution reverted"
	}
	return reason, true
}

func flattenLogs(logs []*types.Log) []types.Log {
	out := make([]types.Log, 0, len(logs))
	for _, l := range logs {
		if l != nil {
			out = append(out, *l)
		}
	}
	return out
}
