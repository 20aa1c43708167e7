package chain

import (
	"math/big"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/medtrust/anchord/errors"
	"github.com/medtrust/anchord/store"
)

// AnchorEvent is a decoded anchoring contract event.
type AnchorEvent struct {
	Kind        store.Kind
	Action      store.Action
	EntityID    uint64
	Hash        string // stored or new hash; empty for deletions
	OldHash     string // previous hash on updates
	Actor       string // lowercase address that performed the anchoring
	Timestamp   time.Time
	TxHash      string
	BlockNumber uint64
	BlockHash   string
	LogIndex    uint
	EventName   string
}

// DecodeLog decodes a raw contract log into an AnchorEvent. The indexed
// layout is shared across event families: topic 1 is the entity id, topic 2
// the acting address.
func DecodeLog(log *types.Log) (*AnchorEvent, error) {
	if log == nil || len(log.Topics) < 3 {
		return nil, errors.New(errors.CodeInternal, "log has too few topics")
	}

	var eventName string
	for name, event := range contractABI.Events {
		if event.ID == log.Topics[0] {
			eventName = name
			break
		}
	}
	if eventName == "" {
		return nil, errors.New(errors.CodeInternal, "log does not match a known anchoring event")
	}

	kind, action, ok := kindForEvent(eventName)
	if !ok {
		return nil, errors.Newf(errors.CodeInternal, "event %q maps to no kind", eventName)
	}

	out := &AnchorEvent{
		Kind:        kind,
		Action:      action,
		EntityID:    new(big.Int).SetBytes(log.Topics[1].Bytes()).Uint64(),
		Actor:       strings.ToLower(ethcommon.BytesToAddress(log.Topics[2].Bytes()).Hex()),
		TxHash:      strings.ToLower(log.TxHash.Hex()),
		BlockNumber: log.BlockNumber,
		BlockHash:   strings.ToLower(log.BlockHash.Hex()),
		LogIndex:    log.Index,
		EventName:   eventName,
	}

	values, err := contractABI.Unpack(eventName, log.Data)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "failed to unpack event data").WithCause(err)
	}

	switch action {
	case store.ActionStore:
		// (dataHash, timestamp)
		if len(values) != 2 {
			return nil, errors.Newf(errors.CodeInternal, "%s: unexpected field count %d", eventName, len(values))
		}
		hash := values[0].([32]byte)
		out.Hash = hexutil.Encode(hash[:])
		out.Timestamp = time.Unix(values[1].(*big.Int).Int64(), 0).UTC()

	case store.ActionUpdate:
		// (oldHash, newHash, timestamp)
		if len(values) != 3 {
			return nil, errors.Newf(errors.CodeInternal, "%s: unexpected field count %d", eventName, len(values))
		}
		oldHash := values[0].([32]byte)
		newHash := values[1].([32]byte)
		out.OldHash = hexutil.Encode(oldHash[:])
		out.Hash = hexutil.Encode(newHash[:])
		out.Timestamp = time.Unix(values[2].(*big.Int).Int64(), 0).UTC()

	case store.ActionDelete:
		// (timestamp)
		if len(values) != 1 {
			return nil, errors.Newf(errors.CodeInternal, "%s: unexpected field count %d", eventName, len(values))
		}
		out.Timestamp = time.Unix(values[0].(*big.Int).Int64(), 0).UTC()
	}

	return out, nil
}

// MatchesSubmission reports whether the event corresponds to a pipeline
// submission identified by its coalescing key.
func (e *AnchorEvent) MatchesSubmission(txHash string, kind store.Kind, entityID uint64, action store.Action) bool {
	return e.TxHash == store.NormalizeHash(txHash) &&
		e.Kind == kind &&
		e.EntityID == entityID &&
		e.Action == action
}
