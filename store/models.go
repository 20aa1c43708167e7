// Package store contains the GORM-backed models owned by the anchoring
// core.
//
// Database structure (database file: anchor_data.db):
//
//	anchor_data.db
//	├── entity_integrities   one row per anchored (kind, id)
//	├── ledger_entries       append-mostly log of submission attempts
//	└── event_watermarks     highest fully ingested block per event
package store

import (
	"time"

	"gorm.io/gorm"
)

// Kind identifies one of the fixed entity categories the core anchors.
type Kind string

const (
	KindMedicine         Kind = "MEDICINE"
	KindStock            Kind = "STOCK"
	KindStockTransaction Kind = "STOCK_TRANSACTION"
	KindRelease          Kind = "RELEASE"
	KindRemoval          Kind = "REMOVAL"
	KindUser             Kind = "USER"
	KindResident         Kind = "RESIDENT"
)

// Kinds lists every supported kind.
var Kinds = []Kind{
	KindMedicine,
	KindStock,
	KindStockTransaction,
	KindRelease,
	KindRemoval,
	KindUser,
	KindResident,
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// OnChain reports whether the kind has contract methods. USER and RESIDENT
// are anchored in the ledger only; the verifier reports NOT_ON_CHAIN for
// them without raising.
func (k Kind) OnChain() bool {
	switch k {
	case KindMedicine, KindStock, KindRelease, KindRemoval:
		return true
	default:
		return false
	}
}

// Action is the kind of anchoring operation submitted to the contract.
type Action string

const (
	ActionStore  Action = "STORE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// AnchorState is the per-entity integrity state.
type AnchorState string

const (
	StateNone      AnchorState = "NONE"
	StatePending   AnchorState = "PENDING"
	StateSubmitted AnchorState = "SUBMITTED"
	StateConfirmed AnchorState = "CONFIRMED"
	StateFailed    AnchorState = "FAILED"
	StateOrphaned  AnchorState = "ORPHANED"
)

// LedgerStatus is the lifecycle state of a single submission attempt.
type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "PENDING"
	LedgerSubmitted LedgerStatus = "SUBMITTED"
	LedgerConfirmed LedgerStatus = "CONFIRMED"
	LedgerFailed    LedgerStatus = "FAILED"
	LedgerOrphaned  LedgerStatus = "ORPHANED"
)

// Terminal reports whether the status is final.
func (s LedgerStatus) Terminal() bool {
	switch s {
	case LedgerConfirmed, LedgerFailed, LedgerOrphaned:
		return true
	default:
		return false
	}
}

// EntityIntegrity holds the integrity columns for one anchored (kind, id).
// The domain tables live with external collaborators; this table is the
// core's authoritative copy of the columns it owns.
type EntityIntegrity struct {
	gorm.Model
	Kind         Kind        `gorm:"uniqueIndex:idx_kind_entity;not null"`
	EntityID     uint64      `gorm:"uniqueIndex:idx_kind_entity;not null"`
	ContentHash  string      // lowercase 0x-prefixed keccak256, empty before first submit
	PrevHash     string      // hash superseded by the latest confirmation, kept for audits
	TxHash       string      // tx hash of the most recent successful anchoring
	AnchorState  AnchorState `gorm:"index;not null;default:'NONE'"`
	LastSyncedAt *time.Time  // instant the row last reached a terminal state
}

// LedgerEntry is one submission attempt. Append-mostly: rows transition
// status but are never deleted.
type LedgerEntry struct {
	gorm.Model
	Kind          Kind         `gorm:"index:idx_ledger_entity;not null"`
	EntityID      uint64       `gorm:"index:idx_ledger_entity;not null"`
	Action        Action       `gorm:"not null"`
	SubmittedHash string       `gorm:"not null"` // lowercase 0x-prefixed
	TxHash        string       `gorm:"index"`    // empty until broadcast
	BlockNumber   uint64       // zero until confirmed
	BlockHash     string       // canonical hash of the including block, for reorg detection
	LogIndex      uint         // position within the block, for per-entity ordering
	FromAddress   string       // lowercase signer address recovered from the event
	GasUsed       uint64       // from the receipt
	Status        LedgerStatus `gorm:"index;not null;default:'PENDING'"`
	Tombstone     bool         // true when Action=DELETE confirmed: exists=false on chain
	EventPayload  []byte       // raw JSON copy of the decoded event
	ConfirmedAt   *time.Time
}

// EventWatermark records the greatest fully ingested block number for one
// (contract, event name) pair. Advances monotonically except during a reorg
// rewind.
type EventWatermark struct {
	gorm.Model
	ContractAddress string `gorm:"uniqueIndex:idx_contract_event;not null"`
	EventName       string `gorm:"uniqueIndex:idx_contract_event;not null"`
	LastBlock       uint64 `gorm:"not null;default:0"`
}
