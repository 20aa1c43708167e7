package store

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/medtrust/anchord/errors"
)

// AnchorStore provides database operations for the per-entity integrity
// columns and the transaction ledger. All state transitions run inside a
// single gorm transaction.
type AnchorStore struct {
	client *gorm.DB
	logger zerolog.Logger
}

// NewAnchorStore creates a new anchor store.
func NewAnchorStore(client *gorm.DB, logger zerolog.Logger) *AnchorStore {
	return &AnchorStore{
		client: client,
		logger: logger.With().Str("component", "anchor_store").Logger(),
	}
}

// Integrity is the read model for an entity's integrity columns.
type Integrity struct {
	Kind         Kind
	EntityID     uint64
	ContentHash  string
	TxHash       string
	AnchorState  AnchorState
	LastSyncedAt *time.Time
}

// ReadIntegrity returns the integrity columns for (kind, id).
func (s *AnchorStore) ReadIntegrity(kind Kind, entityID uint64) (*Integrity, error) {
	if s.client == nil {
		return nil, errors.New(errors.CodeInternal, "database is nil")
	}

	var row EntityIntegrity
	err := s.client.Where("kind = ? AND entity_id = ?", kind, entityID).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.Newf(errors.CodeNotFound, "no integrity row for %s/%d", kind, entityID)
		}
		return nil, errors.Wrap(err, "failed to read integrity row")
	}

	return &Integrity{
		Kind:         row.Kind,
		EntityID:     row.EntityID,
		ContentHash:  row.ContentHash,
		TxHash:       row.TxHash,
		AnchorState:  row.AnchorState,
		LastSyncedAt: row.LastSyncedAt,
	}, nil
}

// BeginAnchor atomically verifies that no other submission for (kind, id)
// is in flight, inserts a PENDING ledger entry, and moves the entity to
// PENDING. Exactly one concurrent caller wins; the rest receive
// ConcurrentAnchor — except a caller proposing the identical hash and
// action, which is handed the in-flight entry's id so repeated submissions
// of the same content coalesce into one ledger entry.
func (s *AnchorStore) BeginAnchor(kind Kind, entityID uint64, proposedHash string, action Action) (uint, error) {
	if s.client == nil {
		return 0, errors.New(errors.CodeInternal, "database is nil")
	}
	proposedHash = NormalizeHash(proposedHash)

	var ledgerID uint
	err := s.client.Transaction(func(tx *gorm.DB) error {
		// At most one ledger entry in {PENDING, SUBMITTED} per entity.
		var inFlight LedgerEntry
		err := tx.
			Where("kind = ? AND entity_id = ? AND status IN ?",
				kind, entityID, []LedgerStatus{LedgerPending, LedgerSubmitted}).
			Order("id ASC").
			First(&inFlight).Error
		if err == nil {
			if inFlight.SubmittedHash == proposedHash && inFlight.Action == action {
				ledgerID = inFlight.ID
				return nil
			}
			return errors.Newf(errors.CodeConcurrentAnchor,
				"submission already in flight for %s/%d", kind, entityID)
		}
		if err != gorm.ErrRecordNotFound {
			return errors.Wrap(err, "failed to query in-flight entries")
		}

		entry := &LedgerEntry{
			Kind:          kind,
			EntityID:      entityID,
			Action:        action,
			SubmittedHash: proposedHash,
			Status:        LedgerPending,
		}
		if err := tx.Create(entry).Error; err != nil {
			return errors.Wrap(err, "failed to create ledger entry")
		}
		ledgerID = entry.ID

		var entity EntityIntegrity
		err = tx.Where("kind = ? AND entity_id = ?", kind, entityID).First(&entity).Error
		if err == gorm.ErrRecordNotFound {
			entity = EntityIntegrity{
				Kind:        kind,
				EntityID:    entityID,
				AnchorState: StatePending,
			}
			return tx.Create(&entity).Error
		}
		if err != nil {
			return errors.Wrap(err, "failed to read entity row")
		}

		entity.AnchorState = StatePending
		return tx.Save(&entity).Error
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug().
		Str("kind", string(kind)).
		Uint64("entity_id", entityID).
		Uint("ledger_id", ledgerID).
		Str("action", string(action)).
		Msg("anchor begun")
	return ledgerID, nil
}

// RecordSubmitted transitions a ledger entry PENDING -> SUBMITTED once the
// transaction has been broadcast.
func (s *AnchorStore) RecordSubmitted(ledgerID uint, txHash, fromAddress string) error {
	if s.client == nil {
		return errors.New(errors.CodeInternal, "database is nil")
	}

	return s.client.Transaction(func(tx *gorm.DB) error {
		var entry LedgerEntry
		if err := tx.First(&entry, ledgerID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return errors.Newf(errors.CodeNotFound, "ledger entry %d not found", ledgerID)
			}
			return errors.Wrap(err, "failed to read ledger entry")
		}
		if entry.Status != LedgerPending {
			return errors.Newf(errors.CodeInternal,
				"ledger entry %d is %s, expected PENDING", ledgerID, entry.Status)
		}

		entry.TxHash = NormalizeHash(txHash)
		entry.FromAddress = strings.ToLower(fromAddress)
		entry.Status = LedgerSubmitted
		if err := tx.Save(&entry).Error; err != nil {
			return errors.Wrap(err, "failed to update ledger entry")
		}

		return tx.Model(&EntityIntegrity{}).
			Where("kind = ? AND entity_id = ?", entry.Kind, entry.EntityID).
			Update("anchor_state", StateSubmitted).Error
	})
}

// TerminalUpdate carries the receipt data for a terminal transition.
type TerminalUpdate struct {
	Status       LedgerStatus
	BlockNumber  uint64
	BlockHash    string
	LogIndex     uint
	GasUsed      uint64
	FromAddress  string
	EventPayload []byte
}

// RecordTerminal transitions a ledger entry to a terminal state. For
// CONFIRMED it also updates the owning row's integrity columns; for FAILED
// only the anchor state moves and the confirmed hash is untouched; for
// ORPHANED the row's content hash is cleared only if it still matches this
// entry's submitted hash. Applying the same CONFIRMED update twice is a
// no-op.
func (s *AnchorStore) RecordTerminal(ledgerID uint, update TerminalUpdate) error {
	if s.client == nil {
		return errors.New(errors.CodeInternal, "database is nil")
	}
	return s.client.Transaction(func(tx *gorm.DB) error {
		return s.RecordTerminalTx(tx, ledgerID, update)
	})
}

// RecordTerminalTx is RecordTerminal running inside the caller's
// transaction, used by the ingester's one-unit-of-work-per-page rule.
func (s *AnchorStore) RecordTerminalTx(tx *gorm.DB, ledgerID uint, update TerminalUpdate) error {
	if !update.Status.Terminal() {
		return errors.Newf(errors.CodeInternal, "status %s is not terminal", update.Status)
	}

	var entry LedgerEntry
	if err := tx.First(&entry, ledgerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return errors.Newf(errors.CodeNotFound, "ledger entry %d not found", ledgerID)
		}
		return errors.Wrap(err, "failed to read ledger entry")
	}

	// Idempotence: re-applying the same terminal state changes nothing.
	if entry.Status == update.Status &&
		(update.Status != LedgerConfirmed || entry.BlockNumber == update.BlockNumber) {
		return nil
	}
	// CONFIRMED -> ORPHANED is the only terminal-to-terminal move (reorg).
	if entry.Status.Terminal() &&
		!(entry.Status == LedgerConfirmed && update.Status == LedgerOrphaned) {
		return errors.Newf(errors.CodeInternal,
			"ledger entry %d already terminal (%s)", ledgerID, entry.Status)
	}

	now := time.Now().UTC()
	entry.Status = update.Status
	if update.FromAddress != "" {
		entry.FromAddress = strings.ToLower(update.FromAddress)
	}
	if update.Status == LedgerConfirmed {
		entry.BlockNumber = update.BlockNumber
		entry.BlockHash = strings.ToLower(update.BlockHash)
		entry.LogIndex = update.LogIndex
		entry.GasUsed = update.GasUsed
		entry.EventPayload = update.EventPayload
		entry.ConfirmedAt = &now
		entry.Tombstone = entry.Action == ActionDelete
	}
	if err := tx.Save(&entry).Error; err != nil {
		return errors.Wrap(err, "failed to update ledger entry")
	}

	return applyEntityTransition(tx, &entry, now)
}

// applyEntityTransition propagates a ledger entry's terminal state to the
// owning entity row.
func applyEntityTransition(tx *gorm.DB, entry *LedgerEntry, now time.Time) error {
	var entity EntityIntegrity
	if err := tx.Where("kind = ? AND entity_id = ?", entry.Kind, entry.EntityID).
		First(&entity).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			return errors.Wrap(err, "failed to read entity row")
		}
		if entry.Status != LedgerConfirmed {
			return nil
		}
		// Foreign confirmed event for an entity this process has never
		// seen; materialize the integrity row so Verify can answer.
		entity = EntityIntegrity{
			Kind:     entry.Kind,
			EntityID: entry.EntityID,
		}
	}

	switch entry.Status {
	case LedgerConfirmed:
		entity.PrevHash = entity.ContentHash
		if !entry.Tombstone {
			// A logical delete keeps the stored hash so historical
			// verification remains possible.
			entity.ContentHash = entry.SubmittedHash
		}
		entity.TxHash = entry.TxHash
		entity.AnchorState = StateConfirmed
		entity.LastSyncedAt = &now
	case LedgerFailed:
		// The failed attempt never reached the chain; the confirmed hash
		// is still authoritative and must not move.
		entity.AnchorState = StateFailed
		entity.LastSyncedAt = &now
	case LedgerOrphaned:
		if entity.ContentHash == entry.SubmittedHash {
			entity.ContentHash = ""
		}
		entity.AnchorState = StateOrphaned
		entity.LastSyncedAt = &now
	}
	return tx.Save(&entity).Error
}

// ConfirmedEvent is a decoded contract event the ingester applies to the
// ledger. The tuple (TxHash, Kind, EntityID, Action) is the coalescing key.
type ConfirmedEvent struct {
	TxHash      string
	Kind        Kind
	EntityID    uint64
	Action      Action
	Hash        string
	BlockNumber uint64
	BlockHash   string
	LogIndex    uint
	FromAddress string
	Payload     []byte
}

// ApplyEventTx reconciles one confirmed contract event inside the caller's
// transaction. A matching in-flight entry is transitioned to CONFIRMED; an
// already-terminal match is left untouched (duplicate delivery); with no
// match at all a foreign CONFIRMED entry is inserted.
func (s *AnchorStore) ApplyEventTx(tx *gorm.DB, ev *ConfirmedEvent) error {
	ev.TxHash = NormalizeHash(ev.TxHash)

	var entry LedgerEntry
	err := tx.
		Where("tx_hash = ? AND kind = ? AND entity_id = ? AND action = ?",
			ev.TxHash, ev.Kind, ev.EntityID, ev.Action).
		Order("id ASC").
		First(&entry).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return errors.Wrap(err, "failed to query ledger by coalescing key")
	}

	if err == nil {
		if entry.Status.Terminal() {
			return nil
		}
		return s.RecordTerminalTx(tx, entry.ID, TerminalUpdate{
			Status:       LedgerConfirmed,
			BlockNumber:  ev.BlockNumber,
			BlockHash:    ev.BlockHash,
			LogIndex:     ev.LogIndex,
			FromAddress:  ev.FromAddress,
			EventPayload: ev.Payload,
		})
	}

	now := time.Now().UTC()
	foreign := LedgerEntry{
		Kind:          ev.Kind,
		EntityID:      ev.EntityID,
		Action:        ev.Action,
		SubmittedHash: NormalizeHash(ev.Hash),
		TxHash:        ev.TxHash,
		BlockNumber:   ev.BlockNumber,
		BlockHash:     strings.ToLower(ev.BlockHash),
		LogIndex:      ev.LogIndex,
		FromAddress:   strings.ToLower(ev.FromAddress),
		Status:        LedgerConfirmed,
		Tombstone:     ev.Action == ActionDelete,
		EventPayload:  ev.Payload,
		ConfirmedAt:   &now,
	}
	if err := tx.Create(&foreign).Error; err != nil {
		return errors.Wrap(err, "failed to insert foreign event")
	}
	return applyEntityTransition(tx, &foreign, now)
}

// FindInFlightByTx locates a SUBMITTED ledger entry matching the event
// coalescing key (tx hash, kind, entity, action).
func (s *AnchorStore) FindInFlightByTx(txHash string, kind Kind, entityID uint64, action Action) (*LedgerEntry, error) {
	if s.client == nil {
		return nil, errors.New(errors.CodeInternal, "database is nil")
	}

	var entry LedgerEntry
	err := s.client.
		Where("tx_hash = ? AND kind = ? AND entity_id = ? AND action = ? AND status = ?",
			NormalizeHash(txHash), kind, entityID, action, LedgerSubmitted).
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.New(errors.CodeNotFound, "no matching in-flight entry")
		}
		return nil, errors.Wrap(err, "failed to query in-flight entry")
	}
	return &entry, nil
}

// HasLedgerEvent reports whether a ledger row already records the logical
// event (tx hash, kind, entity, action). Used by the ingester to coalesce
// duplicate deliveries.
func (s *AnchorStore) HasLedgerEvent(txHash string, kind Kind, entityID uint64, action Action) (bool, error) {
	if s.client == nil {
		return false, errors.New(errors.CodeInternal, "database is nil")
	}

	var count int64
	err := s.client.Model(&LedgerEntry{}).
		Where("tx_hash = ? AND kind = ? AND entity_id = ? AND action = ?",
			NormalizeHash(txHash), kind, entityID, action).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to count ledger events")
	}
	return count > 0, nil
}

// InsertForeignConfirmed records a CONFIRMED ledger entry for an event that
// originated outside this process. The insert is skipped when a row with
// the same coalescing key already exists.
func (s *AnchorStore) InsertForeignConfirmed(entry *LedgerEntry) (bool, error) {
	if s.client == nil {
		return false, errors.New(errors.CodeInternal, "database is nil")
	}

	inserted := false
	err := s.client.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&LedgerEntry{}).
			Where("tx_hash = ? AND kind = ? AND entity_id = ? AND action = ?",
				entry.TxHash, entry.Kind, entry.EntityID, entry.Action).
			Count(&count).Error; err != nil {
			return errors.Wrap(err, "failed to check for existing event")
		}
		if count > 0 {
			return nil
		}

		now := time.Now().UTC()
		entry.Status = LedgerConfirmed
		entry.ConfirmedAt = &now
		entry.Tombstone = entry.Action == ActionDelete
		if err := tx.Create(entry).Error; err != nil {
			return errors.Wrap(err, "failed to insert foreign event")
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// ListByStatus returns ledger entries in the given status, oldest first.
// Used by the boot recovery sweep.
func (s *AnchorStore) ListByStatus(status LedgerStatus, limit int) ([]LedgerEntry, error) {
	if s.client == nil {
		return nil, errors.New(errors.CodeInternal, "database is nil")
	}

	var entries []LedgerEntry
	err := s.client.
		Where("status = ?", status).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ledger entries")
	}
	return entries, nil
}

// ListConfirmedAbove returns CONFIRMED entries with block_number >= from,
// used during reorg rewinds to find entries that may need orphaning.
func (s *AnchorStore) ListConfirmedAbove(fromBlock uint64) ([]LedgerEntry, error) {
	if s.client == nil {
		return nil, errors.New(errors.CodeInternal, "database is nil")
	}

	var entries []LedgerEntry
	err := s.client.
		Where("status = ? AND block_number >= ?", LedgerConfirmed, fromBlock).
		Order("block_number ASC, log_index ASC").
		Find(&entries).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list confirmed entries")
	}
	return entries, nil
}

// GetLedgerEntry returns one ledger entry by id.
func (s *AnchorStore) GetLedgerEntry(ledgerID uint) (*LedgerEntry, error) {
	if s.client == nil {
		return nil, errors.New(errors.CodeInternal, "database is nil")
	}

	var entry LedgerEntry
	if err := s.client.First(&entry, ledgerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.Newf(errors.CodeNotFound, "ledger entry %d not found", ledgerID)
		}
		return nil, errors.Wrap(err, "failed to read ledger entry")
	}
	return &entry, nil
}

// NormalizeHash lowercases a hex hash and ensures the 0x prefix.
func NormalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" {
		return h
	}
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	return h
}
