package pipeline

import (
	"context"
	"encoding/json"

	"github.com/medtrust/anchord/chain"
	"github.com/medtrust/anchord/errors"
	"github.com/medtrust/anchord/store"
)

const recoveryBatchSize = 500

// Recover scans the ledger after a restart. SUBMITTED entries are re-polled
// for their receipts; PENDING entries were never broadcast and are
// re-enqueued. Called once before the worker starts accepting new jobs.
func (s *Submitter) Recover(ctx context.Context) error {
	submitted, err := s.anchors.ListByStatus(store.LedgerSubmitted, recoveryBatchSize)
	if err != nil {
		return errors.Wrap(err, "failed to list submitted entries")
	}
	for i := range submitted {
		entry := submitted[i]
		log := s.logger.With().
			Uint("ledger_id", entry.ID).
			Str("tx_hash", entry.TxHash).
			Logger()
		log.Info().Msg("recovering in-flight submission")

		job := Job{
			LedgerID: entry.ID,
			Kind:     entry.Kind,
			EntityID: entry.EntityID,
			Action:   entry.Action,
			Hash:     entry.SubmittedHash,
		}
		s.awaitAndClassify(ctx, job, entry.TxHash, log)
	}

	pending, err := s.anchors.ListByStatus(store.LedgerPending, recoveryBatchSize)
	if err != nil {
		return errors.Wrap(err, "failed to list pending entries")
	}
	for i := range pending {
		entry := pending[i]
		if err := s.Enqueue(Job{
			LedgerID: entry.ID,
			Kind:     entry.Kind,
			EntityID: entry.EntityID,
			Action:   entry.Action,
			Hash:     entry.SubmittedHash,
		}); err != nil {
			s.logger.Error().Err(err).Uint("ledger_id", entry.ID).Msg("failed to re-enqueue pending entry")
		}
	}

	if len(submitted) > 0 || len(pending) > 0 {
		s.logger.Info().
			Int("submitted", len(submitted)).
			Int("pending", len(pending)).
			Msg("ledger recovery sweep complete")
	}
	return nil
}

// ResubmitOrphaned begins a fresh submission for an entity whose confirmed
// anchor was reorged out. The resubmitted hash is the latest the ledger
// holds for the entity; if the row was updated meanwhile, a newer
// submission is already in flight and BeginAnchor reports ConcurrentAnchor,
// which is not an error here.
func (s *Submitter) ResubmitOrphaned(entry *store.LedgerEntry) error {
	ledgerID, err := s.anchors.BeginAnchor(entry.Kind, entry.EntityID, entry.SubmittedHash, entry.Action)
	if err != nil {
		if errors.HasCode(err, errors.CodeConcurrentAnchor) {
			s.logger.Debug().
				Str("kind", string(entry.Kind)).
				Uint64("entity_id", entry.EntityID).
				Msg("newer submission already in flight, skipping orphan resubmit")
			return nil
		}
		return err
	}

	return s.Enqueue(Job{
		LedgerID: ledgerID,
		Kind:     entry.Kind,
		EntityID: entry.EntityID,
		Action:   entry.Action,
		Hash:     entry.SubmittedHash,
	})
}

// CoalesceEvent resolves a SUBMITTED ledger entry against an event the
// ingester observed, transitioning it to CONFIRMED. Returns NotFound when
// no in-flight entry matches the coalescing key.
func (s *Submitter) CoalesceEvent(event *chain.AnchorEvent) error {
	entry, err := s.anchors.FindInFlightByTx(event.TxHash, event.Kind, event.EntityID, event.Action)
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(event)
	update := store.TerminalUpdate{
		Status:       store.LedgerConfirmed,
		BlockNumber:  event.BlockNumber,
		BlockHash:    event.BlockHash,
		LogIndex:     event.LogIndex,
		FromAddress:  event.Actor,
		EventPayload: payload,
	}
	if err := s.anchors.RecordTerminal(entry.ID, update); err != nil {
		return err
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate()
	}
	submissionsTotal.WithLabelValues("confirmed").Inc()
	return nil
}
