// Package anchor is the facade collaborating services call: submit a
// row for anchoring, verify a row's integrity, read the merged history.
package anchor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/medtrust/anchord/canonical"
	"github.com/medtrust/anchord/errors"
	"github.com/medtrust/anchord/history"
	"github.com/medtrust/anchord/pipeline"
	"github.com/medtrust/anchord/store"
	"github.com/medtrust/anchord/verify"
)

// Receipt is what Submit hands back immediately: the ledger entry to
// watch and the hash that will be anchored. Confirmation is asynchronous;
// the ledger entry carries the outcome.
type Receipt struct {
	LedgerID uint   `json:"ledger_id"`
	Hash     string `json:"hash"`
}

// Service wires the canonicalizer, the submission pipeline, the verifier,
// and the history aggregator behind one surface.
type Service struct {
	anchors   *store.AnchorStore
	submitter *pipeline.Submitter
	verifier  *verify.Verifier
	histories *history.Aggregator
	logger    zerolog.Logger
}

// NewService creates the facade. submitter may be nil in read-only
// deployments; Submit then reports a Configuration error.
func NewService(
	anchors *store.AnchorStore,
	submitter *pipeline.Submitter,
	verifier *verify.Verifier,
	histories *history.Aggregator,
	logger zerolog.Logger,
) *Service {
	return &Service{
		anchors:   anchors,
		submitter: submitter,
		verifier:  verifier,
		histories: histories,
		logger:    logger.With().Str("component", "anchor_service").Logger(),
	}
}

// Submit canonicalizes the row, claims the entity's single in-flight
// slot, and queues the submission. It returns as soon as the ledger entry
// exists; everything after that is observable through the ledger.
//
// For DELETE the row may be nil: the hash being tombstoned is the
// entity's last confirmed hash.
func (s *Service) Submit(ctx context.Context, kind store.Kind, entityID uint64, row canonical.Row, action store.Action) (*Receipt, error) {
	if !kind.Valid() {
		return nil, errors.Newf(errors.CodeBadCanonicalization, "unknown kind %q", kind)
	}
	if s.submitter == nil {
		return nil, errors.New(errors.CodeConfiguration, "submission is disabled in this deployment")
	}

	hash, err := s.resolveHash(kind, entityID, row, action)
	if err != nil {
		return nil, err
	}

	ledgerID, err := s.anchors.BeginAnchor(kind, entityID, hash, action)
	if err != nil {
		return nil, err
	}

	if err := s.submitter.Enqueue(pipeline.Job{
		LedgerID: ledgerID,
		Kind:     kind,
		EntityID: entityID,
		Action:   action,
		Hash:     hash,
	}); err != nil {
		// Release the in-flight slot so the caller can retry; a PENDING
		// entry that was never queued would block the entity until the
		// next boot sweep.
		if failErr := s.anchors.RecordTerminal(ledgerID, store.TerminalUpdate{
			Status: store.LedgerFailed,
		}); failErr != nil {
			s.logger.Error().Err(failErr).Uint("ledger_id", ledgerID).Msg("failed to release unqueued entry")
		}
		return nil, err
	}

	s.logger.Info().
		Str("kind", string(kind)).
		Uint64("entity_id", entityID).
		Str("action", string(action)).
		Uint("ledger_id", ledgerID).
		Msg("anchoring queued")
	return &Receipt{LedgerID: ledgerID, Hash: store.NormalizeHash(hash)}, nil
}

func (s *Service) resolveHash(kind store.Kind, entityID uint64, row canonical.Row, action store.Action) (string, error) {
	if action == store.ActionDelete && row == nil {
		integrity, err := s.anchors.ReadIntegrity(kind, entityID)
		if err != nil {
			return "", err
		}
		if integrity.ContentHash == "" {
			return "", errors.Newf(errors.CodeNotFound,
				"nothing anchored for %s/%d to delete", kind, entityID)
		}
		return integrity.ContentHash, nil
	}
	return canonical.Hash(kind, row)
}

// Verify answers the integrity question for (kind, id) given the row's
// current content. Read-only.
func (s *Service) Verify(ctx context.Context, kind store.Kind, entityID uint64, row canonical.Row) (*verify.Report, error) {
	return s.verifier.Verify(ctx, kind, entityID, row)
}

// History returns the merged anchoring feed, newest first.
func (s *Service) History(ctx context.Context, filter history.Filter) (*history.Feed, error) {
	return s.histories.History(ctx, filter)
}

// Integrity returns the stored integrity columns for (kind, id).
func (s *Service) Integrity(ctx context.Context, kind store.Kind, entityID uint64) (*store.Integrity, error) {
	if !kind.Valid() {
		return nil, errors.Newf(errors.CodeNotFound, "unknown kind %q", kind)
	}
	return s.anchors.ReadIntegrity(kind, entityID)
}

// LedgerEntry returns one submission attempt by id, for status polling
// after Submit.
func (s *Service) LedgerEntry(ctx context.Context, ledgerID uint) (*store.LedgerEntry, error) {
	return s.anchors.GetLedgerEntry(ledgerID)
}
