// Package pipeline serializes anchoring submissions through the signer's
// single nonce space and classifies every outcome into a terminal ledger
// state.
package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/medtrust/anchord/chain"
	"github.com/medtrust/anchord/config"
	"github.com/medtrust/anchord/errors"
	"github.com/medtrust/anchord/store"
)

// Invalidator is notified after every terminal transition so derived views
// (the history cache) can drop stale snapshots.
type Invalidator interface {
	Invalidate()
}

// ChainClient is the slice of the chain adapter the pipeline drives.
// *chain.Client implements it; tests substitute fakes.
type ChainClient interface {
	SignerAddress() string
	Submit(ctx context.Context, kind store.Kind, action store.Action, entityID uint64, hash [32]byte) (string, error)
	AwaitReceipt(ctx context.Context, txHash string, confirmations uint64, deadline time.Duration) (*chain.Receipt, error)
}

// Job is one queued anchoring submission. BeginAnchor must have succeeded
// before a job is enqueued; the ledger entry referenced is PENDING.
type Job struct {
	LedgerID uint
	Kind     store.Kind
	EntityID uint64
	Action   store.Action
	Hash     string // lowercase 0x-prefixed keccak256
}

// Submitter owns the signer's submission slot. Exactly one job is in
// flight at a time; everything else waits in the queue. All downstream
// outcomes are observable through the ledger, never thrown to the caller.
type Submitter struct {
	chainClient ChainClient
	anchors     *store.AnchorStore
	cfg         *config.Config
	invalidator Invalidator
	logger      zerolog.Logger

	jobs   chan Job
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSubmitter creates a submission pipeline. The invalidator may be nil.
func NewSubmitter(
	chainClient ChainClient,
	anchors *store.AnchorStore,
	cfg *config.Config,
	invalidator Invalidator,
	logger zerolog.Logger,
) *Submitter {
	return &Submitter{
		chainClient: chainClient,
		anchors:     anchors,
		cfg:         cfg,
		invalidator: invalidator,
		logger:      logger.With().Str("component", "submission_pipeline").Logger(),
		jobs:        make(chan Job, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the single submission worker.
func (s *Submitter) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop drains the worker. An in-flight transaction is left SUBMITTED and
// recovered on next boot by the ledger sweep.
func (s *Submitter) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Enqueue hands a job to the submission worker. It never blocks the
// caller; a full queue is reported as a transient error.
func (s *Submitter) Enqueue(job Job) error {
	select {
	case s.jobs <- job:
		queueDepth.Set(float64(len(s.jobs)))
		return nil
	default:
		return errors.New(errors.CodeRpcTransient, "submission queue is full")
	}
}

func (s *Submitter) run(ctx context.Context) {
	defer s.wg.Done()

	s.logger.Info().Str("signer", s.chainClient.SignerAddress()).Msg("submission worker started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("context cancelled, stopping submission worker")
			return
		case <-s.stopCh:
			s.logger.Info().Msg("stop signal received, stopping submission worker")
			return
		case job := <-s.jobs:
			queueDepth.Set(float64(len(s.jobs)))
			inFlight.Set(1)
			s.process(ctx, job)
			inFlight.Set(0)
		}
	}
}

// process drives one job from PENDING to a terminal state. Errors are
// written to the ledger, not returned.
func (s *Submitter) process(ctx context.Context, job Job) {
	log := s.logger.With().
		Str("kind", string(job.Kind)).
		Uint64("entity_id", job.EntityID).
		Str("action", string(job.Action)).
		Uint("ledger_id", job.LedgerID).
		Logger()

	// Duplicate submissions of the same content coalesce onto one ledger
	// entry, so the same entry can be queued more than once. Only the
	// first job past this check broadcasts.
	entry, err := s.anchors.GetLedgerEntry(job.LedgerID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load ledger entry for job")
		return
	}
	if entry.Status != store.LedgerPending {
		log.Debug().Str("status", string(entry.Status)).Msg("entry already past PENDING, dropping job")
		return
	}

	if !job.Kind.OnChain() {
		// Ledger-only kinds confirm without touching the chain; the verify
		// path reports NOT_ON_CHAIN for them by construction.
		s.recordTerminal(job.LedgerID, store.TerminalUpdate{
			Status:      store.LedgerConfirmed,
			FromAddress: s.chainClient.SignerAddress(),
		}, log)
		log.Info().Msg("ledger-only kind confirmed without chain submission")
		return
	}

	hashBytes, err := hexutil.Decode(job.Hash)
	if err != nil || len(hashBytes) != 32 {
		s.recordTerminal(job.LedgerID, store.TerminalUpdate{Status: store.LedgerFailed}, log)
		log.Error().Str("hash", job.Hash).Msg("submitted hash is not 32 bytes")
		return
	}
	var hash [32]byte
	copy(hash[:], hashBytes)

	// Broadcast with retries on transient RPC errors only. Once SendTransaction
	// has succeeded the transaction is tracked to a terminal state and never
	// re-broadcast.
	var txHash string
	err = errors.Retry(ctx, errors.DefaultRetryConfig(), func() error {
		var submitErr error
		txHash, submitErr = s.chainClient.Submit(ctx, job.Kind, job.Action, job.EntityID, hash)
		if submitErr != nil && errors.IsRetryable(submitErr) {
			retriesTotal.Inc()
		}
		return submitErr
	})
	if err != nil {
		if isPermanent(err) {
			log.Error().Err(err).Msg("permanent submission error")
		} else {
			log.Error().Err(err).Msg("submission retries exhausted")
		}
		s.recordTerminal(job.LedgerID, store.TerminalUpdate{Status: store.LedgerFailed}, log)
		submissionsTotal.WithLabelValues("failed").Inc()
		return
	}

	if err := s.anchors.RecordSubmitted(job.LedgerID, txHash, s.chainClient.SignerAddress()); err != nil {
		log.Error().Err(err).Msg("failed to record broadcast; tracker will recover from receipt")
	}

	s.awaitAndClassify(ctx, job, txHash, log)
}

// awaitAndClassify waits for the receipt and maps the outcome to a ledger
// transition per the classification table.
func (s *Submitter) awaitAndClassify(ctx context.Context, job Job, txHash string, log zerolog.Logger) {
	receipt, err := s.chainClient.AwaitReceipt(ctx, txHash, s.cfg.SubmitConfirmations, s.cfg.ReceiptDeadline())
	if err != nil {
		switch errors.CodeOf(err) {
		case errors.CodeUnconfirmed:
			// Not terminal: the entry stays SUBMITTED and the next boot
			// sweep (or the ingester observing the event) resolves it.
			log.Warn().Err(err).Str("tx_hash", txHash).Msg("receipt deadline passed, leaving SUBMITTED")
			submissionsTotal.WithLabelValues("unconfirmed").Inc()
		case errors.CodeReverted:
			log.Error().Err(err).Str("tx_hash", txHash).Msg("transaction reverted")
			s.recordTerminal(job.LedgerID, store.TerminalUpdate{Status: store.LedgerFailed}, log)
			submissionsTotal.WithLabelValues("reverted").Inc()
		default:
			// Transient RPC failure after broadcast: do not double-submit.
			log.Warn().Err(err).Str("tx_hash", txHash).Msg("receipt await failed, leaving SUBMITTED")
			submissionsTotal.WithLabelValues("unconfirmed").Inc()
		}
		return
	}

	// Status 1: the matching event must be present, otherwise the contract
	// or ABI has drifted and the anchor cannot be trusted.
	matched := s.findMatchingEvent(receipt, job, txHash)
	if matched == nil {
		err := errors.Newf(errors.CodeEventMissing,
			"tx %s confirmed but %s event absent", txHash, string(job.Action))
		log.Error().Err(err).Msg("event missing from confirmed receipt")
		s.recordTerminal(job.LedgerID, store.TerminalUpdate{Status: store.LedgerFailed}, log)
		submissionsTotal.WithLabelValues("event_missing").Inc()
		return
	}

	payload, _ := json.Marshal(matched)
	s.recordTerminal(job.LedgerID, store.TerminalUpdate{
		Status:       store.LedgerConfirmed,
		BlockNumber:  receipt.BlockNumber,
		BlockHash:    matched.BlockHash,
		LogIndex:     matched.LogIndex,
		GasUsed:      receipt.GasUsed,
		FromAddress:  matched.Actor,
		EventPayload: payload,
	}, log)
	submissionsTotal.WithLabelValues("confirmed").Inc()
	log.Info().
		Str("tx_hash", txHash).
		Uint64("block", receipt.BlockNumber).
		Msg("anchor confirmed")
}

func (s *Submitter) findMatchingEvent(receipt *chain.Receipt, job Job, txHash string) *chain.AnchorEvent {
	for i := range receipt.Logs {
		event, err := chain.DecodeLog(&receipt.Logs[i])
		if err != nil {
			continue
		}
		if event.MatchesSubmission(txHash, job.Kind, job.EntityID, job.Action) {
			return event
		}
	}
	return nil
}

func (s *Submitter) recordTerminal(ledgerID uint, update store.TerminalUpdate, log zerolog.Logger) {
	if err := s.anchors.RecordTerminal(ledgerID, update); err != nil {
		log.Error().Err(err).Msg("failed to record terminal transition")
		return
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate()
	}
}

// isPermanent reports whether a submission error can never succeed on
// retry. AccessControl revert strings mean the signer lacks its role.
func isPermanent(err error) bool {
	var ae *errors.AnchorError
	if errors.As(err, &ae) {
		if ae.Permanent() {
			return true
		}
	}
	return strings.Contains(err.Error(), "AccessControl:")
}
