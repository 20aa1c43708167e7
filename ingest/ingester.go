// Package ingest keeps the local ledger consistent with the chain: it
// polls contract events behind the finality frontier, coalesces them with
// in-flight submissions, records foreign anchorings, and orphans confirmed
// entries whose including block was reorged out.
package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/medtrust/anchord/chain"
	"github.com/medtrust/anchord/config"
	"github.com/medtrust/anchord/errors"
	"github.com/medtrust/anchord/store"
)

// Resubmitter re-anchors an entity whose confirmed entry was orphaned by a
// reorg. Nil in read-only deployments.
type Resubmitter interface {
	ResubmitOrphaned(entry *store.LedgerEntry) error
}

// Invalidator is notified whenever ingestion changes ledger state, so
// derived views can drop stale snapshots.
type Invalidator interface {
	Invalidate()
}

// ChainReader is the slice of the chain adapter the ingester polls.
// *chain.Client implements it; tests substitute fakes.
type ChainReader interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	BlockHashAt(ctx context.Context, number uint64) (string, error)
	QueryEvents(ctx context.Context, eventName string, fromBlock, toBlock uint64) ([]chain.AnchorEvent, error)
	ContractAddress() string
	SignerAddress() string
}

// Ingester runs one worker per contract event plus a reorg monitor. Each
// worker owns its event's watermark; a page of events and the watermark
// advance commit in one database transaction, so a crash mid-page replays
// the whole page and the coalescing key absorbs the duplicates.
type Ingester struct {
	chainClient ChainReader
	db          *gorm.DB
	anchors     *store.AnchorStore
	marks       *store.WatermarkStore
	resubmitter Resubmitter
	invalidator Invalidator
	cfg         *config.Config
	logger      zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewIngester creates an ingester. resubmitter and invalidator may be nil.
func NewIngester(
	chainClient ChainReader,
	db *gorm.DB,
	anchors *store.AnchorStore,
	marks *store.WatermarkStore,
	resubmitter Resubmitter,
	invalidator Invalidator,
	cfg *config.Config,
	logger zerolog.Logger,
) *Ingester {
	return &Ingester{
		chainClient: chainClient,
		db:          db,
		anchors:     anchors,
		marks:       marks,
		resubmitter: resubmitter,
		invalidator: invalidator,
		cfg:         cfg,
		logger:      logger.With().Str("component", "event_ingester").Logger(),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the event workers and the reorg monitor.
func (i *Ingester) Start(ctx context.Context) {
	names := chain.EventNames()
	for _, name := range names {
		i.wg.Add(1)
		go i.watchEvent(ctx, name)
	}
	i.wg.Add(1)
	go i.watchReorgs(ctx)

	i.logger.Info().
		Int("event_workers", len(names)).
		Uint64("finality_depth", i.cfg.FinalityDepth).
		Msg("ingestion started")
}

// Stop waits for all workers to drain. A page in progress finishes its
// transaction; nothing is half-committed.
func (i *Ingester) Stop() {
	close(i.stopCh)
	i.wg.Wait()
}

func (i *Ingester) watchEvent(ctx context.Context, eventName string) {
	defer i.wg.Done()

	log := i.logger.With().Str("event", eventName).Logger()
	ticker := time.NewTicker(i.cfg.EventPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopCh:
			return
		case <-ticker.C:
			// Page forward until the safe tip is reached, so a backlog
			// clears without waiting a poll interval per page.
			for {
				caughtUp, err := i.ingestPage(ctx, eventName, log)
				if err != nil {
					log.Warn().Err(err).Msg("event page failed, will retry next poll")
					break
				}
				if caughtUp {
					break
				}
			}
		}
	}
}

// ingestPage ingests one page of events for eventName and advances the
// watermark, all in a single transaction. Returns true when the watermark
// has reached the finality frontier.
func (i *Ingester) ingestPage(ctx context.Context, eventName string, log zerolog.Logger) (bool, error) {
	current, err := i.chainClient.CurrentBlock(ctx)
	if err != nil {
		return false, err
	}
	if current < i.cfg.FinalityDepth {
		return true, nil
	}
	tip := current - i.cfg.FinalityDepth

	mark, err := i.marks.Get(i.chainClient.ContractAddress(), eventName)
	if err != nil {
		return false, err
	}
	if mark >= tip {
		return true, nil
	}

	from := mark + 1
	to := tip
	if span := i.cfg.EventPageSpan; to-from+1 > span {
		to = from + span - 1
	}

	events, err := i.chainClient.QueryEvents(ctx, eventName, from, to)
	if err != nil {
		return false, err
	}

	err = i.db.Transaction(func(tx *gorm.DB) error {
		for idx := range events {
			confirmed, convErr := toConfirmedEvent(&events[idx])
			if convErr != nil {
				return convErr
			}
			if applyErr := i.anchors.ApplyEventTx(tx, confirmed); applyErr != nil {
				return applyErr
			}
		}
		return i.marks.AdvanceTx(tx, i.chainClient.ContractAddress(), eventName, to)
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to commit event page")
	}

	pagesTotal.Inc()
	watermarkBlock.WithLabelValues(eventName).Set(float64(to))
	if len(events) > 0 {
		eventsTotal.WithLabelValues(eventName).Add(float64(len(events)))
		if i.invalidator != nil {
			i.invalidator.Invalidate()
		}
		log.Info().
			Uint64("from", from).
			Uint64("to", to).
			Int("events", len(events)).
			Msg("event page ingested")
	}
	return to >= tip, nil
}

func toConfirmedEvent(event *chain.AnchorEvent) (*store.ConfirmedEvent, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event payload")
	}
	return &store.ConfirmedEvent{
		TxHash:      event.TxHash,
		Kind:        event.Kind,
		EntityID:    event.EntityID,
		Action:      event.Action,
		Hash:        event.Hash,
		BlockNumber: event.BlockNumber,
		BlockHash:   event.BlockHash,
		LogIndex:    event.LogIndex,
		FromAddress: event.Actor,
		Payload:     payload,
	}, nil
}

func (i *Ingester) watchReorgs(ctx context.Context) {
	defer i.wg.Done()

	ticker := time.NewTicker(i.cfg.EventPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopCh:
			return
		case <-ticker.C:
			if err := i.checkReorgs(ctx); err != nil {
				i.logger.Warn().Err(err).Msg("reorg scan failed")
			}
		}
	}
}

// checkReorgs compares the recorded block hash of recently confirmed
// entries against the canonical chain. A divergence shallower than the
// finality depth is left alone: the entry stays CONFIRMED until the fork
// either resolves or deepens past the frontier.
func (i *Ingester) checkReorgs(ctx context.Context) error {
	current, err := i.chainClient.CurrentBlock(ctx)
	if err != nil {
		return err
	}

	window := i.cfg.FinalityDepth * reorgScanMultiple
	var scanFrom uint64
	if current > window {
		scanFrom = current - window
	}

	entries, err := i.anchors.ListConfirmedAbove(scanFrom)
	if err != nil {
		return err
	}

	var orphaned []store.LedgerEntry
	for idx := range entries {
		entry := entries[idx]
		if entry.BlockHash == "" || entry.BlockNumber == 0 {
			continue
		}
		canonical, hashErr := i.chainClient.BlockHashAt(ctx, entry.BlockNumber)
		if hashErr != nil {
			i.logger.Debug().Err(hashErr).Uint64("block", entry.BlockNumber).Msg("block hash lookup failed")
			continue
		}
		if canonical == entry.BlockHash {
			continue
		}
		if current-entry.BlockNumber < i.cfg.FinalityDepth {
			i.logger.Debug().
				Uint("ledger_id", entry.ID).
				Uint64("block", entry.BlockNumber).
				Msg("fork shallower than finality depth, waiting")
			continue
		}
		orphaned = append(orphaned, entry)
	}
	if len(orphaned) == 0 {
		return nil
	}

	reorgsTotal.Inc()
	i.logger.Warn().
		Int("orphaned", len(orphaned)).
		Uint64("current_block", current).
		Msg("reorg past finality depth detected")

	// Orphan transitions and the watermark rewind commit together, so the
	// event workers re-scan the rewound range on their next page.
	err = i.db.Transaction(func(tx *gorm.DB) error {
		for idx := range orphaned {
			update := store.TerminalUpdate{Status: store.LedgerOrphaned}
			if txErr := i.anchors.RecordTerminalTx(tx, orphaned[idx].ID, update); txErr != nil {
				return txErr
			}
		}
		for _, name := range chain.EventNames() {
			if _, txErr := i.marks.RewindTx(tx, i.chainClient.ContractAddress(), name, i.cfg.FinalityDepth); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to commit reorg rewind")
	}

	if i.invalidator != nil {
		i.invalidator.Invalidate()
	}

	signer := i.chainClient.SignerAddress()
	for idx := range orphaned {
		entry := orphaned[idx]
		if i.resubmitter == nil || !strings.EqualFold(entry.FromAddress, signer) {
			continue
		}
		if resubErr := i.resubmitter.ResubmitOrphaned(&entry); resubErr != nil {
			i.logger.Error().Err(resubErr).
				Uint("ledger_id", entry.ID).
				Msg("failed to resubmit orphaned anchor")
		}
	}
	return nil
}

// reorgScanMultiple bounds the reorg scan to a few finality windows of
// recent entries; anything older is assumed final.
const reorgScanMultiple = 4
