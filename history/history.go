// Package history serves the merged anchoring feed: every confirmed
// ledger entry plus the integrity rows the ledger does not cover, newest
// first, behind a TTL cache.
package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/medtrust/anchord/config"
	"github.com/medtrust/anchord/errors"
	"github.com/medtrust/anchord/store"
)

// Entry is one anchoring occurrence in the feed.
type Entry struct {
	Kind        store.Kind   `json:"kind"`
	EntityID    uint64       `json:"entity_id"`
	Action      store.Action `json:"action,omitempty"`
	Hash        string       `json:"hash,omitempty"`
	AddedBy     string       `json:"added_by,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Exists      bool         `json:"exists"`
	TxHash      string       `json:"tx_hash,omitempty"`
	BlockNumber uint64       `json:"block_number,omitempty"`
}

// Feed is a snapshot of the history at one instant.
type Feed struct {
	Entries     []Entry   `json:"entries"`
	Truncated   bool      `json:"truncated"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Filter narrows the feed. A zero Filter returns everything up to the
// configured cap.
type Filter struct {
	Kinds []store.Kind
	Limit int
}

type cachedFeed struct {
	feed    *Feed
	expires time.Time
}

// Aggregator memoizes feed snapshots per filter. Concurrent callers with
// the same filter share one database read via singleflight; terminal
// transitions anywhere in the pipeline or ingester invalidate every
// snapshot.
type Aggregator struct {
	db     *gorm.DB
	cfg    *config.Config
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cachedFeed
	group singleflight.Group
}

// NewAggregator creates a history aggregator.
func NewAggregator(db *gorm.DB, cfg *config.Config, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		db:     db,
		cfg:    cfg,
		logger: logger.With().Str("component", "history").Logger(),
		cache:  make(map[string]cachedFeed),
	}
}

// History returns the feed for the filter, served from cache inside the
// TTL window.
func (a *Aggregator) History(ctx context.Context, filter Filter) (*Feed, error) {
	key := filter.key()

	a.mu.RLock()
	cached, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && time.Now().Before(cached.expires) {
		cacheHits.Inc()
		return cached.feed, nil
	}
	cacheMisses.Inc()

	result, err, _ := a.group.Do(key, func() (interface{}, error) {
		feed, buildErr := a.build(ctx, filter)
		if buildErr != nil {
			return nil, buildErr
		}
		a.mu.Lock()
		a.cache[key] = cachedFeed{feed: feed, expires: time.Now().Add(a.cfg.HistoryCacheTTL())}
		a.mu.Unlock()
		return feed, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Feed), nil
}

// Invalidate drops every cached snapshot. Implements the invalidator
// contract of the pipeline and the ingester.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	a.cache = make(map[string]cachedFeed)
	a.mu.Unlock()
	invalidations.Inc()
}

func (f Filter) key() string {
	kinds := make([]string, 0, len(f.Kinds))
	for _, k := range f.Kinds {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return fmt.Sprintf("%s|%d", strings.Join(kinds, ","), f.Limit)
}

func (a *Aggregator) cap(filter Filter) int {
	limit := a.cfg.MaxHistoryEntries
	if filter.Limit > 0 && filter.Limit < limit {
		limit = filter.Limit
	}
	return limit
}

// build reads the confirmed ledger and the integrity rows it does not
// cover, merges them, and sorts the union newest first.
func (a *Aggregator) build(ctx context.Context, filter Filter) (*Feed, error) {
	limit := a.cap(filter)

	query := a.db.WithContext(ctx).
		Where("status = ?", store.LedgerConfirmed)
	if len(filter.Kinds) > 0 {
		query = query.Where("kind IN ?", filter.Kinds)
	}

	var ledger []store.LedgerEntry
	err := query.
		Order("block_number DESC, log_index DESC, id DESC").
		Limit(limit + 1).
		Find(&ledger).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to read confirmed ledger")
	}

	truncated := len(ledger) > limit
	if truncated {
		ledger = ledger[:limit]
	}

	entries := make([]Entry, 0, len(ledger))
	covered := make(map[string]struct{}, len(ledger))
	for i := range ledger {
		e := ledger[i]
		ts := e.CreatedAt
		if e.ConfirmedAt != nil {
			ts = *e.ConfirmedAt
		}
		entries = append(entries, Entry{
			Kind:        e.Kind,
			EntityID:    e.EntityID,
			Action:      e.Action,
			Hash:        e.SubmittedHash,
			AddedBy:     e.FromAddress,
			Timestamp:   ts,
			Exists:      !e.Tombstone,
			TxHash:      e.TxHash,
			BlockNumber: e.BlockNumber,
		})
		covered[fmt.Sprintf("%s/%d/%s", e.Kind, e.EntityID, e.TxHash)] = struct{}{}
	}

	// Integrity rows whose confirming entry is not in the ledger, for
	// example rows imported before this process started keeping a ledger.
	if !truncated {
		extra, err := a.uncoveredIntegrity(ctx, filter, covered, limit-len(entries))
		if err != nil {
			return nil, err
		}
		entries = append(entries, extra...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	return &Feed{
		Entries:     entries,
		Truncated:   truncated,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (a *Aggregator) uncoveredIntegrity(ctx context.Context, filter Filter, covered map[string]struct{}, room int) ([]Entry, error) {
	if room <= 0 {
		return nil, nil
	}

	query := a.db.WithContext(ctx).
		Where("anchor_state = ? AND content_hash <> ''", store.StateConfirmed)
	if len(filter.Kinds) > 0 {
		query = query.Where("kind IN ?", filter.Kinds)
	}

	// Every covered row may be skipped below, so fetch enough to still
	// fill the remaining room.
	var rows []store.EntityIntegrity
	if err := query.Order("updated_at DESC").Limit(room + len(covered)).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to read integrity rows")
	}

	entries := make([]Entry, 0)
	for i := range rows {
		row := rows[i]
		if _, ok := covered[fmt.Sprintf("%s/%d/%s", row.Kind, row.EntityID, row.TxHash)]; ok {
			continue
		}
		ts := row.UpdatedAt
		if row.LastSyncedAt != nil {
			ts = *row.LastSyncedAt
		}
		entries = append(entries, Entry{
			Kind:      row.Kind,
			EntityID:  row.EntityID,
			Hash:      row.ContentHash,
			Timestamp: ts,
			Exists:    row.ContentHash != "",
			TxHash:    row.TxHash,
		})
		if len(entries) == room {
			break
		}
	}
	return entries, nil
}
