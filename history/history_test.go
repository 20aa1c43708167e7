package history_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/medtrust/anchord/config"
	"github.com/medtrust/anchord/db"
	"github.com/medtrust/anchord/history"
	"github.com/medtrust/anchord/store"
)

func testConfig() *config.Config {
	return &config.Config{
		HistoryCacheTTLSeconds: 300,
		MaxHistoryEntries:      10000,
	}
}

func newAggregator(t *testing.T, cfg *config.Config) (*history.Aggregator, *db.DB) {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return history.NewAggregator(database.Client(), cfg, zerolog.Nop()), database
}

func seedConfirmed(t *testing.T, database *db.DB, kind store.Kind, entityID uint64, block uint64) {
	t.Helper()
	confirmedAt := time.Unix(1736467200+int64(block), 0).UTC()
	entry := store.LedgerEntry{
		Kind:          kind,
		EntityID:      entityID,
		Action:        store.ActionStore,
		SubmittedHash: fmt.Sprintf("0x%064d", entityID),
		TxHash:        fmt.Sprintf("0x%064d", block),
		BlockNumber:   block,
		FromAddress:   "0xactor",
		Status:        store.LedgerConfirmed,
		ConfirmedAt:   &confirmedAt,
	}
	require.NoError(t, database.Client().Create(&entry).Error)
}

func TestHistory_NewestFirst(t *testing.T) {
	agg, database := newAggregator(t, testConfig())

	seedConfirmed(t, database, store.KindMedicine, 1, 10)
	seedConfirmed(t, database, store.KindStock, 2, 30)
	seedConfirmed(t, database, store.KindRelease, 3, 20)

	feed, err := agg.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.Len(t, feed.Entries, 3)
	assert.False(t, feed.Truncated)

	assert.Equal(t, store.KindStock, feed.Entries[0].Kind)
	assert.Equal(t, store.KindRelease, feed.Entries[1].Kind)
	assert.Equal(t, store.KindMedicine, feed.Entries[2].Kind)

	for i := 1; i < len(feed.Entries); i++ {
		assert.False(t, feed.Entries[i].Timestamp.After(feed.Entries[i-1].Timestamp),
			"entries must be newest first")
	}
}

func TestHistory_KindFilter(t *testing.T) {
	agg, database := newAggregator(t, testConfig())

	seedConfirmed(t, database, store.KindMedicine, 1, 10)
	seedConfirmed(t, database, store.KindStock, 2, 20)
	seedConfirmed(t, database, store.KindMedicine, 3, 30)

	feed, err := agg.History(context.Background(), history.Filter{Kinds: []store.Kind{store.KindMedicine}})
	require.NoError(t, err)
	require.Len(t, feed.Entries, 2)
	for _, e := range feed.Entries {
		assert.Equal(t, store.KindMedicine, e.Kind)
	}
}

func TestHistory_CapAndTruncated(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHistoryEntries = 5
	agg, database := newAggregator(t, cfg)

	for i := uint64(1); i <= 7; i++ {
		seedConfirmed(t, database, store.KindMedicine, i, 100+i)
	}

	feed, err := agg.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	assert.Len(t, feed.Entries, 5)
	assert.True(t, feed.Truncated)

	// The newest entries survive the cut.
	assert.Equal(t, uint64(107), feed.Entries[0].BlockNumber)

	t.Run("explicit lower limit", func(t *testing.T) {
		feed, err := agg.History(context.Background(), history.Filter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, feed.Entries, 2)
		assert.True(t, feed.Truncated)
	})
}

func TestHistory_CacheAndInvalidation(t *testing.T) {
	agg, database := newAggregator(t, testConfig())

	seedConfirmed(t, database, store.KindMedicine, 1, 10)

	first, err := agg.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.Len(t, first.Entries, 1)

	// New data within the TTL is invisible until invalidation.
	seedConfirmed(t, database, store.KindStock, 2, 20)

	cached, err := agg.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	assert.Len(t, cached.Entries, 1)
	assert.Equal(t, first.GeneratedAt, cached.GeneratedAt, "served from cache")

	agg.Invalidate()

	fresh, err := agg.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	assert.Len(t, fresh.Entries, 2)
}

func TestHistory_TombstonesReportExistsFalse(t *testing.T) {
	agg, database := newAggregator(t, testConfig())

	confirmedAt := time.Unix(1736467200, 0).UTC()
	entry := store.LedgerEntry{
		Kind:          store.KindMedicine,
		EntityID:      101,
		Action:        store.ActionDelete,
		SubmittedHash: "0xaaaa",
		TxHash:        "0xbbbb",
		BlockNumber:   50,
		Status:        store.LedgerConfirmed,
		Tombstone:     true,
		ConfirmedAt:   &confirmedAt,
	}
	require.NoError(t, database.Client().Create(&entry).Error)

	feed, err := agg.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.Len(t, feed.Entries, 1)
	assert.False(t, feed.Entries[0].Exists)
}

func TestHistory_IncludesUncoveredIntegrityRows(t *testing.T) {
	agg, database := newAggregator(t, testConfig())

	// An integrity row with no matching ledger entry, e.g. imported state.
	synced := time.Unix(1736467200, 0).UTC()
	row := store.EntityIntegrity{
		Kind:         store.KindResident,
		EntityID:     55,
		ContentHash:  "0xcccc",
		TxHash:       "0xdddd",
		AnchorState:  store.StateConfirmed,
		LastSyncedAt: &synced,
	}
	require.NoError(t, database.Client().Create(&row).Error)

	feed, err := agg.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.Len(t, feed.Entries, 1)
	assert.Equal(t, store.KindResident, feed.Entries[0].Kind)
	assert.Equal(t, "0xcccc", feed.Entries[0].Hash)
}

func TestHistory_UncoveredRowsFillRemainingRoom(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHistoryEntries = 4
	agg, database := newAggregator(t, cfg)

	// One ledger-covered anchoring plus its integrity row, which must be
	// skipped even though it sorts first.
	seedConfirmed(t, database, store.KindMedicine, 1, 10)
	newest := time.Unix(1736467200+100, 0).UTC()
	covered := store.EntityIntegrity{
		Model:        gorm.Model{UpdatedAt: newest},
		Kind:         store.KindMedicine,
		EntityID:     1,
		ContentHash:  fmt.Sprintf("0x%064d", 1),
		TxHash:       fmt.Sprintf("0x%064d", 10),
		AnchorState:  store.StateConfirmed,
		LastSyncedAt: &newest,
	}
	require.NoError(t, database.Client().Create(&covered).Error)

	// More uncovered rows than the feed has room for.
	for i := uint64(2); i <= 7; i++ {
		synced := time.Unix(1736467200+int64(i), 0).UTC()
		row := store.EntityIntegrity{
			Model:        gorm.Model{UpdatedAt: synced},
			Kind:         store.KindResident,
			EntityID:     i,
			ContentHash:  fmt.Sprintf("0x%064d", i),
			AnchorState:  store.StateConfirmed,
			LastSyncedAt: &synced,
		}
		require.NoError(t, database.Client().Create(&row).Error)
	}

	feed, err := agg.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	assert.Len(t, feed.Entries, 4, "one ledger entry plus the remaining room of integrity rows")

	medicineEntries := 0
	for _, e := range feed.Entries {
		if e.Kind == store.KindMedicine {
			medicineEntries++
		}
	}
	assert.Equal(t, 1, medicineEntries, "the covered integrity row must not appear twice")
}

func TestHistory_PendingEntriesExcluded(t *testing.T) {
	agg, database := newAggregator(t, testConfig())

	entry := store.LedgerEntry{
		Kind:          store.KindMedicine,
		EntityID:      1,
		Action:        store.ActionStore,
		SubmittedHash: "0xaaaa",
		Status:        store.LedgerPending,
	}
	require.NoError(t, database.Client().Create(&entry).Error)

	feed, err := agg.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	assert.Empty(t, feed.Entries)
}
