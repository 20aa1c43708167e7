package anchor

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medtrust/anchord/canonical"
	"github.com/medtrust/anchord/config"
	"github.com/medtrust/anchord/db"
	"github.com/medtrust/anchord/errors"
	"github.com/medtrust/anchord/history"
	"github.com/medtrust/anchord/pipeline"
	"github.com/medtrust/anchord/store"
	"github.com/medtrust/anchord/verify"
)

func newService(t *testing.T, submitter *pipeline.Submitter) (*Service, *store.AnchorStore) {
	t.Helper()

	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	cfg := &config.Config{HistoryCacheTTLSeconds: 300, MaxHistoryEntries: 10000}
	anchors := store.NewAnchorStore(database.Client(), zerolog.Nop())
	histories := history.NewAggregator(database.Client(), cfg, zerolog.Nop())
	verifier := verify.NewVerifier(nil, anchors, zerolog.Nop())

	return NewService(anchors, submitter, verifier, histories, zerolog.Nop()), anchors
}

func newServiceWithQueue(t *testing.T) (*Service, *store.AnchorStore) {
	t.Helper()

	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	cfg := &config.Config{HistoryCacheTTLSeconds: 300, MaxHistoryEntries: 10000, ReceiptDeadlineSecs: 1}
	anchors := store.NewAnchorStore(database.Client(), zerolog.Nop())
	histories := history.NewAggregator(database.Client(), cfg, zerolog.Nop())
	verifier := verify.NewVerifier(nil, anchors, zerolog.Nop())
	// Worker not started: jobs queue up and entries stay PENDING.
	submitter := pipeline.NewSubmitter(nil, anchors, cfg, histories, zerolog.Nop())

	return NewService(anchors, submitter, verifier, histories, zerolog.Nop()), anchors
}

func medicineRow() canonical.Row {
	return canonical.Row{
		"name":       "Paracetamol 500mg Tablet",
		"strength":   "500mg",
		"barangay":   "SAN_JOSE",
		"created_at": "2025-01-10T00:00:00Z",
	}
}

func TestSubmit(t *testing.T) {
	t.Run("queues and returns a receipt", func(t *testing.T) {
		svc, anchors := newServiceWithQueue(t)

		receipt, err := svc.Submit(context.Background(), store.KindMedicine, 101, medicineRow(), store.ActionStore)
		require.NoError(t, err)
		require.NotZero(t, receipt.LedgerID)
		assert.Len(t, receipt.Hash, 66, "0x plus 64 hex chars")

		entry, err := anchors.GetLedgerEntry(receipt.LedgerID)
		require.NoError(t, err)
		assert.Equal(t, store.LedgerPending, entry.Status)
		assert.Equal(t, receipt.Hash, entry.SubmittedHash)
	})

	t.Run("resubmitting identical content is a no-op", func(t *testing.T) {
		svc, anchors := newServiceWithQueue(t)

		first, err := svc.Submit(context.Background(), store.KindMedicine, 101, medicineRow(), store.ActionStore)
		require.NoError(t, err)

		second, err := svc.Submit(context.Background(), store.KindMedicine, 101, medicineRow(), store.ActionStore)
		require.NoError(t, err)
		assert.Equal(t, first.LedgerID, second.LedgerID, "same canonical bytes coalesce onto one entry")
		assert.Equal(t, first.Hash, second.Hash)

		entry, err := anchors.GetLedgerEntry(first.LedgerID)
		require.NoError(t, err)
		assert.Equal(t, store.LedgerPending, entry.Status)
	})

	t.Run("concurrent submission rejected", func(t *testing.T) {
		svc, _ := newServiceWithQueue(t)

		_, err := svc.Submit(context.Background(), store.KindMedicine, 101, medicineRow(), store.ActionStore)
		require.NoError(t, err)

		_, err = svc.Submit(context.Background(), store.KindMedicine, 101, medicineRow(), store.ActionUpdate)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeConcurrentAnchor))
	})

	t.Run("read-only deployment", func(t *testing.T) {
		svc, _ := newService(t, nil)

		_, err := svc.Submit(context.Background(), store.KindMedicine, 101, medicineRow(), store.ActionStore)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeConfiguration))
	})

	t.Run("bad row surfaces canonicalization error", func(t *testing.T) {
		svc, _ := newServiceWithQueue(t)

		row := medicineRow()
		delete(row, "name")
		_, err := svc.Submit(context.Background(), store.KindMedicine, 101, row, store.ActionStore)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeBadCanonicalization))
	})

	t.Run("unknown kind", func(t *testing.T) {
		svc, _ := newServiceWithQueue(t)

		_, err := svc.Submit(context.Background(), store.Kind("PRESCRIPTION"), 1, medicineRow(), store.ActionStore)
		require.Error(t, err)
	})
}

func TestSubmit_DeleteWithoutRow(t *testing.T) {
	svc, anchors := newServiceWithQueue(t)

	t.Run("nothing anchored yet", func(t *testing.T) {
		_, err := svc.Submit(context.Background(), store.KindMedicine, 101, nil, store.ActionDelete)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeNotFound))
	})

	t.Run("tombstones the confirmed hash", func(t *testing.T) {
		receipt, err := svc.Submit(context.Background(), store.KindMedicine, 101, medicineRow(), store.ActionStore)
		require.NoError(t, err)
		require.NoError(t, anchors.RecordTerminal(receipt.LedgerID, store.TerminalUpdate{
			Status:      store.LedgerConfirmed,
			BlockNumber: 50,
		}))

		del, err := svc.Submit(context.Background(), store.KindMedicine, 101, nil, store.ActionDelete)
		require.NoError(t, err)
		assert.Equal(t, receipt.Hash, del.Hash, "delete anchors the last confirmed hash")
	})
}

func TestIntegrityAndLedgerReads(t *testing.T) {
	svc, _ := newServiceWithQueue(t)

	receipt, err := svc.Submit(context.Background(), store.KindStock, 7, canonical.Row{
		"medicine_id":  int64(1),
		"batch_number": "B-1",
		"quantity":     int64(10),
		"barangay":     "SAN_JOSE",
		"created_at":   "2025-02-01T00:00:00Z",
	}, store.ActionStore)
	require.NoError(t, err)

	integrity, err := svc.Integrity(context.Background(), store.KindStock, 7)
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, integrity.AnchorState)

	entry, err := svc.LedgerEntry(context.Background(), receipt.LedgerID)
	require.NoError(t, err)
	assert.Equal(t, store.LedgerPending, entry.Status)

	_, err = svc.Integrity(context.Background(), store.Kind("NOPE"), 7)
	require.Error(t, err)
}
