package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/medtrust/anchord/db"
	"github.com/medtrust/anchord/store"
)

const (
	testContract = "0x00000000000000000000000000000000000000AA"
	testEvent    = "MedicineHashStored"
)

func newWatermarkStore(t *testing.T) (*store.WatermarkStore, *db.DB) {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return store.NewWatermarkStore(database.Client()), database
}

func TestWatermark_GetCreatesZeroRow(t *testing.T) {
	w, _ := newWatermarkStore(t)

	mark, err := w.Get(testContract, testEvent)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), mark)

	// Address is stored lowercased; a differently cased lookup hits the
	// same row.
	mark, err = w.Get("0x00000000000000000000000000000000000000aa", testEvent)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), mark)
}

func TestWatermark_AdvanceMonotonic(t *testing.T) {
	w, database := newWatermarkStore(t)

	advance := func(block uint64) {
		require.NoError(t, database.Client().Transaction(func(tx *gorm.DB) error {
			return w.AdvanceTx(tx, testContract, testEvent, block)
		}))
	}

	advance(100)
	mark, err := w.Get(testContract, testEvent)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), mark)

	// A lower block never moves the watermark backwards.
	advance(50)
	mark, err = w.Get(testContract, testEvent)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), mark)

	advance(150)
	mark, err = w.Get(testContract, testEvent)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), mark)
}

func TestWatermark_Rewind(t *testing.T) {
	w, database := newWatermarkStore(t)

	require.NoError(t, database.Client().Transaction(func(tx *gorm.DB) error {
		return w.AdvanceTx(tx, testContract, testEvent, 100)
	}))

	t.Run("rewinds by depth", func(t *testing.T) {
		var after uint64
		require.NoError(t, database.Client().Transaction(func(tx *gorm.DB) error {
			var err error
			after, err = w.RewindTx(tx, testContract, testEvent, 30)
			return err
		}))
		assert.Equal(t, uint64(70), after)
	})

	t.Run("floors at zero", func(t *testing.T) {
		var after uint64
		require.NoError(t, database.Client().Transaction(func(tx *gorm.DB) error {
			var err error
			after, err = w.RewindTx(tx, testContract, testEvent, 1000)
			return err
		}))
		assert.Equal(t, uint64(0), after)
	})

	t.Run("missing row is a no-op", func(t *testing.T) {
		require.NoError(t, database.Client().Transaction(func(tx *gorm.DB) error {
			_, err := w.RewindTx(tx, testContract, "StockHashDeleted", 10)
			return err
		}))
	})
}

func TestWatermark_SeparatePerEvent(t *testing.T) {
	w, database := newWatermarkStore(t)

	require.NoError(t, database.Client().Transaction(func(tx *gorm.DB) error {
		return w.AdvanceTx(tx, testContract, "MedicineHashStored", 100)
	}))
	require.NoError(t, database.Client().Transaction(func(tx *gorm.DB) error {
		return w.AdvanceTx(tx, testContract, "StockHashStored", 40)
	}))

	medicine, err := w.Get(testContract, "MedicineHashStored")
	require.NoError(t, err)
	stock, err := w.Get(testContract, "StockHashStored")
	require.NoError(t, err)

	assert.Equal(t, uint64(100), medicine)
	assert.Equal(t, uint64(40), stock)
}
