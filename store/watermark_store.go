package store

import (
	"strings"

	"gorm.io/gorm"

	"github.com/medtrust/anchord/errors"
)

// WatermarkStore tracks the highest fully ingested block per
// (contract, event name).
type WatermarkStore struct {
	client *gorm.DB
}

// NewWatermarkStore creates a new watermark store.
func NewWatermarkStore(client *gorm.DB) *WatermarkStore {
	return &WatermarkStore{client: client}
}

// Get returns the watermark for (contract, event), creating a zero row if
// none exists yet.
func (w *WatermarkStore) Get(contract, eventName string) (uint64, error) {
	if w.client == nil {
		return 0, errors.New(errors.CodeInternal, "database is nil")
	}
	contract = strings.ToLower(contract)

	var mark EventWatermark
	err := w.client.
		Where("contract_address = ? AND event_name = ?", contract, eventName).
		First(&mark).Error
	if err == gorm.ErrRecordNotFound {
		mark = EventWatermark{
			ContractAddress: contract,
			EventName:       eventName,
			LastBlock:       0,
		}
		if err := w.client.Create(&mark).Error; err != nil {
			return 0, errors.Wrap(err, "failed to create watermark")
		}
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read watermark")
	}
	return mark.LastBlock, nil
}

// AdvanceTx moves the watermark forward inside the caller's transaction.
// Advances are monotonic; a lower block is ignored.
func (w *WatermarkStore) AdvanceTx(tx *gorm.DB, contract, eventName string, block uint64) error {
	contract = strings.ToLower(contract)

	var mark EventWatermark
	err := tx.
		Where("contract_address = ? AND event_name = ?", contract, eventName).
		First(&mark).Error
	if err == gorm.ErrRecordNotFound {
		mark = EventWatermark{
			ContractAddress: contract,
			EventName:       eventName,
			LastBlock:       block,
		}
		return tx.Create(&mark).Error
	}
	if err != nil {
		return errors.Wrap(err, "failed to read watermark")
	}

	if block <= mark.LastBlock {
		return nil
	}
	mark.LastBlock = block
	return tx.Save(&mark).Error
}

// RewindTx retreats the watermark by depth blocks inside the caller's
// transaction. Only used during reorg handling, atomically with the orphan
// transitions it implies.
func (w *WatermarkStore) RewindTx(tx *gorm.DB, contract, eventName string, depth uint64) (uint64, error) {
	contract = strings.ToLower(contract)

	var mark EventWatermark
	err := tx.
		Where("contract_address = ? AND event_name = ?", contract, eventName).
		First(&mark).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read watermark for rewind")
	}

	if mark.LastBlock > depth {
		mark.LastBlock -= depth
	} else {
		mark.LastBlock = 0
	}
	if err := tx.Save(&mark).Error; err != nil {
		return 0, errors.Wrap(err, "failed to rewind watermark")
	}
	return mark.LastBlock, nil
}
