package store

import (
	"database/sql"
	"fmt"
	"math/big"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/web3guy0/cowpilot/internal/domain"
)

func newBigFromString(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}

// SaveObservation upserts the economics record of a settlement.
func (d *Database) SaveObservation(obs *domain.SettlementObservation) error {
	return saveObservation(d.db, obs)
}

func saveObservation(tx *gorm.DB, obs *domain.SettlementObservation) error {
	row := SettlementObservation{
		BlockNumber:       obs.BlockNumber,
		LogIndex:          obs.LogIndex,
		GasUsed:           bigToDecimal(obs.GasUsed),
		EffectiveGasPrice: bigToDecimal(obs.EffectiveGasPrice),
		Surplus:           bigToDecimal(obs.Surplus),
		Fee:               bigToDecimal(obs.Fee),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "block_number"}, {Name: "log_index"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// ApplySettlement links a confirmed settlement to its auction and writes
// the observation in one transaction: the auction link, the observation
// and the executed-amount recomputation commit together or not at all.
// Runs serializable on PostgreSQL; SQLite transactions are already
// serialized.
func (d *Database) ApplySettlement(
	auctionID domain.AuctionId,
	obs *domain.SettlementObservation,
	tradedUids []domain.OrderUid,
) error {
	run := func(tx *gorm.DB) error {
		id := int64(auctionID)
		result := tx.Model(&Settlement{}).
			Where("block_number = ? AND log_index = ?", obs.BlockNumber, obs.LogIndex).
			Update("auction_id", id)
		if result.Error != nil {
			return fmt.Errorf("link settlement to auction: %w", result.Error)
		}
		if err := saveObservation(tx, obs); err != nil {
			return fmt.Errorf("save observation: %w", err)
		}
		for _, uid := range tradedUids {
			if err := recomputeExecuted(tx, uid.String()); err != nil {
				return fmt.Errorf("recompute executed for %s: %w", uid, err)
			}
		}
		return nil
	}
	if d.postgres {
		return d.db.Transaction(run, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	return d.db.Transaction(run)
}

// SettlementByTx finds the settlement event row for a transaction hash.
func (d *Database) SettlementByTx(txHash string) (*Settlement, error) {
	var row Settlement
	err := d.db.First(&row, "tx_hash = ?", txHash).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Trades returns the persisted fills of one order.
func (d *Database) Trades(uid domain.OrderUid) ([]Trade, error) {
	var rows []Trade
	err := d.db.Where("order_uid = ?", uid.String()).
		Order("block_number, log_index").Find(&rows).Error
	return rows, err
}

// Observation loads the economics record keyed by settlement event
// position.
func (d *Database) Observation(blockNumber, logIndex uint64) (*SettlementObservation, error) {
	var row SettlementObservation
	err := d.db.First(&row, "block_number = ? AND log_index = ?", blockNumber, logIndex).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
