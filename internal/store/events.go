package store

import (
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/web3guy0/cowpilot/internal/contracts"
	"github.com/web3guy0/cowpilot/internal/domain"
)

// LastEventBlock returns the highest block whose events are fully
// committed. Zero when nothing has been indexed yet.
func (d *Database) LastEventBlock() (uint64, error) {
	var state IndexerState
	err := d.db.First(&state, "id = ?", 1).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return state.LastEventBlock, nil
}

// ApplyEvents commits a batch of chain events covering blocks up to
// lastBlock. Everything commits in one transaction so a crash never
// leaves last_event_block ahead of the data.
func (d *Database) ApplyEvents(events []any, lastBlock uint64) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := d.applyEvents(tx, events); err != nil {
			return err
		}
		return setLastEventBlock(tx, lastBlock)
	})
}

// ReplaceEvents deletes every chain observation in [from, to] and applies
// the new canonical events for that range. Applying the same range twice
// yields the same state as applying it once.
func (d *Database) ReplaceEvents(from, to uint64, events []any, lastBlock uint64) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		// Collect orders whose fills will change so their executed
		// amounts can be recomputed after the swap.
		var staleUids []string
		if err := tx.Model(&Trade{}).
			Where("block_number >= ? AND block_number <= ?", from, to).
			Distinct().Pluck("order_uid", &staleUids).Error; err != nil {
			return fmt.Errorf("collect stale uids: %w", err)
		}

		for _, model := range []any{&Trade{}, &Settlement{}, &SettlementObservation{}, &CowAmm{}} {
			if err := tx.Where("block_number >= ? AND block_number <= ?", from, to).Delete(model).Error; err != nil {
				return fmt.Errorf("delete range [%d, %d]: %w", from, to, err)
			}
		}

		if err := d.applyEvents(tx, events); err != nil {
			return err
		}

		touched := make(map[string]struct{})
		for _, uid := range staleUids {
			touched[uid] = struct{}{}
		}
		for _, event := range events {
			if trade, ok := event.(*contracts.TradeEvent); ok {
				touched[trade.OrderUid.String()] = struct{}{}
			}
		}
		for uid := range touched {
			if err := recomputeExecuted(tx, uid); err != nil {
				return err
			}
		}
		return setLastEventBlock(tx, lastBlock)
	})
}

func setLastEventBlock(tx *gorm.DB, block uint64) error {
	state := IndexerState{Id: 1, LastEventBlock: block, UpdatedAt: time.Now().UTC()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_event_block", "updated_at"}),
	}).Create(&state).Error
}

func (d *Database) applyEvents(tx *gorm.DB, events []any) error {
	for _, event := range events {
		var err error
		switch e := event.(type) {
		case *contracts.TradeEvent:
			err = d.applyTrade(tx, e)
		case *contracts.SettlementEvent:
			err = d.applySettlementEvent(tx, e)
		case *contracts.PreSignatureEvent:
			err = d.markPreSigned(tx, e.OrderUid, e.Signed)
		case *contracts.OrderInvalidatedEvent:
			err = d.markInvalidated(tx, e.OrderUid)
		case *contracts.AmmDeployedEvent:
			err = d.applyAmmDeployed(tx, e)
		default:
			log.Warn().Type("event", event).Msg("dropping unknown chain event")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) applyTrade(tx *gorm.DB, e *contracts.TradeEvent) error {
	beforeFees := new(big.Int).Sub(e.SellAmount, e.FeeAmount)
	row := Trade{
		BlockNumber:          e.BlockNumber,
		LogIndex:             e.LogIndex,
		OrderUid:             e.OrderUid.String(),
		Owner:                e.Owner.Hex(),
		SellToken:            e.SellToken.Hex(),
		BuyToken:             e.BuyToken.Hex(),
		SellAmount:           bigToDecimal(e.SellAmount),
		BuyAmount:            bigToDecimal(e.BuyAmount),
		SellAmountBeforeFees: bigToDecimal(beforeFees),
		TxHash:               e.TxHash.Hex(),
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "block_number"}, {Name: "log_index"}},
		UpdateAll: true,
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	if err := recomputeExecuted(tx, row.OrderUid); err != nil {
		return err
	}
	event := OrderEvent{
		OrderUid:  row.OrderUid,
		Timestamp: time.Now().UTC(),
		Label:     string(domain.OrderEventTraded),
	}
	return tx.Create(&event).Error
}

func (d *Database) applySettlementEvent(tx *gorm.DB, e *contracts.SettlementEvent) error {
	row := Settlement{
		BlockNumber: e.BlockNumber,
		LogIndex:    e.LogIndex,
		TxHash:      e.TxHash.Hex(),
		Solver:      e.Solver.Hex(),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "block_number"}, {Name: "log_index"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (d *Database) applyAmmDeployed(tx *gorm.DB, e *contracts.AmmDeployedEvent) error {
	row := CowAmm{
		Address:     e.Amm.Hex(),
		Token0:      e.Token0.Hex(),
		Token1:      e.Token1.Hex(),
		BlockNumber: e.BlockNumber,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoNothing: true,
	}).Create(&row).Error
}

// recomputeExecuted derives the order's executed amount from its trade
// rows: the sum of sell amounts before fees for sell orders, of buy
// amounts for buy orders. Deriving instead of incrementing keeps reorg
// range-replacement idempotent.
func recomputeExecuted(tx *gorm.DB, uid string) error {
	var order Order
	err := tx.First(&order, "uid = ?", uid).Error
	if err == gorm.ErrRecordNotFound {
		// Trade for an order this instance never stored (e.g. JIT
		// order). Nothing to update.
		return nil
	}
	if err != nil {
		return err
	}

	var trades []Trade
	if err := tx.Where("order_uid = ?", uid).Find(&trades).Error; err != nil {
		return err
	}
	executed := decimal.Zero
	for _, t := range trades {
		if order.Kind == string(domain.SideBuy) {
			executed = executed.Add(t.BuyAmount)
		} else {
			executed = executed.Add(t.SellAmountBeforeFees)
		}
	}
	return tx.Model(&Order{}).Where("uid = ?", uid).Update("executed_amount", executed).Error
}

// CowAmmOwners lists every factory-deployed AMM address observed so far.
func (d *Database) CowAmmOwners() ([]string, error) {
	var owners []string
	err := d.db.Model(&CowAmm{}).Order("block_number").Pluck("address", &owners).Error
	return owners, err
}
