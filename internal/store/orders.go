package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// InsertOrder records a new order and its creation event.
func (d *Database) InsertOrder(o *domain.Order) error {
	model := orderToModel(o)
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		event := OrderEvent{
			OrderUid:  model.Uid,
			Timestamp: time.Now().UTC(),
			Label:     string(domain.OrderEventCreated),
		}
		return tx.Create(&event).Error
	})
}

// Order loads a single order by uid.
func (d *Database) Order(uid domain.OrderUid) (domain.Order, error) {
	var model Order
	err := d.db.First(&model, "uid = ?", uid.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Order{}, ErrNotFound
	}
	if err != nil {
		return domain.Order{}, err
	}
	return modelToOrder(&model)
}

// SolvableOrders returns every order solvable at the given block time:
// not expired, not invalidated, pre-signed where required, and not yet
// completely filled. The executed-amount comparison happens in Go since
// the amounts exceed native integer ranges.
func (d *Database) SolvableOrders(blockTime uint32) ([]domain.Order, error) {
	var models []Order
	err := d.db.
		Where("valid_to >= ?", int64(blockTime)).
		Where("invalidated = ?", false).
		Where("signing_scheme <> ? OR pre_signed = ?", string(domain.SchemePreSign), true).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("query solvable orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(models))
	for i := range models {
		order, err := modelToOrder(&models[i])
		if err != nil {
			log.Warn().Err(err).Str("order_uid", models[i].Uid).Msg("skipping undecodable order")
			continue
		}
		if order.Filled() {
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// ReadQuote returns the quote stored with the order, or ErrNotFound when
// the order has none.
func (d *Database) ReadQuote(uid domain.OrderUid) (*domain.Quote, error) {
	order, err := d.Order(uid)
	if err != nil {
		return nil, err
	}
	if order.Quote == nil {
		return nil, ErrNotFound
	}
	return order.Quote, nil
}

// MarkInvalidated flags the order as cancelled on-chain and logs the
// event.
func (d *Database) MarkInvalidated(uid domain.OrderUid) error {
	return d.markInvalidated(d.db, uid)
}

func (d *Database) markInvalidated(tx *gorm.DB, uid domain.OrderUid) error {
	result := tx.Model(&Order{}).Where("uid = ?", uid.String()).Update("invalidated", true)
	if result.Error != nil {
		return result.Error
	}
	event := OrderEvent{
		OrderUid:  uid.String(),
		Timestamp: time.Now().UTC(),
		Label:     string(domain.OrderEventInvalidated),
	}
	return tx.Create(&event).Error
}

// MarkPreSigned records an on-chain PreSignature event. signed=false
// revokes a prior pre-signature.
func (d *Database) MarkPreSigned(uid domain.OrderUid, signed bool) error {
	return d.markPreSigned(d.db, uid, signed)
}

func (d *Database) markPreSigned(tx *gorm.DB, uid domain.OrderUid, signed bool) error {
	return tx.Model(&Order{}).Where("uid = ?", uid.String()).Update("pre_signed", signed).Error
}

// InsertOrderEvent appends to the order-events log.
func (d *Database) InsertOrderEvent(uid domain.OrderUid, label domain.OrderEventLabel) error {
	event := OrderEvent{
		OrderUid:  uid.String(),
		Timestamp: time.Now().UTC(),
		Label:     string(label),
	}
	return d.db.Create(&event).Error
}

// OrderEvents returns the event log of one order, oldest first.
func (d *Database) OrderEvents(uid domain.OrderUid) ([]OrderEvent, error) {
	var events []OrderEvent
	err := d.db.Where("order_uid = ?", uid.String()).Order("timestamp, id").Find(&events).Error
	return events, err
}

// EthflowRefund records the refund transaction of an ethflow order.
func (d *Database) EthflowRefund(uid domain.OrderUid, txHash common.Hash, block uint64) error {
	hash := txHash.Hex()
	row := EthflowOrder{
		OrderUid:          uid.String(),
		RefundTxHash:      &hash,
		RefundBlockNumber: &block,
	}
	return d.db.Save(&row).Error
}

// SaveAppData caches a resolved app-data document.
func (d *Database) SaveAppData(hash common.Hash, document []byte) error {
	row := AppData{Hash: hash.Hex(), Document: document}
	return d.db.Save(&row).Error
}

// AppDataDocument returns the cached pre-image for a commitment, or
// ErrNotFound.
func (d *Database) AppDataDocument(hash common.Hash) ([]byte, error) {
	var row AppData
	err := d.db.First(&row, "hash = ?", hash.Hex()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Document, nil
}
