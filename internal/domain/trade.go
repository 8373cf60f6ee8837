package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Trade is a persisted on-chain fill of an order.
type Trade struct {
	BlockNumber          uint64
	LogIndex             uint64
	OrderUid             OrderUid
	Owner                common.Address
	SellToken            common.Address
	BuyToken             common.Address
	SellAmount           *big.Int
	BuyAmount            *big.Int
	SellAmountBeforeFees *big.Int
	TxHash               common.Hash
	FeePolicies          []FeePolicy
}

// SettlementObservation records the economics of one confirmed settlement
// transaction, keyed by its Settlement event position.
type SettlementObservation struct {
	BlockNumber       uint64
	LogIndex          uint64
	GasUsed           *big.Int
	EffectiveGasPrice *big.Int
	Surplus           *big.Int
	Fee               *big.Int
}

// OrderEventLabel tags entries of the order-events log.
type OrderEventLabel string

const (
	OrderEventCreated     OrderEventLabel = "created"
	OrderEventTraded      OrderEventLabel = "traded"
	OrderEventInvalidated OrderEventLabel = "invalidated"
	OrderEventCancelled   OrderEventLabel = "cancelled"
)
