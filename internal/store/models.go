package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Persisted models. Amount columns are numeric(78,0): wide enough for any
// uint256. Addresses, hashes and uids are stored as 0x-hex strings.

type Order struct {
	Uid               string `gorm:"primaryKey"`
	Owner             string `gorm:"index"`
	SellToken         string `gorm:"index"`
	BuyToken          string `gorm:"index"`
	Receiver          string
	SellAmount        decimal.Decimal `gorm:"type:numeric(78,0)"`
	BuyAmount         decimal.Decimal `gorm:"type:numeric(78,0)"`
	ValidTo           int64           `gorm:"index"`
	AppData           string
	FeeAmount         decimal.Decimal `gorm:"type:numeric(78,0)"`
	Kind              string          // "sell" or "buy"
	Class             string          // market, limit, liquidity
	PartiallyFillable bool
	SellTokenSource   string
	BuyTokenDest      string
	SigningScheme     string
	Signature         []byte
	PreInteractions   string // JSON
	PostInteractions  string // JSON

	ExecutedAmount decimal.Decimal `gorm:"type:numeric(78,0)"`
	Invalidated    bool
	PreSigned      bool

	// Quote observed at order creation, used by the price-improvement
	// fee policy for limit orders.
	QuoteSellAmount *decimal.Decimal `gorm:"type:numeric(78,0)"`
	QuoteBuyAmount  *decimal.Decimal `gorm:"type:numeric(78,0)"`
	QuoteFee        *decimal.Decimal `gorm:"type:numeric(78,0)"`
	QuoteSolver     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Trade struct {
	BlockNumber          uint64 `gorm:"primaryKey;autoIncrement:false"`
	LogIndex             uint64 `gorm:"primaryKey;autoIncrement:false"`
	OrderUid             string `gorm:"index"`
	Owner                string
	SellToken            string
	BuyToken             string
	SellAmount           decimal.Decimal `gorm:"type:numeric(78,0)"`
	BuyAmount            decimal.Decimal `gorm:"type:numeric(78,0)"`
	SellAmountBeforeFees decimal.Decimal `gorm:"type:numeric(78,0)"`
	TxHash               string          `gorm:"index"`
	CreatedAt            time.Time
}

type Settlement struct {
	BlockNumber uint64 `gorm:"primaryKey;autoIncrement:false"`
	LogIndex    uint64 `gorm:"primaryKey;autoIncrement:false"`
	TxHash      string `gorm:"index"`
	Solver      string `gorm:"index"`
	AuctionId   *int64 `gorm:"index"`
	CreatedAt   time.Time
}

type SettlementObservation struct {
	BlockNumber       uint64          `gorm:"primaryKey;autoIncrement:false"`
	LogIndex          uint64          `gorm:"primaryKey;autoIncrement:false"`
	GasUsed           decimal.Decimal `gorm:"type:numeric(78,0)"`
	EffectiveGasPrice decimal.Decimal `gorm:"type:numeric(78,0)"`
	Surplus           decimal.Decimal `gorm:"type:numeric(78,0)"`
	Fee               decimal.Decimal `gorm:"type:numeric(78,0)"`
	CreatedAt         time.Time
}

type Auction struct {
	Id       int64 `gorm:"primaryKey;autoIncrement"`
	Block    uint64
	Deadline time.Time

	// JSON-encoded snapshot columns. The auction is immutable once
	// written, so no relational layout is needed.
	Orders                        string // JSON array of uids
	PriceTokens                   string // JSON array of token addresses
	PriceValues                   string // JSON array of decimal strings
	SurplusCapturingJitOrderOwners string // JSON array of addresses

	CreatedAt time.Time
}

type OrderEvent struct {
	Id        int64  `gorm:"primaryKey;autoIncrement"`
	OrderUid  string `gorm:"index"`
	Timestamp time.Time
	Label     string // created, traded, invalidated, cancelled
}

type EthflowOrder struct {
	OrderUid          string `gorm:"primaryKey"`
	RefundTxHash      *string
	RefundBlockNumber *uint64
	CreatedAt         time.Time
}

type FeePolicyRow struct {
	Id              int64  `gorm:"primaryKey;autoIncrement"`
	AuctionId       int64  `gorm:"index:idx_fee_policy_auction_order"`
	OrderUid        string `gorm:"index:idx_fee_policy_auction_order"`
	Kind            string
	Factor          decimal.Decimal  `gorm:"type:numeric(10,9)"`
	MaxVolumeFactor decimal.Decimal  `gorm:"type:numeric(10,9)"`
	QuoteSellAmount *decimal.Decimal `gorm:"type:numeric(78,0)"`
	QuoteBuyAmount  *decimal.Decimal `gorm:"type:numeric(78,0)"`
	QuoteFee        *decimal.Decimal `gorm:"type:numeric(78,0)"`
}

func (FeePolicyRow) TableName() string {
	return "fee_policies"
}

// AppData caches resolved app-data pre-images keyed by their keccak
// commitment hash.
type AppData struct {
	Hash      string `gorm:"primaryKey"`
	Document  []byte
	CreatedAt time.Time
}

// CowAmm is a factory-deployed CoW AMM observed on-chain. Its address
// joins the surplus-capturing JIT owner set. Rows are removed only when a
// reorg range-replace drops the block that deployed them.
type CowAmm struct {
	Address     string `gorm:"primaryKey"`
	Token0      string
	Token1      string
	BlockNumber uint64 `gorm:"index"`
	CreatedAt   time.Time
}

// IndexerState is a single-row table persisting the last fully indexed
// block so restarts resume without double counting.
type IndexerState struct {
	Id             int64 `gorm:"primaryKey"`
	LastEventBlock uint64
	UpdatedAt      time.Time
}
