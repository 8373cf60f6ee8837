// Package store is the durable source of truth for orders, trades,
// settlements, auctions and their observations. All other components hold
// read-only views; chain-origin facts enter exclusively through the
// indexer, money-moving facts through ApplySettlement.
package store

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/cowpilot/internal/domain"
)

type Database struct {
	db       *gorm.DB
	postgres bool
}

// New opens the database. A postgres:// DSN selects PostgreSQL, anything
// else is treated as a SQLite path (single-process deployments, tests).
func New(dsn string) (*Database, error) {
	var db *gorm.DB
	var err error
	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	if isPostgres {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Order{},
		&Trade{},
		&Settlement{},
		&SettlementObservation{},
		&Auction{},
		&OrderEvent{},
		&EthflowOrder{},
		&FeePolicyRow{},
		&AppData{},
		&CowAmm{},
		&IndexerState{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if isPostgres {
		log.Info().Msg("store connected (PostgreSQL)")
	} else {
		log.Info().Str("path", dsn).Msg("store initialized (SQLite)")
	}
	return &Database{db: db, postgres: isPostgres}, nil
}

// Conversion helpers between domain and persisted forms.

func bigToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func decimalToBig(d decimal.Decimal) *big.Int {
	return d.BigInt()
}

func interactionsToJSON(in []domain.Interaction) string {
	type jsonInteraction struct {
		Target   string `json:"target"`
		Value    string `json:"value"`
		CallData string `json:"callData"`
	}
	out := make([]jsonInteraction, len(in))
	for i, x := range in {
		value := "0"
		if x.Value != nil {
			value = x.Value.String()
		}
		out[i] = jsonInteraction{
			Target:   x.Target.Hex(),
			Value:    value,
			CallData: "0x" + common.Bytes2Hex(x.CallData),
		}
	}
	raw, _ := json.Marshal(out)
	return string(raw)
}

func interactionsFromJSON(raw string) []domain.Interaction {
	if raw == "" {
		return nil
	}
	type jsonInteraction struct {
		Target   string `json:"target"`
		Value    string `json:"value"`
		CallData string `json:"callData"`
	}
	var in []jsonInteraction
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		log.Warn().Err(err).Msg("dropping malformed interaction list")
		return nil
	}
	out := make([]domain.Interaction, len(in))
	for i, x := range in {
		value, _ := new(big.Int).SetString(x.Value, 10)
		out[i] = domain.Interaction{
			Target:   common.HexToAddress(x.Target),
			Value:    value,
			CallData: common.FromHex(x.CallData),
		}
	}
	return out
}

func orderToModel(o *domain.Order) Order {
	model := Order{
		Uid:               o.Uid.String(),
		Owner:             o.Owner.Hex(),
		SellToken:         o.SellToken.Hex(),
		BuyToken:          o.BuyToken.Hex(),
		Receiver:          o.Receiver.Hex(),
		SellAmount:        bigToDecimal(o.SellAmount),
		BuyAmount:         bigToDecimal(o.BuyAmount),
		ValidTo:           int64(o.ValidTo),
		AppData:           o.AppData.Hex(),
		FeeAmount:         bigToDecimal(o.FeeAmount),
		Kind:              string(o.Side),
		Class:             string(o.Class),
		PartiallyFillable: o.PartiallyFillable,
		SellTokenSource:   string(o.SellTokenSource),
		BuyTokenDest:      string(o.BuyTokenDest),
		SigningScheme:     string(o.SigningScheme),
		Signature:         o.Signature,
		PreInteractions:   interactionsToJSON(o.PreInteractions),
		PostInteractions:  interactionsToJSON(o.PostInteractions),
		ExecutedAmount:    bigToDecimal(o.ExecutedAmount),
	}
	if o.Quote != nil {
		sell := bigToDecimal(o.Quote.SellAmount)
		buy := bigToDecimal(o.Quote.BuyAmount)
		fee := bigToDecimal(o.Quote.Fee)
		model.QuoteSellAmount = &sell
		model.QuoteBuyAmount = &buy
		model.QuoteFee = &fee
		model.QuoteSolver = o.Quote.Solver.Hex()
	}
	return model
}

func modelToOrder(m *Order) (domain.Order, error) {
	uid, err := domain.OrderUidFromHex(m.Uid)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", m.Uid, err)
	}
	o := domain.Order{
		Uid:               uid,
		Owner:             common.HexToAddress(m.Owner),
		SellToken:         common.HexToAddress(m.SellToken),
		BuyToken:          common.HexToAddress(m.BuyToken),
		Receiver:          common.HexToAddress(m.Receiver),
		SellAmount:        decimalToBig(m.SellAmount),
		BuyAmount:         decimalToBig(m.BuyAmount),
		ValidTo:           uint32(m.ValidTo),
		AppData:           common.HexToHash(m.AppData),
		FeeAmount:         decimalToBig(m.FeeAmount),
		Side:              domain.Side(m.Kind),
		Class:             domain.Class(m.Class),
		PartiallyFillable: m.PartiallyFillable,
		SellTokenSource:   domain.SellTokenSource(m.SellTokenSource),
		BuyTokenDest:      domain.BuyTokenDestination(m.BuyTokenDest),
		SigningScheme:     domain.SigningScheme(m.SigningScheme),
		Signature:         m.Signature,
		PreInteractions:   interactionsFromJSON(m.PreInteractions),
		PostInteractions:  interactionsFromJSON(m.PostInteractions),
		ExecutedAmount:    decimalToBig(m.ExecutedAmount),
	}
	if m.QuoteSellAmount != nil && m.QuoteBuyAmount != nil {
		o.Quote = &domain.Quote{
			SellAmount: decimalToBig(*m.QuoteSellAmount),
			BuyAmount:  decimalToBig(*m.QuoteBuyAmount),
			Solver:     common.HexToAddress(m.QuoteSolver),
		}
		if m.QuoteFee != nil {
			o.Quote.Fee = decimalToBig(*m.QuoteFee)
		}
	}
	return o, nil
}
