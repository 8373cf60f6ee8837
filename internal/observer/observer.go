// Package observer decodes confirmed settlement transactions back into
// trades, recomputes their surplus and protocol fee, and persists the
// resulting observation.
package observer

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/contracts"
	"github.com/web3guy0/cowpilot/internal/domain"
	"github.com/web3guy0/cowpilot/internal/fees"
	"github.com/web3guy0/cowpilot/internal/store"
)

// Observer turns receipts into settlement observations.
type Observer struct {
	contracts *contracts.Settlement
	store     *store.Database
}

func New(settlement *contracts.Settlement, db *store.Database) *Observer {
	return &Observer{contracts: settlement, store: db}
}

// ObserveSettlement processes one confirmed settlement: decode the
// calldata, recover each trade's order uid, compute surplus and fee in
// native wei, and commit the observation together with the auction link.
// A trade whose signer cannot be recovered is flagged and skipped; it
// never blocks the rest of the settlement.
func (o *Observer) ObserveSettlement(
	auctionID domain.AuctionId,
	receipt *types.Receipt,
	calldata []byte,
) error {
	settlement, err := o.contracts.DecodeSettle(calldata)
	if err != nil {
		return fmt.Errorf("decode settlement calldata: %w", err)
	}

	logIndex, found := o.settlementLogIndex(receipt)
	if !found {
		return fmt.Errorf("receipt %s carries no Settlement event", receipt.TxHash.Hex())
	}

	prices, err := o.store.AuctionPrices(auctionID)
	if err != nil {
		return fmt.Errorf("load auction prices: %w", err)
	}

	totalSurplus := big.NewInt(0)
	totalFee := big.NewInt(0)
	var tradedUids []domain.OrderUid

	for i := range settlement.Trades {
		trade := &settlement.Trades[i]
		uid, err := o.recoverUid(settlement, trade)
		if err != nil {
			log.Warn().
				Err(err).
				Int64("auction_id", int64(auctionID)).
				Str("tx_hash", receipt.TxHash.Hex()).
				Int("trade", i).
				Msg("trade signer unrecoverable, flagged")
			continue
		}
		tradedUids = append(tradedUids, uid)

		clearing := fees.ClearingPrices{
			Sell: settlement.ClearingPrices[trade.SellTokenIndex],
			Buy:  settlement.ClearingPrices[trade.BuyTokenIndex],
		}
		surplus := fees.TradeSurplus(trade.Flags.Side, trade.Executed, trade.SellAmount, trade.BuyAmount, clearing)
		if surplus == nil {
			log.Warn().
				Int64("auction_id", int64(auctionID)).
				Str("order_uid", uid.String()).
				Msg("surplus computation failed for trade")
			continue
		}

		// Surplus is denominated in the sell token for buy orders, the
		// buy token for sell orders.
		surplusToken := settlement.Tokens[trade.BuyTokenIndex]
		if trade.Flags.Side == domain.SideBuy {
			surplusToken = settlement.Tokens[trade.SellTokenIndex]
		}
		if native := toNative(prices, surplusToken, surplus); native != nil {
			totalSurplus.Add(totalSurplus, native)
		} else {
			log.Debug().
				Str("token", surplusToken.Hex()).
				Msg("no auction price for surplus token, excluded from observation")
		}

		policies, err := o.store.AuctionFeePolicies(auctionID, uid)
		if err != nil {
			return fmt.Errorf("load fee policies for %s: %w", uid, err)
		}
		if len(policies) == 0 {
			continue
		}
		executedSell, executedBuy := executedAmounts(trade, clearing)
		fee, err := fees.ExecutedFee(policies, fees.Execution{
			Side:         trade.Flags.Side,
			SellAmount:   trade.SellAmount,
			BuyAmount:    trade.BuyAmount,
			ExecutedSell: executedSell,
			ExecutedBuy:  executedBuy,
			Prices:       clearing,
		})
		if err != nil {
			return fmt.Errorf("fee for %s: %w", uid, err)
		}
		if native := toNative(prices, surplusToken, fee); native != nil {
			totalFee.Add(totalFee, native)
		}
	}

	observation := &domain.SettlementObservation{
		BlockNumber:       receipt.BlockNumber.Uint64(),
		LogIndex:          logIndex,
		GasUsed:           new(big.Int).SetUint64(receipt.GasUsed),
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		Surplus:           totalSurplus,
		Fee:               totalFee,
	}
	if err := o.store.ApplySettlement(auctionID, observation, tradedUids); err != nil {
		return fmt.Errorf("apply settlement: %w", err)
	}
	log.Info().
		Int64("auction_id", int64(auctionID)).
		Str("tx_hash", receipt.TxHash.Hex()).
		Str("surplus", totalSurplus.String()).
		Str("fee", totalFee.String()).
		Int("trades", len(tradedUids)).
		Msg("settlement observed")
	return nil
}

// recoverUid reconstructs the order from the trade tuple, recovers the
// signer, and derives the canonical uid.
func (o *Observer) recoverUid(settlement *domain.Settlement, trade *domain.SettlementTrade) (domain.OrderUid, error) {
	order := &domain.Order{
		SellToken:         settlement.Tokens[trade.SellTokenIndex],
		BuyToken:          settlement.Tokens[trade.BuyTokenIndex],
		Receiver:          trade.Receiver,
		SellAmount:        trade.SellAmount,
		BuyAmount:         trade.BuyAmount,
		ValidTo:           trade.ValidTo,
		AppData:           trade.AppData,
		FeeAmount:         trade.FeeAmount,
		Side:              trade.Flags.Side,
		PartiallyFillable: trade.Flags.PartiallyFillable,
		SellTokenSource:   trade.Flags.SellTokenSource,
		BuyTokenDest:      trade.Flags.BuyTokenDest,
		SigningScheme:     trade.Flags.SigningScheme,
		Signature:         trade.Signature,
	}

	var owner common.Address
	if trade.Flags.SigningScheme == domain.SchemePreSign {
		// Pre-signed trades carry the owner address as the signature.
		if len(trade.Signature) != common.AddressLength {
			return domain.OrderUid{}, fmt.Errorf("pre-sign signature must be an address, got %d bytes", len(trade.Signature))
		}
		owner = common.BytesToAddress(trade.Signature)
	} else {
		order.Owner = common.Address{}
		signer, err := o.contracts.RecoverSigner(order)
		if err != nil {
			return domain.OrderUid{}, err
		}
		owner = signer
	}
	order.Owner = owner
	return o.contracts.OrderUid(order)
}

func (o *Observer) settlementLogIndex(receipt *types.Receipt) (uint64, bool) {
	topic := o.contracts.SettlementTopic()
	for _, lg := range receipt.Logs {
		if len(lg.Topics) > 0 && lg.Topics[0] == topic {
			return uint64(lg.Index), true
		}
	}
	return 0, false
}

func executedAmounts(trade *domain.SettlementTrade, clearing fees.ClearingPrices) (sell, buy *big.Int) {
	if trade.Flags.Side == domain.SideBuy {
		buy = trade.Executed
		sell = new(big.Int).Mul(trade.Executed, clearing.Buy)
		sell.Div(sell, clearing.Sell)
		return sell, buy
	}
	sell = trade.Executed
	buy = new(big.Int).Mul(trade.Executed, clearing.Sell)
	buy.Div(buy, clearing.Buy)
	return sell, buy
}

func toNative(prices domain.Prices, token common.Address, amount *big.Int) *big.Int {
	price, ok := prices[token]
	if !ok || amount == nil {
		return nil
	}
	value := new(big.Int).Mul(amount, price)
	return value.Div(value, domain.NativeWei)
}
