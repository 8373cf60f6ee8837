// Package fees implements the protocol fee policies: surplus share,
// price-improvement share and volume share, each with volume caps, plus
// the trade surplus math they are computed from.
package fees

import (
	"fmt"
	"math/big"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// Config selects the policy applied per order class. Factors are
// validated at construction via domain.NewFeeFactor.
type Config struct {
	// Market orders pay a share of their surplus.
	MarketSurplusFactor   domain.FeeFactor
	MarketMaxVolumeFactor domain.FeeFactor

	// Limit orders pay a share of the improvement over their creation
	// quote.
	LimitImprovementFactor domain.FeeFactor
	LimitMaxVolumeFactor   domain.FeeFactor
}

// PoliciesFor returns the fee policies attached to an order for the
// current auction, in application order. Liquidity orders never pay
// protocol fees.
func PoliciesFor(order *domain.Order, cfg Config) []domain.FeePolicy {
	switch order.Class {
	case domain.ClassMarket:
		if cfg.MarketSurplusFactor.Decimal().IsZero() {
			return nil
		}
		return []domain.FeePolicy{{
			Kind:            domain.FeeKindSurplus,
			Factor:          cfg.MarketSurplusFactor,
			MaxVolumeFactor: cfg.MarketMaxVolumeFactor,
		}}
	case domain.ClassLimit:
		if order.Quote == nil || cfg.LimitImprovementFactor.Decimal().IsZero() {
			return nil
		}
		return []domain.FeePolicy{{
			Kind:            domain.FeeKindPriceImprovement,
			Factor:          cfg.LimitImprovementFactor,
			MaxVolumeFactor: cfg.LimitMaxVolumeFactor,
			Quote:           order.Quote,
		}}
	default:
		return nil
	}
}

// ClearingPrices are the uniform prices a trade executed at.
type ClearingPrices struct {
	Sell *big.Int
	Buy  *big.Int
}

// TradeSurplus is the amount by which the executed price beats the
// order's limit price, denominated in the sell token for buy orders and
// the buy token for sell orders. Limit amounts are scaled to the
// executed portion to support partial fills. Returns nil when the trade
// is degenerate (zero amounts or prices).
func TradeSurplus(side domain.Side, executed, sellAmount, buyAmount *big.Int, prices ClearingPrices) *big.Int {
	if executed == nil || sellAmount == nil || buyAmount == nil || prices.Sell == nil || prices.Buy == nil {
		return nil
	}
	if prices.Sell.Sign() == 0 || prices.Buy.Sign() == 0 {
		return nil
	}
	switch side {
	case domain.SideBuy:
		if buyAmount.Sign() == 0 {
			return nil
		}
		// Sell amount the limit price permits for the executed portion.
		limitSell := new(big.Int).Mul(sellAmount, executed)
		limitSell.Div(limitSell, buyAmount)
		// Sell amount actually paid at the clearing prices.
		paid := new(big.Int).Mul(executed, prices.Buy)
		paid.Div(paid, prices.Sell)
		surplus := limitSell.Sub(limitSell, paid)
		if surplus.Sign() < 0 {
			return nil
		}
		return surplus
	case domain.SideSell:
		if sellAmount.Sign() == 0 {
			return nil
		}
		// Buy amount the limit price requires for the executed portion.
		limitBuy := new(big.Int).Mul(executed, buyAmount)
		limitBuy.Div(limitBuy, sellAmount)
		// Buy amount actually received at the clearing prices.
		received := new(big.Int).Mul(executed, prices.Sell)
		received.Div(received, prices.Buy)
		surplus := received.Sub(received, limitBuy)
		if surplus.Sign() < 0 {
			return nil
		}
		return surplus
	default:
		return nil
	}
}

// Execution is one executed trade, as seen by fee computation.
type Execution struct {
	Side         domain.Side
	SellAmount   *big.Int // order limit sell amount
	BuyAmount    *big.Int // order limit buy amount
	ExecutedSell *big.Int
	ExecutedBuy  *big.Int
	Prices       ClearingPrices
}

func (e Execution) executed() *big.Int {
	if e.Side == domain.SideBuy {
		return e.ExecutedBuy
	}
	return e.ExecutedSell
}

// volume in the fee denomination of surplus-style policies: the executed
// amount of the surplus token.
func (e Execution) surplusTokenVolume() *big.Int {
	if e.Side == domain.SideBuy {
		return e.ExecutedSell
	}
	return e.ExecutedBuy
}

// ExecutedFee computes the total protocol fee for the execution under
// the given policies. Surplus and price-improvement fees are denominated
// in the surplus token (buy token for sell orders, sell token for buy
// orders); volume fees are in the order's target token. Policies apply
// in order and their fees add up without conversion between tokens.
func ExecutedFee(policies []domain.FeePolicy, e Execution) (*big.Int, error) {
	total := big.NewInt(0)
	for _, policy := range policies {
		fee, err := policyFee(policy, e)
		if err != nil {
			return nil, err
		}
		total.Add(total, fee)
	}
	return total, nil
}

func policyFee(policy domain.FeePolicy, e Execution) (*big.Int, error) {
	switch policy.Kind {
	case domain.FeeKindSurplus:
		surplus := TradeSurplus(e.Side, e.executed(), e.SellAmount, e.BuyAmount, e.Prices)
		if surplus == nil {
			return big.NewInt(0), nil
		}
		return capAtVolume(policy.Factor.Apply(surplus), policy.MaxVolumeFactor, e.surplusTokenVolume()), nil

	case domain.FeeKindPriceImprovement:
		if policy.Quote == nil {
			return nil, fmt.Errorf("price improvement policy without reference quote")
		}
		// Improvement over the quote: surplus computed against the
		// quote-implied limit instead of the order limit.
		improvement := TradeSurplus(e.Side, e.executed(), policy.Quote.SellAmount, policy.Quote.BuyAmount, e.Prices)
		if improvement == nil {
			return big.NewInt(0), nil
		}
		return capAtVolume(policy.Factor.Apply(improvement), policy.MaxVolumeFactor, e.surplusTokenVolume()), nil

	case domain.FeeKindVolume:
		// Denominated in the sell token for sell orders, the buy token
		// for buy orders: the order's own target amount.
		volume := e.ExecutedSell
		if e.Side == domain.SideBuy {
			volume = e.ExecutedBuy
		}
		return policy.Factor.Apply(volume), nil

	default:
		return nil, fmt.Errorf("unknown fee policy kind %q", policy.Kind)
	}
}

func capAtVolume(fee *big.Int, maxVolumeFactor domain.FeeFactor, volume *big.Int) *big.Int {
	cap := maxVolumeFactor.Apply(volume)
	if cap.Sign() > 0 && fee.Cmp(cap) > 0 {
		return cap
	}
	return fee
}
