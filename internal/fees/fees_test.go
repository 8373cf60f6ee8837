package fees

import (
	"math/big"
	"testing"

	"github.com/web3guy0/cowpilot/internal/domain"
)

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad number " + s)
	}
	return v
}

// Scenario: 1 WETH sold for at least 1000 USDC (6 decimals), clearing
// prices value the execution at 1010 USDC, so the surplus is 10 USDC in
// the buy token.
func TestTradeSurplusSellOrder(t *testing.T) {
	t.Parallel()

	surplus := TradeSurplus(
		domain.SideSell,
		wei("1000000000000000000"), // executed: 1 WETH
		wei("1000000000000000000"), // limit sell: 1 WETH
		wei("1000000000"),          // limit buy: 1000 USDC
		ClearingPrices{
			Sell: wei("1010000000"),          // WETH price in the clearing vector
			Buy:  wei("1000000000000000000"), // USDC price
		},
	)
	if surplus == nil {
		t.Fatal("surplus is nil")
	}
	if want := wei("10000000"); surplus.Cmp(want) != 0 {
		t.Errorf("surplus = %s, want %s (10 USDC)", surplus, want)
	}
}

func TestTradeSurplusBuyOrder(t *testing.T) {
	t.Parallel()

	// Buy 1000 USDC paying at most 1 WETH; clearing prices only need
	// 0.99 WETH, surplus is 0.01 WETH in the sell token.
	surplus := TradeSurplus(
		domain.SideBuy,
		wei("1000000000"),          // executed: 1000 USDC
		wei("1000000000000000000"), // limit sell: 1 WETH
		wei("1000000000"),          // limit buy: 1000 USDC
		ClearingPrices{
			Sell: wei("1000000000"),
			Buy:  wei("990000000000000000"),
		},
	)
	if surplus == nil {
		t.Fatal("surplus is nil")
	}
	if want := wei("10000000000000000"); surplus.Cmp(want) != 0 {
		t.Errorf("surplus = %s, want %s (0.01 WETH)", surplus, want)
	}
}

func TestTradeSurplusScalesWithPartialFill(t *testing.T) {
	t.Parallel()

	full := TradeSurplus(domain.SideSell, big.NewInt(100), big.NewInt(100), big.NewInt(200), ClearingPrices{Sell: big.NewInt(3), Buy: big.NewInt(1)})
	half := TradeSurplus(domain.SideSell, big.NewInt(50), big.NewInt(100), big.NewInt(200), ClearingPrices{Sell: big.NewInt(3), Buy: big.NewInt(1)})
	if full == nil || half == nil {
		t.Fatal("surplus is nil")
	}
	if full.Int64() != 100 || half.Int64() != 50 {
		t.Errorf("full = %d want 100, half = %d want 50", full.Int64(), half.Int64())
	}
}

func TestTradeSurplusNegativeIsNil(t *testing.T) {
	t.Parallel()

	// Execution worse than the limit: no surplus, not a negative one.
	surplus := TradeSurplus(domain.SideSell, big.NewInt(100), big.NewInt(100), big.NewInt(200), ClearingPrices{Sell: big.NewInt(1), Buy: big.NewInt(1)})
	if surplus != nil {
		t.Errorf("expected nil surplus, got %s", surplus)
	}
}

func TestTradeSurplusZeroPriceIsNil(t *testing.T) {
	t.Parallel()

	if got := TradeSurplus(domain.SideSell, big.NewInt(1), big.NewInt(1), big.NewInt(1), ClearingPrices{Sell: big.NewInt(0), Buy: big.NewInt(1)}); got != nil {
		t.Errorf("expected nil for zero price, got %s", got)
	}
}

func sellExecution() Execution {
	return Execution{
		Side:         domain.SideSell,
		SellAmount:   big.NewInt(100),
		BuyAmount:    big.NewInt(200),
		ExecutedSell: big.NewInt(100),
		ExecutedBuy:  big.NewInt(300),
		Prices:       ClearingPrices{Sell: big.NewInt(3), Buy: big.NewInt(1)},
	}
}

func TestSurplusFee(t *testing.T) {
	t.Parallel()

	// Surplus is 100 (300 received vs 200 limit); factor 0.5 → 50.
	policies := []domain.FeePolicy{{
		Kind:            domain.FeeKindSurplus,
		Factor:          domain.MustFeeFactor(0.5),
		MaxVolumeFactor: domain.MustFeeFactor(0.9),
	}}
	fee, err := ExecutedFee(policies, sellExecution())
	if err != nil {
		t.Fatalf("ExecutedFee: %v", err)
	}
	if fee.Int64() != 50 {
		t.Errorf("fee = %d, want 50", fee.Int64())
	}
}

func TestSurplusFeeVolumeCap(t *testing.T) {
	t.Parallel()

	// Uncapped fee would be 90; the volume cap is 1% of 300 = 3.
	policies := []domain.FeePolicy{{
		Kind:            domain.FeeKindSurplus,
		Factor:          domain.MustFeeFactor(0.9),
		MaxVolumeFactor: domain.MustFeeFactor(0.01),
	}}
	fee, err := ExecutedFee(policies, sellExecution())
	if err != nil {
		t.Fatalf("ExecutedFee: %v", err)
	}
	if fee.Int64() != 3 {
		t.Errorf("fee = %d, want 3 (volume capped)", fee.Int64())
	}
}

func TestVolumeFee(t *testing.T) {
	t.Parallel()

	policies := []domain.FeePolicy{{
		Kind:   domain.FeeKindVolume,
		Factor: domain.MustFeeFactor(0.1),
	}}
	// Sell order: fee from the executed sell amount.
	fee, err := ExecutedFee(policies, sellExecution())
	if err != nil {
		t.Fatalf("ExecutedFee: %v", err)
	}
	if fee.Int64() != 10 {
		t.Errorf("fee = %d, want 10", fee.Int64())
	}
}

func TestPriceImprovementFee(t *testing.T) {
	t.Parallel()

	// Quote promised 250 buy for 100 sell; execution got 300: the
	// improvement over the quote is 50, factor 0.2 → 10.
	policies := []domain.FeePolicy{{
		Kind:            domain.FeeKindPriceImprovement,
		Factor:          domain.MustFeeFactor(0.2),
		MaxVolumeFactor: domain.MustFeeFactor(0.9),
		Quote: &domain.Quote{
			SellAmount: big.NewInt(100),
			BuyAmount:  big.NewInt(250),
		},
	}}
	fee, err := ExecutedFee(policies, sellExecution())
	if err != nil {
		t.Fatalf("ExecutedFee: %v", err)
	}
	if fee.Int64() != 10 {
		t.Errorf("fee = %d, want 10", fee.Int64())
	}
}

func TestPriceImprovementRequiresQuote(t *testing.T) {
	t.Parallel()

	policies := []domain.FeePolicy{{
		Kind:   domain.FeeKindPriceImprovement,
		Factor: domain.MustFeeFactor(0.2),
	}}
	if _, err := ExecutedFee(policies, sellExecution()); err == nil {
		t.Error("expected error without reference quote")
	}
}

func TestPoliciesForOrderClass(t *testing.T) {
	t.Parallel()

	cfg := Config{
		MarketSurplusFactor:    domain.MustFeeFactor(0.5),
		MarketMaxVolumeFactor:  domain.MustFeeFactor(0.01),
		LimitImprovementFactor: domain.MustFeeFactor(0.3),
		LimitMaxVolumeFactor:   domain.MustFeeFactor(0.01),
	}

	market := &domain.Order{Class: domain.ClassMarket}
	if got := PoliciesFor(market, cfg); len(got) != 1 || got[0].Kind != domain.FeeKindSurplus {
		t.Errorf("market order policies = %+v, want one surplus policy", got)
	}

	limit := &domain.Order{Class: domain.ClassLimit, Quote: &domain.Quote{SellAmount: big.NewInt(1), BuyAmount: big.NewInt(1)}}
	if got := PoliciesFor(limit, cfg); len(got) != 1 || got[0].Kind != domain.FeeKindPriceImprovement {
		t.Errorf("limit order policies = %+v, want one price improvement policy", got)
	}

	liquidity := &domain.Order{Class: domain.ClassLiquidity}
	if got := PoliciesFor(liquidity, cfg); len(got) != 0 {
		t.Errorf("liquidity order policies = %+v, want none", got)
	}
}
