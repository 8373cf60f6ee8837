package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LiquidityKind discriminates the liquidity variants solvers consume.
// Solver algorithms switch on the kind; there is no method dispatch.
type LiquidityKind string

const (
	LiquidityConstantProduct       LiquidityKind = "constantproduct"
	LiquidityWeightedPool          LiquidityKind = "weightedpool"
	LiquidityStablePool            LiquidityKind = "stablepool"
	LiquidityConcentratedLiquidity LiquidityKind = "concentrated"
	LiquidityLimitOrder            LiquidityKind = "limitorder"
	LiquidityCoWAMM                LiquidityKind = "cowamm"
)

// Liquidity is a sum type over the on-chain liquidity sources. Exactly one
// of the variant fields is non-nil, matching Kind.
type Liquidity struct {
	Kind    LiquidityKind
	Address common.Address

	ConstantProduct *ConstantProductPool
	WeightedPool    *WeightedPool
	StablePool      *StablePool
	Concentrated    *ConcentratedPool
	LimitOrder      *LimitOrderLiquidity
	CoWAMM          *CoWAMMPool
}

// ConstantProductPool is a Uniswap-v2 style x*y=k pool.
type ConstantProductPool struct {
	Tokens   [2]common.Address
	Reserves [2]*big.Int
	// Fee in parts per million taken on input amounts.
	FeePpm uint32
}

// WeightedPool is a Balancer-style weighted pool.
type WeightedPool struct {
	Tokens   []common.Address
	Reserves []*big.Int
	Weights  []*big.Int
	FeePpm   uint32
}

// StablePool is a Curve-style pool for pegged assets.
type StablePool struct {
	Tokens              []common.Address
	Reserves            []*big.Int
	AmplificationFactor *big.Int
	FeePpm              uint32
}

// ConcentratedPool is a Uniswap-v3 style pool with tick liquidity.
type ConcentratedPool struct {
	Tokens       [2]common.Address
	SqrtPriceX96 *big.Int
	LiquidityNet *big.Int
	Tick         int32
	FeePpm       uint32
}

// LimitOrderLiquidity is a foreign resting order usable as liquidity.
type LimitOrderLiquidity struct {
	Maker      common.Address
	SellToken  common.Address
	BuyToken   common.Address
	SellAmount *big.Int
	BuyAmount  *big.Int
}

// CoWAMMPool is a factory-deployed CoW AMM. Its owner is a
// surplus-capturing JIT order signer.
type CoWAMMPool struct {
	Owner    common.Address
	Tokens   [2]common.Address
	Reserves [2]*big.Int
}
