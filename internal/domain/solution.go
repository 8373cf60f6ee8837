package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SolutionId is assigned by the proposing driver and is only meaningful
// together with the driver's name.
type SolutionId uint64

// TradedAmounts is one executed fill inside a solution.
type TradedAmounts struct {
	Uid          OrderUid
	Side         Side
	ExecutedSell *big.Int
	ExecutedBuy  *big.Int
}

// Solution is a candidate settlement proposed by a solver. Beyond the
// declared trades, clearing prices and score it is opaque; its calldata is
// only revealed to the winner.
type Solution struct {
	Id        SolutionId
	AuctionId AuctionId
	Solver    string
	Account   common.Address

	Trades         []TradedAmounts
	ClearingPrices map[common.Address]*big.Int
	Interactions   []Interaction

	// Score is the solver-declared surplus per token. Competition
	// normalizes it to native wei before ranking.
	Score map[common.Address]*big.Int

	// Internalize marks interactions replaced by settlement-contract
	// internal buffers. Only allowed against trusted tokens.
	Internalize bool
}

// Settlement is the on-chain representation of an executed solution,
// recovered from transaction calldata.
type Settlement struct {
	Tokens         []common.Address
	ClearingPrices []*big.Int
	Trades         []SettlementTrade
	Interactions   [3][]Interaction
}

// SettlementTrade is one trade tuple of a settle() call. Token references
// are indices into the settlement token list.
type SettlementTrade struct {
	SellTokenIndex int
	BuyTokenIndex  int
	Receiver       common.Address
	SellAmount     *big.Int
	BuyAmount      *big.Int
	ValidTo        uint32
	AppData        common.Hash
	FeeAmount      *big.Int
	Flags          TradeFlags
	Executed       *big.Int
	Signature      []byte
}

// TradeFlags is the packed flags word of a settlement trade.
type TradeFlags struct {
	Side              Side
	PartiallyFillable bool
	SellTokenSource   SellTokenSource
	BuyTokenDest      BuyTokenDestination
	SigningScheme     SigningScheme
}
