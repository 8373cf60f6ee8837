package competition

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/web3guy0/cowpilot/internal/domain"
)

var (
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	dai  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
)

func uidN(n byte) domain.OrderUid {
	var uid domain.OrderUid
	uid[55] = n
	return uid
}

func testAuction() *domain.Auction {
	return &domain.Auction{
		Id:       7,
		Block:    100,
		Deadline: time.Now().Add(10 * time.Second),
		Orders: []domain.Order{{
			Uid:               uidN(1),
			SellToken:         weth,
			BuyToken:          usdc,
			SellAmount:        big.NewInt(1000),
			BuyAmount:         big.NewInt(2000),
			Side:              domain.SideSell,
			PartiallyFillable: false,
		}},
		Prices: domain.Prices{
			weth: new(big.Int).Mul(big.NewInt(1), domain.NativeWei),
			usdc: big.NewInt(500000000000000),
		},
	}
}

func validSolution(solver string) domain.Solution {
	return domain.Solution{
		Id:     1,
		Solver: solver,
		Trades: []domain.TradedAmounts{{
			Uid:          uidN(1),
			Side:         domain.SideSell,
			ExecutedSell: big.NewInt(1000),
			ExecutedBuy:  big.NewInt(2500),
		}},
		ClearingPrices: map[common.Address]*big.Int{
			weth: big.NewInt(25),
			usdc: big.NewInt(10),
		},
		Score: map[common.Address]*big.Int{
			usdc: big.NewInt(500),
		},
	}
}

func TestValidateAcceptsGoodSolution(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil)
	solution := validSolution("alpha")
	if err := engine.Validate(testAuction(), &solution); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil)
	tests := []struct {
		name   string
		mutate func(*domain.Solution)
		want   error
	}{
		{
			"unknown order",
			func(s *domain.Solution) { s.Trades[0].Uid = uidN(9) },
			ErrUnknownOrder,
		},
		{
			"zero executed sell",
			func(s *domain.Solution) { s.Trades[0].ExecutedSell = big.NewInt(0) },
			ErrZeroExecuted,
		},
		{
			"fill or kill partially executed",
			func(s *domain.Solution) {
				s.Trades[0].ExecutedSell = big.NewInt(500)
				s.Trades[0].ExecutedBuy = big.NewInt(1250)
			},
			ErrPartialFillOrKill,
		},
		{
			"missing clearing price",
			func(s *domain.Solution) { delete(s.ClearingPrices, usdc) },
			ErrMissingPrice,
		},
		{
			"worse than limit",
			func(s *domain.Solution) { s.Trades[0].ExecutedBuy = big.NewInt(1999) },
			ErrLimitViolated,
		},
		{
			"no trades",
			func(s *domain.Solution) { s.Trades = nil },
			ErrNoTrades,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			solution := validSolution("alpha")
			tc.mutate(&solution)
			err := engine.Validate(testAuction(), &solution)
			if !errors.Is(err, tc.want) {
				t.Errorf("Validate error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestValidatePartialFillWithinRemaining(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil)
	auction := testAuction()
	auction.Orders[0].PartiallyFillable = true

	solution := validSolution("alpha")
	solution.Trades[0].ExecutedSell = big.NewInt(500)
	solution.Trades[0].ExecutedBuy = big.NewInt(1300)
	if err := engine.Validate(auction, &solution); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	solution.Trades[0].ExecutedSell = big.NewInt(1500)
	solution.Trades[0].ExecutedBuy = big.NewInt(3900)
	if err := engine.Validate(auction, &solution); !errors.Is(err, ErrAmountExceedsLimit) {
		t.Errorf("Validate error = %v, want %v", err, ErrAmountExceedsLimit)
	}
}

func TestValidateInteractionSandbox(t *testing.T) {
	t.Parallel()

	foreign := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	engine := NewEngine([]common.Address{dai})

	solution := validSolution("alpha")
	solution.Interactions = []domain.Interaction{{Target: foreign, Value: big.NewInt(0)}}
	if err := engine.Validate(testAuction(), &solution); !errors.Is(err, ErrForeignInteraction) {
		t.Errorf("Validate error = %v, want %v", err, ErrForeignInteraction)
	}

	// Trusted target passes only when internalized.
	solution.Interactions = []domain.Interaction{{Target: dai, Value: big.NewInt(0)}}
	if err := engine.Validate(testAuction(), &solution); !errors.Is(err, ErrForeignInteraction) {
		t.Errorf("non-internalized trusted interaction: error = %v, want %v", err, ErrForeignInteraction)
	}
	solution.Internalize = true
	if err := engine.Validate(testAuction(), &solution); err != nil {
		t.Errorf("internalized trusted interaction rejected: %v", err)
	}

	// Auction-traded tokens are always authorized.
	solution.Internalize = false
	solution.Interactions = []domain.Interaction{{Target: weth, Value: big.NewInt(0)}}
	if err := engine.Validate(testAuction(), &solution); err != nil {
		t.Errorf("auction token interaction rejected: %v", err)
	}
}

func TestNormalizedScore(t *testing.T) {
	t.Parallel()

	prices := domain.Prices{
		usdc: big.NewInt(500000000000000), // 5e14: one USDC atom worth 5e14/1e18 wei
	}
	score, err := NormalizedScore(prices, map[common.Address]*big.Int{usdc: big.NewInt(2000)})
	if err != nil {
		t.Fatalf("NormalizedScore: %v", err)
	}
	// 2000 * 5e14 = 1e18, / 1e18 = 1 wei.
	if score.Int64() != 1 {
		t.Errorf("score = %s, want 1", score)
	}
}

func TestNormalizedScoreMissingPrice(t *testing.T) {
	t.Parallel()

	_, err := NormalizedScore(domain.Prices{}, map[common.Address]*big.Int{usdc: big.NewInt(1)})
	if !errors.Is(err, ErrUnscorable) {
		t.Errorf("error = %v, want %v", err, ErrUnscorable)
	}
}

func TestRankPicksHighestScore(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil)
	low := validSolution("alpha")
	high := validSolution("beta")
	high.Score = map[common.Address]*big.Int{usdc: big.NewInt(100000)}

	result := engine.Rank(testAuction(), []domain.Solution{low, high})
	if result.Winner == nil {
		t.Fatal("no winner")
	}
	if result.Winner.Solution.Solver != "beta" {
		t.Errorf("winner = %s, want beta", result.Winner.Solution.Solver)
	}
	if len(result.RunnersUp) != 1 || result.RunnersUp[0].Solution.Solver != "alpha" {
		t.Errorf("runners up = %+v, want alpha", result.RunnersUp)
	}
}

func TestRankTieBreaksLexicographically(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil)
	// Identical scores: the lexicographically smaller name wins,
	// regardless of pool order.
	first := validSolution("zulu")
	second := validSolution("alpha")

	result := engine.Rank(testAuction(), []domain.Solution{first, second})
	if result.Winner == nil {
		t.Fatal("no winner")
	}
	if result.Winner.Solution.Solver != "alpha" {
		t.Errorf("winner = %s, want alpha", result.Winner.Solution.Solver)
	}
	if len(result.RunnersUp) != 1 || result.RunnersUp[0].Solution.Solver != "zulu" {
		t.Errorf("runner up = %+v, want zulu", result.RunnersUp)
	}
}

func TestRankRecordsRejections(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil)
	bad := validSolution("gamma")
	bad.Trades[0].ExecutedBuy = big.NewInt(1) // below limit

	result := engine.Rank(testAuction(), []domain.Solution{bad})
	if result.Winner != nil {
		t.Fatal("expected no winner")
	}
	if len(result.Rejected["gamma"]) != 1 {
		t.Errorf("rejections = %+v, want one for gamma", result.Rejected)
	}
}
