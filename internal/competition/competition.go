// Package competition validates solver solutions against the auction and
// picks the winner by normalized score. Nothing a solver returned may
// reach the submission engine without passing through here.
package competition

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// Validation failure reasons, recorded per solver for reputation.
var (
	ErrUnknownOrder       = errors.New("trade references order outside the auction")
	ErrZeroExecuted       = errors.New("trade executes zero amount")
	ErrAmountExceedsLimit = errors.New("executed amount exceeds remaining amount")
	ErrPartialFillOrKill  = errors.New("fill-or-kill order partially executed")
	ErrMissingPrice       = errors.New("clearing prices do not cover a traded token")
	ErrLimitViolated      = errors.New("execution worse than the order limit price")
	ErrUnscorable         = errors.New("score references token without native price")
	ErrForeignInteraction = errors.New("interaction touches unauthorized target")
	ErrNoTrades           = errors.New("solution contains no trades")
)

// Engine ranks solutions. The trusted set bounds what internalized
// interactions may touch.
type Engine struct {
	trusted map[common.Address]struct{}
}

func NewEngine(trustedTokens []common.Address) *Engine {
	trusted := make(map[common.Address]struct{}, len(trustedTokens))
	for _, token := range trustedTokens {
		trusted[token] = struct{}{}
	}
	return &Engine{trusted: trusted}
}

// Ranked is a solution that survived validation, with its normalized
// score.
type Ranked struct {
	Solution   *domain.Solution
	Normalized *big.Int
}

// Result is the outcome of one competition round.
type Result struct {
	Winner    *Ranked
	RunnersUp []Ranked

	// Rejected maps solver name to the validation errors its solutions
	// hit, for reputation accounting.
	Rejected map[string][]error
}

// Rank validates every pooled solution, normalizes scores to native wei
// and orders by score descending with a deterministic tiebreak on solver
// name. Returns nil winner when nothing survives.
func (e *Engine) Rank(auction *domain.Auction, solutions []domain.Solution) *Result {
	result := &Result{Rejected: make(map[string][]error)}

	var ranked []Ranked
	for i := range solutions {
		solution := &solutions[i]
		if err := e.Validate(auction, solution); err != nil {
			log.Info().
				Err(err).
				Int64("auction_id", int64(auction.Id)).
				Str("solver", solution.Solver).
				Uint64("solution_id", uint64(solution.Id)).
				Msg("solution rejected")
			result.Rejected[solution.Solver] = append(result.Rejected[solution.Solver], err)
			continue
		}
		normalized, err := NormalizedScore(auction.Prices, solution.Score)
		if err != nil {
			log.Info().
				Err(err).
				Int64("auction_id", int64(auction.Id)).
				Str("solver", solution.Solver).
				Msg("solution unscorable")
			result.Rejected[solution.Solver] = append(result.Rejected[solution.Solver], err)
			continue
		}
		ranked = append(ranked, Ranked{Solution: solution, Normalized: normalized})
	}
	if len(ranked) == 0 {
		return result
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		cmp := ranked[i].Normalized.Cmp(ranked[j].Normalized)
		if cmp != 0 {
			return cmp > 0
		}
		return ranked[i].Solution.Solver < ranked[j].Solution.Solver
	})
	result.Winner = &ranked[0]
	result.RunnersUp = ranked[1:]
	return result
}

// Validate checks a solution syntactically against the auction.
func (e *Engine) Validate(auction *domain.Auction, solution *domain.Solution) error {
	if len(solution.Trades) == 0 {
		return ErrNoTrades
	}
	for _, trade := range solution.Trades {
		order := auction.Order(trade.Uid)
		if order == nil {
			return fmt.Errorf("%w: %s", ErrUnknownOrder, trade.Uid)
		}
		if trade.ExecutedSell == nil || trade.ExecutedSell.Sign() == 0 {
			return fmt.Errorf("%w: %s", ErrZeroExecuted, trade.Uid)
		}
		if trade.ExecutedBuy == nil || trade.ExecutedBuy.Sign() == 0 {
			return fmt.Errorf("%w: %s", ErrZeroExecuted, trade.Uid)
		}

		executed := trade.ExecutedSell
		if order.Side == domain.SideBuy {
			executed = trade.ExecutedBuy
		}
		remaining := order.RemainingAmount()
		if order.PartiallyFillable {
			if executed.Cmp(remaining) > 0 {
				return fmt.Errorf("%w: %s executes %s of %s", ErrAmountExceedsLimit, trade.Uid, executed, remaining)
			}
		} else if executed.Cmp(remaining) != 0 {
			return fmt.Errorf("%w: %s executes %s of %s", ErrPartialFillOrKill, trade.Uid, executed, remaining)
		}

		for _, token := range []common.Address{order.SellToken, order.BuyToken} {
			if _, ok := solution.ClearingPrices[token]; !ok {
				return fmt.Errorf("%w: %s", ErrMissingPrice, token.Hex())
			}
		}

		// The executed exchange rate must be at least as good as the
		// limit price: executedBuy/executedSell >= buyAmount/sellAmount,
		// compared exactly by cross multiplication.
		lhs := new(big.Int).Mul(trade.ExecutedBuy, order.SellAmount)
		rhs := new(big.Int).Mul(order.BuyAmount, trade.ExecutedSell)
		if lhs.Cmp(rhs) < 0 {
			return fmt.Errorf("%w: %s", ErrLimitViolated, trade.Uid)
		}
	}

	return e.validateInteractions(auction, solution)
}

// validateInteractions enforces the solver sandbox: interactions may only
// touch the auction's traded tokens, unless the solution internalizes
// against trusted tokens.
func (e *Engine) validateInteractions(auction *domain.Auction, solution *domain.Solution) error {
	if len(solution.Interactions) == 0 {
		return nil
	}
	authorized := make(map[common.Address]struct{})
	for _, token := range auction.Tokens() {
		authorized[token] = struct{}{}
	}
	for _, interaction := range solution.Interactions {
		if _, ok := authorized[interaction.Target]; ok {
			continue
		}
		if solution.Internalize {
			if _, trusted := e.trusted[interaction.Target]; trusted {
				continue
			}
		}
		return fmt.Errorf("%w: %s", ErrForeignInteraction, interaction.Target.Hex())
	}
	return nil
}

// NormalizedScore converts a per-token surplus declaration into a single
// native-wei value: sum over tokens of surplus * price / 1e18. Raw
// surplus, not netted against gas.
func NormalizedScore(prices domain.Prices, score map[common.Address]*big.Int) (*big.Int, error) {
	total := big.NewInt(0)
	for token, surplus := range score {
		price, ok := prices[token]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnscorable, token.Hex())
		}
		value := new(big.Int).Mul(surplus, price)
		value.Div(value, domain.NativeWei)
		total.Add(total, value)
	}
	return total, nil
}
