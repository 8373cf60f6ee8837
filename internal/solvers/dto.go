package solvers

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// Wire types of the driver protocol. Amounts travel as decimal strings.

type solveRequest struct {
	AuctionId int64             `json:"auctionId"`
	Block     uint64            `json:"block"`
	Orders    []wireOrder       `json:"orders"`
	Prices    map[string]string `json:"prices"`
	Deadline  time.Time         `json:"deadline"`

	SurplusCapturingJitOrderOwners []string `json:"surplusCapturingJitOrderOwners,omitempty"`
}

type wireOrder struct {
	Uid               string `json:"uid"`
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           uint32 `json:"validTo"`
	Kind              string `json:"kind"`
	Class             string `json:"class"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	Executed          string `json:"executed"`

	FeePolicies []wireFeePolicy `json:"feePolicies,omitempty"`
}

type wireFeePolicy struct {
	Kind            string `json:"kind"`
	Factor          string `json:"factor"`
	MaxVolumeFactor string `json:"maxVolumeFactor,omitempty"`
}

type solveResponse struct {
	Solutions []wireSolution `json:"solutions"`
}

type wireSolution struct {
	SolutionId        uint64                      `json:"solutionId"`
	Score             map[string]string           `json:"score"`
	SubmissionAddress string                      `json:"submissionAddress"`
	Orders            map[string]wireTradedAmounts `json:"orders"`
	ClearingPrices    map[string]string           `json:"clearingPrices"`
	Interactions      []wireInteraction           `json:"interactions,omitempty"`
	Internalize       bool                        `json:"internalize,omitempty"`
}

type wireInteraction struct {
	Target   string `json:"target"`
	Value    string `json:"value"`
	CallData string `json:"callData"`
}

type wireTradedAmounts struct {
	Side         string `json:"side"`
	ExecutedSell string `json:"executedSellAmount"`
	ExecutedBuy  string `json:"executedBuyAmount"`
}

type revealRequest struct {
	SolutionId uint64 `json:"solutionId"`
	AuctionId  int64  `json:"auctionId"`
}

type revealResponse struct {
	Calldata string `json:"calldata"`
}

type settleRequest struct {
	SolutionId uint64 `json:"solutionId"`
	AuctionId  int64  `json:"auctionId"`
}

type settleResponse struct {
	Calldata string `json:"calldata,omitempty"`
	TxHash   string `json:"txHash,omitempty"`
}

type errorResponse struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

func auctionToWire(auction *domain.Auction) solveRequest {
	orders := make([]wireOrder, len(auction.Orders))
	for i := range auction.Orders {
		order := &auction.Orders[i]
		w := wireOrder{
			Uid:               order.Uid.String(),
			SellToken:         order.SellToken.Hex(),
			BuyToken:          order.BuyToken.Hex(),
			SellAmount:        order.SellAmount.String(),
			BuyAmount:         order.BuyAmount.String(),
			ValidTo:           order.ValidTo,
			Kind:              string(order.Side),
			Class:             string(order.Class),
			PartiallyFillable: order.PartiallyFillable,
			Executed:          order.RemainingAmount().String(),
		}
		for _, policy := range order.FeePolicies {
			w.FeePolicies = append(w.FeePolicies, wireFeePolicy{
				Kind:            string(policy.Kind),
				Factor:          policy.Factor.Decimal().String(),
				MaxVolumeFactor: policy.MaxVolumeFactor.Decimal().String(),
			})
		}
		orders[i] = w
	}
	prices := make(map[string]string, len(auction.Prices))
	for token, price := range auction.Prices {
		prices[token.Hex()] = price.String()
	}
	owners := make([]string, len(auction.SurplusCapturingJitOwners))
	for i, owner := range auction.SurplusCapturingJitOwners {
		owners[i] = owner.Hex()
	}
	return solveRequest{
		AuctionId:                      int64(auction.Id),
		Block:                          auction.Block,
		Orders:                         orders,
		Prices:                         prices,
		Deadline:                       auction.Deadline,
		SurplusCapturingJitOrderOwners: owners,
	}
}

func wireToSolution(w *wireSolution, auctionID domain.AuctionId, solver string) (*domain.Solution, error) {
	solution := &domain.Solution{
		Id:             domain.SolutionId(w.SolutionId),
		AuctionId:      auctionID,
		Solver:         solver,
		Account:        common.HexToAddress(w.SubmissionAddress),
		ClearingPrices: make(map[common.Address]*big.Int, len(w.ClearingPrices)),
		Score:          make(map[common.Address]*big.Int, len(w.Score)),
		Internalize:    w.Internalize,
	}
	for token, value := range w.ClearingPrices {
		price, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("malformed clearing price %q for %s", value, token)
		}
		solution.ClearingPrices[common.HexToAddress(token)] = price
	}
	for token, value := range w.Score {
		amount, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("malformed score %q for %s", value, token)
		}
		solution.Score[common.HexToAddress(token)] = amount
	}
	for _, interaction := range w.Interactions {
		value := big.NewInt(0)
		if interaction.Value != "" {
			parsed, ok := new(big.Int).SetString(interaction.Value, 10)
			if !ok {
				return nil, fmt.Errorf("malformed interaction value %q", interaction.Value)
			}
			value = parsed
		}
		solution.Interactions = append(solution.Interactions, domain.Interaction{
			Target:   common.HexToAddress(interaction.Target),
			Value:    value,
			CallData: common.FromHex(interaction.CallData),
		})
	}
	for uidHex, amounts := range w.Orders {
		uid, err := domain.OrderUidFromHex(uidHex)
		if err != nil {
			return nil, fmt.Errorf("trade uid: %w", err)
		}
		executedSell, ok := new(big.Int).SetString(amounts.ExecutedSell, 10)
		if !ok {
			return nil, fmt.Errorf("malformed executed sell %q", amounts.ExecutedSell)
		}
		executedBuy, ok := new(big.Int).SetString(amounts.ExecutedBuy, 10)
		if !ok {
			return nil, fmt.Errorf("malformed executed buy %q", amounts.ExecutedBuy)
		}
		solution.Trades = append(solution.Trades, domain.TradedAmounts{
			Uid:          uid,
			Side:         domain.Side(amounts.Side),
			ExecutedSell: executedSell,
			ExecutedBuy:  executedBuy,
		})
	}
	return solution, nil
}
