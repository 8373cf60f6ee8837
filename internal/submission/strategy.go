// Package submission drives winning settlements on-chain: one nonce per
// submitter account, parallel transport strategies with independent gas
// ladders, and an explicit cancellation transaction when the deadline
// passes without inclusion.
package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-resty/resty/v2"

	"github.com/web3guy0/cowpilot/internal/eth"
)

// Strategy is one transport route for a signed transaction. Strategies
// only broadcast; inclusion is observed by the engine through receipts.
type Strategy interface {
	Name() string
	// Broadcast pushes the signed transaction out once. "Already known"
	// answers are not errors: the transaction is in flight.
	Broadcast(ctx context.Context, tx *types.Transaction) error
	// GasPriceCap bounds the fee this route will ever pay.
	GasPriceCap() *big.Int
	// AdditionalTip is added on top of the base priority fee for this
	// route (e.g. to pay a private relay for inclusion).
	AdditionalTip() *big.Int
	// RebroadcastInterval is the cadence at which the engine re-sends
	// over this route with an escalated tip.
	RebroadcastInterval() time.Duration
}

// knownError reports whether a broadcast failure means the node already
// has the transaction, which counts as success.
func knownError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "alreadyknown")
}

// PublicMempool broadcasts through the regular RPC node.
type PublicMempool struct {
	node     eth.Node
	cap      *big.Int
	interval time.Duration
}

func NewPublicMempool(node eth.Node, gasPriceCap *big.Int, interval time.Duration) *PublicMempool {
	return &PublicMempool{node: node, cap: gasPriceCap, interval: interval}
}

func (s *PublicMempool) Name() string { return "public-mempool" }

func (s *PublicMempool) Broadcast(ctx context.Context, tx *types.Transaction) error {
	err := s.node.SendTransaction(ctx, tx)
	if knownError(err) {
		return nil
	}
	return err
}

func (s *PublicMempool) GasPriceCap() *big.Int             { return s.cap }
func (s *PublicMempool) AdditionalTip() *big.Int           { return big.NewInt(0) }
func (s *PublicMempool) RebroadcastInterval() time.Duration { return s.interval }

// PrivateRelay submits via eth_sendPrivateTransaction to an MEV
// protected endpoint, paying an extra tip for the service.
type PrivateRelay struct {
	name     string
	http     *resty.Client
	cap      *big.Int
	tip      *big.Int
	interval time.Duration
}

func NewPrivateRelay(name, url string, gasPriceCap, additionalTip *big.Int, interval time.Duration) *PrivateRelay {
	return &PrivateRelay{
		name:     name,
		http:     resty.New().SetBaseURL(url).SetHeader("Content-Type", "application/json"),
		cap:      gasPriceCap,
		tip:      additionalTip,
		interval: interval,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Id      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *PrivateRelay) Name() string { return s.name }

func (s *PrivateRelay) Broadcast(ctx context.Context, tx *types.Transaction) error {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	request := rpcRequest{
		JSONRPC: "2.0",
		Id:      1,
		Method:  "eth_sendPrivateTransaction",
		Params:  []any{map[string]string{"tx": hexutil.Encode(raw)}},
	}
	var response rpcResponse
	resp, err := s.http.R().SetContext(ctx).SetBody(request).SetResult(&response).Post("")
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("relay status %d: %s", resp.StatusCode(), resp.String())
	}
	if response.Error != nil {
		err := fmt.Errorf("relay error %d: %s", response.Error.Code, response.Error.Message)
		if knownError(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *PrivateRelay) GasPriceCap() *big.Int             { return s.cap }
func (s *PrivateRelay) AdditionalTip() *big.Int           { return s.tip }
func (s *PrivateRelay) RebroadcastInterval() time.Duration { return s.interval }

// BundleRelay submits the transaction as a single-transaction bundle
// targeted at the next block (flashbots style).
type BundleRelay struct {
	name     string
	http     *resty.Client
	node     eth.Node
	cap      *big.Int
	tip      *big.Int
	interval time.Duration
}

func NewBundleRelay(name, url string, node eth.Node, gasPriceCap, additionalTip *big.Int, interval time.Duration) *BundleRelay {
	return &BundleRelay{
		name:     name,
		http:     resty.New().SetBaseURL(url).SetHeader("Content-Type", "application/json"),
		node:     node,
		cap:      gasPriceCap,
		tip:      additionalTip,
		interval: interval,
	}
}

func (s *BundleRelay) Name() string { return s.name }

func (s *BundleRelay) Broadcast(ctx context.Context, tx *types.Transaction) error {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	head, err := s.node.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("current block: %w", err)
	}
	target := new(big.Int).Add(head.Number, big.NewInt(1))
	request := rpcRequest{
		JSONRPC: "2.0",
		Id:      1,
		Method:  "eth_sendBundle",
		Params: []any{map[string]any{
			"txs":         []string{hexutil.Encode(raw)},
			"blockNumber": hexutil.EncodeBig(target),
		}},
	}
	var response rpcResponse
	resp, err := s.http.R().SetContext(ctx).SetBody(request).SetResult(&response).Post("")
	if err != nil {
		return fmt.Errorf("bundle request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("bundle status %d: %s", resp.StatusCode(), resp.String())
	}
	if response.Error != nil {
		err := fmt.Errorf("bundle error %d: %s", response.Error.Code, response.Error.Message)
		if knownError(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *BundleRelay) GasPriceCap() *big.Int             { return s.cap }
func (s *BundleRelay) AdditionalTip() *big.Int           { return s.tip }
func (s *BundleRelay) RebroadcastInterval() time.Duration { return s.interval }
