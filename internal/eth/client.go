// Package eth is the thin contract between the coordinator and the chain:
// block subscription, log range fetch, read-only calls, balance reads and
// raw transaction submission. Everything else in the system consumes the
// Node interface and never touches RPC transports directly.
package eth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
)

// Node is the read/write chain surface the coordinator needs. All read
// calls accept a block number; nil means latest.
type Node interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	CallWithOverrides(ctx context.Context, msg ethereum.CallMsg, block *big.Int, overrides map[common.Address]gethclient.OverrideAccount) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// Client implements Node over a JSON-RPC endpoint.
type Client struct {
	eth  *ethclient.Client
	geth *gethclient.Client
	rpc  *rpc.Client
}

// Dial connects to the RPC endpoint and verifies the chain id matches the
// configured one. A mismatch is a startup invariant violation.
func Dial(ctx context.Context, url string, wantChainID int64) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		eth:  ethclient.NewClient(rpcClient),
		geth: gethclient.New(rpcClient),
		rpc:  rpcClient,
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if chainID.Int64() != wantChainID {
		return nil, fmt.Errorf("connected to chain %d, configured for %d", chainID.Int64(), wantChainID)
	}
	log.Info().Int64("chain_id", wantChainID).Str("url", url).Msg("chain client connected")
	return c, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, number)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.eth.FilterLogs(ctx, q)
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return c.eth.CallContract(ctx, msg, block)
}

func (c *Client) CallWithOverrides(ctx context.Context, msg ethereum.CallMsg, block *big.Int, overrides map[common.Address]gethclient.OverrideAccount) ([]byte, error) {
	if len(overrides) == 0 {
		return c.eth.CallContract(ctx, msg, block)
	}
	return c.geth.CallContract(ctx, msg, block, &overrides)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.eth.SendTransaction(ctx, tx)
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, txHash)
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.eth.EstimateGas(ctx, msg)
}

func (c *Client) NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error) {
	return c.eth.NonceAt(ctx, account, block)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, account)
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasTipCap(ctx)
}

func (c *Client) Close() {
	c.rpc.Close()
}
