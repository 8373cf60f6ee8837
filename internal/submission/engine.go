package submission

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/domain"
	"github.com/web3guy0/cowpilot/internal/eth"
)

// Outcome failure modes.
var (
	// ErrCancelled means the deadline passed, the nonce was consumed by
	// a cancellation transaction and the auction must be abandoned.
	ErrCancelled = errors.New("submission cancelled at deadline")
	// ErrReverted means the settlement mined but reverted.
	ErrReverted = errors.New("settlement transaction reverted")
)

// Account is one submitter identity. Its mutex serializes the whole
// allocate-nonce → sign → broadcast → resolve window: a second auction
// cannot use the account until the previous nonce is consumed.
type Account struct {
	key     *ecdsa.PrivateKey
	address common.Address
	mu      sync.Mutex
}

func NewAccount(key *ecdsa.PrivateKey) *Account {
	return &Account{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (a *Account) Address() common.Address {
	return a.address
}

// Engine is the submission state machine. One instance per process.
type Engine struct {
	node       eth.Node
	chainID    *big.Int
	strategies []Strategy

	accountsMu sync.Mutex
	accounts   map[common.Address]*Account

	pollInterval time.Duration
}

func NewEngine(node eth.Node, chainID int64, strategies []Strategy, accounts []*Account) *Engine {
	byAddress := make(map[common.Address]*Account, len(accounts))
	for _, account := range accounts {
		byAddress[account.address] = account
	}
	return &Engine{
		node:         node,
		chainID:      big.NewInt(chainID),
		strategies:   strategies,
		accounts:     byAddress,
		pollInterval: 2 * time.Second,
	}
}

// Account resolves a configured submitter identity.
func (e *Engine) Account(address common.Address) (*Account, bool) {
	e.accountsMu.Lock()
	defer e.accountsMu.Unlock()
	account, ok := e.accounts[address]
	return account, ok
}

// Request is one settlement to submit.
type Request struct {
	AuctionId domain.AuctionId
	Account   *Account
	To        common.Address
	Calldata  []byte
	Deadline  time.Time
}

// Submit drives the request through Preparing → Pending → terminal. It
// returns the settlement receipt on confirmation, ErrCancelled after a
// successful deadline cancellation, or ErrReverted when the settlement
// mined but failed.
func (e *Engine) Submit(ctx context.Context, request *Request) (*types.Receipt, error) {
	account := request.Account
	account.mu.Lock()
	defer account.mu.Unlock()

	// Preparing: allocate the nonce and assemble the EIP-1559 tx.
	nonce, err := e.node.PendingNonceAt(ctx, account.address)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	head, err := e.node.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	baseTip, err := e.node.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("tip: %w", err)
	}
	gasLimit, err := e.node.EstimateGas(ctx, callMsg(account.address, request.To, request.Calldata))
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	// Headroom for state drift between estimation and inclusion.
	gasLimit += gasLimit / 5

	feeCap := e.minStrategyCap()
	maxFee := eth.CapFee(eth.MaxFeePerGas(head.BaseFee, baseTip), feeCap)

	log.Info().
		Int64("auction_id", int64(request.AuctionId)).
		Str("account", account.address.Hex()).
		Uint64("nonce", nonce).
		Str("max_fee", maxFee.String()).
		Msg("submitting settlement")

	receipt, err := e.pending(ctx, request, account, nonce, gasLimit, baseTip, maxFee)
	if err != nil {
		return receipt, err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		log.Error().
			Int64("auction_id", int64(request.AuctionId)).
			Str("tx_hash", receipt.TxHash.Hex()).
			Msg("settlement reverted")
		return receipt, ErrReverted
	}
	log.Info().
		Int64("auction_id", int64(request.AuctionId)).
		Str("tx_hash", receipt.TxHash.Hex()).
		Uint64("block", receipt.BlockNumber.Uint64()).
		Msg("settlement confirmed")
	return receipt, nil
}

// pending fans the signed transaction out over every strategy and waits
// for the first inclusion, cancelling via nonce replacement when the
// deadline passes.
func (e *Engine) pending(
	ctx context.Context,
	request *Request,
	account *Account,
	nonce, gasLimit uint64,
	baseTip, maxFee *big.Int,
) (*types.Receipt, error) {
	strategyCtx, stopStrategies := context.WithCancel(ctx)
	defer stopStrategies()

	hashesCh := make(chan common.Hash, 16)
	var wg sync.WaitGroup
	for _, strategy := range e.strategies {
		wg.Add(1)
		go func(strategy Strategy) {
			defer wg.Done()
			e.runStrategy(strategyCtx, strategy, request, account, nonce, gasLimit, baseTip, maxFee, hashesCh)
		}(strategy)
	}
	defer wg.Wait()

	// Observe all broadcast variants for inclusion; the gas ladder means
	// several distinct transactions may carry the same nonce.
	hashes := make(map[common.Hash]struct{})
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(time.Until(request.Deadline))
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			stopStrategies()
			return nil, ctx.Err()

		case hash := <-hashesCh:
			hashes[hash] = struct{}{}

		case <-ticker.C:
			for hash := range hashes {
				receipt, err := e.node.TransactionReceipt(ctx, hash)
				if err == nil && receipt != nil {
					stopStrategies()
					return receipt, nil
				}
			}

		case <-deadline.C:
			stopStrategies()
			return e.cancel(ctx, request, account, nonce, maxFee, hashes)
		}
	}
}

// runStrategy rebroadcasts over one route, walking its gas ladder: each
// attempt bumps the priority fee by the replacement minimum until the
// route's cap.
func (e *Engine) runStrategy(
	ctx context.Context,
	strategy Strategy,
	request *Request,
	account *Account,
	nonce, gasLimit uint64,
	baseTip, maxFee *big.Int,
	hashesCh chan<- common.Hash,
) {
	tip := new(big.Int).Add(baseTip, strategy.AdditionalTip())
	ticker := time.NewTicker(strategy.RebroadcastInterval())
	defer ticker.Stop()

	for {
		cappedTip := eth.CapFee(tip, strategy.GasPriceCap())
		if cappedTip.Cmp(maxFee) > 0 {
			cappedTip = new(big.Int).Set(maxFee)
		}
		tx, err := e.sign(account, &types.DynamicFeeTx{
			ChainID:   e.chainID,
			Nonce:     nonce,
			To:        &request.To,
			Gas:       gasLimit,
			GasTipCap: cappedTip,
			GasFeeCap: maxFee,
			Data:      request.Calldata,
		})
		if err != nil {
			log.Error().Err(err).Str("strategy", strategy.Name()).Msg("signing failed")
			return
		}
		if err := strategy.Broadcast(ctx, tx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().
				Err(err).
				Int64("auction_id", int64(request.AuctionId)).
				Str("strategy", strategy.Name()).
				Msg("broadcast failed")
		} else {
			select {
			case hashesCh <- tx.Hash():
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tip = eth.ReplacementFee(tip)
		}
	}
}

// cancel consumes the nonce with an empty self-transfer at a bumped fee.
// Funds safety requires the nonce to be explicitly spent rather than the
// task silently dropped.
func (e *Engine) cancel(
	ctx context.Context,
	request *Request,
	account *Account,
	nonce uint64,
	lastFee *big.Int,
	settlementHashes map[common.Hash]struct{},
) (*types.Receipt, error) {
	fee := eth.ReplacementFee(lastFee)
	tx, err := e.sign(account, &types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		To:        &account.address,
		Gas:       21000,
		GasTipCap: fee,
		GasFeeCap: fee,
		Value:     big.NewInt(0),
	})
	if err != nil {
		return nil, fmt.Errorf("sign cancellation: %w", err)
	}
	log.Warn().
		Int64("auction_id", int64(request.AuctionId)).
		Uint64("nonce", nonce).
		Str("tx_hash", tx.Hash().Hex()).
		Msg("deadline reached, broadcasting cancellation")

	if err := e.node.SendTransaction(ctx, tx); err != nil && !knownError(err) {
		return nil, fmt.Errorf("broadcast cancellation: %w", err)
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if receipt, err := e.node.TransactionReceipt(ctx, tx.Hash()); err == nil && receipt != nil {
				return receipt, ErrCancelled
			}
			// The settlement may still win the race against the
			// cancellation; whichever variant consumed the nonce
			// resolves the auction.
			for hash := range settlementHashes {
				if receipt, err := e.node.TransactionReceipt(ctx, hash); err == nil && receipt != nil {
					return receipt, nil
				}
			}
		}
	}
}

func callMsg(from, to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Data: data}
}

func (e *Engine) sign(account *Account, tx *types.DynamicFeeTx) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(e.chainID)
	return types.SignTx(types.NewTx(tx), signer, account.key)
}

func (e *Engine) minStrategyCap() *big.Int {
	var minCap *big.Int
	for _, strategy := range e.strategies {
		cap := strategy.GasPriceCap()
		if cap == nil {
			continue
		}
		if minCap == nil || cap.Cmp(minCap) < 0 {
			minCap = cap
		}
	}
	return minCap
}
