package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// Chain events the indexer consumes. Every record carries its log
// position so the store can key and range-replace on (block, log index).

type TradeEvent struct {
	BlockNumber uint64
	LogIndex    uint64
	TxHash      common.Hash
	Owner       common.Address
	SellToken   common.Address
	BuyToken    common.Address
	SellAmount  *big.Int
	BuyAmount   *big.Int
	FeeAmount   *big.Int
	OrderUid    domain.OrderUid
}

type SettlementEvent struct {
	BlockNumber uint64
	LogIndex    uint64
	TxHash      common.Hash
	Solver      common.Address
}

type PreSignatureEvent struct {
	BlockNumber uint64
	LogIndex    uint64
	TxHash      common.Hash
	Owner       common.Address
	OrderUid    domain.OrderUid
	Signed      bool
}

type OrderInvalidatedEvent struct {
	BlockNumber uint64
	LogIndex    uint64
	TxHash      common.Hash
	Owner       common.Address
	OrderUid    domain.OrderUid
}

type AmmDeployedEvent struct {
	BlockNumber uint64
	LogIndex    uint64
	TxHash      common.Hash
	Amm         common.Address
	Token0      common.Address
	Token1      common.Address
}

// ParseLog translates a raw log into one of the event records above.
// Logs with unknown topics return (nil, nil) and are skipped by the
// indexer; malformed payloads return an error.
func (s *Settlement) ParseLog(lg types.Log) (any, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}
	switch lg.Topics[0] {
	case s.TradeTopic():
		return s.parseTrade(lg)
	case s.SettlementTopic():
		return s.parseSettlement(lg)
	case s.PreSignatureTopic():
		return s.parsePreSignature(lg)
	case s.OrderInvalidatedTopic():
		return s.parseOrderInvalidated(lg)
	case s.DeployedTopic():
		return s.parseDeployed(lg)
	default:
		return nil, nil
	}
}

func indexedAddress(lg types.Log, position int) (common.Address, error) {
	if len(lg.Topics) <= position {
		return common.Address{}, fmt.Errorf("log is missing indexed topic %d", position)
	}
	return common.BytesToAddress(lg.Topics[position].Bytes()), nil
}

func (s *Settlement) parseTrade(lg types.Log) (*TradeEvent, error) {
	owner, err := indexedAddress(lg, 1)
	if err != nil {
		return nil, err
	}
	var data struct {
		SellToken  common.Address
		BuyToken   common.Address
		SellAmount *big.Int
		BuyAmount  *big.Int
		FeeAmount  *big.Int
		OrderUid   []byte
	}
	if err := s.abi.UnpackIntoInterface(&data, "Trade", lg.Data); err != nil {
		return nil, fmt.Errorf("unpack Trade event: %w", err)
	}
	uid, err := domain.OrderUidFromBytes(data.OrderUid)
	if err != nil {
		return nil, fmt.Errorf("Trade event: %w", err)
	}
	return &TradeEvent{
		BlockNumber: lg.BlockNumber,
		LogIndex:    uint64(lg.Index),
		TxHash:      lg.TxHash,
		Owner:       owner,
		SellToken:   data.SellToken,
		BuyToken:    data.BuyToken,
		SellAmount:  data.SellAmount,
		BuyAmount:   data.BuyAmount,
		FeeAmount:   data.FeeAmount,
		OrderUid:    uid,
	}, nil
}

func (s *Settlement) parseSettlement(lg types.Log) (*SettlementEvent, error) {
	solver, err := indexedAddress(lg, 1)
	if err != nil {
		return nil, err
	}
	return &SettlementEvent{
		BlockNumber: lg.BlockNumber,
		LogIndex:    uint64(lg.Index),
		TxHash:      lg.TxHash,
		Solver:      solver,
	}, nil
}

func (s *Settlement) parsePreSignature(lg types.Log) (*PreSignatureEvent, error) {
	owner, err := indexedAddress(lg, 1)
	if err != nil {
		return nil, err
	}
	var data struct {
		OrderUid []byte
		Signed   bool
	}
	if err := s.abi.UnpackIntoInterface(&data, "PreSignature", lg.Data); err != nil {
		return nil, fmt.Errorf("unpack PreSignature event: %w", err)
	}
	uid, err := domain.OrderUidFromBytes(data.OrderUid)
	if err != nil {
		return nil, fmt.Errorf("PreSignature event: %w", err)
	}
	return &PreSignatureEvent{
		BlockNumber: lg.BlockNumber,
		LogIndex:    uint64(lg.Index),
		TxHash:      lg.TxHash,
		Owner:       owner,
		OrderUid:    uid,
		Signed:      data.Signed,
	}, nil
}

func (s *Settlement) parseOrderInvalidated(lg types.Log) (*OrderInvalidatedEvent, error) {
	owner, err := indexedAddress(lg, 1)
	if err != nil {
		return nil, err
	}
	var data struct {
		OrderUid []byte
	}
	if err := s.abi.UnpackIntoInterface(&data, "OrderInvalidated", lg.Data); err != nil {
		return nil, fmt.Errorf("unpack OrderInvalidated event: %w", err)
	}
	uid, err := domain.OrderUidFromBytes(data.OrderUid)
	if err != nil {
		return nil, fmt.Errorf("OrderInvalidated event: %w", err)
	}
	return &OrderInvalidatedEvent{
		BlockNumber: lg.BlockNumber,
		LogIndex:    uint64(lg.Index),
		TxHash:      lg.TxHash,
		Owner:       owner,
		OrderUid:    uid,
	}, nil
}

func (s *Settlement) parseDeployed(lg types.Log) (*AmmDeployedEvent, error) {
	amm, err := indexedAddress(lg, 1)
	if err != nil {
		return nil, err
	}
	var data struct {
		Token0 common.Address
		Token1 common.Address
	}
	if err := s.factoryABI.UnpackIntoInterface(&data, "Deployed", lg.Data); err != nil {
		return nil, fmt.Errorf("unpack Deployed event: %w", err)
	}
	return &AmmDeployedEvent{
		BlockNumber: lg.BlockNumber,
		LogIndex:    uint64(lg.Index),
		TxHash:      lg.TxHash,
		Amm:         amm,
		Token0:      data.Token0,
		Token1:      data.Token1,
	}, nil
}
