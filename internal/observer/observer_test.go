package observer

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/web3guy0/cowpilot/internal/contracts"
	"github.com/web3guy0/cowpilot/internal/domain"
	"github.com/web3guy0/cowpilot/internal/store"
)

var (
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad number " + s)
	}
	return v
}

// End-to-end observation: a signed sell order for 1 WETH -> 1000 USDC
// settles at 1010 USDC. The observation must carry the 10 USDC surplus
// and the policy fee, both normalized to native wei.
func TestObserveSettlement(t *testing.T) {
	t.Parallel()

	settlementContract, err := contracts.NewSettlement(1,
		common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41"),
		common.HexToAddress("0xC92E8bdf79f0507f65a392b0ab4667716BFE0110"),
		common.HexToAddress("0x0f0f"),
	)
	if err != nil {
		t.Fatalf("NewSettlement: %v", err)
	}
	db, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)

	order := &domain.Order{
		Owner:           owner,
		SellToken:       weth,
		BuyToken:        usdc,
		SellAmount:      wei("1000000000000000000"),
		BuyAmount:       wei("1000000000"),
		ValidTo:         2_000_000_000,
		FeeAmount:       big.NewInt(0),
		Side:            domain.SideSell,
		Class:           domain.ClassMarket,
		SellTokenSource: domain.SellSourceErc20,
		BuyTokenDest:    domain.BuyDestErc20,
		SigningScheme:   domain.SchemeEip712,
		ExecutedAmount:  big.NewInt(0),
	}
	structHash, err := settlementContract.OrderStructHash(order)
	if err != nil {
		t.Fatalf("OrderStructHash: %v", err)
	}
	digest := settlementContract.SigningDigest(structHash)
	signature, err := crypto.Sign(digest[:], key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signature[64] += 27
	order.Signature = signature
	order.Uid, err = settlementContract.OrderUid(order)
	if err != nil {
		t.Fatalf("OrderUid: %v", err)
	}

	if err := db.InsertOrder(order); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	order.FeePolicies = []domain.FeePolicy{{
		Kind:            domain.FeeKindSurplus,
		Factor:          domain.MustFeeFactor(0.5),
		MaxVolumeFactor: domain.MustFeeFactor(0.9),
	}}
	auction := &domain.Auction{
		Block:    100,
		Deadline: time.Now().Add(10 * time.Second),
		Orders:   []domain.Order{*order},
		Prices: domain.Prices{
			weth: domain.NativeWei,
			usdc: wei("500000000000000"), // 5e14 wei per USDC atom scaled by 1e18
		},
	}
	auctionID, err := db.SaveAuction(auction)
	if err != nil {
		t.Fatalf("SaveAuction: %v", err)
	}

	settlement := &domain.Settlement{
		Tokens:         []common.Address{weth, usdc},
		ClearingPrices: []*big.Int{wei("1010000000"), wei("1000000000000000000")},
		Trades: []domain.SettlementTrade{{
			SellTokenIndex: 0,
			BuyTokenIndex:  1,
			Receiver:       common.Address{},
			SellAmount:     order.SellAmount,
			BuyAmount:      order.BuyAmount,
			ValidTo:        order.ValidTo,
			AppData:        order.AppData,
			FeeAmount:      order.FeeAmount,
			Flags: domain.TradeFlags{
				Side:            domain.SideSell,
				SellTokenSource: domain.SellSourceErc20,
				BuyTokenDest:    domain.BuyDestErc20,
				SigningScheme:   domain.SchemeEip712,
			},
			Executed:  order.SellAmount,
			Signature: signature,
		}},
	}
	calldata, err := settlementContract.EncodeSettle(settlement)
	if err != nil {
		t.Fatalf("EncodeSettle: %v", err)
	}

	receipt := &types.Receipt{
		TxHash:            common.HexToHash("0xabcd"),
		BlockNumber:       big.NewInt(110),
		GasUsed:           200_000,
		EffectiveGasPrice: big.NewInt(30_000_000_000),
		Logs: []*types.Log{{
			Topics: []common.Hash{settlementContract.SettlementTopic(), common.Hash{}},
			Index:  3,
		}},
	}

	observer := New(settlementContract, db)
	if err := observer.ObserveSettlement(auctionID, receipt, calldata); err != nil {
		t.Fatalf("ObserveSettlement: %v", err)
	}

	obs, err := db.Observation(110, 3)
	if err != nil {
		t.Fatalf("Observation: %v", err)
	}
	// 10 USDC surplus (1e7 atoms) * 5e14 / 1e18 = 5000 wei.
	if got := obs.Surplus.String(); got != "5000" {
		t.Errorf("surplus = %s wei, want 5000", got)
	}
	// Fee is half the surplus: 5e6 atoms -> 2500 wei.
	if got := obs.Fee.String(); got != "2500" {
		t.Errorf("fee = %s wei, want 2500", got)
	}
	if obs.GasUsed.String() != "200000" {
		t.Errorf("gas used = %s, want 200000", obs.GasUsed)
	}
}

func TestObserveSettlementUnrecoverableTradeIsFlaggedNotFatal(t *testing.T) {
	t.Parallel()

	settlementContract, err := contracts.NewSettlement(1,
		common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41"),
		common.HexToAddress("0xC92E8bdf79f0507f65a392b0ab4667716BFE0110"),
		common.HexToAddress("0x0f0f"),
	)
	if err != nil {
		t.Fatalf("NewSettlement: %v", err)
	}
	db, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	auctionID, err := db.SaveAuction(&domain.Auction{
		Block:    100,
		Deadline: time.Now().Add(time.Second),
		Prices:   domain.Prices{},
	})
	if err != nil {
		t.Fatalf("SaveAuction: %v", err)
	}

	// A trade with a garbage signature cannot be attributed, but the
	// settlement must still be recorded.
	settlement := &domain.Settlement{
		Tokens:         []common.Address{weth, usdc},
		ClearingPrices: []*big.Int{big.NewInt(2), big.NewInt(1)},
		Trades: []domain.SettlementTrade{{
			SellTokenIndex: 0,
			BuyTokenIndex:  1,
			SellAmount:     big.NewInt(100),
			BuyAmount:      big.NewInt(100),
			ValidTo:        2_000_000_000,
			FeeAmount:      big.NewInt(0),
			Flags:          domain.TradeFlags{Side: domain.SideSell, SellTokenSource: domain.SellSourceErc20, BuyTokenDest: domain.BuyDestErc20, SigningScheme: domain.SchemeEip712},
			Executed:       big.NewInt(100),
			Signature:      make([]byte, 65),
		}},
	}
	calldata, err := settlementContract.EncodeSettle(settlement)
	if err != nil {
		t.Fatalf("EncodeSettle: %v", err)
	}
	receipt := &types.Receipt{
		TxHash:            common.HexToHash("0xbeef"),
		BlockNumber:       big.NewInt(120),
		GasUsed:           100_000,
		EffectiveGasPrice: big.NewInt(1),
		Logs: []*types.Log{{
			Topics: []common.Hash{settlementContract.SettlementTopic()},
			Index:  0,
		}},
	}

	observer := New(settlementContract, db)
	if err := observer.ObserveSettlement(auctionID, receipt, calldata); err != nil {
		t.Fatalf("ObserveSettlement: %v", err)
	}
	if _, err := db.Observation(120, 0); err != nil {
		t.Errorf("observation missing after flagged trade: %v", err)
	}
}
