package store

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/web3guy0/cowpilot/internal/contracts"
	"github.com/web3guy0/cowpilot/internal/domain"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return db
}

func uidN(n byte) domain.OrderUid {
	var uid domain.OrderUid
	uid[0] = n
	return uid
}

func testOrder(n byte, validTo uint32) *domain.Order {
	return &domain.Order{
		Uid:            uidN(n),
		Owner:          common.HexToAddress("0x1111111111111111111111111111111111111111"),
		SellToken:      common.HexToAddress("0x2222222222222222222222222222222222222222"),
		BuyToken:       common.HexToAddress("0x3333333333333333333333333333333333333333"),
		SellAmount:     big.NewInt(100),
		BuyAmount:      big.NewInt(200),
		ValidTo:        validTo,
		FeeAmount:      big.NewInt(0),
		Side:           domain.SideSell,
		Class:          domain.ClassMarket,
		SigningScheme:  domain.SchemeEip712,
		Signature:      make([]byte, 65),
		ExecutedAmount: big.NewInt(0),
	}
}

func TestInsertAndLoadOrder(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	order := testOrder(1, 1000)
	order.Quote = &domain.Quote{
		SellAmount: big.NewInt(100),
		BuyAmount:  big.NewInt(210),
		Fee:        big.NewInt(1),
	}
	if err := db.InsertOrder(order); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	loaded, err := db.Order(order.Uid)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if loaded.Uid != order.Uid {
		t.Errorf("uid = %s, want %s", loaded.Uid, order.Uid)
	}
	if loaded.SellAmount.Cmp(order.SellAmount) != 0 {
		t.Errorf("sell amount = %s, want %s", loaded.SellAmount, order.SellAmount)
	}
	if loaded.Quote == nil || loaded.Quote.BuyAmount.Int64() != 210 {
		t.Errorf("quote = %+v, want buy amount 210", loaded.Quote)
	}

	events, err := db.OrderEvents(order.Uid)
	if err != nil {
		t.Fatalf("OrderEvents: %v", err)
	}
	if len(events) != 1 || events[0].Label != string(domain.OrderEventCreated) {
		t.Errorf("events = %+v, want one created event", events)
	}
}

func TestSolvableOrdersValidToBoundary(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	if err := db.InsertOrder(testOrder(1, 1000)); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	// Exactly at the block timestamp: solvable.
	orders, err := db.SolvableOrders(1000)
	if err != nil {
		t.Fatalf("SolvableOrders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("solvable at validTo = %d orders, want 1", len(orders))
	}

	// One second past: expired.
	orders, err = db.SolvableOrders(1001)
	if err != nil {
		t.Fatalf("SolvableOrders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("solvable past validTo = %d orders, want 0", len(orders))
	}
}

func TestSolvableOrdersExcludesInvalidatedAndUnsigned(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	invalidated := testOrder(1, 1000)
	if err := db.InsertOrder(invalidated); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkInvalidated(invalidated.Uid); err != nil {
		t.Fatal(err)
	}

	presign := testOrder(2, 1000)
	presign.SigningScheme = domain.SchemePreSign
	if err := db.InsertOrder(presign); err != nil {
		t.Fatal(err)
	}

	orders, err := db.SolvableOrders(500)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 0 {
		t.Fatalf("solvable = %d orders, want 0 (invalidated + not pre-signed)", len(orders))
	}

	if err := db.MarkPreSigned(presign.Uid, true); err != nil {
		t.Fatal(err)
	}
	orders, err = db.SolvableOrders(500)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].Uid != presign.Uid {
		t.Fatalf("solvable = %+v, want only the pre-signed order", orders)
	}
}

func tradeEvent(n byte, block, logIndex uint64, sell, fee int64) *contracts.TradeEvent {
	return &contracts.TradeEvent{
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      common.HexToHash("0xabcd"),
		Owner:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		SellToken:   common.HexToAddress("0x2222222222222222222222222222222222222222"),
		BuyToken:    common.HexToAddress("0x3333333333333333333333333333333333333333"),
		SellAmount:  big.NewInt(sell),
		BuyAmount:   big.NewInt(sell * 2),
		FeeAmount:   big.NewInt(fee),
		OrderUid:    uidN(n),
	}
}

func TestApplyTradeUpdatesExecutedAmount(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	if err := db.InsertOrder(testOrder(1, 1000)); err != nil {
		t.Fatal(err)
	}
	if err := db.ApplyEvents([]any{tradeEvent(1, 10, 0, 60, 10)}, 10); err != nil {
		t.Fatalf("ApplyEvents: %v", err)
	}

	order, err := db.Order(uidN(1))
	if err != nil {
		t.Fatal(err)
	}
	// Executed is the sell amount net of fees.
	if order.ExecutedAmount.Int64() != 50 {
		t.Errorf("executed = %s, want 50", order.ExecutedAmount)
	}

	last, err := db.LastEventBlock()
	if err != nil {
		t.Fatal(err)
	}
	if last != 10 {
		t.Errorf("last event block = %d, want 10", last)
	}
}

func TestReplaceEventsIsIdempotent(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	if err := db.InsertOrder(testOrder(1, 1000)); err != nil {
		t.Fatal(err)
	}
	events := []any{
		tradeEvent(1, 10, 0, 60, 10),
		&contracts.SettlementEvent{BlockNumber: 10, LogIndex: 1, TxHash: common.HexToHash("0xabcd"), Solver: common.HexToAddress("0x0f")},
	}
	if err := db.ApplyEvents(events, 10); err != nil {
		t.Fatal(err)
	}
	// Applying the same range twice via replace yields the same state.
	if err := db.ReplaceEvents(10, 10, events, 10); err != nil {
		t.Fatalf("ReplaceEvents: %v", err)
	}
	if err := db.ReplaceEvents(10, 10, events, 10); err != nil {
		t.Fatalf("ReplaceEvents: %v", err)
	}

	order, err := db.Order(uidN(1))
	if err != nil {
		t.Fatal(err)
	}
	if order.ExecutedAmount.Int64() != 50 {
		t.Errorf("executed after double replace = %s, want 50", order.ExecutedAmount)
	}
	trades, err := db.Trades(uidN(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Errorf("trades = %d rows, want 1", len(trades))
	}
}

func TestReorgRangeReplaceRollsBackFills(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	if err := db.InsertOrder(testOrder(1, 1000)); err != nil {
		t.Fatal(err)
	}
	if err := db.ApplyEvents([]any{tradeEvent(1, 100, 0, 60, 10)}, 100); err != nil {
		t.Fatal(err)
	}

	// Blocks 98-100 reorg away and the new canonical range has no
	// trade for the order.
	if err := db.ReplaceEvents(98, 100, nil, 100); err != nil {
		t.Fatalf("ReplaceEvents: %v", err)
	}
	order, err := db.Order(uidN(1))
	if err != nil {
		t.Fatal(err)
	}
	if order.ExecutedAmount.Sign() != 0 {
		t.Errorf("executed after reorg = %s, want 0", order.ExecutedAmount)
	}
}

func TestAuctionIdsAreMonotonic(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	var previous domain.AuctionId
	for i := 0; i < 3; i++ {
		auction := &domain.Auction{
			Block:    uint64(100 + i),
			Deadline: time.Now().Add(10 * time.Second),
			Prices:   domain.Prices{},
		}
		id, err := db.SaveAuction(auction)
		if err != nil {
			t.Fatalf("SaveAuction: %v", err)
		}
		if id <= previous {
			t.Errorf("auction id %d not greater than previous %d", id, previous)
		}
		previous = id
	}
}

func TestAuctionPricesAndFeePoliciesRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	token := common.HexToAddress("0x2222222222222222222222222222222222222222")
	order := *testOrder(1, 1000)
	order.FeePolicies = []domain.FeePolicy{{
		Kind:            domain.FeeKindSurplus,
		Factor:          domain.MustFeeFactor(0.5),
		MaxVolumeFactor: domain.MustFeeFactor(0.01),
	}}
	auction := &domain.Auction{
		Block:    100,
		Deadline: time.Now().Add(10 * time.Second),
		Orders:   []domain.Order{order},
		Prices:   domain.Prices{token: big.NewInt(123456)},
	}
	id, err := db.SaveAuction(auction)
	if err != nil {
		t.Fatalf("SaveAuction: %v", err)
	}

	prices, err := db.AuctionPrices(id)
	if err != nil {
		t.Fatalf("AuctionPrices: %v", err)
	}
	if got, ok := prices[token]; !ok || got.Int64() != 123456 {
		t.Errorf("prices = %+v, want %s -> 123456", prices, token.Hex())
	}

	policies, err := db.AuctionFeePolicies(id, order.Uid)
	if err != nil {
		t.Fatalf("AuctionFeePolicies: %v", err)
	}
	if len(policies) != 1 || policies[0].Kind != domain.FeeKindSurplus {
		t.Fatalf("policies = %+v, want one surplus policy", policies)
	}
	if policies[0].Factor.Float64() != 0.5 {
		t.Errorf("factor = %v, want 0.5", policies[0].Factor.Float64())
	}
}

func TestApplySettlementLinksAuction(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	if err := db.InsertOrder(testOrder(1, 1000)); err != nil {
		t.Fatal(err)
	}
	events := []any{
		tradeEvent(1, 10, 0, 100, 0),
		&contracts.SettlementEvent{BlockNumber: 10, LogIndex: 1, TxHash: common.HexToHash("0xabcd"), Solver: common.HexToAddress("0x0f")},
	}
	if err := db.ApplyEvents(events, 10); err != nil {
		t.Fatal(err)
	}

	obs := &domain.SettlementObservation{
		BlockNumber:       10,
		LogIndex:          1,
		GasUsed:           big.NewInt(21000),
		EffectiveGasPrice: big.NewInt(100),
		Surplus:           big.NewInt(5),
		Fee:               big.NewInt(1),
	}
	if err := db.ApplySettlement(3, obs, []domain.OrderUid{uidN(1)}); err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}

	settlement, err := db.SettlementByTx(common.HexToHash("0xabcd").Hex())
	if err != nil {
		t.Fatalf("SettlementByTx: %v", err)
	}
	if settlement.AuctionId == nil || *settlement.AuctionId != 3 {
		t.Errorf("auction id = %v, want 3", settlement.AuctionId)
	}
}

func TestReadQuoteNotFound(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	if err := db.InsertOrder(testOrder(1, 1000)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ReadQuote(uidN(1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCowAmmOwnersAppendOnly(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	amm := common.HexToAddress("0x4444444444444444444444444444444444444444")
	event := &contracts.AmmDeployedEvent{BlockNumber: 5, LogIndex: 0, Amm: amm}
	if err := db.ApplyEvents([]any{event, event}, 5); err != nil {
		t.Fatalf("ApplyEvents: %v", err)
	}
	owners, err := db.CowAmmOwners()
	if err != nil {
		t.Fatal(err)
	}
	if len(owners) != 1 || owners[0] != amm.Hex() {
		t.Errorf("owners = %+v, want exactly one %s", owners, amm.Hex())
	}
}
