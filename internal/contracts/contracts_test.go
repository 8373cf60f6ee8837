package contracts

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/web3guy0/cowpilot/internal/domain"
)

func testSettlement(t *testing.T) *Settlement {
	t.Helper()
	s, err := NewSettlement(
		1,
		common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41"),
		common.HexToAddress("0xC92E8bdf79f0507f65a392b0ab4667716BFE0110"),
		common.HexToAddress("0x0000000000000000000000000000000000000f0f"),
	)
	if err != nil {
		t.Fatalf("NewSettlement: %v", err)
	}
	return s
}

func testOrder() *domain.Order {
	return &domain.Order{
		Owner:             common.HexToAddress("0x1111111111111111111111111111111111111111"),
		SellToken:         common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		BuyToken:          common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		Receiver:          common.Address{},
		SellAmount:        big.NewInt(1000000),
		BuyAmount:         big.NewInt(2000000),
		ValidTo:           1700000000,
		AppData:           common.HexToHash("0x01"),
		FeeAmount:         big.NewInt(100),
		Side:              domain.SideSell,
		SellTokenSource:   domain.SellSourceErc20,
		BuyTokenDest:      domain.BuyDestErc20,
		SigningScheme:     domain.SchemeEip712,
		PartiallyFillable: false,
	}
}

func TestOrderStructHashIsStable(t *testing.T) {
	t.Parallel()

	s := testSettlement(t)
	order := testOrder()
	first, err := s.OrderStructHash(order)
	if err != nil {
		t.Fatalf("OrderStructHash: %v", err)
	}
	second, err := s.OrderStructHash(order)
	if err != nil {
		t.Fatalf("OrderStructHash: %v", err)
	}
	if first != second {
		t.Errorf("hash not deterministic: %s != %s", first.Hex(), second.Hex())
	}

	// Any field change must move the hash.
	changed := testOrder()
	changed.BuyAmount = big.NewInt(2000001)
	third, err := s.OrderStructHash(changed)
	if err != nil {
		t.Fatalf("OrderStructHash: %v", err)
	}
	if third == first {
		t.Error("hash unchanged after amount change")
	}
}

func TestOrderUidEmbedsOwnerAndValidTo(t *testing.T) {
	t.Parallel()

	s := testSettlement(t)
	order := testOrder()
	uid, err := s.OrderUid(order)
	if err != nil {
		t.Fatalf("OrderUid: %v", err)
	}
	if uid.Owner() != order.Owner {
		t.Errorf("uid owner = %s, want %s", uid.Owner().Hex(), order.Owner.Hex())
	}
	if uid.ValidTo() != order.ValidTo {
		t.Errorf("uid validTo = %d, want %d", uid.ValidTo(), order.ValidTo)
	}
}

func TestSignAndRecover(t *testing.T) {
	t.Parallel()

	s := testSettlement(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	order := testOrder()
	order.Owner = crypto.PubkeyToAddress(key.PublicKey)

	structHash, err := s.OrderStructHash(order)
	if err != nil {
		t.Fatalf("OrderStructHash: %v", err)
	}
	digest := s.SigningDigest(structHash)
	signature, err := crypto.Sign(digest[:], key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signature[64] += 27
	order.Signature = signature

	if err := s.VerifySignature(order); err != nil {
		t.Errorf("VerifySignature: %v", err)
	}

	// A different owner must fail verification.
	order.Owner = common.HexToAddress("0x2222222222222222222222222222222222222222")
	if err := s.VerifySignature(order); err == nil {
		t.Error("expected verification failure for wrong owner")
	}
}

func TestTradeFlagsRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []domain.TradeFlags{
		{Side: domain.SideSell, SellTokenSource: domain.SellSourceErc20, BuyTokenDest: domain.BuyDestErc20, SigningScheme: domain.SchemeEip712},
		{Side: domain.SideBuy, PartiallyFillable: true, SellTokenSource: domain.SellSourceExternal, BuyTokenDest: domain.BuyDestInternal, SigningScheme: domain.SchemeEthSign},
		{Side: domain.SideSell, SellTokenSource: domain.SellSourceInternal, BuyTokenDest: domain.BuyDestErc20, SigningScheme: domain.SchemePreSign},
	}
	for _, flags := range cases {
		packed, err := packFlags(flags)
		if err != nil {
			t.Fatalf("packFlags(%+v): %v", flags, err)
		}
		unpacked, err := unpackFlags(packed)
		if err != nil {
			t.Fatalf("unpackFlags(%+v): %v", flags, err)
		}
		if unpacked != flags {
			t.Errorf("round trip %+v -> %+v", flags, unpacked)
		}
	}
}

func TestSettleCalldataRoundTrip(t *testing.T) {
	t.Parallel()

	s := testSettlement(t)
	settlement := &domain.Settlement{
		Tokens: []common.Address{
			common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
			common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		},
		ClearingPrices: []*big.Int{big.NewInt(1000), big.NewInt(1)},
		Trades: []domain.SettlementTrade{{
			SellTokenIndex: 0,
			BuyTokenIndex:  1,
			Receiver:       common.HexToAddress("0x3333333333333333333333333333333333333333"),
			SellAmount:     big.NewInt(1000000),
			BuyAmount:      big.NewInt(999000),
			ValidTo:        1700000000,
			AppData:        common.HexToHash("0xbeef"),
			FeeAmount:      big.NewInt(42),
			Flags: domain.TradeFlags{
				Side:            domain.SideSell,
				SellTokenSource: domain.SellSourceErc20,
				BuyTokenDest:    domain.BuyDestErc20,
				SigningScheme:   domain.SchemeEip712,
			},
			Executed:  big.NewInt(1000000),
			Signature: bytes.Repeat([]byte{0x01}, 65),
		}},
		Interactions: [3][]domain.Interaction{
			{},
			{{Target: common.HexToAddress("0x4444444444444444444444444444444444444444"), Value: big.NewInt(0), CallData: []byte{0xde, 0xad}}},
			{},
		},
	}

	calldata, err := s.EncodeSettle(settlement)
	if err != nil {
		t.Fatalf("EncodeSettle: %v", err)
	}
	decoded, err := s.DecodeSettle(calldata)
	if err != nil {
		t.Fatalf("DecodeSettle: %v", err)
	}
	reencoded, err := s.EncodeSettle(decoded)
	if err != nil {
		t.Fatalf("re-EncodeSettle: %v", err)
	}
	if !bytes.Equal(calldata, reencoded) {
		t.Error("re-encoding a decoded settlement is not byte identical")
	}

	if len(decoded.Trades) != 1 {
		t.Fatalf("decoded %d trades, want 1", len(decoded.Trades))
	}
	trade := decoded.Trades[0]
	if trade.Flags.Side != domain.SideSell || trade.Executed.Int64() != 1000000 {
		t.Errorf("decoded trade mismatch: %+v", trade)
	}
	if len(decoded.Interactions[1]) != 1 || !bytes.Equal(decoded.Interactions[1][0].CallData, []byte{0xde, 0xad}) {
		t.Errorf("decoded interactions mismatch: %+v", decoded.Interactions)
	}
}

func TestDecodeSettleRejectsForeignSelector(t *testing.T) {
	t.Parallel()

	s := testSettlement(t)
	if _, err := s.DecodeSettle([]byte{0x01, 0x02, 0x03, 0x04, 0x00}); err == nil {
		t.Error("expected selector mismatch error")
	}
}
