package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// ABI-shaped mirrors of the settle() tuple components. Field order and
// names must track settlementABIJSON.

type abiTrade struct {
	SellTokenIndex *big.Int
	BuyTokenIndex  *big.Int
	Receiver       common.Address
	SellAmount     *big.Int
	BuyAmount      *big.Int
	ValidTo        uint32
	AppData        [32]byte
	FeeAmount      *big.Int
	Flags          *big.Int
	ExecutedAmount *big.Int
	Signature      []byte
}

type abiInteraction struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// Trade flags bit layout, fixed by the contract:
// bit 0 order kind, bit 1 partially fillable, bits 2-3 sell token balance,
// bit 4 buy token balance, bits 5-6 signing scheme.
const (
	flagKindBuy           = 1 << 0
	flagPartiallyFillable = 1 << 1
	flagSellBalanceShift  = 2
	flagBuyBalanceShift   = 4
	flagSchemeShift       = 5
)

func packFlags(f domain.TradeFlags) (*big.Int, error) {
	var flags uint64
	if f.Side == domain.SideBuy {
		flags |= flagKindBuy
	}
	if f.PartiallyFillable {
		flags |= flagPartiallyFillable
	}
	switch f.SellTokenSource {
	case domain.SellSourceErc20, "":
	case domain.SellSourceExternal:
		flags |= 2 << flagSellBalanceShift
	case domain.SellSourceInternal:
		flags |= 3 << flagSellBalanceShift
	default:
		return nil, fmt.Errorf("unknown sell token source %q", f.SellTokenSource)
	}
	switch f.BuyTokenDest {
	case domain.BuyDestErc20, "":
	case domain.BuyDestInternal:
		flags |= 1 << flagBuyBalanceShift
	default:
		return nil, fmt.Errorf("unknown buy token destination %q", f.BuyTokenDest)
	}
	switch f.SigningScheme {
	case domain.SchemeEip712, "":
	case domain.SchemeEthSign:
		flags |= 1 << flagSchemeShift
	case domain.SchemePreSign:
		flags |= 3 << flagSchemeShift
	default:
		return nil, fmt.Errorf("unknown signing scheme %q", f.SigningScheme)
	}
	return new(big.Int).SetUint64(flags), nil
}

func unpackFlags(flags *big.Int) (domain.TradeFlags, error) {
	if !flags.IsUint64() {
		return domain.TradeFlags{}, fmt.Errorf("trade flags out of range: %s", flags)
	}
	v := flags.Uint64()
	f := domain.TradeFlags{
		Side:              domain.SideSell,
		PartiallyFillable: v&flagPartiallyFillable != 0,
		SellTokenSource:   domain.SellSourceErc20,
		BuyTokenDest:      domain.BuyDestErc20,
		SigningScheme:     domain.SchemeEip712,
	}
	if v&flagKindBuy != 0 {
		f.Side = domain.SideBuy
	}
	switch (v >> flagSellBalanceShift) & 3 {
	case 0, 1:
	case 2:
		f.SellTokenSource = domain.SellSourceExternal
	case 3:
		f.SellTokenSource = domain.SellSourceInternal
	}
	if (v>>flagBuyBalanceShift)&1 != 0 {
		f.BuyTokenDest = domain.BuyDestInternal
	}
	switch (v >> flagSchemeShift) & 3 {
	case 0:
	case 1:
		f.SigningScheme = domain.SchemeEthSign
	case 3:
		f.SigningScheme = domain.SchemePreSign
	default:
		return f, fmt.Errorf("unsupported signing scheme flag %d", (v>>flagSchemeShift)&3)
	}
	return f, nil
}

func toABIInteractions(in []domain.Interaction) []abiInteraction {
	out := make([]abiInteraction, len(in))
	for i, x := range in {
		value := x.Value
		if value == nil {
			value = big.NewInt(0)
		}
		callData := x.CallData
		if callData == nil {
			callData = []byte{}
		}
		out[i] = abiInteraction{Target: x.Target, Value: value, CallData: callData}
	}
	return out
}

func fromABIInteractions(in []abiInteraction) []domain.Interaction {
	out := make([]domain.Interaction, len(in))
	for i, x := range in {
		out[i] = domain.Interaction{Target: x.Target, Value: x.Value, CallData: x.CallData}
	}
	return out
}

// EncodeSettle produces the full calldata for a settle() call.
func (s *Settlement) EncodeSettle(settlement *domain.Settlement) ([]byte, error) {
	trades := make([]abiTrade, len(settlement.Trades))
	for i, t := range settlement.Trades {
		flags, err := packFlags(t.Flags)
		if err != nil {
			return nil, fmt.Errorf("trade %d: %w", i, err)
		}
		sig := t.Signature
		if sig == nil {
			sig = []byte{}
		}
		trades[i] = abiTrade{
			SellTokenIndex: big.NewInt(int64(t.SellTokenIndex)),
			BuyTokenIndex:  big.NewInt(int64(t.BuyTokenIndex)),
			Receiver:       t.Receiver,
			SellAmount:     t.SellAmount,
			BuyAmount:      t.BuyAmount,
			ValidTo:        t.ValidTo,
			AppData:        t.AppData,
			FeeAmount:      t.FeeAmount,
			Flags:          flags,
			ExecutedAmount: t.Executed,
			Signature:      sig,
		}
	}
	var interactions [3][]abiInteraction
	for phase := 0; phase < 3; phase++ {
		interactions[phase] = toABIInteractions(settlement.Interactions[phase])
	}
	return s.abi.Pack("settle", settlement.Tokens, settlement.ClearingPrices, trades, interactions)
}

// DecodeSettle parses settle() calldata back into its domain form.
// Re-encoding the result yields byte-identical calldata.
func (s *Settlement) DecodeSettle(calldata []byte) (*domain.Settlement, error) {
	method := s.abi.Methods["settle"]
	if len(calldata) < 4 {
		return nil, fmt.Errorf("calldata too short: %d bytes", len(calldata))
	}
	if string(calldata[:4]) != string(method.ID) {
		return nil, fmt.Errorf("calldata selector %x is not settle()", calldata[:4])
	}
	out, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack settle calldata: %w", err)
	}

	tokens := *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)
	prices := *abi.ConvertType(out[1], new([]*big.Int)).(*[]*big.Int)
	rawTrades := *abi.ConvertType(out[2], new([]abiTrade)).(*[]abiTrade)
	rawInteractions := *abi.ConvertType(out[3], new([3][]abiInteraction)).(*[3][]abiInteraction)

	settlement := &domain.Settlement{
		Tokens:         tokens,
		ClearingPrices: prices,
		Trades:         make([]domain.SettlementTrade, len(rawTrades)),
	}
	for i, t := range rawTrades {
		flags, err := unpackFlags(t.Flags)
		if err != nil {
			return nil, fmt.Errorf("trade %d: %w", i, err)
		}
		if !t.SellTokenIndex.IsInt64() || !t.BuyTokenIndex.IsInt64() {
			return nil, fmt.Errorf("trade %d: token index out of range", i)
		}
		sellIdx, buyIdx := int(t.SellTokenIndex.Int64()), int(t.BuyTokenIndex.Int64())
		if sellIdx >= len(tokens) || buyIdx >= len(tokens) {
			return nil, fmt.Errorf("trade %d: token index beyond token list", i)
		}
		settlement.Trades[i] = domain.SettlementTrade{
			SellTokenIndex: sellIdx,
			BuyTokenIndex:  buyIdx,
			Receiver:       t.Receiver,
			SellAmount:     t.SellAmount,
			BuyAmount:      t.BuyAmount,
			ValidTo:        t.ValidTo,
			AppData:        common.Hash(t.AppData),
			FeeAmount:      t.FeeAmount,
			Flags:          flags,
			Executed:       t.ExecutedAmount,
			Signature:      t.Signature,
		}
	}
	for phase := 0; phase < 3; phase++ {
		settlement.Interactions[phase] = fromABIInteractions(rawInteractions[phase])
	}
	return settlement, nil
}
