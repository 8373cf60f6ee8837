package contracts

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/web3guy0/cowpilot/internal/domain"
)

const (
	domainName    = "Gnosis Protocol"
	domainVersion = "v2"
)

// typedData builds the EIP-712 envelope for an order against this
// deployment's domain.
func (s *Settlement) typedData(order *domain.Order) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "sellToken", Type: "address"},
				{Name: "buyToken", Type: "address"},
				{Name: "receiver", Type: "address"},
				{Name: "sellAmount", Type: "uint256"},
				{Name: "buyAmount", Type: "uint256"},
				{Name: "validTo", Type: "uint32"},
				{Name: "appData", Type: "bytes32"},
				{Name: "feeAmount", Type: "uint256"},
				{Name: "kind", Type: "string"},
				{Name: "partiallyFillable", Type: "bool"},
				{Name: "sellTokenBalance", Type: "string"},
				{Name: "buyTokenBalance", Type: "string"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(s.chainID),
			VerifyingContract: s.address.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"sellToken":         order.SellToken.Hex(),
			"buyToken":          order.BuyToken.Hex(),
			"receiver":          order.Receiver.Hex(),
			"sellAmount":        order.SellAmount.String(),
			"buyAmount":         order.BuyAmount.String(),
			"validTo":           new(big.Int).SetUint64(uint64(order.ValidTo)).String(),
			"appData":           order.AppData.Hex(),
			"feeAmount":         order.FeeAmount.String(),
			"kind":              string(order.Side),
			"partiallyFillable": order.PartiallyFillable,
			"sellTokenBalance":  string(order.SellTokenSource),
			"buyTokenBalance":   string(order.BuyTokenDest),
		},
	}
}

func (s *Settlement) computeDomainSeparator() (common.Hash, error) {
	td := s.typedData(&domain.Order{
		SellAmount: big.NewInt(0),
		BuyAmount:  big.NewInt(0),
		FeeAmount:  big.NewInt(0),
		Side:       domain.SideSell,
	})
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}
	return common.BytesToHash(sep), nil
}

// OrderStructHash computes the EIP-712 struct hash of the order data.
func (s *Settlement) OrderStructHash(order *domain.Order) (common.Hash, error) {
	td := s.typedData(order)
	h, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash order struct: %w", err)
	}
	return common.BytesToHash(h), nil
}

// SigningDigest is the final digest a wallet signs:
// keccak256("\x19\x01" || domainSeparator || structHash).
func (s *Settlement) SigningDigest(structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, s.domainSep[:], structHash[:])
}

// OrderUid derives the canonical uid for the order. The uid layout is
// dictated by the contract and is reproduced byte-for-byte.
func (s *Settlement) OrderUid(order *domain.Order) (domain.OrderUid, error) {
	structHash, err := s.OrderStructHash(order)
	if err != nil {
		return domain.OrderUid{}, err
	}
	return domain.NewOrderUid(structHash, order.Owner, order.ValidTo), nil
}

// RecoverSigner recovers the address that signed the order digest under
// the given scheme. Pre-sign orders carry no recoverable signature.
func (s *Settlement) RecoverSigner(order *domain.Order) (common.Address, error) {
	if order.SigningScheme == domain.SchemePreSign {
		// Authorized by an on-chain PreSignature event, nothing to recover.
		return order.Owner, nil
	}
	if len(order.Signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(order.Signature))
	}
	structHash, err := s.OrderStructHash(order)
	if err != nil {
		return common.Address{}, err
	}
	digest := s.SigningDigest(structHash)
	if order.SigningScheme == domain.SchemeEthSign {
		digest = crypto.Keccak256Hash([]byte("\x19Ethereum Signed Message:\n32"), digest[:])
	}

	sig := make([]byte, 65)
	copy(sig, order.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that the order signature recovers to its owner.
func (s *Settlement) VerifySignature(order *domain.Order) error {
	signer, err := s.RecoverSigner(order)
	if err != nil {
		return err
	}
	if !bytes.Equal(signer[:], order.Owner[:]) {
		return fmt.Errorf("signature recovers to %s, order owner is %s", signer.Hex(), order.Owner.Hex())
	}
	return nil
}
