// Package contracts is the boundary to the on-chain settlement contract:
// the settle() calldata codec, the emitted events, and the EIP-712 order
// hashing that fixes order uids byte-for-byte.
package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// settlementABIJSON is the subset of the settlement contract ABI the
// coordinator touches: the settle entrypoint and the four events written
// back by the indexer.
const settlementABIJSON = `[
  {
    "name": "settle",
    "type": "function",
    "inputs": [
      {"name": "tokens", "type": "address[]"},
      {"name": "clearingPrices", "type": "uint256[]"},
      {
        "name": "trades",
        "type": "tuple[]",
        "components": [
          {"name": "sellTokenIndex", "type": "uint256"},
          {"name": "buyTokenIndex", "type": "uint256"},
          {"name": "receiver", "type": "address"},
          {"name": "sellAmount", "type": "uint256"},
          {"name": "buyAmount", "type": "uint256"},
          {"name": "validTo", "type": "uint32"},
          {"name": "appData", "type": "bytes32"},
          {"name": "feeAmount", "type": "uint256"},
          {"name": "flags", "type": "uint256"},
          {"name": "executedAmount", "type": "uint256"},
          {"name": "signature", "type": "bytes"}
        ]
      },
      {
        "name": "interactions",
        "type": "tuple[][3]",
        "components": [
          {"name": "target", "type": "address"},
          {"name": "value", "type": "uint256"},
          {"name": "callData", "type": "bytes"}
        ]
      }
    ],
    "outputs": []
  },
  {
    "name": "Trade",
    "type": "event",
    "inputs": [
      {"name": "owner", "type": "address", "indexed": true},
      {"name": "sellToken", "type": "address", "indexed": false},
      {"name": "buyToken", "type": "address", "indexed": false},
      {"name": "sellAmount", "type": "uint256", "indexed": false},
      {"name": "buyAmount", "type": "uint256", "indexed": false},
      {"name": "feeAmount", "type": "uint256", "indexed": false},
      {"name": "orderUid", "type": "bytes", "indexed": false}
    ]
  },
  {
    "name": "Settlement",
    "type": "event",
    "inputs": [
      {"name": "solver", "type": "address", "indexed": true}
    ]
  },
  {
    "name": "PreSignature",
    "type": "event",
    "inputs": [
      {"name": "owner", "type": "address", "indexed": true},
      {"name": "orderUid", "type": "bytes", "indexed": false},
      {"name": "signed", "type": "bool", "indexed": false}
    ]
  },
  {
    "name": "OrderInvalidated",
    "type": "event",
    "inputs": [
      {"name": "owner", "type": "address", "indexed": true},
      {"name": "orderUid", "type": "bytes", "indexed": false}
    ]
  }
]`

// cowAmmFactoryABIJSON covers the factory event that grows the
// surplus-capturing JIT owner set.
const cowAmmFactoryABIJSON = `[
  {
    "name": "Deployed",
    "type": "event",
    "inputs": [
      {"name": "amm", "type": "address", "indexed": true},
      {"name": "token0", "type": "address", "indexed": false},
      {"name": "token1", "type": "address", "indexed": false}
    ]
  }
]`

// Settlement wraps the parsed ABI together with the deployed addresses.
type Settlement struct {
	abi          abi.ABI
	factoryABI   abi.ABI
	address      common.Address
	vaultRelayer common.Address
	factory      common.Address
	chainID      int64
	domainSep    common.Hash
}

// NewSettlement parses the embedded ABIs and precomputes the EIP-712
// domain separator for the given deployment.
func NewSettlement(chainID int64, address, vaultRelayer, factory common.Address) (*Settlement, error) {
	parsed, err := abi.JSON(strings.NewReader(settlementABIJSON))
	if err != nil {
		return nil, err
	}
	factoryParsed, err := abi.JSON(strings.NewReader(cowAmmFactoryABIJSON))
	if err != nil {
		return nil, err
	}
	s := &Settlement{
		abi:          parsed,
		factoryABI:   factoryParsed,
		address:      address,
		vaultRelayer: vaultRelayer,
		factory:      factory,
		chainID:      chainID,
	}
	s.domainSep, err = s.computeDomainSeparator()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settlement) Address() common.Address {
	return s.address
}

func (s *Settlement) VaultRelayer() common.Address {
	return s.vaultRelayer
}

func (s *Settlement) Factory() common.Address {
	return s.factory
}

func (s *Settlement) ChainID() int64 {
	return s.chainID
}

func (s *Settlement) DomainSeparator() common.Hash {
	return s.domainSep
}

// Event topic accessors. Consumers match logs by topic0.

func (s *Settlement) TradeTopic() common.Hash {
	return s.abi.Events["Trade"].ID
}

func (s *Settlement) SettlementTopic() common.Hash {
	return s.abi.Events["Settlement"].ID
}

func (s *Settlement) PreSignatureTopic() common.Hash {
	return s.abi.Events["PreSignature"].ID
}

func (s *Settlement) OrderInvalidatedTopic() common.Hash {
	return s.abi.Events["OrderInvalidated"].ID
}

func (s *Settlement) DeployedTopic() common.Hash {
	return s.factoryABI.Events["Deployed"].ID
}

// SettleSelector is the 4-byte selector of settle().
func (s *Settlement) SettleSelector() []byte {
	return s.abi.Methods["settle"].ID
}
