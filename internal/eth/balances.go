package eth

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/web3guy0/cowpilot/internal/domain"
)

const erc20ABIJSON = `[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "owner", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "name": "allowance",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "owner", "type": "address"},
      {"name": "spender", "type": "address"}
    ],
    "outputs": [{"name": "", "type": "uint256"}]
  }
]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// BalanceReader answers "how much of this token can the settlement
// contract actually pull from this trader".
type BalanceReader struct {
	node         Node
	vaultRelayer common.Address
}

func NewBalanceReader(node Node, vaultRelayer common.Address) *BalanceReader {
	return &BalanceReader{node: node, vaultRelayer: vaultRelayer}
}

// TradableBalance returns min(balance, allowance to the vault relayer)
// for the trader at the given block. When pre-interactions are supplied
// they are simulated first; a reverting pre-interaction fails the whole
// read so callers can treat the group as unknown.
func (r *BalanceReader) TradableBalance(
	ctx context.Context,
	trader common.Address,
	token common.Address,
	block *big.Int,
	preInteractions []domain.Interaction,
) (*big.Int, error) {
	for i, interaction := range preInteractions {
		msg := ethereum.CallMsg{
			From:  trader,
			To:    &interaction.Target,
			Value: interaction.Value,
			Data:  interaction.CallData,
		}
		if _, err := r.node.CallContract(ctx, msg, block); err != nil {
			return nil, fmt.Errorf("pre-interaction %d reverts: %w", i, err)
		}
	}

	balance, err := r.readUint(ctx, token, block, "balanceOf", trader)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	allowance, err := r.readUint(ctx, token, block, "allowance", trader, r.vaultRelayer)
	if err != nil {
		return nil, fmt.Errorf("allowance: %w", err)
	}
	if allowance.Cmp(balance) < 0 {
		return allowance, nil
	}
	return balance, nil
}

func (r *BalanceReader) readUint(ctx context.Context, token common.Address, block *big.Int, method string, args ...any) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := r.node.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, block)
	if err != nil {
		return nil, err
	}
	results, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	value, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned unexpected type", method)
	}
	return value, nil
}
