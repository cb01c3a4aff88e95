package onchain

// chain.go — read-only Polygon chain access for the provisioning pipeline.
//
// Everything here is ground truth: allowance checks, contract code presence,
// and collateral balances are read directly from the RPC node before any
// flag is persisted. Writes never happen here — approval transactions are
// built as calldata and routed through the relayer.

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	outils "github.com/polymarket/go-order-utils/pkg/config"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polyterm/internal/domain"
	"github.com/alejandrodnm/polyterm/internal/ports"
)

const polygonChainID = int64(137)

// Contract ABIs
var (
	erc20ABI   abi.ABI
	erc1155ABI abi.ABI
)

func init() {
	var err error

	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "approve",
			"type": "function",
			"inputs": [
				{"name": "spender", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "allowance",
			"type": "function",
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "balanceOf",
			"type": "function",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}

	erc1155ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "setApprovalForAll",
			"type": "function",
			"inputs": [
				{"name": "operator", "type": "address"},
				{"name": "approved", "type": "bool"}
			],
			"outputs": []
		},
		{
			"name": "isApprovedForAll",
			"type": "function",
			"inputs": [
				{"name": "account", "type": "address"},
				{"name": "operator", "type": "address"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		}
	]`))
	if err != nil {
		panic("erc1155 abi parse: " + err.Error())
	}
}

// Client implements ports.ChainClient against an EVM RPC node.
type Client struct {
	eth        *ethclient.Client
	collateral common.Address
	ctf        common.Address
	exchange   common.Address
}

// NewClient dials the RPC node and resolves the exchange contract set for
// the chain from go-order-utils.
func NewClient(rpcURL string) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain: dial rpc %s: %w", rpcURL, err)
	}

	contracts, err := outils.GetContracts(polygonChainID)
	if err != nil {
		return nil, fmt.Errorf("onchain: get contracts: %w", err)
	}

	return &Client{
		eth:        eth,
		collateral: contracts.Collateral,
		ctf:        contracts.Conditional,
		exchange:   contracts.Exchange,
	}, nil
}

// ReadAllowances reads the three approval values concurrently and reports
// which ones still need to be set.
func (c *Client) ReadAllowances(ctx context.Context, owner common.Address) (domain.AllowanceState, error) {
	var state domain.AllowanceState

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		allowance, err := c.erc20Allowance(gctx, owner, c.ctf)
		if err != nil {
			return fmt.Errorf("collateral→ctf allowance: %w", err)
		}
		state.CollateralForCTF = allowance.Sign() == 0
		return nil
	})

	g.Go(func() error {
		allowance, err := c.erc20Allowance(gctx, owner, c.exchange)
		if err != nil {
			return fmt.Errorf("collateral→exchange allowance: %w", err)
		}
		state.CollateralForExchange = allowance.Sign() == 0
		return nil
	})

	g.Go(func() error {
		approved, err := c.isApprovedForAll(gctx, owner, c.exchange)
		if err != nil {
			return fmt.Errorf("ctf→exchange approval: %w", err)
		}
		state.CTFForExchange = !approved
		return nil
	})

	if err := g.Wait(); err != nil {
		return domain.AllowanceState{}, fmt.Errorf("onchain.ReadAllowances: %w", err)
	}
	return state, nil
}

// ApprovalCalls builds the approval calldata for each unset allowance.
// ERC20 approvals are unlimited (max uint256) so this is a once-per-account
// operation.
func (c *Client) ApprovalCalls(state domain.AllowanceState) []ports.Call {
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	var calls []ports.Call
	if state.CollateralForCTF {
		calls = append(calls, ports.Call{
			To:    c.collateral,
			Value: big.NewInt(0),
			Data:  mustPack(erc20ABI, "approve", c.ctf, maxUint256),
		})
	}
	if state.CollateralForExchange {
		calls = append(calls, ports.Call{
			To:    c.collateral,
			Value: big.NewInt(0),
			Data:  mustPack(erc20ABI, "approve", c.exchange, maxUint256),
		})
	}
	if state.CTFForExchange {
		calls = append(calls, ports.Call{
			To:    c.ctf,
			Value: big.NewInt(0),
			Data:  mustPack(erc1155ABI, "setApprovalForAll", c.exchange, true),
		})
	}
	return calls
}

// HasCode reports whether contract code exists at addr.
func (c *Client) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	code, err := c.eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("onchain.HasCode: %w", err)
	}
	return len(code) > 0, nil
}

// CollateralBalance returns the collateral token balance of owner in base
// units.
func (c *Client) CollateralBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	callData, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("onchain.CollateralBalance: pack: %w", err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &c.collateral,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("onchain.CollateralBalance: call: %w", err)
	}

	vals, err := erc20ABI.Unpack("balanceOf", result)
	if err != nil || len(vals) == 0 {
		return big.NewInt(0), err
	}
	return vals[0].(*big.Int), nil
}

// erc20Allowance queries the current ERC20 allowance on the collateral token.
func (c *Client) erc20Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	callData, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &c.collateral,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, err
	}

	vals, err := erc20ABI.Unpack("allowance", result)
	if err != nil || len(vals) == 0 {
		return big.NewInt(0), err
	}
	return vals[0].(*big.Int), nil
}

// isApprovedForAll checks ERC1155 approval for an operator on the CTF contract.
func (c *Client) isApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	callData, err := erc1155ABI.Pack("isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &c.ctf,
		Data: callData,
	}, nil)
	if err != nil {
		return false, err
	}

	vals, err := erc1155ABI.Unpack("isApprovedForAll", result)
	if err != nil || len(vals) == 0 {
		return false, err
	}
	return vals[0].(bool), nil
}

// mustPack packs calldata for a method known at compile time.
func mustPack(a abi.ABI, method string, args ...any) []byte {
	data, err := a.Pack(method, args...)
	if err != nil {
		panic(fmt.Sprintf("pack %s: %v", method, err))
	}
	return data
}
