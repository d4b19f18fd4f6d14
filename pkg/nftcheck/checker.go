package nftcheck

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrNoAccount is returned when a balance query is attempted without a
// connected account.
var ErrNoAccount = errors.New("no account connected")

// Standard selects which balanceOf signature the contract exposes.
type Standard int

const (
	ERC1155 Standard = iota
	ERC721
)

func (s Standard) String() string {
	switch s {
	case ERC721:
		return "erc721"
	default:
		return "erc1155"
	}
}

// ParseStandard maps a config value to a Standard.
func ParseStandard(s string) (Standard, error) {
	switch strings.ToLower(s) {
	case "", "erc1155":
		return ERC1155, nil
	case "erc721":
		return ERC721, nil
	default:
		return ERC1155, fmt.Errorf("unknown token standard %q", s)
	}
}

// Config configures a Checker.
type Config struct {
	Contract common.Address
	Standard Standard
	TokenID  int64 // ignored for ERC-721
}

// Checker queries a token contract for an account's balance. The threshold
// comparison belongs to the gate. Results are never cached: every query goes
// to the chain.
type Checker struct {
	caller   ethereum.ContractCaller
	closer   func()
	contract common.Address
	standard Standard
	tokenID  *big.Int
	tokenABI abi.ABI
}

// ERC-1155 balanceOf(address,uint256) and ERC-721 balanceOf(address)
const erc1155ABIJSON = `[{
	"inputs": [
		{"name": "account", "type": "address"},
		{"name": "id", "type": "uint256"}
	],
	"name": "balanceOf",
	"outputs": [{"name": "", "type": "uint256"}],
	"stateMutability": "view",
	"type": "function"
}]`

const erc721ABIJSON = `[{
	"inputs": [{"name": "owner", "type": "address"}],
	"name": "balanceOf",
	"outputs": [{"name": "", "type": "uint256"}],
	"stateMutability": "view",
	"type": "function"
}]`

// NewChecker creates a balance checker connected to an Ethereum RPC endpoint.
func NewChecker(rpcURL string, cfg Config) (*Checker, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to Ethereum RPC: %w", err)
	}

	c, err := NewCheckerWithCaller(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.closer = client.Close
	return c, nil
}

// NewCheckerWithCaller creates a checker on top of an existing contract caller.
func NewCheckerWithCaller(caller ethereum.ContractCaller, cfg Config) (*Checker, error) {
	abiJSON := erc1155ABIJSON
	if cfg.Standard == ERC721 {
		abiJSON = erc721ABIJSON
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing %s ABI: %w", cfg.Standard, err)
	}

	return &Checker{
		caller:   caller,
		contract: cfg.Contract,
		standard: cfg.Standard,
		tokenID:  big.NewInt(cfg.TokenID),
		tokenABI: parsed,
	}, nil
}

// Contract returns the token contract address.
func (c *Checker) Contract() common.Address {
	return c.contract
}

// TokenID returns the token id checked on ERC-1155 contracts.
func (c *Checker) TokenID() *big.Int {
	return new(big.Int).Set(c.tokenID)
}

// Standard returns the token standard the checker speaks.
func (c *Checker) Standard() Standard {
	return c.standard
}

// BalanceOf calls balanceOf on the token contract and returns the raw balance.
func (c *Checker) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if account == (common.Address{}) {
		return nil, ErrNoAccount
	}

	ctx, span := otel.Tracer("gatedblog/nftcheck").Start(ctx, "nftcheck.BalanceOf")
	defer span.End()
	span.SetAttributes(
		attribute.String("account", account.Hex()),
		attribute.String("contract", c.contract.Hex()),
		attribute.String("standard", c.standard.String()),
	)

	balance, err := c.balanceOf(ctx, account)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("balance", balance.String()))
	return balance, nil
}

func (c *Checker) balanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var (
		callData []byte
		err      error
	)
	if c.standard == ERC721 {
		callData, err = c.tokenABI.Pack("balanceOf", account)
	} else {
		callData, err = c.tokenABI.Pack("balanceOf", account, c.tokenID)
	}
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %w", err)
	}

	output, err := c.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling balanceOf: %w", err)
	}

	results, err := c.tokenABI.Unpack("balanceOf", output)
	if err != nil {
		return nil, fmt.Errorf("unpacking balanceOf: %w", err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("expected 1 return value, got %d", len(results))
	}

	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected type for balance: %T", results[0])
	}
	return balance, nil
}

// Close shuts down the Ethereum client connection, if the checker owns one.
func (c *Checker) Close() {
	if c.closer != nil {
		c.closer()
	}
}
