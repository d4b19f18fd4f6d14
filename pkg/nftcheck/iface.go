package nftcheck

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceSource returns an account's token balance.
// Implemented by Checker; tests substitute their own.
type BalanceSource interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}
