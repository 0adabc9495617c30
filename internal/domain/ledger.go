package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceRow is one (token, account) balance in the custody ledger.
type BalanceRow struct {
	Token   common.Address
	Account common.Address
	Amount  *big.Int
}

// AllowanceRow is one (token, owner, spender) allowance.
type AllowanceRow struct {
	Token   common.Address
	Owner   common.Address
	Spender common.Address
	Amount  *big.Int
}
