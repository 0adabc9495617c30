package postgres

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Amounts are NUMERIC(78,0) columns exchanged as decimal text; addresses are
// stored checksummed.

func amountText(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func parseAddress(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func addressText(a common.Address) string {
	return a.Hex()
}

func toInt64(id uint64) (int64, error) {
	if id > math.MaxInt64 {
		return 0, fmt.Errorf("id %d exceeds BIGINT range", id)
	}
	return int64(id), nil
}
