package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestBalanceOfCalldata(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	input, err := erc20.Pack("balanceOf", account)
	if err != nil {
		t.Fatal(err)
	}
	if len(input) != 4+32 {
		t.Fatalf("calldata length = %d", len(input))
	}
	if got := common.Bytes2Hex(input[:4]); got != "70a08231" {
		t.Fatalf("selector = %s, want 70a08231", got)
	}
	if common.BytesToAddress(input[4:]) != account {
		t.Fatal("account argument not encoded")
	}
}

func TestUnpackBalance(t *testing.T) {
	word := common.LeftPadBytes(big.NewInt(42).Bytes(), 32)
	got, err := unpackBalance(word)
	if err != nil {
		t.Fatal(err)
	}
	if got.Int64() != 42 {
		t.Fatalf("got %s, want 42", got)
	}
	if _, err := unpackBalance([]byte{1, 2}); err == nil {
		t.Fatal("expected error for short return data")
	}
}
