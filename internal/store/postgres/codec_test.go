package postgres

import (
	"math"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestAmountText(t *testing.T) {
	if amountText(nil) != nil {
		t.Fatal("nil amount must map to NULL")
	}
	huge, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	got := amountText(huge)
	back, err := parseAmount(*got)
	if err != nil || back.Cmp(huge) != 0 {
		t.Fatalf("uint256 max did not survive: %v %v", back, err)
	}
	if _, err := parseAmount("1.5"); err == nil {
		t.Fatal("expected error for fractional amount")
	}
}

func TestParseAddress(t *testing.T) {
	a, err := parseAddress("0x00000000000000000000000000000000000000aa")
	if err != nil || a != common.HexToAddress("0xaa") {
		t.Fatalf("got %v %v", a, err)
	}
	if a, err := parseAddress(""); err != nil || a != (common.Address{}) {
		t.Fatalf("empty address: %v %v", a, err)
	}
	if _, err := parseAddress("0x1234"); err == nil {
		t.Fatal("expected error for short address")
	}
}

func TestToInt64(t *testing.T) {
	if _, err := toInt64(math.MaxUint64); err == nil {
		t.Fatal("expected range error")
	}
	if v, err := toInt64(42); err != nil || v != 42 {
		t.Fatalf("got %d %v", v, err)
	}
}

func TestAppendListOpts(t *testing.T) {
	since := time.Unix(100, 0)
	q, args := appendListOpts("SELECT * FROM t WHERE x = $1", "at", "seq", []any{7}, &since, nil, 10, 5)
	want := "SELECT * FROM t WHERE x = $1 AND at >= $2 ORDER BY seq LIMIT $3 OFFSET $4"
	if q != want {
		t.Fatalf("query = %q", q)
	}
	if len(args) != 4 || args[3] != 5 {
		t.Fatalf("args = %v", args)
	}
	q, args = appendListOpts("SELECT 1 WHERE TRUE", "at", "id DESC", nil, nil, nil, 0, 0)
	if !strings.HasSuffix(q, "ORDER BY id DESC") || len(args) != 0 {
		t.Fatalf("query = %q args = %v", q, args)
	}
}

func TestDSN(t *testing.T) {
	got := DSN(ClientConfig{Host: "db", Database: "steward", User: "u", Password: "p"})
	if got != "postgres://u:p@db:5432/steward?sslmode=disable" {
		t.Fatalf("dsn = %s", got)
	}
	if DSN(ClientConfig{DSN: "postgres://x"}) != "postgres://x" {
		t.Fatal("explicit DSN must win")
	}
}
