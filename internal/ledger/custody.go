package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/domain"
)

// Custody is the engine's escrow account on a Ledger.
type Custody struct {
	ledger *Ledger
	addr   common.Address
}

// Custody returns the vault view of addr.
func (l *Ledger) Custody(addr common.Address) *Custody {
	return &Custody{ledger: l, addr: addr}
}

// Address returns the custody account.
func (c *Custody) Address() common.Address { return c.addr }

// Pull escrows funds into custody. Native value is debited directly from the
// sender, as the value attached to a call would be; tokens move through the
// sender's allowance to the custody account.
func (c *Custody) Pull(ctx context.Context, token, from common.Address, amount *big.Int) error {
	if token == domain.NativeToken {
		return c.ledger.Transfer(ctx, token, from, c.addr, amount)
	}
	return c.ledger.TransferFrom(ctx, token, c.addr, from, c.addr, amount)
}

// Push releases escrowed funds.
func (c *Custody) Push(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return c.ledger.Transfer(ctx, token, c.addr, to, amount)
}
