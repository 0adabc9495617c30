// Package evm reads block context and balances from an Ethereum JSON-RPC
// node.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/steward/internal/domain"
)

const erc20ABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

var erc20 = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("evm: parse abi: %v", err))
	}
	return parsed
}

// Client implements the engine's Chain and BalanceReader ports on top of a
// JSON-RPC node.
type Client struct {
	rpc     *ethclient.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Dial connects to the node at url. timeout bounds each RPC call; zero means
// 10 seconds.
func Dial(ctx context.Context, url string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", url, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		rpc:     rpc,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "evm")),
	}
	chainID, err := c.chainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	c.logger.Info("connected to chain", slog.String("chain_id", chainID.String()))
	return c, nil
}

func (c *Client) chainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	id, err := c.rpc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: chain id: %w", err)
	}
	return id, nil
}

// BlockTime returns the timestamp of the latest block.
func (c *Client) BlockTime(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("evm: latest header: %w", err)
	}
	return time.Unix(int64(head.Time), 0).UTC(), nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("evm: block number: %w", err)
	}
	return n, nil
}

// BalanceOf returns account's balance of token; the zero address reads the
// native balance.
func (c *Client) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if token == domain.NativeToken {
		bal, err := c.rpc.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, fmt.Errorf("evm: balance of %s: %w", account.Hex(), err)
		}
		return bal, nil
	}

	input, err := erc20.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("evm: pack balanceOf: %w", err)
	}
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call balanceOf on %s: %w", token.Hex(), err)
	}
	return unpackBalance(out)
}

func unpackBalance(out []byte) (*big.Int, error) {
	vals, err := erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack balanceOf: %w", err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: unexpected balanceOf result %T", vals[0])
	}
	return bal, nil
}

// Close closes the RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}
