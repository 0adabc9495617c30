package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the custody ledger surface the API exposes.
type Ledger interface {
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) *big.Int
	Approve(ctx context.Context, token, owner, spender common.Address, amount *big.Int) error
	Mint(ctx context.Context, token, to common.Address, amount *big.Int) error
}

// LedgerHandler serves /api/ledger.
type LedgerHandler struct {
	ledger  Ledger
	custody common.Address
	owner   func(context.Context) common.Address
	logger  *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler. custody is the default spender
// for approvals; owner reports who may use the faucet.
func NewLedgerHandler(l Ledger, custody common.Address, owner func(context.Context) common.Address, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, custody: custody, owner: owner, logger: logger.With(slog.String("handler", "ledger"))}
}

// Balance returns an account's balance and its allowance to custody.
// GET /api/ledger/{token}/{account}
func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	token, ok := pathAddress(w, r, "token")
	if !ok {
		return
	}
	account, ok := pathAddress(w, r, "account")
	if !ok {
		return
	}
	bal, err := h.ledger.BalanceOf(r.Context(), token, account)
	if err != nil {
		writeDomainError(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":     token.Hex(),
		"account":   account.Hex(),
		"balance":   amountString(bal),
		"allowance": amountString(h.ledger.Allowance(r.Context(), token, account, h.custody)),
	})
}

type approveRequest struct {
	Token   string `json:"token"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

// Approve sets the caller's allowance; the spender defaults to custody.
// POST /api/ledger/approve
func (h *LedgerHandler) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var body approveRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	token, err := parseAddress(body.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, "token: "+err.Error())
		return
	}
	spender := h.custody
	if body.Spender != "" {
		if spender, err = parseAddress(body.Spender); err != nil {
			writeError(w, http.StatusBadRequest, "spender: "+err.Error())
			return
		}
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}
	if err := h.ledger.Approve(r.Context(), token, caller, spender, amount); err != nil {
		writeDomainError(w, r, h.logger, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":     token.Hex(),
		"owner":     caller.Hex(),
		"spender":   spender.Hex(),
		"allowance": amount.String(),
	})
}

type mintRequest struct {
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// Mint credits test funds. Owner only.
// POST /api/ledger/mint
func (h *LedgerHandler) Mint(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if caller != h.owner(r.Context()) {
		writeError(w, http.StatusForbidden, "faucet is owner only")
		return
	}
	var body mintRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	token, err := parseAddress(body.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, "token: "+err.Error())
		return
	}
	to, err := parseAddress(body.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}
	if err := h.ledger.Mint(r.Context(), token, to, amount); err != nil {
		writeDomainError(w, r, h.logger, "mint", err)
		return
	}
	h.logger.InfoContext(r.Context(), "faucet mint",
		slog.String("token", token.Hex()),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
	)
	bal, _ := h.ledger.BalanceOf(r.Context(), token, to)
	writeJSON(w, http.StatusOK, map[string]string{
		"token":   token.Hex(),
		"account": to.Hex(),
		"balance": amountString(bal),
	})
}
