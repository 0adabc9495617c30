package handler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/steward/internal/domain"
	"github.com/alanyoungcy/steward/internal/engine"
)

// ConditionEngine is the part of the engine the condition endpoints use.
type ConditionEngine interface {
	CreateCondition(ctx context.Context, req engine.CreateRequest) (uint64, error)
	ExecuteCondition(ctx context.Context, caller common.Address, id uint64) error
	CancelCondition(ctx context.Context, caller common.Address, id uint64) error
	MarkExpired(ctx context.Context, caller common.Address, id uint64) error
	ReclaimExpired(ctx context.Context, caller common.Address, id uint64) error
	AddApproval(ctx context.Context, caller common.Address, id uint64) error
	Condition(ctx context.Context, id uint64) (domain.Condition, error)
	Status(ctx context.Context, id uint64) (domain.ConditionStatus, error)
	IsConditionMet(ctx context.Context, id uint64) (bool, error)
	HasApproved(ctx context.Context, id uint64, approver common.Address) bool
	ApprovalCount(ctx context.Context, id uint64) uint64
	UserConditions(ctx context.Context, account common.Address) []uint64
}

// ConditionHandler serves /api/conditions and /api/accounts.
type ConditionHandler struct {
	engine ConditionEngine
	logger *slog.Logger
}

// NewConditionHandler creates a ConditionHandler.
func NewConditionHandler(e ConditionEngine, logger *slog.Logger) *ConditionHandler {
	return &ConditionHandler{engine: e, logger: logger.With(slog.String("handler", "conditions"))}
}

// triggerRequest is the readable form of trigger data. Only the fields of
// the declared condition type are read.
type triggerRequest struct {
	At         *time.Time `json:"at,omitempty"`
	Height     *uint64    `json:"height,omitempty"`
	Token      string     `json:"token,omitempty"`
	Account    string     `json:"account,omitempty"`
	MinBalance string     `json:"min_balance,omitempty"`
	Required   *uint64    `json:"required,omitempty"`
}

type createRequest struct {
	ConditionType *domain.ConditionType `json:"condition_type"`
	Trigger       *triggerRequest       `json:"trigger,omitempty"`
	TriggerData   hexutil.Bytes         `json:"trigger_data,omitempty"`
	PayoutAmount  string                `json:"payout_amount"`
	PayoutToken   string                `json:"payout_token,omitempty"`
	Recipient     string                `json:"recipient,omitempty"`
	ExpiresAt     time.Time             `json:"expires_at"`
	Value         string                `json:"value,omitempty"`
}

func (req createRequest) toEngine(creator common.Address) (engine.CreateRequest, error) {
	var out engine.CreateRequest
	if req.ConditionType == nil {
		return out, fmt.Errorf("%w: condition_type is required", domain.ErrInvalidTrigger)
	}
	ct := *req.ConditionType

	data := []byte(req.TriggerData)
	switch {
	case req.Trigger != nil && len(data) > 0:
		return out, fmt.Errorf("%w: send trigger or trigger_data, not both", domain.ErrInvalidTrigger)
	case req.Trigger != nil:
		t, err := req.Trigger.build(ct)
		if err != nil {
			return out, err
		}
		if data, err = domain.EncodeTrigger(t); err != nil {
			return out, err
		}
	}

	amount, err := parseAmount(req.PayoutAmount)
	if err != nil {
		return out, fmt.Errorf("payout_amount: %w", err)
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		return out, fmt.Errorf("value: %w", err)
	}
	token, err := parseAddress(req.PayoutToken)
	if err != nil {
		return out, fmt.Errorf("payout_token: %w", err)
	}
	recipient, err := parseAddress(req.Recipient)
	if err != nil {
		return out, fmt.Errorf("recipient: %w", err)
	}

	return engine.CreateRequest{
		Creator:      creator,
		Type:         ct,
		TriggerData:  data,
		PayoutAmount: amount,
		PayoutToken:  token,
		Recipient:    recipient,
		ExpiresAt:    req.ExpiresAt,
		Value:        value,
	}, nil
}

func (t triggerRequest) build(ct domain.ConditionType) (domain.Trigger, error) {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s trigger needs %s", domain.ErrInvalidTrigger, ct, field)
	}
	switch ct {
	case domain.ConditionTimeBased:
		if t.At == nil {
			return nil, missing("at")
		}
		return domain.TimeTrigger{At: *t.At}, nil
	case domain.ConditionBlockBased:
		if t.Height == nil {
			return nil, missing("height")
		}
		return domain.BlockTrigger{Height: *t.Height}, nil
	case domain.ConditionTokenBalance:
		if !common.IsHexAddress(t.Token) || !common.IsHexAddress(t.Account) {
			return nil, missing("token and account addresses")
		}
		minBal, err := parseAmount(t.MinBalance)
		if err != nil {
			return nil, fmt.Errorf("%w: min_balance %w", domain.ErrInvalidTrigger, err)
		}
		return domain.BalanceTrigger{
			Token:      common.HexToAddress(t.Token),
			Account:    common.HexToAddress(t.Account),
			MinBalance: minBal,
		}, nil
	case domain.ConditionMultisigApproval:
		if t.Required == nil {
			return nil, missing("required")
		}
		return domain.ApprovalTrigger{Required: *t.Required}, nil
	default:
		return nil, fmt.Errorf("%w: unknown condition type %d", domain.ErrInvalidTrigger, uint8(ct))
	}
}

// Create escrows funds under a new condition.
// POST /api/conditions
func (h *ConditionHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var body createRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	req, err := body.toEngine(caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.engine.CreateCondition(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, "create condition", err)
		return
	}
	c, err := h.engine.Condition(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "load condition", err)
		return
	}
	writeJSON(w, http.StatusCreated, c.View())
}

// Get returns a condition.
// GET /api/conditions/{id}
func (h *ConditionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := h.engine.Condition(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get condition", err)
		return
	}
	writeJSON(w, http.StatusOK, c.View())
}

// Status returns only the status.
// GET /api/conditions/{id}/status
func (h *ConditionHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := h.engine.Status(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": st})
}

// Met evaluates the trigger now.
// GET /api/conditions/{id}/met
func (h *ConditionHandler) Met(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	met, err := h.engine.IsConditionMet(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "evaluate condition", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "met": met})
}

// Approval reports whether an address approved a condition.
// GET /api/conditions/{id}/approvals/{address}
func (h *ConditionHandler) Approval(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	if _, err := h.engine.Condition(r.Context(), id); err != nil {
		writeDomainError(w, r, h.logger, "get condition", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"approver":  addr.Hex(),
		"approved":  h.engine.HasApproved(r.Context(), id, addr),
		"approvals": h.engine.ApprovalCount(r.Context(), id),
	})
}

// ByAccount lists the ids of conditions an account created.
// GET /api/accounts/{address}/conditions
func (h *ConditionHandler) ByAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	ids := h.engine.UserConditions(r.Context(), addr)
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": addr.Hex(), "condition_ids": ids})
}

// Execute pays out a met condition.
// POST /api/conditions/{id}/execute
func (h *ConditionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "execute", h.engine.ExecuteCondition)
}

// Cancel refunds an ACTIVE condition to its creator.
// POST /api/conditions/{id}/cancel
func (h *ConditionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "cancel", h.engine.CancelCondition)
}

// Expire marks a past-deadline condition EXPIRED.
// POST /api/conditions/{id}/expire
func (h *ConditionHandler) Expire(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "mark expired", h.engine.MarkExpired)
}

// Reclaim returns an expired condition's funds to its creator.
// POST /api/conditions/{id}/reclaim
func (h *ConditionHandler) Reclaim(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "reclaim", h.engine.ReclaimExpired)
}

// Approve records the caller's approval.
// POST /api/conditions/{id}/approve
func (h *ConditionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "approve", h.engine.AddApproval)
}

func (h *ConditionHandler) act(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, common.Address, uint64) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), caller, id); err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	c, err := h.engine.Condition(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "load condition", err)
		return
	}
	h.logger.InfoContext(r.Context(), op,
		slog.Uint64("condition_id", id),
		slog.String("caller", caller.Hex()),
		slog.String("status", string(c.Status)),
	)
	writeJSON(w, http.StatusOK, c.View())
}

// amountString renders nil as "0".
func amountString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
