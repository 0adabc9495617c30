package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/domain"
)

// AdminEngine is the owner-only surface plus the engine-wide queries.
type AdminEngine interface {
	Pause(ctx context.Context, caller common.Address) error
	Unpause(ctx context.Context, caller common.Address) error
	TransferOwnership(ctx context.Context, caller, newOwner common.Address) error
	State(ctx context.Context) domain.EngineState
	CustodyAddress() common.Address
	Active(ctx context.Context) []domain.Condition
	EscrowedTotal(ctx context.Context, token common.Address) *big.Int
}

// EngineHandler serves /api/engine and /api/admin.
type EngineHandler struct {
	engine AdminEngine
	logger *slog.Logger
}

// NewEngineHandler creates an EngineHandler.
func NewEngineHandler(e AdminEngine, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{engine: e, logger: logger.With(slog.String("handler", "engine"))}
}

type engineResponse struct {
	Counter        uint64            `json:"counter"`
	Owner          string            `json:"owner"`
	Paused         bool              `json:"paused"`
	CustodyAddress string            `json:"custody_address"`
	Active         int               `json:"active"`
	Escrowed       map[string]string `json:"escrowed"`
}

func (h *EngineHandler) snapshot(ctx context.Context) engineResponse {
	st := h.engine.State(ctx)
	active := h.engine.Active(ctx)

	tokens := map[common.Address]bool{}
	for _, c := range active {
		tokens[c.PayoutToken] = true
	}
	keys := make([]common.Address, 0, len(tokens))
	for t := range tokens {
		keys = append(keys, t)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Cmp(keys[j]) < 0 })

	escrowed := make(map[string]string, len(keys))
	for _, t := range keys {
		escrowed[t.Hex()] = amountString(h.engine.EscrowedTotal(ctx, t))
	}
	return engineResponse{
		Counter:        st.Counter,
		Owner:          st.Owner.Hex(),
		Paused:         st.Paused,
		CustodyAddress: h.engine.CustodyAddress().Hex(),
		Active:         len(active),
		Escrowed:       escrowed,
	}
}

// Get returns the engine-wide state.
// GET /api/engine
func (h *EngineHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot(r.Context()))
}

// Pause halts condition mutations.
// POST /api/admin/pause
func (h *EngineHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.admin(w, r, "pause", h.engine.Pause)
}

// Unpause resumes condition mutations.
// POST /api/admin/unpause
func (h *EngineHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	h.admin(w, r, "unpause", h.engine.Unpause)
}

type ownerRequest struct {
	NewOwner string `json:"new_owner"`
}

// TransferOwnership hands the owner role to another address.
// POST /api/admin/owner
func (h *EngineHandler) TransferOwnership(w http.ResponseWriter, r *http.Request) {
	var body ownerRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if !common.IsHexAddress(body.NewOwner) {
		writeError(w, http.StatusBadRequest, "new_owner must be an address")
		return
	}
	newOwner := common.HexToAddress(body.NewOwner)
	h.admin(w, r, "transfer ownership", func(ctx context.Context, caller common.Address) error {
		return h.engine.TransferOwnership(ctx, caller, newOwner)
	})
}

func (h *EngineHandler) admin(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, common.Address) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), caller); err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	h.logger.InfoContext(r.Context(), op, slog.String("caller", caller.Hex()))
	writeJSON(w, http.StatusOK, h.snapshot(r.Context()))
}
