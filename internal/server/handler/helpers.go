// Package handler implements the HTTP endpoints of the steward API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/domain"
	"github.com/alanyoungcy/steward/internal/server/middleware"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a domain error to an HTTP status. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPaused), errors.Is(err, domain.ErrCommitFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTransferFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrReentrantCall):
		return http.StatusConflict
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsState(err), errors.Is(err, domain.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrReplayed):
		return http.StatusUnauthorized
	case domain.IsAuthorization(err):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with the mapped status. 5xx details are logged
// and hidden from the client.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= 500 {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

// decodeJSON decodes a bounded request body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// requireCaller returns the authenticated caller or writes 401.
func requireCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized.Error()+": caller address required")
		return common.Address{}, false
	}
	return addr, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid condition id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	addr, err := parseAddress(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, name+": "+err.Error())
		return common.Address{}, false
	}
	return addr, true
}

// parseAddress accepts a 0x hex address. "native" and "" map to the
// native-token sentinel.
func parseAddress(s string) (common.Address, error) {
	switch s {
	case "", "native":
		return domain.NativeToken, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not an address", s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount parses a non-negative base-10 integer. Empty means zero.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%q is not a non-negative integer", s)
	}
	return n, nil
}

// parseListOpts reads limit (default 50, max 500), offset, since and until
// (RFC 3339).
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 50}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = min(n, 500)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid offset %q", v)
		}
		opts.Offset = n
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		if v := q.Get(p.key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return opts, fmt.Errorf("invalid %s: %w", p.key, err)
			}
			*p.dst = &t
		}
	}
	return opts, nil
}
