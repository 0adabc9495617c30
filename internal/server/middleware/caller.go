package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/crypto"
	"github.com/alanyoungcy/steward/internal/domain"
)

// maxSignedBody bounds how much of a request body is buffered for signature
// checks.
const maxSignedBody = 1 << 20

type callerKey struct{}

// Caller returns the authenticated caller address, if any.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// WithCaller returns ctx carrying addr as the caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerAuth resolves the caller address from the X-Steward-* headers.
// With a verifier the request signature must recover to the claimed address;
// with a nil verifier the address header is trusted. Requests without the
// address header pass through anonymously.
//
// A signed request is accepted once: guard remembers it for as long as its
// timestamp stays within the verifier's skew. A nil guard skips that check.
// Guard errors fail closed.
func CallerAuth(verifier *crypto.Verifier, guard domain.ReplayGuard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claimed := r.Header.Get(crypto.HeaderAddress)
			if claimed == "" {
				next.ServeHTTP(w, r)
				return
			}

			if verifier == nil {
				if !common.IsHexAddress(claimed) {
					writeJSONError(w, http.StatusUnauthorized, "malformed "+crypto.HeaderAddress)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), common.HexToAddress(claimed))))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "read body: "+err.Error())
				return
			}
			if len(body) > maxSignedBody {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			addr, err := verifier.Verify(r.Method, r.URL.Path, body, claimed,
				r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature))
			if err != nil {
				msg := "invalid request signature"
				if errors.Is(err, crypto.ErrStaleTimestamp) {
					msg = "stale or missing request timestamp"
				}
				writeJSONError(w, http.StatusUnauthorized, msg)
				return
			}
			if guard != nil {
				key := "request:" + addr.Hex() + ":" + r.Header.Get(crypto.HeaderTimestamp) + ":" + r.Header.Get(crypto.HeaderSignature)
				fresh, err := guard.Claim(r.Context(), key, 2*verifier.MaxSkew)
				if err != nil {
					writeJSONError(w, http.StatusServiceUnavailable, "replay check unavailable")
					return
				}
				if !fresh {
					writeJSONError(w, http.StatusUnauthorized, domain.ErrReplayed.Error())
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
		})
	}
}
