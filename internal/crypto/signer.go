package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Request authentication headers.
const (
	HeaderAddress   = "X-Steward-Address"
	HeaderTimestamp = "X-Steward-Timestamp"
	HeaderSignature = "X-Steward-Signature"
)

var (
	// ErrBadSignature is returned when a signature cannot be decoded or does
	// not recover to the claimed address.
	ErrBadSignature = errors.New("crypto: bad signature")
	// ErrStaleTimestamp is returned when a signed request falls outside the
	// allowed clock skew.
	ErrStaleTimestamp = errors.New("crypto: stale timestamp")
)

// RequestDigest returns the 32-byte message a caller signs for an API call:
//
//	keccak256(method "\n" path "\n" timestamp "\n" keccak256(body))
func RequestDigest(method, path string, unixTS int64, body []byte) []byte {
	msg := strings.ToUpper(method) + "\n" + path + "\n" + strconv.FormatInt(unixTS, 10) + "\n" +
		hexutil.Encode(ethcrypto.Keccak256(body))
	return ethcrypto.Keccak256([]byte(msg))
}

// Signer signs API requests with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignRequest returns the authentication headers for a request signed at ts.
func (s *Signer) SignRequest(method, path string, body []byte, ts time.Time) (map[string]string, error) {
	unix := ts.Unix()
	sig, err := s.signDigest(accounts.TextHash(RequestDigest(method, path, unix, body)))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderAddress:   s.address.Hex(),
		HeaderTimestamp: strconv.FormatInt(unix, 10),
		HeaderSignature: sig,
	}, nil
}

// signDigest signs a 32-byte digest and returns r || s || v hex-encoded with
// v in {27,28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// Verifier checks signed API requests.
type Verifier struct {
	// MaxSkew bounds how far the request timestamp may be from now.
	MaxSkew time.Duration
	now     func() time.Time
}

// NewVerifier creates a Verifier. A non-positive maxSkew defaults to five
// minutes.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Verifier{MaxSkew: maxSkew, now: time.Now}
}

// Verify recovers the signer of a request and checks it matches claimed.
func (v *Verifier) Verify(method, path string, body []byte, claimed, timestamp, signature string) (common.Address, error) {
	if !common.IsHexAddress(claimed) {
		return common.Address{}, fmt.Errorf("%w: malformed address %q", ErrBadSignature, claimed)
	}
	addr := common.HexToAddress(claimed)

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: malformed timestamp %q", ErrStaleTimestamp, timestamp)
	}
	skew := v.now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.MaxSkew {
		return common.Address{}, fmt.Errorf("%w: off by %s", ErrStaleTimestamp, skew.Round(time.Second))
	}

	recovered, err := RecoverRequest(method, path, unix, body, signature)
	if err != nil {
		return common.Address{}, err
	}
	if recovered != addr {
		return common.Address{}, fmt.Errorf("%w: signed by %s, claimed %s", ErrBadSignature, recovered.Hex(), addr.Hex())
	}
	return addr, nil
}

// RecoverRequest returns the address that produced signature over the
// request digest.
func RecoverRequest(method, path string, unixTS int64, body []byte, signature string) (common.Address, error) {
	if !strings.HasPrefix(signature, "0x") {
		signature = "0x" + signature
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: expected 65 hex bytes", ErrBadSignature)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(RequestDigest(method, path, unixTS, body)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
