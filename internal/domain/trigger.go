package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Trigger is the decoded, type-specific rule that decides when a condition is
// met. The set of variants is closed: TimeTrigger, BlockTrigger,
// BalanceTrigger and ApprovalTrigger.
type Trigger interface {
	// Type returns the condition type this trigger belongs to.
	Type() ConditionType
	isTrigger()
}

// TimeTrigger is met once block time reaches At.
type TimeTrigger struct {
	At time.Time
}

// BlockTrigger is met once the block height reaches Height.
type BlockTrigger struct {
	Height uint64
}

// BalanceTrigger is met while Account holds at least MinBalance of Token.
type BalanceTrigger struct {
	Token      common.Address
	Account    common.Address
	MinBalance *big.Int
}

// ApprovalTrigger is met once Required distinct approvals are recorded.
type ApprovalTrigger struct {
	Required uint64
}

func (TimeTrigger) Type() ConditionType     { return ConditionTimeBased }
func (BlockTrigger) Type() ConditionType    { return ConditionBlockBased }
func (BalanceTrigger) Type() ConditionType  { return ConditionTokenBalance }
func (ApprovalTrigger) Type() ConditionType { return ConditionMultisigApproval }

func (TimeTrigger) isTrigger()     {}
func (BlockTrigger) isTrigger()    {}
func (BalanceTrigger) isTrigger()  {}
func (ApprovalTrigger) isTrigger() {}

// ABI layouts, identical to abi.encode in the Solidity clients.
var (
	uint256Type = mustType("uint256")
	addressType = mustType("address")

	uintArgs    = abi.Arguments{{Name: "value", Type: uint256Type}}
	balanceArgs = abi.Arguments{
		{Name: "token", Type: addressType},
		{Name: "account", Type: addressType},
		{Name: "minBalance", Type: uint256Type},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("domain: abi type %s: %v", t, err))
	}
	return typ
}

// EncodeTrigger ABI-encodes t into the opaque trigger payload stored on a
// condition.
func EncodeTrigger(t Trigger) ([]byte, error) {
	switch v := t.(type) {
	case TimeTrigger:
		if v.At.Unix() < 0 {
			return nil, fmt.Errorf("%w: negative timestamp", ErrInvalidTrigger)
		}
		// The payload holds whole seconds; a fraction would make the trigger
		// fire early.
		if v.At.Nanosecond() != 0 {
			return nil, fmt.Errorf("%w: timestamp must be whole seconds", ErrInvalidTrigger)
		}
		return uintArgs.Pack(new(big.Int).SetInt64(v.At.Unix()))
	case BlockTrigger:
		return uintArgs.Pack(new(big.Int).SetUint64(v.Height))
	case BalanceTrigger:
		if v.MinBalance == nil || v.MinBalance.Sign() < 0 {
			return nil, fmt.Errorf("%w: min balance must be non-negative", ErrInvalidTrigger)
		}
		return balanceArgs.Pack(v.Token, v.Account, v.MinBalance)
	case ApprovalTrigger:
		return uintArgs.Pack(new(big.Int).SetUint64(v.Required))
	default:
		return nil, fmt.Errorf("%w: unsupported trigger %T", ErrInvalidTrigger, t)
	}
}

// DecodeTrigger parses the payload for the given condition type and applies
// the per-type validity rules.
func DecodeTrigger(ct ConditionType, data []byte) (Trigger, error) {
	switch ct {
	case ConditionTimeBased:
		v, err := decodeUint(data)
		if err != nil {
			return nil, err
		}
		if !v.IsInt64() {
			return nil, fmt.Errorf("%w: timestamp out of range", ErrInvalidTrigger)
		}
		return TimeTrigger{At: time.Unix(v.Int64(), 0).UTC()}, nil

	case ConditionBlockBased:
		v, err := decodeUint(data)
		if err != nil {
			return nil, err
		}
		if !v.IsUint64() {
			return nil, fmt.Errorf("%w: block height out of range", ErrInvalidTrigger)
		}
		return BlockTrigger{Height: v.Uint64()}, nil

	case ConditionTokenBalance:
		if len(data) != 3*32 {
			return nil, fmt.Errorf("%w: token balance payload must be 96 bytes, got %d", ErrInvalidTrigger, len(data))
		}
		vals, err := balanceArgs.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		token, ok1 := vals[0].(common.Address)
		account, ok2 := vals[1].(common.Address)
		minBal, ok3 := vals[2].(*big.Int)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("%w: unexpected token balance layout", ErrInvalidTrigger)
		}
		if token == NativeToken {
			return nil, fmt.Errorf("%w: token contract must not be the zero address", ErrInvalidTrigger)
		}
		return BalanceTrigger{Token: token, Account: account, MinBalance: minBal}, nil

	case ConditionMultisigApproval:
		v, err := decodeUint(data)
		if err != nil {
			return nil, err
		}
		if !v.IsUint64() || v.Sign() == 0 {
			return nil, fmt.Errorf("%w: required approvals must be between 1 and 2^64-1", ErrInvalidTrigger)
		}
		return ApprovalTrigger{Required: v.Uint64()}, nil

	default:
		return nil, fmt.Errorf("%w: unknown condition type %d", ErrInvalidTrigger, uint8(ct))
	}
}

func decodeUint(data []byte) (*big.Int, error) {
	if len(data) != 32 {
		return nil, fmt.Errorf("%w: expected 32-byte payload, got %d", ErrInvalidTrigger, len(data))
	}
	vals, err := uintArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected uint layout", ErrInvalidTrigger)
	}
	return v, nil
}
