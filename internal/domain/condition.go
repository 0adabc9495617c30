package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NativeToken is the payout-token sentinel for the chain's native currency.
var NativeToken = common.Address{}

// ConditionType selects how a condition's trigger data is interpreted.
type ConditionType uint8

const (
	ConditionTimeBased ConditionType = iota
	ConditionBlockBased
	ConditionTokenBalance
	ConditionMultisigApproval
)

var conditionTypeNames = [...]string{
	ConditionTimeBased:        "TIME_BASED",
	ConditionBlockBased:       "BLOCK_BASED",
	ConditionTokenBalance:     "TOKEN_BALANCE",
	ConditionMultisigApproval: "MULTISIG_APPROVAL",
}

// String returns the canonical upper-case name of the type.
func (t ConditionType) String() string {
	if int(t) < len(conditionTypeNames) {
		return conditionTypeNames[t]
	}
	return fmt.Sprintf("ConditionType(%d)", uint8(t))
}

// Valid reports whether t is one of the four known types.
func (t ConditionType) Valid() bool {
	return int(t) < len(conditionTypeNames)
}

// ParseConditionType parses a type name, case-insensitively.
func ParseConditionType(s string) (ConditionType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range conditionTypeNames {
		if n == name {
			return ConditionType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown condition type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t ConditionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ConditionType) UnmarshalText(text []byte) error {
	v, err := ParseConditionType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ConditionStatus tracks the condition lifecycle.
type ConditionStatus string

const (
	StatusActive    ConditionStatus = "ACTIVE"
	StatusExecuted  ConditionStatus = "EXECUTED"
	StatusExpired   ConditionStatus = "EXPIRED"
	StatusCancelled ConditionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s ConditionStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusExpired || s == StatusCancelled
}

// Condition is an escrow record pairing locked funds with a typed trigger.
type Condition struct {
	ID           uint64
	Creator      common.Address
	Recipient    common.Address
	Type         ConditionType
	TriggerData  []byte
	PayoutAmount *big.Int
	PayoutToken  common.Address
	Status       ConditionStatus
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ExecutedAt   *time.Time
	Executor     common.Address
	ReclaimedAt  *time.Time
	Approvals    uint64
}

// IsNative reports whether the payout is denominated in native currency.
func (c Condition) IsNative() bool {
	return c.PayoutToken == NativeToken
}

// Clone returns a deep copy so callers cannot mutate engine-owned state.
func (c Condition) Clone() Condition {
	out := c
	if c.TriggerData != nil {
		out.TriggerData = append([]byte(nil), c.TriggerData...)
	}
	if c.PayoutAmount != nil {
		out.PayoutAmount = new(big.Int).Set(c.PayoutAmount)
	}
	if c.ExecutedAt != nil {
		t := *c.ExecutedAt
		out.ExecutedAt = &t
	}
	if c.ReclaimedAt != nil {
		t := *c.ReclaimedAt
		out.ReclaimedAt = &t
	}
	return out
}

// Approval is a single (condition, approver) vote.
type Approval struct {
	ConditionID uint64
	Approver    common.Address
	ApprovedAt  time.Time
}
