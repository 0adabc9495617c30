package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names an engine event.
type EventKind string

const (
	EventConditionCreated     EventKind = "condition_created"
	EventConditionExecuted    EventKind = "condition_executed"
	EventConditionCancelled   EventKind = "condition_cancelled"
	EventConditionExpired     EventKind = "condition_expired"
	EventConditionReclaimed   EventKind = "condition_reclaimed"
	EventApprovalAdded        EventKind = "approval_added"
	EventEnginePaused         EventKind = "engine_paused"
	EventEngineUnpaused       EventKind = "engine_unpaused"
	EventOwnershipTransferred EventKind = "ownership_transferred"
)

// ConditionEvent is emitted after a call commits. Condition holds a snapshot
// of the affected record and is nil for engine-wide events.
type ConditionEvent struct {
	Kind        EventKind
	ConditionID uint64
	Actor       common.Address
	Amount      *big.Int
	Token       common.Address
	At          time.Time
	Condition   *Condition
	Approval    *Approval
	// State is the engine state right after the call committed.
	State EngineState
}

// EngineState is the engine-wide state outside the condition table.
type EngineState struct {
	Owner   common.Address
	Paused  bool
	Counter uint64
}
