package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ConditionView is the JSON form of a Condition used by the API, the event
// bus and archives. Amounts are decimal strings; addresses are checksummed.
type ConditionView struct {
	ID           uint64        `json:"id"`
	Creator      string        `json:"creator"`
	Recipient    string        `json:"recipient"`
	Type         ConditionType `json:"condition_type"`
	TriggerData  hexutil.Bytes `json:"trigger_data"`
	PayoutAmount string        `json:"payout_amount"`
	PayoutToken  string        `json:"payout_token"`
	Status       string        `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	ExecutedAt   *time.Time    `json:"executed_at,omitempty"`
	Executor     string        `json:"executor,omitempty"`
	ReclaimedAt  *time.Time    `json:"reclaimed_at,omitempty"`
	Approvals    uint64        `json:"approvals"`
}

// View returns the JSON form of c.
func (c Condition) View() ConditionView {
	v := ConditionView{
		ID:          c.ID,
		Creator:     c.Creator.Hex(),
		Recipient:   c.Recipient.Hex(),
		Type:        c.Type,
		TriggerData: c.TriggerData,
		PayoutToken: c.PayoutToken.Hex(),
		Status:      string(c.Status),
		CreatedAt:   c.CreatedAt,
		ExpiresAt:   c.ExpiresAt,
		ExecutedAt:  c.ExecutedAt,
		ReclaimedAt: c.ReclaimedAt,
		Approvals:   c.Approvals,
	}
	if c.PayoutAmount != nil {
		v.PayoutAmount = c.PayoutAmount.String()
	}
	if c.ExecutedAt != nil {
		v.Executor = c.Executor.Hex()
	}
	return v
}

// EventView is the JSON form of a ConditionEvent published to subscribers.
type EventView struct {
	Kind        EventKind      `json:"kind"`
	ConditionID uint64         `json:"condition_id,omitempty"`
	Actor       string         `json:"actor"`
	Amount      string         `json:"amount,omitempty"`
	Token       string         `json:"token,omitempty"`
	At          time.Time      `json:"at"`
	Condition   *ConditionView `json:"condition,omitempty"`
	Approver    string         `json:"approver,omitempty"`
	Owner       string         `json:"owner"`
	Paused      bool           `json:"paused"`
	Counter     uint64         `json:"counter"`
}

// View returns the JSON form of ev.
func (ev ConditionEvent) View() EventView {
	v := EventView{
		Kind:        ev.Kind,
		ConditionID: ev.ConditionID,
		Actor:       ev.Actor.Hex(),
		At:          ev.At,
		Owner:       ev.State.Owner.Hex(),
		Paused:      ev.State.Paused,
		Counter:     ev.State.Counter,
	}
	if ev.Amount != nil {
		v.Amount = ev.Amount.String()
	}
	if ev.Condition != nil {
		cv := ev.Condition.View()
		v.Condition = &cv
		v.Token = ev.Token.Hex()
	}
	if ev.Approval != nil {
		v.Approver = ev.Approval.Approver.Hex()
	}
	return v
}
