package escrow

import (
	"encoding/hex"
	"strconv"
	"strings"

	"escrowd/core/types"
)

const (
	EventTypeEscrowCreated       = "escrow.created"
	EventTypeEscrowFunded        = "escrow.funded"
	EventTypeEscrowReleased      = "escrow.released"
	EventTypeEscrowRefunded      = "escrow.refunded"
	EventTypeEscrowCancelled     = "escrow.cancelled"
	EventTypeEscrowApproved      = "escrow.approved"
	EventTypeEscrowDisputed      = "escrow.disputed"
	EventTypeEscrowResolved      = "escrow.resolved"
	EventTypeEscrowPayoutRetried = "escrow.payout_retried"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e, nil) }

// NewFundedEvent returns the canonical event payload emitted when an escrow is
// funded by the sender.
func NewFundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowFunded, e, nil) }

// NewReleasedEvent returns the canonical event payload for a release of escrow
// funds to the recipient.
func NewReleasedEvent(e *Escrow) *types.Event {
	extra := map[string]string{}
	if e != nil && e.ReleaseProof != ([32]byte{}) {
		extra["releaseProof"] = hex.EncodeToString(e.ReleaseProof[:])
	}
	return newEscrowEvent(EventTypeEscrowReleased, e, extra)
}

// NewRefundedEvent returns the canonical event payload for an escrow refund to
// the sender.
func NewRefundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowRefunded, e, nil) }

// NewCancelledEvent returns the canonical event payload emitted when an
// unfunded escrow is cancelled.
func NewCancelledEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowCancelled, e, nil)
}

// NewApprovedEvent returns the canonical event payload for a quorum approval.
func NewApprovedEvent(e *Escrow, approver [20]byte) *types.Event {
	return newEscrowEvent(EventTypeEscrowApproved, e, map[string]string{
		"approver": hex.EncodeToString(approver[:]),
	})
}

// NewDisputedEvent returns the canonical event payload emitted when an escrow
// is marked as disputed.
func NewDisputedEvent(e *Escrow, reason string) *types.Event {
	extra := map[string]string{}
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		extra["reason"] = trimmed
	}
	return newEscrowEvent(EventTypeEscrowDisputed, e, extra)
}

// NewResolvedEvent returns the canonical event payload emitted when a dispute
// is resolved by the arbiter.
func NewResolvedEvent(e *Escrow, toRecipient bool) *types.Event {
	outcome := "refund"
	if toRecipient {
		outcome = "release"
	}
	return newEscrowEvent(EventTypeEscrowResolved, e, map[string]string{"outcome": outcome})
}

// NewPayoutRetriedEvent returns the canonical event payload emitted when a
// previously failed payout is delivered via ClaimPayout.
func NewPayoutRetriedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowPayoutRetried, e, nil)
}

func newEscrowEvent(eventType string, e *Escrow, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["senderAgent"] = sanitized.Config.SenderAgent
	attrs["recipientAgent"] = sanitized.Config.RecipientAgent
	attrs["sender"] = hex.EncodeToString(sanitized.SenderAddr[:])
	attrs["recipient"] = hex.EncodeToString(sanitized.RecipientAddr[:])
	attrs["asset"] = sanitized.Config.Asset
	attrs["amount"] = sanitized.Config.Amount.String()
	attrs["condition"] = sanitized.Config.Condition.String()
	attrs["status"] = sanitized.Status.String()
	attrs["timeout"] = strconv.FormatInt(sanitized.Config.Timeout, 10)
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	if sanitized.Arbiter != ([20]byte{}) {
		attrs["arbiter"] = hex.EncodeToString(sanitized.Arbiter[:])
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
