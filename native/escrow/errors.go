package escrow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound marks lookups for escrow ids that were never created.
	ErrNotFound = errors.New("escrow: not found")
	// ErrNotEscrowParty marks calls from addresses without authority over
	// the escrow for the attempted operation.
	ErrNotEscrowParty = errors.New("escrow: caller is not an escrow party")
	// ErrInvalidAmount marks a malformed or mismatched amount.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrInsufficientBalance marks a transfer the paying account cannot
	// cover. The caller can fix it by depositing more of the asset.
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
	// ErrInvalidCondition marks a malformed release condition or an
	// operation that does not apply to the configured condition.
	ErrInvalidCondition = errors.New("escrow: invalid release condition")
	// ErrTimeoutNotReached marks refund or time-gated release attempts made
	// before the configured timeout.
	ErrTimeoutNotReached = errors.New("escrow: timeout not reached")
	// ErrAttestationNotVerified is the single opaque failure for every
	// attestation check: missing record, wrong subject, wrong model, wrong
	// decision, low confidence or staleness all collapse into it so callers
	// cannot probe the oracle check by check.
	ErrAttestationNotVerified = errors.New("escrow: attestation not verified")
	// ErrInsufficientApprovals marks a quorum release attempt below the
	// required approval count.
	ErrInsufficientApprovals = errors.New("escrow: insufficient approvals")
	// ErrAlreadyApproved marks a second approval from the same address.
	ErrAlreadyApproved = errors.New("escrow: already approved")
	// ErrTransferFailed marks a payout that could not be delivered. The
	// escrow stays terminal with the payout pending; ClaimPayout retries.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrNoPayoutPending marks a ClaimPayout call when nothing is owed.
	ErrNoPayoutPending = errors.New("escrow: no payout pending")
)

// InvalidStatusError reports an operation invoked from a state where it does
// not apply. Both the current and the expected states are named so callers can
// distinguish "wrong call" from "already resolved".
type InvalidStatusError struct {
	Op       string
	Current  Status
	Expected []Status
}

func (e *InvalidStatusError) Error() string {
	names := make([]string, 0, len(e.Expected))
	for _, s := range e.Expected {
		names = append(names, s.String())
	}
	return fmt.Sprintf("escrow: cannot %s in status %s (requires %s)", e.Op, e.Current, strings.Join(names, " or "))
}

func invalidStatus(op string, current Status, expected ...Status) error {
	return &InvalidStatusError{Op: op, Current: current, Expected: expected}
}
