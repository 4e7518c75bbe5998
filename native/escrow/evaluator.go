package escrow

import (
	"context"
	"strings"
	"time"

	"escrowd/native/attestation"
)

// DefaultFreshnessWindow is the maximum age an attestation may have and still
// justify a release. A stale attestation forces a fresh re-check of behavior
// rather than reuse of a one-time-good result.
const DefaultFreshnessWindow = time.Hour

const maxConfidenceBps = uint32(attestation.MaxConfidenceBps)

// EvaluateRelease is the pure release predicate: given the escrow, its
// approval set, an attestation lookup and the current time it reports whether
// the configured condition currently holds. It never mutates anything; a nil
// return means the release may proceed.
//
// Conditions that do not consume an attestation ignore the proof argument.
func EvaluateRelease(ctx context.Context, esc *Escrow, approvals *ApprovalSet, store attestation.Store, proof [32]byte, now int64, freshness time.Duration) error {
	if esc == nil {
		return ErrNotFound
	}
	switch esc.Config.Condition {
	case ConditionTimeOnly:
		return evaluateTimeout(esc, now)
	case ConditionQuorum:
		if !approvals.Satisfied() {
			return ErrInsufficientApprovals
		}
		return nil
	case ConditionAttestationGated:
		return evaluateAttestation(ctx, esc, store, proof, now, freshness)
	case ConditionAttestationGatedAndTime:
		if err := evaluateTimeout(esc, now); err != nil {
			return err
		}
		return evaluateAttestation(ctx, esc, store, proof, now, freshness)
	default:
		return ErrInvalidCondition
	}
}

func evaluateTimeout(esc *Escrow, now int64) error {
	if now < esc.Config.Timeout {
		return ErrTimeoutNotReached
	}
	return nil
}

// evaluateAttestation runs every attestation check and collapses all failures
// into the single ErrAttestationNotVerified. A missing record is treated
// identically to an invalid one.
func evaluateAttestation(ctx context.Context, esc *Escrow, store attestation.Store, proof [32]byte, now int64, freshness time.Duration) error {
	if store == nil || proof == ([32]byte{}) {
		return ErrAttestationNotVerified
	}
	record, found, err := store.Lookup(ctx, proof)
	if err != nil || !found || record == nil {
		return ErrAttestationNotVerified
	}
	if !strings.EqualFold(strings.TrimSpace(record.SubjectAgent), strings.TrimSpace(esc.Config.RecipientAgent)) {
		return ErrAttestationNotVerified
	}
	if commitment := strings.TrimSpace(esc.Config.ModelCommitment); commitment != "" {
		if !strings.EqualFold(strings.TrimSpace(record.ModelCommitment), commitment) {
			return ErrAttestationNotVerified
		}
	}
	if record.Decision != attestation.DecisionApprove {
		return ErrAttestationNotVerified
	}
	if record.ConfidenceBps < esc.Config.MinConfidenceBps {
		return ErrAttestationNotVerified
	}
	if freshness <= 0 {
		freshness = DefaultFreshnessWindow
	}
	age := now - record.IssuedAt
	if age < 0 {
		age = -age
	}
	if age > int64(freshness/time.Second) {
		return ErrAttestationNotVerified
	}
	return nil
}
