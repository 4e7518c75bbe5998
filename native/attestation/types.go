package attestation

import (
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Decision is the attester's verdict about the subject's behavior.
type Decision uint8

const (
	DecisionReject Decision = iota
	DecisionReview
	DecisionApprove
)

// Valid reports whether the decision value is within the supported range.
func (d Decision) Valid() bool {
	switch d {
	case DecisionReject, DecisionReview, DecisionApprove:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase name for the decision.
func (d Decision) String() string {
	switch d {
	case DecisionApprove:
		return "approve"
	case DecisionReview:
		return "review"
	case DecisionReject:
		return "reject"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// ParseDecision maps the canonical names back to a Decision value.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve":
		return DecisionApprove, nil
	case "review":
		return DecisionReview, nil
	case "reject":
		return DecisionReject, nil
	default:
		return 0, fmt.Errorf("attestation: invalid decision %q", s)
	}
}

// MaxConfidenceBps is the fixed-point scale for attestation confidence: a
// confidence of 1.0 is stored as 10_000 basis points.
const MaxConfidenceBps uint32 = 10_000

// Attestation captures a registry-recorded claim that a named subject's
// behavior matched a named model at a given confidence, at a given time. The
// record is append-only and immutable once posted; the escrow engine only
// reads it.
type Attestation struct {
	ID              [32]byte
	SubjectAgent    string
	ModelCommitment string
	Decision        Decision
	ConfidenceBps   uint32
	IssuedAt        int64
	Attester        [20]byte
}

// Validate ensures the attestation payload is well formed.
func (a *Attestation) Validate() error {
	if a == nil {
		return errors.New("attestation: record nil")
	}
	if strings.TrimSpace(a.SubjectAgent) == "" {
		return errors.New("attestation: subject agent required")
	}
	if strings.TrimSpace(a.ModelCommitment) == "" {
		return errors.New("attestation: model commitment required")
	}
	if !a.Decision.Valid() {
		return fmt.Errorf("attestation: invalid decision %d", a.Decision)
	}
	if a.ConfidenceBps > MaxConfidenceBps {
		return fmt.Errorf("attestation: confidence out of range: %d", a.ConfidenceBps)
	}
	if a.IssuedAt <= 0 {
		return errors.New("attestation: issuedAt must be positive")
	}
	if a.Attester == ([20]byte{}) {
		return errors.New("attestation: attester required")
	}
	return nil
}

// Clone returns a copy safe for modification.
func (a *Attestation) Clone() *Attestation {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// ComputeID derives the deterministic attestation identifier from the subject,
// the normalized model commitment and the attester.
func ComputeID(subjectAgent, modelCommitment string, attester [20]byte, issuedAt int64) ([32]byte, error) {
	subject := strings.ToLower(strings.TrimSpace(subjectAgent))
	if subject == "" {
		return [32]byte{}, errors.New("attestation: subject agent required")
	}
	commitment := strings.ToLower(strings.TrimSpace(modelCommitment))
	if commitment == "" {
		return [32]byte{}, errors.New("attestation: model commitment required")
	}
	var ts [8]byte
	for i := 0; i < 8; i++ {
		ts[i] = byte(uint64(issuedAt) >> (56 - 8*i))
	}
	hash := ethcrypto.Keccak256([]byte(subject), []byte(commitment), attester[:], ts[:])
	var id [32]byte
	copy(id[:], hash)
	return id, nil
}
