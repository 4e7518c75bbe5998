package escrow

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Status represents the lifecycle states supported by the settlement engine.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusReleased
	StatusRefunded
	StatusCancelled
	StatusDisputed
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusReleased, StatusRefunded, StatusCancelled, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the escrow can no longer change state.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase name for the status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	case StatusCancelled:
		return "cancelled"
	case StatusDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ReleaseCondition is the closed set of predicates that can gate a release.
// Encoding the condition as an enum rather than arbitrary executable policy
// keeps every escrow resolvable and the verification path auditable.
type ReleaseCondition uint8

const (
	ConditionTimeOnly ReleaseCondition = iota
	ConditionQuorum
	ConditionAttestationGated
	ConditionAttestationGatedAndTime
)

// Valid reports whether the condition value is within the supported range.
func (c ReleaseCondition) Valid() bool {
	switch c {
	case ConditionTimeOnly, ConditionQuorum, ConditionAttestationGated, ConditionAttestationGatedAndTime:
		return true
	default:
		return false
	}
}

// RequiresAttestation reports whether the condition consumes an attestation
// reference on release.
func (c ReleaseCondition) RequiresAttestation() bool {
	return c == ConditionAttestationGated || c == ConditionAttestationGatedAndTime
}

// String returns the canonical name for the condition.
func (c ReleaseCondition) String() string {
	switch c {
	case ConditionTimeOnly:
		return "time_only"
	case ConditionQuorum:
		return "quorum"
	case ConditionAttestationGated:
		return "attestation_gated"
	case ConditionAttestationGatedAndTime:
		return "attestation_gated_and_time"
	default:
		return fmt.Sprintf("condition(%d)", uint8(c))
	}
}

// ParseCondition maps the canonical names back to a ReleaseCondition value.
func ParseCondition(s string) (ReleaseCondition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "time_only":
		return ConditionTimeOnly, nil
	case "quorum":
		return ConditionQuorum, nil
	case "attestation_gated":
		return ConditionAttestationGated, nil
	case "attestation_gated_and_time":
		return ConditionAttestationGatedAndTime, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidCondition, s)
	}
}

var assetPattern = regexp.MustCompile(`^[A-Z0-9]{2,16}$`)

// NormalizeAsset ensures the provided asset symbol is well formed and returns
// the canonical uppercase form.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if !assetPattern.MatchString(trimmed) {
		return "", fmt.Errorf("unsupported escrow asset: %q", symbol)
	}
	return trimmed, nil
}

// Config captures the immutable definition of an escrow. It is fixed at
// creation; the engine never mutates it afterwards.
type Config struct {
	SenderAgent      string           `json:"senderAgent"`
	RecipientAgent   string           `json:"recipientAgent"`
	Asset            string           `json:"asset"`
	Amount           *big.Int         `json:"amount"`
	Condition        ReleaseCondition `json:"condition"`
	Timeout          int64            `json:"timeout"`
	ModelCommitment  string           `json:"modelCommitment,omitempty"`
	MinConfidenceBps uint32           `json:"minConfidenceBps,omitempty"`
	Description      string           `json:"description,omitempty"`
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	clone := c
	if c.Amount != nil {
		clone.Amount = new(big.Int).Set(c.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return clone
}

// Escrow is the authoritative custody record for a single agreement. Terminal
// escrows are never deleted; they remain readable for audit.
type Escrow struct {
	ID            uint64   `json:"id"`
	Config        Config   `json:"config"`
	Status        Status   `json:"status"`
	SenderAddr    [20]byte `json:"senderAddr"`
	RecipientAddr [20]byte `json:"recipientAddr"`
	Arbiter       [20]byte `json:"arbiter"`
	CreatedAt     int64    `json:"createdAt"`
	FundedAt      int64    `json:"fundedAt"`
	ResolvedAt    int64    `json:"resolvedAt"`
	ReleaseProof  [32]byte `json:"releaseProof"`
	ApprovalCount uint32   `json:"approvalCount"`
	PayoutPending bool     `json:"payoutPending"`
	PayoutTo      [20]byte `json:"payoutTo"`
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Config = e.Config.Clone()
	return &clone
}

// arbiterAddr resolves the effective arbitration authority: the configured
// arbiter when one is set, otherwise the original sender.
func (e *Escrow) arbiterAddr() [20]byte {
	if e.Arbiter != ([20]byte{}) {
		return e.Arbiter
	}
	return e.SenderAddr
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance with canonical asset casing and a non-nil
// amount. The function does not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	asset, err := NormalizeAsset(clone.Config.Asset)
	if err != nil {
		return nil, err
	}
	clone.Config.Asset = asset
	if clone.Config.Amount == nil {
		clone.Config.Amount = big.NewInt(0)
	}
	if clone.Config.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative")
	}
	if !clone.Config.Condition.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCondition, clone.Config.Condition)
	}
	if clone.Config.MinConfidenceBps > maxConfidenceBps {
		return nil, fmt.Errorf("escrow min confidence out of range: %d", clone.Config.MinConfidenceBps)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}
