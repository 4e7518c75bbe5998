package escrow

import (
	"errors"
	"fmt"
)

// ApprovalSet tracks quorum state for a single escrow: the addresses the
// sender declared before funding, and the subset that has actually approved.
// The required set is immutable once the escrow is funded; letting a sender
// change it afterwards would let them rig the outcome.
type ApprovalSet struct {
	EscrowID uint64     `json:"escrowId"`
	Required [][20]byte `json:"required"`
	Approved [][20]byte `json:"approved"`
}

// NewApprovalSet builds a set for the supplied required approvers, rejecting
// duplicates and zero addresses.
func NewApprovalSet(escrowID uint64, required [][20]byte) (*ApprovalSet, error) {
	seen := make(map[[20]byte]struct{}, len(required))
	cleaned := make([][20]byte, 0, len(required))
	for _, addr := range required {
		if addr == ([20]byte{}) {
			return nil, errors.New("escrow: approver must not be the zero address")
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("escrow: duplicate approver %x", addr)
		}
		seen[addr] = struct{}{}
		cleaned = append(cleaned, addr)
	}
	return &ApprovalSet{EscrowID: escrowID, Required: cleaned}, nil
}

// RequiredCount returns the quorum threshold: every required approver must
// approve.
func (s *ApprovalSet) RequiredCount() int {
	if s == nil {
		return 0
	}
	return len(s.Required)
}

// ApprovedCount returns the number of distinct approvals recorded so far.
func (s *ApprovalSet) ApprovedCount() int {
	if s == nil {
		return 0
	}
	return len(s.Approved)
}

// IsRequired reports whether the address belongs to the declared approver set.
func (s *ApprovalSet) IsRequired(addr [20]byte) bool {
	if s == nil {
		return false
	}
	for _, candidate := range s.Required {
		if candidate == addr {
			return true
		}
	}
	return false
}

// HasApproved reports whether the address has already approved.
func (s *ApprovalSet) HasApproved(addr [20]byte) bool {
	if s == nil {
		return false
	}
	for _, candidate := range s.Approved {
		if candidate == addr {
			return true
		}
	}
	return false
}

// Approve records an approval. Membership in the required set is necessary;
// a repeat approval is an explicit error rather than a silent success so
// callers cannot mistake a replay for progress.
func (s *ApprovalSet) Approve(addr [20]byte) error {
	if s == nil {
		return errors.New("escrow: approval set nil")
	}
	if !s.IsRequired(addr) {
		return ErrNotEscrowParty
	}
	if s.HasApproved(addr) {
		return ErrAlreadyApproved
	}
	s.Approved = append(s.Approved, addr)
	return nil
}

// Satisfied reports whether the quorum threshold has been met.
func (s *ApprovalSet) Satisfied() bool {
	if s == nil {
		return false
	}
	return len(s.Required) > 0 && len(s.Approved) >= len(s.Required)
}

// Clone returns a deep copy of the set.
func (s *ApprovalSet) Clone() *ApprovalSet {
	if s == nil {
		return nil
	}
	clone := &ApprovalSet{EscrowID: s.EscrowID}
	clone.Required = append([][20]byte(nil), s.Required...)
	clone.Approved = append([][20]byte(nil), s.Approved...)
	return clone
}
