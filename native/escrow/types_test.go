package escrow

import (
	"math/big"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusCreated:   false,
		StatusFunded:    false,
		StatusReleased:  true,
		StatusRefunded:  true,
		StatusCancelled: true,
		StatusDisputed:  false,
	}
	for status, want := range terminal {
		if status.Terminal() != want {
			t.Fatalf("%s: terminal=%v, want %v", status, status.Terminal(), want)
		}
	}
	if Status(99).Valid() {
		t.Fatalf("out-of-range status must be invalid")
	}
}

func TestConditionRoundTrip(t *testing.T) {
	for _, condition := range []ReleaseCondition{
		ConditionTimeOnly, ConditionQuorum, ConditionAttestationGated, ConditionAttestationGatedAndTime,
	} {
		parsed, err := ParseCondition(condition.String())
		if err != nil {
			t.Fatalf("parse %s: %v", condition, err)
		}
		if parsed != condition {
			t.Fatalf("round trip mismatch: %s became %s", condition, parsed)
		}
	}
	if _, err := ParseCondition("magic"); err == nil {
		t.Fatalf("unknown condition name must fail")
	}
}

func TestConditionRequiresAttestation(t *testing.T) {
	if ConditionTimeOnly.RequiresAttestation() || ConditionQuorum.RequiresAttestation() {
		t.Fatalf("non-attestation conditions must not require a proof")
	}
	if !ConditionAttestationGated.RequiresAttestation() || !ConditionAttestationGatedAndTime.RequiresAttestation() {
		t.Fatalf("attestation conditions must require a proof")
	}
}

func TestNormalizeAsset(t *testing.T) {
	normalized, err := NormalizeAsset("  agc ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if normalized != "AGC" {
		t.Fatalf("expected AGC, got %q", normalized)
	}
	for _, bad := range []string{"", "A", "toolongassetsymbol17", "US-D", "US D"} {
		if _, err := NormalizeAsset(bad); err == nil {
			t.Fatalf("asset %q should have been rejected", bad)
		}
	}
}

func TestEscrowCloneIsDeep(t *testing.T) {
	esc := &Escrow{
		ID: 3,
		Config: Config{
			SenderAgent:    senderAgent,
			RecipientAgent: recipientAgent,
			Asset:          testAsset,
			Amount:         big.NewInt(500),
			Condition:      ConditionTimeOnly,
			Timeout:        42,
		},
		Status: StatusFunded,
	}
	clone := esc.Clone()
	clone.Config.Amount.SetInt64(1)
	clone.Status = StatusReleased
	if esc.Config.Amount.Int64() != 500 || esc.Status != StatusFunded {
		t.Fatalf("clone shares state with the original")
	}
}

func TestArbiterDefaultsToSender(t *testing.T) {
	esc := &Escrow{SenderAddr: senderAddr}
	if esc.arbiterAddr() != senderAddr {
		t.Fatalf("zero arbiter must fall back to the sender")
	}
	esc.Arbiter = testAddr(0x77)
	if esc.arbiterAddr() != testAddr(0x77) {
		t.Fatalf("configured arbiter must take precedence")
	}
}

func TestSanitizeEscrowRejectsMalformed(t *testing.T) {
	base := &Escrow{
		Config: Config{Asset: testAsset, Amount: big.NewInt(1), Condition: ConditionTimeOnly},
		Status: StatusCreated,
	}
	if _, err := SanitizeEscrow(base); err != nil {
		t.Fatalf("sanitize valid: %v", err)
	}

	bad := base.Clone()
	bad.Config.Asset = "no good"
	if _, err := SanitizeEscrow(bad); err == nil {
		t.Fatalf("bad asset must fail")
	}

	bad = base.Clone()
	bad.Config.Condition = ReleaseCondition(7)
	if _, err := SanitizeEscrow(bad); err == nil {
		t.Fatalf("bad condition must fail")
	}

	bad = base.Clone()
	bad.Status = Status(42)
	if _, err := SanitizeEscrow(bad); err == nil {
		t.Fatalf("bad status must fail")
	}

	bad = base.Clone()
	bad.Config.MinConfidenceBps = 10_001
	if _, err := SanitizeEscrow(bad); err == nil {
		t.Fatalf("confidence above scale must fail")
	}
}
