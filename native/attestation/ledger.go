package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"escrowd/storage"
)

// Store is the read-only capability the escrow engine depends on. The second
// return value reports whether a record exists; implementations must never
// conflate "not found" with a transport failure.
type Store interface {
	Lookup(ctx context.Context, id [32]byte) (*Attestation, bool, error)
}

var (
	// ErrNotInitialised marks use of a ledger without a storage backend.
	ErrNotInitialised = errors.New("attestation: ledger not initialised")
	// ErrDuplicate is returned when an attestation id is posted twice.
	ErrDuplicate = errors.New("attestation: record already exists")
)

var recordPrefix = []byte("attestation/record/")

func recordKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", recordPrefix, id))
}

type storedAttestation struct {
	ID              [32]byte `json:"id"`
	SubjectAgent    string   `json:"subjectAgent"`
	ModelCommitment string   `json:"modelCommitment"`
	Decision        uint8    `json:"decision"`
	ConfidenceBps   uint32   `json:"confidenceBps"`
	IssuedAt        int64    `json:"issuedAt"`
	Attester        [20]byte `json:"attester"`
}

// Ledger persists attestations posted by attesters and serves the lookup path
// consumed by the release-condition evaluator. Records are append-only:
// posting the same id twice fails and nothing ever deletes a record.
type Ledger struct {
	db storage.Database
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

// Put stores the attestation after sanitizing it. The stored record keeps the
// normalized subject agent and model commitment so lookups are deterministic.
func (l *Ledger) Put(a *Attestation) error {
	if l == nil || l.db == nil {
		return ErrNotInitialised
	}
	if a == nil {
		return errors.New("attestation: record required")
	}
	sanitized := a.Clone()
	sanitized.SubjectAgent = strings.ToLower(strings.TrimSpace(sanitized.SubjectAgent))
	sanitized.ModelCommitment = strings.ToLower(strings.TrimSpace(sanitized.ModelCommitment))
	if err := sanitized.Validate(); err != nil {
		return err
	}
	if sanitized.ID == ([32]byte{}) {
		id, err := ComputeID(sanitized.SubjectAgent, sanitized.ModelCommitment, sanitized.Attester, sanitized.IssuedAt)
		if err != nil {
			return err
		}
		sanitized.ID = id
	}
	key := recordKey(sanitized.ID)
	exists, err := l.db.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicate
	}
	stored := storedAttestation{
		ID:              sanitized.ID,
		SubjectAgent:    sanitized.SubjectAgent,
		ModelCommitment: sanitized.ModelCommitment,
		Decision:        uint8(sanitized.Decision),
		ConfidenceBps:   sanitized.ConfidenceBps,
		IssuedAt:        sanitized.IssuedAt,
		Attester:        sanitized.Attester,
	}
	encoded, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	if err := l.db.Put(key, encoded); err != nil {
		return err
	}
	a.ID = sanitized.ID
	return nil
}

// Lookup implements Store. Malformed stored records are filtered out rather
// than surfaced, so a corrupt entry behaves exactly like a missing one.
func (l *Ledger) Lookup(_ context.Context, id [32]byte) (*Attestation, bool, error) {
	if l == nil || l.db == nil {
		return nil, false, ErrNotInitialised
	}
	if id == ([32]byte{}) {
		return nil, false, nil
	}
	raw, err := l.db.Get(recordKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stored storedAttestation
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, nil
	}
	record := &Attestation{
		ID:              stored.ID,
		SubjectAgent:    stored.SubjectAgent,
		ModelCommitment: stored.ModelCommitment,
		Decision:        Decision(stored.Decision),
		ConfidenceBps:   stored.ConfidenceBps,
		IssuedAt:        stored.IssuedAt,
		Attester:        stored.Attester,
	}
	if err := record.Validate(); err != nil {
		return nil, false, nil
	}
	return record, true, nil
}
