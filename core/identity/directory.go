package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"escrowd/storage"
)

// AgentRecord captures the metadata for a registered agent. The wallet is the
// agent's current payout address; escrows pin it at creation time and never
// re-read it for an in-flight escrow.
type AgentRecord struct {
	AgentID   string   `json:"agentId"`
	Wallet    [20]byte `json:"wallet"`
	CreatedAt int64    `json:"createdAt"`
	UpdatedAt int64    `json:"updatedAt"`
}

const (
	agentIDMinLength = 3
	agentIDMaxLength = 64
)

var (
	agentIDPattern = regexp.MustCompile(`^[a-z0-9._-]+$`)
	// ErrInvalidAgentID is returned when the supplied agent id does not
	// satisfy the naming constraints.
	ErrInvalidAgentID = errors.New("identity: invalid agent id")
	// ErrUnknownAgent is returned when no wallet is registered for an agent.
	ErrUnknownAgent = errors.New("identity: unknown agent")
	// ErrZeroWallet rejects registrations against the zero address.
	ErrZeroWallet = errors.New("identity: wallet must not be the zero address")
)

var agentKeyPrefix = []byte("identity/agent/")

// NormalizeAgentID lowercases and validates the supplied agent id.
func NormalizeAgentID(id string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(id))
	length := len(lower)
	if length < agentIDMinLength || length > agentIDMaxLength {
		return "", fmt.Errorf("%w: must be between %d and %d characters", ErrInvalidAgentID, agentIDMinLength, agentIDMaxLength)
	}
	if !agentIDPattern.MatchString(lower) {
		return "", fmt.Errorf("%w: allowed characters are [a-z0-9._-]", ErrInvalidAgentID)
	}
	return lower, nil
}

// Directory maps stable agent identifiers to their current payout wallets.
type Directory struct {
	db    storage.Database
	nowFn func() int64
}

// NewDirectory constructs a directory bound to the provided storage backend.
func NewDirectory(db storage.Database) *Directory {
	return &Directory{
		db:    db,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the wall clock, primarily for deterministic tests.
func (d *Directory) SetNowFunc(now func() int64) {
	if d == nil {
		return
	}
	if now == nil {
		d.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	d.nowFn = now
}

func agentKey(id string) []byte {
	return append(append([]byte(nil), agentKeyPrefix...), id...)
}

// Register binds an agent id to a wallet. Re-registering an existing agent
// rebinds the wallet; in-flight escrows are unaffected because they resolved
// the wallet at creation.
func (d *Directory) Register(agentID string, wallet [20]byte) (*AgentRecord, error) {
	if d == nil || d.db == nil {
		return nil, errors.New("identity: directory not initialised")
	}
	normalized, err := NormalizeAgentID(agentID)
	if err != nil {
		return nil, err
	}
	if wallet == ([20]byte{}) {
		return nil, ErrZeroWallet
	}
	now := d.nowFn()
	record := &AgentRecord{AgentID: normalized, Wallet: wallet, CreatedAt: now, UpdatedAt: now}
	if existing, err := d.Get(normalized); err == nil {
		record.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrUnknownAgent) {
		return nil, err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if err := d.db.Put(agentKey(normalized), encoded); err != nil {
		return nil, err
	}
	return record, nil
}

// Get returns the stored record for the supplied agent id.
func (d *Directory) Get(agentID string) (*AgentRecord, error) {
	if d == nil || d.db == nil {
		return nil, errors.New("identity: directory not initialised")
	}
	normalized, err := NormalizeAgentID(agentID)
	if err != nil {
		return nil, err
	}
	raw, err := d.db.Get(agentKey(normalized))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownAgent
	}
	if err != nil {
		return nil, err
	}
	record := new(AgentRecord)
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ResolveWallet returns the current payout wallet for the supplied agent id,
// failing with ErrUnknownAgent when no binding exists.
func (d *Directory) ResolveWallet(agentID string) ([20]byte, error) {
	record, err := d.Get(agentID)
	if err != nil {
		return [20]byte{}, err
	}
	return record.Wallet, nil
}
