package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

var (
	escrowSeqKey       = []byte("escrow/seq")
	escrowRecordPrefix = "escrow/record/"
	escrowIndexPrefix  = "escrow/index/agent/"
	approvalSetPrefix  = "escrow/approvals/"
	vaultBalancePrefix = "escrow/vault/"
	accountPrefix      = "state/account/"
)

// Manager persists the settlement state: escrow records, approval sets,
// per-escrow vault balances and accounts. It implements the narrow state
// interfaces the escrow engine is written against.
type Manager struct {
	db storage.Database
	mu sync.Mutex
}

// NewManager binds a manager to the provided storage backend.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func (m *Manager) getJSON(key []byte, out interface{}) (bool, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) putJSON(key []byte, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// EscrowNextID allocates the next escrow identifier. Identifiers increase
// monotonically and are never reused.
func (m *Manager) EscrowNextID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next uint64 = 1
	raw, err := m.db.Get(escrowSeqKey)
	if err == nil {
		if len(raw) != 8 {
			return 0, fmt.Errorf("state: corrupt escrow sequence")
		}
		next = binary.BigEndian.Uint64(raw) + 1
	} else if !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := m.db.Put(escrowSeqKey, buf[:]); err != nil {
		return 0, err
	}
	return next, nil
}

func escrowRecordKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", escrowRecordPrefix, id))
}

// EscrowPut sanitizes and persists the escrow record.
func (m *Manager) EscrowPut(esc *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(esc)
	if err != nil {
		return err
	}
	return m.putJSON(escrowRecordKey(sanitized.ID), sanitized)
}

// EscrowGet loads the escrow record for the supplied id.
func (m *Manager) EscrowGet(id uint64) (*escrow.Escrow, bool, error) {
	record := new(escrow.Escrow)
	ok, err := m.getJSON(escrowRecordKey(id), record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record, true, nil
}

func escrowIndexKey(agentID string) []byte {
	return []byte(escrowIndexPrefix + agentID)
}

// EscrowIndexAppend records the escrow id against an agent for enumeration.
func (m *Manager) EscrowIndexAppend(agentID string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uint64
	if _, err := m.getJSON(escrowIndexKey(agentID), &ids); err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	return m.putJSON(escrowIndexKey(agentID), ids)
}

// EscrowIndexList returns every escrow id recorded against an agent.
func (m *Manager) EscrowIndexList(agentID string) ([]uint64, error) {
	var ids []uint64
	if _, err := m.getJSON(escrowIndexKey(agentID), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func approvalSetKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", approvalSetPrefix, id))
}

// ApprovalSetPut persists the approval set for an escrow.
func (m *Manager) ApprovalSetPut(set *escrow.ApprovalSet) error {
	if set == nil {
		return errors.New("state: approval set required")
	}
	return m.putJSON(approvalSetKey(set.EscrowID), set)
}

// ApprovalSetGet loads the approval set for an escrow.
func (m *Manager) ApprovalSetGet(id uint64) (*escrow.ApprovalSet, bool, error) {
	set := new(escrow.ApprovalSet)
	ok, err := m.getJSON(approvalSetKey(id), set)
	if err != nil || !ok {
		return nil, false, err
	}
	return set, true, nil
}

func vaultBalanceKey(id uint64, asset string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", vaultBalancePrefix, id, asset))
}

// EscrowVaultAddress derives the deterministic custody address for an asset.
// Funds for every escrow of one asset share a vault account; per-escrow
// accounting lives in the credit/debit ledger.
func (m *Manager) EscrowVaultAddress(asset string) ([20]byte, error) {
	normalized, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return [20]byte{}, err
	}
	digest := ethcrypto.Keccak256([]byte("escrowd/vault/" + normalized))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr, nil
}

// EscrowCredit records custody of amt for the escrow.
func (m *Manager) EscrowCredit(id uint64, asset string, amt *big.Int) error {
	return m.adjustVault(id, asset, amt, false)
}

// EscrowDebit releases custody of amt for the escrow, failing when the debit
// exceeds the recorded balance.
func (m *Manager) EscrowDebit(id uint64, asset string, amt *big.Int) error {
	return m.adjustVault(id, asset, amt, true)
}

// EscrowBalance reports the custodied balance for the escrow.
func (m *Manager) EscrowBalance(id uint64, asset string) (*big.Int, error) {
	normalized, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vaultBalance(id, normalized)
}

func (m *Manager) vaultBalance(id uint64, asset string) (*big.Int, error) {
	var encoded string
	ok, err := m.getJSON(vaultBalanceKey(id, asset), &encoded)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	balance, valid := new(big.Int).SetString(encoded, 10)
	if !valid {
		return nil, fmt.Errorf("state: corrupt vault balance for escrow %d", id)
	}
	return balance, nil
}

func (m *Manager) adjustVault(id uint64, asset string, amt *big.Int, debit bool) error {
	normalized, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if amt == nil {
		amt = big.NewInt(0)
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("state: negative vault adjustment")
	}
	if amt.Sign() == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.vaultBalance(id, normalized)
	if err != nil {
		return err
	}
	if debit {
		if current.Cmp(amt) < 0 {
			return fmt.Errorf("state: vault balance underflow for escrow %d", id)
		}
		current = new(big.Int).Sub(current, amt)
	} else {
		current = new(big.Int).Add(current, amt)
	}
	return m.putJSON(vaultBalanceKey(id, normalized), current.String())
}

func accountKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", accountPrefix, addr))
}

// GetAccount loads the account for an address, returning an initialised empty
// account when none exists.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	account := types.NewAccount()
	if _, err := m.getJSON(accountKey(addr), account); err != nil {
		return nil, err
	}
	if account.Balances == nil {
		account.Balances = make(map[string]*big.Int)
	}
	return account, nil
}

// PutAccount persists the account for an address.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		account = types.NewAccount()
	}
	return m.putJSON(accountKey(addr), account)
}

// Mint credits amt of asset to the address. It exists for funding test
// fixtures and operator-driven deposits; the engine itself never mints.
func (m *Manager) Mint(addr [20]byte, asset string, amt *big.Int) error {
	normalized, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: mint amount must be non-negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	account.SetBalance(normalized, new(big.Int).Add(account.Balance(normalized), amt))
	return m.PutAccount(addr, account)
}
