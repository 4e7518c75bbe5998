package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/native/attestation"
)

var (
	errNilState    = errors.New("escrow engine: state not configured")
	errNilIdentity = errors.New("escrow engine: identity directory not configured")
)

// engineState abstracts the subset of state manager functionality required by
// the escrow engine. The engine is the sole mutator of escrow records; state
// implementations only persist what they are handed.
type engineState interface {
	EscrowNextID() (uint64, error)
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool, error)
	EscrowIndexAppend(agentID string, id uint64) error
	EscrowIndexList(agentID string) ([]uint64, error)
	ApprovalSetPut(*ApprovalSet) error
	ApprovalSetGet(id uint64) (*ApprovalSet, bool, error)
	EscrowCredit(id uint64, asset string, amt *big.Int) error
	EscrowDebit(id uint64, asset string, amt *big.Int) error
	EscrowVaultAddress(asset string) ([20]byte, error)
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// walletResolver pins an agent's payout address at escrow creation.
type walletResolver interface {
	ResolveWallet(agentID string) ([20]byte, error)
}

// Engine wires the escrow business logic with external state, the identity
// directory and the attestation oracle. All mutating operations serialize per
// escrow id; no two read-modify-write sequences interleave on one escrow.
type Engine struct {
	state        engineState
	identity     walletResolver
	attestations attestation.Store
	emitter      events.Emitter
	nowFn        func() int64
	freshness    time.Duration
	locks        idLocks
}

// NewEngine creates an escrow engine with a no-op emitter and the default
// attestation freshness window.
func NewEngine(state engineState, identity walletResolver, attestations attestation.Store) *Engine {
	return &Engine{
		state:        state,
		identity:     identity,
		attestations: attestations,
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
		freshness:    DefaultFreshnessWindow,
	}
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetFreshnessWindow overrides the maximum accepted attestation age.
func (e *Engine) SetFreshnessWindow(window time.Duration) {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	e.freshness = window
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

// transferAsset moves value between the accounts owned by the settlement
// state. Both balances are updated or neither is.
func (e *Engine) transferAsset(from, to [20]byte, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	if fromAcc == nil {
		fromAcc = types.NewAccount()
	}
	if toAcc == nil {
		toAcc = types.NewAccount()
	}
	balance := fromAcc.Balance(normalized)
	if balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	fromAcc.SetBalance(normalized, new(big.Int).Sub(balance, amt))
	toAcc.SetBalance(normalized, new(big.Int).Add(toAcc.Balance(normalized), amt))
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

func normalizeAgentID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Create validates and persists a new escrow definition. Both parties' wallets
// are resolved from the identity directory now and pinned; later identity
// changes do not affect an in-flight escrow. No funds move.
//
// The approvers list is only meaningful for the quorum condition and is fixed
// here, before funding. The optional arbiter is the dispute-resolution
// authority; when nil the original sender arbitrates.
func (e *Engine) Create(cfg Config, approvers [][20]byte, arbiterOpt *[20]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.identity == nil {
		return nil, errNilIdentity
	}
	asset, err := NormalizeAsset(cfg.Asset)
	if err != nil {
		return nil, err
	}
	amt := cloneBigInt(cfg.Amount)
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if !cfg.Condition.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCondition, cfg.Condition)
	}
	now := e.now()
	if cfg.Timeout <= now {
		return nil, fmt.Errorf("%w: timeout must be in the future", ErrInvalidCondition)
	}
	if cfg.MinConfidenceBps > maxConfidenceBps {
		return nil, fmt.Errorf("%w: min confidence out of range", ErrInvalidCondition)
	}
	if cfg.Condition == ConditionQuorum {
		if len(approvers) == 0 {
			return nil, fmt.Errorf("%w: quorum requires at least one approver", ErrInvalidCondition)
		}
	} else if len(approvers) > 0 {
		return nil, fmt.Errorf("%w: approvers only apply to the quorum condition", ErrInvalidCondition)
	}

	senderAgent := normalizeAgentID(cfg.SenderAgent)
	recipientAgent := normalizeAgentID(cfg.RecipientAgent)
	senderAddr, err := e.identity.ResolveWallet(senderAgent)
	if err != nil {
		return nil, err
	}
	recipientAddr, err := e.identity.ResolveWallet(recipientAgent)
	if err != nil {
		return nil, err
	}

	id, err := e.state.EscrowNextID()
	if err != nil {
		return nil, err
	}
	arbiter := [20]byte{}
	if arbiterOpt != nil {
		arbiter = *arbiterOpt
	}
	esc := &Escrow{
		ID: id,
		Config: Config{
			SenderAgent:      senderAgent,
			RecipientAgent:   recipientAgent,
			Asset:            asset,
			Amount:           amt,
			Condition:        cfg.Condition,
			Timeout:          cfg.Timeout,
			ModelCommitment:  strings.TrimSpace(cfg.ModelCommitment),
			MinConfidenceBps: cfg.MinConfidenceBps,
			Description:      strings.TrimSpace(cfg.Description),
		},
		Status:        StatusCreated,
		SenderAddr:    senderAddr,
		RecipientAddr: recipientAddr,
		Arbiter:       arbiter,
		CreatedAt:     now,
	}
	approvalSet, err := NewApprovalSet(id, approvers)
	if err != nil {
		return nil, err
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := e.state.ApprovalSetPut(approvalSet); err != nil {
		return nil, err
	}
	if err := e.state.EscrowIndexAppend(senderAgent, id); err != nil {
		return nil, err
	}
	if recipientAgent != senderAgent {
		if err := e.state.EscrowIndexAppend(recipientAgent, id); err != nil {
			return nil, err
		}
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Fund moves exactly the configured amount from the sender to the escrow
// vault and marks the escrow as funded. Only the original sender may call it,
// and only once.
func (e *Engine) Fund(id uint64, caller [20]byte, amount *big.Int) error {
	unlock := e.locks.lock(id)
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusCreated {
		return invalidStatus("fund", esc.Status, StatusCreated)
	}
	if caller != esc.SenderAddr {
		return ErrNotEscrowParty
	}
	if amount == nil || amount.Cmp(esc.Config.Amount) != 0 {
		return fmt.Errorf("%w: funding must equal the configured amount", ErrInvalidAmount)
	}
	vault, err := e.state.EscrowVaultAddress(esc.Config.Asset)
	if err != nil {
		return err
	}
	if err := e.transferAsset(esc.SenderAddr, vault, esc.Config.Asset, esc.Config.Amount); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(id, esc.Config.Asset, esc.Config.Amount); err != nil {
		return err
	}
	esc.Status = StatusFunded
	esc.FundedAt = e.now()
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewFundedEvent(esc))
	return nil
}

// Release settles the escrow in favour of the recipient once the configured
// condition holds. Any caller may invoke it; all authority lives in the
// condition itself, which enables third-party relayers.
//
// The terminal status is persisted before any value moves, and the transfer is
// the final action of the call. A failed transfer leaves the escrow Released
// with the payout pending; ClaimPayout retries delivery.
func (e *Engine) Release(ctx context.Context, id uint64, proof [32]byte) error {
	unlock := e.locks.lock(id)
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusFunded {
		return invalidStatus("release", esc.Status, StatusFunded)
	}
	approvals, err := e.approvalSet(id)
	if err != nil {
		return err
	}
	if err := EvaluateRelease(ctx, esc, approvals, e.attestations, proof, e.now(), e.freshness); err != nil {
		return err
	}
	esc.Status = StatusReleased
	esc.ResolvedAt = e.now()
	if esc.Config.Condition.RequiresAttestation() {
		esc.ReleaseProof = proof
	}
	esc.PayoutPending = true
	esc.PayoutTo = esc.RecipientAddr
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(esc))
	return e.payout(esc)
}

// Refund returns custody to the sender once the timeout has elapsed. This is
// independent of the configured release condition: the timeout bounds the
// sender's worst-case loss to "funds locked until timeout".
func (e *Engine) Refund(id uint64, caller [20]byte) error {
	unlock := e.locks.lock(id)
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusFunded {
		return invalidStatus("refund", esc.Status, StatusFunded)
	}
	if caller != esc.SenderAddr {
		return ErrNotEscrowParty
	}
	if e.now() < esc.Config.Timeout {
		return ErrTimeoutNotReached
	}
	esc.Status = StatusRefunded
	esc.ResolvedAt = e.now()
	esc.PayoutPending = true
	esc.PayoutTo = esc.SenderAddr
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(esc))
	return e.payout(esc)
}

// Cancel aborts an escrow that was never funded. No value moves because none
// was custodied.
func (e *Engine) Cancel(id uint64, caller [20]byte) error {
	unlock := e.locks.lock(id)
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusCreated {
		return invalidStatus("cancel", esc.Status, StatusCreated)
	}
	if caller != esc.SenderAddr {
		return ErrNotEscrowParty
	}
	esc.Status = StatusCancelled
	esc.ResolvedAt = e.now()
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(esc))
	return nil
}

// Approve records a quorum approval from one of the declared approvers. A
// second approval from the same address fails ErrAlreadyApproved; an address
// outside the declared set fails ErrNotEscrowParty.
func (e *Engine) Approve(id uint64, caller [20]byte) error {
	unlock := e.locks.lock(id)
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusFunded {
		return invalidStatus("approve", esc.Status, StatusFunded)
	}
	if esc.Config.Condition != ConditionQuorum {
		return fmt.Errorf("%w: approvals only apply to the quorum condition", ErrInvalidCondition)
	}
	approvals, err := e.approvalSet(id)
	if err != nil {
		return err
	}
	if err := approvals.Approve(caller); err != nil {
		return err
	}
	if err := e.state.ApprovalSetPut(approvals); err != nil {
		return err
	}
	esc.ApprovalCount = uint32(approvals.ApprovedCount())
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewApprovedEvent(esc, caller))
	return nil
}

// Dispute freezes a funded escrow. Only the parties may raise it; once raised,
// neither release nor refund applies and arbitration is the only exit.
func (e *Engine) Dispute(id uint64, caller [20]byte, reason string) error {
	unlock := e.locks.lock(id)
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusFunded {
		return invalidStatus("dispute", esc.Status, StatusFunded)
	}
	if caller != esc.SenderAddr && caller != esc.RecipientAddr {
		return ErrNotEscrowParty
	}
	esc.Status = StatusDisputed
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(esc, reason))
	return nil
}

// ResolveDispute settles a disputed escrow according to the arbiter's
// decision, using the same terminal-state-then-transfer ordering as Release.
func (e *Engine) ResolveDispute(id uint64, caller [20]byte, toRecipient bool) error {
	unlock := e.locks.lock(id)
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusDisputed {
		return invalidStatus("resolve", esc.Status, StatusDisputed)
	}
	if caller != esc.arbiterAddr() {
		return ErrNotEscrowParty
	}
	if toRecipient {
		esc.Status = StatusReleased
		esc.PayoutTo = esc.RecipientAddr
	} else {
		esc.Status = StatusRefunded
		esc.PayoutTo = esc.SenderAddr
	}
	esc.ResolvedAt = e.now()
	esc.PayoutPending = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewResolvedEvent(esc, toRecipient))
	return e.payout(esc)
}

// ClaimPayout retries delivery of a payout that failed after the escrow
// reached a terminal state. Any caller may invoke it.
func (e *Engine) ClaimPayout(id uint64) error {
	unlock := e.locks.lock(id)
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusReleased && esc.Status != StatusRefunded {
		return invalidStatus("claim", esc.Status, StatusReleased, StatusRefunded)
	}
	if !esc.PayoutPending {
		return ErrNoPayoutPending
	}
	if err := e.payout(esc); err != nil {
		return err
	}
	e.emit(NewPayoutRetriedEvent(esc))
	return nil
}

// payout delivers the custodied amount to the pinned payout address. The
// pending flag guards at-most-once delivery: it is persisted as cleared before
// any value moves, so a storage failure mid-sequence can strand a payout but
// never lets a retry deliver it twice. When the debit or the transfer fails in
// process the flag is restored and ClaimPayout retries.
func (e *Engine) payout(esc *Escrow) error {
	if esc == nil || !esc.PayoutPending {
		return nil
	}
	vault, err := e.state.EscrowVaultAddress(esc.Config.Asset)
	if err != nil {
		return err
	}
	esc.PayoutPending = false
	if err := e.storeEscrow(esc); err != nil {
		esc.PayoutPending = true
		return err
	}
	if err := e.state.EscrowDebit(esc.ID, esc.Config.Asset, esc.Config.Amount); err != nil {
		return e.restorePending(esc, err)
	}
	if err := e.transferAsset(vault, esc.PayoutTo, esc.Config.Asset, esc.Config.Amount); err != nil {
		if creditErr := e.state.EscrowCredit(esc.ID, esc.Config.Asset, esc.Config.Amount); creditErr != nil {
			return creditErr
		}
		return e.restorePending(esc, fmt.Errorf("%w: %v", ErrTransferFailed, err))
	}
	return nil
}

// restorePending re-arms the pending flag after a failed delivery attempt so
// ClaimPayout can retry, then surfaces the original failure.
func (e *Engine) restorePending(esc *Escrow, cause error) error {
	esc.PayoutPending = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	return cause
}

// CanRelease is the dry-run predicate check: it evaluates the configured
// condition without mutating anything. A nil return means Release would
// currently succeed.
func (e *Engine) CanRelease(ctx context.Context, id uint64, proof [32]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusFunded {
		return invalidStatus("release", esc.Status, StatusFunded)
	}
	approvals, err := e.approvalSet(id)
	if err != nil {
		return err
	}
	return EvaluateRelease(ctx, esc, approvals, e.attestations, proof, e.now(), e.freshness)
}

// Get returns a copy of the escrow record.
func (e *Engine) Get(id uint64) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// Approvals returns a copy of the escrow's approval set.
func (e *Engine) Approvals(id uint64) (*ApprovalSet, error) {
	if _, err := e.loadEscrow(id); err != nil {
		return nil, err
	}
	set, err := e.approvalSet(id)
	if err != nil {
		return nil, err
	}
	return set.Clone(), nil
}

// ListByAgent enumerates every escrow recorded against the supplied agent id,
// as sender or recipient.
func (e *Engine) ListByAgent(agentID string) ([]*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.EscrowIndexList(normalizeAgentID(agentID))
	if err != nil {
		return nil, err
	}
	escrows := make([]*Escrow, 0, len(ids))
	for _, id := range ids {
		esc, ok, err := e.state.EscrowGet(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		escrows = append(escrows, esc)
	}
	return escrows, nil
}

func (e *Engine) approvalSet(id uint64) (*ApprovalSet, error) {
	set, ok, err := e.state.ApprovalSetGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ApprovalSet{EscrowID: id}, nil
	}
	return set, nil
}
