package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowd/core/identity"
	"escrowd/core/state"
	"escrowd/native/attestation"
	"escrowd/native/escrow"
	"escrowd/observability"
	"escrowd/observability/logging"
)

const headerIdempotencyKey = "Idempotency-Key"

type principalContextKey struct{}

// Server exposes the escrow engine over HTTP.
type Server struct {
	engine    *escrow.Engine
	directory *identity.Directory
	ledger    *attestation.Ledger
	state     *state.Manager
	store     *SQLiteStore
	auth      *Authenticator
	limiter   *clientLimiter
	logger    *slog.Logger

	pendingPayouts atomic.Int64
}

// NewServer wires the HTTP surface. The auth and store arguments may be nil;
// authentication and idempotency replay are then disabled.
func NewServer(engine *escrow.Engine, directory *identity.Directory, ledger *attestation.Ledger, manager *state.Manager, store *SQLiteStore, auth *Authenticator, limiter *clientLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = newClientLimiter(0)
	}
	return &Server{
		engine:    engine,
		directory: directory,
		ledger:    ledger,
		state:     manager,
		store:     store,
		auth:      auth,
		limiter:   limiter,
		logger:    logger,
	}
}

// Router builds the chi handler for the service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(observeRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Use(s.authenticate)

		r.Post("/v1/agents", s.handleRegisterAgent)
		r.Get("/v1/agents/{agentID}", s.handleGetAgent)
		r.Get("/v1/agents/{agentID}/escrows", s.handleListAgentEscrows)

		r.Post("/v1/attestations", s.handlePostAttestation)
		r.Get("/v1/attestations/{id}", s.handleGetAttestation)

		r.Post("/v1/accounts/{address}/deposit", s.handleDeposit)
		r.Get("/v1/accounts/{address}", s.handleGetAccount)

		r.Post("/v1/escrows", s.handleCreateEscrow)
		r.Get("/v1/escrows/{id}", s.handleGetEscrow)
		r.Get("/v1/escrows/{id}/can-release", s.handleCanRelease)
		r.Get("/v1/escrows/{id}/approvals", s.handleGetApprovals)
		r.Post("/v1/escrows/{id}/fund", s.handleFund)
		r.Post("/v1/escrows/{id}/release", s.handleRelease)
		r.Post("/v1/escrows/{id}/refund", s.handleRefund)
		r.Post("/v1/escrows/{id}/cancel", s.handleCancel)
		r.Post("/v1/escrows/{id}/approve", s.handleApprove)
		r.Post("/v1/escrows/{id}/dispute", s.handleDispute)
		r.Post("/v1/escrows/{id}/resolve", s.handleResolve)
		r.Post("/v1/escrows/{id}/claim", s.handleClaim)
	})

	return r
}

// authenticate verifies the request signature when an authenticator is
// configured and records the call in the audit log.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyForSignature+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		_ = r.Body.Close()
		if len(body) > maxBodyForSignature {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		apiKey := ""
		if s.auth != nil {
			principal, err := s.auth.Authenticate(r, body)
			if err != nil {
				s.logger.Warn("authentication failed",
					slog.String("path", r.URL.Path),
					logging.MaskField("apiKey", r.Header.Get(headerAPIKey)),
					logging.MaskField("signature", r.Header.Get(headerSignature)),
					slog.String("error", err.Error()))
				writeError(w, http.StatusUnauthorized, "authentication failed")
				return
			}
			apiKey = principal.APIKey
			r = r.WithContext(context.WithValue(r.Context(), principalContextKey{}, principal))
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if s.store != nil {
			entry := AuditEntry{
				APIKey:         apiKey,
				Method:         r.Method,
				Path:           r.URL.Path,
				RequestBody:    body,
				ResponseStatus: rec.status,
				Timestamp:      time.Now().UTC(),
			}
			if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
				s.logger.Error("audit log write failed", slog.String("error", err.Error()))
			}
		}
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeEngineError maps engine sentinels onto HTTP status codes. Conflicting
// preconditions are 409s; authorization failures are 403s.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var invalidStatus *escrow.InvalidStatusError
	switch {
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, identity.ErrUnknownAgent):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrNotEscrowParty):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &invalidStatus),
		errors.Is(err, escrow.ErrTimeoutNotReached),
		errors.Is(err, escrow.ErrInsufficientApprovals),
		errors.Is(err, escrow.ErrAttestationNotVerified),
		errors.Is(err, escrow.ErrAlreadyApproved),
		errors.Is(err, escrow.ErrNoPayoutPending),
		errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, attestation.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidCondition),
		errors.Is(err, identity.ErrInvalidAgentID),
		errors.Is(err, identity.ErrZeroWallet):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrTransferFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("internal error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// observeEngineOp times one engine call and tallies it on the operations
// counter under a stable outcome label.
func observeEngineOp(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	observability.Engine().ObserveOperation(op, engineOutcome(err), time.Since(start))
	return err
}

// engineOutcome collapses engine errors into the label set used by the
// operations counter. Labels must stay low-cardinality, so unknown errors all
// land on "error".
func engineOutcome(err error) string {
	var invalidStatus *escrow.InvalidStatusError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &invalidStatus):
		return "invalid_status"
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, identity.ErrUnknownAgent):
		return "not_found"
	case errors.Is(err, escrow.ErrNotEscrowParty):
		return "not_party"
	case errors.Is(err, escrow.ErrAttestationNotVerified):
		return "attestation_not_verified"
	case errors.Is(err, escrow.ErrInsufficientApprovals), errors.Is(err, escrow.ErrAlreadyApproved):
		return "quorum"
	case errors.Is(err, escrow.ErrTimeoutNotReached):
		return "timeout_not_reached"
	case errors.Is(err, escrow.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, escrow.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, escrow.ErrNoPayoutPending):
		return "no_payout_pending"
	case errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, escrow.ErrInvalidCondition):
		return "invalid_request"
	default:
		return "error"
	}
}

// notePayoutPending and notePayoutSettled keep the payouts-pending gauge in
// step with failed deliveries and successful claims.
func (s *Server) notePayoutPending() {
	observability.Engine().SetPayoutsPending(int(s.pendingPayouts.Add(1)))
}

func (s *Server) notePayoutSettled() {
	n := s.pendingPayouts.Add(-1)
	if n < 0 {
		s.pendingPayouts.Store(0)
		n = 0
	}
	observability.Engine().SetPayoutsPending(int(n))
}

func decodeBody(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func parseAddress(s string) ([20]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != 20 {
		return [20]byte{}, fmt.Errorf("invalid address %q", s)
	}
	var addr [20]byte
	copy(addr[:], raw)
	return addr, nil
}

func parseProof(s string) ([32]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return [32]byte{}, nil
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("invalid proof %q", s)
	}
	var proof [32]byte
	copy(proof[:], raw)
	return proof, nil
}

func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}

func escrowIDParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
}

type agentRequest struct {
	AgentID string `json:"agentId"`
	Wallet  string `json:"wallet"`
}

type agentView struct {
	AgentID   string `json:"agentId"`
	Wallet    string `json:"wallet"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func newAgentView(record *identity.AgentRecord) agentView {
	return agentView{
		AgentID:   record.AgentID,
		Wallet:    "0x" + hex.EncodeToString(record.Wallet[:]),
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wallet, err := parseAddress(req.Wallet)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.directory.Register(req.AgentID, wallet)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAgentView(record))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	record, err := s.directory.Get(chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgentView(record))
}

func (s *Server) handleListAgentEscrows(w http.ResponseWriter, r *http.Request) {
	escrows, err := s.engine.ListByAgent(chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	views := make([]escrowView, 0, len(escrows))
	for _, esc := range escrows {
		views = append(views, newEscrowView(esc))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escrows": views})
}

type attestationRequest struct {
	SubjectAgent    string `json:"subjectAgent"`
	ModelCommitment string `json:"modelCommitment"`
	Decision        string `json:"decision"`
	ConfidenceBps   uint32 `json:"confidenceBps"`
	IssuedAt        int64  `json:"issuedAt,omitempty"`
	Attester        string `json:"attester"`
}

type attestationView struct {
	ID              string `json:"id"`
	SubjectAgent    string `json:"subjectAgent"`
	ModelCommitment string `json:"modelCommitment"`
	Decision        string `json:"decision"`
	ConfidenceBps   uint32 `json:"confidenceBps"`
	IssuedAt        int64  `json:"issuedAt"`
	Attester        string `json:"attester"`
}

func newAttestationView(record *attestation.Attestation) attestationView {
	return attestationView{
		ID:              "0x" + hex.EncodeToString(record.ID[:]),
		SubjectAgent:    record.SubjectAgent,
		ModelCommitment: record.ModelCommitment,
		Decision:        record.Decision.String(),
		ConfidenceBps:   record.ConfidenceBps,
		IssuedAt:        record.IssuedAt,
		Attester:        "0x" + hex.EncodeToString(record.Attester[:]),
	}
}

func (s *Server) handlePostAttestation(w http.ResponseWriter, r *http.Request) {
	var req attestationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decision, err := attestation.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	attester, err := parseAddress(req.Attester)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	issuedAt := req.IssuedAt
	if issuedAt == 0 {
		issuedAt = time.Now().Unix()
	}
	record := &attestation.Attestation{
		SubjectAgent:    req.SubjectAgent,
		ModelCommitment: req.ModelCommitment,
		Decision:        decision,
		ConfidenceBps:   req.ConfidenceBps,
		IssuedAt:        issuedAt,
		Attester:        attester,
	}
	if err := s.ledger.Put(record); err != nil {
		if errors.Is(err, attestation.ErrDuplicate) {
			s.writeEngineError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, newAttestationView(record))
}

func (s *Server) handleGetAttestation(w http.ResponseWriter, r *http.Request) {
	id, err := parseProof(chi.URLParam(r, "id"))
	if err != nil || id == ([32]byte{}) {
		writeError(w, http.StatusBadRequest, "invalid attestation id")
		return
	}
	record, found, err := s.ledger.Lookup(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "attestation not found")
		return
	}
	writeJSON(w, http.StatusOK, newAttestationView(record))
}

type depositRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.state.Mint(addr, req.Asset, amount); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := s.state.GetAccount(addr)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	balances := make(map[string]string, len(account.Balances))
	for asset, amount := range account.Balances {
		balances[asset] = amount.String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":  "0x" + hex.EncodeToString(addr[:]),
		"balances": balances,
	})
}

type createEscrowRequest struct {
	SenderAgent      string   `json:"senderAgent"`
	RecipientAgent   string   `json:"recipientAgent"`
	Asset            string   `json:"asset"`
	Amount           string   `json:"amount"`
	Condition        string   `json:"condition"`
	Timeout          int64    `json:"timeout"`
	ModelCommitment  string   `json:"modelCommitment,omitempty"`
	MinConfidenceBps uint32   `json:"minConfidenceBps,omitempty"`
	Description      string   `json:"description,omitempty"`
	Approvers        []string `json:"approvers,omitempty"`
	Arbiter          string   `json:"arbiter,omitempty"`
}

type escrowView struct {
	ID               uint64 `json:"id"`
	SenderAgent      string `json:"senderAgent"`
	RecipientAgent   string `json:"recipientAgent"`
	Asset            string `json:"asset"`
	Amount           string `json:"amount"`
	Condition        string `json:"condition"`
	Timeout          int64  `json:"timeout"`
	ModelCommitment  string `json:"modelCommitment,omitempty"`
	MinConfidenceBps uint32 `json:"minConfidenceBps,omitempty"`
	Description      string `json:"description,omitempty"`
	Status           string `json:"status"`
	Sender           string `json:"sender"`
	Recipient        string `json:"recipient"`
	Arbiter          string `json:"arbiter,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
	FundedAt         int64  `json:"fundedAt,omitempty"`
	ResolvedAt       int64  `json:"resolvedAt,omitempty"`
	ReleaseProof     string `json:"releaseProof,omitempty"`
	ApprovalCount    uint32 `json:"approvalCount"`
	PayoutPending    bool   `json:"payoutPending"`
}

func newEscrowView(esc *escrow.Escrow) escrowView {
	view := escrowView{
		ID:               esc.ID,
		SenderAgent:      esc.Config.SenderAgent,
		RecipientAgent:   esc.Config.RecipientAgent,
		Asset:            esc.Config.Asset,
		Amount:           esc.Config.Amount.String(),
		Condition:        esc.Config.Condition.String(),
		Timeout:          esc.Config.Timeout,
		ModelCommitment:  esc.Config.ModelCommitment,
		MinConfidenceBps: esc.Config.MinConfidenceBps,
		Description:      esc.Config.Description,
		Status:           esc.Status.String(),
		Sender:           "0x" + hex.EncodeToString(esc.SenderAddr[:]),
		Recipient:        "0x" + hex.EncodeToString(esc.RecipientAddr[:]),
		CreatedAt:        esc.CreatedAt,
		FundedAt:         esc.FundedAt,
		ResolvedAt:       esc.ResolvedAt,
		ApprovalCount:    esc.ApprovalCount,
		PayoutPending:    esc.PayoutPending,
	}
	if esc.Arbiter != ([20]byte{}) {
		view.Arbiter = "0x" + hex.EncodeToString(esc.Arbiter[:])
	}
	if esc.ReleaseProof != ([32]byte{}) {
		view.ReleaseProof = "0x" + hex.EncodeToString(esc.ReleaseProof[:])
	}
	return view
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	requestHash := ""
	apiKey := ""
	if principal, ok := r.Context().Value(principalContextKey{}).(*Principal); ok && principal != nil {
		apiKey = principal.APIKey
	}
	if s.store != nil && idemKey != "" {
		digest := sha256.Sum256(body)
		requestHash = hex.EncodeToString(digest[:])
		cached, err := s.store.LookupIdempotency(r.Context(), apiKey, idemKey, requestHash)
		if errors.Is(err, ErrIdempotencyMismatch) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	var req createEscrowRequest
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	condition, err := escrow.ParseCondition(req.Condition)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	approvers := make([][20]byte, 0, len(req.Approvers))
	for _, raw := range req.Approvers {
		addr, err := parseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		approvers = append(approvers, addr)
	}
	var arbiter *[20]byte
	if strings.TrimSpace(req.Arbiter) != "" {
		addr, err := parseAddress(req.Arbiter)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		arbiter = &addr
	}

	var esc *escrow.Escrow
	err = observeEngineOp("create", func() error {
		var createErr error
		esc, createErr = s.engine.Create(escrow.Config{
			SenderAgent:      req.SenderAgent,
			RecipientAgent:   req.RecipientAgent,
			Asset:            req.Asset,
			Amount:           amount,
			Condition:        condition,
			Timeout:          req.Timeout,
			ModelCommitment:  req.ModelCommitment,
			MinConfidenceBps: req.MinConfidenceBps,
			Description:      req.Description,
		}, approvers, arbiter)
		return createErr
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	view := newEscrowView(esc)
	if s.store != nil && idemKey != "" {
		encoded, err := json.Marshal(view)
		if err == nil {
			if err := s.store.SaveIdempotency(r.Context(), apiKey, idemKey, requestHash, http.StatusCreated, encoded); err != nil {
				s.logger.Error("idempotency save failed", slog.String("error", err.Error()))
			}
		}
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	esc, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowView(esc))
}

func (s *Server) handleCanRelease(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	proof, err := parseProof(r.URL.Query().Get("proof"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result := map[string]interface{}{"releasable": true}
	if err := s.engine.CanRelease(r.Context(), id, proof); err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			s.writeEngineError(w, err)
			return
		}
		result["releasable"] = false
		result["reason"] = err.Error()
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetApprovals(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	set, err := s.engine.Approvals(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	required := make([]string, 0, len(set.Required))
	for _, addr := range set.Required {
		required = append(required, "0x"+hex.EncodeToString(addr[:]))
	}
	approved := make([]string, 0, len(set.Approved))
	for _, addr := range set.Approved {
		approved = append(approved, "0x"+hex.EncodeToString(addr[:]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escrowId":  id,
		"required":  required,
		"approved":  approved,
		"satisfied": set.Satisfied(),
	})
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) callerFromBody(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return [20]byte{}, false
	}
	addr, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return [20]byte{}, false
	}
	return addr, true
}

type fundRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	var req fundRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := observeEngineOp("fund", func() error { return s.engine.Fund(id, caller, amount) }); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.respondWithEscrow(w, id)
}

type releaseRequest struct {
	Proof string `json:"proof,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	var req releaseRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	proof, err := parseProof(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := observeEngineOp("release", func() error { return s.engine.Release(r.Context(), id, proof) }); err != nil {
		if errors.Is(err, escrow.ErrTransferFailed) {
			// The escrow is already settled; only delivery failed. Surface
			// the pending payout rather than a hard failure.
			s.notePayoutPending()
			esc, getErr := s.engine.Get(id)
			if getErr == nil {
				writeJSON(w, http.StatusAccepted, newEscrowView(esc))
				return
			}
		}
		s.writeEngineError(w, err)
		return
	}
	s.respondWithEscrow(w, id)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	caller, ok := s.callerFromBody(w, r)
	if !ok {
		return
	}
	if err := observeEngineOp("refund", func() error { return s.engine.Refund(id, caller) }); err != nil {
		if errors.Is(err, escrow.ErrTransferFailed) {
			s.notePayoutPending()
		}
		s.writeEngineError(w, err)
		return
	}
	s.respondWithEscrow(w, id)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	caller, ok := s.callerFromBody(w, r)
	if !ok {
		return
	}
	if err := observeEngineOp("cancel", func() error { return s.engine.Cancel(id, caller) }); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.respondWithEscrow(w, id)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	caller, ok := s.callerFromBody(w, r)
	if !ok {
		return
	}
	if err := observeEngineOp("approve", func() error { return s.engine.Approve(id, caller) }); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.respondWithEscrow(w, id)
}

type disputeRequest struct {
	Caller string `json:"caller"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	var req disputeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := observeEngineOp("dispute", func() error { return s.engine.Dispute(id, caller, req.Reason) }); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.respondWithEscrow(w, id)
}

type resolveRequest struct {
	Caller      string `json:"caller"`
	ToRecipient bool   `json:"toRecipient"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := observeEngineOp("resolve", func() error { return s.engine.ResolveDispute(id, caller, req.ToRecipient) }); err != nil {
		if errors.Is(err, escrow.ErrTransferFailed) {
			s.notePayoutPending()
		}
		s.writeEngineError(w, err)
		return
	}
	s.respondWithEscrow(w, id)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	if err := observeEngineOp("claim", func() error { return s.engine.ClaimPayout(id) }); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.notePayoutSettled()
	s.respondWithEscrow(w, id)
}

func (s *Server) respondWithEscrow(w http.ResponseWriter, id uint64) {
	esc, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowView(esc))
}
