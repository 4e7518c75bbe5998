package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"escrowd/core/identity"
	"escrowd/core/state"
	"escrowd/native/attestation"
	"escrowd/native/escrow"
	"escrowd/storage"
)

type testServer struct {
	server  *Server
	handler http.Handler
	manager *state.Manager
}

func newTestServer(t *testing.T, auth *Authenticator, store *SQLiteStore) *testServer {
	t.Helper()
	db := storage.NewMemDB()
	manager := state.NewManager(db)
	directory := identity.NewDirectory(db)
	ledger := attestation.NewLedger(db)
	engine := escrow.NewEngine(manager, directory, attestation.NewOracle(ledger, time.Second))

	server := NewServer(engine, directory, ledger, manager, store, auth, newClientLimiter(10_000), nil)
	return &testServer{server: server, handler: server.Router(), manager: manager}
}

func (ts *testServer) request(t *testing.T, method, path string, payload interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func addrHex(fill byte) string {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	return fmt.Sprintf("0x%x", raw)
}

func (ts *testServer) registerAgents(t *testing.T) {
	t.Helper()
	for agent, wallet := range map[string]string{
		"buyer-agent":  addrHex(0x01),
		"seller-agent": addrHex(0x02),
	} {
		rec := ts.request(t, http.MethodPost, "/v1/agents", agentRequest{AgentID: agent, Wallet: wallet}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("register %s: %d %s", agent, rec.Code, rec.Body.String())
		}
	}
	rec := ts.request(t, http.MethodPost, "/v1/accounts/"+addrHex(0x01)+"/deposit", depositRequest{Asset: "AGC", Amount: "1000"}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deposit: %d %s", rec.Code, rec.Body.String())
	}
}

func (ts *testServer) createEscrow(t *testing.T, req createEscrowRequest, headers map[string]string) escrowView {
	t.Helper()
	rec := ts.request(t, http.MethodPost, "/v1/escrows", req, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create escrow: %d %s", rec.Code, rec.Body.String())
	}
	var view escrowView
	decodeJSON(t, rec, &view)
	return view
}

func baseCreateRequest() createEscrowRequest {
	return createEscrowRequest{
		SenderAgent:    "buyer-agent",
		RecipientAgent: "seller-agent",
		Asset:          "AGC",
		Amount:         "100",
		Condition:      "quorum",
		Timeout:        time.Now().Add(time.Hour).Unix(),
		Approvers:      []string{addrHex(0x01)},
	}
}

func TestQuorumLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.registerAgents(t)
	view := ts.createEscrow(t, baseCreateRequest(), nil)
	if view.Status != "created" {
		t.Fatalf("unexpected status %q", view.Status)
	}
	path := "/v1/escrows/" + strconv.FormatUint(view.ID, 10)

	rec := ts.request(t, http.MethodPost, path+"/fund", fundRequest{Caller: addrHex(0x01), Amount: "100"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fund: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.request(t, http.MethodGet, path+"/can-release", nil, nil)
	var canRelease map[string]interface{}
	decodeJSON(t, rec, &canRelease)
	if canRelease["releasable"] != false {
		t.Fatalf("unapproved escrow must not be releasable: %v", canRelease)
	}

	rec = ts.request(t, http.MethodPost, path+"/approve", callerRequest{Caller: addrHex(0x01)}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.request(t, http.MethodPost, path+"/release", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("release: %d %s", rec.Code, rec.Body.String())
	}
	decodeJSON(t, rec, &view)
	if view.Status != "released" || view.PayoutPending {
		t.Fatalf("unexpected post-release view: %+v", view)
	}

	rec = ts.request(t, http.MethodGet, "/v1/accounts/"+addrHex(0x02), nil, nil)
	var account struct {
		Balances map[string]string `json:"balances"`
	}
	decodeJSON(t, rec, &account)
	if account.Balances["AGC"] != "100" {
		t.Fatalf("recipient balance %q, want 100", account.Balances["AGC"])
	}
}

func TestAttestationGatedOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.registerAgents(t)

	req := baseCreateRequest()
	req.Condition = "attestation_gated"
	req.Approvers = nil
	req.MinConfidenceBps = 8_000
	req.ModelCommitment = "0xmodel1"
	view := ts.createEscrow(t, req, nil)
	path := "/v1/escrows/" + strconv.FormatUint(view.ID, 10)

	rec := ts.request(t, http.MethodPost, path+"/fund", fundRequest{Caller: addrHex(0x01), Amount: "100"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fund: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.request(t, http.MethodPost, "/v1/attestations", attestationRequest{
		SubjectAgent:    "seller-agent",
		ModelCommitment: "0xmodel1",
		Decision:        "approve",
		ConfidenceBps:   9_500,
		Attester:        addrHex(0xAA),
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("post attestation: %d %s", rec.Code, rec.Body.String())
	}
	var posted attestationView
	decodeJSON(t, rec, &posted)

	rec = ts.request(t, http.MethodGet, "/v1/attestations/"+posted.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get attestation: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.request(t, http.MethodPost, path+"/release", releaseRequest{Proof: posted.ID}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("release: %d %s", rec.Code, rec.Body.String())
	}
	decodeJSON(t, rec, &view)
	if view.Status != "released" || view.ReleaseProof != posted.ID {
		t.Fatalf("release proof not surfaced: %+v", view)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.registerAgents(t)
	view := ts.createEscrow(t, baseCreateRequest(), nil)
	path := "/v1/escrows/" + strconv.FormatUint(view.ID, 10)

	rec := ts.request(t, http.MethodPost, path+"/fund", fundRequest{Caller: addrHex(0x09), Amount: "100"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign funder: %d, want 403", rec.Code)
	}

	rec = ts.request(t, http.MethodGet, "/v1/escrows/999", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing escrow: %d, want 404", rec.Code)
	}

	rec = ts.request(t, http.MethodPost, path+"/release", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("release before funding: %d, want 409", rec.Code)
	}

	bad := baseCreateRequest()
	bad.Amount = "-5"
	rec = ts.request(t, http.MethodPost, "/v1/escrows", bad, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative amount: %d, want 400", rec.Code)
	}

	rec = ts.request(t, http.MethodPost, "/v1/agents", agentRequest{AgentID: "x", Wallet: addrHex(0x05)}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short agent id: %d, want 400", rec.Code)
	}

	oversized := baseCreateRequest()
	oversized.Amount = "5000"
	overView := ts.createEscrow(t, oversized, nil)
	overPath := "/v1/escrows/" + strconv.FormatUint(overView.ID, 10)
	rec = ts.request(t, http.MethodPost, overPath+"/fund", fundRequest{Caller: addrHex(0x01), Amount: "5000"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("underfunded sender: %d, want 409", rec.Code)
	}
}

func TestEngineOutcomeLabels(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{escrow.ErrNotFound, "not_found"},
		{identity.ErrUnknownAgent, "not_found"},
		{escrow.ErrNotEscrowParty, "not_party"},
		{escrow.ErrAttestationNotVerified, "attestation_not_verified"},
		{escrow.ErrInsufficientApprovals, "quorum"},
		{escrow.ErrAlreadyApproved, "quorum"},
		{escrow.ErrTimeoutNotReached, "timeout_not_reached"},
		{fmt.Errorf("%w: recipient unreachable", escrow.ErrTransferFailed), "transfer_failed"},
		{escrow.ErrInsufficientBalance, "insufficient_balance"},
		{escrow.ErrNoPayoutPending, "no_payout_pending"},
		{escrow.ErrInvalidAmount, "invalid_request"},
		{&escrow.InvalidStatusError{Op: "fund", Current: escrow.StatusReleased}, "invalid_status"},
		{errors.New("disk on fire"), "error"},
	}
	for _, tc := range cases {
		if got := engineOutcome(tc.err); got != tc.want {
			t.Fatalf("engineOutcome(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestPayoutGaugeCounterClampsAtZero(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.server.notePayoutSettled()
	if n := ts.server.pendingPayouts.Load(); n != 0 {
		t.Fatalf("pending counter = %d, want clamp at 0", n)
	}
	ts.server.notePayoutPending()
	ts.server.notePayoutPending()
	ts.server.notePayoutSettled()
	if n := ts.server.pendingPayouts.Load(); n != 1 {
		t.Fatalf("pending counter = %d, want 1", n)
	}
	ts.server.notePayoutSettled()
	if n := ts.server.pendingPayouts.Load(); n != 0 {
		t.Fatalf("pending counter = %d, want 0", n)
	}
}

func TestAuthRequired(t *testing.T) {
	auth := NewAuthenticator(map[string]string{"test-key": "test-secret"}, 2*time.Minute, 0, nil)
	ts := newTestServer(t, auth, nil)

	rec := ts.request(t, http.MethodGet, "/v1/escrows/1", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request: %d, want 401", rec.Code)
	}

	rec = ts.request(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must not require auth: %d", rec.Code)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := "nonce-1"
	signature := ComputeSignature("test-secret", timestamp, nonce, http.MethodGet, "/v1/escrows/1", nil)
	headers := map[string]string{
		headerAPIKey:    "test-key",
		headerTimestamp: timestamp,
		headerNonce:     nonce,
		headerSignature: signature,
	}
	rec = ts.request(t, http.MethodGet, "/v1/escrows/1", nil, headers)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("signed request: %d, want 404 for missing escrow", rec.Code)
	}

	// Replaying the same nonce must be rejected.
	rec = ts.request(t, http.MethodGet, "/v1/escrows/1", nil, headers)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed nonce: %d, want 401", rec.Code)
	}
}

func TestIdempotentCreate(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer store.Close()

	ts := newTestServer(t, nil, store)
	ts.registerAgents(t)

	headers := map[string]string{headerIdempotencyKey: "create-1"}
	request := baseCreateRequest()
	first := ts.createEscrow(t, request, headers)
	second := ts.createEscrow(t, request, headers)
	if first.ID != second.ID {
		t.Fatalf("idempotent replay created a new escrow: %d vs %d", first.ID, second.ID)
	}

	changed := baseCreateRequest()
	changed.Amount = "200"
	rec := ts.request(t, http.MethodPost, "/v1/escrows", changed, headers)
	if rec.Code != http.StatusConflict {
		t.Fatalf("key reuse with new body: %d, want 409", rec.Code)
	}

	fresh := ts.createEscrow(t, changed, map[string]string{headerIdempotencyKey: "create-2"})
	if fresh.ID == first.ID {
		t.Fatalf("new key must create a new escrow")
	}
}
