/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- Token verification and caller mapping
- Operation endpoints and error to status mapping
- Idempotent replays over HTTP
- History pagination and filters
- Grant audits and tenant settings
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/metrics"
	"github.com/warp/credit-ledger/store/sqlite"
	"github.com/warp/credit-ledger/tenant"
)

var testSecret = []byte("test-secret")

const academyPath = "/api/tenants/academy-1"

type testServer struct {
	store  *sqlite.Store
	router http.Handler
}

func setupServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveTenant(context.Background(), tenant.Record{
		ID:       "academy-1",
		Name:     "Academy One",
		Settings: json.RawMessage(`{"manual_credit_release":true}`),
	}))

	reg := prometheus.NewRegistry()
	dir := tenant.NewDirectory(store, 16, time.Minute)
	svc := credit.NewService(store, dir,
		credit.WithRetry(credit.RetryConfig{MaxRetries: 3, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond}),
		credit.WithObserver(metrics.NewCollector(reg)),
	)
	h := NewHandler(svc, store, dir, store, logging.NewDiscard())

	return &testServer{
		store: store,
		router: NewRouter(h, RouterConfig{
			JWTSecret:   testSecret,
			CORSOrigins: []string{"*"},
			Gatherer:    reg,
		}),
	}
}

func token(t *testing.T, sub string, role credit.Role, tenantID string) string {
	t.Helper()
	raw, err := SignToken(testSecret, Claims{
		Role:     string(role),
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return raw
}

func adminToken(t *testing.T) string {
	return token(t, "admin-1", credit.RoleTenantAdmin, "academy-1")
}

func studentToken(t *testing.T) string {
	return token(t, "student-1", credit.RoleStudent, "academy-1")
}

func franchisorToken(t *testing.T) string {
	return token(t, "hq-1", credit.RoleFranchisorAdmin, "")
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) grant(t *testing.T, qty int, key string) OperationResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, academyPath+"/accounts/student-1/grant", adminToken(t),
		map[string]any{"quantity": qty, "reason": "welcome pack", "idempotency_key": key})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[OperationResponse](t, rec)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuth_MissingToken(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodGet, academyPath+"/accounts/student-1/balance", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_WrongSignature(t *testing.T) {
	s := setupServer(t)
	forged, err := SignToken([]byte("other-secret"), Claims{
		Role:             string(credit.RoleFranchisorAdmin),
		RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"},
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, academyPath+"/accounts/student-1/balance", forged, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_UnknownRole(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodGet, academyPath+"/accounts/student-1/balance",
		token(t, "x", credit.Role("janitor"), "academy-1"), nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestParseCaller_MapsClaims(t *testing.T) {
	raw := token(t, "prof-9", credit.RoleProfessor, "academy-1")

	caller, err := ParseCaller(testSecret, raw)

	require.NoError(t, err)
	assert.Equal(t, credit.Caller{ID: "prof-9", Role: credit.RoleProfessor, TenantID: "academy-1"}, caller)
}

func TestParseCaller_RejectsOtherAlgorithms(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		Role:             string(credit.RoleSystem),
		RegisteredClaims: jwt.RegisteredClaims{Subject: "bot"},
	}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = ParseCaller(testSecret, raw)
	assert.Error(t, err)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestGrant_CreatesTransactionAndAudit(t *testing.T) {
	s := setupServer(t)

	// WHEN: tenant admin grants 10 credits
	resp := s.grant(t, 10, "grant-1")

	// THEN: balance, transaction and audit are returned
	assert.Equal(t, int64(10), resp.Balance.Available)
	assert.Equal(t, int64(10), resp.Balance.TotalPurchased)
	require.NotNil(t, resp.Transaction)
	assert.Equal(t, "GRANT", resp.Transaction.Type)
	assert.Equal(t, "ADMIN", resp.Transaction.Source)
	require.NotNil(t, resp.Audit)
	assert.Equal(t, "admin-1", resp.Audit.AuthorizedBy)
	assert.False(t, resp.Replayed)

	// AND: the student sees the balance
	rec := s.do(t, http.MethodGet, academyPath+"/accounts/student-1/balance", studentToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(10), decode[BalanceDTO](t, rec).Available)
}

func TestGrant_ReplayWithHeaderKey(t *testing.T) {
	s := setupServer(t)
	path := academyPath + "/accounts/student-1/grant"
	body := map[string]any{"quantity": 5, "reason": "promo"}

	first := s.do(t, http.MethodPost, path, adminToken(t), body, "Idempotency-Key", "promo-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	// WHEN: the same request is retried
	second := s.do(t, http.MethodPost, path, adminToken(t), body, "Idempotency-Key", "promo-1")

	// THEN: 200 with the original transaction and no double credit
	require.Equal(t, http.StatusOK, second.Code)
	a, b := decode[OperationResponse](t, first), decode[OperationResponse](t, second)
	assert.True(t, b.Replayed)
	assert.Equal(t, a.Transaction.ID, b.Transaction.ID)
	assert.Equal(t, int64(5), b.Balance.Available)
}

func TestGrant_KeyReusedForOtherOperation(t *testing.T) {
	s := setupServer(t)
	s.grant(t, 5, "shared-key")

	rec := s.do(t, http.MethodPost, academyPath+"/accounts/student-1/consume", studentToken(t),
		map[string]any{"quantity": 1, "idempotency_key": "shared-key"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "IDEMPOTENCY_KEY_REUSED", decode[ErrorResponse](t, rec).Code)
}

func TestConsume_InsufficientBalanceReturnsBalance(t *testing.T) {
	s := setupServer(t)
	s.grant(t, 2, "grant-1")

	// WHEN: student books more than available
	rec := s.do(t, http.MethodPost, academyPath+"/accounts/student-1/consume", studentToken(t),
		map[string]any{"quantity": 3, "booking_id": "class-7", "idempotency_key": "book-1"})

	// THEN: 422 with the unchanged balance
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "INSUFFICIENT_BALANCE", resp.Code)
	require.NotNil(t, resp.Balance)
	assert.Equal(t, int64(2), resp.Balance.Available)
}

func TestGrant_RejectedBeforeReadOmitsBalance(t *testing.T) {
	s := setupServer(t)
	s.grant(t, 2, "grant-1")

	// WHEN: a student tries to grant to themselves
	rec := s.do(t, http.MethodPost, academyPath+"/accounts/student-1/grant", studentToken(t),
		map[string]any{"quantity": 5, "reason": "free", "idempotency_key": "self-grant"})

	// THEN: 403 without a balance field
	require.Equal(t, http.StatusForbidden, rec.Code)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, "UNAUTHORIZED", raw["code"])
	assert.NotContains(t, raw, "balance")

	// AND: a result without an account writes no balance for any code
	h := &Handler{Log: logging.NewDiscard()}
	for _, err := range []error{credit.ErrInvalidRequest, credit.ErrCanceled} {
		rec = httptest.NewRecorder()
		h.writeResult(rec, httptest.NewRequest(http.MethodPost, "/x", nil), credit.Result{}, err)
		assert.Nil(t, decode[ErrorResponse](t, rec).Balance, err.Error())
	}
}

func TestOperations_LockUnlockRefundRevoke(t *testing.T) {
	s := setupServer(t)
	s.grant(t, 20, "grant-1")
	system := token(t, "booking-bot", credit.RoleSystem, "")
	account := academyPath + "/accounts/student-1"

	rec := s.do(t, http.MethodPost, account+"/lock", system,
		map[string]any{"quantity": 8, "booking_id": "b-1", "idempotency_key": "lock-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(8), decode[OperationResponse](t, rec).Balance.LockedQty)

	rec = s.do(t, http.MethodPost, account+"/unlock", system,
		map[string]any{"quantity": 10, "booking_id": "b-1", "idempotency_key": "unlock-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	unlocked := decode[OperationResponse](t, rec)
	assert.Equal(t, int64(0), unlocked.Balance.LockedQty)
	assert.Equal(t, int64(20), unlocked.Balance.Available)
	assert.Equal(t, int64(8), unlocked.Transaction.Quantity)

	rec = s.do(t, http.MethodPost, account+"/consume", studentToken(t),
		map[string]any{"quantity": 4, "idempotency_key": "consume-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, account+"/refund", system,
		map[string]any{"quantity": 1, "booking_id": "b-2", "idempotency_key": "refund-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(17), decode[OperationResponse](t, rec).Balance.Available)

	rec = s.do(t, http.MethodPost, account+"/revoke", adminToken(t),
		map[string]any{"quantity": 7, "reason": "chargeback", "idempotency_key": "revoke-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(10), decode[OperationResponse](t, rec).Balance.Available)
}

func TestGrant_PolicyRejections(t *testing.T) {
	s := setupServer(t)
	path := academyPath + "/accounts/student-1/grant"

	tests := []struct {
		name   string
		tok    string
		body   any
		status int
		code   string
	}{
		{
			name:   "fractional quantity",
			tok:    adminToken(t),
			body:   `{"quantity": 1.5, "reason": "x", "idempotency_key": "k1"}`,
			status: http.StatusBadRequest,
			code:   "INVALID_QUANTITY",
		},
		{
			name:   "high quantity without confirmation",
			tok:    adminToken(t),
			body:   map[string]any{"quantity": 150, "reason": "x", "idempotency_key": "k2"},
			status: http.StatusUnprocessableEntity,
			code:   "HIGH_QUANTITY_NOT_CONFIRMED",
		},
		{
			name:   "student cannot grant",
			tok:    studentToken(t),
			body:   map[string]any{"quantity": 1, "reason": "x", "idempotency_key": "k3"},
			status: http.StatusForbidden,
			code:   "UNAUTHORIZED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, path, tt.tok, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	// AND: confirmed high quantity goes through
	rec := s.do(t, http.MethodPost, path, adminToken(t),
		map[string]any{"quantity": 150, "reason": "annual plan", "confirm_high_quantity": true, "idempotency_key": "k4"})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestGrant_UnknownAcademy(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/api/tenants/ghost/accounts/student-1/grant",
		token(t, "admin-9", credit.RoleTenantAdmin, "ghost"),
		map[string]any{"quantity": 1, "reason": "x", "idempotency_key": "k1"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ACADEMY_NOT_FOUND", decode[ErrorResponse](t, rec).Code)
}

func TestGrant_InvalidBody(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, academyPath+"/accounts/student-1/grant", adminToken(t), `{"quantity":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// TENANT SETTINGS
// =============================================================================

func TestUpsertTenant_DisablingFeatureTakesEffectImmediately(t *testing.T) {
	s := setupServer(t)

	// GIVEN: a grant has warmed the tenant cache
	s.grant(t, 1, "grant-1")

	// WHEN: the franchisor disables manual release
	rec := s.do(t, http.MethodPut, academyPath, franchisorToken(t),
		map[string]any{"name": "Academy One", "settings": map[string]any{"manual_credit_release": false}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decode[TenantDTO](t, rec)
	require.NotNil(t, dto.Settings.ManualCreditRelease)
	assert.False(t, *dto.Settings.ManualCreditRelease)

	// THEN: the next admin grant is rejected
	rec = s.do(t, http.MethodPost, academyPath+"/accounts/student-1/grant", adminToken(t),
		map[string]any{"quantity": 1, "reason": "x", "idempotency_key": "grant-2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FEATURE_DISABLED", decode[ErrorResponse](t, rec).Code)
}

func TestUpsertTenant_Validation(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPut, academyPath, adminToken(t), map[string]any{"name": "Mine now"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPut, academyPath, franchisorToken(t),
		map[string]any{"name": "Academy One", "settings": map[string]any{"high_quantity_threshold": -5}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, academyPath, franchisorToken(t), map[string]any{"name": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantReads(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodGet, "/api/tenants", franchisorToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]TenantDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "academy-1", list[0].ID)

	rec = s.do(t, http.MethodGet, "/api/tenants", adminToken(t), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, academyPath, adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Academy One", decode[TenantDTO](t, rec).Name)

	rec = s.do(t, http.MethodGet, "/api/tenants/ghost", franchisorToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// HISTORY AND AUDITS
// =============================================================================

func TestListTransactions_Pagination(t *testing.T) {
	s := setupServer(t)
	for _, key := range []string{"g-1", "g-2", "g-3"} {
		s.grant(t, 1, key)
	}

	// WHEN: first page of two
	rec := s.do(t, http.MethodGet, academyPath+"/transactions?limit=2", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[TransactionPageDTO](t, rec)
	require.Len(t, first.Transactions, 2)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, "g-3", first.Transactions[0].IdempotencyKey)

	// THEN: the cursor yields the remaining entry
	rec = s.do(t, http.MethodGet, academyPath+"/transactions?limit=2&cursor="+first.NextCursor, adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[TransactionPageDTO](t, rec)
	require.Len(t, second.Transactions, 1)
	assert.Equal(t, "g-1", second.Transactions[0].IdempotencyKey)
	assert.Empty(t, second.NextCursor)
}

func TestListTransactions_Filters(t *testing.T) {
	s := setupServer(t)
	s.grant(t, 5, "g-1")
	rec := s.do(t, http.MethodPost, academyPath+"/accounts/student-1/consume", studentToken(t),
		map[string]any{"quantity": 1, "idempotency_key": "c-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: filtering by type
	rec = s.do(t, http.MethodGet, academyPath+"/transactions?type=consume", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[TransactionPageDTO](t, rec)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, "CONSUME", page.Transactions[0].Type)

	// WHEN: student reads own history
	rec = s.do(t, http.MethodGet, academyPath+"/transactions?account_id=student-1", studentToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[TransactionPageDTO](t, rec).Transactions, 2)

	// THEN: tenant-wide history is not for students
	rec = s.do(t, http.MethodGet, academyPath+"/transactions", studentToken(t), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// AND: bad parameters are 400
	for _, q := range []string{"type=gift", "from=yesterday", "limit=ten", "cursor=%21%21"} {
		rec = s.do(t, http.MethodGet, academyPath+"/transactions?"+q, adminToken(t), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestAudits(t *testing.T) {
	s := setupServer(t)
	granted := s.grant(t, 3, "g-1")

	rec := s.do(t, http.MethodGet, "/api/transactions/"+granted.Transaction.ID+"/audit", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	audit := decode[GrantAuditDTO](t, rec)
	assert.Equal(t, "student-1", audit.RecipientID)
	assert.Equal(t, int64(3), audit.Quantity)
	assert.Equal(t, "welcome pack", audit.Reason)

	rec = s.do(t, http.MethodGet, "/api/transactions/"+granted.Transaction.ID+"/audit", studentToken(t), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown ids look the same as foreign ones unless the caller is a franchisor admin.
	rec = s.do(t, http.MethodGet, "/api/transactions/missing/audit", adminToken(t), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/transactions/missing/audit", studentToken(t), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/transactions/missing/audit", franchisorToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, academyPath+"/audits", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]GrantAuditDTO](t, rec), 1)
}

// =============================================================================
// OPS AND ERROR MAPPING
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := setupServer(t)
	s.grant(t, 1, "g-1")

	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "credit_ledger_operations_total"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{credit.ErrInvalidQuantity, http.StatusBadRequest},
		{credit.ErrInvalidRequest, http.StatusBadRequest},
		{credit.ErrHighQuantityNotConfirmed, http.StatusUnprocessableEntity},
		{credit.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{credit.ErrFeatureDisabled, http.StatusForbidden},
		{credit.ErrUnauthorized, http.StatusForbidden},
		{credit.ErrAcademyNotFound, http.StatusNotFound},
		{credit.ErrNotFound, http.StatusNotFound},
		{credit.ErrIdempotencyKeyReused, http.StatusConflict},
		{credit.ErrConflict, http.StatusServiceUnavailable},
		{credit.ErrCanceled, statusClientClosedRequest},
		{context.Canceled, statusClientClosedRequest},
		{context.DeadlineExceeded, statusClientClosedRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}

func TestWriteLedgerError_ConflictSetsRetryAfter(t *testing.T) {
	h := &Handler{Log: logging.NewDiscard()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", nil)

	h.writeLedgerError(rec, req, credit.ErrConflict, &BalanceDTO{Available: 4})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "CONFLICT", resp.Code)
	assert.Equal(t, int64(4), resp.Balance.Available)
}
