/*
handlers.go - HTTP request handlers for the credit ledger API

PURPOSE:
  Implements HTTP handlers for all API endpoints. Handlers translate between
  HTTP requests/responses and credit.Service calls. Business rules live in
  the credit package; handlers only decode, delegate and encode.

HANDLER PATTERN:
  1. Parse path params and body
  2. Build the credit request with the caller from the token
  3. Call the service
  4. Map the result or error to a response

ERROR RESPONSES:
  All errors return JSON: {"error": "message", "code": "CODE", "details": "..."}
  Rejected ledger operations also carry the unchanged "balance".

  INVALID_QUANTITY, INVALID_REQUEST   400
  UNAUTHORIZED, FEATURE_DISABLED      403
  ACADEMY_NOT_FOUND, not found        404
  IDEMPOTENCY_KEY_REUSED              409
  HIGH_QUANTITY_NOT_CONFIRMED,
  INSUFFICIENT_BALANCE                422
  CONFLICT                            503 with Retry-After
  CANCELED                            499
  anything else                       500

ENDPOINT GROUPS:
  Balances:      GetBalance
  Operations:    Grant, Consume, Lock, Unlock, Refund, Revoke
  History:       ListTransactions
  Audits:        GetAudit, ListAudits
  Tenants:       ListTenants, GetTenant, UpsertTenant
  Ops:           Health

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Route definitions
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/pagination"
	"github.com/warp/credit-ledger/tenant"
)

// TenantStore persists tenant rows.
type TenantStore interface {
	SaveTenant(ctx context.Context, rec tenant.Record) error
	LoadTenant(ctx context.Context, id credit.TenantID) (*tenant.Record, error)
	ListTenants(ctx context.Context) ([]tenant.Record, error)
}

// TenantCache is notified when a tenant row changes.
type TenantCache interface {
	Invalidate(id credit.TenantID)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Service *credit.Service
	Tenants TenantStore
	Cache   TenantCache
	DB      Pinger
	Log     logrus.FieldLogger
}

// NewHandler creates a new handler with dependencies.
func NewHandler(svc *credit.Service, tenants TenantStore, cache TenantCache, db Pinger, log logrus.FieldLogger) *Handler {
	return &Handler{Service: svc, Tenants: tenants, Cache: cache, DB: db, Log: log}
}

// =============================================================================
// BALANCE ENDPOINTS
// =============================================================================

// GetBalance returns the balance of an account, creating it on first access.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Service.GetBalance(r.Context(), callerOf(r), accountKey(r))
	if err != nil {
		h.writeLedgerError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// =============================================================================
// OPERATION ENDPOINTS
// =============================================================================

func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var body GrantRequest
	if !decodeBody(w, r, &body) {
		return
	}
	key := accountKey(r)
	res, err := h.Service.Grant(r.Context(), credit.GrantRequest{
		Caller:              callerOf(r),
		AccountID:           key.AccountID,
		TenantID:            key.TenantID,
		Quantity:            body.Quantity,
		Reason:              body.Reason,
		RecipientContact:    body.RecipientContact,
		ConfirmHighQuantity: body.ConfirmHighQuantity,
		IdempotencyKey:      idempotencyKey(r, body.IdempotencyKey),
	})
	h.writeResult(w, r, res, err)
}

func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	h.booking(w, r, h.Service.Consume)
}

func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	h.booking(w, r, h.Service.Lock)
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	h.booking(w, r, h.Service.Unlock)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	h.booking(w, r, h.Service.Refund)
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	var body RevokeRequest
	if !decodeBody(w, r, &body) {
		return
	}
	key := accountKey(r)
	res, err := h.Service.Revoke(r.Context(), credit.RevokeRequest{
		Caller:              callerOf(r),
		AccountID:           key.AccountID,
		TenantID:            key.TenantID,
		Quantity:            body.Quantity,
		Reason:              body.Reason,
		ConfirmHighQuantity: body.ConfirmHighQuantity,
		IdempotencyKey:      idempotencyKey(r, body.IdempotencyKey),
	})
	h.writeResult(w, r, res, err)
}

type bookingFunc func(ctx context.Context, req credit.BookingRequest) (credit.Result, error)

func (h *Handler) booking(w http.ResponseWriter, r *http.Request, op bookingFunc) {
	var body BookingRequest
	if !decodeBody(w, r, &body) {
		return
	}
	key := accountKey(r)
	res, err := op(r.Context(), credit.BookingRequest{
		Caller:         callerOf(r),
		AccountID:      key.AccountID,
		TenantID:       key.TenantID,
		Quantity:       body.Quantity,
		BookingID:      body.BookingID,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	})
	h.writeResult(w, r, res, err)
}

// writeResult answers 201 for a new transaction and 200 for a replay.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, res credit.Result, err error) {
	if err != nil {
		// Requests rejected before the account was read carry no balance.
		var bal *BalanceDTO
		if res.Balance.AccountID != "" {
			dto := toBalanceDTO(res.Balance)
			bal = &dto
		}
		h.writeLedgerError(w, r, err, bal)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toOperationResponse(res))
}

// =============================================================================
// HISTORY ENDPOINTS
// =============================================================================

// ListTransactions returns one page of history, newest first.
//
// Query parameters: account_id, type (repeatable or comma separated),
// from, to (RFC3339), limit, cursor.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTransactionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	page, err := h.Service.ListTransactions(r.Context(), callerOf(r), filter)
	if err != nil {
		h.writeLedgerError(w, r, err, nil)
		return
	}

	resp := TransactionPageDTO{Transactions: toTransactionDTOs(page.Transactions)}
	if page.Next != nil {
		resp.NextCursor = pagination.FromTime(page.Next.CreatedAt, string(page.Next.ID)).Encode()
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseTransactionFilter(r *http.Request) (credit.TransactionFilter, error) {
	q := r.URL.Query()
	filter := credit.TransactionFilter{
		TenantID:  credit.TenantID(chi.URLParam(r, "tenantID")),
		AccountID: credit.AccountID(q.Get("account_id")),
	}

	for _, v := range q["type"] {
		for _, name := range strings.Split(v, ",") {
			name = strings.ToUpper(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			t, ok := credit.ParseTransactionType(name)
			if !ok {
				return filter, errors.New("unknown transaction type " + strconv.Quote(name))
			}
			filter.Types = append(filter.Types, t)
		}
	}

	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		return filter, err
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		return filter, err
	}

	if s := q.Get("limit"); s != "" {
		if filter.Limit, err = strconv.Atoi(s); err != nil {
			return filter, errors.New("limit must be an integer")
		}
	}

	c, err := pagination.Decode(q.Get("cursor"))
	if err != nil {
		return filter, err
	}
	if c != nil {
		filter.After = &credit.PageCursor{CreatedAt: c.Time(), ID: credit.TransactionID(c.ID)}
	}
	return filter, nil
}

func parseTimeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// AUDIT ENDPOINTS
// =============================================================================

// GetAudit returns the grant audit of a transaction.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id := credit.TransactionID(chi.URLParam(r, "id"))
	audit, err := h.Service.GetAudit(r.Context(), callerOf(r), id)
	if err != nil {
		h.writeLedgerError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toGrantAuditDTO(audit))
}

// ListAudits returns the latest grant audits of a tenant.
func (h *Handler) ListAudits(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer", err)
			return
		}
		limit = n
	}

	tenantID := credit.TenantID(chi.URLParam(r, "tenantID"))
	audits, err := h.Service.ListAudits(r.Context(), callerOf(r), tenantID, limit)
	if err != nil {
		h.writeLedgerError(w, r, err, nil)
		return
	}

	out := make([]GrantAuditDTO, len(audits))
	for i, a := range audits {
		out[i] = toGrantAuditDTO(a)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// TENANT ENDPOINTS
// =============================================================================

// ListTenants returns every tenant. Franchisor only.
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	if callerOf(r).Role != credit.RoleFranchisorAdmin {
		h.writeLedgerError(w, r, credit.ErrUnauthorized, nil)
		return
	}

	records, err := h.Tenants.ListTenants(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tenants", err)
		return
	}

	out := make([]TenantDTO, 0, len(records))
	for _, rec := range records {
		dto, err := toTenantDTO(rec)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Invalid stored settings", err)
			return
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetTenant returns one tenant to its administrators.
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	id := credit.TenantID(chi.URLParam(r, "tenantID"))
	if err := credit.AuthorizeAudit(callerOf(r), id); err != nil {
		h.writeLedgerError(w, r, err, nil)
		return
	}

	rec, err := h.Tenants.LoadTenant(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load tenant", err)
		return
	}
	if rec == nil {
		h.writeLedgerError(w, r, credit.ErrAcademyNotFound, nil)
		return
	}

	dto, err := toTenantDTO(*rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Invalid stored settings", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// UpsertTenant creates or replaces a tenant and its settings. Franchisor only.
// The cached configuration is dropped so the next operation sees the change.
func (h *Handler) UpsertTenant(w http.ResponseWriter, r *http.Request) {
	if callerOf(r).Role != credit.RoleFranchisorAdmin {
		h.writeLedgerError(w, r, credit.ErrUnauthorized, nil)
		return
	}

	var body UpsertTenantRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if _, err := tenant.ParseSettings(body.Settings); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid settings", err)
		return
	}

	rec := tenant.Record{
		ID:        credit.TenantID(chi.URLParam(r, "tenantID")),
		Name:      body.Name,
		Settings:  body.Settings,
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.Tenants.SaveTenant(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save tenant", err)
		return
	}
	if h.Cache != nil {
		h.Cache.Invalidate(rec.ID)
	}

	h.Log.WithFields(logrus.Fields{
		"tenant_id": rec.ID,
		"actor_id":  callerOf(r).ID,
	}).Info("Tenant settings updated")

	dto, err := toTenantDTO(rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Invalid settings", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// OPS ENDPOINTS
// =============================================================================

// Health reports whether storage answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func accountKey(r *http.Request) credit.AccountKey {
	return credit.AccountKey{
		AccountID: credit.AccountID(chi.URLParam(r, "accountID")),
		TenantID:  credit.TenantID(chi.URLParam(r, "tenantID")),
	}
}

// idempotencyKey prefers the body field and falls back to the
// Idempotency-Key header.
func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get("Idempotency-Key")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusClientClosedRequest is the nginx convention for a request the client
// abandoned before the server answered.
const statusClientClosedRequest = 499

// statusFor maps ledger errors onto HTTP statuses.
func statusFor(err error) int {
	if errors.Is(err, credit.ErrNotFound) {
		return http.StatusNotFound
	}
	switch credit.CodeOf(err) {
	case credit.CodeInvalidQuantity, credit.CodeInvalidRequest:
		return http.StatusBadRequest
	case credit.CodeUnauthorized, credit.CodeFeatureDisabled:
		return http.StatusForbidden
	case credit.CodeAcademyNotFound:
		return http.StatusNotFound
	case credit.CodeIdempotencyKeyReused:
		return http.StatusConflict
	case credit.CodeHighQuantityNotConfirmed, credit.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case credit.CodeConflict:
		return http.StatusServiceUnavailable
	case credit.CodeCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error, balance *BalanceDTO) {
	status := statusFor(err)
	resp := ErrorResponse{
		Error:   http.StatusText(status),
		Details: err.Error(),
		Balance: balance,
	}
	if errors.Is(err, credit.ErrNotFound) {
		resp.Error = "Not found"
	} else {
		resp.Code = string(credit.CodeOf(err))
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	switch {
	case status == http.StatusInternalServerError:
		h.Log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		// Storage errors are not for clients.
		resp.Details = ""
	case status == http.StatusServiceUnavailable || status == statusClientClosedRequest:
		h.Log.WithError(err).WithField("path", r.URL.Path).Warn("Request not completed")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
