/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Balance:       BalanceDTO
  Operations:    GrantRequest, BookingRequest, RevokeRequest, OperationResponse
  Transactions:  TransactionDTO, TransactionPageDTO
  Audits:        GrantAuditDTO
  Tenants:       TenantDTO, UpsertTenantRequest

QUANTITIES:
  Request quantities are decimals so that 1.5 reaches the validator and is
  rejected as INVALID_QUANTITY instead of failing JSON decoding. Responses
  carry integers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/tenant"
)

// =============================================================================
// BALANCE
// =============================================================================

type BalanceDTO struct {
	AccountID      string    `json:"account_id"`
	TenantID       string    `json:"tenant_id"`
	TotalPurchased int64     `json:"total_purchased"`
	TotalConsumed  int64     `json:"total_consumed"`
	LockedQty      int64     `json:"locked_qty"`
	Available      int64     `json:"available"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toBalanceDTO(b credit.Balance) BalanceDTO {
	return BalanceDTO{
		AccountID:      string(b.AccountID),
		TenantID:       string(b.TenantID),
		TotalPurchased: b.TotalPurchased,
		TotalConsumed:  b.TotalConsumed,
		LockedQty:      b.LockedQty,
		Available:      b.Available(),
		Version:        b.Version,
		UpdatedAt:      b.UpdatedAt,
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

type GrantRequest struct {
	Quantity            decimal.Decimal `json:"quantity"`
	Reason              string          `json:"reason"`
	RecipientContact    string          `json:"recipient_contact,omitempty"`
	ConfirmHighQuantity bool            `json:"confirm_high_quantity,omitempty"`
	IdempotencyKey      string          `json:"idempotency_key,omitempty"`
}

// BookingRequest is the body of consume, lock, unlock and refund.
type BookingRequest struct {
	Quantity       decimal.Decimal `json:"quantity"`
	BookingID      string          `json:"booking_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type RevokeRequest struct {
	Quantity            decimal.Decimal `json:"quantity"`
	Reason              string          `json:"reason"`
	ConfirmHighQuantity bool            `json:"confirm_high_quantity,omitempty"`
	IdempotencyKey      string          `json:"idempotency_key,omitempty"`
}

// OperationResponse is returned by every mutating endpoint.
type OperationResponse struct {
	Balance     BalanceDTO      `json:"balance"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Audit       *GrantAuditDTO  `json:"audit,omitempty"`
	Replayed    bool            `json:"replayed"`
}

func toOperationResponse(res credit.Result) OperationResponse {
	resp := OperationResponse{
		Balance:  toBalanceDTO(res.Balance),
		Replayed: res.Replayed,
	}
	if res.Transaction != nil {
		dto := toTransactionDTO(*res.Transaction)
		resp.Transaction = &dto
	}
	if res.Audit != nil {
		dto := toGrantAuditDTO(*res.Audit)
		resp.Audit = &dto
	}
	return resp
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID               string        `json:"id"`
	AccountID        string        `json:"account_id"`
	TenantID         string        `json:"tenant_id"`
	Type             string        `json:"type"`
	Source           string        `json:"source"`
	Quantity         int64         `json:"quantity"`
	RelatedBookingID string        `json:"related_booking_id,omitempty"`
	IdempotencyKey   string        `json:"idempotency_key"`
	ActorID          string        `json:"actor_id,omitempty"`
	Detail           credit.Detail `json:"detail,omitempty"`
	AvailableAfter   int64         `json:"available_after"`
	LockedAfter      int64         `json:"locked_after"`
	CreatedAt        time.Time     `json:"created_at"`
}

type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	NextCursor   string           `json:"next_cursor,omitempty"`
}

func toTransactionDTO(tx credit.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:               string(tx.ID),
		AccountID:        string(tx.AccountID),
		TenantID:         string(tx.TenantID),
		Type:             string(tx.Type),
		Source:           string(tx.Source),
		Quantity:         tx.Quantity,
		RelatedBookingID: tx.RelatedBookingID,
		IdempotencyKey:   tx.IdempotencyKey,
		ActorID:          tx.ActorID,
		Detail:           tx.Detail,
		AvailableAfter:   tx.AvailableAfter,
		LockedAfter:      tx.LockedAfter,
		CreatedAt:        tx.CreatedAt,
	}
}

func toTransactionDTOs(txs []credit.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionDTO(tx)
	}
	return out
}

// =============================================================================
// AUDITS
// =============================================================================

type GrantAuditDTO struct {
	TransactionID    string    `json:"transaction_id"`
	TenantID         string    `json:"tenant_id"`
	RecipientID      string    `json:"recipient_id"`
	RecipientContact string    `json:"recipient_contact,omitempty"`
	AuthorizedBy     string    `json:"authorized_by"`
	AuthorizedRole   string    `json:"authorized_role"`
	Reason           string    `json:"reason"`
	Quantity         int64     `json:"quantity"`
	CreatedAt        time.Time `json:"created_at"`
}

func toGrantAuditDTO(a credit.GrantAudit) GrantAuditDTO {
	return GrantAuditDTO{
		TransactionID:    string(a.TransactionID),
		TenantID:         string(a.TenantID),
		RecipientID:      string(a.RecipientID),
		RecipientContact: a.RecipientContact,
		AuthorizedBy:     a.AuthorizedBy,
		AuthorizedRole:   string(a.AuthorizedRole),
		Reason:           a.Reason,
		Quantity:         a.Quantity,
		CreatedAt:        a.CreatedAt,
	}
}

// =============================================================================
// TENANTS
// =============================================================================

type TenantDTO struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Settings  tenant.SettingsJSON `json:"settings"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type UpsertTenantRequest struct {
	Name     string          `json:"name"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

func toTenantDTO(rec tenant.Record) (TenantDTO, error) {
	settings, err := tenant.ParseSettings(rec.Settings)
	if err != nil {
		return TenantDTO{}, err
	}
	return TenantDTO{
		ID:        string(rec.ID),
		Name:      rec.Name,
		Settings:  settings,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// ErrorResponse is the body of every non-2xx response. Balance is the
// pre-operation balance when a ledger operation was rejected.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code,omitempty"`
	Details string      `json:"details,omitempty"`
	Balance *BalanceDTO `json:"balance,omitempty"`
}
