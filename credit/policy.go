/*
policy.go - Caller roles, authorization and the policy validator

PURPOSE:
  Every mutating operation passes two gates before any balance is read for
  writing:

    1. Authorize: does the caller have a role/relationship to this account?
    2. Validate:  do quantity, threshold and tenant flags allow the request?

  Both are pure functions of their inputs. Nothing here touches storage;
  the tenant configuration is looked up by the service and passed in.

ROLES:
  franchisor_admin  top-level administrator, any tenant, bypasses tenant flags
  tenant_admin      administrator of one tenant (academy)
  professor         staff of one tenant, acts as counterparty at check-in
  student           account owner
  system            booking engine, check-in flow, payment webhooks

VALIDATION RULES (in order):
  1. INVALID_QUANTITY             quantity <= 0 or not an integer
  2. HIGH_QUANTITY_NOT_CONFIRMED  quantity > threshold without confirmation
                                  (admin operations: GRANT, REVOKE)
  3. ACADEMY_NOT_FOUND            tenant admin, tenant does not exist
  4. FEATURE_DISABLED             tenant admin manual release (GRANT) with
                                  the tenant flag off or absent

  Franchisor admins skip rules 3 and 4, even when the tenant is missing.
  Exactly at the threshold no confirmation is needed.

SEE ALSO:
  - ledger.go: Calls Authorize and Validate on every attempt
*/
package credit

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ROLES
// =============================================================================

type Role string

const (
	RoleFranchisorAdmin Role = "franchisor_admin"
	RoleTenantAdmin     Role = "tenant_admin"
	RoleProfessor       Role = "professor"
	RoleStudent         Role = "student"
	RoleSystem          Role = "system"
)

var allRoles = []Role{RoleFranchisorAdmin, RoleTenantAdmin, RoleProfessor, RoleStudent, RoleSystem}

// ParseRole maps a claim value to a Role. Unknown or empty values are an
// error; there is no default role.
func ParseRole(s string) (Role, error) {
	v := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, r := range allRoles {
		if r == v {
			return r, nil
		}
	}
	return "", &Error{Code: CodeUnauthorized, Message: fmt.Sprintf("unknown role %q", s)}
}

func (r Role) IsAdmin() bool {
	return r == RoleFranchisorAdmin || r == RoleTenantAdmin
}

// Caller is the identity supplied by the authentication layer.
type Caller struct {
	ID       string
	Role     Role
	TenantID TenantID // empty for franchisor admins and system callers
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

// Authorize decides whether caller may run op on key and, if so, which
// Source the resulting transaction records.
func Authorize(op TransactionType, caller Caller, key AccountKey) (Source, error) {
	deny := func() (Source, error) {
		return "", newError(CodeUnauthorized, "%s may not %s on %s", caller.Role, op, key)
	}
	if caller.ID == "" {
		return deny()
	}

	switch caller.Role {
	case RoleFranchisorAdmin:
		return SourceAdmin, nil

	case RoleTenantAdmin:
		if caller.TenantID == "" || caller.TenantID != key.TenantID {
			return deny()
		}
		return SourceAdmin, nil

	case RoleSystem:
		if op == TxRevoke {
			return deny()
		}
		return SourceSystem, nil

	case RoleProfessor:
		if caller.TenantID != key.TenantID {
			return deny()
		}
		if !isBookingOp(op) {
			return deny()
		}
		if AccountID(caller.ID) == key.AccountID {
			return SourceSelf, nil
		}
		return SourceCounterparty, nil

	case RoleStudent:
		if caller.TenantID != key.TenantID || AccountID(caller.ID) != key.AccountID {
			return deny()
		}
		if op != TxConsume && op != TxRefund {
			return deny()
		}
		return SourceSelf, nil
	}
	return deny()
}

// isBookingOp reports whether op belongs to the booking and check-in flow.
func isBookingOp(op TransactionType) bool {
	switch op {
	case TxConsume, TxLock, TxUnlock, TxRefund:
		return true
	}
	return false
}

// AuthorizeRead decides whether caller may read balances or history in a
// tenant. An empty accountID means "every account in the tenant", which
// students may never ask for.
func AuthorizeRead(caller Caller, tenantID TenantID, accountID AccountID) error {
	deny := func() error {
		return newError(CodeUnauthorized, "%s may not read %s/%s", caller.Role, tenantID, accountID)
	}
	if caller.ID == "" {
		return deny()
	}
	switch caller.Role {
	case RoleFranchisorAdmin, RoleSystem:
		return nil
	case RoleTenantAdmin, RoleProfessor:
		if caller.TenantID == "" || caller.TenantID != tenantID {
			return deny()
		}
		return nil
	case RoleStudent:
		if caller.TenantID != tenantID || accountID == "" || AccountID(caller.ID) != accountID {
			return deny()
		}
		return nil
	}
	return deny()
}

// AuthorizeAudit decides whether caller may read grant audits of a tenant.
func AuthorizeAudit(caller Caller, tenantID TenantID) error {
	if caller.ID != "" {
		switch caller.Role {
		case RoleFranchisorAdmin:
			return nil
		case RoleTenantAdmin:
			if caller.TenantID != "" && caller.TenantID == tenantID {
				return nil
			}
		}
	}
	return newError(CodeUnauthorized, "%s may not read audits of %q", caller.Role, tenantID)
}

// =============================================================================
// POLICY VALIDATOR
// =============================================================================

// PolicyRequest is the complete input of Validate. Tenant is nil when the
// referenced tenant does not exist.
type PolicyRequest struct {
	Operation           TransactionType
	Quantity            decimal.Decimal
	ConfirmHighQuantity bool
	Caller              Caller
	Tenant              *TenantConfig
	DefaultThreshold    int64
}

// Decision is the tagged result of Validate: approved when Code is empty.
type Decision struct {
	Code    Code
	Message string
}

func Approved() Decision { return Decision{} }

func Rejected(code Code, format string, args ...any) Decision {
	return Decision{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (d Decision) Approved() bool { return d.Code == "" }

// Err converts a rejection to *Error; nil when approved.
func (d Decision) Err() error {
	if d.Approved() {
		return nil
	}
	return &Error{Code: d.Code, Message: d.Message}
}

var maxQuantity = decimal.NewFromInt(math.MaxInt64)

// Validate applies the policy rules in order and returns the first rejection.
func Validate(req PolicyRequest) Decision {
	q := req.Quantity
	if !q.IsInteger() || !q.IsPositive() || q.GreaterThan(maxQuantity) {
		return Rejected(CodeInvalidQuantity, "quantity must be a positive integer, got %s", q.String())
	}

	threshold := req.Threshold()
	if requiresConfirmation(req.Operation) && q.GreaterThan(decimal.NewFromInt(threshold)) && !req.ConfirmHighQuantity {
		return Rejected(CodeHighQuantityNotConfirmed,
			"quantity %s exceeds %d and must be confirmed", q.String(), threshold)
	}

	if req.Caller.Role == RoleFranchisorAdmin {
		return Approved()
	}

	if req.Caller.Role == RoleTenantAdmin {
		if req.Tenant == nil {
			return Rejected(CodeAcademyNotFound, "tenant %q not found", req.Caller.TenantID)
		}
		if isManualRelease(req.Operation) && !req.Tenant.ManualCreditRelease {
			return Rejected(CodeFeatureDisabled, "manual credit release is disabled for tenant %q", req.Tenant.ID)
		}
	}
	return Approved()
}

// Threshold resolves the effective high-quantity threshold.
func (req PolicyRequest) Threshold() int64 {
	if req.Tenant != nil && req.Tenant.HighQuantityThreshold > 0 {
		return req.Tenant.HighQuantityThreshold
	}
	if req.DefaultThreshold > 0 {
		return req.DefaultThreshold
	}
	return DefaultHighQuantityThreshold
}

func requiresConfirmation(op TransactionType) bool {
	return op == TxGrant || op == TxRevoke
}

func isManualRelease(op TransactionType) bool {
	return op == TxGrant
}
