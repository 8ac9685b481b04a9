package credit_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/credit"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	franchisor   = credit.Caller{ID: "hq-1", Role: credit.RoleFranchisorAdmin}
	academyAdmin = credit.Caller{ID: "admin-1", Role: credit.RoleTenantAdmin, TenantID: "academy-1"}
	professor    = credit.Caller{ID: "prof-1", Role: credit.RoleProfessor, TenantID: "academy-1"}
	student      = credit.Caller{ID: "student-1", Role: credit.RoleStudent, TenantID: "academy-1"}
	bookingBot   = credit.Caller{ID: "booking-engine", Role: credit.RoleSystem}
)

func qty(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func academy(manualRelease bool) *credit.TenantConfig {
	return &credit.TenantConfig{ID: "academy-1", Name: "Academy One", ManualCreditRelease: manualRelease}
}

func studentKey() credit.AccountKey {
	return credit.AccountKey{AccountID: "student-1", TenantID: "academy-1"}
}

// =============================================================================
// VALIDATOR TESTS
// =============================================================================

func TestValidate_QuantityMustBePositiveInteger(t *testing.T) {
	cases := []struct {
		name  string
		q     decimal.Decimal
		valid bool
	}{
		{"zero", qty(0), false},
		{"negative", qty(-3), false},
		{"fraction", decimal.RequireFromString("1.5"), false},
		{"one", qty(1), true},
		{"integral decimal", decimal.RequireFromString("2.000"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := credit.Validate(credit.PolicyRequest{
				Operation: credit.TxConsume,
				Quantity:  tc.q,
				Caller:    student,
				Tenant:    academy(false),
			})
			if tc.valid {
				assert.True(t, d.Approved())
			} else {
				assert.Equal(t, credit.CodeInvalidQuantity, d.Code)
			}
		})
	}
}

func TestValidate_HighQuantity_ThresholdIsStrict(t *testing.T) {
	// GIVEN: default threshold 100
	base := credit.PolicyRequest{Operation: credit.TxGrant, Caller: franchisor}

	// WHEN: exactly at threshold
	base.Quantity = qty(100)
	atThreshold := credit.Validate(base)

	// WHEN: one above
	base.Quantity = qty(101)
	above := credit.Validate(base)

	// WHEN: one above, confirmed
	base.ConfirmHighQuantity = true
	confirmed := credit.Validate(base)

	// THEN
	assert.True(t, atThreshold.Approved())
	assert.Equal(t, credit.CodeHighQuantityNotConfirmed, above.Code)
	assert.True(t, confirmed.Approved())
}

func TestValidate_HighQuantity_OnlyForAdminOperations(t *testing.T) {
	d := credit.Validate(credit.PolicyRequest{
		Operation: credit.TxConsume,
		Quantity:  qty(500),
		Caller:    bookingBot,
	})
	assert.True(t, d.Approved(), "consume has no confirmation flag")

	d = credit.Validate(credit.PolicyRequest{
		Operation: credit.TxRevoke,
		Quantity:  qty(500),
		Caller:    franchisor,
	})
	assert.Equal(t, credit.CodeHighQuantityNotConfirmed, d.Code)
}

func TestValidate_ThresholdPrecedence(t *testing.T) {
	tenant := academy(true)
	tenant.HighQuantityThreshold = 10

	req := credit.PolicyRequest{Tenant: tenant, DefaultThreshold: 50}
	assert.Equal(t, int64(10), req.Threshold())

	req.Tenant = academy(true)
	assert.Equal(t, int64(50), req.Threshold())

	req.DefaultThreshold = 0
	assert.Equal(t, credit.DefaultHighQuantityThreshold, req.Threshold())
}

func TestValidate_TenantAdmin_FeatureDisabled(t *testing.T) {
	// GIVEN: manual release off
	d := credit.Validate(credit.PolicyRequest{
		Operation: credit.TxGrant,
		Quantity:  qty(5),
		Caller:    academyAdmin,
		Tenant:    academy(false),
	})
	assert.Equal(t, credit.CodeFeatureDisabled, d.Code)
	assert.ErrorIs(t, d.Err(), credit.ErrFeatureDisabled)

	// GIVEN: manual release on
	d = credit.Validate(credit.PolicyRequest{
		Operation: credit.TxGrant,
		Quantity:  qty(5),
		Caller:    academyAdmin,
		Tenant:    academy(true),
	})
	assert.True(t, d.Approved())
	assert.NoError(t, d.Err())
}

func TestValidate_TenantAdmin_FeatureFlagOnlyScopesGrant(t *testing.T) {
	d := credit.Validate(credit.PolicyRequest{
		Operation: credit.TxRevoke,
		Quantity:  qty(5),
		Caller:    academyAdmin,
		Tenant:    academy(false),
	})
	assert.True(t, d.Approved())
}

func TestValidate_TenantAdmin_MissingTenant(t *testing.T) {
	d := credit.Validate(credit.PolicyRequest{
		Operation: credit.TxGrant,
		Quantity:  qty(5),
		Caller:    academyAdmin,
	})
	assert.Equal(t, credit.CodeAcademyNotFound, d.Code)
}

func TestValidate_FranchisorBypassesTenantRules(t *testing.T) {
	for _, tenant := range []*credit.TenantConfig{nil, academy(false)} {
		d := credit.Validate(credit.PolicyRequest{
			Operation: credit.TxGrant,
			Quantity:  qty(5),
			Caller:    franchisor,
			Tenant:    tenant,
		})
		assert.True(t, d.Approved())
	}
}

func TestValidate_RuleOrder_QuantityBeforeThreshold(t *testing.T) {
	d := credit.Validate(credit.PolicyRequest{
		Operation: credit.TxGrant,
		Quantity:  decimal.RequireFromString("150.5"),
		Caller:    academyAdmin,
	})
	assert.Equal(t, credit.CodeInvalidQuantity, d.Code)

	d = credit.Validate(credit.PolicyRequest{
		Operation: credit.TxGrant,
		Quantity:  qty(150),
		Caller:    academyAdmin,
	})
	assert.Equal(t, credit.CodeHighQuantityNotConfirmed, d.Code, "threshold is checked before tenant lookup")
}

func TestValidate_Deterministic(t *testing.T) {
	req := credit.PolicyRequest{
		Operation: credit.TxGrant,
		Quantity:  qty(101),
		Caller:    academyAdmin,
		Tenant:    academy(false),
	}
	first := credit.Validate(req)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, credit.Validate(req))
	}
}

// =============================================================================
// AUTHORIZATION TESTS
// =============================================================================

func TestParseRole(t *testing.T) {
	r, err := credit.ParseRole(" Tenant_Admin ")
	require.NoError(t, err)
	assert.Equal(t, credit.RoleTenantAdmin, r)

	_, err = credit.ParseRole("")
	assert.ErrorIs(t, err, credit.ErrUnauthorized)

	_, err = credit.ParseRole("superuser")
	assert.ErrorIs(t, err, credit.ErrUnauthorized)
}

func TestAuthorize_Sources(t *testing.T) {
	key := studentKey()

	src, err := credit.Authorize(credit.TxGrant, franchisor, key)
	require.NoError(t, err)
	assert.Equal(t, credit.SourceAdmin, src)

	src, err = credit.Authorize(credit.TxGrant, academyAdmin, key)
	require.NoError(t, err)
	assert.Equal(t, credit.SourceAdmin, src)

	src, err = credit.Authorize(credit.TxConsume, professor, key)
	require.NoError(t, err)
	assert.Equal(t, credit.SourceCounterparty, src)

	src, err = credit.Authorize(credit.TxConsume, student, key)
	require.NoError(t, err)
	assert.Equal(t, credit.SourceSelf, src)

	src, err = credit.Authorize(credit.TxLock, bookingBot, key)
	require.NoError(t, err)
	assert.Equal(t, credit.SourceSystem, src)

	// Professors run the whole check-in flow on a student's account
	for _, op := range []credit.TransactionType{credit.TxLock, credit.TxUnlock, credit.TxRefund} {
		src, err = credit.Authorize(op, professor, key)
		require.NoError(t, err, op)
		assert.Equal(t, credit.SourceCounterparty, src, op)
	}

	// and on their own account as the owner
	ownHours := credit.AccountKey{AccountID: credit.AccountID(professor.ID), TenantID: "academy-1"}
	src, err = credit.Authorize(credit.TxLock, professor, ownHours)
	require.NoError(t, err)
	assert.Equal(t, credit.SourceSelf, src)

	// Students refund their own cancelled booking
	src, err = credit.Authorize(credit.TxRefund, student, key)
	require.NoError(t, err)
	assert.Equal(t, credit.SourceSelf, src)
}

func TestAuthorize_Denials(t *testing.T) {
	key := studentKey()
	otherTenant := credit.AccountKey{AccountID: "student-1", TenantID: "academy-2"}

	cases := []struct {
		name   string
		op     credit.TransactionType
		caller credit.Caller
		key    credit.AccountKey
	}{
		{"tenant admin in another tenant", credit.TxGrant, academyAdmin, otherTenant},
		{"student grants self", credit.TxGrant, student, key},
		{"student consumes for someone else", credit.TxConsume, student, credit.AccountKey{AccountID: "student-2", TenantID: "academy-1"}},
		{"professor grants", credit.TxGrant, professor, key},
		{"professor in another tenant", credit.TxConsume, professor, otherTenant},
		{"professor revokes", credit.TxRevoke, professor, key},
		{"professor locks in another tenant", credit.TxLock, professor, otherTenant},
		{"student locks", credit.TxLock, student, key},
		{"student unlocks", credit.TxUnlock, student, key},
		{"student refunds someone else", credit.TxRefund, student, credit.AccountKey{AccountID: "student-2", TenantID: "academy-1"}},
		{"system revokes", credit.TxRevoke, bookingBot, key},
		{"anonymous", credit.TxConsume, credit.Caller{Role: credit.RoleFranchisorAdmin}, key},
		{"unknown role", credit.TxConsume, credit.Caller{ID: "x", Role: "guest"}, key},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := credit.Authorize(tc.op, tc.caller, tc.key)
			assert.ErrorIs(t, err, credit.ErrUnauthorized)
		})
	}
}

func TestAuthorizeRead(t *testing.T) {
	assert.NoError(t, credit.AuthorizeRead(student, "academy-1", "student-1"))
	assert.Error(t, credit.AuthorizeRead(student, "academy-1", ""))
	assert.Error(t, credit.AuthorizeRead(student, "academy-1", "student-2"))
	assert.NoError(t, credit.AuthorizeRead(professor, "academy-1", ""))
	assert.Error(t, credit.AuthorizeRead(academyAdmin, "academy-2", ""))
	assert.NoError(t, credit.AuthorizeRead(franchisor, "", ""))

	assert.NoError(t, credit.AuthorizeAudit(academyAdmin, "academy-1"))
	assert.Error(t, credit.AuthorizeAudit(professor, "academy-1"))
}
