/*
Package tenant provides JSON to Go tenant configuration conversion and a
cached tenant directory.

PURPOSE:
  Tenants (academies) keep their settings as a JSON document next to the
  tenant row. Only two keys matter to the ledger; everything else belongs to
  other parts of the product and is ignored here.

JSON SCHEMA:
  {
    "manual_credit_release": true,
    "high_quantity_threshold": 250
  }

DEFAULTS:
  - manual_credit_release absent  -> false
  - high_quantity_threshold absent or 0 -> service default

USAGE:
  cfg, err := tenant.ParseSettings(raw)
  cfg.ToConfig(id, name)

SEE ALSO:
  - directory.go: LRU-cached credit.TenantDirectory
  - credit/policy.go: Consumes TenantConfig
*/
package tenant

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/credit-ledger/credit"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// SettingsJSON is the JSON representation of tenant settings.
type SettingsJSON struct {
	ManualCreditRelease   *bool  `json:"manual_credit_release,omitempty"`
	HighQuantityThreshold *int64 `json:"high_quantity_threshold,omitempty"`
}

// Record is a stored tenant row.
type Record struct {
	ID        credit.TenantID
	Name      string
	Settings  json.RawMessage
	UpdatedAt time.Time
}

// ParseSettings decodes and validates a settings document. An empty
// document is valid and yields the defaults.
func ParseSettings(raw []byte) (SettingsJSON, error) {
	var s SettingsJSON
	if len(raw) == 0 || string(raw) == "null" {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return SettingsJSON{}, fmt.Errorf("failed to parse tenant settings: %w", err)
	}
	if s.HighQuantityThreshold != nil && *s.HighQuantityThreshold < 0 {
		return SettingsJSON{}, fmt.Errorf("high_quantity_threshold must not be negative, got %d", *s.HighQuantityThreshold)
	}
	return s, nil
}

// ToConfig converts settings to the ledger's view of a tenant.
func (s SettingsJSON) ToConfig(id credit.TenantID, name string) credit.TenantConfig {
	cfg := credit.TenantConfig{ID: id, Name: name}
	if s.ManualCreditRelease != nil {
		cfg.ManualCreditRelease = *s.ManualCreditRelease
	}
	if s.HighQuantityThreshold != nil {
		cfg.HighQuantityThreshold = *s.HighQuantityThreshold
	}
	return cfg
}

// ToConfig parses the record's settings.
func (r Record) ToConfig() (credit.TenantConfig, error) {
	s, err := ParseSettings(r.Settings)
	if err != nil {
		return credit.TenantConfig{}, fmt.Errorf("tenant %s: %w", r.ID, err)
	}
	return s.ToConfig(r.ID, r.Name), nil
}
