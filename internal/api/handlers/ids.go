package handlers

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"subvalidator/internal/types"
)

// unresolvableID stands in for identifiers that are present but cannot name
// a company or bot (non-numeric strings, fractions, booleans). The store
// never has a row for it, so such requests end as not_found rather than
// bad input. The engine does not cache keys carrying it.
const unresolvableID int64 = -1

// tenantID accepts a JSON number or a numeric string. Absent, null and ""
// decode to 0, which the engine reports as a missing field. The raw JSON is
// kept so failures can echo exactly what the caller sent.
type tenantID struct {
	value int64
	raw   json.RawMessage
}

func (id *tenantID) UnmarshalJSON(b []byte) error {
	id.raw = append(json.RawMessage(nil), b...)
	id.value = parseTenantID(b)
	return nil
}

func (id tenantID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func parseTenantID(b []byte) int64 {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")):
		return 0
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return unresolvableID
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0
		}
		return parseIntOrUnresolvable(s)
	default:
		return parseIntOrUnresolvable(string(b))
	}
}

func parseIntOrUnresolvable(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return unresolvableID
	}
	return n
}

// tenantRequest is the {companyId, botId} body shared by validate-daily,
// validate-batch items and clear-cache.
type tenantRequest struct {
	CompanyID tenantID `json:"companyId"`
	BotID     tenantID `json:"botId"`
}

func (r tenantRequest) key() types.TenantKey {
	return types.TenantKey{CompanyID: r.CompanyID.value, BotID: r.BotID.value}
}

// complete reports whether both identifiers were supplied.
func (r tenantRequest) complete() bool {
	return r.CompanyID.value != 0 && r.BotID.value != 0
}
