package handlers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subvalidator/internal/types"
)

func TestTenantRequest_Decode(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     types.TenantKey
		complete bool
	}{
		{"numbers", `{"companyId": 12, "botId": 3}`, types.TenantKey{CompanyID: 12, BotID: 3}, true},
		{"numeric strings", `{"companyId": "12", "botId": " 3 "}`, types.TenantKey{CompanyID: 12, BotID: 3}, true},
		{"absent", `{}`, types.TenantKey{}, false},
		{"null and empty", `{"companyId": null, "botId": ""}`, types.TenantKey{}, false},
		{"non-numeric string", `{"companyId": "acme", "botId": 1}`, types.TenantKey{CompanyID: unresolvableID, BotID: 1}, true},
		{"fraction", `{"companyId": 1.5, "botId": 1}`, types.TenantKey{CompanyID: unresolvableID, BotID: 1}, true},
		{"boolean", `{"companyId": true, "botId": 1}`, types.TenantKey{CompanyID: unresolvableID, BotID: 1}, true},
		{"negative", `{"companyId": -4, "botId": 1}`, types.TenantKey{CompanyID: -4, BotID: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req tenantRequest
			require.NoError(t, json.Unmarshal([]byte(tt.body), &req))
			assert.Equal(t, tt.want, req.key())
			assert.Equal(t, tt.complete, req.complete())
		})
	}
}

func TestTenantID_EchoesRawInput(t *testing.T) {
	var req tenantRequest
	require.NoError(t, json.Unmarshal([]byte(`{"companyId": "acme"}`), &req))

	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"companyId": "acme", "botId": null}`, string(out))
}
