package tenant

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "tenants": [
    {
      "name": "acme",
      "listen_port": 9000,
      "reserved": true,
      "budget_units": 1000,
      "budget_period": "1s",
      "routes": [
        {"path": "/predict", "estimated_execution_us": 5000, "relative_deadline_us": 20000, "max_request_bytes": 65536, "max_response_bytes": 65536, "content_type": "application/json"}
      ]
    }
  ]
}`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	tn := cfg.TenantByName("acme")
	require.NotNil(t, tn, "expected to find tenant acme")

	r := tn.RouteFor("/predict")
	require.NotNil(t, r)
	assert.EqualValues(t, 5000, r.EstimatedExecutionUS)
}

func TestLoadRejectsInvalidBudgetPeriod(t *testing.T) {
	bad := `{"tenants":[{"name":"x","reserved":true,"budget_period":"not-a-duration","routes":[]}]}`
	_, err := Load(strings.NewReader(bad))
	assert.Error(t, err, "expected error for invalid budget_period")
}

func TestLoadRejectsMissingName(t *testing.T) {
	bad := `{"tenants":[{"listen_port":9000,"routes":[]}]}`
	_, err := Load(strings.NewReader(bad))
	assert.Error(t, err, "expected error for missing tenant name")
}

func TestRouteForMissReturnsNil(t *testing.T) {
	cfg, err := Load(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	assert.Nil(t, cfg.Tenants[0].RouteFor("/nope"))
}
