// Package tenant implements the narrow per-tenant/per-route
// configuration loader. Intentionally thin:
// configuration parsing is an external collaborator the spec keeps out
// of scope, so this is stdlib encoding/json over a fixed schema rather
// than a generic config framework.
package tenant

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Route describes one tenant route.
type Route struct {
	Path                 string `json:"path"`
	ModulePath           string `json:"module_path"` // compiled .wasm file backing this route
	EstimatedExecutionUS int64  `json:"estimated_execution_us"`
	RelativeDeadlineUS   int64  `json:"relative_deadline_us"`
	MaxRequestBytes      int64  `json:"max_request_bytes"`
	MaxResponseBytes     int64  `json:"max_response_bytes"`
	ContentType          string `json:"content_type"`
}

// Tenant describes one configured tenant.
type Tenant struct {
	Name                  string  `json:"name"`
	ListenPort            int     `json:"listen_port"`
	Routes                []Route `json:"routes"`
	Reserved              bool    `json:"reserved"`
	BudgetUnits           int64   `json:"budget_units"`
	BudgetPeriod          string  `json:"budget_period"` // parsed via time.ParseDuration
	MaxRelativeDeadlineUS int64   `json:"max_relative_deadline_us,omitempty"`
}

// Config is the top-level document: one entry per tenant.
type Config struct {
	Tenants []Tenant `json:"tenants"`
}

// Load parses a Config from r. Errors surface malformed JSON or a
// budget_period that isn't a valid Go duration string; anything else
// is the caller's responsibility to validate against route semantics.
func Load(r io.Reader) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("tenant: decode config: %w", err)
	}
	for i, t := range cfg.Tenants {
		if t.Reserved {
			if _, err := time.ParseDuration(t.BudgetPeriod); err != nil {
				return nil, fmt.Errorf("tenant: %s: invalid budget_period %q: %w", t.Name, t.BudgetPeriod, err)
			}
		}
		if t.Name == "" {
			return nil, fmt.Errorf("tenant: entry %d missing name", i)
		}
	}
	return &cfg, nil
}

// RouteFor finds the route matching path within this tenant, or nil.
func (t *Tenant) RouteFor(path string) *Route {
	for i := range t.Routes {
		if t.Routes[i].Path == path {
			return &t.Routes[i]
		}
	}
	return nil
}

// TenantByName finds a tenant by name, or nil.
func (c *Config) TenantByName(name string) *Tenant {
	for i := range c.Tenants {
		if c.Tenants[i].Name == name {
			return &c.Tenants[i]
		}
	}
	return nil
}
