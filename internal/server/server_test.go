package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sledgerun/sledge/internal/admission"
	"github.com/sledgerun/sledge/internal/dispatch"
	"github.com/sledgerun/sledge/internal/metrics"
	"github.com/sledgerun/sledge/internal/rpc"
	"github.com/sledgerun/sledge/internal/sbx"
	"github.com/sledgerun/sledge/internal/tenant"
)

func newTestServer() *Server {
	cfg := &tenant.Config{Tenants: []tenant.Tenant{
		{
			Name: "acme",
			Routes: []tenant.Route{
				{Path: "/predict", ModulePath: "/nonexistent/predict.wasm", EstimatedExecutionUS: 1000, RelativeDeadlineUS: 20000},
			},
		},
	}}
	ctl := admission.New(1000)
	disp := dispatch.New(dispatch.PolicyEDFInterrupt, nil)
	return New(cfg, ctl, disp, metrics.New(), sbx.PolicyEDF)
}

func TestHandleUnknownTenantIsRejected(t *testing.T) {
	s := newTestServer()
	resp := s.Handle(rpc.Request{Tenant: "nobody", Route: "/predict"})
	assert.EqualValues(t, 404, resp.Status, "expected 404 for unknown tenant")
}

func TestHandleUnknownRouteIsRejected(t *testing.T) {
	s := newTestServer()
	resp := s.Handle(rpc.Request{Tenant: "acme", Route: "/missing"})
	assert.EqualValues(t, 404, resp.Status, "expected 404 for unknown route")
}

func TestHandleModuleLoadFailureReturns500(t *testing.T) {
	s := newTestServer()
	resp := s.Handle(rpc.Request{Tenant: "acme", Route: "/predict"})
	assert.EqualValues(t, 500, resp.Status, "expected 500 when the backing module can't be read")
}

func TestHandleOverCapacityIsRejected(t *testing.T) {
	cfg := &tenant.Config{Tenants: []tenant.Tenant{
		{
			Name: "acme",
			Routes: []tenant.Route{
				// A module path that happens to exist isn't needed: the
				// over-capacity admission check runs before moduleFor.
				{Path: "/predict", ModulePath: "/nonexistent/predict.wasm", EstimatedExecutionUS: 1_000_000, RelativeDeadlineUS: 1},
			},
		},
	}}
	ctl := admission.New(1) // capacity far below any real estimate
	disp := dispatch.New(dispatch.PolicyEDFInterrupt, nil)
	s := New(cfg, ctl, disp, metrics.New(), sbx.PolicyEDF)

	resp := s.Handle(rpc.Request{Tenant: "acme", Route: "/predict"})
	assert.EqualValues(t, 429, resp.Status, "expected 429 over capacity")
}
