// Package server wires the request-intake, admission, and dispatch
// layers into the rpc.Handler a Listener serves: tenant/route lookup,
// lazy per-route module loading, the admission decision, sandbox
// allocation, and dispatch onto a worker, returning only once a
// response arrives on the sandbox's response channel.
package server

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sledgerun/sledge/internal/admission"
	"github.com/sledgerun/sledge/internal/arch"
	"github.com/sledgerun/sledge/internal/dispatch"
	"github.com/sledgerun/sledge/internal/metrics"
	"github.com/sledgerun/sledge/internal/module"
	"github.com/sledgerun/sledge/internal/rpc"
	"github.com/sledgerun/sledge/internal/sbx"
	"github.com/sledgerun/sledge/internal/scratch"
	"github.com/sledgerun/sledge/internal/tenant"
	"github.com/sledgerun/sledge/internal/wasmmem"
)

// Server turns decoded rpc.Requests into dispatched sandboxes. It holds
// the one long-lived resource the dispatch path itself does not own: a
// cache of compiled module images, one per route, acquired once and
// referenced (via Module.Acquire) for the lifetime of each sandbox that
// runs against it.
type Server struct {
	cfg       *tenant.Config
	admission *admission.Controller
	dispatch  *dispatch.Dispatcher
	metrics   *metrics.Metrics
	policy    sbx.Policy

	mu      sync.Mutex
	modules map[string]*module.Module

	seq atomic.Int64
}

// New builds a Server over an already-loaded tenant configuration and
// the scheduling components main() assembled for the chosen policy.
func New(cfg *tenant.Config, ctl *admission.Controller, disp *dispatch.Dispatcher, m *metrics.Metrics, policy sbx.Policy) *Server {
	return &Server{
		cfg:       cfg,
		admission: ctl,
		dispatch:  disp,
		metrics:   m,
		policy:    policy,
		modules:   make(map[string]*module.Module),
	}
}

// Handler returns the rpc.Handler this Server implements, for passing
// to rpc.Listener.Serve.
func (s *Server) Handler() rpc.Handler {
	return s.Handle
}

// Handle decodes one RPC request into a running sandbox and blocks
// until that sandbox completes, matching the one-request-per-connection
// shape rpc.Listener.Serve drives it with.
func (s *Server) Handle(req rpc.Request) rpc.Response {
	s.metrics.TotalRequests.Inc()

	t := s.cfg.TenantByName(req.Tenant)
	if t == nil {
		s.metrics.TotalRejections.Inc()
		return rpc.Response{Status: 404}
	}
	route := t.RouteFor(req.Route)
	if route == nil {
		s.metrics.TotalRejections.Inc()
		return rpc.Response{Status: 404}
	}

	deadlineUS := req.RelativeDeadlineUS
	if deadlineUS <= 0 {
		deadlineUS = route.RelativeDeadlineUS
	}
	est := admission.Estimate(route.EstimatedExecutionUS, deadlineUS)

	// Admission runs before the module is loaded: an overloaded or
	// misconfigured backend rejects cheaply, without paying compile cost.
	if s.admission.CheckTenant(t.Name, est) == admission.TrafficReject {
		s.metrics.TotalRejections.Inc()
		return rpc.Response{Status: 429}
	}
	if accepted := s.admission.Decide(est); accepted == 0 {
		s.metrics.TotalRejections.Inc()
		return rpc.Response{Status: 429}
	}
	defer func() {
		s.admission.Release(est)
		s.metrics.AdmittedCost.Set(float64(s.admission.Admitted()))
	}()

	mod, err := s.moduleFor(route.ModulePath)
	if err != nil {
		s.metrics.TotalRejections.Inc()
		return rpc.Response{Status: 500, Body: []byte(err.Error())}
	}

	mod.Acquire()

	box, err := sbx.New(t.Name, route.Path, mod)
	if err != nil {
		mod.Release()
		s.metrics.TotalRejections.Inc()
		return rpc.Response{Status: 500, Body: []byte(err.Error())}
	}

	responseCh := make(chan sbx.Response, 1)
	box.Response = responseCh
	box.Deadline = time.Now().Add(time.Duration(deadlineUS) * time.Microsecond)
	box.EstimatedCost = time.Duration(route.EstimatedExecutionUS) * time.Microsecond
	box.RemainingBudget = box.EstimatedCost
	box.AdmissionEstimate = float64(est) / float64(admission.Granularity)

	ctx := arch.New(s.entryFor(mod, req.Body, box))
	ctx.Init()
	box.Transition(sbx.Initialized)

	sequence := s.seq.Add(1)
	if idx := s.dispatch.Dispatch(box, s.policy, sequence, route.Path, ctx); idx < 0 {
		mod.Release()
		box.Stack.Release()
		s.metrics.TotalRejections.Inc()
		if idx == -2 {
			return rpc.Response{Status: 429}
		}
		return rpc.Response{Status: 503}
	}

	resp := <-responseCh
	if resp.Err != nil {
		return rpc.Response{Status: 500, Body: []byte(resp.Err.Error())}
	}
	return rpc.Response{Status: int32(resp.Status), Body: resp.Body}
}

// moduleFor loads and caches the compiled module backing a route's
// ModulePath, compiling it at most once regardless of how many
// sandboxes subsequently run against it.
func (s *Server) moduleFor(path string) (*module.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mod, ok := s.modules[path]; ok {
		return mod, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server: read module %s: %w", path, err)
	}
	mod, err := module.Load(b)
	if err != nil {
		return nil, fmt.Errorf("server: compile module %s: %w", path, err)
	}
	s.modules[path] = mod
	return mod, nil
}

// entryFor builds the arch.Entry the sandbox's context runs: instantiate
// the module against a fresh scratch store and the request body as
// stdin, allocate the sandbox's linear memory sized from the module's
// own page exports, run its entrypoint, and deliver the outcome on
// box.Response.
func (s *Server) entryFor(mod *module.Module, body []byte, box *sbx.Sandbox) arch.Entry {
	// A guest trap or a listener-initiated shed unwinds the goroutine via
	// panic (arch.TrapError / arch.ShedError) straight through run()'s
	// recover, never returning to this closure; internal/worker's onYield
	// sends box.Response for those two reasons instead. This closure only
	// ever completes normally: a real guest return, or a module-level
	// setup error (e.g. a missing export) that inst.Run reports without
	// panicking.
	return func(y arch.Yielder) {
		inst, err := module.Instantiate(mod, body, nil, scratch.New(), y)
		if err != nil {
			box.Response <- sbx.Response{Status: 500, Err: err}
			return
		}

		startingPages, maxPages, err := inst.Pages()
		if err != nil {
			box.Response <- sbx.Response{Status: 500, Err: err}
			return
		}
		mem, err := wasmmem.Allocate(startingPages*wasmmem.PageSize, maxPages*wasmmem.PageSize)
		if err != nil {
			box.Response <- sbx.Response{Status: 500, Err: err}
			return
		}
		// Safe without further synchronization: the worker goroutine that
		// dispatched this entry cannot observe box.Memory until arch.Switch
		// returns, which happens strictly after this closure either yields
		// or runs to completion (see internal/arch's channel handshake).
		box.Memory = mem

		code, err := inst.Run()
		if err != nil {
			box.Response <- sbx.Response{Status: 500, Err: err}
			return
		}
		box.Response <- sbx.Response{Status: int(code)}
	}
}
