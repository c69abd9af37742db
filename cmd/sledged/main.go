// Command sledged runs the sledge serverless function runtime: a
// listener that accepts RPC requests, admits and dispatches them to a
// fixed pool of worker threads, and serves a Prometheus metrics
// endpoint alongside it.
//
// CLI wiring follows the cobra root-command-with-flags shape
// (github.com/spf13/cobra), grounded on a similar aggtrades CLI
// (cmd/aggtrades/main.go); top-level goroutine lifecycle uses
// golang.org/x/sync/errgroup, grounded on an eth-rpc-monitor snapshot
// command.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sledgerun/sledge/internal/admission"
	"github.com/sledgerun/sledge/internal/dispatch"
	"github.com/sledgerun/sledge/internal/metrics"
	"github.com/sledgerun/sledge/internal/ring"
	"github.com/sledgerun/sledge/internal/rpc"
	"github.com/sledgerun/sledge/internal/runqueue"
	"github.com/sledgerun/sledge/internal/sbx"
	"github.com/sledgerun/sledge/internal/server"
	"github.com/sledgerun/sledge/internal/tenant"
	"github.com/sledgerun/sledge/internal/worker"
)

type config struct {
	configPath  string
	scheduler   string
	quantumUS   int64
	nworkers    int
	listenAddr  string
	metricsAddr string
}

func schedulerFromEnv(cfg *config) {
	if v := os.Getenv("SLEDGE_SCHEDULER"); v != "" {
		cfg.scheduler = v
	}
	if v := os.Getenv("SLEDGE_QUANTUM_US"); v != "" {
		if d, err := time.ParseDuration(v + "us"); err == nil {
			cfg.quantumUS = d.Microseconds()
		}
	}
	if v := os.Getenv("SLEDGE_NWORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.nworkers)
	}
}

func main() {
	cfg := &config{scheduler: "EDF", quantumUS: 5000, nworkers: 4, listenAddr: ":7777", metricsAddr: ":9090"}
	schedulerFromEnv(cfg)

	rootCmd := &cobra.Command{
		Use:   "sledged",
		Short: "Run the sledge serverless function runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}
	rootCmd.Flags().StringVar(&cfg.configPath, "config", "", "path to tenant/route configuration JSON (required)")
	rootCmd.Flags().StringVar(&cfg.scheduler, "scheduler", cfg.scheduler, "SLEDGE_SCHEDULER: FIFO|EDF|SRSF|MTDS|MTDBF")
	rootCmd.Flags().Int64Var(&cfg.quantumUS, "quantum-us", cfg.quantumUS, "SLEDGE_QUANTUM_US: preemption quantum in microseconds")
	rootCmd.Flags().IntVar(&cfg.nworkers, "nworkers", cfg.nworkers, "SLEDGE_NWORKERS: number of worker threads")
	rootCmd.Flags().StringVar(&cfg.listenAddr, "listen-addr", cfg.listenAddr, "RPC request listen address")
	rootCmd.Flags().StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "metrics endpoint listen address")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if cfg.configPath == "" {
		return fmt.Errorf("sledged: --config is required")
	}
	f, err := os.Open(cfg.configPath)
	if err != nil {
		return fmt.Errorf("sledged: open config: %w", err)
	}
	defer f.Close()
	tenantCfg, err := tenant.Load(f)
	if err != nil {
		return fmt.Errorf("sledged: load config: %w", err)
	}
	logger.Info("loaded tenant configuration", "tenants", len(tenantCfg.Tenants))

	variant := variantForScheduler(cfg.scheduler)
	policy := policyForScheduler(cfg.scheduler)

	workers := make([]*dispatch.WorkerHandle, cfg.nworkers)
	workerLoops := make([]*worker.Worker, cfg.nworkers)
	for i := 0; i < cfg.nworkers; i++ {
		workers[i] = dispatch.NewWorkerHandle(i, variant)
		pair := ring.NewPair(256)
		w, err := worker.New(i, workers[i], time.Duration(cfg.quantumUS)*time.Microsecond, pair, logger)
		if err != nil {
			return fmt.Errorf("sledged: init worker %d: %w", i, err)
		}
		workerLoops[i] = w
	}

	capacity := int64(cfg.nworkers) * admission.Granularity * 9 / 10 // (1 - overhead), overhead=0.1
	admissionCtl := admission.New(capacity)
	for _, t := range tenantCfg.Tenants {
		if t.Reserved {
			period, _ := time.ParseDuration(t.BudgetPeriod)
			admissionCtl.RegisterReservedTenant(t.Name, t.BudgetUnits, period)
		}
	}

	disp := dispatch.New(policy, workers)
	metricsSet := metrics.New()
	metricsSrv := metrics.NewServer(cfg.metricsAddr)

	srv := server.New(tenantCfg, admissionCtl, disp, metricsSet, sandboxPolicyForScheduler(cfg.scheduler))
	ln, err := rpc.Listen(cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("sledged: listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return metricsSrv.ListenAndServe(gctx)
	})

	for _, w := range workerLoops {
		w := w
		g.Go(func() error {
			defer w.Close() // also stops w's quantum timer, armed in worker.New
			for {
				select {
				case <-gctx.Done():
					return nil
				default:
					w.RunOnce()
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		err := ln.Serve(srv.Handler())
		if gctx.Err() != nil {
			return nil // Close was the cause, not a real Serve failure
		}
		return err
	})

	logger.Info("sledged started", "scheduler", cfg.scheduler, "workers", cfg.nworkers, "listen_addr", cfg.listenAddr, "metrics_addr", cfg.metricsAddr)
	return g.Wait()
}

// sandboxPolicyForScheduler maps the scheduler flag onto the
// per-sandbox priority-key policy sbx.Sandbox.Priority expects,
// mirroring policyForScheduler's dispatch-policy mapping.
func sandboxPolicyForScheduler(s string) sbx.Policy {
	switch s {
	case "FIFO":
		return sbx.PolicyFIFO
	case "SRSF":
		return sbx.PolicySRSF
	case "MTDS", "MTDBF":
		return sbx.PolicyShinjuku
	default:
		return sbx.PolicyEDF
	}
}

func variantForScheduler(s string) runqueue.Variant {
	switch s {
	case "FIFO":
		return runqueue.VariantList
	case "MTDS", "MTDBF":
		return runqueue.VariantTree
	default: // EDF, SRSF
		return runqueue.VariantHeap
	}
}

func policyForScheduler(s string) dispatch.Policy {
	switch s {
	case "FIFO":
		return dispatch.PolicyDARC
	case "MTDS", "MTDBF":
		return dispatch.PolicyShinjuku
	default:
		return dispatch.PolicyEDFInterrupt
	}
}
