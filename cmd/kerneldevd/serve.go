package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/kernellab/kdevd/pkg/execx"
	"github.com/kernellab/kdevd/pkg/fstests"
	"github.com/kernellab/kdevd/pkg/health"
	"github.com/kernellab/kdevd/pkg/log"
	"github.com/kernellab/kdevd/pkg/loopback"
	"github.com/kernellab/kdevd/pkg/mcptools"
	"github.com/kernellab/kdevd/pkg/metrics"
	"github.com/kernellab/kdevd/pkg/nullblk"
	"github.com/kernellab/kdevd/pkg/pool"
	"github.com/kernellab/kdevd/pkg/statestore"
	"github.com/kernellab/kdevd/pkg/vmrun"
	"github.com/kernellab/kdevd/pkg/xdg"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tool catalog against a stdin/stdout line-delimited JSON loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		vmBinary, _ := cmd.Flags().GetString("vm-binary")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		return runServe(vmBinary, metricsAddr)
	},
}

func init() {
	serveCmd.Flags().String("vm-binary", "vng", "VM binary spawned for boot_kernel_test and fstests runs")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the /metrics, /health, /ready, /live endpoints")
}

// request is one line of the stdin tool-call loop.
type request struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// response is the single text block every tool handler returns, wrapped
// back into JSON for the host on the other end of stdout.
type response struct {
	Result string `json:"result"`
}

func runServe(vmBinary, metricsAddr string) error {
	deps, err := buildDeps(vmBinary)
	if err != nil {
		return fmt.Errorf("failed to build dependencies: %w", err)
	}

	logger := log.Logger.With().Str("component", "serve").Logger()

	results := health.Preflight(context.Background(), deps.GitExec, vmBinary)
	for name, res := range results {
		metrics.RegisterComponent(name, res.Healthy, res.Message)
		if !res.Healthy {
			logger.Warn().Str("tool", name).Str("message", res.Message).Msg("preflight probe failed")
		}
	}
	metrics.RegisterComponent("statestore", true, "ready")
	metrics.RegisterComponent("vm_binary", results["vm_binary"].Healthy, results["vm_binary"].Message)
	metrics.SetVersion(Version)

	registry := vmrun.NewProcessRegistry(deps.WorkDir)
	deps.VMRunner.Registry = registry

	collector := metrics.NewCollector(deps.Catalog, registry)
	collector.Start()
	defer collector.Stop()

	go serveMetricsHTTP(metricsAddr, &logger)

	catalog := mcptools.Build(deps)
	byName := make(map[string]mcptools.Tool, len(catalog))
	for _, tool := range catalog {
		byName[tool.Name] = tool
	}

	logger.Info().Int("tools", len(catalog)).Str("vm_binary", vmBinary).Msg("serving tool catalog on stdin/stdout")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(response{Result: "✗ ERROR: malformed request: " + err.Error()})
			continue
		}
		tool, ok := byName[req.Tool]
		if !ok {
			_ = enc.Encode(response{Result: "✗ ERROR: unknown tool " + req.Tool})
			continue
		}
		result := tool.Handler(context.Background(), req.Args)
		if err := enc.Encode(response{Result: result}); err != nil {
			logger.Error().Err(err).Msg("failed to write response")
		}
	}
	return scanner.Err()
}

func serveMetricsHTTP(addr string, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

// buildDeps wires every package into one mcptools.Deps, resolving its
// state files through xdg per-user paths rather than hardcoded locations.
func buildDeps(vmBinary string) (*mcptools.Deps, error) {
	poolCatalogPath, err := xdg.PoolCatalogPath()
	if err != nil {
		return nil, err
	}
	stateStorePath, err := xdg.StateStorePath()
	if err != nil {
		return nil, err
	}
	baselineDir, err := xdg.BaselineDir()
	if err != nil {
		return nil, err
	}
	runDir, err := xdg.RunDir(os.Getpid())
	if err != nil {
		return nil, err
	}

	host := execx.Host{}
	store := statestore.New(stateStorePath)
	catalog := pool.NewCatalog(poolCatalogPath)

	return &mcptools.Deps{
		Pool:      pool.New(host, catalog, store),
		Catalog:   catalog,
		NullBlk:   nullblk.New(),
		Loopback:  loopback.New(host),
		VMRunner:  &vmrun.Runner{},
		Baselines: fstests.NewBaselineStore(baselineDir),
		GitExec:   host,
		WorkDir:   runDir,
		TmpfsDir:  "",
		LogDir:    runDir,
		VMBinary:  vmBinary,
	}, nil
}
