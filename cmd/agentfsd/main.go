// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command agentfsd is AgentFS's daemon: it wires a storage backend, the
// node engine, an optional recorder, and the control-plane listener
// together and runs until signalled, mirroring cmd/root.go's
// cobra-bootstrap shape.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/daemonize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agent-harbor/agentfs/control"
	"github.com/agent-harbor/agentfs/internal/clock"
	"github.com/agent-harbor/agentfs/internal/config"
	"github.com/agent-harbor/agentfs/internal/logger"
	"github.com/agent-harbor/agentfs/internal/metrics"
	"github.com/agent-harbor/agentfs/node"
	"github.com/agent-harbor/agentfs/recorder"
	"github.com/agent-harbor/agentfs/storage"
)

// agentfsInBackgroundEnvVar marks a re-exec'd child as already running
// under daemonize, the same role logger.GCSFuseInBackgroundMode plays
// in the teacher's legacy_main.go.
const agentfsInBackgroundEnvVar = "AGENTFS_IN_BACKGROUND"

func main() {
	root := &cobra.Command{
		Use:           "agentfsd",
		Short:         "AgentFS filesystem and control-plane daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().Bool("foreground", false, "Run in the foreground instead of daemonizing.")
	root.Flags().String("crash-log", "", "Path a crash during daemon startup is appended to.")
	if err := config.BindFlags(root.Flags()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	foreground, _ := cmd.Flags().GetBool("foreground")
	crashLogPath, _ := cmd.Flags().GetString("crash-log")

	if !foreground && os.Getenv(agentfsInBackgroundEnvVar) == "" {
		return daemonizeSelf(crashLogPath)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	inBackground := os.Getenv(agentfsInBackgroundEnvVar) != ""
	signalOutcome := func(err error) {
		if !inBackground {
			return
		}
		if serr := daemonize.SignalOutcome(err); serr != nil {
			logger.Errorf("agentfsd: signaling daemonize outcome: %v", serr)
		}
	}

	if err := bootstrapAndServe(cfg); err != nil {
		signalOutcome(err)
		return err
	}
	signalOutcome(nil)
	return nil
}

// daemonizeSelf re-execs the current binary with --foreground plus
// agentfsInBackgroundEnvVar set, waiting for the child to report its
// outcome via daemonize.SignalOutcome, the same parent-waits-for-child
// handshake cmd/legacy_main.go uses around daemonize.Run.
func daemonizeSelf(crashLogPath string) error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)
	env := append(os.Environ(), agentfsInBackgroundEnvVar+"=true")

	var out io.Writer = os.Stdout
	if crashLogPath != "" {
		out = newCrashWriter(crashLogPath)
	}

	if err := daemonize.Run(path, args, env, out); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	fmt.Fprintln(os.Stdout, "agentfsd started")
	return nil
}

func bootstrapAndServe(cfg config.Config) error {
	backend, err := storage.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("constructing storage backend: %w", err)
	}

	backstore := storageBackstore(cfg.Storage)

	engine, err := node.New(backend, backstore, cfg.FileSystem, clock.RealClock{}, cfg.Debug.ExitOnInvariantViolation)
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}

	var rec *recorder.Writer
	if cfg.Recorder.Enabled {
		f, err := os.OpenFile(string(cfg.Recorder.OutputPath), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("opening recorder output %q: %w", cfg.Recorder.OutputPath, err)
		}
		defer f.Close()
		rec = recorder.NewWriter(f, clock.RealClock{}, cfg.Recorder.BacklogBytes)
		defer rec.Close()
	}
	_ = rec // the engine does not yet emit recorder events on its own; a host bridge drives Writer directly via its own process session

	if err := os.Remove(string(cfg.ControlPlane.SocketPath)); err != nil && !os.IsNotExist(err) {
		logger.Warnf("agentfsd: removing stale socket %q: %v", cfg.ControlPlane.SocketPath, err)
	}
	ln, err := net.Listen("unix", string(cfg.ControlPlane.SocketPath))
	if err != nil {
		return fmt.Errorf("listening on %q: %w", cfg.ControlPlane.SocketPath, err)
	}
	defer ln.Close()

	srv := control.NewServer(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("agentfsd: shutting down")
		cancel()
	}()

	metricsSrv := startMetricsServer()
	defer metricsSrv.Close()

	logger.Infof("agentfsd: control plane listening on %s", cfg.ControlPlane.SocketPath)
	return srv.Serve(ctx, ln)
}

func storageBackstore(cfg config.StorageConfig) storage.Backstore {
	if cfg.Backend != config.BackendHostFile {
		return storage.InMemoryBackstore{}
	}
	return storage.HostFsBackstore{Root: string(cfg.HostFileRoot), PreferNativeSnap: cfg.PreferNativeSnap}
}

// startMetricsServer exposes metrics.Registry on an ephemeral loopback
// port under /metrics, the same promhttp.Handler wiring
// common/otel_metrics.go's collectors would feed if this repo kept the
// teacher's OpenTelemetry exporter (it doesn't — see DESIGN.md).
func startMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: mux}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		logger.Warnf("agentfsd: metrics listener: %v", err)
		return srv
	}
	logger.Infof("agentfsd: metrics listening on %s", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorf("agentfsd: metrics server: %v", err)
		}
	}()
	return srv
}
