// Chengis master process — the single instance that owns dispatch
// decisions for the fleet (§1). Serves the webhook, agent, and metrics
// endpoints, runs the dispatcher/scheduler tick loop, and drives the
// Build Runner for builds assigned to its own in-process executor.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chengis-ci/chengis/internal/agentapi"
	"github.com/chengis-ci/chengis/internal/artifacts"
	"github.com/chengis-ci/chengis/internal/controlplane/config"
	"github.com/chengis-ci/chengis/internal/dispatch"
	"github.com/chengis-ci/chengis/internal/events"
	"github.com/chengis-ci/chengis/internal/executor"
	"github.com/chengis-ci/chengis/internal/metrics"
	"github.com/chengis-ci/chengis/internal/metricsapi"
	"github.com/chengis-ci/chengis/internal/notify"
	"github.com/chengis-ci/chengis/internal/policy"
	"github.com/chengis-ci/chengis/internal/runner"
	"github.com/chengis-ci/chengis/internal/secrets"
	"github.com/chengis-ci/chengis/internal/shared/signing"
	"github.com/chengis-ci/chengis/internal/store"
	"github.com/chengis-ci/chengis/internal/telemetry"
	"github.com/chengis-ci/chengis/internal/webhookapi"
	"github.com/chengis-ci/chengis/internal/workspace"
)

var (
	version = "dev"
	commit  = "none"
)

// localAgentID names the in-process pseudo-agent the master registers for
// itself, so the Dispatcher's ordinary assignment path also covers
// in-process execution (§4's "either (a) invokes the Build Runner
// in-process or (b) sends a remote build request" — (a) is just
// assignment to this agent).
const localAgentID = "local"

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chengisd: load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("chengisd exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}

	s, err := store.Open(filepath.Join(cfg.DataDir, "chengis.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	masterKey := masterKeyBytes(cfg.SecretsMasterKey)
	local, err := secrets.NewLocalBackend(masterKey, s.DB())
	if err != nil {
		return fmt.Errorf("init secrets backend: %w", err)
	}
	var primary secrets.Backend = local
	if cfg.SecretsBackend == "vault" {
		// CHENGIS_VAULT_ADDR/CHENGIS_VAULT_TOKEN are read directly from the
		// environment here rather than through Config, to avoid persisting
		// a live token to disk.
		if addr, token := os.Getenv("CHENGIS_VAULT_ADDR"), os.Getenv("CHENGIS_VAULT_TOKEN"); addr != "" {
			primary = secrets.NewVaultBackend(addr, token, nil)
		} else {
			logger.Warn("secrets_backend is vault but CHENGIS_VAULT_ADDR is unset, falling back to local")
		}
	}
	resolver := secrets.NewResolver(primary, local, cfg.SecretsFallback, func(e secrets.AuditEntry) {
		_ = s.AppendSecretAudit(store.SecretAuditEntry{
			SecretName: e.SecretName, Scope: string(e.Scope), Action: string(e.Action),
			UserID: e.UserID, IP: e.IP, Detail: e.Detail,
		})
	}, logger)

	execs := executor.NewRegistry(logger)

	ws := workspace.NewManager(cfg.WorkspaceRoot, logger)
	artifactStore := artifacts.NewStore(filepath.Join(cfg.DataDir, "artifacts"))

	gate := policy.NewGate(s, nil)
	approvals := policy.NewApprovals(s)

	notifier := notify.NewRouter(logger)
	notifier.Register(notify.NewConsoleChannel(logger))
	notifier.WithRateLimiter(notify.NewRateLimiter(60))

	bus := events.NewBus(0)

	registry := dispatch.NewRegistry(s)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}
	if err := registry.Register(&store.Agent{
		ID: localAgentID, Name: "in-process", URL: "", MaxBuilds: cfg.Dispatch.MaxParallelSteps,
	}); err != nil {
		return fmt.Errorf("register local agent: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(s, registry, bus, logger, cfg.Dispatch.HeartbeatIntervalDuration(), cfg.Dispatch.BatchSize)
	scheduler := dispatch.NewScheduler(s, logger)

	runnerCfg := runner.DefaultConfig()
	runnerCfg.MaxParallelSteps = cfg.Dispatch.MaxParallelSteps
	runnerCfg.BuildTimeout = cfg.Dispatch.BuildCeilingDuration()
	r := runner.New(s, execs, resolver, ws, artifactStore, gate, approvals, notifier, bus, dispatcher, logger, runnerCfg)

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	mux := http.NewServeMux()
	webhookapi.New(s, bus, webhookapi.Config{
		GitHubSecret: os.Getenv("CHENGIS_GITHUB_WEBHOOK_SECRET"),
		GitLabToken:  os.Getenv("CHENGIS_GITLAB_WEBHOOK_TOKEN"),
	}, logger).Register(mux)
	agentServer := agentapi.NewServer(registry, logger)
	agentClient := agentapi.NewClient(cfg.Dispatch.HeartbeatIntervalDuration())
	if cfg.AuthEnabled && cfg.SigningKey != "" {
		// The configured secret scopes a derived key for the agent fleet
		// rather than being used directly as the HMAC key.
		signer := signing.NewSigner(signing.DeriveAgentKey(decodeSigningKey(cfg.SigningKey), "agent-fleet"))
		agentServer.WithSigner(signer)
		agentClient.WithSigner(signer)
	}
	agentServer.Register(mux)
	metricsapi.Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":%q,"commit":%q}`+"\n", version, commit)
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sub := "chengisd-main"
	buildEvents := bus.Subscribe(sub)
	defer bus.Unsubscribe(sub)

	stopLoop := make(chan struct{})
	go dispatchLoop(ctx, stopLoop, s, dispatcher, scheduler, approvals, cfg, logger)
	go runnerLoop(ctx, buildEvents, s, r, agentClient, logger)

	logger.Info("starting chengisd", zap.String("addr", cfg.ListenAddr), zap.String("version", version))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	close(stopLoop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// dispatchLoop drives the dispatcher and scheduler ticks, and sweeps
// expired approval gates and retention-eligible builds, on their own
// configured cadences (§4.6, §4.7, §4.9).
func dispatchLoop(ctx context.Context, stop <-chan struct{}, s *store.Store, d *dispatch.Dispatcher, sch *dispatch.Scheduler, approvals *policy.Approvals, cfg config.Config, logger *zap.Logger) {
	tick := time.NewTicker(cfg.Dispatch.TickIntervalDuration())
	defer tick.Stop()
	retentionTick := time.NewTicker(time.Hour)
	defer retentionTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-tick.C:
			if err := d.Tick(now); err != nil {
				logger.Warn("dispatch tick failed", zap.Error(err))
			}
			if err := sch.Tick(now); err != nil {
				logger.Warn("scheduler tick failed", zap.Error(err))
			}
			if _, err := approvals.SweepTimeouts(now); err != nil {
				logger.Warn("approval timeout sweep failed", zap.Error(err))
			}
		case now := <-retentionTick.C:
			counts, err := s.SweepRetention(now.Add(-30 * 24 * time.Hour))
			if err != nil {
				logger.Warn("retention sweep failed", zap.Error(err))
				continue
			}
			metrics.RecordRetentionSweep(counts)
		}
	}
}

// runnerLoop reacts to every KindBuildStarted event and routes the build to
// wherever the Dispatcher assigned it: the in-process Build Runner for the
// "local" sentinel agent, or an agentapi.Client push for any other agent
// ID. A remote agent's own process is responsible for completing a build
// once pushed; this module does not poll it for completion, only for
// acceptance of the push itself (see DESIGN.md's agentapi entry).
func runnerLoop(ctx context.Context, buildEvents <-chan events.Event, s *store.Store, r *runner.Runner, agentClient *agentapi.Client, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-buildEvents:
			if !ok {
				return
			}
			if evt.Kind != events.KindBuildStarted {
				continue
			}
			build, err := s.GetBuild(evt.BuildID)
			if err != nil {
				logger.Warn("runner loop: load build failed", zap.String("build_id", evt.BuildID), zap.Error(err))
				continue
			}
			if build.AgentID == localAgentID {
				go func(buildID string) {
					if err := r.Run(ctx, buildID); err != nil {
						logger.Error("runner: build run failed", zap.String("build_id", buildID), zap.Error(err))
					}
				}(build.ID)
				continue
			}
			go dispatchRemote(ctx, s, agentClient, build, logger)
		}
	}
}

// dispatchRemote pushes a build assigned to a real (non-local) agent over
// the wire. It does not retry or fail the build back to queued on a push
// error; that recovery path belongs to the Dispatcher's own orphan-recovery
// sweep.
func dispatchRemote(ctx context.Context, s *store.Store, agentClient *agentapi.Client, build *store.Build, logger *zap.Logger) {
	agent, err := s.GetAgent(build.AgentID)
	if err != nil {
		logger.Error("runner loop: load agent failed", zap.String("agent_id", build.AgentID), zap.Error(err))
		return
	}
	job, err := s.GetJob(build.JobID)
	if err != nil {
		logger.Error("runner loop: load job failed", zap.String("job_id", build.JobID), zap.Error(err))
		return
	}
	spec := agentapi.BuildSpec{
		BuildID:     build.ID,
		JobID:       build.JobID,
		BuildNumber: build.BuildNumber,
		Pipeline:    job.Pipeline,
		Parameters:  build.Parameters,
	}
	if err := agentClient.Dispatch(ctx, agent, spec); err != nil {
		logger.Error("runner loop: remote dispatch failed", zap.String("build_id", build.ID), zap.String("agent_id", agent.ID), zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level.SetLevel(zap.DebugLevel)
	case "warn":
		cfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		cfg.Level.SetLevel(zap.ErrorLevel)
	default:
		cfg.Level.SetLevel(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// decodeSigningKey accepts the configured signing key as hex (the format
// Config.SigningKey's doc comment specifies) and falls back to the raw
// string bytes for a key that was not hex-encoded.
func decodeSigningKey(configured string) []byte {
	if key, err := hex.DecodeString(configured); err == nil {
		return key
	}
	return []byte(configured)
}

// masterKeyBytes derives a 32-byte key from the configured secret. An
// operator-supplied key may be any length; hashing it to a fixed size
// means secrets.NewLocalBackend's minimum-length check always passes once
// a non-empty key is configured, while an unconfigured key still fails
// loudly rather than silently running with an all-zero key.
func masterKeyBytes(configured string) []byte {
	if configured == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(configured))
	return sum[:]
}
