package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/agent"
	"github.com/quantumclaw/quantumclaw/internal/audit"
	"github.com/quantumclaw/quantumclaw/internal/bootstrap"
	"github.com/quantumclaw/quantumclaw/internal/bus"
	"github.com/quantumclaw/quantumclaw/internal/cache"
	"github.com/quantumclaw/quantumclaw/internal/channels"
	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/dashboard"
	"github.com/quantumclaw/quantumclaw/internal/heartbeat"
	"github.com/quantumclaw/quantumclaw/internal/identity"
	"github.com/quantumclaw/quantumclaw/internal/memory"
	"github.com/quantumclaw/quantumclaw/internal/providers"
	"github.com/quantumclaw/quantumclaw/internal/queue"
	"github.com/quantumclaw/quantumclaw/internal/router"
	"github.com/quantumclaw/quantumclaw/internal/secrets"
	"github.com/quantumclaw/quantumclaw/internal/skills"
	"github.com/quantumclaw/quantumclaw/internal/store"
	"github.com/quantumclaw/quantumclaw/internal/tools"
	"github.com/quantumclaw/quantumclaw/internal/tracing"
	"github.com/quantumclaw/quantumclaw/internal/trust"
	"github.com/quantumclaw/quantumclaw/pkg/protocol"
)

const providerValidateTimeout = 15 * time.Second

// fastFn adapts a closure to the memory subsystem's fast completer.
type fastFn func(ctx context.Context, prompt string) (string, error)

func (f fastFn) CompleteFast(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// runCore boots every subsystem in dependency order and blocks until a
// signal arrives, then shuts them down in reverse.
func runCore() {
	setupLogging()
	logger := slog.Default()

	dir := config.Dir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Error("config directory", "path", dir, "error", err)
		os.Exit(1)
	}
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		logger.Warn("tracing setup failed, continuing without spans", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	pidPath := config.PIDPath(dir)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		logger.Warn("could not write pid file", "path", pidPath, "error", err)
	}
	defer os.Remove(pidPath)

	b := bus.New()
	b.OnDrop(func(direction string) {
		logger.Warn("bus queue full, message dropped", "direction", direction)
	})

	startedAt := time.Now()

	// Subsystem handles, filled in by the stages below. Later stages read
	// the ones earlier stages produced; degraded stages leave nils behind
	// and every consumer tolerates that.
	var (
		vault      *secrets.Store
		kernel     *trust.Kernel
		auditLog   *audit.Log
		ident      *identity.Manager
		db         *store.DB
		structured *memory.Structured
		mem        *memory.Subsystem
		registry   *providers.Registry
		route      *router.Router
		compCache  *cache.Cache
		loader     *skills.Loader
		toolReg    *tools.Registry
		mcp        *tools.MCPManager
		agents     *agent.Registry
		executor   *agent.Executor
		approvals  *queue.ExecApprovals
		pairing    *channels.Pairing
		manager    *channels.Manager
		hb         *heartbeat.Heartbeat
	)

	runner := bootstrap.NewRunner(logger)
	stages := []bootstrap.Stage{
		{
			Name:  "security",
			Fatal: true,
			Start: func(ctx context.Context) (bootstrap.StopFunc, error) {
				v, err := secrets.Open(config.VaultPath(dir))
				if err != nil {
					return nil, fmt.Errorf("secret vault: %w", err)
				}
				vault = v
				auditLog = audit.Open(config.AuditDBPath(dir), config.AuditFallbackPath(dir), logger)
				k, err := trust.Load(config.ValuesPath(dir), auditLog)
				if err != nil {
					return nil, fmt.Errorf("trust policy: %w", err)
				}
				kernel = k
				return func(context.Context) error { return auditLog.Close() }, nil
			},
		},
		{
			Name:  "credentials",
			Level: 1,
			Start: func(ctx context.Context) (bootstrap.StopFunc, error) {
				m, err := identity.New(ctx, vault, filepath.Join(dir, "identity.json"), "quantumclaw", cfg.Identity.HubURL, logger)
				if err != nil {
					return nil, err
				}
				ident = m
				return func(context.Context) error { return ident.Shutdown() }, nil
			},
		},
		{
			Name:  "shared-db",
			Level: 2,
			Start: func(ctx context.Context) (bootstrap.StopFunc, error) {
				db = store.Open(filepath.Join(dir, "shared.db"), filepath.Join(dir, "fallback"), logger)
				if db.Degraded() {
					// The JSON fallback is already live; report the loss.
					return func(context.Context) error { return db.Close() }, errors.New("sqlite unavailable, json table fallback active")
				}
				return func(context.Context) error { return db.Close() }, nil
			},
		},
		{
			Name:  "memory",
			Level: 2,
			Start: func(ctx context.Context) (bootstrap.StopFunc, error) {
				graph := memory.NewGraphClient(cfg.Memory.Cognee, cfg.Memory.Embedding, logger)
				structured = memory.NewStructured(db, logger)
				transcript := memory.NewTranscript(filepath.Join(config.WorkspacePath(dir), "transcripts"))
				fast := fastFn(func(ctx context.Context, prompt string) (string, error) {
					if route == nil {
						return "", errors.New("router not ready")
					}
					res, err := route.Complete(ctx, router.Request{
						Messages: []providers.Message{{Role: "user", Content: prompt}},
						Tier:     router.TierSimple,
						Channel:  "internal",
					})
					if err != nil {
						return "", err
					}
					return res.Content, nil
				})
				mem = memory.New(graph, structured, transcript, fast, logger)
				if cfg.Memory.Cognee.Enabled {
					graph.OnStateChange(func(online bool) {
						if online {
							auditLog.Record(audit.Entry{Category: audit.CategorySystem, Action: "graph_online"})
							runner.Recover("memory")
						} else {
							auditLog.Record(audit.Entry{Category: audit.CategorySystem, Action: "graph_offline"})
							runner.Degrade("memory", 2)
						}
					})
					graph.StartProbe(ctx)
					if err := graph.Connect(ctx); err != nil {
						auditLog.Record(audit.Entry{Category: audit.CategorySystem, Action: "graph_offline"})
						return nil, fmt.Errorf("graph layer offline: %w", err)
					}
				}
				return nil, nil
			},
		},
		{
			Name:  "model-router",
			Fatal: true,
			Start: func(ctx context.Context) (bootstrap.StopFunc, error) {
				registry = providers.Build(cfg, vault, logger)
				vctx, cancel := context.WithTimeout(ctx, providerValidateTimeout)
				valid := registry.ValidateAll(vctx)
				cancel()
				if len(valid) == 0 {
					return nil, errors.New("no model provider validated; set at least one API key")
				}
				logger.Info("providers validated", "providers", valid)
				route = router.New(cfg, registry, auditLog, logger)
				compCache = cache.New(db, cfg.Cache.TTLMinutes, cfg.Cache.Enabled, logger)
				return nil, nil
			},
		},
		{
			Name:  "skills",
			Level: 1,
			Start: func(ctx context.Context) (bootstrap.StopFunc, error) {
				loader = skills.NewLoader(config.SharedSkillsPath(dir), config.AgentsPath(dir), config.SkillsMetaPath(dir), logger)
				if err := loader.Load(); err != nil {
					return nil, err
				}
				if err := loader.Watch(ctx, func() {
					if toolReg != nil {
						tools.SyncSkillTools(toolReg, activeSkills(loader), vault, nil)
					}
				}); err != nil {
					logger.Warn("skill watcher unavailable", "error", err)
				}
				return nil, nil
			},
		},
		{
			Name:  "tools",
			Level: 3,
			Start: func(ctx context.Context) (bootstrap.StopFunc, error) {
				approvals = queue.NewExecApprovals(db, logger)
				approvals.AttachAudit(auditLog)
				approvals.StartSweeper(ctx)
				toolReg = tools.NewRegistry(cfg, kernel, approvals, auditLog, logger)
				loc := timezoneOf(cfg)
				tools.RegisterBuiltins(toolReg, tools.Deps{
					Memory:    mem,
					Timezone:  loc,
					Workspace: config.WorkspacePath(dir),
					SpawnAgent: func(ctx context.Context, name, task string) (string, error) {
						if executor == nil {
							return "", errors.New("agent runtime not ready")
						}
						return executor.Delegate(ctx, &agent.Delegation{Agent: name, Task: task}, "internal", "system")
					},
					ChannelSend: func(_ context.Context, channel, userID, text string) error {
						b.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: userID, Content: text})
						return nil
					},
					Broadcast: func(name string, payload interface{}) {
						b.Broadcast(bus.Event{Name: name, Payload: payload})
					},
				})
				if loader != nil {
					tools.SyncSkillTools(toolReg, activeSkills(loader), vault, nil)
				}
				mcp = tools.NewMCPManager(toolReg, cfg.Tools.MCP, logger)
				mcp.Start(ctx)
				return func(context.Context) error { mcp.Stop(); return nil }, nil
			},
		},
		{
			Name:  "agents",
			Fatal: true,
			Start: func(ctx context.Context) (bootstrap.StopFunc, error) {
				agents = agent.NewRegistry(config.AgentsPath(dir), logger)
				if agents.Primary() == nil {
					return nil, errors.New("no primary agent")
				}
				values := ""
				if kernel != nil {
					values = kernel.Raw()
				}
				executor = agent.NewExecutor(agent.ExecutorConfig{
					Config:    cfg,
					CfgPath:   cfgPath,
					Agents:    agents,
					Memory:    mem,
					Router:    route,
					Cache:     compCache,
					Tools:     toolReg,
					Approvals: approvals,
					AuditLog:  auditLog,
					Values:    values,
					Events:    b,
					Outbound:  b.PublishOutbound,
					Logger:    logger,
				})
				return nil, nil
			},
		},
		{
			Name:  "channels",
			Level: 4,
			Start: func(ctx context.Context) (bootstrap.StopFunc, error) {
				pairing = channels.NewPairing(cfg, cfgPath, logger)
				gate := channels.NewGate(cfg, pairing)
				commands := channels.NewCommands(channels.CommandDeps{
					Cfg:        cfg,
					AuditLog:   auditLog,
					Cache:      compCache,
					Memory:     mem,
					AgentNames: agents.Names,
					AgentFor: func(msg bus.InboundMessage) string {
						if ch := cfg.Channel(msg.Channel); ch != nil && ch.Agent != "" {
							return ch.Agent
						}
						return agents.Primary().Name
					},
					Version:   Version,
					StartedAt: startedAt,
				})
				delivery := queue.NewDeliveryQueue(db, logger)
				manager = channels.NewManager(cfg, b, gate, commands, executor, delivery, logger)

				enabled, started := 0, 0
				if ch := cfg.Channel("telegram"); ch != nil && ch.Enabled {
					enabled++
					token := resolveSecret(vault, "telegram_bot_token", "QCLAW_TELEGRAM_BOT_TOKEN")
					if token == "" {
						logger.Warn("telegram enabled but no bot token in vault or env")
					} else if tg, err := channels.NewTelegram(token, b, logger); err != nil {
						logger.Error("telegram adapter", "error", err)
					} else {
						manager.Register(tg)
						started++
					}
				}
				if enabled > 0 && started == 0 {
					return nil, errors.New("no channel adapter could start")
				}
				manager.Start(ctx)
				return func(sctx context.Context) error { manager.Stop(sctx); return nil }, nil
			},
		},
		{
			Name:  "dashboard",
			Level: 2,
			Start: func(ctx context.Context) (bootstrap.StopFunc, error) {
				if !cfg.Dashboard.Enabled {
					return nil, nil
				}
				ensureDashboardToken(cfg, cfgPath, logger)
				srv := dashboard.NewServer(dashboard.Deps{
					Cfg:       cfg,
					CfgPath:   cfgPath,
					Bus:       b,
					Pairing:   pairing,
					Approvals: approvals,
					AuditLog:  auditLog,
					Cache:     compCache,
					Memory:    mem,
					Skills:    loader,
					Agents:    agents,
					Vault:     vault,
					Tools:     toolReg,
					Version:   Version,
					StartedAt: startedAt,
				}, logger)
				go func() {
					if err := srv.Start(ctx); err != nil {
						logger.Error("dashboard stopped", "error", err)
					}
				}()
				return nil, nil
			},
		},
		{
			Name:  "heartbeat",
			Level: 1,
			Start: func(ctx context.Context) (bootstrap.StopFunc, error) {
				hb = heartbeat.New(cfg, executor, auditLog, structured, b, logger)
				go hb.Start(ctx)
				return nil, nil
			},
		},
	}

	if err := runner.Boot(ctx, stages); err != nil {
		logger.Error("boot failed", "error", err)
		os.Exit(1)
	}

	logger.Info("quantumclaw running",
		"version", Version,
		"degradation", runner.DegradationLevel(),
		"degraded", runner.Degraded(),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	b.Broadcast(bus.Event{Name: protocol.EventShutdown})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	runner.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
}

// activeSkills returns the skills eligible to become tools: enabled and
// owner-reviewed.
func activeSkills(loader *skills.Loader) []*skills.Skill {
	var out []*skills.Skill
	for _, s := range loader.All() {
		if s.Enabled && s.Reviewed {
			out = append(out, s)
		}
	}
	return out
}

func timezoneOf(cfg *config.Config) *time.Location {
	if cfg.Agent.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(cfg.Agent.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func resolveSecret(vault *secrets.Store, key, envVar string) string {
	if vault != nil {
		if v, err := vault.GetString(key); err == nil && v != "" {
			return v
		}
	}
	return os.Getenv(envVar)
}

// ensureDashboardToken generates an auth token on first boot so the
// dashboard is never reachable unauthenticated.
func ensureDashboardToken(cfg *config.Config, cfgPath string, logger *slog.Logger) {
	if cfg.Dashboard.AuthToken != "" {
		return
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		logger.Error("token generation failed, dashboard stays disabled", "error", err)
		cfg.Dashboard.Enabled = false
		return
	}
	cfg.Dashboard.AuthToken = hex.EncodeToString(buf)
	cfg.Dashboard.TokenCreatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := config.Save(cfgPath, cfg); err != nil {
		logger.Warn("could not persist generated dashboard token", "error", err)
	}
	logger.Info("dashboard token generated", "path", cfgPath)
}
