// Command opta-lmx is a single-host inference control plane: it loads
// models onto local backends, fronts them with OpenAI-compatible HTTP
// APIs, and runs the agent, skill, and RAG surfaces built on top.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/opta-ai/opta-lmx/pkg/agents"
	"github.com/opta-ai/opta-lmx/pkg/compat"
	"github.com/opta-ai/opta-lmx/pkg/config"
	"github.com/opta-ai/opta-lmx/pkg/events"
	"github.com/opta-ai/opta-lmx/pkg/helpers"
	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/inference/backends/gguf"
	"github.com/opta-ai/opta-lmx/pkg/inference/backends/mlx"
	"github.com/opta-ai/opta-lmx/pkg/inference/engine"
	"github.com/opta-ai/opta-lmx/pkg/inference/routing"
	"github.com/opta-ai/opta-lmx/pkg/inference/scheduling"
	"github.com/opta-ai/opta-lmx/pkg/logging"
	"github.com/opta-ai/opta-lmx/pkg/memory"
	"github.com/opta-ai/opta-lmx/pkg/metrics"
	"github.com/opta-ai/opta-lmx/pkg/models"
	"github.com/opta-ai/opta-lmx/pkg/presets"
	"github.com/opta-ai/opta-lmx/pkg/rag"
	"github.com/opta-ai/opta-lmx/pkg/server"
	"github.com/opta-ai/opta-lmx/pkg/skills"
)

// Exit codes.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStartupError = 2
	exitDrainTimeout = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("LMX_CONFIG"),
		"YAML configuration file (empty runs on built-in defaults)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opta-lmx:", err)
		return exitConfigError
	}
	log, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opta-lmx:", err)
		return exitConfigError
	}
	log.Infof("opta-lmx %s starting", server.Version)

	meters := metrics.New()
	bus := events.NewBus(log)
	defer bus.Close()

	if cfg.Journaling.Enabled {
		journal, err := events.StartJournal(log, bus, cfg.Journaling.Path)
		if err != nil {
			log.Errorf("event journal: %v", err)
			return exitStartupError
		}
		defer journal.Close()
	}

	monitor := memory.NewMonitor(log, memory.Config{
		ThresholdPct:      cfg.Memory.ThresholdPct,
		CriticalPct:       cfg.Memory.CriticalPct,
		PollInterval:      cfg.Memory.PollInterval(),
		SafetyMarginBytes: cfg.Memory.SafetyMarginBytes(),
	}, bus)

	modelManager, err := models.NewManager(log, models.Config{
		Root:                   cfg.Models.Root,
		HubURL:                 cfg.Models.DownloadBaseURL,
		Token:                  cfg.Models.HFToken,
		MaxConcurrentDownloads: cfg.Models.DownloadConcurrency,
	})
	if err != nil {
		log.Errorf("model manager: %v", err)
		return exitStartupError
	}

	compatReg, err := compat.Open(filepath.Join(cfg.Models.Root, "compatibility.jsonl"), log)
	if err != nil {
		log.Errorf("compatibility registry: %v", err)
		return exitStartupError
	}
	defer compatReg.Close()

	backendMap := buildBackends(log)

	controller := scheduling.NewController(log, scheduling.Options{
		MaxConcurrent:       cfg.Server.MaxConcurrentRequests,
		AcquireTimeout:      cfg.Server.SemaphoreTimeout(),
		AdaptiveEnabled:     cfg.Server.Adaptive.Enabled,
		AdaptiveMin:         cfg.Server.Adaptive.Min,
		LatencyTargetMs:     cfg.Server.Adaptive.LatencyTargetMs,
		MemoryThresholdPct:  cfg.Memory.ThresholdPct,
		PerModelCaps:        cfg.Models.Concurrency,
		PerClientEnabled:    cfg.Server.PerClient.Enabled,
		PerClientDefaultCap: cfg.Server.PerClient.DefaultCap,
		PerClientOverrides:  cfg.Server.PerClient.Overrides,
	})

	keepAlive, keepAliveOverrides := cfg.Models.KeepAlives()
	eng := engine.New(log, modelManager, compatReg, monitor, controller, meters, bus, backendMap, engine.Options{
		LoaderTimeout:           cfg.Models.LoaderTimeout(),
		InferenceTimeout:        cfg.Server.InferenceTimeout(),
		WarmupOnLoad:            cfg.Models.WarmupOnLoad,
		AllowUnsupportedRuntime: cfg.Models.AllowUnsupportedRuntime,
		KeepAliveDefault:        keepAlive,
		KeepAliveOverrides:      keepAliveOverrides,
		GlobalProfile:           cfg.Models.DefaultProfile,
		PerModelCaps:            cfg.Models.Concurrency,
		Routing: routing.Options{
			Aliases: cfg.Routing.Aliases,
			Default: cfg.Routing.DefaultModel,
		},
		QuantizeCommand: cfg.Models.QuantizeCommand,
	})
	modelManager.SetInUseCheck(eng.InUse)
	modelManager.SetAutoLoadFunc(func(modelID string) {
		loadCtx, loadCancel := context.WithTimeout(ctx, 2*cfg.Models.LoaderTimeout())
		defer loadCancel()
		if _, err := eng.Load(loadCtx, modelID, engine.LoadOptions{}); err != nil {
			log.WithError(err).Errorf("auto-load after download failed for %s", modelID)
		}
	})

	presetManager, err := presets.NewManager(log, cfg.Presets.Dir)
	if err != nil {
		log.Errorf("preset manager: %v", err)
		return exitStartupError
	}
	defer presetManager.Close()

	helperClients := make([]*helpers.Client, 0, len(cfg.HelperNodes))
	for _, node := range cfg.HelperNodes {
		helperClients = append(helperClients, helpers.NewClient(log, helpers.NodeConfig{
			Name:             node.Name,
			BaseURL:          node.BaseURL,
			Timeout:          node.Timeout(),
			Fallback:         node.Fallback,
			MaxRetries:       node.MaxRetries,
			FailureThreshold: node.Breaker.FailureThreshold,
			ResetTimeout:     node.Breaker.ResetTimeout(),
		}))
	}
	helperPool := helpers.NewPool(log, helperClients, 0)
	defer helperPool.Close()

	ragService := rag.NewService(log, rag.Config{
		BaseURL:  cfg.RAG.BaseURL,
		Timeout:  cfg.RAG.Timeout(),
		EmbedVia: cfg.RAG.EmbedVia,
	}, helperPool)

	agentRuntime, err := agents.NewRuntime(log, cfg.Agents, eng, meters, bus)
	if err != nil {
		log.Errorf("agent runtime: %v", err)
		return exitStartupError
	}

	skillRegistry, err := skills.NewRegistry(log, cfg.Skills.Dirs)
	if err != nil {
		log.Errorf("skill registry: %v", err)
		return exitStartupError
	}
	skillDispatcher := skills.NewDispatcher(log, skillRegistry, skills.NewPolicy(cfg.Sandbox), eng, meters, bus, cfg.Skills)
	var skillQueue *skills.QueuedDispatcher
	if cfg.Skills.Queued {
		skillQueue, err = skills.NewQueuedDispatcher(log, skillDispatcher, cfg.Skills)
		if err != nil {
			log.Errorf("skill dispatch queue: %v", err)
			return exitStartupError
		}
	}

	srv := server.New(log, cfg, server.Deps{
		Engine:     eng,
		Models:     modelManager,
		Memory:     monitor,
		Compat:     compatReg,
		Presets:    presetManager,
		Helpers:    helperPool,
		RAG:        ragService,
		Agents:     agentRuntime,
		Skills:     skillDispatcher,
		SkillQueue: skillQueue,
		Backends:   backendMap,
		Meters:     meters,
		Bus:        bus,
		Reload:     reloadFunc(*configPath, cfg, log, eng, monitor, presetManager),
	})

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(runCtx) })
	g.Go(func() error { return eng.Run(runCtx) })
	g.Go(func() error { return helperPool.Run(runCtx) })
	g.Go(func() error { return watchMemoryCritical(runCtx, bus, eng) })
	if cfg.Presets.Watch {
		g.Go(func() error { return presetManager.Watch(runCtx) })
	}
	if err := agentRuntime.Start(runCtx); err != nil {
		log.Errorf("agent runtime: %v", err)
		cancel()
		g.Wait()
		if skillQueue != nil {
			skillQueue.Close()
		}
		agentRuntime.Close()
		return exitStartupError
	}
	if skillQueue != nil {
		skillQueue.Start(runCtx)
	}

	serverErrors := make(chan error, 1)
	go func() { serverErrors <- srv.Run(runCtx) }()

	exit := exitOK
	select {
	case err := <-serverErrors:
		switch {
		case err == nil:
		case errors.Is(err, server.ErrDrainTimeout):
			log.Errorln("drain timed out with requests in flight")
			exit = exitDrainTimeout
		default:
			log.Errorf("server error: %v", err)
			exit = exitStartupError
		}
	case <-ctx.Done():
		log.Infoln("shutdown signal received")
		if err := <-serverErrors; errors.Is(err, server.ErrDrainTimeout) {
			log.Errorln("drain timed out with requests in flight")
			exit = exitDrainTimeout
		} else if err != nil {
			log.Errorf("server shutdown error: %v", err)
		}
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("component error: %v", err)
		if exit == exitOK {
			exit = exitStartupError
		}
	}
	if skillQueue != nil {
		if err := skillQueue.Close(); err != nil {
			log.Warnf("skill dispatch queue close: %v", err)
		}
	}
	if err := agentRuntime.Close(); err != nil {
		log.Warnf("agent runtime close: %v", err)
	}

	unloadCtx, unloadCancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout())
	eng.UnloadAll(unloadCtx)
	unloadCancel()

	log.Infoln("opta-lmx stopped")
	return exit
}

// buildBackends constructs the per-kind backend set. Worker launch paths
// come from the environment: MLX_PYTHON for the mlx_lm interpreter,
// LLAMA_SERVER_PATH for the llama-server binary.
func buildBackends(log logging.Logger) map[inference.Kind]inference.Backend {
	socketDir := os.Getenv("LMX_SOCKET_DIR")
	if socketDir == "" {
		socketDir = filepath.Join(os.TempDir(), "opta-lmx")
	}
	return map[inference.Kind]inference.Backend{
		inference.KindMLX: mlx.New(log, log.WithField("component", mlx.Name+"-server"), mlx.Config{
			SocketDir: socketDir,
			Python:    os.Getenv("MLX_PYTHON"),
		}),
		inference.KindGGUF: gguf.New(log, log.WithField("component", gguf.Name+"-server"), gguf.Config{
			SocketDir: socketDir,
			ServerBin: os.Getenv("LLAMA_SERVER_PATH"),
		}),
	}
}

// watchMemoryCritical evicts one idle model per critical watermark
// breach.
func watchMemoryCritical(ctx context.Context, bus *events.Bus, eng *engine.Engine) error {
	ch, cancel := bus.Subscribe(events.DefaultSubscriberBuffer)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type == events.TypeMemoryCritical {
				eng.EvictLRUIdle(ctx)
			}
		}
	}
}

// reloadFunc builds the hot-reload closure behind POST
// /admin/config/reload. It re-reads the configuration file and applies
// the mutable subset; immutable keys that changed are reported as
// restart_required and left untouched.
func reloadFunc(
	path string,
	cfg *config.Config,
	log logging.Logger,
	eng *engine.Engine,
	monitor *memory.Monitor,
	presetManager *presets.Manager,
) server.ReloadFunc {
	return func(ctx context.Context) (*server.ReloadResult, error) {
		next, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		result := &server.ReloadResult{}

		immutable := []struct {
			key     string
			changed bool
		}{
			{"server.listen", next.Server.Listen != cfg.Server.Listen},
			{"server.socket", next.Server.Socket != cfg.Server.Socket},
			{"server.max_concurrent_requests", next.Server.MaxConcurrentRequests != cfg.Server.MaxConcurrentRequests},
			{"models.root", next.Models.Root != cfg.Models.Root},
			{"security.tls", !reflect.DeepEqual(next.Security.TLS, cfg.Security.TLS)},
			{"helper_nodes", !reflect.DeepEqual(next.HelperNodes, cfg.HelperNodes)},
			{"agents", !reflect.DeepEqual(next.Agents, cfg.Agents)},
			{"skills", !reflect.DeepEqual(next.Skills, cfg.Skills)},
			{"journaling", !reflect.DeepEqual(next.Journaling, cfg.Journaling)},
		}
		for _, im := range immutable {
			if im.changed {
				result.RestartRequired = append(result.RestartRequired, im.key)
			}
		}

		eng.SetRouting(routing.Options{
			Aliases: next.Routing.Aliases,
			Default: next.Routing.DefaultModel,
		})
		cfg.Routing = next.Routing
		result.Applied = append(result.Applied, "routing")

		monitor.SetThresholdPct(next.Memory.ThresholdPct)
		cfg.Memory.ThresholdPct = next.Memory.ThresholdPct
		result.Applied = append(result.Applied, "memory.threshold_pct")

		cfg.Security.AdminKey = next.Security.AdminKey
		result.Applied = append(result.Applied, "security.admin_key")

		if err := logging.SetLevel(log, next.Logging.Level); err != nil {
			return nil, err
		}
		cfg.Logging.Level = next.Logging.Level
		result.Applied = append(result.Applied, "logging.level")

		keepAlive, overrides := next.Models.KeepAlives()
		eng.SetKeepAlive(keepAlive, overrides)
		cfg.Models.KeepAlive = next.Models.KeepAlive
		cfg.Models.KeepAliveOverrides = next.Models.KeepAliveOverrides
		result.Applied = append(result.Applied, "models.keep_alive")

		eng.SetGlobalProfile(next.Models.DefaultProfile)
		cfg.Models.DefaultProfile = next.Models.DefaultProfile
		result.Applied = append(result.Applied, "models.default_profile")

		if err := presetManager.Reload(); err != nil {
			return nil, err
		}
		result.Applied = append(result.Applied, "presets")

		log.WithField("applied", len(result.Applied)).
			WithField("restart_required", len(result.RestartRequired)).
			Info("configuration reloaded")
		return result, nil
	}
}
