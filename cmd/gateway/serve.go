package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liuscraft/orion-gateway/internal/asr"
	"github.com/liuscraft/orion-gateway/internal/config"
	"github.com/liuscraft/orion-gateway/internal/logging"
	"github.com/liuscraft/orion-gateway/internal/metrics"
	"github.com/liuscraft/orion-gateway/internal/relay/asrrelay"
	"github.com/liuscraft/orion-gateway/internal/relay/ttsrelay"
	"github.com/liuscraft/orion-gateway/internal/text"
	"github.com/liuscraft/orion-gateway/internal/tts"
	"github.com/liuscraft/orion-gateway/internal/upstream"
	"github.com/liuscraft/orion-gateway/internal/voices"
)

const shutdownTimeout = 5 * time.Second

func loadCatalog(cfg *config.AppConfig) (*voices.Catalog, error) {
	catalog, err := voices.Load(cfg.Voices.Path)
	if err != nil {
		return nil, err
	}
	if cfg.TTS.DefaultVoice != "" {
		return catalog.WithDefault(cfg.TTS.DefaultVoice)
	}
	return catalog, nil
}

// ttsPools builds one connection pool per provider the catalog routes to.
func ttsPools(cfg *config.AppConfig, catalog *voices.Catalog) (map[tts.Provider]*upstream.Pool[tts.Client], error) {
	providers := catalog.Providers()
	if err := cfg.ValidateKeys(providers[tts.ProviderVolcengine], providers[tts.ProviderDashScope]); err != nil {
		return nil, err
	}
	pools := make(map[tts.Provider]*upstream.Pool[tts.Client])
	if providers[tts.ProviderVolcengine] {
		pools[tts.ProviderVolcengine] = upstream.New[tts.Client](upstream.Options{
			Name:         "tts_volcengine",
			Capacity:     cfg.TTS.PoolCapacity,
			ReadyTimeout: cfg.TTS.ReadyTimeout(),
		}, tts.VolcFactory(cfg.TTS.Volc.Client()))
	}
	if providers[tts.ProviderDashScope] {
		pools[tts.ProviderDashScope] = upstream.New[tts.Client](upstream.Options{
			Name:              "tts_dashscope",
			Capacity:          cfg.TTS.PoolCapacity,
			ReadyTimeout:      cfg.TTS.ReadyTimeout(),
			KeepaliveInterval: cfg.TTS.DashScope.PingInterval(),
		}, tts.DashScopeFactory(cfg.TTS.DashScope.Client()))
	}
	return pools, nil
}

// adminHandler serves metrics, liveness and the voice catalog.
func adminHandler(catalog *voices.Catalog, status func() map[string]int) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(metrics.NewRegistry()))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "upstreams": status()})
	})
	mux.HandleFunc("/voices", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(catalog.All())
	})
	return mux
}

func serve(parent context.Context, path string, enableTTS, enableASR bool) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return err
	}
	defer logging.Sync()
	logging.SetNodeID(logging.NewNodeID())

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		servers  []*http.Server
		closers  []func()
		statusFn = map[string]func() int{}
	)
	addServer := func(name, addr string, h http.Handler) {
		servers = append(servers, &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second})
		logging.Infof("%s listening on %s", name, addr)
	}

	if enableTTS {
		pools, err := ttsPools(cfg, catalog)
		if err != nil {
			return err
		}
		upstreams := make(map[tts.Provider]ttsrelay.Upstream, len(pools))
		for provider, pool := range pools {
			upstreams[provider] = pool
			statusFn["tts_"+string(provider)] = pool.Len
			closers = append(closers, pool.Close)
		}
		opts := ttsrelay.Options{
			Catalog:         catalog,
			Upstreams:       upstreams,
			MaxRetries:      cfg.TTS.MaxRetries,
			SampleRate:      cfg.TTS.EncodeSampleRate,
			FrameDuration:   cfg.TTS.FrameDuration(),
			ProtocolVersion: cfg.TTS.ProtocolVersion,
		}
		if cfg.TTS.StripMarkdown {
			opts.TextFilter = text.NewMarkdownFilter(text.DefaultMarkdownFilterConfig())
		}
		relay, err := ttsrelay.NewServer(opts)
		if err != nil {
			return err
		}
		closers = append([]func(){relay.Close}, closers...)
		addServer("tts relay", cfg.TTS.Listen, relay)
	}

	if enableASR {
		registry := asr.NewRegistry(asr.RegistryOptions{PingInterval: cfg.ASR.PingInterval()})
		relay := asrrelay.NewServer(asrrelay.Options{
			Workers:    registry,
			SampleRate: cfg.ASR.DecodeSampleRate,
		})
		statusFn["asr_workers"] = registry.Len
		closers = append(closers, relay.Close, registry.Close)
		addServer("asr frontend", cfg.ASR.FrontendListen, relay)
		addServer("asr backend", cfg.ASR.BackendListen, registry)
	}

	if cfg.Metrics.Listen != "" {
		addServer("admin", cfg.Metrics.Listen, adminHandler(catalog, func() map[string]int {
			out := make(map[string]int, len(statusFn))
			for name, fn := range statusFn {
				out[name] = fn()
			}
			return out
		}))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logging.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		for _, c := range closers {
			c()
		}
		return nil
	})
	return g.Wait()
}
