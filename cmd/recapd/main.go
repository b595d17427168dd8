// Command recapd runs the video transcription and summarization service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/recapd/recapd/internal/api"
	"github.com/recapd/recapd/internal/config"
	"github.com/recapd/recapd/internal/event"
	"github.com/recapd/recapd/internal/job"
	"github.com/recapd/recapd/internal/logger"
	"github.com/recapd/recapd/internal/observability"
	"github.com/recapd/recapd/internal/server"
	"github.com/recapd/recapd/internal/source"
	"github.com/recapd/recapd/internal/store"
	"github.com/recapd/recapd/internal/summarize"
	"github.com/recapd/recapd/internal/summarize/ollama"
	"github.com/recapd/recapd/internal/transcribe"
	"github.com/recapd/recapd/internal/transcribe/vosk"
	"github.com/recapd/recapd/internal/transcribe/whisper"
)

func main() {
	configFile := flag.String("config", "", "path to config.yml")
	envFile := flag.String("env", "", "path to .env file")
	flag.Parse()

	cfg, err := config.Load("recapd", *configFile, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging)
	log := logger.GetGlobalLogger()

	if err := run(cfg, log); err != nil {
		log.Fatal("Service failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metrics *observability.Metrics
	if cfg.Observability.Enabled {
		tp, err := observability.InitTracer(ctx, cfg.Observability)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			_ = tp.Shutdown(shutdownCtx)
		}()

		mp, err := observability.InitMeter(ctx, cfg.Observability)
		if err != nil {
			return fmt.Errorf("init meter: %w", err)
		}
		defer func() {
			shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			_ = mp.Shutdown(shutdownCtx)
		}()

		metrics, err = observability.NewMetrics(observability.Meter(cfg.Name))
		if err != nil {
			return fmt.Errorf("create metrics: %w", err)
		}
	}

	st, err := store.Open(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	resolver := source.NewResolver(cfg.Resolver, nil, log)

	backends := make([]transcribe.Provider, 0, len(cfg.Transcription.Backends))
	for _, name := range cfg.Transcription.Backends {
		switch name {
		case whisper.ProviderName:
			backends = append(backends, whisper.NewProvider(cfg.Transcription.Whisper))
		case vosk.ProviderName:
			backends = append(backends, vosk.NewProvider(cfg.Transcription.Vosk))
		default:
			return fmt.Errorf("unknown transcription backend %q", name)
		}
	}
	engine := transcribe.NewEngine(backends, cfg.Transcription.AttemptTimeout, log)

	streamer := summarize.NewStreamer(ollama.NewProvider(cfg.Summarizer), log)

	hub := event.NewHub(log)
	jobs := job.NewService(cfg.Pipeline, resolver, engine, streamer, st, hub, metrics, log)
	defer jobs.Close()

	srv := server.New(cfg.Server, log)
	srv.ApplyMiddleware()

	handler := api.NewHandler(jobs, st, cfg.Name, cfg.Version, map[string]api.Checker{
		"resolver":      resolver,
		"transcription": engine,
		"summarizer":    streamer,
	}, log)
	handler.Register(srv.GinEngine(), api.TokenValidator(cfg.Auth.Secret))

	if err := srv.Start(ctx); err != nil {
		return err
	}

	log.Info("Service started", map[string]interface{}{
		"addr":        srv.Addr(),
		"environment": cfg.Environment,
		"backends":    engine.Backends(),
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info("Shutting down", map[string]interface{}{
		"signal": sig.String(),
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}
