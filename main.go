package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"filehelper/config"
	"filehelper/internal/background"
	"filehelper/internal/httpapi"
	"filehelper/internal/plugin"
	"filehelper/internal/plugins/builtin"
	"filehelper/internal/plugins/frameworkapi"
	"filehelper/internal/processor"
	"filehelper/internal/sched"
	"filehelper/internal/store"
	"filehelper/internal/wechat"
)

const logFileName = "filehelper-bot.log"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	config.LoadEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if err := cfg.EnsureRuntimeFiles(); err != nil {
		log.Fatal().Err(err).Msg("runtime file setup failed")
	}

	// JOURNAL_STREAM is set by systemd; journald handles persistence there
	// and the working directory may be read-only.
	if _, underSystemd := os.LookupEnv("JOURNAL_STREAM"); underSystemd {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open log file")
		}
		defer logFile.Close()

		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
		fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
		log.Logger = log.Output(io.MultiWriter(consoleWriter, fileWriter))

		log.Info().Str("logFile", logFileName).Msg("logging to file")
	}

	st, err := store.New(cfg.MessageDBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.MessageDBPath).Msg("message store init failed")
	}
	defer st.Close()
	log.Info().Str("dbPath", cfg.MessageDBPath).Msg("message store initialized")

	engine := wechat.NewEngine(wechat.Options{
		EntryHost:        cfg.WechatEntryHost,
		StatePath:        cfg.SessionFile,
		LoginCallbackURL: cfg.LoginCallbackURL,
		Trace: wechat.TraceOptions{
			Enabled: cfg.TraceEnabled,
			Redact:  cfg.TraceRedact,
			MaxBody: cfg.TraceMaxBody,
			Dir:     cfg.TraceDir,
		},
	})

	registry := plugin.NewRegistry()
	loader := plugin.NewLoader(registry)
	proc := processor.New(processor.Options{
		ServerLabel:           cfg.ServerLabel,
		DownloadDir:           cfg.DownloadDir,
		ChatEnabled:           cfg.ChatbotEnabled,
		ChatWebhookURL:        cfg.ChatbotWebhookURL,
		ChatTimeout:           time.Duration(cfg.ChatbotTimeout) * time.Second,
		MessageWebhookURL:     cfg.MessageWebhookURL,
		MessageWebhookTimeout: time.Duration(cfg.MessageWebhookTimeout) * time.Second,
		HTTPAllowlist:         cfg.HTTPAllowlist,
	}, engine, st, registry, loader)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	scheduler := sched.New(cfg.TaskFile,
		func(ctx context.Context, commandText, trigger string) string {
			return proc.ExecuteCommandText(ctx, commandText, trigger)
		},
		func(ctx context.Context, text string) error {
			_, err := engine.SendText(ctx, text)
			return err
		})
	scheduler.Load()
	proc.SetTasks(scheduler)

	state := background.NewState(cfg.HeartbeatInterval, cfg.ReconnectDelay, cfg.MaxReconnectAttempts, cfg.FileRetentionDays)

	loader.Register(builtin.New(), frameworkapi.New(state.Snapshot))
	registry.Publish(engine, proc, scheduler)
	loader.Load()
	if err := registry.RunOnLoad(); err != nil {
		log.Fatal().Err(err).Msg("plugin on_load failed")
	}
	log.Info().Interface("plugins", loader.Status()["loaded_plugins"]).Msg("plugins loaded")

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine start failed")
	}

	bgOpts := background.Options{
		DownloadDir:          cfg.DownloadDir,
		AutoDownload:         cfg.AutoDownload,
		FileDateSubdir:       cfg.FileDateSubdir,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		FileRetentionDays:    cfg.FileRetentionDays,
	}
	runner := background.NewRunner(engine, st, func(ctx context.Context, msg wechat.Message) string {
		return proc.Process(ctx, msg)
	}, state, bgOpts)
	supervisor := background.NewSupervisor(engine, st, state, bgOpts)
	server := httpapi.New(cfg, engine, proc, st, registry, state)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { runner.Run(ctx); return nil })
	g.Go(func() error { supervisor.RunHeartbeat(ctx); return nil })
	g.Go(func() error { supervisor.RunSessionSaver(ctx); return nil })
	g.Go(func() error { supervisor.RunRetention(ctx); return nil })
	g.Go(func() error { scheduler.Run(ctx); return nil })
	g.Go(func() error { engine.RunTraceFlusher(ctx); return nil })

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("shutdown with error")
	}

	registry.RunOnUnload()
	if err := engine.Stop(context.Background()); err != nil {
		log.Warn().Err(err).Msg("engine stop failed")
	}
	log.Info().Msg("shutdown complete")
}
