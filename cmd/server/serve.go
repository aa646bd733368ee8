package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amanullahtanweer/fluidy-recorder/internal/bus"
	"github.com/amanullahtanweer/fluidy-recorder/internal/capture"
	"github.com/amanullahtanweer/fluidy-recorder/internal/config"
	"github.com/amanullahtanweer/fluidy-recorder/internal/device"
	"github.com/amanullahtanweer/fluidy-recorder/internal/logging"
	"github.com/amanullahtanweer/fluidy-recorder/internal/memo"
	"github.com/amanullahtanweer/fluidy-recorder/internal/server"
	"github.com/amanullahtanweer/fluidy-recorder/internal/session"
	"github.com/amanullahtanweer/fluidy-recorder/internal/store"
	"github.com/amanullahtanweer/fluidy-recorder/internal/transcriber"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder and its HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cfg, logger)
		},
	}
}

// openStore opens the SQLite store with the configured app state backend.
func openStore(cfg config.Config, logger *zap.SugaredLogger) (*store.Store, func(), error) {
	opts := []store.Option{store.WithLogger(logger)}
	cleanup := func() {}

	if cfg.Storage.StateBackend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		opts = append(opts, store.WithStateBackend(store.NewRedisState(client, cfg.Redis.Prefix)))
		cleanup = func() { _ = client.Close() }
		logger.Infof("App state kept in redis at %s", cfg.Redis.Addr)
	}

	st := store.Open(cfg.Storage.Path, opts...)
	return st, func() {
		_ = st.Close()
		cleanup()
	}, nil
}

func serve(cfg config.Config, logger *zap.SugaredLogger) error {
	ctx := context.Background()

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	b := bus.New(cfg.Bus, logger)
	defer b.Close()

	virtual := device.NewVirtual(cfg.Devices, logger)
	devices := device.NewRouter(virtual)
	if cfg.AudioSocket.Listen != "" {
		mic := device.NewAudioSocketMic(cfg.AudioSocket.Listen, logger)
		if err := mic.Start(); err != nil {
			return err
		}
		defer mic.Stop()
		devices.Route(device.SourceMicrophone, mic)
		logger.Infof("Microphone served over AudioSocket on %s", mic.Addr())
	}

	launcher := capture.NewLauncher(b, devices, cfg.CaptureConfig(), logger)
	defer launcher.Close()

	journal, err := session.NewJournal(cfg.JournalDir, time.Now())
	if err != nil {
		logger.Warnf("Session journal disabled: %v", err)
	} else {
		defer journal.Close()
		logger.Infof("Session journal: %s", journal.Path())
	}

	coord := session.New(b, devices, launcher, st, st.Videos(), journal, cfg.Session(), logger)
	if err := coord.Attach(); err != nil {
		return err
	}
	defer coord.Close()

	factory, err := transcriber.NewFactoryFromConfig(cfg.Transcription, logger)
	if err != nil {
		return err
	}
	if available := factory.Available(); len(available) == 0 {
		logger.Warnf("No transcription backend configured; audio sessions will fail to start")
	} else {
		logger.Infof("Transcription backends available: %v", available)
	}

	host := memo.NewHost(b, devices, factory, st.Memos(), st, cfg.Transcription, logger)
	if err := host.Attach(ctx); err != nil {
		return err
	}
	defer host.Close()

	srv := server.New(cfg.Server, coord, host, st, b, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Infof("Shutting down...")
	if err := coord.Stop(ctx); err != nil {
		logger.Warnf("Stopping active session: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
