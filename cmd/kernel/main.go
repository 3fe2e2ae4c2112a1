package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	api "github.com/GriffinCanCode/GoKernel/internal/api/http"
	"github.com/GriffinCanCode/GoKernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/GoKernel/internal/kernel"
	"github.com/GriffinCanCode/GoKernel/internal/logging"
	"github.com/GriffinCanCode/GoKernel/internal/programs"
	"github.com/GriffinCanCode/GoKernel/internal/ws"
)

func main() {
	manifest := flag.String("boot", "", "Boot manifest path (overrides KERNEL_BOOT_MANIFEST)")
	port := flag.String("port", "", "Debug API port (overrides PORT)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *manifest != "" {
		cfg.Boot.Manifest = *manifest
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	hub := ws.NewHub(logger.Named("trace"))

	k, err := kernel.New(cfg, logger, kernel.Options{Tracer: hub})
	if err != nil {
		logger.Fatal("kernel build failed", zap.Error(err))
	}

	k.Register("yielder", func() kernel.Program {
		return programs.NewYielder(logger.Named("yielder"), 8)
	})
	k.Register("forkdemo", func() kernel.Program {
		return programs.NewForkDemo(logger.Named("forkdemo"))
	})

	if cfg.Boot.Manifest != "" {
		if err := k.Boot(cfg.Boot.Manifest); err != nil {
			logger.Fatal("boot failed", zap.Error(err))
		}
	}

	srv := api.NewServer(cfg, k, hub, logger.Named("api"))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(net.JoinHostPort(cfg.Server.Host, cfg.Server.Port))
	}()

	k.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("debug api failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	k.Stop()
}
