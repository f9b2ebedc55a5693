package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"marketfeed/config"
	"marketfeed/internal/dashboard"
	"marketfeed/internal/feed"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	flags := pflag.NewFlagSet("marketfeed", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config/config.yml", "Path to configuration file")
	url := flags.String("url", "", "Event source websocket URL (overrides config)")
	noDashboard := flags.Bool("no-dashboard", false, "Disable the HTTP API")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *url != "" {
		cfg.Stream.URL = *url
		if err := cfg.Validate(); err != nil {
			log.WithError(err).Error("Invalid --url")
			os.Exit(1)
		}
	}
	if *noDashboard {
		cfg.Dashboard.Enabled = false
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"env":     env,
		"url":     cfg.Stream.URL,
	}).Info("starting marketfeed")
	if config.IsProductionLike(env) && strings.HasPrefix(cfg.Stream.URL, "ws://") {
		log.WithComponent("main").WithField("env", env).Warn("event source is not using TLS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	f := feed.New(cfg)

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval, f.ReportFields)
	}

	server, err := dashboard.NewServer(cfg.Dashboard, f, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.Run(gctx)
	})
	if server != nil {
		g.Go(func() error {
			return server.Run(gctx, cfg.App.Name)
		})
	}

	log.Info("all components started successfully")

	<-gctx.Done()
	log.Info("starting graceful shutdown")

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("marketfeed stopped with error")
		os.Exit(1)
	}
	log.Info("marketfeed stopped")
}
