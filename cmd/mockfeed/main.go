package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"marketfeed/config"
	"marketfeed/internal/mockfeed"
	"marketfeed/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	flags := pflag.NewFlagSet("mockfeed", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config/config.yml", "Path to configuration file")
	addr := flags.String("addr", "", "Listen address (overrides config)")
	burst := flags.Int("burst", -1, "Events sent to each client on connect")
	interval := flags.Duration("interval", 0, "Delay between batches")
	malformedEvery := flags.Int("malformed-every", -1, "Send a malformed frame every N frames (0 disables)")
	dropAfter := flags.Duration("drop-after", 0, "Close each connection after this long (0 disables)")
	seed := flags.Int64("seed", time.Now().UnixNano(), "Random seed")
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
	mock := cfg.Mock
	if *addr != "" {
		mock.Address = *addr
	}
	if *burst >= 0 {
		mock.Burst = *burst
	}
	if *interval > 0 {
		mock.Interval = *interval
	}
	if *malformedEvery >= 0 {
		mock.MalformedEvery = *malformedEvery
	}
	if *dropAfter > 0 {
		mock.DropAfter = *dropAfter
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mockfeed.NewServer(mock, mockfeed.NewGenerator(*seed), log)
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("mock server failed")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{"frames_sent": srv.Stats().FramesSent}).Info("mock server stopped")
}
