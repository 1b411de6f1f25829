package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	_ "go.uber.org/automaxprocs"
)

// splitBrokers turns a comma-separated broker list into clean entries.
func splitBrokers(brokers string) []string {
	result := []string{}
	for _, b := range strings.Split(brokers, ",") {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides ROUTER_LOG_LEVEL)")
	)
	flag.Parse()

	// Load configuration first; the structured logger depends on it.
	cfg, err := LoadConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := NewLogger(cfg.LogLevel, cfg.LogFormat)

	// automaxprocs sets GOMAXPROCS from the container CPU limit; it rounds
	// down, which is what the scheduler wants.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("runtime configured")

	cfg.Print()
	cfg.LogConfig(logger)

	server, err := NewServer(*cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("signal received, shutting down")
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
