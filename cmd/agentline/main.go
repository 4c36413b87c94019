package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sebas/agentline/internal/app"
	"github.com/sebas/agentline/internal/banner"
	"github.com/sebas/agentline/internal/config"
	"github.com/sebas/agentline/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentline: %v\n", err)
		os.Exit(2)
	}

	// Initialize logger
	outputs := map[io.Writer]slog.Level{os.Stdout: logger.ParseLevel(cfg.LogLevel)}
	if cfg.LogFile != "" {
		fw, err := logger.NewFileWriter(cfg.LogFile, 50, 5)
		if err != nil {
			fmt.Fprintf(os.Stderr, "agentline: log file: %v\n", err)
			os.Exit(2)
		}
		defer fw.Close()
		outputs[fw] = slog.LevelDebug
	}
	logger.InitLoggerWithLevels(outputs)

	banner.Print("Agent Line", []banner.ConfigLine{
		{Label: "Agent", Value: cfg.Line.URI},
		{Label: "Endpoint", Value: cfg.Line.TransportEndpoint},
		{Label: "SIP Bind", Value: cfg.BindHost + ":" + strconv.Itoa(cfg.BindPort)},
		{Label: "Auto Join", Value: strconv.FormatBool(cfg.AutoJoin)},
		{Label: "ICE Servers", Value: strconv.Itoa(len(cfg.ICEServers))},
		{Label: "API", Value: cfg.APIAddr},
		{Label: "Health", Value: cfg.HealthAddr},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	agent, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create agent", "error", err)
		os.Exit(1)
	}
	defer agent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			slog.Error("Agent stopped", "error", err)
			agent.Close()
			os.Exit(1)
		}
	}
}
