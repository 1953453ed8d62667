package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"casewatch-agent/internal/app"
	"casewatch-agent/internal/channel"
	"casewatch-agent/internal/config"
	"casewatch-agent/internal/logging"
)

var BuildVersion = "dev"

func main() {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	opts, err := config.ParseOptions()
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var saved config.AgentSettings
	if loaded, loadErr := config.LoadSettings(); loadErr == nil {
		saved = loaded
		opts = config.MergeOptionsWithSettings(opts, saved)
	}

	logger := logging.New(opts.Debug)
	if err := logger.EnableFilePersistence(0); err != nil {
		logger.Warn("failed to enable file log persistence", logging.Field("error", err))
	}
	defer func() {
		_ = logger.Close()
	}()

	baseURL := config.ResolveBaseURL(opts, saved)
	endpoints, err := config.BuildEndpoints(baseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid base URL:", err)
		os.Exit(2)
	}
	logger.Info("starting casewatch agent",
		logging.Field("version", BuildVersion),
		logging.Field("base_url", endpoints.BaseURL),
	)

	agent, err := app.New(opts, endpoints, app.Callbacks{
		OnCounts: func(counts channel.Counts) {
			logger.Info("unseen counters updated", logging.Field("counts", counts))
		},
		OnChange: func(event channel.ChangeEvent) {
			logger.Info("message changed",
				logging.Field("case_id", event.CaseID),
				logging.Field("message_id", event.MessageID),
			)
		},
		OnStatusChange: func(status string) {
			logger.Info("agent status", logging.Field("status", status))
		},
	}, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize agent:", err)
		os.Exit(2)
	}

	// Terminal input is the only user-interaction signal a headless agent
	// has; every read feeds the activity gate.
	go func() {
		buf := make([]byte, 256)
		for {
			n, readErr := os.Stdin.Read(buf)
			if n > 0 {
				agent.RecordActivity()
			}
			if readErr != nil {
				return
			}
		}
	}()

	// SIGCONT after a long suspension maps to an immediate freshness check.
	wakeCh := make(chan os.Signal, 1)
	signal.Notify(wakeCh, syscall.SIGCONT)
	defer signal.Stop(wakeCh)
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-wakeCh:
				logger.Debug("process resumed, re-evaluating session freshness")
				agent.Wake()
			}
		}
	}()

	if err := agent.RunContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
