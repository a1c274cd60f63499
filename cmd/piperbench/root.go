package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "piperbench",
	Short: "Pipelined HTTP/1.1 load generator",
	Long: `piperbench drives pipelined HTTP/1.1 connections against one origin
and reports latency percentiles. Requests are pipelined, so depth
matters as much as connection count.

Examples:
  # 4 connections, pipeline depth 8, as fast as the origin allows
  piperbench --host 127.0.0.1 --port 8080 --conns 4 --pipeline 8 --duration 30s

  # Paced to 500 req/s against a request mix from a scenario file
  piperbench --host api.internal --rate 500 --scenario mixed.yaml

  # Assert on JSON response bodies while loading
  piperbench --host 127.0.0.1 --port 8080 --check 'status=ok' --check 'user.id=42'`,
	Args: cobra.NoArgs,
	RunE: benchCommand,
}

var (
	hostFlag     string
	portFlag     int
	connsFlag    int
	pipelineFlag int
	rateFlag     float64
	durationFlag time.Duration
	timeoutFlag  time.Duration
	methodFlag   string
	pathFlag     string
	scenarioFlag string
	checkFlags   []string
	noColorFlag  bool
	verboseFlag  bool
)

func init() {
	rootCmd.Flags().StringVar(&hostFlag, "host", "", "Origin host to load (required)")
	rootCmd.Flags().IntVarP(&portFlag, "port", "p", 80, "Origin port")
	rootCmd.Flags().IntVarP(&connsFlag, "conns", "c", 1, "Number of pipelined connections")
	rootCmd.Flags().IntVar(&pipelineFlag, "pipeline", 8, "Requests in flight per connection")
	rootCmd.Flags().Float64VarP(&rateFlag, "rate", "r", 0, "Target requests per second, 0 for unlimited")
	rootCmd.Flags().DurationVarP(&durationFlag, "duration", "d", 30*time.Second, "Test duration")
	rootCmd.Flags().DurationVarP(&timeoutFlag, "timeout", "t", 10*time.Second, "Per-request timeout")
	rootCmd.Flags().StringVarP(&methodFlag, "method", "m", "GET", "Request method when no scenario file is given")
	rootCmd.Flags().StringVar(&pathFlag, "path", "/", "Request path when no scenario file is given")
	rootCmd.Flags().StringVarP(&scenarioFlag, "scenario", "s", "", "YAML scenario file describing the request mix")
	rootCmd.Flags().StringArrayVar(&checkFlags, "check", nil, "JSON body check as gjson-path=value, repeatable")
	rootCmd.Flags().BoolVar(&noColorFlag, "no-color", false, "Disable colored output")
	rootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log client internals to stderr")
	_ = rootCmd.MarkFlagRequired("host")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func benchCommand(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	reporter := newReporter(os.Stdout, noColorFlag)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ninterrupted, stopping")
		cancel()
	}()

	runner := newRunner(cfg, reporter)
	summary, err := runner.run(ctx)
	if err != nil {
		return err
	}

	reporter.summary(summary)
	return nil
}

func buildConfig() (*benchConfig, error) {
	if connsFlag < 1 {
		return nil, fmt.Errorf("conns must be at least 1")
	}
	if pipelineFlag < 1 {
		return nil, fmt.Errorf("pipeline must be at least 1")
	}
	if durationFlag <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	if rateFlag < 0 {
		return nil, fmt.Errorf("rate cannot be negative")
	}

	scenario, err := loadScenarioOrDefault(scenarioFlag, methodFlag, pathFlag)
	if err != nil {
		return nil, err
	}
	checks, err := parseChecks(checkFlags)
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if verboseFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return &benchConfig{
		host:     hostFlag,
		port:     portFlag,
		conns:    connsFlag,
		pipeline: pipelineFlag,
		rate:     rateFlag,
		duration: durationFlag,
		timeout:  timeoutFlag,
		scenario: scenario,
		checks:   checks,
		logger:   logger,
	}, nil
}
