// Package cli wires the orchestrator, metrics ingest and alert engine
// into a Cobra command tree.
//
// Command structure:
//
//	promptforge                 # root command
//	├── run                     # start the optimization service
//	│   └── --config, -c        # config file path
//	├── submit                  # submit an optimization job
//	│   └── --file, -f          # job JSON file
//	├── status                  # show configuration and job statistics
//	├── --version
//	└── --help
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/promptforge/promptforge/internal/alerts"
	"github.com/promptforge/promptforge/internal/cache"
	"github.com/promptforge/promptforge/internal/evaluator"
	"github.com/promptforge/promptforge/internal/metrics"
	"github.com/promptforge/promptforge/internal/orchestrator"
	"github.com/promptforge/promptforge/internal/predictor"
	"github.com/promptforge/promptforge/pkg/types"
)

var log = slog.Default()

// Config is the YAML configuration of the whole service.
type Config struct {
	Orchestrator struct {
		Concurrency        int `yaml:"concurrency"`
		DispatchIntervalMs int `yaml:"dispatch_interval_ms"`
	} `yaml:"orchestrator"`

	Alerts struct {
		MaxLatencyMs        int     `yaml:"max_latency_ms"`
		MaxErrorRate        float64 `yaml:"max_error_rate"`
		MaxAccuracyDrop     float64 `yaml:"max_accuracy_drop"`
		MaxTokensPerRequest float64 `yaml:"max_tokens_per_request"`
	} `yaml:"alerts"`

	Cache struct {
		Path string `yaml:"path"`
	} `yaml:"cache"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// thresholds maps the alert config onto the engine's limits, falling
// back to the engine defaults for unset fields.
func (c *Config) thresholds() types.Thresholds {
	t := alerts.DefaultThresholds()
	if c.Alerts.MaxLatencyMs > 0 {
		t.MaxLatency = time.Duration(c.Alerts.MaxLatencyMs) * time.Millisecond
	}
	if c.Alerts.MaxErrorRate > 0 {
		t.MaxErrorRate = c.Alerts.MaxErrorRate
	}
	if c.Alerts.MaxAccuracyDrop > 0 {
		t.MaxAccuracyDrop = c.Alerts.MaxAccuracyDrop
	}
	if c.Alerts.MaxTokensPerRequest > 0 {
		t.MaxTokensPerRequest = c.Alerts.MaxTokensPerRequest
	}
	return t
}

var (
	configFile string
	globalOrch *orchestrator.Orchestrator
)

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "promptforge",
		Short: "PromptForge: an optimization service for document-analysis prompt modules",
		Long: `PromptForge runs optimization strategies against prediction modules:
- serial optimization job queue with progress tracking
- four interchangeable search strategies
- live performance metrics with trend aggregation
- threshold-based alerting with Prometheus export`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the optimization service",
		Long:  "Start the orchestrator, metrics ingest and alert engine, then wait for a shutdown signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService()
		},
	}
}

// service bundles the running subsystems so shutdown happens in one
// place, in reverse start order.
type service struct {
	orch   *orchestrator.Orchestrator
	engine *alerts.Engine
	ingest *metrics.Ingest
}

func (s *service) stop() {
	s.orch.Stop()
	s.engine.Stop()
	s.ingest.Stop()
}

// buildService constructs the full stack from the configuration.
func buildService(cfg *Config) (*service, error) {
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	var durable metrics.DurableCache
	if cfg.Cache.Path != "" {
		fc, err := cache.Open(cfg.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		durable = fc
	}

	registry := predictor.NewRegistry()
	registry.Register(predictor.NewLegalAnalysisModule())

	ingest := metrics.NewIngest(durable, collector)
	ev := evaluator.New(ingest)

	orch := orchestrator.New(orchestrator.Config{
		Concurrency:      cfg.Orchestrator.Concurrency,
		DispatchInterval: time.Duration(cfg.Orchestrator.DispatchIntervalMs) * time.Millisecond,
	}, registry, ev, ingest, collector)

	engine, err := alerts.New(ingest, cfg.thresholds(), collector)
	if err != nil {
		return nil, err
	}

	ingest.Start()
	orch.Start()
	engine.Start()

	globalOrch = orch
	return &service{orch: orch, engine: engine, ingest: ingest}, nil
}

func runService() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Info("starting promptforge", "config", configFile)

	svc, err := buildService(cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	log.Info("promptforge started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("received shutdown signal, stopping gracefully")
	svc.stop()
	log.Info("promptforge stopped")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var jobFile string
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an optimization job from a JSON file",
		Long:  "Read a module name, optimization config and dataset from a JSON file and submit them as a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(jobFile, wait)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing the job definition")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the job to reach a terminal state")
	cmd.MarkFlagRequired("file")

	return cmd
}

// jobDefinition is the submit command's input schema.
type jobDefinition struct {
	Module  string                   `json:"module"`
	Config  types.OptimizationConfig `json:"config"`
	Dataset []types.DatasetEntry     `json:"dataset"`
}

func submitJob(filePath string, wait bool) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}

	var def jobDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("failed to parse job file: %w", err)
	}

	if globalOrch == nil {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if _, err := buildService(cfg); err != nil {
			return err
		}
	}

	id, err := globalOrch.StartOptimization(def.Module, def.Config, def.Dataset)
	if err != nil {
		return fmt.Errorf("submission rejected: %w", err)
	}
	fmt.Printf("Submitted job %s (module %s, strategy %s)\n", id, def.Module, def.Config.Strategy)

	if !wait {
		return nil
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var lastProgress float64 = -1
	for range ticker.C {
		job, err := globalOrch.GetJob(id)
		if err != nil {
			return err
		}
		if job.Progress != lastProgress {
			fmt.Printf("  [%5.1f%%] %s\n", job.Progress, job.Message)
			lastProgress = job.Progress
		}
		if !job.Status.Terminal() {
			continue
		}
		switch job.Status {
		case types.StatusCompleted:
			r := job.Results
			fmt.Printf("Job completed: %.2f%% improvement (%.3f -> %.3f) in %d iterations\n",
				r.ImprovementPercentage, r.PerformanceBefore, r.PerformanceAfter, r.IterationsCompleted)
		case types.StatusFailed:
			fmt.Printf("Job failed: %s\n", job.ErrorMessage)
		default:
			fmt.Printf("Job %s\n", job.Status)
		}
		return nil
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Long:  "Display configuration and optimization job statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	t := cfg.thresholds()

	fmt.Println()
	fmt.Println("PromptForge Status")
	fmt.Println("==================")
	fmt.Println()

	fmt.Println("Configuration:")
	fmt.Printf("  ├─ Config File:       %s\n", configFile)
	fmt.Printf("  ├─ Workers:           %d\n", max(cfg.Orchestrator.Concurrency, 1))
	fmt.Printf("  └─ Cache Path:        %s\n", orDefault(cfg.Cache.Path, "(disabled)"))
	fmt.Println()

	fmt.Println("Alert Thresholds:")
	fmt.Printf("  ├─ Max Latency:       %s\n", t.MaxLatency)
	fmt.Printf("  ├─ Max Error Rate:    %.1f%%\n", t.MaxErrorRate*100)
	fmt.Printf("  ├─ Max Accuracy Drop: %.1f%%\n", t.MaxAccuracyDrop*100)
	fmt.Printf("  └─ Max Tokens/Req:    %.0f\n", t.MaxTokensPerRequest)
	fmt.Println()

	if globalOrch != nil {
		stats := globalOrch.OptimizationMetrics()
		fmt.Println("Job Statistics:")
		fmt.Printf("  ├─ Total Jobs:        %d\n", stats.TotalJobs)
		fmt.Printf("  ├─ Pending:           %d\n", stats.ByStatus[types.StatusPending])
		fmt.Printf("  ├─ Running:           %d\n", stats.ByStatus[types.StatusRunning])
		fmt.Printf("  ├─ Completed:         %d\n", stats.ByStatus[types.StatusCompleted])
		fmt.Printf("  ├─ Failed:            %d\n", stats.ByStatus[types.StatusFailed])
		fmt.Printf("  └─ Cancelled:         %d\n", stats.ByStatus[types.StatusCancelled])
		if stats.ByStatus[types.StatusCompleted] > 0 {
			fmt.Printf("\nAverage Improvement: %.2f%%\n", stats.AverageImprovement)
		}
	} else {
		fmt.Println("Job Statistics:")
		fmt.Println("  └─ Service not running (run 'promptforge run' to start)")
	}
	fmt.Println()

	fmt.Println("Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  └─ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  └─ Disabled")
	}
	fmt.Println()
	return nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
