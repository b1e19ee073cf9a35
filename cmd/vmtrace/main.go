// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// vmtrace replays a recorded VM trace and prints the per-region cycle
// breakdown. The trace format is documented in internal/replay.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/antimetal/vmtrace/internal/replay"
	"github.com/antimetal/vmtrace/pkg/tracer"
)

var (
	tracePath    string
	configPath   string
	multiplier   float64
	minThreshold uint64
	scope        string
	summary      bool
	watch        bool
	verbose      bool
)

func init() {
	flag.StringVar(&tracePath, "trace", "", "Path to the recorded trace (JSON lines, required)")
	flag.StringVar(&configPath, "config", "", "Optional YAML config file for anomaly settings")
	flag.Float64Var(&multiplier, "multiplier", 0, "Anomaly threshold multiplier over the baseline (0 = default)")
	flag.Uint64Var(&minThreshold, "min-threshold", 0, "Cycle floor below which no anomaly is raised")
	flag.StringVar(&scope, "scope", "", "Anomaly baseline scope: global or per-region")
	flag.BoolVar(&summary, "summary", false, "Also print the name-aggregated summary table")
	flag.BoolVar(&watch, "watch", false, "Keep running and replay whenever the trace file changes")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
}

// fileConfig mirrors the optional YAML config file:
//
//	anomaly:
//	  multiplier: 10
//	  baselineScope: per-region
//	  minAbsoluteThreshold: 64
type fileConfig struct {
	Anomaly struct {
		Multiplier           float64 `yaml:"multiplier"`
		BaselineScope        string  `yaml:"baselineScope"`
		MinAbsoluteThreshold uint64  `yaml:"minAbsoluteThreshold"`
	} `yaml:"anomaly"`
}

func loadConfig() (tracer.Config, error) {
	var cfg tracer.Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.Anomaly.Multiplier = fc.Anomaly.Multiplier
		cfg.Anomaly.BaselineScope = tracer.BaselineScope(fc.Anomaly.BaselineScope)
		cfg.Anomaly.MinAbsoluteThreshold = fc.Anomaly.MinAbsoluteThreshold
	}

	// Flags override the config file.
	if multiplier > 0 {
		cfg.Anomaly.Multiplier = multiplier
	}
	if minThreshold > 0 {
		cfg.Anomaly.MinAbsoluteThreshold = minThreshold
	}
	if scope != "" {
		cfg.Anomaly.BaselineScope = tracer.BaselineScope(scope)
	}
	return cfg, nil
}

func printReport(report *tracer.Report) {
	fmt.Print(report.Render())
	if summary {
		fmt.Printf("\n%s", report.Summary())
	}
}

func main() {
	flag.Parse()

	if tracePath == "" {
		fmt.Fprintf(os.Stderr, "Error: -trace is required\n")
		flag.Usage()
		os.Exit(1)
	}

	var logger logr.Logger
	if verbose {
		zapLog, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
			os.Exit(1)
		}
		logger = zapr.NewLogger(zapLog)
	} else {
		logger = logr.Discard()
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if watch {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := replay.Watch(ctx, tracePath, logger, cfg, printReport); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	report, err := replay.Run(tracePath, logger, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printReport(report)
}
