// Copyright (C) 2025 Curator Contributors (oss@curatorhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/curatorhq/curator/pkg/logging"
	"github.com/curatorhq/curator/services/analysis"
	"github.com/curatorhq/curator/services/analysis/classify"
	"github.com/curatorhq/curator/services/analysis/scanner"
)

var (
	appLogger *logging.Logger

	flagPort    int
	flagRoots   string
	flagDataDir string
	flagDepth   int

	rootCmd = &cobra.Command{
		Use:   "curator",
		Short: "A resource discovery and classification engine",
		Long: `Curator scans resource directories, classifies what it finds into
named categories, and keeps the results fresh as directories change.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis server",
		Long:  `Starts the HTTP server, the analysis queue, and the directory monitor.`,
		Run:   runServe,
	}

	scanCmd = &cobra.Command{
		Use:   "scan [directory...]",
		Short: "One-shot scan and rule classification, printed as JSON",
		Args:  cobra.MinimumNArgs(1),
		Run:   runScan,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		terminal := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
		appLogger = logging.New(logging.Config{
			Level:   logging.ParseLevel(os.Getenv("CURATOR_LOG_LEVEL")),
			LogDir:  os.Getenv("CURATOR_LOG_DIR"),
			Service: "curator",
			JSON:    !terminal,
		})
		appLogger.SetDefault()
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if appLogger != nil {
			appLogger.Close()
		}
	}

	serveCmd.Flags().IntVar(&flagPort, "port", 0, "HTTP port (overrides CURATOR_PORT)")
	serveCmd.Flags().StringVar(&flagRoots, "roots", "", "comma-separated resource roots (overrides CURATOR_ROOTS)")
	serveCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "durable state directory (overrides CURATOR_DATA_DIR)")
	scanCmd.Flags().IntVar(&flagDepth, "depth", 0, "max scan depth, 0 for unbounded")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := analysis.FromEnv()
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagRoots != "" {
		var roots []string
		for _, r := range strings.Split(flagRoots, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roots = append(roots, r)
			}
		}
		cfg.Roots = roots
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}

	engine, err := analysis.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize the analysis engine: %v", err)
	}
	if err := engine.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func runScan(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	files, err := scanner.New(0).Scan(ctx, args, flagDepth)
	if err != nil {
		log.Fatalf("Scan failed: %v", err)
	}

	groups, err := classify.New(nil, nil).Classify(ctx, files)
	if err != nil {
		log.Fatalf("Classification failed: %v", err)
	}

	out := map[string]any{
		"total_files": len(files),
		"categories":  classify.BuildCategories(groups),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("Encode failed: %v", err)
	}
}
