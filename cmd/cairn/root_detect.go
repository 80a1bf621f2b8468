package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cairnml/cairn/internal/hostenv"
	"github.com/cairnml/cairn/internal/reporoot"
)

func rootDetect(args []string) {
	os.Exit(runRootDetect(args, os.Stdout, os.Stderr))
}

func runRootDetect(args []string, stdout, stderr io.Writer) int {
	var start, configDir, outputDir string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--start":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--start requires a value")
				return 1
			}
			start = args[i]
		case "--config-dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config-dir requires a value")
				return 1
			}
			configDir = args[i]
		case "--output-dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--output-dir requires a value")
				return 1
			}
			outputDir = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	logger := stderrLogger(slog.LevelWarn)
	host := hostenv.Detect(logger)
	det := reporoot.NewDetector(reporoot.Options{FallbackToCwd: true, Logger: logger})
	root, err := det.Detect(reporoot.Input{
		StartPath: start,
		ConfigDir: configDir,
		OutputDir: outputDir,
		Platform:  string(host.Platform),
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	fmt.Fprintf(stdout, "root=%s\n", root.Dir)
	fmt.Fprintf(stdout, "strategy=%s\n", root.Strategy)
	fmt.Fprintf(stdout, "confidence=%s\n", root.Confidence)
	return 0
}
