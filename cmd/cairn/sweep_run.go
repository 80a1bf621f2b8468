package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cairnml/cairn/internal/sweep"
)

func sweepRun(args []string) {
	os.Exit(runSweepRun(args, os.Stdout, os.Stderr, stderrLogger(slog.LevelInfo)))
}

func runSweepRun(args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	var configPath string
	var outputRoot string
	var runCmd string
	var studyHash string
	var parentRunID string
	trials := 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config requires a value")
				return 1
			}
			configPath = args[i]
		case "--trials":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--trials requires a value")
				return 1
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintln(stderr, "--trials must be a positive integer")
				return 1
			}
			trials = n
		case "--run-cmd":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--run-cmd requires a value")
				return 1
			}
			runCmd = args[i]
		case "--output-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--output-root requires a value")
				return 1
			}
			outputRoot = args[i]
		case "--study-hash":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--study-hash requires a value")
				return 1
			}
			studyHash = args[i]
		case "--parent-run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--parent-run-id requires a value")
				return 1
			}
			parentRunID = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if configPath == "" {
		fmt.Fprintln(stderr, "--config is required")
		return 1
	}

	ctx := context.Background()

	ov := sweep.Overrides{
		ConfigPath:   configPath,
		OutputsRoot:  outputRoot,
		StudyKeyHash: studyHash,
		ParentRunID:  parentRunID,
		Logger:       logger,
	}
	c, err := sweep.ResolveContext(ctx, ov)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	tr, err := c.NewTracking()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if parentRunID != "" && studyHash == "" {
		// Tag lookup from the parent run needs the tracking client, which in
		// turn needs the resolved outputs root. The first pass located the
		// tree; this one resolves identity with the tag path live.
		ov.Config = c.Config
		ov.Tags = tr
		c, err = sweep.ResolveContext(ctx, ov)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	opts := sweep.Options{
		Context:  c,
		Tracking: tr,
		Trials:   trials,
		Logger:   logger,
	}
	if c.Config.Backup.Enabled {
		sync, err := c.NewSynchronizer()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		opts.Backup = sync
	}
	if strings.TrimSpace(runCmd) != "" {
		opts.Runner = &sweep.CommandRunner{Command: runCmd, Dir: c.Root.Dir, Logger: logger}
	}

	eng, err := sweep.New(opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	res, err := eng.Run(ctx)
	if res != nil {
		for _, w := range res.Warnings {
			fmt.Fprintf(stderr, "WARNING: %s\n", w)
		}
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	fmt.Fprintf(stdout, "study_dir=%s\n", res.StudyDir)
	fmt.Fprintf(stdout, "study_key_hash=%s\n", res.StudyKeyHash)
	fmt.Fprintf(stdout, "scheme=%s\n", res.Scheme)
	if res.StudyRunID != "" {
		fmt.Fprintf(stdout, "study_run_id=%s\n", res.StudyRunID)
	}
	fmt.Fprintf(stdout, "planned=%d\n", res.Planned)
	fmt.Fprintf(stdout, "completed=%s\n", joinInts(res.Completed))
	fmt.Fprintf(stdout, "skipped=%s\n", joinInts(res.Skipped))
	fmt.Fprintf(stdout, "failed=%s\n", joinInts(res.Failed))

	if len(res.Failed) > 0 {
		return 1
	}
	return 0
}

func joinInts(ns []int) string {
	if len(ns) == 0 {
		return "-"
	}
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
