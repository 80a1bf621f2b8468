package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cairnml/cairn/internal/sweep"
)

func sweepStatus(args []string) {
	os.Exit(runSweepStatus(args, os.Stdout, os.Stderr))
}

func runSweepStatus(args []string, stdout, stderr io.Writer) int {
	var studyDir string
	asJSON := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--study-dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--study-dir requires a value")
				return 1
			}
			studyDir = args[i]
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if studyDir == "" {
		fmt.Fprintln(stderr, "--study-dir is required")
		return 1
	}

	st, err := sweep.LoadStatus(studyDir, stderrLogger(slog.LevelWarn))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if asJSON {
		out, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, string(out))
		return 0
	}

	fmt.Fprintf(stdout, "study_dir=%s\n", st.StudyDir)
	if st.StudyKeyHash != "" {
		fmt.Fprintf(stdout, "study_key_hash=%s\n", st.StudyKeyHash)
	}
	fmt.Fprintf(stdout, "completed=%d\n", st.Completed)
	fmt.Fprintf(stdout, "failed=%d\n", st.Failed)
	fmt.Fprintf(stdout, "next_trial=%d\n", st.NextTrial)
	for _, ts := range st.Trials {
		status := ts.Status
		if status == "" {
			status = "interrupted"
		}
		if ts.RunName != "" {
			fmt.Fprintf(stdout, "trial=%03d status=%s run=%s artifacts=%t\n", ts.Number, status, ts.RunName, ts.HasArtifacts)
		} else {
			fmt.Fprintf(stdout, "trial=%03d status=%s artifacts=%t\n", ts.Number, status, ts.HasArtifacts)
		}
	}
	return 0
}
