package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cairnml/cairn/internal/config"
	"github.com/cairnml/cairn/internal/identity"
)

func identityCmd(args []string) {
	os.Exit(runIdentity(args, os.Stdout, os.Stderr))
}

// runIdentity computes the study identity from configuration alone. No root
// detection, no tracking, no filesystem writes.
func runIdentity(args []string, stdout, stderr io.Writer) int {
	var configPath string
	asJSON := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config requires a value")
				return 1
			}
			configPath = args[i]
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if configPath == "" {
		fmt.Fprintln(stderr, "--config is required")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	study, err := identity.ComputeStudy(cfg.Study.Backbone, cfg.Study.Data, cfg.Study.Space, cfg.Study.Train)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if asJSON {
		out, err := json.MarshalIndent(map[string]string{
			"study_key_hash":    study.KeyHash,
			"study_family_hash": study.FamilyHash,
			"algo":              string(study.Algo),
		}, "", "  ")
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, string(out))
		return 0
	}
	fmt.Fprintf(stdout, "study_key_hash=%s\n", study.KeyHash)
	fmt.Fprintf(stdout, "study_family_hash=%s\n", study.FamilyHash)
	fmt.Fprintf(stdout, "algo=%s\n", study.Algo)
	return 0
}
