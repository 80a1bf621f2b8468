package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cairnml/cairn/internal/backup"
	"github.com/cairnml/cairn/internal/sweep"
)

func backupCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "sync":
		os.Exit(runBackupSync(args[1:], os.Stdout, os.Stderr))
	case "restore":
		os.Exit(runBackupRestore(args[1:], os.Stdout, os.Stderr))
	default:
		usage()
		os.Exit(1)
	}
}

func runBackupSync(args []string, stdout, stderr io.Writer) int {
	sync, path, ok := backupSetup(args, stderr)
	if !ok {
		return 1
	}
	remote, err := sync.Backup(context.Background(), path, backup.ExpectAny)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "remote=%s\n", remote)
	return 0
}

func runBackupRestore(args []string, stdout, stderr io.Writer) int {
	sync, path, ok := backupSetup(args, stderr)
	if !ok {
		return 1
	}
	restored, err := sync.Restore(context.Background(), path)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "restored=%s\n", restored)
	return 0
}

// backupSetup parses the flags shared by sync and restore and builds the
// synchronizer. The path is absolutized against the working directory; the
// synchronizer rebases it against the resolved outputs root.
func backupSetup(args []string, stderr io.Writer) (*backup.Synchronizer, string, bool) {
	var configPath, path string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config requires a value")
				return nil, "", false
			}
			configPath = args[i]
		case "--path":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--path requires a value")
				return nil, "", false
			}
			path = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return nil, "", false
		}
	}
	if configPath == "" || path == "" {
		fmt.Fprintln(stderr, "--config and --path are required")
		return nil, "", false
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, "", false
	}
	c, err := sweep.ResolveContext(context.Background(), sweep.Overrides{
		ConfigPath: configPath,
		Logger:     stderrLogger(slog.LevelWarn),
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, "", false
	}
	sync, err := c.NewSynchronizer()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, "", false
	}
	return sync, abs, true
}
