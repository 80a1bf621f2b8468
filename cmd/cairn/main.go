package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "sweep":
		sweepCmd(os.Args[2:])
	case "identity":
		identityCmd(os.Args[2:])
	case "root":
		rootCmd(os.Args[2:])
	case "backup":
		backupCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  cairn sweep run --config <sweep.yaml> [--trials <n>] [--run-cmd <cmd>] [--output-root <dir>] [--study-hash <hex>] [--parent-run-id <id>]")
	fmt.Fprintln(os.Stderr, "  cairn sweep status --study-dir <dir> [--json]")
	fmt.Fprintln(os.Stderr, "  cairn identity --config <sweep.yaml> [--json]")
	fmt.Fprintln(os.Stderr, "  cairn root detect [--start <path>] [--config-dir <dir>] [--output-dir <dir>]")
	fmt.Fprintln(os.Stderr, "  cairn backup sync --config <sweep.yaml> --path <path>")
	fmt.Fprintln(os.Stderr, "  cairn backup restore --config <sweep.yaml> --path <path>")
}

func sweepCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "run":
		sweepRun(args[1:])
	case "status":
		sweepStatus(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func rootCmd(args []string) {
	if len(args) < 1 || args[0] != "detect" {
		usage()
		os.Exit(1)
	}
	rootDetect(args[1:])
}

// stderrLogger is the CLI's logger. Progress and fallback warnings go to
// stderr; stdout carries only the command's result.
func stderrLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
