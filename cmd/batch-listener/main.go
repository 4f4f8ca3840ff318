package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/batchlistener/internal/config"
)

const version = "0.2.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage()
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	// --- VERBS ---
	case "run":
		return runListener(rest)
	case "history":
		return runHistory(rest)
	case "simulate":
		return runSimulate(rest)

	// --- NOUNS ---
	case "config":
		return runConfigNoun(rest)

	case "version":
		fmt.Printf("batch-listener version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`batch-listener - supervisord event listener that runs a batch job per event

Usage:
  batch-listener <command> [flags]

Commands:
  run               Speak the eventlistener protocol on stdin/stdout
  history           Show recently processed events
  simulate          Play the controller against the configured action
  config check      Validate configuration and the action script
  config pin        Print the BLAKE3 digest to pin the action script
  version           Show version information
  help              Show this help message

Configuration is read from --config, then $BATCH_LISTENER_CONFIG, then
/etc/batch-listener/config.yaml. Without any of them the defaults run
/batches.sh for every event.

Use 'batch-listener <command> --help' for command flags.
`)
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "pin":
		return runConfigPin(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: batch-listener config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, pin")
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// parseFlags parses args and reports whether the caller should stop, with
// which exit code. --help exits 0.
func parseFlags(fs *pflag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, true
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1, true
	}
	return 0, false
}

// loadConfig resolves the config path and loads it, falling back to defaults.
func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.Discover(explicit)
	if err != nil {
		return nil, err
	}
	return config.LoadOrDefault(path)
}

func configSource(cfg *config.Config) string {
	if cfg.SourcePath == "" {
		return "(defaults)"
	}
	return cfg.SourcePath
}
