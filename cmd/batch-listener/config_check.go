package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/batchlistener/internal/action"
)

type checkResult struct {
	Valid    bool     `json:"valid"`
	Source   string   `json:"source"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (.yaml or .toml)")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	show := fs.Bool("show", false, "Print the resolved configuration")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if code, stop := parseFlags(fs, args); stop {
		return code
	}

	result := checkResult{Valid: true, Source: *configPath}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.Source = configSource(cfg)
		result.Warnings = actionProblems(cfg)
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		if result.Valid {
			fmt.Printf("Configuration OK: %s\n", result.Source)
		} else {
			fmt.Println("Configuration INVALID")
		}
		for _, e := range result.Errors {
			fmt.Printf("  ERROR %s\n", e)
		}
		for _, w := range result.Warnings {
			fmt.Printf("  WARN  action %s\n", w)
		}
		if *show && cfg != nil {
			data, _ := yaml.Marshal(cfg)
			fmt.Print(string(data))
		}
	}

	if !result.Valid {
		return 1
	}
	if *strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigPin(args []string) int {
	fs := pflag.NewFlagSet("pin", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (.yaml or .toml)")
	actionPath := fs.String("action", "", "Executable to hash (overrides action.path)")
	if code, stop := parseFlags(fs, args); stop {
		return code
	}

	path := *actionPath
	if path == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		path = cfg.Action.Path
	}

	sum, err := action.ComputeBlake3Hash(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash %s: %v\n", path, err)
		return 1
	}
	fmt.Printf("action:\n  path: %s\n  blake3: %s\n", path, sum)
	return 0
}
