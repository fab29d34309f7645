package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/fleet-agent/internal/config"
	"github.com/mattjoyce/fleet-agent/internal/doctor"
)

func loadConfigForTool(flagPath string) (*config.Config, error) {
	path, err := config.Discover(flagPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// runConfigCheck exits 1 on errors, and 2 on warnings under --strict.
func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "Path to agent-config.yml")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, dryRun bool

	fs := pflag.NewFlagSet("lock", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "Path to agent-config.yml")
	fs.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Compute hashes without writing")
	if code, done := parseFlags(fs, args); done {
		return code
	}

	path, err := config.Discover(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "config lock needs a config file (use --config)")
		return 1
	}

	cfg, err := config.LoadUnverified(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	report, err := config.Lock(cfg, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose {
		for _, file := range report.Files {
			if file.Exists {
				fmt.Printf("  HASH %s: %s\n", file.Key, file.Hash)
				continue
			}
			fmt.Printf("  SKIP %s: not found\n", file.Key)
		}
	}
	if dryRun {
		fmt.Printf("Dry run: %s not written\n", report.ChecksumPath)
	} else {
		fmt.Printf("Locked configuration: %s\n", report.ChecksumPath)
	}
	return 0
}
