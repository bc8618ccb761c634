// DietBot is a single-user diet coach reached over WhatsApp.
//
// It receives meal descriptions and photos through the WhatsApp Cloud
// API webhook, estimates calories with a vision model, keeps an
// append-only food ledger, and runs two automated conversations a day
// (a morning check-in and an evening recap). Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	dietbot serve                    Start the webhook and API server
//	dietbot init [dir]               Write an example config.yaml
//	dietbot ask <message>            Run one turn locally and print the reply
//	dietbot estimate <description>   Estimate a meal without storing it
//	dietbot profile show             Print the stored profile
//	dietbot profile set key=value…   Create or update the profile
//	dietbot schedule [list]          List scheduled tasks and their recent runs
//	dietbot schedule history <name>  Print a task's executions
//	dietbot schedule run <name>      Fire a task now and print the reply
//	dietbot version                  Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/dietbot/internal/buildinfo"
	"github.com/nugget/dietbot/internal/config"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so that run
// carries no package-level flag state and can be driven from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command == "" && args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case command == "" && (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case command == "" && strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: dietbot ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, strings.Join(cmdArgs, " "))
	case "estimate":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: dietbot estimate <description>")
		}
		return runEstimate(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "profile":
		return runProfile(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "schedule":
		return runSchedule(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "DietBot - WhatsApp diet coach")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: dietbot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                   Start the webhook and API server")
	fmt.Fprintln(w, "  init [dir]              Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <message>           Run one turn locally and print the reply")
	fmt.Fprintln(w, "  estimate <description>  Estimate a meal without storing it")
	fmt.Fprintln(w, "  profile show            Print the stored profile")
	fmt.Fprintln(w, "  profile set key=value   Create or update the profile")
	fmt.Fprintln(w, "  schedule [list]         List scheduled tasks")
	fmt.Fprintln(w, "  schedule history <name> Print a task's executions")
	fmt.Fprintln(w, "  schedule run <name>     Fire a task now and print the reply")
	fmt.Fprintln(w, "  version                 Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates, parses and validates the configuration. A .env
// file next to the config (and in the working directory) is loaded
// before ${VAR} expansion.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	if err := config.LoadDotEnv(cfgPath); err != nil {
		return nil, cfgPath, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
