// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/nexus-llm/nexus/internal/version"
)

type (
	// cmd corresponds to the top-level `nexus` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command parsed by the `cmdRun` struct.
		Run cmdRun `cmd:"" help:"Run the gateway for the given configuration."`
		// Healthcheck is the sub-command to check if the nexus server is healthy.
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
	}
	// cmdRun corresponds to the `nexus run` command.
	cmdRun struct {
		Debug bool   `help:"Enable debug logging regardless of the configured level."`
		Path  string `arg:"" name:"path" optional:"" help:"Path to the gateway configuration yaml file. Defaults to $XDG_CONFIG_HOME/nexus/config.yaml when that exists; otherwise built-in defaults, NEXUS_* environment variables and provider credentials from the environment apply." type:"path"`
	}
	// cmdHealthcheck corresponds to the `nexus healthcheck` command.
	cmdHealthcheck struct {
		Port int `help:"Port the gateway listens on." default:"8080"`
	}
)

type (
	runFn         func(context.Context, cmdRun, io.Writer, io.Writer) error
	healthcheckFn func(context.Context, int, io.Writer, io.Writer) error
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run, healthcheck)
}

// doMain is the main entry point for the CLI. It parses the command line arguments and executes the appropriate command.
//
//   - stdout is the writer to use for standard output. Mainly for testing.
//   - stderr is the writer to use for standard error. Mainly for testing.
//   - `args` are the command line arguments without the program name.
//   - exitFn is the function to call to exit the program during the parsing of the command line arguments. Mainly for testing.
//   - rf is the function to call to run the gateway. Mainly for testing.
//   - hf is the function to call to probe a running gateway. Mainly for testing.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int), rf runFn, hf healthcheckFn) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("nexus"),
		kong.Description("Self-hosted gateway routing OpenAI-compatible requests across local and cloud LLM backends."),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "Nexus: %s\n", version.Parse())
	case "run", "run <path>":
		if err := rf(ctx, c.Run, stdout, stderr); err != nil {
			log.Fatalf("Error running: %v", err)
		}
	case "healthcheck":
		if err := hf(ctx, c.Healthcheck.Port, stdout, stderr); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
	default:
		panic("unreachable")
	}
}
