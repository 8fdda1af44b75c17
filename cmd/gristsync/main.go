// Command gristsync synchronizes the dossiers of configured démarches from
// the Démarches Simplifiées GraphQL API into a Grist document, one démarche
// at a time.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/demarches/gristsync/dssync"
)

// exitError carries a specific process exit code.
type exitError struct {
	Code    int
	Message string
}

func (e *exitError) Error() string { return e.Message }

func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.Message != "" {
				fmt.Fprintln(os.Stderr, exitErr.Message)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(outW io.Writer, args []string) error {
	flagSet := flag.NewFlagSet("gristsync", flag.ContinueOnError)
	flagSet.SetOutput(outW)
	flagSet.Usage = func() {
		fmt.Fprint(outW, `
gristsync - multi-démarche synchronization from Démarches Simplifiées to Grist.

Usage:
  gristsync [options]

Options:
`)
		flagSet.PrintDefaults()
	}

	demarchesFlag := flagSet.String("demarches", "", "Comma-separated demarche numbers to sync (e.g. 121950,122643). Empty syncs all enabled demarches.")
	forceFlag := flagSet.Bool("force", false, "Sync selected demarches even when they are disabled.")
	validateFlag := flagSet.Bool("validate-only", false, "Validate the configuration and exit.")
	dryRunFlag := flagSet.Bool("dry-run", false, "Alias of -validate-only.")
	configFlag := flagSet.String("config", "config.json", "Path to the configuration document.")
	debugFlag := flagSet.Bool("debug", false, "Enable debug output.")
	noProbeFlag := flagSet.Bool("no-probe", false, "Skip the per-demarche connectivity check while staging.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return &exitError{Code: 2, Message: err.Error()}
	}

	log.Printf("Starting multi-demarche synchronization")
	log.Printf("Configuration file: %s", *configFlag)

	cfg, err := dssync.LoadConfig(*configFlag)
	if err != nil {
		var notFound *dssync.NotFoundError
		if errors.As(err, &notFound) {
			return &exitError{Code: 1, Message: fmt.Sprintf("%v\nCreate %s with your demarches first.", err, *configFlag)}
		}
		return &exitError{Code: 1, Message: err.Error()}
	}

	registry := dssync.BuildRegistry(cfg)
	log.Printf("Configuration loaded: %d demarches found", registry.Len())

	if *debugFlag {
		log.Printf("Available demarches:")
		for _, d := range registry.All() {
			status := "enabled"
			if !d.Enabled {
				status = "disabled"
			}
			log.Printf("  %d: %s - %s - token configured", d.Number, d.Name, status)
		}
		for _, skipped := range registry.Skipped() {
			log.Printf("  %d: %s - token missing", skipped.Number, skipped.Name)
		}
	}

	execCtx := dssync.NewExecutionContext()
	syncer := &dssync.GristSyncer{Context: execCtx}
	stager := &dssync.Stager{
		Context:   execCtx,
		Reloaders: []dssync.Reloader{syncer},
		Probe:     !*noProbeFlag,
	}
	orchestrator := dssync.NewOrchestrator(registry, cfg.Grist, stager, syncer)

	if *validateFlag || *dryRunFlag {
		if orchestrator.Validate() {
			return nil
		}
		return &exitError{Code: 1, Message: "configuration invalid"}
	}

	if !orchestrator.Validate() {
		return &exitError{Code: 1, Message: "configuration invalid, aborting"}
	}

	var results []dssync.SyncResult
	if *demarchesFlag != "" {
		numbers, err := parseNumbers(*demarchesFlag)
		if err != nil {
			return &exitError{Code: 1, Message: fmt.Sprintf("invalid demarche selection %q: %v", *demarchesFlag, err)}
		}
		log.Printf("Selected demarches: %v", numbers)
		results = orchestrator.SyncSelected(numbers, *forceFlag)
	} else {
		results = orchestrator.SyncAll()
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	if succeeded > 0 {
		log.Printf("Synchronization finished: %d demarches processed successfully", succeeded)
		return nil
	}
	return &exitError{Code: 1, Message: "no synchronization succeeded"}
}

// parseNumbers parses a comma-separated list of démarche numbers, tolerating
// whitespace and empty items.
func parseNumbers(s string) ([]int, error) {
	var result []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not a demarche number (expected e.g. 121950,122643)", part)
		}
		result = append(result, n)
	}
	if len(result) == 0 {
		return nil, errors.New("no demarche numbers given")
	}
	return result, nil
}
