// (c) Copyright Procwatch 2025

// Command governor runs a single command under subprocess governor
// protection: the child is terminated when it exceeds its memory limit or
// times out, and the parent's memory trend is watched for the duration.
//
// Usage:
//
//	governor [-config governor.yaml] [-name build] [-timeout 10m] -- command [args...]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	governor "github.com/procwatch/go-governor"
)

func main() {
	// a .env file is optional; GOVERNOR_* variables from it behave exactly
	// like ones from the environment
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("GOVERNOR_CONFIG"), "path to a YAML config file")
		name       = flag.String("name", "", "subprocess name used in alerts and artifacts")
		timeout    = flag.Duration("timeout", 0, "subprocess execution timeout")
		memLimit   = flag.String("memory-limit", "", "subprocess memory limit, e.g. 1500mb")
	)

	flag.Parse()

	command := flag.Args()
	if len(command) == 0 {
		fmt.Fprintln(os.Stderr, "usage: governor [flags] -- command [args...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	opts := governor.DefaultOptions()
	opts.HandleSignals = true

	if *configPath != "" {
		if err := opts.LoadConfigFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "governor:", err)
			os.Exit(2)
		}
	}

	so := governor.SpawnOptions{
		Name:    *name,
		Timeout: *timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	if *memLimit != "" {
		limit, err := governor.ParseMemorySize(*memLimit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "governor:", err)
			os.Exit(2)
		}

		so.MemoryLimit = limit
	}

	gov := governor.New(opts)
	gov.Start()

	rec, err := gov.CreateProtectedSubprocess(context.Background(), command, so)
	if err != nil {
		fmt.Fprintln(os.Stderr, "governor:", err)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		gov.Shutdown(shutdownCtx)
		cancel()

		os.Exit(1)
	}

	<-rec.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gov.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, "governor: shutdown:", err)
	}

	if code := rec.ExitCode(); code > 0 {
		os.Exit(code)
	}
}
