// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package main is the WatchState entry point. One binary carries the
// long-running server (serve) and the operational verbs used from cron or
// the shell.
//
// Usage:
//
//	watchstate <command> [flags]
//
// Commands:
//
//	serve                      run webhooks, scheduler and API
//	state:import               pull play state from backends
//	state:export               push play state to backends
//	state:progress             push play positions to backends
//	state:backup               dump the store to a JSON file
//	state:restore              load a dump back into the store
//	db:list                    browse stored states
//	db:parity                  states known to fewer than N backends
//	db:prune                   delete stale states older than a cutoff
//	backend:library:list       list a backend's libraries
//	backend:library:unmatched  items with no external ids
//	backend:library:mismatch   items whose path contradicts their title
//	system:apikey              generate an API key and its stored hash
//	system:healthcheck         probe a running server
//
// Exit codes: 0 success, 1 failure or partial failure, 2 configuration
// error, 3 backend auth error.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/logging"
)

const (
	exitOK     = 0
	exitFail   = 1
	exitConfig = 2
	exitAuth   = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		usage()
		return exitOK
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return exitConfig
	}
	return cmd(context.Background(), args[1:])
}

type command func(ctx context.Context, args []string) int

var commands = map[string]command{
	"serve":                     cmdServe,
	"state:import":              cmdImport,
	"state:export":              cmdExport,
	"state:progress":            cmdProgress,
	"state:backup":              cmdBackup,
	"state:restore":             cmdRestore,
	"db:list":                   cmdDBList,
	"db:parity":                 cmdDBParity,
	"db:prune":                  cmdDBPrune,
	"backend:library:list":      cmdLibraryList,
	"backend:library:unmatched": cmdLibraryUnmatched,
	"backend:library:mismatch":  cmdLibraryMismatch,
	"system:apikey":             cmdAPIKey,
	"system:healthcheck":        cmdHealthcheck,
}

func usage() {
	fmt.Fprint(os.Stderr, `watchstate - multi-backend watch state synchronization

usage: watchstate <command> [flags]

  serve                      run webhooks, scheduler and API
  state:import               pull play state from backends
  state:export               push play state to backends
  state:progress             push play positions to backends
  state:backup               dump the store to a JSON file
  state:restore              load a dump back into the store
  db:list                    browse stored states
  db:parity                  states known to fewer than N backends
  db:prune                   delete stale states older than a cutoff
  backend:library:list       list a backend's libraries
  backend:library:unmatched  items with no external ids
  backend:library:mismatch   items whose path contradicts their title
  system:apikey              generate an API key and its stored hash
  system:healthcheck         probe a running server

Run 'watchstate <command> -h' for command flags.
`)
}

// loadConfig reads the layered configuration and initializes logging.
func loadConfig(dir string) (*config.Config, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	return cfg, nil
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return exitFail
}

func failConfig(err error) int {
	fmt.Fprintln(os.Stderr, "config error:", err)
	return exitConfig
}
