// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/pipeline"
	"github.com/tomtom215/watchstate/internal/store"
)

// configDirFlag registers the shared -config flag on fs.
func configDirFlag(fs *flag.FlagSet) *string {
	dir := "/config"
	if env := os.Getenv("WS_CONFIG_DIR"); env != "" {
		dir = env
	}
	return fs.String("config", dir, "configuration directory")
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func cmdImport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("state:import", flag.ContinueOnError)
	dir := configDirFlag(fs)
	sel := fs.String("select-backend", "", "comma-separated backend names")
	libs := fs.String("select-library", "", "comma-separated library ids or titles")
	full := fs.Bool("full", false, "ignore the stored watermark")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	a, err := openApp(*dir, true)
	if err != nil {
		return failConfig(err)
	}
	defer a.Close()

	report, err := a.pl.Import(ctx, pipeline.ImportOpts{
		Backends:  splitList(*sel),
		Libraries: splitList(*libs),
		Full:      *full,
	})
	return reportExit(report, err)
}

func cmdExport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("state:export", flag.ContinueOnError)
	dir := configDirFlag(fs)
	sel := fs.String("select-backend", "", "comma-separated backend names")
	full := fs.Bool("full", false, "push everything, not only changes")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	a, err := openApp(*dir, true)
	if err != nil {
		return failConfig(err)
	}
	defer a.Close()

	report, err := a.pl.Export(ctx, pipeline.ExportOpts{
		Backends: splitList(*sel),
		Full:     *full,
	})
	return reportExit(report, err)
}

func cmdProgress(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("state:progress", flag.ContinueOnError)
	dir := configDirFlag(fs)
	sel := fs.String("select-backend", "", "comma-separated backend names")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	a, err := openApp(*dir, true)
	if err != nil {
		return failConfig(err)
	}
	defer a.Close()

	report, err := a.pl.Progress(ctx, pipeline.ExportOpts{Backends: splitList(*sel)})
	return reportExit(report, err)
}

func cmdBackup(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("state:backup", flag.ContinueOnError)
	dir := configDirFlag(fs)
	out := fs.String("file", "", "target directory or empty for the default")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	a, err := openApp(*dir, false)
	if err != nil {
		return failConfig(err)
	}
	defer a.Close()

	target := *out
	if target == "" {
		target = *dir
	}
	path, n, err := a.pl.Backup(ctx, target)
	if err != nil {
		return fail(err)
	}
	printJSON(map[string]any{"file": path, "states": n})
	return exitOK
}

func cmdRestore(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("state:restore", flag.ContinueOnError)
	dir := configDirFlag(fs)
	file := fs.String("file", "", "backup file to load")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *file == "" {
		return failConfig(fmt.Errorf("state:restore requires -file"))
	}

	a, err := openApp(*dir, false)
	if err != nil {
		return failConfig(err)
	}
	defer a.Close()

	n, err := a.pl.Restore(ctx, *file)
	if err != nil {
		return fail(err)
	}
	printJSON(map[string]any{"file": *file, "states": n})
	return exitOK
}

func cmdDBList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("db:list", flag.ContinueOnError)
	dir := configDirFlag(fs)
	backend := fs.String("backend", "", "only states known to this backend")
	mediaType := fs.String("type", "", "movie or episode")
	title := fs.String("title", "", "case-insensitive title substring")
	watched := fs.String("watched", "", "true or false")
	limit := fs.Int("limit", 50, "page size")
	offset := fs.Int("offset", 0, "page offset")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	f := store.Filter{
		Backend: *backend,
		Type:    models.MediaType(*mediaType),
		Title:   *title,
	}
	if *watched != "" {
		w := *watched == "true"
		f.Watched = &w
	}

	a, err := openApp(*dir, false)
	if err != nil {
		return failConfig(err)
	}
	defer a.Close()

	states, total, err := a.st.Page(ctx, f, store.SortUpdatedDesc, *limit, *offset)
	if err != nil {
		return fail(err)
	}
	printJSON(map[string]any{"total": total, "states": states})
	return exitOK
}

func cmdDBParity(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("db:parity", flag.ContinueOnError)
	dir := configDirFlag(fs)
	min := fs.Int("min", 2, "minimum number of backends a state should be known to")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	a, err := openApp(*dir, false)
	if err != nil {
		return failConfig(err)
	}
	defer a.Close()

	states, err := a.st.Parity(ctx, *min)
	if err != nil {
		return fail(err)
	}
	printJSON(map[string]any{"count": len(states), "states": states})
	return exitOK
}

func cmdDBPrune(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("db:prune", flag.ContinueOnError)
	dir := configDirFlag(fs)
	days := fs.Int("older-than", 90, "prune states not updated for this many days")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	a, err := openApp(*dir, false)
	if err != nil {
		return failConfig(err)
	}
	defer a.Close()

	cutoff := time.Now().AddDate(0, 0, -*days).Unix()
	n, err := a.st.Prune(ctx, cutoff)
	if err != nil {
		return fail(err)
	}
	printJSON(map[string]any{"pruned": n})
	return exitOK
}

func cmdLibraryList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("backend:library:list", flag.ContinueOnError)
	dir := configDirFlag(fs)
	sel := fs.String("select-backend", "", "backend name (required)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *sel == "" {
		return failConfig(fmt.Errorf("backend:library:list requires -select-backend"))
	}

	a, err := openApp(*dir, false)
	if err != nil {
		return failConfig(err)
	}
	defer a.Close()

	client, ok := a.pl.Client(*sel)
	if !ok {
		return failConfig(fmt.Errorf("unknown backend %q", *sel))
	}
	libs, err := client.ListLibraries(ctx)
	if err != nil {
		return fail(err)
	}
	printJSON(libs)
	return exitOK
}

func cmdLibraryUnmatched(ctx context.Context, args []string) int {
	return runInspection(ctx, args, "backend:library:unmatched",
		func(ctx context.Context, a *app, backend string, libs []string) ([]pipeline.LibraryIssue, error) {
			return a.pl.Unmatched(ctx, backend, libs)
		})
}

func cmdLibraryMismatch(ctx context.Context, args []string) int {
	return runInspection(ctx, args, "backend:library:mismatch",
		func(ctx context.Context, a *app, backend string, libs []string) ([]pipeline.LibraryIssue, error) {
			return a.pl.Mismatched(ctx, backend, libs)
		})
}

func runInspection(ctx context.Context, args []string, name string,
	inspect func(context.Context, *app, string, []string) ([]pipeline.LibraryIssue, error)) int {

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	dir := configDirFlag(fs)
	sel := fs.String("select-backend", "", "backend name (required)")
	libs := fs.String("select-library", "", "comma-separated library ids or titles")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *sel == "" {
		return failConfig(fmt.Errorf("%s requires -select-backend", name))
	}

	a, err := openApp(*dir, false)
	if err != nil {
		return failConfig(err)
	}
	defer a.Close()

	issues, err := inspect(ctx, a, *sel, splitList(*libs))
	if err != nil {
		return fail(err)
	}
	printJSON(map[string]any{"count": len(issues), "issues": issues})
	return exitOK
}

// cmdAPIKey generates a fresh key and prints both the key to hand to API
// clients and the bcrypt hash to place under api.key_hash.
func cmdAPIKey(_ context.Context, args []string) int {
	fs := flag.NewFlagSet("system:apikey", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	key := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fail(err)
	}
	printJSON(map[string]string{"key": key, "key_hash": string(hash)})
	return exitOK
}

func cmdHealthcheck(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("system:healthcheck", flag.ContinueOnError)
	dir := configDirFlag(fs)
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := loadConfig(*dir)
	if err != nil {
		return failConfig(err)
	}

	addr := cfg.API.Listen
	if strings.HasPrefix(addr, "0.0.0.0") || strings.HasPrefix(addr, "[::]") {
		addr = "127.0.0.1" + addr[strings.LastIndex(addr, ":"):]
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return fail(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "unhealthy: status %d\n", resp.StatusCode)
		return exitFail
	}
	fmt.Println("ok")
	return exitOK
}
