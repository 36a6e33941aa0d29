// Command syncctl runs one pipeline operation and prints its outcome as JSON.
//
//	syncctl sync-daily
//	syncctl sync-full -days 90 -it-only
//	syncctl embed-pending -limit 500
//	syncctl status -limit 10
//	syncctl token -subject ops -ttl 2h
//	syncctl hash-password -password 'secret value'
//
// It never opens the keyword index; the server rebuilds it on start or
// through POST /api/v1/admin/keyword/reindex.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"projectfinder/internal/app"
	"projectfinder/internal/bootstrap"
	"projectfinder/internal/config"
	"projectfinder/internal/etl"
	"projectfinder/internal/pkg/jwtutil"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "syncctl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: syncctl <sync-daily|sync-full|embed-pending|status|token|hash-password> [flags]")
}

func run(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	days := fs.Int("days", 0, "sync-full: days back, 0 uses the configured default")
	itOnly := fs.Bool("it-only", false, "sync-full: store only IT entries")
	limit := fs.Int("limit", 0, "embed-pending: max records, status: max runs")
	subject := fs.String("subject", "syncctl", "token: subject claim")
	ttl := fs.Duration("ttl", time.Hour, "token: lifetime")
	password := fs.String("password", "", "hash-password: the admin password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if cmd == "hash-password" {
		hash, err := app.HashPassword(*password)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}
	if cmd == "token" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		token, err := jwtutil.GenerateToken(cfg.Auth.JWTSecret, *ttl, *subject, jwtutil.RoleAdmin)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap.New(ctx, bootstrap.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	var out interface{}
	switch cmd {
	case "sync-daily":
		out, err = a.Admin.SyncDaily(ctx)
	case "sync-full":
		out, err = a.Admin.SyncFull(ctx, etl.FullSync{DaysBack: *days, ITOnly: *itOnly})
	case "embed-pending":
		out, err = a.Admin.EmbedPending(ctx, *limit)
	case "status":
		out, err = a.Admin.Status(ctx, *limit)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(out); encErr != nil {
			a.Log.Warn("encode output failed", zap.Error(encErr))
		}
	}
	return err
}
