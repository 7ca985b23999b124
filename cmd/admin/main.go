package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"banklink/internal/domain/openfinance"
	"banklink/internal/domain/webhook"
	"banklink/internal/infrastructure/postgres/listener"
	"banklink/internal/shared/config"
	"banklink/internal/shared/logger"
)

const usage = `Banklink Admin CLI - Management commands for the Banklink API

Usage:
  admin <command> [options]

Commands:
  init-schema       Create missing tables and indexes
  sweep-expired     Expire ACTIVE consents whose expiry date has passed
  sync              Run an incremental sync for a consent, a user or everyone
  replay-webhooks   Re-dispatch stored webhook events that were not processed

Examples:
  # Sync one consent in this process
  admin sync --consent-id=3f0c...

  # Sync every active consent of users 1 and 2
  admin sync --user-id=1,2

  # Ask the running API process to sync everything
  admin sync --all --notify

  # Replay up to 500 stored webhook events
  admin replay-webhooks --limit=500
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage + "\n")
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "init-schema":
		runInitSchema(os.Args[2:])
	case "sweep-expired":
		runSweepExpired(os.Args[2:])
	case "sync":
		runSync(os.Args[2:])
	case "replay-webhooks":
		runReplayWebhooks(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage + "\n")
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Print(usage + "\n")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg, logger.New(cfg.Log.Level, cfg.Log.Environment)
}

func parseTimeout(lg *zap.Logger, s string) time.Duration {
	timeout, err := time.ParseDuration(s)
	if err != nil {
		lg.Fatal("invalid timeout format", zap.String("timeout", s), zap.Error(err))
	}
	return timeout
}

func runInitSchema(args []string) {
	fs := flag.NewFlagSet("init-schema", flag.ExitOnError)
	timeoutStr := fs.String("timeout", "1m", "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, lg := loadConfig()
	defer lg.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), parseTimeout(lg, *timeoutStr))
	defer cancel()

	db := openDB(cfg, lg)
	defer db.Close()

	if err := db.ApplySchema(ctx); err != nil {
		lg.Fatal("schema initialization failed", zap.Error(err))
	}
	fmt.Println("Schema is up to date")
}

func runSweepExpired(args []string) {
	fs := flag.NewFlagSet("sweep-expired", flag.ExitOnError)
	timeoutStr := fs.String("timeout", "10m", "Timeout for the operation (e.g., 5m, 1h)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, lg := loadConfig()
	defer lg.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), parseTimeout(lg, *timeoutStr))
	defer cancel()

	svc := newServices(ctx, cfg, lg)
	defer svc.Close()

	result, err := svc.consents.SweepExpired(ctx)
	if err != nil {
		lg.Fatal("sweep failed", zap.Error(err))
	}

	fmt.Printf("Consents expired: %d\n", result.Expired)
	fmt.Printf("Failures:         %d\n", result.Failed)
	printErrors(result.Errors)
}

func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)

	consentID := fs.String("consent-id", "", "Consent to sync")
	userIDStr := fs.String("user-id", "", "User ID(s) to sync (comma-separated for multiple)")
	all := fs.Bool("all", false, "Sync every active consent")
	notify := fs.Bool("notify", false, "Ask the running API process to sync instead of syncing here")
	timeoutStr := fs.String("timeout", "30m", "Timeout for the operation (e.g., 5m, 1h)")

	fs.Usage = func() {
		fmt.Println("Usage: admin sync [options]")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
		fmt.Println("\nExamples:")
		fmt.Println("  admin sync --consent-id=3f0c...")
		fmt.Println("  admin sync --user-id=1,2,3")
		fmt.Println("  admin sync --all --notify")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	selected := 0
	for _, set := range []bool{*consentID != "", *userIDStr != "", *all} {
		if set {
			selected++
		}
	}
	if selected != 1 {
		fmt.Println("Error: specify exactly one of --consent-id, --user-id or --all")
		fs.Usage()
		os.Exit(1)
	}

	cfg, lg := loadConfig()
	defer lg.Sync() //nolint:errcheck

	userIDs, err := parseUserIDs(*userIDStr)
	if err != nil {
		lg.Fatal("invalid --user-id", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), parseTimeout(lg, *timeoutStr))
	defer cancel()

	if *notify {
		db := openDB(cfg, lg)
		defer db.Close()

		var requests []listener.SyncRequest
		switch {
		case *all:
			requests = append(requests, listener.SyncRequest{All: true})
		case *consentID != "":
			requests = append(requests, listener.SyncRequest{ConsentID: *consentID})
		default:
			for _, id := range userIDs {
				requests = append(requests, listener.SyncRequest{UserID: id})
			}
		}
		for _, req := range requests {
			if err := listener.Publish(ctx, db, req); err != nil {
				lg.Fatal("failed to publish sync request", zap.Error(err))
			}
		}
		fmt.Printf("Published %d sync request(s)\n", len(requests))
		return
	}

	svc := newServices(ctx, cfg, lg)
	defer svc.Close()

	startTime := time.Now()
	switch {
	case *consentID != "":
		result, err := svc.orchestrator.IncrementalSync(ctx, *consentID)
		if result != nil {
			printSyncResult(result)
		}
		if err != nil {
			lg.Fatal("sync failed", zap.Error(err))
		}
	case *all:
		consents, err := svc.orchestrator.ActiveConsents(ctx)
		if err != nil {
			lg.Fatal("failed to list active consents", zap.Error(err))
		}
		lg.Info("syncing active consents", zap.Int("count", len(consents)))
		for _, c := range consents {
			result, err := svc.orchestrator.IncrementalSync(ctx, c.ID)
			if result != nil {
				printSyncResult(result)
			}
			if err != nil {
				fmt.Printf("  consent %s: %v\n", c.ID, err)
			}
		}
	default:
		for _, id := range userIDs {
			result, err := svc.orchestrator.SyncUser(ctx, id)
			if err != nil {
				fmt.Printf("\n=== User %d ===\n  failed: %v\n", id, err)
				continue
			}
			fmt.Printf("\n=== User %d ===\n", id)
			for _, r := range result.Results {
				printSyncResult(r)
			}
			printErrors(result.Errors)
		}
	}

	lg.Info("sync completed", zap.Duration("elapsed", time.Since(startTime)))
}

func runReplayWebhooks(args []string) {
	fs := flag.NewFlagSet("replay-webhooks", flag.ExitOnError)
	limit := fs.Int("limit", 100, "Maximum number of stored events to replay")
	timeoutStr := fs.String("timeout", "10m", "Timeout for the operation (e.g., 5m, 1h)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, lg := loadConfig()
	defer lg.Sync() //nolint:errcheck

	if *limit < 1 {
		lg.Fatal("--limit must be positive", zap.Int("limit", *limit))
	}

	ctx, cancel := context.WithTimeout(context.Background(), parseTimeout(lg, *timeoutStr))
	defer cancel()

	svc := newServices(ctx, cfg, lg)
	defer svc.Close()

	result, err := svc.ingestor.Replay(ctx, *limit)
	if err != nil {
		lg.Fatal("replay failed", zap.Error(err))
	}
	printReplayResult(result)
}

func parseUserIDs(s string) ([]int64, error) {
	var ids []int64
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid user ID %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printSyncResult(result *openfinance.SyncResult) {
	fmt.Printf("\n=== Consent %s (user %d) ===\n", result.ConsentID, result.UserID)
	fmt.Printf("  Success:       %t\n", result.Success)
	fmt.Printf("  Accounts:      %d\n", result.AccountsSynced)
	fmt.Printf("  Balances:      %d\n", result.BalancesSynced)
	fmt.Printf("  Transactions:  %d\n", result.TransactionsSynced)
	printErrors(result.Errors)
}

func printReplayResult(result *webhook.ReplayResult) {
	fmt.Printf("Events processed: %d\n", result.Processed)
	fmt.Printf("Events failed:    %d\n", result.Failed)
	printErrors(result.Errors)
}

func printErrors(errs []string) {
	if len(errs) == 0 {
		return
	}
	fmt.Printf("  Errors:        %d\n", len(errs))
	for i, e := range errs {
		if i >= 5 {
			fmt.Printf("    ... and %d more errors\n", len(errs)-5)
			break
		}
		fmt.Printf("    - %s\n", e)
	}
}
