// Package main runs the claimflow service: the workflow engine, its
// background tasks, and the HTTP surface for events and run management.
//
// Usage:
//
//	claimflowd serve [--db <url>] [--listen <addr>] [--broker <url>]
//	claimflowd submit <claim-json> [--db <url>]
//	claimflowd get <run_id> [--db <url>]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carebill/claimflow"
	"github.com/carebill/claimflow/claims"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	cmdArgs := os.Args[2:]

	var err error
	switch cmd {
	case "serve":
		err = cmdServe(cmdArgs)
	case "submit":
		err = cmdSubmit(cmdArgs)
	case "get":
		err = cmdGet(cmdArgs)
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  claimflowd serve [--db <url>] [--listen <addr>] [--broker <url>]")
	fmt.Println("  claimflowd submit <claim-json> [--db <url>]")
	fmt.Println("  claimflowd get <run_id> [--db <url>]")
}

func newApp(dbURL, listenAddr, brokerURL string) *claimflow.App {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	opts := []claimflow.Option{
		claimflow.WithDatabase(dbURL),
		claimflow.WithServiceName("claimflowd"),
		claimflow.WithLogger(logger),
	}
	if listenAddr != "" {
		opts = append(opts, claimflow.WithListenAddr(listenAddr))
	}
	if brokerURL != "" {
		opts = append(opts,
			claimflow.WithNotifications(true),
			claimflow.WithBrokerURL(brokerURL))
	}
	return claimflow.NewApp(opts...)
}

func registerWorkflows(app *claimflow.App) *claims.Service {
	svc := claims.NewService(
		&stubGateway{},
		&stubLedger{},
		&stubClaimStore{},
	)
	svc.Register(app)
	return svc
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbURL := fs.String("db", "file:claimflow.db", "Database URL")
	listenAddr := fs.String("listen", ":8080", "HTTP listen address")
	brokerURL := fs.String("broker", "", "CloudEvents endpoint for review notifications")
	_ = fs.Parse(args)

	app := newApp(*dbURL, *listenAddr, *brokerURL)
	registerWorkflows(app)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

func cmdSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	dbURL := fs.String("db", "file:claimflow.db", "Database URL")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("claim JSON is required")
	}

	var claim claims.Claim
	if err := json.Unmarshal([]byte(rest[0]), &claim); err != nil {
		return fmt.Errorf("invalid claim JSON: %w", err)
	}

	app := newApp(*dbURL, "", "")
	svc := registerWorkflows(app)

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.Shutdown(ctx) }()

	runID, err := claimflow.StartRun(ctx, app, svc.LifecycleWorkflow(), claim)
	if err != nil {
		return err
	}
	fmt.Println(runID)
	return nil
}

func cmdGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	dbURL := fs.String("db", "file:claimflow.db", "Database URL")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("run_id is required")
	}

	app := newApp(*dbURL, "", "")
	registerWorkflows(app)

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.Shutdown(ctx) }()

	history, err := app.GetRunHistory(ctx, rest[0])
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
