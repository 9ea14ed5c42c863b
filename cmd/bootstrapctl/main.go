// Command bootstrapctl is the operator tool for schema migrations, manual
// expiry sweeps and minting operator access tokens.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/tendant/simple-bootstrap/internal/config"
	"github.com/tendant/simple-bootstrap/internal/db/migrate"
	"github.com/tendant/simple-bootstrap/pkg/auth"
	"github.com/tendant/simple-bootstrap/pkg/repository"
)

func main() {
	_ = godotenv.Load()

	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "bootstrapctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errors.New("missing command")
	}

	switch args[0] {
	case "migrate":
		return runMigrate(args[1:], stdout)
	case "sweep":
		return runSweep(args[1:], stdout, stderr)
	case "operator-token":
		return runOperatorToken(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage:
  bootstrapctl migrate up|down|version
  bootstrapctl sweep [--dry-run]
  bootstrapctl operator-token --operator <id> [--ttl 8h]

Configuration is read from the environment (and .env), as for simple-bootstrap.
`)
}

func runMigrate(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("migrate requires one of: up, down, version")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dsn := cfg.DatabaseURL()

	switch args[0] {
	case "up", "down":
		if err := migrate.Run(dsn, args[0]); err != nil {
			return fmt.Errorf("migrate %s: %w", args[0], err)
		}
		fmt.Fprintf(stdout, "migrate %s: ok\n", args[0])
		return nil
	case "version":
		v, dirty, err := migrate.Version(dsn)
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Fprintln(stdout, "no migrations applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("migrate version: %w", err)
		}
		fmt.Fprintf(stdout, "version %d (dirty: %t)\n", v, dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate direction %q", args[0])
	}
}

func runSweep(args []string, stdout, stderr io.Writer) error {
	var dryRun bool
	flagSet := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.BoolVar(&dryRun, "dry-run", false, "list what would be deleted without deleting it")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return fmt.Errorf("sweep requires the postgres store, got %q", cfg.StoreDriver)
	}
	db, err := repository.NewDB(cfg.Database())
	if err != nil {
		return err
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sweeper := auth.NewSweeper(auth.SweeperConfig{TokenRetention: cfg.TokenRetention},
		repository.NewSessionsRepository(db),
		repository.NewInitialTokensRepository(db),
		repository.NewFingerprintsRepository(db),
		logger, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if dryRun {
		candidates, err := sweeper.Plan(ctx)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			fmt.Fprintf(stdout, "%s\t%s\thost=%s\texpired=%s\n", c.Kind, c.ID, c.HostID, c.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Fprintf(stdout, "%d records would be deleted\n", len(candidates))
		return nil
	}

	result, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deleted %d sessions, %d tokens, %d fingerprint bindings\n", result.Sessions, result.Tokens, result.Bindings)
	return nil
}

func runOperatorToken(args []string, stdout, stderr io.Writer) error {
	var operatorID string
	var ttl time.Duration
	flagSet := pflag.NewFlagSet("operator-token", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&operatorID, "operator", "", "operator ID recorded as the token subject (required)")
	flagSet.DurationVar(&ttl, "ttl", auth.DefaultOperatorTokenTTL, "token lifetime")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if operatorID == "" {
		return errors.New("--operator is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	operators, err := auth.NewOperatorTokens([]byte(cfg.OperatorJWTSecret), cfg.OperatorJWTIssuer, nil)
	if err != nil {
		return err
	}
	token, claims, err := operators.Issue(operatorID, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	fmt.Fprintf(stderr, "expires at %s\n", claims.ExpiresAt.Time.Format(time.RFC3339))
	return nil
}
