// Command migrate applies the devicetrust schema with goose.
//
//	migrate [flags] up | down | status | version | redo | reset
//	migrate [flags] up-to VERSION | down-to VERSION
//	migrate [flags] create NAME sql
//
// DATABASE_URL comes from the environment or a .env file; MIGRATIONS_DIR
// and LOG_LEVEL are honored when the matching flag is not set.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/logging"
)

// gooseLogger routes goose output through zap.
type gooseLogger struct{ s *zap.SugaredLogger }

func (g gooseLogger) Printf(format string, v ...any) { g.s.Infof(format, v...) }
func (g gooseLogger) Fatalf(format string, v ...any) { g.s.Fatalf(format, v...) }

func main() {
	_ = godotenv.Load()

	dir := flag.String("dir", envOr("MIGRATIONS_DIR", "migrations"), "directory holding the SQL migrations")
	timeout := flag.Duration("timeout", 5*time.Minute, "upper bound on the whole run")
	allowMissing := flag.Bool("allow-missing", false, "apply out-of-order migrations instead of failing")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: migrate [flags] <command> [args]")
		fmt.Fprintln(flag.CommandLine.Output(), "commands: up, up-to, down, down-to, redo, reset, status, version, create")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New(envOr("LOG_LEVEL", "info"), "console")
	defer func() { _ = logger.Sync() }()
	goose.SetLogger(gooseLogger{logger.Sugar()})

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	command, args := flag.Arg(0), flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, command, *dir, args, *allowMissing); err != nil {
		logger.Error("migration failed", zap.String("command", command), zap.String("dir", *dir), zap.Error(err))
		cancel()
		os.Exit(1)
	}
	logger.Info("migration complete", zap.String("command", command))
}

func run(ctx context.Context, command, dir string, args []string, allowMissing bool) error {
	// create only writes a file and needs no connection.
	if command == "create" {
		return goose.RunContext(ctx, command, nil, dir, args...)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	var opts []goose.OptionsFunc
	if allowMissing {
		opts = append(opts, goose.WithAllowMissing())
	}
	return goose.RunWithOptionsContext(ctx, command, db, dir, args, opts...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
