// Command migrate applies or inspects the riskwatch schema with goose. The
// SQL files are embedded, so the binary needs only DATABASE_URL (read from
// the environment or a .env file).
//
//	migrate up | down | status | version | redo | up-to N | down-to N
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/migrations"
)

var allowed = map[string]bool{
	"up": true, "down": true, "status": true, "version": true,
	"redo": true, "up-to": true, "down-to": true,
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || !allowed[args[0]] {
		return fmt.Errorf("usage: migrate up|down|status|version|redo|up-to N|down-to N")
	}
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	start := time.Now()
	if err := goose.RunContext(ctx, args[0], db, ".", args[1:]...); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	logger.Info("migration finished", "command", args[0], "version", version, "duration", time.Since(start))
	return nil
}
