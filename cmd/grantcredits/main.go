package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/infra"
	"server/internal/sqlinline"
)

func main() {
	var (
		userFlag   string
		amountFlag int
		keyFlag    string
	)

	flag.StringVar(&userFlag, "user", "", "user ID to credit")
	flag.IntVar(&amountFlag, "amount", 10, "number of credits to grant")
	flag.StringVar(&keyFlag, "key", "", "idempotency key for the grant (defaults to a random one)")
	flag.Parse()

	userID := strings.TrimSpace(userFlag)
	if userID == "" {
		exitWithError(errors.New("-user is required"))
	}
	if amountFlag <= 0 {
		exitWithError(errors.New("-amount must be positive"))
	}
	txKey := strings.TrimSpace(keyFlag)
	if txKey == "" {
		txKey = "grant:" + uuid.NewString()
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "grantcredits").Logger()
	runner := infra.NewSQLRunner(pool, logger)

	var grantID string
	if err := runner.QueryRow(ctx, sqlinline.QGrantCredits, userID, amountFlag, txKey).Scan(&grantID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			exitWithError(fmt.Errorf("grant with key %q already applied", txKey))
		}
		exitWithError(fmt.Errorf("failed to grant credits: %w", err))
	}

	var balance int
	if err := runner.QueryRow(ctx, sqlinline.QSelectBalance, userID).Scan(&balance); err != nil {
		exitWithError(fmt.Errorf("failed to read balance: %w", err))
	}

	fmt.Printf("granted %d credits to %s (tx %s), balance is now %d\n", amountFlag, userID, grantID, balance)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
