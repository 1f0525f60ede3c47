// Command waitfordeps blocks until the configured preference backends
// accept connections. Used by compose and CI before starting the shell.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	dsn := os.Getenv("PREFS_DATABASE_URL")
	redisAddr := os.Getenv("PREFS_REDIS_ADDR")
	if dsn == "" && redisAddr == "" {
		fmt.Fprintln(os.Stderr, "one of PREFS_DATABASE_URL or PREFS_REDIS_ADDR is required")
		os.Exit(2)
	}

	timeout := 60 * time.Second
	if raw := os.Getenv("WAIT_FOR_DEPS_TIMEOUT_SEC"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			fmt.Fprintf(os.Stderr, "invalid WAIT_FOR_DEPS_TIMEOUT_SEC: %q\n", raw)
			os.Exit(2)
		}
		timeout = time.Duration(secs) * time.Second
	}
	deadline := time.Now().Add(timeout)

	if dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open postgres: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		waitFor("postgres", deadline, timeout, db.PingContext)
	}
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
		waitFor("redis", deadline, timeout, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
}

func waitFor(name string, deadline time.Time, timeout time.Duration, ping func(context.Context) error) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := ping(ctx)
		cancel()
		if err == nil {
			fmt.Printf("%s ready\n", name)
			return
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "%s not ready within %s: %v\n", name, timeout, err)
			os.Exit(1)
		}
		time.Sleep(2 * time.Second)
	}
}
