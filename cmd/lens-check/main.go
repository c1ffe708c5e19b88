// Command lens-check is a pre-flight diagnostic: it verifies that a Lens
// deployment can load its configuration and reach its dependencies.
//
// Exit codes: 0 everything reachable, 1 configuration error, 2 database
// unreachable or schema incomplete, 3 cache unreachable.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lenshq/backend/internal/cache"
	"github.com/lenshq/backend/internal/config"
	"github.com/lenshq/backend/internal/database"
)

const (
	exitOK       = 0
	exitConfig   = 1
	exitDatabase = 2
	exitCache    = 3

	checkTimeout = 5 * time.Second
)

type check struct {
	name string
	code int
	run  func(ctx context.Context) error
}

func main() {
	_ = godotenv.Load()

	fmt.Println("Lens Pre-Flight Diagnostic")
	fmt.Println("--------------------------------------------")

	fmt.Printf("Checking %-28s ", "configuration...")
	cfg, err := config.Load(os.Getenv("LENS_CONFIG"))
	if err == nil && cfg.Database.URL == "" {
		err = fmt.Errorf("DATABASE_URL is not set")
	}
	if err != nil {
		fail(err)
		os.Exit(exitConfig)
	}
	ok()

	checks := []check{
		{"database connection", exitDatabase, func(ctx context.Context) error {
			store, err := database.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Ping(ctx)
		}},
		{"database schema", exitDatabase, func(ctx context.Context) error {
			store, err := database.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()
			missing, err := store.VerifySchema(ctx)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				return fmt.Errorf("missing tables: %s (run lens-admin init)", strings.Join(missing, ", "))
			}
			return nil
		}},
		{"redis", exitCache, func(ctx context.Context) error {
			if !cfg.Redis.Enabled {
				return errSkipped
			}
			r, err := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, zerolog.Nop())
			if err != nil {
				return err
			}
			defer r.Close()
			_, _, err = r.Get(ctx, "lens-check:probe")
			return err
		}},
	}

	exit := exitOK
	for _, c := range checks {
		fmt.Printf("Checking %-28s ", c.name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		err := c.run(ctx)
		cancel()
		switch {
		case err == errSkipped:
			fmt.Println("[SKIP] (disabled in config)")
		case err != nil:
			fail(err)
			if exit == exitOK {
				exit = c.code
			}
		default:
			ok()
		}
	}

	fmt.Println("--------------------------------------------")
	if exit == exitOK {
		fmt.Println("Status: ready for traffic.")
	} else {
		fmt.Println("Status: NOT ready.")
	}
	os.Exit(exit)
}

var errSkipped = fmt.Errorf("skipped")

func ok() {
	fmt.Println("\033[32m[OK]\033[0m")
}

func fail(err error) {
	fmt.Println("\033[31m[FAIL]\033[0m")
	fmt.Printf("  >> %v\n", err)
}
