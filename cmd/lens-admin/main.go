// Command lens-admin manages a Lens deployment directly against its
// database: schema setup, project provisioning, and maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/lenshq/backend/internal/config"
	"github.com/lenshq/backend/internal/core"
	"github.com/lenshq/backend/internal/database"
)

const version = "1.0.0"

const commandTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit()
	case "create-project":
		cmdCreateProject()
	case "list":
		cmdList()
	case "sweep":
		cmdSweep()
	case "version":
		fmt.Printf("lens-admin v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Lens Admin CLI v` + version + `

Usage: lens-admin <command> [args]

Commands:
  init                     Create the database schema (idempotent)
  create-project <name>    Provision a project and print its API key
  list                     List projects (keys redacted)
  sweep [hours]            Purge idempotency keys older than N hours (default 24)
  version                  Print version
  help                     Show this help

Environment:
  DATABASE_URL   Postgres connection string
  LENS_CONFIG    Optional YAML config path

Examples:
  lens-admin init
  lens-admin create-project "checkout-frontend"
  lens-admin sweep 48`)
}

// ----------------------------------------------------------------
// commands
// ----------------------------------------------------------------

func cmdInit() {
	store := openStore()
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := store.InitSchema(ctx); err != nil {
		fatal("schema init failed: %v", err)
	}
	missing, err := store.VerifySchema(ctx)
	if err != nil {
		fatal("schema verification failed: %v", err)
	}
	if len(missing) > 0 {
		fatal("schema still incomplete after init: %v", missing)
	}
	fmt.Println("Schema initialized.")
}

func cmdCreateProject() {
	if len(os.Args) < 3 || os.Args[2] == "" {
		fmt.Fprintln(os.Stderr, "Usage: lens-admin create-project <name>")
		os.Exit(1)
	}
	name := os.Args[2]

	store := openStore()
	defer store.Close()

	key, err := core.NewAPIKey()
	if err != nil {
		fatal("key generation failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	proj, err := store.CreateProject(ctx, name, key)
	if err != nil {
		fatal("create project failed: %v", err)
	}

	fmt.Printf("Project:  %s\n", proj.Name)
	fmt.Printf("ID:       %s\n", proj.ID)
	fmt.Printf("API key:  %s\n", key)
	fmt.Println()
	fmt.Println("Store the key now. It is not shown again and cannot be recovered.")
}

func cmdList() {
	store := openStore()
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	projects, err := store.ListProjects(ctx)
	if err != nil {
		fatal("list projects failed: %v", err)
	}
	if len(projects) == 0 {
		fmt.Println("No projects.")
		return
	}

	fmt.Printf("%-38s %-30s %s\n", "ID", "NAME", "CREATED")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, p := range projects {
		fmt.Printf("%-38s %-30s %s\n", p.ID, p.Name, p.CreatedAt.Format(time.RFC3339))
	}
}

func cmdSweep() {
	hours := 24
	if len(os.Args) > 2 {
		if _, err := fmt.Sscanf(os.Args[2], "%d", &hours); err != nil || hours <= 0 {
			fmt.Fprintln(os.Stderr, "Usage: lens-admin sweep [hours]")
			os.Exit(1)
		}
	}

	store := openStore()
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	purged, err := store.PurgeIdempotencyKeys(ctx, time.Duration(hours)*time.Hour)
	if err != nil {
		fatal("sweep failed: %v", err)
	}
	fmt.Printf("Purged %d idempotency keys older than %dh.\n", purged, hours)
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func openStore() *database.Store {
	cfg, err := config.Load(os.Getenv("LENS_CONFIG"))
	if err != nil {
		fatal("config: %v", err)
	}
	if cfg.Database.URL == "" {
		fatal("DATABASE_URL is not set")
	}
	store, err := database.Open(cfg.Database)
	if err != nil {
		fatal("database: %v", err)
	}
	return store
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
