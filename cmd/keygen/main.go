// Command keygen creates a project API key.
//
// The key is printed once together with its SHA-256 hash; only the hash is
// stored. With -register the hash is written to the ledger database named by
// DB_DRIVER / DB_DSN (or config.yaml).
//
//	go run ./cmd/keygen -project my-project -register
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nulpointcorp/llm-ledger/internal/auth"
	"github.com/nulpointcorp/llm-ledger/internal/config"
	"github.com/nulpointcorp/llm-ledger/internal/storage"
	"github.com/nulpointcorp/llm-ledger/internal/storage/sqldb"
)

func main() {
	project := flag.String("project", "", "project ID the key belongs to (required)")
	description := flag.String("description", "", "free-form note stored with the key")
	register := flag.Bool("register", false, "store the key hash in the ledger database")
	flag.Parse()

	if *project == "" {
		fmt.Fprintln(os.Stderr, "Usage: keygen -project <id> [-description <text>] [-register]")
		os.Exit(2)
	}

	if err := run(*project, *description, *register); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
}

func run(project, description string, register bool) error {
	key, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	hash := auth.HashAPIKey(key)

	fmt.Printf("Project:      %s\n", project)
	fmt.Printf("API Key:      %s\n", key)
	fmt.Printf("SHA-256 Hash: %s\n", hash)

	if !register {
		fmt.Println("\nThe key was not stored. Re-run with -register, or insert the hash into api_keys.")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := sqldb.New(sqldb.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = store.CreateAPIKey(ctx, storage.APIKey{
		KeyHash:     hash,
		ProjectID:   project,
		Description: description,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return err
	}
	fmt.Printf("\nStored in %s database. Keep the key; it cannot be recovered.\n", cfg.Database.Driver)
	return nil
}
