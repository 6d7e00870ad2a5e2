// seed creates the schema and inserts a handful of test users into the
// local dev database.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/teamz88/farmon-be/internal/infrastructure/postgres"
)

// One statement per entry: pgx's extended protocol rejects multi-statement
// strings.
var schema = []string{`
CREATE TABLE IF NOT EXISTS users (
	id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	email        TEXT NOT NULL UNIQUE,
	first_name   TEXT NOT NULL DEFAULT '',
	last_name    TEXT NOT NULL DEFAULT '',
	company_name TEXT,
	phone_number TEXT,
	title        TEXT,
	position     TEXT,
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, `
CREATE TABLE IF NOT EXISTS magic_credentials (
	id                 UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id            UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	email              TEXT NOT NULL,
	first_name         TEXT NOT NULL DEFAULT '',
	last_name          TEXT NOT NULL DEFAULT '',
	company_name       TEXT,
	phone_number       TEXT,
	title              TEXT,
	position           TEXT,
	token              TEXT NOT NULL,
	link               TEXT NOT NULL,
	generated_username TEXT NOT NULL DEFAULT '',
	expires_at         TIMESTAMPTZ NOT NULL,
	is_active          BOOLEAN NOT NULL DEFAULT TRUE,
	account_created    BOOLEAN NOT NULL DEFAULT FALSE,
	webhook_status     TEXT NOT NULL DEFAULT 'pending',
	webhook_attempts   INTEGER NOT NULL DEFAULT 0,
	last_webhook_error TEXT,
	webhook_sent_at    TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT magic_credentials_user_id_key UNIQUE (user_id),
	CONSTRAINT magic_credentials_token_key UNIQUE (token)
)`, `
CREATE INDEX IF NOT EXISTS idx_magic_credentials_webhook_status
	ON magic_credentials (webhook_status)`,
}

type userSpec struct {
	email     string
	firstName string
	lastName  string
	company   string
	active    bool
}

var users = []userSpec{
	{"ainura@seed.local", "Ainura", "Bekova", "Seed Farms", true},
	{"daniel@seed.local", "Daniel", "O'Connor", "Seed Farms", true},
	{"maria.jose@seed.local", "María José", "García", "Agro Test", true},
	{"no.name@seed.local", "", "", "", true},
	{"inactive@seed.local", "Ada", "Dormant", "Agro Test", false},
}

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set — run: direnv allow")
	}

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			log.Fatalf("create schema: %v", err)
		}
	}

	var inserted, skipped int
	for _, spec := range users {
		tag, err := pool.Exec(ctx, `
			INSERT INTO users (email, first_name, last_name, company_name, is_active)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5)
			ON CONFLICT (email) DO NOTHING`,
			spec.email, spec.firstName, spec.lastName, spec.company, spec.active,
		)
		if err != nil {
			log.Fatalf("insert user %s: %v", spec.email, err)
		}
		if tag.RowsAffected() == 0 {
			skipped++
		} else {
			inserted++
		}
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Users created: %d  (skipped %d already existing)\n", inserted, skipped)
	fmt.Println()
	fmt.Println("How to test:")
	fmt.Println()
	fmt.Println("  Step 1 — issue a magic link:")
	fmt.Println()
	fmt.Printf("    curl -s -X POST http://localhost:8080/auth/magic-link \\\n")
	fmt.Printf("      -H 'Content-Type: application/json' \\\n")
	fmt.Printf("      -d '{\"email\":\"%s\"}'\n", users[0].email)
	fmt.Println()
	fmt.Println("  Step 2 — consume it for a session JWT:")
	fmt.Println()
	fmt.Println("    curl -s -X POST http://localhost:8080/auth/magic-link/consume \\")
	fmt.Println("      -H 'Content-Type: application/json' \\")
	fmt.Println("      -d '{\"token\":\"TOKEN_FROM_THE_LINK\"}'")
	fmt.Println()
	fmt.Println("  Step 3 — check stats:")
	fmt.Println()
	fmt.Println("    export JWT=eyJ...")
	fmt.Println("    curl -s http://localhost:8080/stats -H \"Authorization: Bearer $JWT\"")
	fmt.Println()
	fmt.Println("  Or run the whole population at once:")
	fmt.Println()
	fmt.Println("    go run ./cmd/magiclink reconcile -dry-run")
}
