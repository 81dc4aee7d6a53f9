// Command bootstrap-admin seeds an administrator account in the datastore.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"lectern/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		email       string
		displayName string
		password    string
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (store.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&email, "email", "", "Email address for the admin account")
	flag.StringVar(&displayName, "name", "Administrator", "Display name for the admin account")
	flag.StringVar(&password, "password", "", "Password for the admin account")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(email) == "" {
		fatalf("--email is required")
	}
	if len(password) < 8 {
		fatalf("--password must be at least 8 characters")
	}
	if strings.TrimSpace(displayName) == "" {
		fatalf("--name cannot be empty")
	}

	repo, err := openRepository(jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if existing, ok := repo.FindUserByEmail(normalizedEmail); ok {
		if existing.HasRole("admin") {
			fmt.Printf("Admin user %s already exists, nothing to do.\n", existing.Email)
			return
		}
		fatalf("account %s exists without the admin role; remove it first or pick another email", existing.Email)
	}

	user, err := repo.CreateUser(storage.CreateUserParams{
		DisplayName: strings.TrimSpace(displayName),
		Email:       normalizedEmail,
		Roles:       []string{"admin"},
		Password:    password,
	})
	if err != nil {
		fatalf("create admin: %v", err)
	}

	fmt.Printf("Admin user %s (%s) created successfully.\n", user.Email, user.DisplayName)
	fmt.Println("Remember to rotate this password after the first login.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewStorage(jsonPath)
	}
	return storage.NewPostgresRepository(storage.PostgresConfig{DSN: postgresDSN, ApplicationName: "lectern-bootstrap-admin"})
}

func closeRepository(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = repo.Close(ctx)
}
