package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"accesscore.org/internal/auth"
	"accesscore.org/internal/ids"
	"accesscore.org/internal/migrate"
	"accesscore.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("ACCESSCORE_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "migrations/sql", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "migrations/seeds", "Path to SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or ACCESSCORE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|create-admin]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, *migrationsPath, *seedsPath)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "create-admin":
		err = createAdmin(ctx, db)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// createAdmin provisions the initial administrator account. The password
// comes from ACCESSCORE_ADMIN_PASSWORD so no credential ever lands in a
// seed file; the command is a no-op when the username already exists.
func createAdmin(ctx context.Context, db *sql.DB) error {
	username := os.Getenv("ACCESSCORE_ADMIN_USERNAME")
	if username == "" {
		username = "admin"
	}
	password := os.Getenv("ACCESSCORE_ADMIN_PASSWORD")
	if password == "" {
		return errors.New("ACCESSCORE_ADMIN_PASSWORD is required")
	}
	if violations := auth.DefaultPasswordPolicy().Validate(password); len(violations) > 0 {
		return fmt.Errorf("weak admin password: %v", violations)
	}

	store := pg.New(db)
	if _, err := store.Users(ctx).FindByUsername(ctx, username); err == nil {
		log.Printf("user %q already exists, nothing to do", username)
		return nil
	} else if !errors.Is(err, auth.ErrNotFound) {
		return err
	}

	var adminRoleID string
	roles, err := store.Roles(ctx).List(ctx)
	if err != nil {
		return err
	}
	for _, r := range roles {
		if r.Name == "Administrator" {
			adminRoleID = r.ID
			break
		}
	}
	if adminRoleID == "" {
		return errors.New("Administrator role missing: run `migrate seed` first")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	user := &auth.User{
		ID:           ids.New(),
		Username:     username,
		PasswordHash: hash,
		FullName:     "Administrator",
		IsActive:     true,
	}
	if err := store.Users(ctx).Create(ctx, user, []string{adminRoleID}); err != nil {
		return err
	}
	log.Printf("created administrator %q (%s)", username, user.ID)
	return nil
}
