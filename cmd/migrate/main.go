package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"condohub.io/internal/audit"
	"condohub.io/internal/auth"
	"condohub.io/internal/catalog"
	"condohub.io/internal/config"
	"condohub.io/internal/migrate"
	"condohub.io/internal/obs"
	"condohub.io/internal/store/pg"
)

const usage = `usage: migrate [flags] <command>

commands:
  up                 apply pending migrations
  down               roll back the latest migration
  status             list migrations and when they were applied
  catalog            upsert the built-in module/capability catalog
  promote <email>    grant super-admin to an existing user
  demote <email>     revoke super-admin from a user
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		obs.Logger().Error("migrate: failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage); fs.PrintDefaults() }
	var (
		envFile = fs.String("env-file", ".env", "optional .env file")
		dsn     = fs.String("dsn", "", "PostgreSQL DSN (defaults to CONDOHUB_PG_DSN)")
		table   = fs.String("table", "", "migration bookkeeping table")
		timeout = fs.Duration("timeout", 30*time.Second, "overall command timeout")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	if _, err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	if *dsn == "" {
		*dsn = os.Getenv("CONDOHUB_PG_DSN")
	}
	if *dsn == "" {
		return errors.New("missing DSN: provide via --dsn or CONDOHUB_PG_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrate.WithMigrationsTable(*table))
	cmd := fs.Arg(0)
	switch cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		for _, name := range applied {
			fmt.Fprintf(out, "applied %s\n", name)
		}
		if err == nil && len(applied) == 0 {
			fmt.Fprintln(out, "nothing to apply")
		}
		return err
	case "down":
		name, err := mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Fprintln(out, "nothing to roll back")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "rolled back %s\n", name)
		return nil
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(out, history)
		return nil
	case "catalog":
		if err := catalog.Sync(ctx, store.Catalog()); err != nil {
			return err
		}
		fmt.Fprintln(out, "catalog synced")
		return nil
	case "promote", "demote":
		if fs.NArg() < 2 {
			return fmt.Errorf("%s requires an email", cmd)
		}
		return setSuperAdmin(ctx, out, store.Users(), fs.Arg(1), cmd == "promote")
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// setSuperAdmin is the only path that changes the super-admin flag; neither
// transport exposes it.
func setSuperAdmin(ctx context.Context, out io.Writer, users auth.UserStore, email string, on bool) error {
	email = strings.TrimSpace(email)
	u, err := users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return fmt.Errorf("no user with email %q", email)
		}
		return err
	}
	if err := users.SetSuperAdmin(ctx, u.ID, on); err != nil {
		return err
	}
	if err := auditSuperAdmin(ctx, u, on); err != nil {
		obs.Logger().WarnContext(ctx, "migrate: audit log failed", "error", err)
	}
	state := "revoked from"
	if on {
		state = "granted to"
	}
	fmt.Fprintf(out, "super-admin %s %s (%s)\n", state, u.Email, u.ID)
	return nil
}

func auditSuperAdmin(ctx context.Context, u auth.User, on bool) error {
	event := "users.super_admin.revoke"
	if on {
		event = "users.super_admin.grant"
	}
	return audit.LogEvent(ctx, event, map[string]any{"user_id": u.ID, "email": u.Email, "actor": "operator-cli"})
}

func printStatus(out io.Writer, history []migrate.Status) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MIGRATION\tAPPLIED AT")
	for _, s := range history {
		applied := "pending"
		if s.AppliedAt != nil {
			applied = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\n", s.Name, applied)
	}
	_ = tw.Flush()
}
