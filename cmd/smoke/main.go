package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"condohub.io/internal/auth"
	"condohub.io/internal/grpcapi"
	"condohub.io/internal/obs"
)

// smoke logs in over gRPC, exercises refresh rotation and introspection, and
// fails loudly if any step misbehaves.
func main() {
	fs := pflag.NewFlagSet("smoke", pflag.ExitOnError)
	var (
		addr     = fs.String("addr", envOr("CONDOHUB_GRPC_TARGET", "localhost:9090"), "gRPC target")
		email    = fs.String("email", os.Getenv("CONDOHUB_SMOKE_EMAIL"), "login email")
		password = fs.String("password", os.Getenv("CONDOHUB_SMOKE_PASSWORD"), "login password")
		timeout  = fs.Duration("timeout", 10*time.Second, "overall timeout")
	)
	_ = fs.Parse(os.Args[1:])

	if err := run(*addr, *email, *password, *timeout); err != nil {
		obs.Logger().Error("smoke: failed", "target", *addr, "error", err)
		os.Exit(1)
	}
}

func run(addr, email, password string, timeout time.Duration) error {
	if email == "" || password == "" {
		return errors.New("email and password are required")
	}
	client, err := grpcapi.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	ctx, cancel := grpcapi.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	session, err := client.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	authed := grpcapi.WithBearer(ctx, session.Tokens.AccessToken)

	profile, err := client.Me(authed)
	if err != nil {
		return fmt.Errorf("me: %w", err)
	}
	if profile.User.ID != session.User.ID {
		return fmt.Errorf("me returned %s, logged in as %s", profile.User.ID, session.User.ID)
	}

	rotated, err := client.Refresh(ctx, session.Tokens.RefreshToken)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if _, err := client.Refresh(ctx, session.Tokens.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		return fmt.Errorf("replayed refresh token was accepted: %v", err)
	}
	if err := client.Logout(grpcapi.WithBearer(ctx, rotated.Tokens.AccessToken), rotated.Tokens.RefreshToken); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	fmt.Printf("smoke test passed: user=%s modules=%d grants=%d\n", profile.User.ID, len(profile.Modules), len(profile.Grants))
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
