package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"condohub.io/internal/audit"
	"condohub.io/internal/auth"
	"condohub.io/internal/catalog"
	"condohub.io/internal/config"
	"condohub.io/internal/grpcapi"
	"condohub.io/internal/housekeeping"
	"condohub.io/internal/httpapi"
	"condohub.io/internal/migrate"
	"condohub.io/internal/obs"
	"condohub.io/internal/store/memory"
	"condohub.io/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		obs.Logger().Error("condohub-api: exit", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("condohub-api", pflag.ContinueOnError)
	var (
		envFile     = fs.String("env-file", ".env", "optional .env file loaded before reading CONDOHUB_* variables")
		httpAddr    = fs.String("http-addr", "", "HTTP listen address (overrides CONDOHUB_HTTP_ADDR)")
		grpcAddr    = fs.String("grpc-addr", "", "gRPC listen address (overrides CONDOHUB_GRPC_ADDR)")
		autoMigrate = fs.Bool("migrate", false, "apply pending migrations before serving")
		showVersion = fs.BoolP("version", "v", false, "print version and exit")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("condohub-api %s (%s)\n", version, commit)
		return nil
	}

	obs.Setup()
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	if loaded, err := config.LoadDotEnv(*envFile); err != nil {
		return err
	} else if loaded {
		log.Info("config: loaded env file", "path", *envFile)
	}
	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.GRPCAddr = *grpcAddr
	}

	flush, err := obs.InitSentry(cfg.SentryDSN, cfg.Environment, version)
	if err != nil {
		return fmt.Errorf("sentry: %w", err)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, ready, closeStore, err := openStore(ctx, cfg, *autoMigrate)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := catalog.Sync(ctx, store.Catalog()); err != nil {
		return fmt.Errorf("catalog sync: %w", err)
	}

	tokens, err := newTokenIssuer(store.Credentials(), cfg.Tokens)
	if err != nil {
		return err
	}
	hasher, err := newPasswordHasher(cfg.Passwords)
	if err != nil {
		return err
	}

	writer := audit.NewWriter(store.Events(), audit.WithQueueSize(cfg.Audit.QueueSize))
	pools := auth.NewPoolResolver(store.Pools())
	scopes := auth.NewScopeResolver(store.Users(), store.Grants(), pools, store.Catalog())
	enforcer := auth.NewEnforcer(auth.NewVerifier(tokens, store.Users()), scopes)
	sessions := auth.NewSessions(store.Users(), tokens, writer, auth.WithPasswordHasher(hasher))
	admin := auth.NewAdmin(store, tokens, hasher)

	sweeper, err := housekeeping.NewSweeper(store.Credentials(), cfg.Sweep.Schedule, cfg.Sweep.Retention)
	if err != nil {
		return err
	}

	api := httpapi.New(httpapi.Deps{
		Enforcer:      enforcer,
		Sessions:      sessions,
		Admin:         admin,
		Scopes:        scopes,
		Ready:         ready,
		Version:       version,
		RatePerSecond: cfg.RateLimit.PerSecond,
		RateBurst:     cfg.RateLimit.Burst,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rpc := grpcapi.NewServer(grpcapi.Deps{
		Enforcer: enforcer,
		Sessions: sessions,
		Admin:    admin,
		Scopes:   scopes,
		Ready:    ready,
		Version:  version,
	})
	grpcSrv := grpcapi.NewGRPCServer(rpc)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}

	sweeper.Start()

	errc := make(chan error, 2)
	go func() {
		log.Info("http: listening", "addr", cfg.HTTPAddr, "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info("grpc: listening", "addr", cfg.GRPCAddr, "version", version)
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errc:
		log.Error("server failed, shutting down", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http: shutdown", "error", err)
	}
	stopGRPC(shutdownCtx, grpcSrv)
	if err := sweeper.Stop(shutdownCtx); err != nil {
		log.Warn("housekeeping: stop", "error", err)
	}
	if err := writer.Close(shutdownCtx); err != nil {
		log.Warn("audit: close writer", "error", err)
	}
	log.Info("stopped")
	return serveErr
}

// openStore connects to PostgreSQL when a DSN is configured and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, autoMigrate bool) (auth.Store, pinger, func(), error) {
	log := obs.Logger()
	if cfg.PGDSN == "" {
		log.Warn("store: CONDOHUB_PG_DSN not set, using in-memory store")
		return memory.New(), nil, func() {}, nil
	}
	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			log.Warn("store: close", "error", err)
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		closeStore()
		return nil, nil, nil, fmt.Errorf("store: ping: %w", err)
	}
	if autoMigrate {
		applied, err := migrate.NewManager(store.DB()).Up(ctx)
		if err != nil {
			closeStore()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrate: up", "applied", applied)
	}
	return store, store, closeStore, nil
}

// pinger reports whether the backing store is reachable.
type pinger interface {
	Ping(ctx context.Context) error
}

func newTokenIssuer(creds auth.CredentialStore, cfg config.TokenConfig) (*auth.TokenIssuer, error) {
	opts := []auth.IssuerOption{
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	}
	if cfg.PrivateKeyPEM != "" {
		opts = append(opts, auth.WithRS256Keys(cfg.PrivateKeyPEM, cfg.PublicKeyPEM))
		if cfg.KeyID != "" {
			opts = append(opts, auth.WithKeyID(cfg.KeyID))
		}
	} else {
		opts = append(opts, auth.WithHMACSecret(cfg.Secret))
	}
	tokens, err := auth.NewTokenIssuer(creds, opts...)
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}
	return tokens, nil
}

func newPasswordHasher(cfg config.PasswordConfig) (auth.PasswordHasher, error) {
	switch cfg.Hasher {
	case "", "bcrypt":
		return auth.BcryptHasher{Cost: cfg.BcryptCost}, nil
	case "argon2id":
		return auth.DefaultArgon2, nil
	default:
		return nil, fmt.Errorf("unsupported password hasher %q", cfg.Hasher)
	}
}

// stopGRPC drains in-flight calls until ctx expires, then forces the stop.
func stopGRPC(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
		<-done
	}
}
