package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sparkle-im/sparkle/internal/api"
	"github.com/sparkle-im/sparkle/internal/config"
	"github.com/sparkle-im/sparkle/internal/database"
	"github.com/sparkle-im/sparkle/internal/relay"
	"github.com/sparkle-im/sparkle/internal/stats"
)

const defaultSigningKey = "Qm8yoHnhWNIzkF05yHCNBAzv0SpBO5KmGVkBVfB1wQw="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	uploadDir      string
	migrationsDir  string
	runMigrations  bool
	allowedOrigins stringSliceFlag
	stunServers    stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.StringVar(&uploadDir, "upload-dir", "uploads", "directory for uploaded media")
	flag.StringVar(&migrationsDir, "migrations-dir", "db/migrations", "directory containing schema migrations")
	flag.BoolVar(&runMigrations, "migrate", false, "run schema migrations on startup")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Var(&stunServers, "stun-servers", "comma-separated list of STUN server urls for call negotiation")
	flag.Parse()

	logger := log.New(os.Stderr, "[sparkle] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins, stunServers, uploadDir)
	if err != nil {
		logger.Fatal("config:", err)
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		logger.Fatal("create upload dir:", err)
	}

	dbConn, err := database.NewPgSparkleRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if runMigrations {
		logger.Println("running schema migrations")
		if err := dbConn.Migrate(migrationsDir); err != nil {
			logger.Fatal("migrate:", err)
		}
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	rl, err := relay.NewRelay(logger, dbConn, statsUpdater)
	if err != nil {
		logger.Fatal("new relay:", err)
	}

	srv, err := api.NewSparkleApp(mux, logger, rl, dbConn, cfg)
	if err != nil {
		logger.Fatal("new app:", err)
	}

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go rl.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down relay...")
	if err := rl.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("relay shutdown:", err)
	}

	logger.Println("shutdown complete")
}
