package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/pflag"

	"github.com/mfujita/repcheck/internal/config"
	"github.com/mfujita/repcheck/internal/server"
)

func main() {
	defaults := config.DefaultServer()

	flags := pflag.NewFlagSet("repcheckd", pflag.ExitOnError)
	configPath := flags.String("config", "", "Path to a YAML config file")
	flags.String("listen-addr", defaults.ListenAddr, "Address to listen on")
	flags.String("db-path", defaults.DBPath, "Path to the SQLite database")
	flags.String("jwt-secret", "", "Secret for signing access tokens (min 32 bytes)")
	flags.Int("bcrypt-cost", defaults.BcryptCost, "Bcrypt cost for password hashing")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := config.LoadServer(*configPath, flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := server.OpenStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	tokens := server.NewTokenManager(cfg.JWTSecret, cfg.Issuer, cfg.AccessTTL, cfg.RefreshTTL)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.NewServer(store, tokens, cfg.BcryptCost),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	slog.Info("Listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
