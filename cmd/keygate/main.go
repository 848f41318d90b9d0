// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zstok/keygate/internal/api"
	"github.com/zstok/keygate/internal/auth"
	"github.com/zstok/keygate/internal/config"
	"github.com/zstok/keygate/internal/database"
	"github.com/zstok/keygate/internal/metrics"
	"github.com/zstok/keygate/internal/models"
	"github.com/zstok/keygate/internal/services"
	"github.com/zstok/keygate/internal/sign"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "keygate",
		Short: "License issuing and activation server",
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(versionCommand())
	rootCmd.AddCommand(generateConfigCommand())
	rootCmd.AddCommand(createAdminCommand())
	rootCmd.AddCommand(changePasswordCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var configDir string
	var dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the license server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configDir, dataDir)
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "", "Directory containing config.toml")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the database and signing keys")

	return cmd
}

func runServer(configDir, dataDir string) error {
	cfg, err := config.New(configDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}
	cfg.ApplyLogConfig()

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Msg("Starting keygate")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	signer, err := sign.LoadOrCreate(cfg.GetKeysDir())
	if err != nil {
		return fmt.Errorf("failed to load signing keypair: %w", err)
	}

	conn := db.Conn()
	licenseStore := models.NewLicenseStore(conn)
	customerStore := models.NewCustomerStore(conn)
	activationStore := models.NewActivationStore(conn)
	userStore := models.NewUserStore(conn)
	apiKeyStore := models.NewAPIKeyStore(conn)

	licenseService, err := services.NewLicenseService(
		licenseStore, customerStore, activationStore, signer, cfg.Config.TrialSalt)
	if err != nil {
		return err
	}
	trialService := services.NewTrialService(activationStore, cfg.Config.TrialSalt)
	statsService := services.NewStatsService(conn)

	secureCookies := strings.HasPrefix(cfg.Config.BaseURL, "https://")
	authService := auth.NewService(userStore, apiKeyStore, cfg.Config.SessionSecret, secureCookies)

	var metricsManager *metrics.Manager
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewManager(statsService)
	}

	router := api.NewRouter(api.Dependencies{
		Config:          cfg,
		DB:              db,
		AuthService:     authService,
		LicenseService:  licenseService,
		TrialService:    trialService,
		StatsService:    statsService,
		Signer:          signer,
		LicenseStore:    licenseStore,
		CustomerStore:   customerStore,
		ActivationStore: activationStore,
		MetricsManager:  metricsManager,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Config.Host, cfg.Config.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keygate %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}

func generateConfigCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Write a default config file with fresh secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := configDir
			if dir == "" {
				dir = config.GetDefaultConfigDir()
			}
			configPath := filepath.Join(dir, "config.toml")

			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config file already exists at %s", configPath)
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return err
			}

			fmt.Printf("Config file generated at %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "", "Directory to write config.toml into")

	return cmd
}

func createAdminCommand() *cobra.Command {
	var configDir string
	var username string

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create the admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			authService, db, err := openAuth(configDir)
			if err != nil {
				return err
			}
			defer db.Close()

			if username == "" {
				return errors.New("--username is required")
			}

			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			if len(password) < 8 {
				return errors.New("password must be at least 8 characters")
			}

			if _, err := authService.SetupAdmin(cmd.Context(), username, password); err != nil {
				return err
			}

			fmt.Printf("Admin account %q created\n", username)
			return nil
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "", "Directory containing config.toml")
	cmd.Flags().StringVar(&username, "username", "", "Admin username")

	return cmd
}

func changePasswordCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "change-password",
		Short: "Reset the admin password",
		RunE: func(cmd *cobra.Command, args []string) error {
			authService, db, err := openAuth(configDir)
			if err != nil {
				return err
			}
			defer db.Close()

			password, err := readPassword("New password: ")
			if err != nil {
				return err
			}
			if len(password) < 8 {
				return errors.New("password must be at least 8 characters")
			}

			if err := authService.SetPassword(cmd.Context(), password); err != nil {
				return err
			}

			fmt.Println("Password updated")
			return nil
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "", "Directory containing config.toml")

	return cmd
}

func openAuth(configDir string) (*auth.Service, *database.DB, error) {
	cfg, err := config.New(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyLogConfig()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn := db.Conn()
	authService := auth.NewService(
		models.NewUserStore(conn),
		models.NewAPIKeyStore(conn),
		cfg.Config.SessionSecret,
		false,
	)

	return authService, db, nil
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(raw), nil
}
