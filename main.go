// Command applepop serves the sum-to-ten puzzle over HTTP.
//
//	applepop            same as "applepop serve"
//	applepop serve      run the HTTP server
//	applepop migrate    apply database migrations and exit
package main

import (
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/robalobadob/applepop/assets"
	"github.com/robalobadob/applepop/internal/config"
	"github.com/robalobadob/applepop/internal/database"
	"github.com/robalobadob/applepop/internal/httpserver"
	"github.com/robalobadob/applepop/internal/store"
)

var (
	configPath string
	addr       string
)

var rootCmd = &cobra.Command{
	Use:           "applepop",
	Short:         "Sum-to-ten puzzle game server",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		log.Info().Str("db", cfg.Server.DBPath).Msg("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("APPLEPOP_CONFIG"), "settings YAML file (defaults are embedded)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "listen address, overrides settings and PORT")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	_ = godotenv.Load()
	if lvl, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("applepop exited")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := httpserver.New(store.NewMemoryStore(), db, cfg)
	log.Info().Str("addr", cfg.Server.Addr).Msg("starting applepop")
	return srv.Start(ctx, cfg.Server.Addr)
}

// loadConfig reads settings, applies env overrides and the --addr flag.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openDB opens the SQLite file and brings the schema up to date.
func openDB(cfg config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.Server.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(db, assets.Migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
