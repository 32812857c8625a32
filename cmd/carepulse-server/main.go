package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carepulse/carepulse/internal/config"
	"github.com/carepulse/carepulse/internal/platform/auth"
	"github.com/carepulse/carepulse/internal/platform/db"
	"github.com/carepulse/carepulse/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carepulse-server",
		Short: "CarePulse patient appointment API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(remindersCmd())
	rootCmd.AddCommand(passkeyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
			With().Timestamp().Str("service", "carepulse").Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "carepulse").Logger()
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the CarePulse API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closePool, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closePool, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

// openMigrator connects to DATABASE_URL and targets the DATABASE_ID schema.
func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, db.PoolOptions{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	fmt.Printf("Migrations target schema: %s\n", cfg.DatabaseID)
	return db.NewMigrator(pool, migrations.FS, cfg.DatabaseID), pool.Close, nil
}

func remindersCmd() *cobra.Command {
	var (
		window time.Duration
		spec   string
	)
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Text patients about scheduled appointments in the coming window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if window <= 0 {
				return errors.New("--window must be positive")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := openBackends(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()
			s, err := newServices(cfg, b, logger)
			if err != nil {
				return err
			}

			run := func() {
				from := time.Now()
				if _, err := s.appointments.SendReminders(ctx, from, from.Add(window)); err != nil {
					logger.Error().Err(err).Msg("reminder run failed")
				}
			}

			if spec == "" {
				from := time.Now()
				report, err := s.appointments.SendReminders(ctx, from, from.Add(window))
				if err != nil {
					return err
				}
				fmt.Printf("Reminders: %d due, %d sent, %d failed.\n", report.Due, report.Sent, report.Failed)
				return nil
			}

			c := cron.New(cron.WithLogger(cronLogger{logger}))
			if _, err := c.AddFunc(spec, run); err != nil {
				return fmt.Errorf("invalid --cron spec %q: %w", spec, err)
			}
			c.Start()
			logger.Info().Str("cron", spec).Dur("window", window).Msg("reminder scheduler started")

			<-ctx.Done()
			<-c.Stop().Done()
			logger.Info().Msg("reminder scheduler stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "How far ahead to look for scheduled appointments")
	cmd.Flags().StringVar(&spec, "cron", "", "Run on this cron schedule (e.g. \"0 8 * * *\") until interrupted")
	return cmd
}

// cronLogger routes cron's internal logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

func passkeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passkey",
		Short: "Manage the admin passkey",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash [passkey]",
		Short: "Print the bcrypt hash to set as ADMIN_PASSKEY_HASH",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passkey, err := readPasskey(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			hash, err := auth.HashPasskey(passkey)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})
	return cmd
}

// readPasskey takes the passkey from args or, when absent, the first line of
// in.
func readPasskey(args []string, in io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("passkey is required")
	}
	passkey := strings.TrimRight(line, "\r\n")
	if passkey == "" {
		return "", errors.New("passkey is required")
	}
	return passkey, nil
}
