package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/pauline2k/weave-bot-orb/internal/store/pg"
	"github.com/pauline2k/weave-bot-orb/internal/upgrade"
)

var migrationsDir string

// errSchemaNotReady reports a schema the relay would refuse to start on.
var errSchemaNotReady = errors.New("schema does not match this binary")

// resolveMigrationsDir picks, in order: --migrations-dir, WEAVEBOT_MIGRATIONS_DIR,
// ./migrations when present, then migrations/ next to the executable.
func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("WEAVEBOT_MIGRATIONS_DIR"); v != "" {
		return v
	}
	if st, err := os.Stat("migrations"); err == nil && st.IsDir() {
		return "migrations"
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// resolveDSN returns the Postgres DSN for golang-migrate, which only accepts URL form.
func resolveDSN() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	dsn := strings.TrimSpace(cfg.Database.PostgresDSN)
	if dsn == "" {
		return "", errors.New("WEAVEBOT_POSTGRES_DSN environment variable is not set")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return "", errors.New("WEAVEBOT_POSTGRES_DSN must be a postgres:// URL for migrations")
	}
	return dsn, nil
}

// withMigrator resolves the DSN and migrations source, runs fn, and closes both sides.
func withMigrator(fn func(m *migrate.Migrate, dsn string) error) error {
	dsn, err := resolveDSN()
	if err != nil {
		return err
	}
	dir := resolveMigrationsDir()
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return fmt.Errorf("open migrations in %s: %w", dir, err)
	}
	defer m.Close()
	return fn(m, dsn)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres parse_requests schema",
		Long:  "Applies the SQL files under migrations/ to WEAVEBOT_POSTGRES_DSN. Only the postgres driver needs this; sqlite creates its table on open.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")

	cmd.AddCommand(migrateStepCmd("up", "Apply pending migrations (default: all)", 1))
	cmd.AddCommand(migrateStepCmd("down", "Roll back migrations (default: 1 step)", -1))
	cmd.AddCommand(migrateStatusCmd())
	cmd.AddCommand(migrateForceCmd())
	return cmd
}

// migrateStepCmd builds `up` (direction 1) and `down` (direction -1).
// up with no --steps applies everything; down defaults to one step.
func migrateStepCmd(use, short string, direction int) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate, dsn string) error {
				var err error
				switch {
				case direction > 0 && steps <= 0:
					err = m.Up()
				case direction < 0 && steps <= 0:
					err = m.Steps(-1)
				default:
					err = m.Steps(direction * steps)
				}
				if err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate %s: %w", use, err)
				}
				v, dirty, _ := m.Version()
				slog.Info("migrate "+use+" complete", "version", v, "dirty", dirty, "changed", err == nil)
				gateErr := printSchemaGate(cmd.Context(), cmd.OutOrStdout(), dsn)
				if direction < 0 && errors.Is(gateErr, errSchemaNotReady) {
					// Rolling back leaves the schema behind this binary on purpose.
					return nil
				}
				return gateErr
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "number of migrations to apply")
	return cmd
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"version"},
		Short:   "Show the schema version and whether the relay will accept it",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := resolveDSN()
			if err != nil {
				return err
			}
			return printSchemaGate(cmd.Context(), cmd.OutOrStdout(), dsn)
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Mark a version as applied and clear the dirty flag (no SQL runs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil || version < 0 {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return withMigrator(func(m *migrate.Migrate, dsn string) error {
				if err := m.Force(version); err != nil {
					return fmt.Errorf("force version %d: %w", version, err)
				}
				slog.Info("forced schema version", "version", version)
				return printSchemaGate(cmd.Context(), cmd.OutOrStdout(), dsn)
			})
		},
	}
}

// printSchemaGate runs the same check pg.Open applies at relay startup and reports it.
func printSchemaGate(ctx context.Context, w io.Writer, dsn string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := pg.OpenDB(dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	return reportSchema(w, s)
}

// reportSchema prints s and returns errSchemaNotReady when the relay would refuse it.
func reportSchema(w io.Writer, s *upgrade.SchemaStatus) error {
	fmt.Fprintf(w, "  Schema current:  v%d\n", s.CurrentVersion)
	fmt.Fprintf(w, "  Schema required: v%d\n", s.RequiredVersion)
	if s.Err() == nil {
		fmt.Fprintln(w, "  Status:          OK (relay will start)")
		return nil
	}
	fmt.Fprintln(w, "  Status:          NOT READY")
	fmt.Fprintln(w)
	fmt.Fprint(w, upgrade.FormatError(s))
	return fmt.Errorf("%w: %w", errSchemaNotReady, s.Err())
}
