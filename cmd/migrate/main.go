package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tullo/livecore/config"
	"github.com/tullo/livecore/internal/database"
	"github.com/tullo/livecore/internal/logger"
)

var db *sql.DB

// rootCmd opens the database for every subcommand and closes it afterwards.
var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage the livecore database schema.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger.Init(logger.Config{Level: cfg.Log.Level, Pretty: true, Service: "migrate"})

		db, err = database.Open(cfg.GetDSN())
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if db != nil {
			return db.Close()
		}
		return nil
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.RunMigrations(db); err != nil {
			return err
		}
		version, err := database.CurrentVersion(db)
		if err != nil {
			return err
		}
		logger.L().Info().Int("version", version).Msg("migrations completed")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := database.RollbackLast(db)
		if err != nil {
			return err
		}
		if version == 0 {
			logger.L().Info().Msg("nothing to roll back")
			return nil
		}
		logger.L().Info().Int("version", version).Msg("rolled back migration")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		applied, err := database.Applied(db)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(applied) == 0 {
			fmt.Fprintln(out, "No migrations applied")
			return nil
		}
		fmt.Fprintln(out, "Applied Migrations:")
		fmt.Fprintln(out, "-------------------")
		for _, m := range applied {
			fmt.Fprintf(out, "Version %d - Applied at: %s\n", m.Version, m.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
