package database

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/tullo/livecore/internal/logger"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      string
	Down    string
}

// Migrations contains all database migrations
var Migrations = []Migration{
	{
		Version: 1,
		Up: `
			CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

			CREATE TABLE IF NOT EXISTS users (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				email VARCHAR(255) UNIQUE NOT NULL,
				display_name VARCHAR(255) NOT NULL,
				avatar_url TEXT,
				password_hash VARCHAR(255) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
		`,
		Down: `
			DROP TABLE IF EXISTS users;
		`,
	},
	{
		Version: 2,
		Up: `
			ALTER TABLE users
				ADD COLUMN IF NOT EXISTS coin_balance BIGINT NOT NULL DEFAULT 0 CHECK (coin_balance >= 0),
				ADD COLUMN IF NOT EXISTS diamond_balance BIGINT NOT NULL DEFAULT 0 CHECK (diamond_balance >= 0),
				ADD COLUMN IF NOT EXISTS gifts_received BIGINT NOT NULL DEFAULT 0,
				ADD COLUMN IF NOT EXISTS diamonds_earned_total BIGINT NOT NULL DEFAULT 0;
		`,
		Down: `
			ALTER TABLE users
				DROP COLUMN IF EXISTS coin_balance,
				DROP COLUMN IF EXISTS diamond_balance,
				DROP COLUMN IF EXISTS gifts_received,
				DROP COLUMN IF EXISTS diamonds_earned_total;
		`,
	},
	{
		Version: 3,
		Up: `
			CREATE TABLE IF NOT EXISTS streams (
				id UUID PRIMARY KEY,
				broadcaster_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				title VARCHAR(140) NOT NULL,
				category VARCHAR(64),
				status VARCHAR(16) NOT NULL CHECK (status IN ('scheduled', 'live', 'ended')),
				viewer_count INT NOT NULL DEFAULT 0,
				peak_viewers INT NOT NULL DEFAULT 0,
				gift_count BIGINT NOT NULL DEFAULT 0,
				gift_coins BIGINT NOT NULL DEFAULT 0,
				last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				scheduled_for TIMESTAMPTZ,
				started_at TIMESTAMPTZ,
				ended_at TIMESTAMPTZ,
				end_reason VARCHAR(16),
				duration_seconds BIGINT NOT NULL DEFAULT 0,
				banned BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_streams_one_live_per_broadcaster
				ON streams(broadcaster_id) WHERE status = 'live';
			CREATE INDEX IF NOT EXISTS idx_streams_status ON streams(status);
		`,
		Down: `
			DROP TABLE IF EXISTS streams;
		`,
	},
	{
		Version: 4,
		Up: `
			CREATE TABLE IF NOT EXISTS gift_catalog (
				type VARCHAR(64) PRIMARY KEY,
				name VARCHAR(128) NOT NULL,
				cost BIGINT NOT NULL CHECK (cost > 0),
				payout BIGINT NOT NULL CHECK (payout >= 0),
				icon_url TEXT NOT NULL DEFAULT ''
			);

			INSERT INTO gift_catalog (type, name, cost, payout) VALUES
				('rose', 'Rose', 1, 1),
				('heart', 'Heart', 10, 8),
				('star', 'Star', 50, 40),
				('rocket', 'Rocket', 500, 400),
				('castle', 'Castle', 5000, 4000)
			ON CONFLICT (type) DO NOTHING;

			CREATE TABLE IF NOT EXISTS gift_transactions (
				id UUID PRIMARY KEY,
				sender_id UUID NOT NULL REFERENCES users(id),
				recipient_id UUID NOT NULL REFERENCES users(id),
				stream_id UUID NOT NULL REFERENCES streams(id),
				gift_type VARCHAR(64) NOT NULL REFERENCES gift_catalog(type),
				cost BIGINT NOT NULL,
				payout BIGINT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_gift_transactions_stream ON gift_transactions(stream_id);
			CREATE INDEX IF NOT EXISTS idx_gift_transactions_sender ON gift_transactions(sender_id, created_at DESC);
		`,
		Down: `
			DROP TABLE IF EXISTS gift_transactions;
			DROP TABLE IF EXISTS gift_catalog;
		`,
	},
	{
		Version: 5,
		Up: `
			CREATE TABLE IF NOT EXISTS stream_moderators (
				broadcaster_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (broadcaster_id, user_id)
			);

			CREATE TABLE IF NOT EXISTS moderation_logs (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				stream_id UUID NOT NULL,
				message_id VARCHAR(32),
				action VARCHAR(50) NOT NULL,
				moderator_id UUID,
				target_user_id UUID,
				reason TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_moderation_logs_stream ON moderation_logs(stream_id);
			CREATE INDEX IF NOT EXISTS idx_moderation_logs_target ON moderation_logs(target_user_id);
		`,
		Down: `
			DROP TABLE IF EXISTS moderation_logs;
			DROP TABLE IF EXISTS stream_moderators;
		`,
	},
}

func sortedMigrations() []Migration {
	sorted := make([]Migration, len(Migrations))
	copy(sorted, Migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return sorted
}

// RunMigrations applies every pending migration in ascending version order.
func RunMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}

	currentVersion, err := CurrentVersion(db)
	if err != nil {
		return err
	}

	log := logger.L()
	for _, migration := range sortedMigrations() {
		if migration.Version <= currentVersion {
			continue
		}

		log.Info().Int("version", migration.Version).Msg("running migration")

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", migration.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// RollbackLast reverts the most recently applied migration. It returns the
// reverted version, or 0 when nothing is applied.
func RollbackLast(db *sql.DB) (int, error) {
	if err := ensureMigrationsTable(db); err != nil {
		return 0, err
	}
	current, err := CurrentVersion(db)
	if err != nil || current == 0 {
		return 0, err
	}

	var target *Migration
	for _, m := range Migrations {
		if m.Version == current {
			m := m
			target = &m
			break
		}
	}
	if target == nil {
		return 0, fmt.Errorf("migration %d is applied but unknown", current)
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(target.Down); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to revert migration %d: %w", current, err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = $1", current); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to unrecord migration %d: %w", current, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rollback %d: %w", current, err)
	}
	return current, nil
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version   int
	AppliedAt time.Time
}

// Applied lists applied migrations in version order.
func Applied(db *sql.DB) ([]AppliedMigration, error) {
	rows, err := db.Query("SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Version, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// CurrentVersion returns the highest applied migration version.
func CurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
