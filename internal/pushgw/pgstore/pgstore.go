package pgstore

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/voxline/voxline/internal/pushgw"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements pushgw.DeviceStore and pushgw.DeliveryLogger using
// PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	// Ensure schema_migrations table exists.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

// RegisterDevice upserts a push target. A token re-registered under a new
// number or platform moves to it; either way last_seen_at is refreshed.
func (s *Store) RegisterDevice(numberID int64, token, platform, lineKind string) (*pushgw.Device, error) {
	var d pushgw.Device
	err := s.db.QueryRow(
		`INSERT INTO device_tokens (number_id, token, platform, line_kind)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token) DO UPDATE
		 SET number_id = EXCLUDED.number_id,
		     platform = EXCLUDED.platform,
		     line_kind = EXCLUDED.line_kind,
		     last_seen_at = NOW()
		 RETURNING id, number_id, token, platform, line_kind, created_at, last_seen_at`,
		numberID, token, platform, lineKind,
	).Scan(&d.ID, &d.NumberID, &d.Token, &d.Platform, &d.LineKind, &d.CreatedAt, &d.LastSeenAt)

	if err != nil {
		return nil, fmt.Errorf("upserting device token: %w", err)
	}
	return &d, nil
}

// RemoveDevice deletes a push target by token. Unknown tokens are not an
// error.
func (s *Store) RemoveDevice(token string) error {
	_, err := s.db.Exec(`DELETE FROM device_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("deleting device token: %w", err)
	}
	return nil
}

// DevicesForNumber returns every push target registered for a number.
func (s *Store) DevicesForNumber(numberID int64) ([]pushgw.Device, error) {
	rows, err := s.db.Query(
		`SELECT id, number_id, token, platform, line_kind, created_at, last_seen_at
		 FROM device_tokens
		 WHERE number_id = $1
		 ORDER BY id`,
		numberID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying device tokens: %w", err)
	}
	defer rows.Close()

	var devices []pushgw.Device
	for rows.Next() {
		var d pushgw.Device
		if err := rows.Scan(&d.ID, &d.NumberID, &d.Token, &d.Platform, &d.LineKind, &d.CreatedAt, &d.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scanning device token: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device tokens: %w", err)
	}
	return devices, nil
}

// Log records the result of a push delivery attempt.
func (s *Store) Log(entry pushgw.DeliveryLogEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO delivery_logs (number_id, platform, call_id, event, success, error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.NumberID, entry.Platform, entry.CallID, entry.Event, entry.Success, entry.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting delivery log: %w", err)
	}
	return nil
}
