package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"emulatorwatch/models"
)

const migrations = `
CREATE TABLE IF NOT EXISTS device_sightings (
	host_alias TEXT    NOT NULL,
	serial     TEXT    NOT NULL,
	port       INTEGER NOT NULL,
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL,
	PRIMARY KEY (host_alias, serial)
);
CREATE INDEX IF NOT EXISTS idx_device_sightings_last_seen ON device_sightings(last_seen);
`

// InitDatabase opens (creating if needed) the sqlite inventory at path
func InitDatabase(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// One writer at a time; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// Inventory records which emulators each host has reported. Frames are
// never stored here.
type Inventory struct {
	db *sql.DB
}

func NewInventory(db *sql.DB) *Inventory {
	return &Inventory{db: db}
}

// RecordSightings upserts one row per device, keeping first_seen.
func (i *Inventory) RecordSightings(ctx context.Context, hostAlias string, devices []models.DeviceDescriptor, at time.Time) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO device_sightings (host_alias, serial, port, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(host_alias, serial) DO UPDATE SET
			port = excluded.port,
			last_seen = excluded.last_seen`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := at.Unix()
	for _, d := range devices {
		if _, err := stmt.ExecContext(ctx, hostAlias, d.Serial, d.Port, ts, ts); err != nil {
			return fmt.Errorf("record sighting %s/%s: %w", hostAlias, d.Serial, err)
		}
	}
	return tx.Commit()
}

// ListSightings returns sightings, most recent first. An empty hostAlias
// lists every host.
func (i *Inventory) ListSightings(ctx context.Context, hostAlias string) ([]models.DeviceSighting, error) {
	query := `SELECT host_alias, serial, port, first_seen, last_seen FROM device_sightings`
	var args []interface{}
	if hostAlias != "" {
		query += ` WHERE host_alias = ?`
		args = append(args, hostAlias)
	}
	query += ` ORDER BY last_seen DESC, host_alias, serial`

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sightings := []models.DeviceSighting{}
	for rows.Next() {
		var s models.DeviceSighting
		if err := rows.Scan(&s.HostAlias, &s.Serial, &s.Port, &s.FirstSeen, &s.LastSeen); err != nil {
			return nil, err
		}
		sightings = append(sightings, s)
	}
	return sightings, rows.Err()
}
