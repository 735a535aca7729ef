package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"resqlink/tracker-server/internal/model"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stations (
			callsign TEXT PRIMARY KEY,
			lat REAL NOT NULL DEFAULT 0,
			lng REAL NOT NULL DEFAULT 0,
			symbol TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '[]',
			details TEXT NOT NULL DEFAULT '',
			owner_name TEXT NOT NULL DEFAULT '',
			contact_num TEXT NOT NULL DEFAULT '',
			emergency_name TEXT NOT NULL DEFAULT '',
			emergency_num TEXT NOT NULL DEFAULT '',
			is_registered INTEGER NOT NULL DEFAULT 0,
			last_seen TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS decode_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			line TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decode_failures_created ON decode_failures(created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// UpsertStation persists the full document for one callsign.
func (s *Store) UpsertStation(ctx context.Context, station model.Station) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	path, err := json.Marshal(station.Path)
	if err != nil {
		return fmt.Errorf("marshal path: %w", err)
	}

	lastSeen := station.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO stations (callsign, lat, lng, symbol, path, details, owner_name, contact_num, emergency_name, emergency_num, is_registered, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(callsign)
		 DO UPDATE SET lat = excluded.lat,
				 lng = excluded.lng,
				 symbol = excluded.symbol,
				 path = excluded.path,
				 details = excluded.details,
				 owner_name = excluded.owner_name,
				 contact_num = excluded.contact_num,
				 emergency_name = excluded.emergency_name,
				 emergency_num = excluded.emergency_num,
				 is_registered = excluded.is_registered,
				 last_seen = excluded.last_seen;`,
		station.Callsign,
		station.Lat,
		station.Lng,
		station.Symbol,
		string(path),
		station.Details,
		station.OwnerName,
		station.ContactNum,
		station.EmergencyName,
		station.EmergencyNum,
		boolToInt(station.Registered),
		lastSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert station: %w", err)
	}
	return nil
}

// DeleteStation removes one callsign's document. Deleting an absent callsign
// is not an error at this layer.
func (s *Store) DeleteStation(ctx context.Context, callsign string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM stations WHERE callsign = ?;`, callsign); err != nil {
		return fmt.Errorf("delete station: %w", err)
	}
	return nil
}

// ListStations loads every persisted station, used to seed the registry at
// startup.
func (s *Store) ListStations(ctx context.Context) ([]model.Station, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT callsign, lat, lng, symbol, path, details, owner_name, contact_num, emergency_name, emergency_num, is_registered, last_seen FROM stations ORDER BY callsign;`)
	if err != nil {
		return nil, fmt.Errorf("query stations: %w", err)
	}
	defer rows.Close()

	var stations []model.Station

	for rows.Next() {
		var (
			station      model.Station
			pathJSON     string
			isRegistered int
			lastSeenStr  string
		)

		if err := rows.Scan(
			&station.Callsign,
			&station.Lat,
			&station.Lng,
			&station.Symbol,
			&pathJSON,
			&station.Details,
			&station.OwnerName,
			&station.ContactNum,
			&station.EmergencyName,
			&station.EmergencyNum,
			&isRegistered,
			&lastSeenStr,
		); err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}

		if err := json.Unmarshal([]byte(pathJSON), &station.Path); err != nil {
			return nil, fmt.Errorf("unmarshal path for %s: %w", station.Callsign, err)
		}

		station.Registered = isRegistered != 0

		lastSeen, err := time.Parse(time.RFC3339Nano, lastSeenStr)
		if err != nil {
			lastSeen, _ = time.Parse(time.RFC3339, lastSeenStr)
		}
		station.LastSeen = lastSeen

		stations = append(stations, station)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stations: %w", err)
	}

	return stations, nil
}

// InsertDecodeFailure records a feed line that failed to decode.
func (s *Store) InsertDecodeFailure(ctx context.Context, line string, cause error) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decode_failures (line, error) VALUES (?, ?);`,
		truncate(line, 512),
		cause.Error(),
	)
	if err != nil {
		return fmt.Errorf("insert decode failure: %w", err)
	}
	return nil
}

// RecentDecodeFailures returns the most recent failures, newest first.
func (s *Store) RecentDecodeFailures(ctx context.Context, limit int) ([]model.DecodeFailure, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(ctx, `SELECT line, error, created_at FROM decode_failures ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decode failures: %w", err)
	}
	defer rows.Close()

	failures := make([]model.DecodeFailure, 0, limit)

	for rows.Next() {
		var (
			failure      model.DecodeFailure
			createdAtStr string
		)

		if err := rows.Scan(&failure.Line, &failure.Error, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan decode failure: %w", err)
		}

		createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			createdAt, _ = time.Parse("2006-01-02T15:04:05.999Z", createdAtStr)
		}
		failure.CreatedAt = createdAt

		failures = append(failures, failure)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decode failures: %w", err)
	}

	return failures, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
