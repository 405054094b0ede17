// Package db persists the serial communication log in sqlite so traffic
// survives restarts and can be inspected with SQL.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/robotctl/internal/commlog"
	"github.com/banshee-data/robotctl/internal/monitoring"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (creating if needed) the sqlite database at path and applies
// any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenDB opens the database without touching its schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases coherent and avoids
	// SQLITE_BUSY between our own writers.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: pragmas: %w", err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// Append stores one log entry. It implements commlog.Sink.
func (db *DB) Append(session string, e commlog.Entry) error {
	var raw, seq any
	if e.RawHex != "" {
		raw = e.RawHex
	}
	if e.Seq != nil {
		seq = *e.Seq
	}
	_, err := db.Exec(
		`INSERT INTO comm_log (session_id, ts_unix_ms, direction, message, raw_hex, seq)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session, e.Time.UnixMilli(), string(e.Direction), e.Message, raw, seq,
	)
	if err != nil {
		return fmt.Errorf("db: append comm_log: %w", err)
	}
	return nil
}

// RecordSession notes which port a log session talked to.
func (db *DB) RecordSession(session, port string, baud int, started time.Time) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, port, baud_rate, started_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET port = excluded.port, baud_rate = excluded.baud_rate`,
		session, port, baud, started.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("db: record session: %w", err)
	}
	return nil
}

// CommEntries returns the entries of one session in recording order.
func (db *DB) CommEntries(session string) ([]commlog.Entry, error) {
	rows, err := db.Query(
		`SELECT ts_unix_ms, direction, message, raw_hex, seq
		 FROM comm_log WHERE session_id = ? ORDER BY entry_id`, session)
	if err != nil {
		return nil, fmt.Errorf("db: query comm_log: %w", err)
	}
	defer rows.Close()

	var entries []commlog.Entry
	for rows.Next() {
		var (
			ms        int64
			direction string
			e         commlog.Entry
			raw       sql.NullString
			seq       sql.NullInt64
		)
		if err := rows.Scan(&ms, &direction, &e.Message, &raw, &seq); err != nil {
			return nil, fmt.Errorf("db: scan comm_log: %w", err)
		}
		e.Time = time.UnixMilli(ms).UTC()
		e.Direction = commlog.Direction(direction)
		e.RawHex = raw.String
		if seq.Valid {
			s := int(seq.Int64)
			e.Seq = &s
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SessionSummary describes one logged session.
type SessionSummary struct {
	ID       string    `json:"id"`
	Port     string    `json:"port"`
	BaudRate int       `json:"baud_rate"`
	Entries  int       `json:"entries"`
	First    time.Time `json:"first"`
	Last     time.Time `json:"last"`
}

// Sessions lists every session that has log entries, most recent first.
func (db *DB) Sessions() ([]SessionSummary, error) {
	rows, err := db.Query(`
		SELECT c.session_id, COALESCE(s.port, ''), COALESCE(s.baud_rate, 0),
		       COUNT(*), MIN(c.ts_unix_ms), MAX(c.ts_unix_ms)
		FROM comm_log c LEFT JOIN sessions s ON s.session_id = c.session_id
		GROUP BY c.session_id
		ORDER BY MAX(c.ts_unix_ms) DESC, c.session_id`)
	if err != nil {
		return nil, fmt.Errorf("db: query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var first, last int64
		if err := rows.Scan(&s.ID, &s.Port, &s.BaudRate, &s.Entries, &first, &last); err != nil {
			return nil, fmt.Errorf("db: scan sessions: %w", err)
		}
		s.First = time.UnixMilli(first).UTC()
		s.Last = time.UnixMilli(last).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts a tailsql console over the database and a backup
// download on the tsweb debug mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("db: create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Robot comm log",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("robotctl-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("db: failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("db: failed to stream backup: %v", err)
	}
}
