package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// FileName is the database file created in the data directory.
const FileName = "hook_recorder.db"

// DB handles database operations
type DB struct {
	Db *sql.DB
}

func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	for _, init := range []struct {
		name string
		fn   func(*sql.DB) error
	}{
		{"event", initEventSchema},
		{"sigma", initSigmaSchema},
	} {
		if err := init.fn(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize %s schema: %w", init.name, err)
		}
	}

	return &DB{Db: db}, nil
}

func initEventSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS connects (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		pid       INTEGER NOT NULL,
		tid       INTEGER NOT NULL,
		comm      TEXT,
		app       TEXT,
		fd        INTEGER,
		family    TEXT,
		dst_addr  TEXT,
		dst_port  INTEGER
	);

	CREATE TABLE IF NOT EXISTS file_opens (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		pid       INTEGER NOT NULL,
		tid       INTEGER NOT NULL,
		comm      TEXT,
		app       TEXT,
		dirfd     INTEGER,
		flags     INTEGER,
		path      TEXT
	);

	CREATE TABLE IF NOT EXISTS sql_statements (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		pid       INTEGER NOT NULL,
		tid       INTEGER NOT NULL,
		comm      TEXT,
		app       TEXT,
		conn      INTEGER,     -- opaque client handle, 0 for narrow records
		query     TEXT
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create event tables: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_connects_pid ON connects(pid);",
		"CREATE INDEX IF NOT EXISTS idx_connects_timestamp ON connects(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_connects_dst ON connects(dst_addr, dst_port);",
		"CREATE INDEX IF NOT EXISTS idx_file_opens_pid ON file_opens(pid);",
		"CREATE INDEX IF NOT EXISTS idx_file_opens_path ON file_opens(path);",
		"CREATE INDEX IF NOT EXISTS idx_sql_pid ON sql_statements(pid);",
		"CREATE INDEX IF NOT EXISTS idx_sql_timestamp ON sql_statements(timestamp);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func initSigmaSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS detector_state (
        id INTEGER PRIMARY KEY,
        event_type TEXT NOT NULL,
        last_id INTEGER NOT NULL,
        last_processed_time DATETIME NOT NULL,
        rule_count INTEGER DEFAULT 0,
        match_count INTEGER DEFAULT 0,
        updated_at DATETIME NOT NULL,
        UNIQUE(event_type)
    );

    CREATE TABLE IF NOT EXISTS sigma_matches (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        event_id INTEGER NOT NULL,
        event_type TEXT NOT NULL,
        rule_id TEXT NOT NULL,
        rule_name TEXT NOT NULL,
        process_id INTEGER,
        process_name TEXT,
        application TEXT,
        target TEXT,
        timestamp DATETIME NOT NULL,
        severity TEXT NOT NULL,
        status TEXT DEFAULT 'new' NOT NULL,
        match_details TEXT,
        event_data TEXT,
        created_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_sigma_matches_rule_id ON sigma_matches(rule_id);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_timestamp ON sigma_matches(timestamp);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_status ON sigma_matches(status);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_event_id ON sigma_matches(event_id);`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create Sigma tables: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Db.Close()
}
