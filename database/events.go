package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Event kinds as seen by the detector.
const (
	KindNetworkConnection = "network_connection"
	KindFileEvent         = "file_event"
	KindDatabaseQuery     = "database_query"
)

// Kinds lists every event kind FetchSince understands.
var Kinds = []string{KindNetworkConnection, KindFileEvent, KindDatabaseQuery}

// Attribution identifies the process a record came from.
type Attribution struct {
	Timestamp time.Time `json:"timestamp"`
	PID       uint32    `json:"pid"`
	TID       uint32    `json:"tid"`
	Comm      string    `json:"comm"`
	App       string    `json:"app,omitempty"`
}

// ConnectRecord represents an outbound connect in the database
type ConnectRecord struct {
	ID int64 `json:"id"`
	Attribution
	FD      int32  `json:"fd"`
	Family  string `json:"family"`
	DstAddr string `json:"dst_addr"`
	DstPort uint16 `json:"dst_port"`
}

// FileOpenRecord represents a file open in the database
type FileOpenRecord struct {
	ID int64 `json:"id"`
	Attribution
	DirFD int32  `json:"dirfd"`
	Flags uint32 `json:"flags"`
	Path  string `json:"path"`
}

// SQLRecord represents an executed SQL statement in the database
type SQLRecord struct {
	ID int64 `json:"id"`
	Attribution
	Conn  uint64 `json:"conn"`
	Query string `json:"query"`
}

func (db *DB) insert(query string, a Attribution, args ...interface{}) (int64, error) {
	all := append([]interface{}{a.Timestamp.UTC(), a.PID, a.TID, a.Comm, a.App}, args...)
	res, err := db.Db.Exec(query, all...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertConnect adds a connect record and returns its row id.
func (db *DB) InsertConnect(r *ConnectRecord) (int64, error) {
	query := `
        INSERT INTO connects (
            timestamp, pid, tid, comm, app, fd, family, dst_addr, dst_port
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return db.insert(query, r.Attribution, r.FD, r.Family, r.DstAddr, r.DstPort)
}

// InsertFileOpen adds a file open record and returns its row id.
func (db *DB) InsertFileOpen(r *FileOpenRecord) (int64, error) {
	query := `
        INSERT INTO file_opens (
            timestamp, pid, tid, comm, app, dirfd, flags, path
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	return db.insert(query, r.Attribution, r.DirFD, r.Flags, r.Path)
}

// InsertSQL adds a statement record and returns its row id. Narrow records
// carry no connection handle and store 0.
func (db *DB) InsertSQL(r *SQLRecord) (int64, error) {
	query := `
        INSERT INTO sql_statements (
            timestamp, pid, tid, comm, app, conn, query
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`
	// sqlite integers are signed; the handle round-trips bit for bit.
	return db.insert(query, r.Attribution, int64(r.Conn), r.Query)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAttribution(a *Attribution, comm, app *sql.NullString) {
	a.Comm = comm.String
	a.App = app.String
	a.Timestamp = a.Timestamp.UTC()
}

// RecentConnects returns up to limit connects, newest first.
func (db *DB) RecentConnects(limit int) ([]ConnectRecord, error) {
	rows, err := db.Db.Query(`
        SELECT id, timestamp, pid, tid, comm, app, fd, family, dst_addr, dst_port
        FROM connects ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConnectRecord
	for rows.Next() {
		var (
			r                    ConnectRecord
			comm, app, fam, addr sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.PID, &r.TID, &comm, &app, &r.FD, &fam, &addr, &r.DstPort); err != nil {
			return nil, err
		}
		scanAttribution(&r.Attribution, &comm, &app)
		r.Family, r.DstAddr = fam.String, addr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentFileOpens returns up to limit file opens, newest first.
func (db *DB) RecentFileOpens(limit int) ([]FileOpenRecord, error) {
	rows, err := db.Db.Query(`
        SELECT id, timestamp, pid, tid, comm, app, dirfd, flags, path
        FROM file_opens ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileOpenRecord
	for rows.Next() {
		var (
			r               FileOpenRecord
			comm, app, path sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.PID, &r.TID, &comm, &app, &r.DirFD, &r.Flags, &path); err != nil {
			return nil, err
		}
		scanAttribution(&r.Attribution, &comm, &app)
		r.Path = path.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentSQL returns up to limit statements, newest first.
func (db *DB) RecentSQL(limit int) ([]SQLRecord, error) {
	rows, err := db.Db.Query(`
        SELECT id, timestamp, pid, tid, comm, app, conn, query
        FROM sql_statements ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SQLRecord
	for rows.Next() {
		var (
			s                SQLRecord
			conn             int64
			comm, app, query sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Timestamp, &s.PID, &s.TID, &comm, &app, &conn, &query); err != nil {
			return nil, err
		}
		scanAttribution(&s.Attribution, &comm, &app)
		s.Conn, s.Query = uint64(conn), query.String
		out = append(out, s)
	}
	return out, rows.Err()
}

var kindTables = map[string]string{
	KindNetworkConnection: "connects",
	KindFileEvent:         "file_opens",
	KindDatabaseQuery:     "sql_statements",
}

// Counts returns the number of stored rows per event kind, keyed the same
// way as FetchSince and the detection rules.
func (db *DB) Counts() (map[string]int64, error) {
	counts := make(map[string]int64, len(kindTables))
	for kind, table := range kindTables {
		var n int64
		if err := db.Db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[kind] = n
	}
	return counts, nil
}

var fetchQueries = map[string]string{
	KindNetworkConnection: `
		SELECT id, pid, comm, app, dst_addr, dst_port, family
		FROM connects WHERE id > ? ORDER BY id ASC LIMIT ?`,
	KindFileEvent: `
		SELECT id, pid, comm, app, path, flags
		FROM file_opens WHERE id > ? ORDER BY id ASC LIMIT ?`,
	KindDatabaseQuery: `
		SELECT id, pid, comm, app, query
		FROM sql_statements WHERE id > ? ORDER BY id ASC LIMIT ?`,
}

// FetchSince returns up to limit rows of kind with an id above lastID, as
// field maps keyed by detection field name. Every map carries "id".
func (db *DB) FetchSince(kind string, lastID int64, limit int) ([]map[string]interface{}, error) {
	query, ok := fetchQueries[kind]
	if !ok {
		return nil, fmt.Errorf("unknown event type: %s", kind)
	}
	rows, err := db.Db.Query(query, lastID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []map[string]interface{}
	for rows.Next() {
		event, err := scanEvent(kind, rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(kind string, row scanner) (map[string]interface{}, error) {
	var (
		id        int64
		pid       int64
		comm, app sql.NullString
	)
	event := map[string]interface{}{}
	put := func(field string, v sql.NullString) {
		if v.Valid {
			event[field] = v.String
		}
	}

	switch kind {
	case KindNetworkConnection:
		var (
			addr, family sql.NullString
			port         sql.NullInt64
		)
		if err := row.Scan(&id, &pid, &comm, &app, &addr, &port, &family); err != nil {
			return nil, err
		}
		put("DestinationIp", addr)
		put("Family", family)
		if port.Valid {
			event["DestinationPort"] = port.Int64
		}
	case KindFileEvent:
		var (
			path  sql.NullString
			flags sql.NullInt64
		)
		if err := row.Scan(&id, &pid, &comm, &app, &path, &flags); err != nil {
			return nil, err
		}
		put("TargetFilename", path)
		if flags.Valid {
			event["Flags"] = flags.Int64
		}
	case KindDatabaseQuery:
		var query sql.NullString
		if err := row.Scan(&id, &pid, &comm, &app, &query); err != nil {
			return nil, err
		}
		put("Query", query)
	}

	event["id"] = id
	event["ProcessId"] = pid
	put("Image", comm)
	put("Application", app)
	return event, nil
}
