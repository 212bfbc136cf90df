package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sockaudit/sockaudit/types"
)

// DB handles database operations
type DB struct {
	Db *sql.DB
}

// NetworkEventRow is one archived socket event.
type NetworkEventRow struct {
	ID        int64     `json:"id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	PID       uint32    `json:"pid"`
	UID       uint32    `json:"uid"`
	GID       uint32    `json:"gid"`
	Comm      string    `json:"comm"`
	ExePath   string    `json:"exe_path"`
	Family    string    `json:"family"`
	Protocol  string    `json:"protocol"`
	Action    string    `json:"action"`
	SrcAddr   string    `json:"src_addr"`
	SrcPort   uint16    `json:"src_port"`
	DstAddr   string    `json:"dst_addr"`
	DstPort   uint16    `json:"dst_port"`
}

// ExecEventRow is one archived program execution.
type ExecEventRow struct {
	ID        int64     `json:"id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	PID       uint32    `json:"pid"`
	UID       uint32    `json:"uid"`
	GID       uint32    `json:"gid"`
	Comm      string    `json:"comm"`
	ExePath   string    `json:"exe_path"`
	Argv      string    `json:"argv"`
}

// Counts summarizes the archived tables for status reporting.
type Counts struct {
	NetworkEvents int64 `json:"network_events"`
	ExecEvents    int64 `json:"exec_events"`
	SigmaMatches  int64 `json:"sigma_matches"`
}

func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sockaudit.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := initNetworkSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize network schema: %w", err)
	}

	if err := initExecSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize exec schema: %w", err)
	}

	if err := initSigmaSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sigma schema: %w", err)
	}

	return &DB{Db: db}, nil
}

func initNetworkSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS network_events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		seq       INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		pid       INTEGER NOT NULL,
		uid       INTEGER NOT NULL,
		gid       INTEGER NOT NULL,
		comm      TEXT NOT NULL,
		exe_path  TEXT,
		family    TEXT,
		protocol  TEXT,
		action    TEXT,
		src_addr  TEXT,
		src_port  INTEGER,
		dst_addr  TEXT,
		dst_port  INTEGER
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create network_events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_net_pid ON network_events(pid);",
		"CREATE INDEX IF NOT EXISTS idx_net_timestamp ON network_events(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_net_dst ON network_events(dst_addr, dst_port);",
		"CREATE INDEX IF NOT EXISTS idx_net_action ON network_events(action);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func initExecSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS exec_events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		seq       INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		pid       INTEGER NOT NULL,
		uid       INTEGER NOT NULL,
		gid       INTEGER NOT NULL,
		comm      TEXT NOT NULL,
		exe_path  TEXT,
		argv      TEXT
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create exec_events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_exec_pid ON exec_events(pid);",
		"CREATE INDEX IF NOT EXISTS idx_exec_timestamp ON exec_events(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_exec_path ON exec_events(exe_path);",
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
        id TEXT PRIMARY KEY,
        event_id INTEGER NOT NULL,
        event_type TEXT NOT NULL,
        rule_id TEXT NOT NULL,
        rule_name TEXT NOT NULL,
        pid INTEGER,
        uid INTEGER,
        exe_path TEXT,
        command_line TEXT,
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

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sigma tables: %w", err)
	}

	return nil
}

// InsertNetworkEvent archives one decoded socket record.
func (db *DB) InsertNetworkEvent(rec *types.Record) error {
	if rec.Net == nil {
		return fmt.Errorf("record %d is not a network event", rec.Seq)
	}
	ev := rec.Net

	query := `
        INSERT INTO network_events (
            seq, timestamp, pid, uid, gid, comm, exe_path,
            family, protocol, action, src_addr, src_port, dst_addr, dst_port
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.Db.Exec(query,
		rec.Seq,
		time.Unix(0, rec.Identity.UnixNano),
		rec.Identity.PID,
		rec.Identity.UID,
		rec.Identity.GID,
		rec.Identity.CommString(),
		ev.Path,
		ev.Family.String(),
		ev.Proto.String(),
		ev.Action.String(),
		ev.SrcIP().String(),
		ev.SrcPort,
		ev.DstIP().String(),
		ev.DstPort,
	)
	return err
}

// InsertExecEvent archives one decoded execution record.
func (db *DB) InsertExecEvent(rec *types.Record) error {
	if rec.Exec == nil {
		return fmt.Errorf("record %d is not an exec event", rec.Seq)
	}

	query := `
        INSERT INTO exec_events (
            seq, timestamp, pid, uid, gid, comm, exe_path, argv
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.Db.Exec(query,
		rec.Seq,
		time.Unix(0, rec.Identity.UnixNano),
		rec.Identity.PID,
		rec.Identity.UID,
		rec.Identity.GID,
		rec.Identity.CommString(),
		rec.Exec.Path,
		rec.Exec.ArgvString(),
	)
	return err
}

// GetNetworkEvents returns archived socket events, newest first. Filters
// recognizes "action", "protocol", "pid", and "path".
func (db *DB) GetNetworkEvents(limit, offset int, filters map[string]string) ([]NetworkEventRow, error) {
	query := `
    SELECT id, seq, timestamp, pid, uid, gid, comm, exe_path,
           family, protocol, action, src_addr, src_port, dst_addr, dst_port
    FROM network_events`

	whereClause := []string{}
	args := []interface{}{}

	if action, ok := filters["action"]; ok && action != "" && action != "all" {
		whereClause = append(whereClause, "action = ?")
		args = append(args, action)
	}
	if proto, ok := filters["protocol"]; ok && proto != "" && proto != "all" {
		whereClause = append(whereClause, "protocol = ?")
		args = append(args, proto)
	}
	if pid, ok := filters["pid"]; ok && pid != "" {
		whereClause = append(whereClause, "pid = ?")
		args = append(args, pid)
	}
	if path, ok := filters["path"]; ok && path != "" {
		whereClause = append(whereClause, "exe_path = ?")
		args = append(args, path)
	}

	if len(whereClause) > 0 {
		query += " WHERE " + strings.Join(whereClause, " AND ")
	}

	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.Db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []NetworkEventRow
	for rows.Next() {
		var ev NetworkEventRow
		err := rows.Scan(
			&ev.ID, &ev.Seq, &ev.Timestamp, &ev.PID, &ev.UID, &ev.GID,
			&ev.Comm, &ev.ExePath, &ev.Family, &ev.Protocol, &ev.Action,
			&ev.SrcAddr, &ev.SrcPort, &ev.DstAddr, &ev.DstPort,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// GetExecEvents returns archived executions, newest first. Filters
// recognizes "pid" and "path".
func (db *DB) GetExecEvents(limit, offset int, filters map[string]string) ([]ExecEventRow, error) {
	query := `
    SELECT id, seq, timestamp, pid, uid, gid, comm, exe_path, argv
    FROM exec_events`

	whereClause := []string{}
	args := []interface{}{}

	if pid, ok := filters["pid"]; ok && pid != "" {
		whereClause = append(whereClause, "pid = ?")
		args = append(args, pid)
	}
	if path, ok := filters["path"]; ok && path != "" {
		whereClause = append(whereClause, "exe_path = ?")
		args = append(args, path)
	}

	if len(whereClause) > 0 {
		query += " WHERE " + strings.Join(whereClause, " AND ")
	}

	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.Db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ExecEventRow
	for rows.Next() {
		var ev ExecEventRow
		err := rows.Scan(
			&ev.ID, &ev.Seq, &ev.Timestamp, &ev.PID, &ev.UID, &ev.GID,
			&ev.Comm, &ev.ExePath, &ev.Argv,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// GetCounts reports row counts for the archived tables.
func (db *DB) GetCounts() (Counts, error) {
	var c Counts
	if err := db.Db.QueryRow("SELECT COUNT(*) FROM network_events").Scan(&c.NetworkEvents); err != nil {
		return c, err
	}
	if err := db.Db.QueryRow("SELECT COUNT(*) FROM exec_events").Scan(&c.ExecEvents); err != nil {
		return c, err
	}
	if err := db.Db.QueryRow("SELECT COUNT(*) FROM sigma_matches").Scan(&c.SigmaMatches); err != nil {
		return c, err
	}
	return c, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Db.Close()
}
