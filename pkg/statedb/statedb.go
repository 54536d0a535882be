// Package statedb is the transactional record of what is currently
// installed: which packages, which files they own, which dependencies they
// were built against, and the append-only event log of state transitions.
// It mirrors the schema and operations of original_source's zeropkg_db.py,
// backed here by a real SQL engine (modernc.org/sqlite, pure Go) instead of
// a hand-rolled flat file.
package statedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"basalt/pkg/errs"

	_ "modernc.org/sqlite"
)

// Dependency is one recorded build or runtime dependency of an installed package.
type Dependency struct {
	Name    string
	Version string
}

// InstalledRecord is the full state held for one installed package.
type InstalledRecord struct {
	Name         string
	Version      string
	Variant      string
	InstallDate  time.Time
	Explicit     bool
	BuildOptions map[string]any
	Files        []string
	Dependencies []Dependency
}

// Event is one append-only log entry recorded against a package (or, with
// an empty PkgName, against the engine as a whole).
type Event struct {
	ID        int64
	PkgName   string
	Stage     string
	Message   string
	Level     string
	Timestamp time.Time
}

// DB is a handle to the state database. All writes through one handle are
// serialized by a per-handle mutex: sqlite already serializes at the file
// level, and the mutex keeps goroutines of one basalt process from racing
// each other for the write lock. It does not coordinate separate processes.
type DB struct {
	conn    *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if needed) the sqlite-backed state database at path,
// enabling WAL journaling for crash-safe, mostly-lock-free reads.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &errs.StateError{Op: "open", Cause: err}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &errs.StateError{Op: "open", Cause: err}
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, &errs.StateError{Op: "enable WAL", Cause: err}
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, &errs.StateError{Op: "init schema", Cause: err}
	}

	return &DB{conn: conn}, nil
}

// Close releases the underlying database handle.
func (db *DB) Close() error {
	return db.conn.Close()
}

// UpsertInstalled records (or re-records) a package as installed, replacing
// any prior record for the same name, its file list, and its dependency
// list in a single transaction. A repeated upsert of the same (name, version)
// always overwrites install_date with rec.InstallDate.
func (db *DB) UpsertInstalled(ctx context.Context, rec InstalledRecord) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return &errs.StateError{Op: "upsert installed", Cause: err}
	}
	defer tx.Rollback()

	opts, err := json.Marshal(rec.BuildOptions)
	if err != nil {
		return &errs.StateError{Op: "upsert installed", Cause: err}
	}

	explicit := 0
	if rec.Explicit {
		explicit = 1
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO packages(name, version, variant, install_date, explicit, build_options)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			version=excluded.version, variant=excluded.variant,
			install_date=excluded.install_date, explicit=excluded.explicit,
			build_options=excluded.build_options`,
		rec.Name, rec.Version, rec.Variant, rec.InstallDate.Unix(), explicit, string(opts),
	); err != nil {
		return &errs.StateError{Op: "upsert installed", Cause: err}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE package_name=?`, rec.Name); err != nil {
		return &errs.StateError{Op: "upsert installed", Cause: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dependencies WHERE package_name=?`, rec.Name); err != nil {
		return &errs.StateError{Op: "upsert installed", Cause: err}
	}

	for _, f := range rec.Files {
		if _, err := tx.ExecContext(ctx, `INSERT INTO files(package_name, file_path) VALUES (?, ?)`, rec.Name, f); err != nil {
			return &errs.StateError{Op: "upsert installed", Cause: err}
		}
	}
	for _, d := range rec.Dependencies {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dependencies(package_name, dep_name, dep_version) VALUES (?, ?, ?)`,
			rec.Name, d.Name, d.Version,
		); err != nil {
			return &errs.StateError{Op: "upsert installed", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errs.StateError{Op: "upsert installed", Cause: err}
	}
	return nil
}

// RemovePackage deletes a package's record and (via FK cascade) its files
// and dependency rows, returning the file list it owned so the caller can
// unlink them from the target root.
func (db *DB) RemovePackage(ctx context.Context, name string) ([]string, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errs.StateError{Op: "remove package", Cause: err}
	}
	defer tx.Rollback()

	files, err := queryFiles(ctx, tx, name)
	if err != nil {
		return nil, &errs.StateError{Op: "remove package", Cause: err}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE name=?`, name); err != nil {
		return nil, &errs.StateError{Op: "remove package", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &errs.StateError{Op: "remove package", Cause: err}
	}
	return files, nil
}

// GetPackage returns the full installed record for name, or nil if not installed.
func (db *DB) GetPackage(ctx context.Context, name string) (*InstalledRecord, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT name, version, variant, install_date, explicit, build_options FROM packages WHERE name=?`, name)

	var rec InstalledRecord
	var installDate int64
	var explicit int
	var optsJSON string
	if err := row.Scan(&rec.Name, &rec.Version, &rec.Variant, &installDate, &explicit, &optsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &errs.StateError{Op: "get package", Cause: err}
	}
	rec.InstallDate = time.Unix(installDate, 0).UTC()
	rec.Explicit = explicit != 0
	rec.BuildOptions = map[string]any{}
	_ = json.Unmarshal([]byte(optsJSON), &rec.BuildOptions)

	files, err := queryFiles(ctx, db.conn, name)
	if err != nil {
		return nil, &errs.StateError{Op: "get package", Cause: err}
	}
	rec.Files = files

	deps, err := db.ListDeps(ctx, name)
	if err != nil {
		return nil, err
	}
	rec.Dependencies = deps

	return &rec, nil
}

// ListInstalled returns every installed package's (name, version, variant) row, ordered by name.
func (db *DB) ListInstalled(ctx context.Context) ([]InstalledRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT name, version, variant, install_date, explicit, build_options FROM packages ORDER BY name`)
	if err != nil {
		return nil, &errs.StateError{Op: "list installed", Cause: err}
	}
	defer rows.Close()

	var out []InstalledRecord
	for rows.Next() {
		var rec InstalledRecord
		var installDate int64
		var explicit int
		var optsJSON string
		if err := rows.Scan(&rec.Name, &rec.Version, &rec.Variant, &installDate, &explicit, &optsJSON); err != nil {
			return nil, &errs.StateError{Op: "list installed", Cause: err}
		}
		rec.InstallDate = time.Unix(installDate, 0).UTC()
		rec.Explicit = explicit != 0
		rec.BuildOptions = map[string]any{}
		_ = json.Unmarshal([]byte(optsJSON), &rec.BuildOptions)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// IsInstalled reports whether name (optionally pinned to version) is installed.
func (db *DB) IsInstalled(ctx context.Context, name, version string) (bool, error) {
	var row *sql.Row
	if version != "" {
		row = db.conn.QueryRowContext(ctx, `SELECT 1 FROM packages WHERE name=? AND version=?`, name, version)
	} else {
		row = db.conn.QueryRowContext(ctx, `SELECT 1 FROM packages WHERE name=?`, name)
	}
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, &errs.StateError{Op: "is installed", Cause: err}
	}
	return true, nil
}

// ListFiles returns the files owned by an installed package.
func (db *DB) ListFiles(ctx context.Context, name string) ([]string, error) {
	files, err := queryFiles(ctx, db.conn, name)
	if err != nil {
		return nil, &errs.StateError{Op: "list files", Cause: err}
	}
	return files, nil
}

// ListDeps returns the recorded dependencies of an installed package.
func (db *DB) ListDeps(ctx context.Context, name string) ([]Dependency, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT dep_name, dep_version FROM dependencies WHERE package_name=?`, name)
	if err != nil {
		return nil, &errs.StateError{Op: "list deps", Cause: err}
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var d Dependency
		var ver sql.NullString
		if err := rows.Scan(&d.Name, &ver); err != nil {
			return nil, &errs.StateError{Op: "list deps", Cause: err}
		}
		d.Version = ver.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// FindRevDeps returns the names of installed packages that depend on name —
// the set that would need rebuilding or removing before name can be removed.
func (db *DB) FindRevDeps(ctx context.Context, name string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT package_name FROM dependencies WHERE dep_name=?`, name)
	if err != nil {
		return nil, &errs.StateError{Op: "find revdeps", Cause: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, &errs.StateError{Op: "find revdeps", Cause: err}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// FindRevDepsTransitive returns the transitive closure of installed packages
// that depend on name, directly or through any chain of other installed
// packages (A->B->C: FindRevDepsTransitive("C") includes both B and A).
func (db *DB) FindRevDepsTransitive(ctx context.Context, name string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		direct, err := db.FindRevDeps(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, n := range direct {
			if seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
			queue = append(queue, n)
		}
	}
	return out, nil
}

// LogEvent appends an entry to the event log. Events are never updated or
// deleted by basalt itself — only appended — so the log doubles as an audit trail.
func (db *DB) LogEvent(ctx context.Context, pkgName, stage, message, level string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO events(pkg_name, stage, message, level, timestamp) VALUES (?, ?, ?, ?, ?)`,
		pkgName, stage, message, level, time.Now().Unix(),
	)
	if err != nil {
		return &errs.StateError{Op: "log event", Cause: err}
	}
	return nil
}

// ListEvents returns events for pkgName (or every event, if pkgName is
// empty), most recent first.
func (db *DB) ListEvents(ctx context.Context, pkgName string) ([]Event, error) {
	var rows *sql.Rows
	var err error
	if pkgName != "" {
		rows, err = db.conn.QueryContext(ctx,
			`SELECT id, pkg_name, stage, message, level, timestamp FROM events WHERE pkg_name=? ORDER BY id DESC`, pkgName)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			`SELECT id, pkg_name, stage, message, level, timestamp FROM events ORDER BY id DESC`)
	}
	if err != nil {
		return nil, &errs.StateError{Op: "list events", Cause: err}
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts int64
		var pkg sql.NullString
		if err := rows.Scan(&e.ID, &pkg, &e.Stage, &e.Message, &e.Level, &ts); err != nil {
			return nil, &errs.StateError{Op: "list events", Cause: err}
		}
		e.PkgName = pkg.String
		e.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryFiles(ctx context.Context, q querier, name string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT file_path FROM files WHERE package_name=?`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
