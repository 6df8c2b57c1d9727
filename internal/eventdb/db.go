package eventdb

import (
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pvtbox/syncd/internal/slogutil"
)

var log = slogutil.NewAdapter("eventdb")

const (
	dbDriver      = "sqlite"
	commonOptions = "_pragma=foreign_keys(1)&_pragma=recursive_triggers(1)&_pragma=synchronous(1)&_txlock=immediate"
)

//go:embed sql/*.sql
var migrations embed.FS

// DB is the on-disk event and file catalog (spec §4.2). A single
// process-wide write lock (dbLock) serializes bulk insert/update
// transactions. The pool holds a single connection, so every
// transaction, read or write, runs on it in turn: reads do not run
// concurrently with each other or with a write.
type DB struct {
	sql *sqlx.DB

	dbLock   sync.Mutex
	softLock sync.RWMutex
}

// Open opens (creating if necessary) the event database at path and
// applies any outstanding schema migrations.
func Open(path string) (*DB, error) {
	pathURL := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(path),
		RawQuery: commonOptions,
	}
	sqlDB, err := sqlx.Open(dbDriver, pathURL.String())
	if err != nil {
		return nil, fmt.Errorf("eventdb: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sql: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.sql.Close()
}

// migrate applies every embedded sql/*.sql script not yet recorded in
// schema_migrations, in filename order, each inside its own transaction.
// Grounded on the teacher's db_schema.go runScripts/schemaVersion pair.
func (db *DB) migrate() error {
	if _, err := db.sql.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER NOT NULL PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("eventdb: bootstrap schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.sql.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("eventdb: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("eventdb: scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	scripts, err := fs.Glob(migrations, "sql/*.sql")
	if err != nil {
		return fmt.Errorf("eventdb: glob migrations: %w", err)
	}
	sort.Strings(scripts)

	for _, scr := range scripts {
		version, err := scriptVersion(scr)
		if err != nil {
			return err
		}
		if applied[version] {
			continue
		}
		log.Debugf("applying migration %s", scr)
		if err := db.runScript(scr, version); err != nil {
			return err
		}
	}
	return nil
}

func scriptVersion(name string) (int, error) {
	base := filepath.Base(name)
	digits := strings.SplitN(base, "_", 2)[0]
	var v int
	if _, err := fmt.Sscanf(digits, "%d", &v); err != nil {
		return 0, fmt.Errorf("eventdb: bad migration filename %q: %w", name, err)
	}
	return v, nil
}

func (db *DB) runScript(path string, version int) error {
	bs, err := fs.ReadFile(migrations, path)
	if err != nil {
		return fmt.Errorf("eventdb: read migration %s: %w", path, err)
	}

	tx, err := db.sql.Begin()
	if err != nil {
		return fmt.Errorf("eventdb: begin migration tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// sqlite requires one statement per Exec; scripts separate statements
	// with a lone semicolon on its own line.
	for _, stmt := range strings.Split(string(bs), "\n;") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("eventdb: exec migration %s: %w", path, err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		version, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("eventdb: record migration %s: %w", path, err)
	}

	return tx.Commit()
}
