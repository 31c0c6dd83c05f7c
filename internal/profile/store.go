package profile

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"codeberg.org/mutker/sensorless/internal/errors"
	"codeberg.org/mutker/sensorless/internal/logger"
)

const (
	schemaVersion  = 1
	defaultDirPerm = 0o755

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS profiles (
	       name        TEXT PRIMARY KEY,
	       version     TEXT NOT NULL,
	       updated_at  TEXT NOT NULL,
	       data        TEXT NOT NULL
	   );`

	upsertProfileSQL = `
    INSERT INTO profiles (name, version, updated_at, data)
    VALUES (?, ?, datetime('now'), ?)
    ON CONFLICT(name) DO UPDATE SET
        version = excluded.version,
        updated_at = excluded.updated_at,
        data = excluded.data`
)

// Store persists named machine profiles.
type Store interface {
	// Load returns the stored profile, or a default one when the name is
	// unknown.
	Load(name string) (*Profile, error)

	// Save writes a profile synchronously. Other stored profiles are
	// untouched.
	Save(p *Profile) error

	// Delete removes a profile by name.
	Delete(name string) error

	// List returns the stored profile names.
	List() ([]string, error)

	Close() error
}

type sqliteStore struct {
	db  *sql.DB
	mu  sync.Mutex
	log logger.Logger
}

// NewStore opens (creating if needed) the profile database at path.
func NewStore(path string, log logger.Logger) (Store, error) {
	errFactory := errors.New()

	if path == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	dsn := path + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Int("schema_version", schemaVersion).Msg("Profile store opened")

	return &sqliteStore{db: db, log: log}, nil
}

func initSchema(db *sql.DB) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	if _, err := tx.Exec(`
        INSERT OR IGNORE INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, schemaVersion); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	return nil
}

func (s *sqliteStore) Load(name string) (*Profile, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	var data string
	err := s.db.QueryRow(`SELECT data FROM profiles WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Debug().Str("profile", name).Msg("No stored profile, using defaults")
		return Default(name), nil
	}
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	p, err := Import([]byte(data))
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (s *sqliteStore) Save(p *Profile) error {
	errFactory := errors.New()

	data, err := Export(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(upsertProfileSQL, p.Name, FormatVersion, string(data)); err != nil {
		return errFactory.Wrap(ErrQueryFailed, err)
	}

	s.log.Debug().Str("profile", p.Name).Msg("Profile saved")

	return nil
}

func (s *sqliteStore) Delete(name string) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM profiles WHERE name = ?`, name)
	if err != nil {
		return errFactory.Wrap(ErrQueryFailed, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errFactory.WithData(ErrNotFound, name)
	}

	return nil
}

func (s *sqliteStore) List() ([]string, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT name FROM profiles ORDER BY name`)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	return names, nil
}

func (s *sqliteStore) Close() error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	if err := s.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	return nil
}
