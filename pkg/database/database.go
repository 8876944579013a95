package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"hashdb/pkg/config"
	"hashdb/pkg/hash"

	"github.com/otiai10/copy"
)

var (
	ErrTableExists   = errors.New("table already exists")
	ErrTableNotFound = errors.New("table not found")
	ErrBadTableName  = errors.New("table name must be alphanumeric")
	ErrBadIndexType  = errors.New("invalid index type")
)

var tableName = regexp.MustCompile(`^\w+$`)

// Database is a folder of tables.
type Database struct {
	basepath string
	opts     []hash.Option // Applied when tables are created or opened
	tables   map[string]Index
	mu       sync.Mutex
}

// Opens a database given a data folder.
func Open(folder string, opts ...hash.Option) (*Database, error) {
	// Make the data directory.
	if err := os.MkdirAll(folder, 0775); err != nil {
		return nil, err
	}
	// Return an empty database.
	return &Database{
		basepath: filepath.Clean(folder),
		opts:     opts,
		tables:   make(map[string]Index),
	}, nil
}

// Close each table in the database, then close the database.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var errs []error
	for name, table := range db.tables {
		if err := table.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
		delete(db.tables, name)
	}
	return errors.Join(errs...)
}

// tablePath returns the file backing the named table.
func (db *Database) tablePath(name string) string {
	return filepath.Join(db.basepath, name+config.TableExt)
}

// Create a table with the given type.
func (db *Database) CreateTable(name string, indexType IndexType) (Index, error) {
	if !tableName.MatchString(name) {
		return nil, ErrBadTableName
	}
	if indexType != HashIndexType {
		return nil, ErrBadIndexType
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	path := db.tablePath(name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	index, err := hash.OpenTable(path, db.opts...)
	if err != nil {
		return nil, err
	}
	db.tables[name] = index
	return index, nil
}

// Get a table by its name, either from the open tables or from disk.
func (db *Database) GetTable(name string) (Index, error) {
	if !tableName.MatchString(name) {
		return nil, ErrBadTableName
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if index, ok := db.tables[name]; ok {
		return index, nil
	}
	path := db.tablePath(name)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	index, err := hash.OpenTable(path, db.opts...)
	if err != nil {
		return nil, err
	}
	db.tables[name] = index
	return index, nil
}

// TableNames returns the names of the tables stored in the database folder.
func (db *Database) TableNames() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(db.basepath, "*"+config.TableExt))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		names = append(names, base[:len(base)-len(config.TableExt)])
	}
	sort.Strings(names)
	return names, nil
}

// Get a database's open tables.
func (db *Database) GetTables() map[string]Index {
	return db.tables
}

// Returns the basepath of the database.
func (db *Database) GetBasePath() string {
	return db.basepath
}

// Backup syncs every open table and copies the database folder to dest,
// which must not exist yet.
func (db *Database) Backup(dest string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup destination %s already exists", dest)
	}
	for name, table := range db.tables {
		if err := table.Sync(); err != nil {
			return fmt.Errorf("syncing %s: %w", name, err)
		}
	}
	return copy.Copy(db.basepath, dest, copy.Options{Sync: true})
}
