package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds database configuration.
type Config struct {
	Driver Driver

	// URL is the PostgreSQL connection string.
	URL string

	// SQLitePath defaults to ~/.lingomarket/lingomarket.db.
	SQLitePath string

	// MaxConns applies to PostgreSQL only.
	MaxConns int
}

// Connection is an open database handle. Concrete connections also expose
// their native handle through PoolProvider or SQLProvider.
type Connection interface {
	Driver() Driver
	Ping(ctx context.Context) error
	Close() error
}

// PoolProvider is implemented by PostgreSQL connections.
type PoolProvider interface {
	Pool() *pgxpool.Pool
}

// SQLProvider is implemented by SQLite connections.
type SQLProvider interface {
	DB() *sql.DB
}

// NewConnection opens a connection for the configured driver.
func NewConnection(ctx context.Context, cfg Config) (Connection, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDriver(cfg.URL)
	}

	var open func(ctx context.Context, cfg Config) (Connection, error)
	switch driver {
	case DriverPostgres:
		open = openPostgres
	case DriverSQLite:
		open = openSQLite
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if open == nil {
		return nil, fmt.Errorf("database driver %s is not registered", driver)
	}
	return open(ctx, cfg)
}

// DefaultSQLitePath returns the default SQLite database path.
func DefaultSQLitePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".lingomarket", "lingomarket.db")
}

// EnsureDirectory creates the parent directory of path.
func EnsureDirectory(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

var (
	openPostgres func(ctx context.Context, cfg Config) (Connection, error)
	openSQLite   func(ctx context.Context, cfg Config) (Connection, error)
)

// RegisterPostgresDriver is called from the postgres package's init.
func RegisterPostgresDriver(fn func(ctx context.Context, cfg Config) (Connection, error)) {
	openPostgres = fn
}

// RegisterSQLiteDriver is called from the sqlite package's init.
func RegisterSQLiteDriver(fn func(ctx context.Context, cfg Config) (Connection, error)) {
	openSQLite = fn
}
