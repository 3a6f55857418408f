package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

type Options struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
	ConnMaxIdle  time.Duration
	PingTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 20
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 10
	}
	if o.ConnMaxLife == 0 {
		o.ConnMaxLife = 30 * time.Minute
	}
	if o.ConnMaxIdle == 0 {
		o.ConnMaxIdle = 5 * time.Minute
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = 2 * time.Second
	}
	return o
}

// OpenMySQL opens and pings a MySQL pool.
func OpenMySQL(opt Options) (*sql.DB, error) {
	opt = opt.withDefaults()
	db, err := sql.Open("mysql", opt.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(opt.MaxOpenConns)
	db.SetMaxIdleConns(opt.MaxIdleConns)
	db.SetConnMaxLifetime(opt.ConnMaxLife)
	db.SetConnMaxIdleTime(opt.ConnMaxIdle)
	return ping(db, opt.PingTimeout)
}

// OpenSQLite opens a single-writer SQLite file in WAL mode.
func OpenSQLite(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return ping(db, 2*time.Second)
}

func ping(db *sql.DB, timeout time.Duration) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
