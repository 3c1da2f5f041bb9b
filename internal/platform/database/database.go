package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps a pooled connection with the dialect it speaks.
type DB struct {
	*sql.DB
	driver string
}

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open opens and pings a database for the given driver.
func Open(ctx context.Context, driver, dsn string, opts Options) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("database: empty dsn")
	}
	var sqlDriver string
	switch driver {
	case DriverPostgres, "pgx", "":
		driver = DriverPostgres
		sqlDriver = "pgx"
	case DriverSQLite:
		sqlDriver = "sqlite"
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", driver)
	}

	sqlDB, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	if driver == DriverSQLite {
		// in-memory databases are per connection
		sqlDB.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return &DB{DB: sqlDB, driver: driver}, nil
}

// Driver returns the dialect name.
func (db *DB) Driver() string {
	if db == nil {
		return ""
	}
	return db.driver
}

// Rebind rewrites $N placeholders into the dialect's form.
func (db *DB) Rebind(query string) string {
	if db == nil || db.driver != DriverSQLite {
		return query
	}
	return rebindQuestion(query)
}

func rebindQuestion(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			continue
		}
		if _, err := strconv.Atoi(query[i+1 : j]); err != nil {
			b.WriteString(query[i:j])
		} else {
			b.WriteByte('?')
		}
		i = j - 1
	}
	return b.String()
}
