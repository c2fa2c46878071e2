package authdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQL is a lookup source backed by sqlite, mysql or postgres. Every column
// of the first returned row becomes a field; NULL columns are omitted.
type SQL struct {
	driver string
	dsn    string
	query  string
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

var sqlDrivers = map[string]string{
	"sqlite":   "sqlite3",
	"mysql":    "mysql",
	"postgres": "postgres",
}

// NewSQL creates a SQL source. The connection is opened on first use.
func NewSQL(cfg Config, logger *slog.Logger) (*SQL, error) {
	driver, ok := sqlDrivers[strings.ToLower(cfg.Type)]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver: %s", cfg.Type)
	}
	dsn := cfg.DSN
	if dsn == "" {
		dsn = cfg.Path
	}
	if dsn == "" {
		return nil, fmt.Errorf("%s source requires a dsn: %w", cfg.Type, ErrInvalidInput)
	}
	if cfg.Query == "" {
		return nil, fmt.Errorf("%s source requires a query: %w", cfg.Type, ErrInvalidInput)
	}
	return &SQL{
		driver: driver,
		dsn:    dsn,
		query:  cfg.Query,
		logger: logger,
	}, nil
}

func (s *SQL) connect(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}

	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", s.driver, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", s.driver, err)
	}
	s.db = db
	s.logger.Info("Connected to lookup database", "driver", s.driver)
	return db, nil
}

// bind rewrites the %-variables of the query into driver placeholders and
// returns the matching arguments.
func (s *SQL) bind(req Request) (string, []any) {
	var args []any
	query := expand(s.query, req, func(value string) string {
		args = append(args, value)
		if s.driver == "postgres" {
			return "$" + strconv.Itoa(len(args))
		}
		return "?"
	})
	return query, args
}

// Lookup implements Source.
func (s *SQL) Lookup(ctx context.Context, req Request) (Fields, error) {
	db, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	query, args := s.bind(req)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup query failed: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("lookup query failed: %w", err)
		}
		return nil, ErrNotFound
	}

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read lookup columns: %w", err)
	}
	values := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan lookup row: %w", err)
	}

	fields := make(Fields, 0, len(columns))
	for i, column := range columns {
		if !values[i].Valid {
			continue
		}
		fields = append(fields, Field{Key: strings.ToLower(column), Value: values[i].String})
	}
	return fields, nil
}

// Close implements Source.
func (s *SQL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("failed to close %s connection: %w", s.driver, err)
	}
	return nil
}
