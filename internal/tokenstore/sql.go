package tokenstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/alexjbarnes/shop-connector/internal/models"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Dialect names a database/sql driver supported by SQLStore. The values
// double as goose dialect names.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "pgx"
)

// gooseMu guards goose's package-level configuration.
var gooseMu sync.Mutex

const (
	getQuery    = `SELECT encrypted_data FROM credentials WHERE install_id = ?`
	existsQuery = `SELECT 1 FROM credentials WHERE install_id = ? LIMIT 1`
	deleteQuery = `DELETE FROM credentials WHERE install_id = ?`
	countQuery  = `SELECT COUNT(*) FROM credentials`
	upsertQuery = `
		INSERT INTO credentials (install_id, encrypted_data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (install_id) DO UPDATE SET
			encrypted_data = excluded.encrypted_data,
			updated_at = CURRENT_TIMESTAMP`
)

// SQLStore keeps credential records in a relational table. Each operation
// is a single statement, so per-row atomicity comes from the database.
type SQLStore struct {
	*codec
	db      *sql.DB
	dialect Dialect
	ownsDB  bool
}

// OpenSQL opens a database with the driver for dialect, applies the
// schema migrations and returns a store that closes the database on
// Close. SQLite is limited to one open connection so writes are
// serialized in-process.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, key []byte, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", dialect, err)
	}

	s, err := NewSQLStore(ctx, db, dialect, key, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	s.ownsDB = true

	return s, nil
}

// NewSQLStore wraps an existing database handle. The caller keeps
// ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, key []byte, logger *slog.Logger) (*SQLStore, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	c, err := newCodec(key, logger)
	if err != nil {
		return nil, err
	}

	if err := migrate(ctx, db, dialect); err != nil {
		return nil, err
	}

	return &SQLStore{codec: c, db: db, dialect: dialect}, nil
}

func migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(string(dialect)); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

// Close closes the database if the store opened it.
func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}

	return s.db.Close()
}

// Get returns the decrypted record for installID, or nil when there is no
// record or it cannot be decrypted.
func (s *SQLStore) Get(ctx context.Context, installID string) (*models.Credentials, error) {
	var blob string

	err := s.db.QueryRowContext(ctx, s.rebind(getQuery), installID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	return s.open(installID, blob), nil
}

// Upsert replaces the record for installID with a single statement.
func (s *SQLStore) Upsert(ctx context.Context, installID string, creds models.Credentials) error {
	blob, err := s.seal(creds)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(upsertQuery), installID, blob); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}

	return nil
}

// Delete removes the record for installID and reports whether one existed.
func (s *SQLStore) Delete(ctx context.Context, installID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(deleteQuery), installID)
	if err != nil {
		return false, fmt.Errorf("deleting credentials: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting credentials: %w", err)
	}

	return n > 0, nil
}

// HasTokens reports whether a record exists without reading its blob.
func (s *SQLStore) HasTokens(ctx context.Context, installID string) (bool, error) {
	var one int

	err := s.db.QueryRowContext(ctx, s.rebind(existsQuery), installID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("checking credentials: %w", err)
	}

	return true, nil
}

// Count returns the number of stored records.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, countQuery).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting credentials: %w", err)
	}

	return n, nil
}

func (s *SQLStore) rebind(query string) string {
	return rebind(s.dialect, query)
}

// rebind rewrites "?" placeholders to "$n" for postgres.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}

	var b strings.Builder

	n := 0

	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}
