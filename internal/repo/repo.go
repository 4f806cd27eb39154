package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// scanner is satisfied by pgx.Row and *sql.Row.
type scanner interface {
	Scan(dest ...any) error
}

// rows is satisfied by pgx.Rows and sqlRows.
type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// execer runs statements that are already in the backend's placeholder style.
type execer interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	query(ctx context.Context, query string, args ...any) (rows, error)
	queryRow(ctx context.Context, query string, args ...any) scanner
}

type backend interface {
	execer
	begin(ctx context.Context, fn func(execer) error) error
	ping(ctx context.Context) error
	close()
}

// Store is the relational store for every synced entity. Queries are written
// once with "?" placeholders and rebound for Postgres.
type Store struct {
	be      backend
	ex      execer
	dialect dialect
	logger  *slog.Logger
	inTx    bool
	now     func() time.Time
}

func newStore(be backend, d dialect, logger *slog.Logger) *Store {
	return &Store{
		be:      be,
		ex:      be,
		dialect: d,
		logger:  logger.With("component", "repo", "dialect", d.String()),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// New opens a new connection pool to Postgres with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	s := newStore(&pgBackend{pgExecer: pgExecer{q: pool}, pool: pool}, dialectPostgres, logger)
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite opens a local SQLite database file.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*Store, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time; WAL lets readers proceed
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return newStore(&sqlBackend{sqlExecer: sqlExecer{q: db}, db: db}, dialectSQLite, logger), nil
}

// Open picks Postgres when databaseURL is set and SQLite otherwise.
func Open(ctx context.Context, databaseURL, schema, sqlitePath string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return New(ctx, databaseURL, schema, logger)
	}
	return NewSQLite(ctx, sqlitePath, logger)
}

// Close releases the underlying connections.
func (s *Store) Close() {
	if s.be != nil {
		s.be.close()
	}
}

// Ping ensures the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.be.ping(ctx)
}

// WithTx runs fn inside a transaction. Nested calls join the outer one.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.be.begin(ctx, func(ex execer) error {
		tx := *s
		tx.ex = ex
		tx.inTx = true
		return fn(&tx)
	})
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (int64, error) {
	return s.ex.exec(ctx, s.rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (rows, error) {
	return s.ex.query(ctx, s.rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) scanner {
	return s.ex.queryRow(ctx, s.rebind(q), args...)
}

// rebind turns "?" placeholders into "$n" for Postgres. Queries in this
// package never contain a literal question mark.
func (s *Store) rebind(q string) string {
	if s.dialect != dialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// --- Postgres backend ---

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgExecer struct {
	q pgQuerier
}

func (e pgExecer) exec(ctx context.Context, query string, args ...any) (int64, error) {
	ct, err := e.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (e pgExecer) query(ctx context.Context, query string, args ...any) (rows, error) {
	return e.q.Query(ctx, query, args...)
}

func (e pgExecer) queryRow(ctx context.Context, query string, args ...any) scanner {
	return e.q.QueryRow(ctx, query, args...)
}

type pgBackend struct {
	pgExecer
	pool *pgxpool.Pool
}

func (b *pgBackend) begin(ctx context.Context, fn func(execer) error) error {
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		return fn(pgExecer{q: tx})
	})
}

func (b *pgBackend) ping(ctx context.Context) error { return b.pool.Ping(ctx) }

func (b *pgBackend) close() { b.pool.Close() }

// --- database/sql backend (SQLite, sqlmock) ---

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlExecer struct {
	q sqlQuerier
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

func (e sqlExecer) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := e.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (e sqlExecer) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

func (e sqlExecer) queryRow(ctx context.Context, query string, args ...any) scanner {
	return e.q.QueryRowContext(ctx, query, args...)
}

type sqlBackend struct {
	sqlExecer
	db *sql.DB
}

func (b *sqlBackend) begin(ctx context.Context, fn func(execer) error) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(sqlExecer{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *sqlBackend) ping(ctx context.Context) error { return b.db.PingContext(ctx) }

func (b *sqlBackend) close() { _ = b.db.Close() }

// --- helpers ---

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// isUniqueViolation detects a natural-key race on either backend.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// retryOnConflict runs fn again once when it lost a natural-key race; the
// second attempt finds the row and takes the update path. Inside a
// transaction the failed statement poisons the tx on Postgres, so the retry
// belongs to whoever opened it.
func (s *Store) retryOnConflict(ctx context.Context, what string, fn func() error) error {
	if s.inTx {
		return fn()
	}
	err := fn()
	if err == nil || !isUniqueViolation(err) {
		return err
	}
	s.logger.Debug("natural key conflict, retrying", "entity", what)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fn()
}

func randomUUID() string {
	return uuid.NewString()
}

// fingerprint hashes the normalized form of v. encoding/json sorts map keys
// and keeps struct field order, so equal values hash equally.
func fingerprint(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func toJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(raw), nil
}

func fromJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
