package sql_cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/pmkol/tiercache/mlog"
	"github.com/pmkol/tiercache/pkg/cache"
	"github.com/pmkol/tiercache/pkg/utils"
)

// Dialect selects placeholder and column types.
type Dialect uint8

const (
	SQLite Dialect = iota
	Postgres
)

// DriverName returns the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite3"
}

// ParseDialect accepts "sqlite", "sqlite3", "postgres", "postgresql" and "pgx".
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return 0, fmt.Errorf("unsupported sql dialect %q", s)
	}
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Opts struct {
	Dialect Dialect

	// Table defaults to "tiercache_entries".
	Table string

	// Logger is the *zap.Logger for this SQLCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	utils.SetDefaultString(&opts.Table, "tiercache_entries")
	if !tableNameRe.MatchString(opts.Table) {
		return fmt.Errorf("invalid table name %q", opts.Table)
	}
	opts.Logger = mlog.OrNop(opts.Logger)
	return nil
}

// SQLCache is a durable cache.Backend stored in one upsert table.
// The version is kept in its own column so the compare happens in the
// database.
type SQLCache struct {
	db   *sql.DB
	opts Opts

	getQ, putQ, putIfNewerQ, delQ string
}

var _ cache.VersionedBackend = (*SQLCache)(nil)

// Open opens dsn with the driver of opts.Dialect and creates the table.
func Open(ctx context.Context, dsn string, opts Opts) (*SQLCache, error) {
	db, err := sql.Open(opts.Dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.Dialect == SQLite {
		// Serialize writers, sqlite only has one write lock anyway.
		db.SetMaxOpenConns(1)
	}
	c, err := New(ctx, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// New uses an already opened db. Close will close db.
func New(ctx context.Context, db *sql.DB, opts Opts) (*SQLCache, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if err := opts.Init(); err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	c := &SQLCache{db: db, opts: opts}
	c.prepareQueries()
	if err := c.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return c, nil
}

func (c *SQLCache) ph(i int) string {
	if c.opts.Dialect == Postgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (c *SQLCache) prepareQueries() {
	t := c.opts.Table
	c.getQ = fmt.Sprintf(`SELECT v, expires_at FROM %s WHERE k = %s`, t, c.ph(1))
	upsert := fmt.Sprintf(`INSERT INTO %s (k, version, expires_at, v) VALUES (%s, %s, %s, %s)
ON CONFLICT (k) DO UPDATE SET version = excluded.version, expires_at = excluded.expires_at, v = excluded.v`,
		t, c.ph(1), c.ph(2), c.ph(3), c.ph(4))
	c.putQ = upsert
	c.putIfNewerQ = upsert + fmt.Sprintf(` WHERE %s.version <= excluded.version`, t)
	c.delQ = fmt.Sprintf(`DELETE FROM %s WHERE k = %s`, t, c.ph(1))
}

func (c *SQLCache) migrate(ctx context.Context) error {
	blob := "BLOB"
	if c.opts.Dialect == Postgres {
		blob = "BYTEA"
	}
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	k TEXT PRIMARY KEY,
	version BIGINT NOT NULL,
	expires_at BIGINT NOT NULL DEFAULT 0,
	v %s NOT NULL
)`, c.opts.Table, blob))
	return err
}

func (c *SQLCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		v         []byte
		expiresAt int64
	)
	err := c.db.QueryRowContext(ctx, c.getQ, key).Scan(&v, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if expiresAt != 0 && time.Now().UnixNano() >= expiresAt {
		return nil, false, nil
	}
	return v, true, nil
}

func (c *SQLCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	version, _ := cache.PeekVersion(value)
	_, err := c.db.ExecContext(ctx, c.putQ, key, int64(version), expiresAt(ttl), value)
	return err
}

func (c *SQLCache) PutIfNewer(ctx context.Context, key string, value []byte, version uint64, ttl time.Duration) (bool, error) {
	res, err := c.db.ExecContext(ctx, c.putIfNewerQ, key, int64(version), expiresAt(ttl), value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *SQLCache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, c.delQ, key)
	return err
}

func (c *SQLCache) Close() error {
	return c.db.Close()
}

func expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}
