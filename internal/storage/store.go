package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

const mysqlDuplicateEntry = 1062

// TenantCache is the read-through cache in front of the tenants table.
type TenantCache interface {
	GetJSON(ctx context.Context, key string, dst any) error
	SetTagged(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) error
	InvalidateTags(ctx context.Context, tags ...string) error
}

// Store persists tenants, profiles, conversations and messages.
type Store struct {
	db       *sql.DB
	cipher   *TokenCipher
	cache    TenantCache
	cacheTTL time.Duration
	now      func() time.Time
}

type Option func(*Store)

// WithTokenCipher enables tenant API key storage.
func WithTokenCipher(c *TokenCipher) Option {
	return func(s *Store) { s.cipher = c }
}

// WithTenantCache caches tenant records for ttl.
func WithTenantCache(cache TenantCache, ttl time.Duration) Option {
	return func(s *Store) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}
	return false
}
