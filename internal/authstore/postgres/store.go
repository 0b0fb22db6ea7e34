// Package postgres provides PostgreSQL storage for the session archive.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/gdbrns/go-whatsapp-userbot/internal/authstore"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "wa_auth_sessions"

// Config configures the PostgreSQL session store.
type Config struct {
	Table     string
	SessionID string
}

// Store implements authstore.Store using PostgreSQL.
type Store struct {
	db    *sql.DB
	table string
	id    string
	now   func() time.Time
}

// New creates a store over an open database handle.
func New(db *sql.DB, cfg Config) *Store {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	id := cfg.SessionID
	if id == "" {
		id = authstore.DefaultSessionID
	}
	return &Store{
		db:    db,
		table: pq.QuoteIdentifier(table),
		id:    id,
		now:   time.Now,
	}
}

// Open connects with the pgx stdlib driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("connect", err)
	}
	return db, nil
}

// Migrate creates the session table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		id        TEXT PRIMARY KEY,
		archive   BYTEA NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		size      BIGINT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("creating session table: %w", classify("migrate", err))
	}
	return nil
}

// Load returns the stored session. Returns nil, nil if not found.
func (s *Store) Load(ctx context.Context) (*authstore.Session, error) {
	query := `SELECT id, archive, timestamp, size FROM ` + s.table + ` WHERE id = $1`

	var sess authstore.Session
	err := s.db.QueryRowContext(ctx, query, s.id).Scan(&sess.ID, &sess.Archive, &sess.Timestamp, &sess.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", classify("load", err))
	}
	return &sess, nil
}

// Save upserts the session row.
func (s *Store) Save(ctx context.Context, archive []byte) error {
	sess := authstore.NewSession(s.id, archive, s.now())

	query := `
		INSERT INTO ` + s.table + ` (id, archive, timestamp, size)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET archive = EXCLUDED.archive, timestamp = EXCLUDED.timestamp, size = EXCLUDED.size
	`
	_, err := s.db.ExecContext(ctx, query, sess.ID, sess.Archive, sess.Timestamp, sess.Size)
	if err != nil {
		return fmt.Errorf("saving session: %w", classify("save", err))
	}
	return nil
}

// Clear deletes the session row.
func (s *Store) Clear(ctx context.Context) error {
	query := `DELETE FROM ` + s.table + ` WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, s.id); err != nil {
		return fmt.Errorf("clearing session: %w", classify("clear", err))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

func classify(op string, err error) error {
	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	switch {
	case pgconn.Timeout(err),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &connErr),
		errors.As(err, &netErr):
		return &authstore.UnavailableError{Op: op, Err: err}
	}
	return err
}

// Verify interface compliance.
var _ authstore.Store = (*Store)(nil)
