package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCredentialsTableName = "feedsync_credentials"
	postgresCredentialKey        = "default"
	postgresOperationTimeout     = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps the token in a single keyed row so several hosts can
// share one credential.
type PostgresStore struct {
	dsn       string
	tableName string
	key       string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresCredentialsTableName,
		key:       postgresCredentialKey,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Token(ctx context.Context) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT token FROM %s WHERE credential_key = $1", postgresQuoteIdentifier(s.tableName))
	var token string
	err := s.db.QueryRowContext(ctx, query, s.key).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func (s *PostgresStore) Save(ctx context.Context, token string) error {
	token, err := normalizeToken(token)
	if err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (credential_key, token, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (credential_key)
		DO UPDATE SET token = EXCLUDED.token, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(ctx, query, s.key, token)
	return err
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE credential_key = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.key)
	return err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensureReady opens the pool and creates the table once. Setup runs on its own
// deadline, independent of the caller's context.
func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				credential_key TEXT PRIMARY KEY,
				token TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
