package delivery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// PostgresStore does NOT own the pgx pool; the caller closes it, so Close is
// a no-op. Monotonicity is enforced by the upsert itself, so concurrent
// writers for the same (thread, user) never move the mark backwards.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "threadsync").
// The schema name is validated and quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("delivery: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("delivery: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "threadsync",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, OpError{Op: "delivery.NewPostgresStore", Kind: ErrNilPool}
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and the delivery_marks table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	marks := s.table()
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  thread_id   BIGINT NOT NULL CHECK (thread_id > 0),
  user_id     BIGINT NOT NULL CHECK (user_id > 0),
  message_id  BIGINT NOT NULL CHECK (message_id > 0),
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (thread_id, user_id)
);
`, pgx.Identifier{s.schema}.Sanitize(), marks)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("delivery: ensure schema: %w", err)
	}
	return nil
}

// AdvanceDelivered raises the mark with a single GREATEST upsert. The
// conditional DO UPDATE only returns a row when the mark actually moved.
func (s *PostgresStore) AdvanceDelivered(ctx context.Context, threadID, userID, messageID int64) (int64, bool, error) {
	const op = "delivery.PostgresStore.AdvanceDelivered"
	if err := validate(op, threadID, userID, messageID); err != nil {
		return 0, false, err
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	marks := s.table()

	var current int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+marks+` AS m (thread_id, user_id, message_id, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (thread_id, user_id) DO UPDATE
		    SET message_id = GREATEST(m.message_id, EXCLUDED.message_id),
		        updated_at = now()
		  WHERE m.message_id < EXCLUDED.message_id
		RETURNING message_id`,
		threadID, userID, messageID,
	).Scan(&current)
	if err == nil {
		return current, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, OpError{Op: op, Kind: ErrUnavailable, Msg: err.Error()}
	}

	// The existing mark is at or above messageID.
	m, err := s.Get(ctx, threadID, userID)
	if err != nil {
		return 0, false, err
	}
	return m.MessageID, false, nil
}

// Get returns the mark for (threadID, userID).
func (s *PostgresStore) Get(ctx context.Context, threadID, userID int64) (Mark, error) {
	const op = "delivery.PostgresStore.Get"
	if threadID <= 0 || userID <= 0 {
		return Mark{}, OpError{Op: op, Kind: ErrInvalidInput}
	}

	var m Mark
	err := s.pool.QueryRow(ctx,
		`SELECT thread_id, user_id, message_id, updated_at
		   FROM `+s.table()+`
		  WHERE thread_id = $1 AND user_id = $2`,
		threadID, userID,
	).Scan(&m.ThreadID, &m.UserID, &m.MessageID, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Mark{}, OpError{Op: op, Kind: ErrNotFound}
	}
	if err != nil {
		return Mark{}, OpError{Op: op, Kind: ErrUnavailable, Msg: err.Error()}
	}
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func (s *PostgresStore) table() string {
	return pgIdent(s.schema, "delivery_marks")
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier quotes each part.
	return pgx.Identifier{schema, table}.Sanitize()
}
