package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL flavour and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driverName() (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "pgx", nil
	}
	return "", fmt.Errorf("unsupported SQL dialect %q", d)
}

// SQLStore persists confirmations and state through database/sql. Times
// are stored as Unix milliseconds.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	opts    options
}

// OpenSQL opens and pings a database. Call Migrate before first use.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*SQLStore, error) {
	driver, err := dialect.driverName()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	s := NewSQLStore(db, dialect, opts...)
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("dialect", string(dialect)).Msg("SQL state store connected")
	return s, nil
}

// NewSQLStore wraps an existing handle.
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...Option) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, opts: buildOptions(opts)}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.dialect, err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS pending_confirmations (
		tenant_id       TEXT   NOT NULL,
		chat_id         TEXT   NOT NULL,
		id              TEXT   NOT NULL,
		channel         TEXT   NOT NULL DEFAULT '',
		created_at      BIGINT NOT NULL,
		expires_at      BIGINT NOT NULL,
		prompt_text     TEXT   NOT NULL DEFAULT '',
		proposed_action TEXT   NOT NULL DEFAULT '{}',
		PRIMARY KEY (tenant_id, chat_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_confirmations_expires ON pending_confirmations (expires_at)`,
	`CREATE TABLE IF NOT EXISTS parked_confirmations (
		id              TEXT   PRIMARY KEY,
		tenant_id       TEXT   NOT NULL,
		chat_id         TEXT   NOT NULL,
		channel         TEXT   NOT NULL DEFAULT '',
		created_at      BIGINT NOT NULL,
		expires_at      BIGINT NOT NULL,
		prompt_text     TEXT   NOT NULL DEFAULT '',
		proposed_action TEXT   NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_states (
		tenant_id      TEXT   NOT NULL,
		chat_id        TEXT   NOT NULL,
		channel        TEXT   NOT NULL DEFAULT '',
		stage          TEXT   NOT NULL DEFAULT 'idle',
		vars           TEXT   NOT NULL DEFAULT '{}',
		last_intent    TEXT   NOT NULL DEFAULT '',
		last_user_text TEXT   NOT NULL DEFAULT '',
		updated_at     BIGINT NOT NULL,
		ttl_ms         BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, chat_id)
	)`,
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
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

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ── Confirmations ────────────────────────────────────────────

const confirmationColumns = "id, tenant_id, chat_id, channel, created_at, expires_at, prompt_text, proposed_action"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfirmation(row rowScanner) (*models.PendingConfirmation, error) {
	var (
		rec              models.PendingConfirmation
		created, expires int64
		action           string
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.ChatID, &rec.Channel, &created, &expires, &rec.PromptText, &action); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.ExpiresAt = time.UnixMilli(expires).UTC()
	if err := json.Unmarshal([]byte(action), &rec.ProposedAction); err != nil {
		return nil, fmt.Errorf("decode proposed action: %w", err)
	}
	return &rec, nil
}

func (s *SQLStore) CreateConfirmation(ctx context.Context, rec *models.PendingConfirmation) (*models.PendingConfirmation, bool, error) {
	if err := validateConfirmation(rec); err != nil {
		return nil, false, err
	}
	if err := s.reap(ctx); err != nil {
		return nil, false, err
	}

	now := s.opts.now()
	stored := cloneConfirmation(rec)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	action, err := json.Marshal(stored.ProposedAction)
	if err != nil {
		return nil, false, fmt.Errorf("encode proposed action: %w", err)
	}

	var (
		result  *models.PendingConfirmation
		created bool
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.parkKey(ctx, tx, stored.TenantID, stored.ChatID, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO pending_confirmations (`+confirmationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (tenant_id, chat_id) DO NOTHING`),
			stored.ID, stored.TenantID, stored.ChatID, stored.Channel,
			stored.CreatedAt.UnixMilli(), stored.ExpiresAt.UnixMilli(), stored.PromptText, string(action))
		if err != nil {
			return fmt.Errorf("insert confirmation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			result, created = stored, true
			return nil
		}
		existing, err := scanConfirmation(tx.QueryRowContext(ctx, s.rebind(`SELECT `+confirmationColumns+`
			FROM pending_confirmations WHERE tenant_id = ? AND chat_id = ?`), stored.TenantID, stored.ChatID))
		if err != nil {
			return fmt.Errorf("load existing confirmation: %w", err)
		}
		result = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (s *SQLStore) GetConfirmation(ctx context.Context, tenantID, chatID string) (*models.PendingConfirmation, error) {
	if err := validateKey(tenantID, chatID); err != nil {
		return nil, err
	}
	var result *models.PendingConfirmation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.loadConfirmation(ctx, tx, tenantID, chatID)
		if err != nil || rec == nil {
			return err
		}
		if rec.Expired(s.opts.now()) {
			return s.parkKey(ctx, tx, tenantID, chatID, s.opts.now())
		}
		result = rec
		return nil
	})
	return result, err
}

func (s *SQLStore) ResolveConfirmation(ctx context.Context, tenantID, chatID string) (*models.PendingConfirmation, error) {
	if err := validateKey(tenantID, chatID); err != nil {
		return nil, err
	}
	if err := s.reap(ctx); err != nil {
		return nil, err
	}
	now := s.opts.now()
	var result *models.PendingConfirmation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.parkKey(ctx, tx, tenantID, chatID, now); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, s.rebind(`DELETE FROM pending_confirmations
			WHERE tenant_id = ? AND chat_id = ? RETURNING `+confirmationColumns), tenantID, chatID)
		if err != nil {
			return fmt.Errorf("delete confirmation: %w", err)
		}
		recs, err := scanConfirmations(rows)
		if err != nil {
			return err
		}
		if len(recs) == 1 {
			result = &recs[0]
		}
		return nil
	})
	return result, err
}

func (s *SQLStore) CleanupExpired(ctx context.Context, now time.Time) ([]models.PendingConfirmation, error) {
	var out []models.PendingConfirmation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(`DELETE FROM pending_confirmations
			WHERE expires_at <= ? RETURNING `+confirmationColumns), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("delete expired confirmations: %w", err)
		}
		expired, err := scanConfirmations(rows)
		if err != nil {
			return err
		}
		rows, err = tx.QueryContext(ctx, `DELETE FROM parked_confirmations RETURNING `+confirmationColumns)
		if err != nil {
			return fmt.Errorf("drain parked confirmations: %w", err)
		}
		parked, err := scanConfirmations(rows)
		if err != nil {
			return err
		}
		out = append(parked, expired...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanConfirmations(rows *sql.Rows) ([]models.PendingConfirmation, error) {
	defer rows.Close()
	var out []models.PendingConfirmation
	for rows.Next() {
		rec, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) loadConfirmation(ctx context.Context, tx *sql.Tx, tenantID, chatID string) (*models.PendingConfirmation, error) {
	rec, err := scanConfirmation(tx.QueryRowContext(ctx, s.rebind(`SELECT `+confirmationColumns+`
		FROM pending_confirmations WHERE tenant_id = ? AND chat_id = ?`), tenantID, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load confirmation: %w", err)
	}
	return rec, nil
}

// parkKey moves the key's record to the parked table if it has expired.
func (s *SQLStore) parkKey(ctx context.Context, tx *sql.Tx, tenantID, chatID string, now time.Time) error {
	return s.park(ctx, tx, " AND tenant_id = ? AND chat_id = ?", now.UnixMilli(), tenantID, chatID)
}

func (s *SQLStore) park(ctx context.Context, tx *sql.Tx, filter string, args ...any) error {
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO parked_confirmations (`+confirmationColumns+`)
		SELECT `+confirmationColumns+` FROM pending_confirmations WHERE expires_at <= ?`+filter+`
		ON CONFLICT (id) DO NOTHING`), args...); err != nil {
		return fmt.Errorf("park confirmations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM pending_confirmations WHERE expires_at <= ?`+filter), args...); err != nil {
		return fmt.Errorf("park confirmations: %w", err)
	}
	return nil
}

// reap is the opportunistic cleanup run before mutations.
func (s *SQLStore) reap(ctx context.Context) error {
	now := s.opts.now()
	if s.opts.onExpired != nil {
		expired, err := s.CleanupExpired(ctx, now)
		if err != nil {
			return err
		}
		if len(expired) > 0 {
			s.opts.onExpired(ctx, expired)
		}
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.park(ctx, tx, "", now.UnixMilli())
	})
}

// ── Conversation State ───────────────────────────────────────

const stateColumns = "tenant_id, chat_id, channel, stage, vars, last_intent, last_user_text, updated_at, ttl_ms"

func scanState(row rowScanner) (*models.ConversationState, error) {
	var (
		st      models.ConversationState
		vars    string
		updated int64
	)
	if err := row.Scan(&st.TenantID, &st.ChatID, &st.Channel, &st.Stage, &vars, &st.LastIntent, &st.LastUserText, &updated, &st.TTLMs); err != nil {
		return nil, err
	}
	st.UpdatedAt = time.UnixMilli(updated).UTC()
	st.Vars = map[string]any{}
	if err := json.Unmarshal([]byte(vars), &st.Vars); err != nil {
		return nil, fmt.Errorf("decode vars: %w", err)
	}
	return &st, nil
}

func (s *SQLStore) loadState(ctx context.Context, tx *sql.Tx, tenantID, chatID string) (*models.ConversationState, error) {
	query := `SELECT ` + stateColumns + ` FROM conversation_states WHERE tenant_id = ? AND chat_id = ?`
	if s.dialect == DialectPostgres {
		query += " FOR UPDATE"
	}
	st, err := scanState(tx.QueryRowContext(ctx, s.rebind(query), tenantID, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return st, nil
}

func (s *SQLStore) GetState(ctx context.Context, tenantID, chatID string) (*models.ConversationState, error) {
	if err := validateKey(tenantID, chatID); err != nil {
		return nil, err
	}
	var result *models.ConversationState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		st, err := s.loadState(ctx, tx, tenantID, chatID)
		if err != nil || st == nil {
			return err
		}
		if st.Expired(s.opts.now()) {
			return s.deleteState(ctx, tx, tenantID, chatID)
		}
		result = st
		return nil
	})
	return result, err
}

func (s *SQLStore) SetState(ctx context.Context, tenantID, chatID string, patch models.StatePatch) (*models.ConversationState, error) {
	if err := validateKey(tenantID, chatID); err != nil {
		return nil, err
	}
	if err := s.reap(ctx); err != nil {
		return nil, err
	}
	now := s.opts.now()
	var next *models.ConversationState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Seed a default row so the locking read below always has a row to
		// lock. A concurrent first write waits here and then merges.
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO conversation_states (`+stateColumns+`)
			VALUES (?, ?, '', ?, '{}', '', '', ?, 0)
			ON CONFLICT (tenant_id, chat_id) DO NOTHING`),
			tenantID, chatID, models.DefaultStage, now.UnixMilli()); err != nil {
			return fmt.Errorf("seed state: %w", err)
		}
		prior, err := s.loadState(ctx, tx, tenantID, chatID)
		if err != nil {
			return err
		}
		if prior != nil && prior.Expired(now) {
			prior = nil
		}
		next = patch.Apply(prior, tenantID, chatID, now)
		vars, err := json.Marshal(next.Vars)
		if err != nil {
			return fmt.Errorf("encode vars: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO conversation_states (`+stateColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, chat_id) DO UPDATE SET
				channel = excluded.channel,
				stage = excluded.stage,
				vars = excluded.vars,
				last_intent = excluded.last_intent,
				last_user_text = excluded.last_user_text,
				updated_at = excluded.updated_at,
				ttl_ms = excluded.ttl_ms`),
			next.TenantID, next.ChatID, next.Channel, next.Stage, string(vars),
			next.LastIntent, next.LastUserText, next.UpdatedAt.UnixMilli(), next.TTLMs)
		if err != nil {
			return fmt.Errorf("upsert state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *SQLStore) DeleteState(ctx context.Context, tenantID, chatID string) error {
	if err := validateKey(tenantID, chatID); err != nil {
		return err
	}
	if err := s.reap(ctx); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.deleteState(ctx, tx, tenantID, chatID)
	})
}

func (s *SQLStore) deleteState(ctx context.Context, tx *sql.Tx, tenantID, chatID string) error {
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM conversation_states WHERE tenant_id = ? AND chat_id = ?`), tenantID, chatID); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}
