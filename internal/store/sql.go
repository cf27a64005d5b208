package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/planmesh/core/internal/events"
)

// sqlStore implements Store on database/sql. The same statements serve both
// drivers: $N placeholders are native to postgres and accepted by sqlite.
type sqlStore struct {
	db     *sql.DB
	q      querier
	driver string
	logger *slog.Logger
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		name       TEXT PRIMARY KEY,
		uuid       TEXT NOT NULL,
		role_id    INTEGER NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		token_id   TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		revoked    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS roles (
		id      INTEGER PRIMARY KEY,
		name    TEXT NOT NULL UNIQUE,
		bitmask BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id       TEXT PRIMARY KEY,
		ts       BIGINT NOT NULL,
		type     TEXT NOT NULL,
		severity TEXT NOT NULL,
		agent    TEXT NOT NULL DEFAULT '',
		details  TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		plan_id     TEXT NOT NULL,
		task_id     TEXT NOT NULL,
		result_hash TEXT NOT NULL,
		created_at  BIGINT NOT NULL,
		PRIMARY KEY (plan_id, task_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions (agent_name)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON security_events (ts)`,
}

// NewSQLStore opens a relational store ("postgres" or "sqlite") and ensures
// the schema exists.
func NewSQLStore(ctx context.Context, driver, dsn string, logger *slog.Logger) (Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if driver == "sqlite" {
		// modernc serializes writes; a single connection avoids lock churn
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	} else {
		db.SetMaxOpenConns(16)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}

	s := &sqlStore{db: db, q: db, driver: driver, logger: logger.With("component", "store."+driver)}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}

	s.logger.Info("Store ready", "driver", driver)
	return s, nil
}

func (s *sqlStore) PutAgent(ctx context.Context, agent *Agent) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO agents (name, uuid, role_id, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO NOTHING`,
		agent.Name, agent.UUID, agent.RoleID, agent.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put agent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put agent: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Row exists: same identity may update its role, a different one conflicts.
	existing, err := s.GetAgent(ctx, agent.Name)
	if err != nil {
		return err
	}
	if existing.UUID != agent.UUID {
		return fmt.Errorf("agent %q: %w", agent.Name, ErrConflict)
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE agents SET role_id = $1 WHERE name = $2`, agent.RoleID, agent.Name)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

func (s *sqlStore) GetAgent(ctx context.Context, name string) (*Agent, error) {
	var a Agent
	var createdAt int64
	err := s.q.QueryRowContext(ctx,
		`SELECT name, uuid, role_id, created_at FROM agents WHERE name = $1`, name).
		Scan(&a.Name, &a.UUID, &a.RoleID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	return &a, nil
}

func (s *sqlStore) ListAgents(ctx context.Context, roleID int) ([]*Agent, error) {
	query := `SELECT name, uuid, role_id, created_at FROM agents ORDER BY name`
	args := []interface{}{}
	if roleID != RoleAll {
		query = `SELECT name, uuid, role_id, created_at FROM agents WHERE role_id = $1 ORDER BY name`
		args = append(args, roleID)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		var a Agent
		var createdAt int64
		if err := rows.Scan(&a.Name, &a.UUID, &a.RoleID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteAgent(ctx context.Context, name string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM agents WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) PutSession(ctx context.Context, session *Session) error {
	revoked := 0
	if session.Revoked {
		revoked = 1
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO sessions (token_id, agent_name, expires_at, revoked) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token_id) DO UPDATE SET expires_at = $3, revoked = $4`,
		session.TokenID, session.AgentName, session.ExpiresAt.UnixNano(), revoked)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, tokenID string) (*Session, error) {
	var sess Session
	var expiresAt int64
	var revoked int
	err := s.q.QueryRowContext(ctx,
		`SELECT token_id, agent_name, expires_at, revoked FROM sessions WHERE token_id = $1`, tokenID).
		Scan(&sess.TokenID, &sess.AgentName, &expiresAt, &revoked)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %q: %w", tokenID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.ExpiresAt = time.Unix(0, expiresAt).UTC()
	sess.Revoked = revoked != 0
	return &sess, nil
}

func (s *sqlStore) RevokeSession(ctx context.Context, tokenID string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1 WHERE token_id = $1`, tokenID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %q: %w", tokenID, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) EnsureRole(ctx context.Context, role *Role) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO roles (id, name, bitmask) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET bitmask = $3`,
		role.ID, role.Name, int64(role.Bitmask))
	if err != nil {
		return fmt.Errorf("ensure role: %w", err)
	}
	return nil
}

func (s *sqlStore) GetRole(ctx context.Context, name string) (*Role, error) {
	var r Role
	var mask int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, bitmask FROM roles WHERE name = $1`, name).
		Scan(&r.ID, &r.Name, &mask)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get role: %w", err)
	}
	r.Bitmask = uint64(mask)
	return &r, nil
}

func (s *sqlStore) AppendEvent(ctx context.Context, event *events.Event) error {
	details := "{}"
	if event.Details != nil {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		details = string(raw)
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO security_events (id, ts, type, severity, agent, details)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Time.UnixNano(), event.Type, event.Severity, event.Agent, details)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *sqlStore) ListEvents(ctx context.Context, limit int) ([]*events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, ts, type, severity, agent, details FROM security_events
		 ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var ev events.Event
		var ts int64
		var details string
		if err := rows.Scan(&ev.ID, &ts, &ev.Type, &ev.Severity, &ev.Agent, &details); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Time = time.Unix(0, ts).UTC()
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				return nil, fmt.Errorf("unmarshal event details: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) BulkAppendCheckpoints(ctx context.Context, checkpoints []*Checkpoint) error {
	return s.InTransaction(ctx, func(tx Store) error {
		txs := tx.(*sqlStore)
		for _, cp := range checkpoints {
			_, err := txs.q.ExecContext(ctx,
				`INSERT INTO checkpoints (plan_id, task_id, result_hash, created_at)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (plan_id, task_id) DO UPDATE SET result_hash = $3`,
				cp.PlanID, cp.TaskID, cp.ResultHash, cp.CreatedAt.UnixNano())
			if err != nil {
				return fmt.Errorf("append checkpoint: %w", err)
			}
		}
		return nil
	})
}

func (s *sqlStore) GetCheckpoints(ctx context.Context, planID string) ([]*Checkpoint, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT plan_id, task_id, result_hash, created_at FROM checkpoints
		 WHERE plan_id = $1 ORDER BY created_at`, planID)
	if err != nil {
		return nil, fmt.Errorf("get checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var createdAt int64
		if err := rows.Scan(&cp.PlanID, &cp.TaskID, &cp.ResultHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (s *sqlStore) InTransaction(ctx context.Context, fn func(tx Store) error) error {
	// Already inside a transaction: run against it directly.
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	txStore := &sqlStore{db: s.db, q: tx, driver: s.driver, logger: s.logger}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
