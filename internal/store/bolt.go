package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/planmesh/core/internal/events"
)

var (
	// Bucket names
	bucketAgents      = []byte("agents")
	bucketSessions    = []byte("sessions")
	bucketRoles       = []byte("roles")
	bucketEvents      = []byte("security_events")
	bucketCheckpoints = []byte("checkpoints")
)

// boltStore implements Store on a single bbolt file. When tx is non-nil the
// store is a transactional view and every operation runs inside it.
type boltStore struct {
	db     *bolt.DB
	tx     *bolt.Tx
	logger *slog.Logger
}

// NewBoltStore opens (creating if needed) a bbolt-backed store at path.
func NewBoltStore(path string, logger *slog.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAgents,
			bucketSessions,
			bucketRoles,
			bucketEvents,
			bucketCheckpoints,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &boltStore{db: db, logger: logger.With("component", "store.bolt")}
	s.logger.Info("Store ready", "path", path)
	return s, nil
}

// update runs fn in the current transaction or opens a write transaction.
func (s *boltStore) update(fn func(tx *bolt.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.Update(fn)
}

// view runs fn in the current transaction or opens a read transaction.
func (s *boltStore) view(fn func(tx *bolt.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.View(fn)
}

func (s *boltStore) PutAgent(ctx context.Context, agent *Agent) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		if raw := b.Get([]byte(agent.Name)); raw != nil {
			var existing Agent
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode agent: %w", err)
			}
			if existing.UUID != agent.UUID {
				return fmt.Errorf("agent %q: %w", agent.Name, ErrConflict)
			}
		}
		data, err := json.Marshal(agent)
		if err != nil {
			return fmt.Errorf("encode agent: %w", err)
		}
		return b.Put([]byte(agent.Name), data)
	})
}

func (s *boltStore) GetAgent(ctx context.Context, name string) (*Agent, error) {
	var agent Agent
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAgents).Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("agent %q: %w", name, ErrNotFound)
		}
		return json.Unmarshal(raw, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *boltStore) ListAgents(ctx context.Context, roleID int) ([]*Agent, error) {
	var out []*Agent
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
			var agent Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return fmt.Errorf("decode agent: %w", err)
			}
			if roleID == RoleAll || agent.RoleID == roleID {
				out = append(out, &agent)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) DeleteAgent(ctx context.Context, name string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("agent %q: %w", name, ErrNotFound)
		}
		return b.Delete([]byte(name))
	})
}

func (s *boltStore) PutSession(ctx context.Context, session *Session) error {
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		return tx.Bucket(bucketSessions).Put([]byte(session.TokenID), data)
	})
}

func (s *boltStore) GetSession(ctx context.Context, tokenID string) (*Session, error) {
	var session Session
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(tokenID))
		if raw == nil {
			return fmt.Errorf("session %q: %w", tokenID, ErrNotFound)
		}
		return json.Unmarshal(raw, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *boltStore) RevokeSession(ctx context.Context, tokenID string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		raw := b.Get([]byte(tokenID))
		if raw == nil {
			return fmt.Errorf("session %q: %w", tokenID, ErrNotFound)
		}
		var session Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		session.Revoked = true
		data, err := json.Marshal(&session)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		return b.Put([]byte(tokenID), data)
	})
}

func (s *boltStore) EnsureRole(ctx context.Context, role *Role) error {
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(role)
		if err != nil {
			return fmt.Errorf("encode role: %w", err)
		}
		return tx.Bucket(bucketRoles).Put([]byte(role.Name), data)
	})
}

func (s *boltStore) GetRole(ctx context.Context, name string) (*Role, error) {
	var role Role
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRoles).Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("role %q: %w", name, ErrNotFound)
		}
		return json.Unmarshal(raw, &role)
	})
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (s *boltStore) AppendEvent(ctx context.Context, event *events.Event) error {
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		// Keys sort by time so ListEvents can walk backwards
		key := fmt.Sprintf("%020d/%s", event.Time.UnixNano(), event.ID)
		return tx.Bucket(bucketEvents).Put([]byte(key), data)
	})
}

func (s *boltStore) ListEvents(ctx context.Context, limit int) ([]*events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*events.Event
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var ev events.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			out = append(out, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) BulkAppendCheckpoints(ctx context.Context, checkpoints []*Checkpoint) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		for _, cp := range checkpoints {
			data, err := json.Marshal(cp)
			if err != nil {
				return fmt.Errorf("encode checkpoint: %w", err)
			}
			key := cp.PlanID + "/" + cp.TaskID
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) GetCheckpoints(ctx context.Context, planID string) ([]*Checkpoint, error) {
	var out []*Checkpoint
	prefix := []byte(planID + "/")
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return fmt.Errorf("decode checkpoint: %w", err)
			}
			out = append(out, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) InTransaction(ctx context.Context, fn func(tx Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltStore{db: s.db, tx: tx, logger: s.logger})
	})
}

func (s *boltStore) Ping(ctx context.Context) error {
	return s.view(func(tx *bolt.Tx) error { return nil })
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
