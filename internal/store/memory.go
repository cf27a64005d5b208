package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/planmesh/core/internal/events"
)

// memoryState holds every table of the in-memory store. A transaction
// works on a deep copy and swaps it in on commit.
type memoryState struct {
	agents      map[string]*Agent
	sessions    map[string]*Session
	roles       map[string]*Role
	events      []*events.Event
	checkpoints map[string]*Checkpoint // plan_id/task_id
}

func newMemoryState() *memoryState {
	return &memoryState{
		agents:      make(map[string]*Agent),
		sessions:    make(map[string]*Session),
		roles:       make(map[string]*Role),
		checkpoints: make(map[string]*Checkpoint),
	}
}

func (st *memoryState) clone() *memoryState {
	next := newMemoryState()
	for k, v := range st.agents {
		a := *v
		next.agents[k] = &a
	}
	for k, v := range st.sessions {
		s := *v
		next.sessions[k] = &s
	}
	for k, v := range st.roles {
		r := *v
		next.roles[k] = &r
	}
	next.events = append(next.events, st.events...)
	for k, v := range st.checkpoints {
		c := *v
		next.checkpoints[k] = &c
	}
	return next
}

// memoryStore implements Store on process memory. It backs tests, dev runs
// without CORE_STORE_URL, and the degraded fallback path.
type memoryStore struct {
	mu    sync.RWMutex
	state *memoryState
	inTx  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{state: newMemoryState()}
}

func (s *memoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memoryStore) rlock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *memoryStore) PutAgent(ctx context.Context, agent *Agent) error {
	defer s.lock()()
	if existing, ok := s.state.agents[agent.Name]; ok && existing.UUID != agent.UUID {
		return fmt.Errorf("agent %q: %w", agent.Name, ErrConflict)
	}
	a := *agent
	s.state.agents[agent.Name] = &a
	return nil
}

func (s *memoryStore) GetAgent(ctx context.Context, name string) (*Agent, error) {
	defer s.rlock()()
	agent, ok := s.state.agents[name]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	a := *agent
	return &a, nil
}

func (s *memoryStore) ListAgents(ctx context.Context, roleID int) ([]*Agent, error) {
	defer s.rlock()()
	var out []*Agent
	for _, agent := range s.state.agents {
		if roleID == RoleAll || agent.RoleID == roleID {
			a := *agent
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memoryStore) DeleteAgent(ctx context.Context, name string) error {
	defer s.lock()()
	if _, ok := s.state.agents[name]; !ok {
		return fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	delete(s.state.agents, name)
	return nil
}

func (s *memoryStore) PutSession(ctx context.Context, session *Session) error {
	defer s.lock()()
	sess := *session
	s.state.sessions[session.TokenID] = &sess
	return nil
}

func (s *memoryStore) GetSession(ctx context.Context, tokenID string) (*Session, error) {
	defer s.rlock()()
	session, ok := s.state.sessions[tokenID]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", tokenID, ErrNotFound)
	}
	sess := *session
	return &sess, nil
}

func (s *memoryStore) RevokeSession(ctx context.Context, tokenID string) error {
	defer s.lock()()
	session, ok := s.state.sessions[tokenID]
	if !ok {
		return fmt.Errorf("session %q: %w", tokenID, ErrNotFound)
	}
	session.Revoked = true
	return nil
}

func (s *memoryStore) EnsureRole(ctx context.Context, role *Role) error {
	defer s.lock()()
	r := *role
	s.state.roles[role.Name] = &r
	return nil
}

func (s *memoryStore) GetRole(ctx context.Context, name string) (*Role, error) {
	defer s.rlock()()
	role, ok := s.state.roles[name]
	if !ok {
		return nil, fmt.Errorf("role %q: %w", name, ErrNotFound)
	}
	r := *role
	return &r, nil
}

func (s *memoryStore) AppendEvent(ctx context.Context, event *events.Event) error {
	defer s.lock()()
	ev := *event
	s.state.events = append(s.state.events, &ev)
	return nil
}

func (s *memoryStore) ListEvents(ctx context.Context, limit int) ([]*events.Event, error) {
	defer s.rlock()()
	if limit <= 0 {
		limit = 100
	}
	n := len(s.state.events)
	if limit > n {
		limit = n
	}
	out := make([]*events.Event, 0, limit)
	// Newest first
	for i := n - 1; i >= n-limit; i-- {
		ev := *s.state.events[i]
		out = append(out, &ev)
	}
	return out, nil
}

func (s *memoryStore) BulkAppendCheckpoints(ctx context.Context, checkpoints []*Checkpoint) error {
	defer s.lock()()
	for _, cp := range checkpoints {
		c := *cp
		s.state.checkpoints[cp.PlanID+"/"+cp.TaskID] = &c
	}
	return nil
}

func (s *memoryStore) GetCheckpoints(ctx context.Context, planID string) ([]*Checkpoint, error) {
	defer s.rlock()()
	var out []*Checkpoint
	for _, cp := range s.state.checkpoints {
		if cp.PlanID == planID {
			c := *cp
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) InTransaction(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := &memoryStore{state: s.state.clone(), inTx: true}
	if err := fn(staged); err != nil {
		return err
	}
	s.state = staged.state
	return nil
}

func (s *memoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
