package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/core/internal/events"
)

func openAdapters(t *testing.T) map[string]Store {
	t.Helper()
	logger := slog.Default()

	boltStore, err := NewBoltStore(filepath.Join(t.TempDir(), "core.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   boltStore,
	}
}

func TestAgentLifecycle(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			agent := &Agent{
				Name:      "planner-01",
				UUID:      "3d1f0a52-6f1f-4f0e-9a7e-0c51c0ffee00",
				RoleID:    2,
				CreatedAt: time.Now(),
			}
			require.NoError(t, s.PutAgent(ctx, agent))

			got, err := s.GetAgent(ctx, "planner-01")
			require.NoError(t, err)
			assert.Equal(t, agent.UUID, got.UUID)
			assert.Equal(t, agent.RoleID, got.RoleID)

			// Re-registering the same identity updates in place.
			agent.RoleID = 3
			require.NoError(t, s.PutAgent(ctx, agent))
			got, err = s.GetAgent(ctx, "planner-01")
			require.NoError(t, err)
			assert.Equal(t, 3, got.RoleID)

			// A different identity claiming the same name is a conflict.
			err = s.PutAgent(ctx, &Agent{
				Name:      "planner-01",
				UUID:      "9e0b7c11-2222-4f0e-9a7e-0c51c0ffee99",
				RoleID:    2,
				CreatedAt: time.Now(),
			})
			require.ErrorIs(t, err, ErrConflict)

			require.NoError(t, s.DeleteAgent(ctx, "planner-01"))
			_, err = s.GetAgent(ctx, "planner-01")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListAgentsByRole(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 4; i++ {
				roleID := 1
				if i%2 == 0 {
					roleID = 2
				}
				require.NoError(t, s.PutAgent(ctx, &Agent{
					Name:      fmt.Sprintf("worker-%02d", i),
					UUID:      fmt.Sprintf("00000000-0000-4000-8000-%012d", i),
					RoleID:    roleID,
					CreatedAt: time.Now(),
				}))
			}

			all, err := s.ListAgents(ctx, RoleAll)
			require.NoError(t, err)
			assert.Len(t, all, 4)

			operators, err := s.ListAgents(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, operators, 2)
			for _, a := range operators {
				assert.Equal(t, 2, a.RoleID)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			session := &Session{
				TokenID:   "jti-1234",
				AgentName: "planner-01",
				ExpiresAt: time.Now().Add(time.Hour),
			}
			require.NoError(t, s.PutSession(ctx, session))

			got, err := s.GetSession(ctx, "jti-1234")
			require.NoError(t, err)
			assert.Equal(t, "planner-01", got.AgentName)
			assert.False(t, got.Revoked)

			require.NoError(t, s.RevokeSession(ctx, "jti-1234"))
			got, err = s.GetSession(ctx, "jti-1234")
			require.NoError(t, err)
			assert.True(t, got.Revoked)

			_, err = s.GetSession(ctx, "jti-missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRoles(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.EnsureRole(ctx, &Role{ID: 3, Name: "operator", Bitmask: 0x3F}))
			// EnsureRole is idempotent.
			require.NoError(t, s.EnsureRole(ctx, &Role{ID: 3, Name: "operator", Bitmask: 0x3F}))

			role, err := s.GetRole(ctx, "operator")
			require.NoError(t, err)
			assert.Equal(t, 3, role.ID)
			assert.Equal(t, uint64(0x3F), role.Bitmask)

			_, err = s.GetRole(ctx, "nonexistent")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestEventLog(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			base := time.Now()
			for i := 0; i < 5; i++ {
				require.NoError(t, s.AppendEvent(ctx, &events.Event{
					ID:       fmt.Sprintf("ev-%d", i),
					Time:     base.Add(time.Duration(i) * time.Millisecond),
					Type:     events.TypeRegister,
					Severity: events.SeverityInfo,
					Agent:    "worker-00",
				}))
			}

			got, err := s.ListEvents(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			// Newest first.
			assert.Equal(t, "ev-4", got[0].ID)
			assert.Equal(t, "ev-3", got[1].ID)
			assert.Equal(t, "ev-2", got[2].ID)
		})
	}
}

func TestCheckpoints(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			batch := []*Checkpoint{
				{PlanID: "plan-a", TaskID: "t1", ResultHash: "aaa", CreatedAt: time.Now()},
				{PlanID: "plan-a", TaskID: "t2", ResultHash: "bbb", CreatedAt: time.Now()},
				{PlanID: "plan-b", TaskID: "t1", ResultHash: "ccc", CreatedAt: time.Now()},
			}
			require.NoError(t, s.BulkAppendCheckpoints(ctx, batch))

			// Re-running a wave overwrites its checkpoints.
			require.NoError(t, s.BulkAppendCheckpoints(ctx, []*Checkpoint{
				{PlanID: "plan-a", TaskID: "t1", ResultHash: "aaa2", CreatedAt: time.Now()},
			}))

			got, err := s.GetCheckpoints(ctx, "plan-a")
			require.NoError(t, err)
			require.Len(t, got, 2)
			byTask := map[string]string{}
			for _, cp := range got {
				byTask[cp.TaskID] = cp.ResultHash
			}
			assert.Equal(t, "aaa2", byTask["t1"])
			assert.Equal(t, "bbb", byTask["t2"])

			other, err := s.GetCheckpoints(ctx, "plan-b")
			require.NoError(t, err)
			assert.Len(t, other, 1)
		})
	}
}

func TestTransactionRollback(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := s.InTransaction(ctx, func(tx Store) error {
				if err := tx.PutAgent(ctx, &Agent{
					Name:      "tx-agent",
					UUID:      "00000000-0000-4000-8000-000000000042",
					RoleID:    1,
					CreatedAt: time.Now(),
				}); err != nil {
					return err
				}
				return fmt.Errorf("forced failure")
			})
			require.Error(t, err)

			_, err = s.GetAgent(ctx, "tx-agent")
			assert.ErrorIs(t, err, ErrNotFound, "rolled-back write must not be visible")
		})
	}
}

func TestTransactionCommit(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := s.InTransaction(ctx, func(tx Store) error {
				return tx.PutAgent(ctx, &Agent{
					Name:      "tx-agent",
					UUID:      "00000000-0000-4000-8000-000000000042",
					RoleID:    1,
					CreatedAt: time.Now(),
				})
			})
			require.NoError(t, err)

			got, err := s.GetAgent(ctx, "tx-agent")
			require.NoError(t, err)
			assert.Equal(t, 1, got.RoleID)
		})
	}
}

func TestOpenDispatch(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	mem, err := Open(ctx, "", logger)
	require.NoError(t, err)
	assert.IsType(t, &memoryStore{}, mem)

	boltPath := filepath.Join(t.TempDir(), "core.db")
	bs, err := Open(ctx, "bolt://"+boltPath, logger)
	require.NoError(t, err)
	assert.IsType(t, &boltStore{}, bs)
	require.NoError(t, bs.Close())

	_, err = Open(ctx, "carrier-pigeon://nowhere", logger)
	require.Error(t, err)
}
