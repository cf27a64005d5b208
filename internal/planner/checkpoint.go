package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/planmesh/core/internal/store"
)

// ============================================================================
// CHECKPOINTS
// ============================================================================

// A checkpoint's result hash is "<fingerprint>:<sha256(result)>". The
// fingerprint half covers the task's action and inputs, so a resumed plan
// can tell whether a completed task was re-specified with different work
// and must rerun.

const fingerprintLen = 16

// taskFingerprint identifies a task's work: its action and raw inputs.
func taskFingerprint(action string, inputs []byte) string {
	h := sha256.New()
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write(inputs)
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}

// checkpointHash builds the stored result hash for a completed task.
func checkpointHash(fingerprint string, result []byte) string {
	sum := sha256.Sum256(result)
	return fingerprint + ":" + hex.EncodeToString(sum[:])
}

// matchesFingerprint reports whether a stored result hash was produced by
// a task with the given fingerprint.
func matchesFingerprint(stored, fingerprint string) bool {
	idx := strings.IndexByte(stored, ':')
	if idx < 0 {
		return false
	}
	return stored[:idx] == fingerprint
}

// flushCheckpoints persists the wave's completed tasks in one batch.
// Store failures are reported to the caller but never fail the plan; the
// run loop logs and keeps going.
func (p *Planner) flushCheckpoints(ctx context.Context, planID string, nodes []*taskNode) error {
	if p.cfg.Store == nil || len(nodes) == 0 {
		return nil
	}
	checkpoints := make([]*store.Checkpoint, 0, len(nodes))
	now := time.Now().UTC()
	for _, n := range nodes {
		checkpoints = append(checkpoints, &store.Checkpoint{
			PlanID:     planID,
			TaskID:     n.id,
			ResultHash: n.resultHash,
			CreatedAt:  now,
		})
	}
	return p.cfg.Store.BulkAppendCheckpoints(ctx, checkpoints)
}
