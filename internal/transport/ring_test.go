package transport

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/core/internal/protocol"
)

func testFrame(t *testing.T, payload []byte) *protocol.Frame {
	t.Helper()
	f := protocol.NewFrame(protocol.PatternRequestResponse, protocol.PriorityNormal, payload)
	source, err := protocol.EncodeName("sender")
	require.NoError(t, err)
	target, err := protocol.EncodeName("receiver")
	require.NoError(t, err)
	f.Header.Source = source
	f.Header.Target = target
	return f
}

func TestRingRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.ring")
	ring, err := CreateRing(path, 64*1024)
	require.NoError(t, err)
	defer ring.Close()

	sent := testFrame(t, []byte("hello over shared memory"))
	ok, err := ring.Offer(sent)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := ring.Poll()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sent.Header.MessageID, got.Header.MessageID)
	assert.Equal(t, "sender", got.SourceName())
	assert.True(t, bytes.Equal(sent.Payload, got.Payload))

	// Drained.
	got, err = ring.Poll()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRingOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.ring")
	ring, err := CreateRing(path, 64*1024)
	require.NoError(t, err)
	defer ring.Close()

	const n = 50
	for i := 0; i < n; i++ {
		ok, err := ring.Offer(testFrame(t, []byte(fmt.Sprintf("msg-%03d", i))))
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := 0; i < n; i++ {
		got, err := ring.Poll()
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), string(got.Payload))
	}
}

func TestRingWrapAround(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.ring")
	// Small ring so records wrap many times.
	ring, err := CreateRing(path, 2048)
	require.NoError(t, err)
	defer ring.Close()

	payload := bytes.Repeat([]byte("x"), 300)
	for round := 0; round < 40; round++ {
		ok, err := ring.Offer(testFrame(t, payload))
		require.NoError(t, err)
		require.True(t, ok, "round %d", round)

		got, err := ring.Poll()
		require.NoError(t, err)
		require.NotNil(t, got, "round %d", round)
		assert.Equal(t, payload, got.Payload)
	}
	assert.Zero(t, ring.Pending())
}

func TestRingBackpressure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.ring")
	ring, err := CreateRing(path, 1024)
	require.NoError(t, err)
	defer ring.Close()

	payload := bytes.Repeat([]byte("y"), 200)
	accepted := 0
	for i := 0; i < 10; i++ {
		ok, err := ring.Offer(testFrame(t, payload))
		require.NoError(t, err)
		if !ok {
			break
		}
		accepted++
	}
	require.Greater(t, accepted, 0)
	require.Less(t, accepted, 10, "a full ring must refuse offers")

	// Draining one frame frees space again.
	got, err := ring.Poll()
	require.NoError(t, err)
	require.NotNil(t, got)
	ok, err := ring.Offer(testFrame(t, payload))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRingRejectsOversizedFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.ring")
	ring, err := CreateRing(path, 512)
	require.NoError(t, err)
	defer ring.Close()

	_, err = ring.Offer(testFrame(t, bytes.Repeat([]byte("z"), 1024)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestRingReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.ring")
	ring, err := CreateRing(path, 8192)
	require.NoError(t, err)

	sent := testFrame(t, []byte("persists across mappings"))
	ok, err := ring.Offer(sent)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ring.Close())

	// The consumer side maps the same file.
	reopened, err := OpenRing(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Poll()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sent.Payload, got.Payload)
}

func TestOpenRingRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenRing(filepath.Join(dir, "missing.ring"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.ring")
	require.NoError(t, os.WriteFile(bad, bytes.Repeat([]byte{0xAB}, 256), 0o600))
	_, err = OpenRing(bad)
	assert.ErrorIs(t, err, ErrCorrupt)
}
