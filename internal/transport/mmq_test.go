package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappedQueueFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.mmq")
	q, err := OpenMappedQueue(path)
	require.NoError(t, err)
	defer q.Close()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, q.Append(testFrame(t, []byte(fmt.Sprintf("batch-%02d", i)))))
	}
	assert.Equal(t, n, q.Depth())

	for i := 0; i < n; i++ {
		got, err := q.Pop()
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, fmt.Sprintf("batch-%02d", i), string(got.Payload))
	}
	assert.Zero(t, q.Depth())

	got, err := q.Pop()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMappedQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.mmq")
	q, err := OpenMappedQueue(path)
	require.NoError(t, err)

	require.NoError(t, q.Append(testFrame(t, []byte("first"))))
	require.NoError(t, q.Append(testFrame(t, []byte("second"))))
	require.NoError(t, q.Append(testFrame(t, []byte("third"))))

	// Consume one so the read offset is committed mid-file.
	got, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, "first", string(got.Payload))
	require.NoError(t, q.Close())

	reopened, err := OpenMappedQueue(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Depth())
	got, err = reopened.Pop()
	require.NoError(t, err)
	assert.Equal(t, "second", string(got.Payload))
	got, err = reopened.Pop()
	require.NoError(t, err)
	assert.Equal(t, "third", string(got.Payload))
}

func TestMappedQueueTruncatesWhenDrained(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.mmq")
	q, err := OpenMappedQueue(path)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Append(testFrame(t, []byte("only"))))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(mqHeaderSize))

	_, err = q.Pop()
	require.NoError(t, err)

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(mqHeaderSize), info.Size())
}

func TestOpenMappedQueueRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-queue")
	require.NoError(t, os.WriteFile(path, []byte("plain text, wrong magic!"), 0o600))
	_, err := OpenMappedQueue(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}
