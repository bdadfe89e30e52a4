package staging

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adperrors "github.com/radbridge/dicom-adapter/errors"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestAcquireWriteDiscard(t *testing.T) {
	m, err := NewManager(t.TempDir(), 0, 0, testLogger())
	require.NoError(t, err)

	h, err := m.Acquire("ORGANSEG")
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(h.Dir()), "ORGANSEG-")

	path, err := h.WriteFile("1.2.3.4.dcm", []byte("DICM payload"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("DICM payload"), data)
	assert.Equal(t, int64(12), m.UsedBytes())

	require.NoError(t, h.Discard())
	_, err = os.Stat(h.Dir())
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int64(0), m.UsedBytes())
}

func TestWriteFileRejectsPathTraversal(t *testing.T) {
	m, err := NewManager(t.TempDir(), 0, 0, testLogger())
	require.NoError(t, err)
	h, err := m.Acquire("x")
	require.NoError(t, err)

	_, err = h.WriteFile("../escape.dcm", []byte("x"))
	assert.Error(t, err)
}

func TestHighWaterMark(t *testing.T) {
	m, err := NewManager(t.TempDir(), 10, 0, testLogger())
	require.NoError(t, err)

	h, err := m.Acquire("a")
	require.NoError(t, err)
	_, err = h.WriteFile("big.dcm", make([]byte, 64))
	require.NoError(t, err)

	_, err = m.Acquire("b")
	require.Error(t, err)
	assert.Equal(t, adperrors.KindStagingFull, adperrors.KindOf(err))
	assert.True(t, adperrors.IsTransient(err), "staging pressure is retryable")
}

func TestScopeSanitized(t *testing.T) {
	m, err := NewManager(t.TempDir(), 0, 0, testLogger())
	require.NoError(t, err)

	h, err := m.Acquire("AE/..\\TITLE")
	require.NoError(t, err)
	base := filepath.Base(h.Dir())
	assert.NotContains(t, base, "/")
	assert.NotContains(t, base, "\\")
	assert.Contains(t, base, "AE____TITLE")
}

func TestReapOnceDeletesExpired(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root, 0, time.Hour, testLogger())
	require.NoError(t, err)

	old := filepath.Join(root, "old-scope")
	require.NoError(t, os.MkdirAll(old, 0o750))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	fresh, err := m.Acquire("fresh")
	require.NoError(t, err)

	m.reapOnce()

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expired directory removed")
	_, err = os.Stat(fresh.Dir())
	assert.NoError(t, err, "fresh directory kept")
}

func TestNewManagerSizesExistingUsage(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "leftover")
	require.NoError(t, os.MkdirAll(sub, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a.dcm"), make([]byte, 100), 0o640))

	m, err := NewManager(root, 0, 0, testLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(100), m.UsedBytes())
}

func TestCheckCapacity(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "seed.dcm"), make([]byte, 128), 0o644))

	m, err := NewManager(root, 64, 0, testLogger())
	require.NoError(t, err)

	err = m.CheckCapacity()
	require.Error(t, err)
	assert.Equal(t, adperrors.KindStagingFull, adperrors.KindOf(err))

	unbounded, err := NewManager(t.TempDir(), 0, 0, testLogger())
	require.NoError(t, err)
	assert.NoError(t, unbounded.CheckCapacity())
}
