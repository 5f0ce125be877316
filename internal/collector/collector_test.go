package collector

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/storage"
)

func TestArchiveKey(t *testing.T) {
	assert.Equal(t, "c-1/t-1/results.zip", ArchiveKey("c-1", "t-1"))
}

func TestCollectArchivesWorkDir(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	c := New(store, 0, zap.NewNop())

	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "output.json"), []byte(`{"ok":true}`), 0o644))

	raw := c.Collect(context.Background(), "c-1", "t-1", workDir, "some stderr", 0, "")

	var res Results
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "some stderr", res.Stderr)
	assert.Equal(t, "c-1/t-1/results.zip", res.ArchiveKey)

	obj, err := store.Get(context.Background(), res.ArchiveKey)
	require.NoError(t, err)
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "output.json", zr.File[0].Name)
}

func TestCollectDegradesWithoutWorkDir(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	c := New(store, 0, zap.NewNop())

	raw := c.Collect(context.Background(), "c-1", "t-2", "/nonexistent/work", "crash log", 2, "")

	var res Results
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "crash log", res.Stderr)
	assert.Empty(t, res.ArchiveKey)
	assert.Empty(t, res.Violation)
}

func TestCollectRecordsViolation(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	c := New(store, 0, zap.NewNop())

	raw := c.Collect(context.Background(), "c-1", "t-3", t.TempDir(), "", 143,
		"prompt r-2 issued while prompt r-1 was outstanding")

	var res Results
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "prompt r-2 issued while prompt r-1 was outstanding", res.Violation)
}
