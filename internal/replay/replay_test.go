package replay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/audit"
)

func writeJournal(t *testing.T, sessionID string, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l := audit.NewLogger(path, nil)
	l.SetSession(sessionID)
	for i := 0; i < n; i++ {
		l.LogSessionEvent("tick", map[string]any{"i": i})
	}
	require.NoError(t, l.Close())
	return path
}

func TestEngineQueryReportsCleanChain(t *testing.T) {
	path := writeJournal(t, "s1", 5)
	e := NewEngine(path, nil, nil)

	result, err := e.Query(context.Background(), "s1", 0, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), result.BrokenAtSeq)
	assert.Len(t, result.Blocks, 5)
}

func TestEngineQueryWindowsBySeq(t *testing.T) {
	path := writeJournal(t, "s1", 5)
	e := NewEngine(path, nil, nil)

	result, err := e.Query(context.Background(), "s1", 2, 3)
	require.NoError(t, err)
	require.Len(t, result.Blocks, 2)
	assert.Equal(t, uint64(2), result.Blocks[0].BlockSeq)
	assert.Equal(t, uint64(3), result.Blocks[1].BlockSeq)
}

func TestEngineQueryDetectsTamperedBlock(t *testing.T) {
	path := writeJournal(t, "s1", 5)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 5)
	lines[2] = strings.Replace(lines[2], `\"kind\":\"tick\"`, `\"kind\":\"tampered\"`, 1)

	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	e := NewEngine(path, nil, nil)
	result, err := e.Query(context.Background(), "s1", 0, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.BrokenAtSeq)
}

func TestEngineQueryUnknownSessionReturnsEmpty(t *testing.T) {
	path := writeJournal(t, "s1", 3)
	e := NewEngine(path, nil, nil)

	result, err := e.Query(context.Background(), "does-not-exist", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, result.Blocks)
	assert.Equal(t, int64(-1), result.BrokenAtSeq)
}
