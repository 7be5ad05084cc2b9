package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchorChangesWithContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"type\":\"rollout.decision\"}\n"), 0o600))

	first, err := Anchor(path)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	again, err := Anchor(path)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{\"type\":\"rollback.executed\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	changed, err := Anchor(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestAnchorMissingFile(t *testing.T) {
	_, err := Anchor(filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.Error(t, err)
}
