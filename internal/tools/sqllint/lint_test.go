package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineQueriesCarryUniqueMarkers(t *testing.T) {
	violations, err := lintPaths([]string{"../../sqlinline"})
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestLintFlagsMissingAndDuplicateMarkers(t *testing.T) {
	dir := t.TempDir()
	src := "package q\n\n" +
		"const cols = `id, status`\n\n" +
		"const QGood = `--sql 0d773153-43c9-47fa-b4bd-6ba9418cbb26\nselect ` + cols + ` from t`\n\n" +
		"const QDup = `--sql 0d773153-43c9-47fa-b4bd-6ba9418cbb26\nupdate t set a = 1`\n\n" +
		"const QBare = `delete from t`\n\n" +
		"const notSQL = `hello`\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "q.go"), []byte(src), 0o644))

	violations, err := lintPaths([]string{dir})
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Equal(t, "QDup", violations[0].name)
	assert.Contains(t, violations[0].message, "already used by QGood")
	assert.Equal(t, "QBare", violations[1].name)
}
