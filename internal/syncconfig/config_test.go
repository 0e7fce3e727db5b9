package syncconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoFiles(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Timing.RetryCeiling)
	require.Equal(t, "device", cfg.IdentityPrefix)
}

func TestLoadTablesFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tables.toml")
	const content = `
[[table]]
name = "goals"
columns = ["id", "title", "score"]
excluded_fields = ["secret"]
numeric_merge_fields = ["score"]
singleton = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Len(t, cfg.Tables, 1)
	tc, ok := cfg.TableByName("goals")
	require.True(t, ok)
	require.True(t, tc.Excluded("secret"))
	require.True(t, tc.Excluded("id")) // default-excluded
	require.True(t, tc.NumericMergeEligible("score"))
	require.False(t, tc.NumericMergeEligible("title"))
}

func TestLoadConnectionIdentityFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.yaml")
	const content = "remote_dsn: \"mysql://user@host/db\"\nnats_url: \"nats://127.0.0.1:4222\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load("", path)
	require.NoError(t, err)
	require.Equal(t, "mysql://user@host/db", cfg.RemoteDSN)
	require.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)
}
