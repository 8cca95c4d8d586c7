package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseRoster = `
[[streamers]]
name = "alice"
[[streamers]]
name = "bob"
[[streamers]]
name = "carol"
enabled = false
`

func rewrite(t *testing.T, p, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	// make sure the mtime fallback sees a change even on coarse filesystems
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(p, later, later))
}

func TestStore_ReconcileDiff(t *testing.T) {
	p := writeTOML(t, t.TempDir(), "c.toml", baseRoster)
	s, err := Open(p, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	d, changed, err := s.Reconcile()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, d.Empty())

	rewrite(t, p, `
[settings]
stability_threshold = 5
[[streamers]]
name = "alice"
enabled = false
[[streamers]]
name = "carol"
[[streamers]]
name = "dave"
`)
	d, changed, err = s.Reconcile()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"dave"}, d.Added)
	assert.Equal(t, []string{"bob"}, d.Removed)
	assert.Equal(t, []string{"alice"}, d.Disabled)
	assert.Equal(t, []string{"carol"}, d.Enabled)
	assert.True(t, d.SettingsChanged)
	assert.Equal(t, 5, s.Current().Settings.StabilityThreshold)
}

func TestStore_BadReloadKeepsPrevious(t *testing.T) {
	p := writeTOML(t, t.TempDir(), "c.toml", baseRoster)
	s, err := Open(p, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	rewrite(t, p, "[[streamers]]\nname = \"a\"\n[[streamers]]\nname = \"a\"\n")
	_, changed, err := s.Reconcile()
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Len(t, s.Current().Streamers, 3)
}

func TestStore_OverridesReapplied(t *testing.T) {
	p := writeTOML(t, t.TempDir(), "c.toml", baseRoster)
	s, err := Open(p, nil, func(c *Config) { c.Settings.SessionID = "cli" })
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, "cli", s.Current().Settings.SessionID)

	rewrite(t, p, "[settings]\nsession_id = \"file\"\n"+baseRoster)
	_, _, err = s.Reconcile()
	require.NoError(t, err)
	assert.Equal(t, "cli", s.Current().Settings.SessionID)
}

func TestStore_Static(t *testing.T) {
	s := NewStatic(Default())
	_, changed, err := s.Reconcile()
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.NotNil(t, s.Current())
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestStore_OpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "none.toml"), nil)
	assert.Error(t, err)
}
