//go:build testing

package boxd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, profilesDir, name, config string) {
	t.Helper()
	dir := filepath.Join(profilesDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile.json"), []byte(config), 0o644))
}

func TestDiscoverProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "firefox", `{
		"image": "firefox:latest",
		"env": {"MOZ_HEADLESS": "1"},
		"containerPort": 4444,
		"shmSize": "2g",
		"args": ["--marionette"]
	}`)

	profile, err := DiscoverProfile(dir, "firefox")
	require.NoError(t, err)

	assert.Equal(t, "firefox", profile.Name)
	assert.Equal(t, filepath.Join(dir, "firefox"), profile.Dir)
	assert.Equal(t, "firefox:latest", profile.Config.Image)
	assert.Equal(t, map[string]string{"MOZ_HEADLESS": "1"}, profile.Config.Env)
	assert.Equal(t, 4444, profile.Config.ContainerPort)
	assert.Equal(t, "2g", profile.Config.ShmSize)
	assert.Equal(t, []string{"--marionette"}, profile.Config.Args)
}

func TestDiscoverProfile_NotFound(t *testing.T) {
	_, err := DiscoverProfile(t.TempDir(), "ghost")
	require.ErrorIs(t, err, ErrProfileNotFound)
}

func TestDiscoverProfile_MissingConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	_, err := DiscoverProfile(dir, "empty")
	require.ErrorIs(t, err, ErrInvalidProfile)
}

func TestDiscoverProfile_MalformedConfig(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "broken", `{"image": `)

	_, err := DiscoverProfile(dir, "broken")
	require.ErrorIs(t, err, ErrInvalidProfile)
}

func TestDiscoverProfile_PartialConfig(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "minimal", `{"image": "img"}`)

	profile, err := DiscoverProfile(dir, "minimal")
	require.NoError(t, err)
	assert.Equal(t, "img", profile.Config.Image)
	assert.Zero(t, profile.Config.ContainerPort, "absent fields stay zero and defer to daemon defaults")
	assert.Empty(t, profile.Config.ShmSize)
}

func TestDiscoverAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "chrome", `{"image": "chrome:latest"}`)
	writeProfile(t, dir, "firefox", `{"image": "firefox:latest"}`)
	writeProfile(t, dir, "broken", `not json`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray-file"), []byte("x"), 0o644))

	profiles, err := DiscoverAllProfiles(dir)
	require.NoError(t, err)

	require.Len(t, profiles, 2, "invalid profiles and stray files are skipped")
	assert.Equal(t, "chrome", profiles[0].Name)
	assert.Equal(t, "firefox", profiles[1].Name)
}

func TestDiscoverAllProfiles_MissingDir(t *testing.T) {
	profiles, err := DiscoverAllProfiles(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, profiles)
}
