package plugins_test

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mholt/archives"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/pplx-kit/internal/plugins"
)

var tarGz = archives.CompressedArchive{Archival: archives.Tar{}, Compression: archives.Gz{}}

// sourcePlugin writes a plugin directory with the given version.
func sourcePlugin(t *testing.T, id, version string) string {
	t.Helper()
	dir := writePlugin(t, t.TempDir(), id, nil, "module.exports = {};")
	manifest := `{"id":"` + id + `","name":"Demo","version":"` + version + `","description":"d","author":"a"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0644))
	return dir
}

func writeBundle(t *testing.T, name string, format archives.Archiver, files []archives.FileInfo) string {
	t.Helper()
	bundle := filepath.Join(t.TempDir(), name)
	out, err := os.Create(bundle)
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, format.Archive(context.Background(), out, files))
	return bundle
}

func bundleFrom(t *testing.T, name string, format archives.Archiver, src map[string]string) string {
	t.Helper()
	files, err := archives.FilesFromDisk(context.Background(), nil, src)
	require.NoError(t, err)
	return writeBundle(t, name, format, files)
}

func TestInstallBundle_TopLevelFolderZip(t *testing.T) {
	src := sourcePlugin(t, "demo", "1.0.0")
	bundle := bundleFrom(t, "demo.zip", archives.Zip{}, map[string]string{src: "demo-1.0.0"})
	pluginsDir := filepath.Join(t.TempDir(), "plugins")

	res, err := plugins.InstallBundle(context.Background(), bundle, pluginsDir, false)
	require.NoError(t, err)
	assert.Equal(t, "demo", res.Manifest.ID)
	assert.Equal(t, filepath.Join(pluginsDir, "demo"), res.Path)
	assert.Empty(t, res.PreviousVersion)
	assert.FileExists(t, filepath.Join(res.Path, "plugin.json"))
	assert.FileExists(t, filepath.Join(res.Path, "index.js"))

	// The installed directory is discoverable and no staging directory is left behind.
	found, err := plugins.Discover(pluginsDir)
	require.NoError(t, err)
	require.Len(t, found.Plugins, 1)
	entries, err := os.ReadDir(pluginsDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestInstallBundle_RootLevelTarGz(t *testing.T) {
	src := sourcePlugin(t, "demo", "1.2.0")
	bundle := bundleFrom(t, "demo.tar.gz", tarGz, map[string]string{src + string(filepath.Separator): ""})

	res, err := plugins.InstallBundle(context.Background(), bundle, t.TempDir(), false)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", res.Manifest.Version)
	assert.FileExists(t, filepath.Join(res.Path, "index.js"))
}

func TestInstallBundle_Upgrade(t *testing.T) {
	pluginsDir := t.TempDir()
	ctx := context.Background()

	v1 := bundleFrom(t, "v1.zip", archives.Zip{}, map[string]string{sourcePlugin(t, "demo", "1.0.0"): "demo"})
	v2 := bundleFrom(t, "v2.zip", archives.Zip{}, map[string]string{sourcePlugin(t, "demo", "2.0.0"): "demo"})

	_, err := plugins.InstallBundle(ctx, v1, pluginsDir, false)
	require.NoError(t, err)
	res, err := plugins.InstallBundle(ctx, v2, pluginsDir, false)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.PreviousVersion)

	_, err = plugins.InstallBundle(ctx, v1, pluginsDir, false)
	assert.ErrorIs(t, err, plugins.ErrOlderVersion)
	m, err := plugins.LoadManifest(filepath.Join(pluginsDir, "demo"))
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", m.Version, "refused downgrade leaves the install untouched")

	res, err = plugins.InstallBundle(ctx, v1, pluginsDir, true)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", res.PreviousVersion)
	m, err = plugins.LoadManifest(filepath.Join(pluginsDir, "demo"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version)
}

func TestInstallBundle_PathTraversal(t *testing.T) {
	src := sourcePlugin(t, "demo", "1.0.0")
	files, err := archives.FilesFromDisk(context.Background(), nil, map[string]string{src: "demo"})
	require.NoError(t, err)

	evilPath := filepath.Join(src, "index.js")
	info, err := os.Stat(evilPath)
	require.NoError(t, err)
	files = append(files, archives.FileInfo{
		FileInfo:      info,
		NameInArchive: "../evil.js",
		Open:          func() (fs.File, error) { return os.Open(evilPath) },
	})
	bundle := writeBundle(t, "evil.tar.gz", tarGz, files)

	pluginsDir := filepath.Join(t.TempDir(), "plugins")
	_, err = plugins.InstallBundle(context.Background(), bundle, pluginsDir, false)
	assert.ErrorIs(t, err, plugins.ErrUnsafePath)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(pluginsDir), "evil.js"))
	assert.NoDirExists(t, filepath.Join(pluginsDir, "demo"))
}

func TestInstallBundle_InvalidBundles(t *testing.T) {
	ctx := context.Background()

	noManifest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(noManifest, "index.js"), []byte(""), 0644))
	bundle := bundleFrom(t, "a.zip", archives.Zip{}, map[string]string{noManifest: "x"})
	_, err := plugins.InstallBundle(ctx, bundle, t.TempDir(), false)
	assert.ErrorContains(t, err, "bundle has no plugin.json")

	noEntry := sourcePlugin(t, "demo", "1.0.0")
	require.NoError(t, os.Remove(filepath.Join(noEntry, "index.js")))
	bundle = bundleFrom(t, "b.zip", archives.Zip{}, map[string]string{noEntry: "demo"})
	_, err = plugins.InstallBundle(ctx, bundle, t.TempDir(), false)
	assert.ErrorContains(t, err, "missing entry point index.js")

	invalid := sourcePlugin(t, "Bad_ID", "1.0.0")
	bundle = bundleFrom(t, "c.zip", archives.Zip{}, map[string]string{invalid: "bad"})
	_, err = plugins.InstallBundle(ctx, bundle, t.TempDir(), false)
	assert.ErrorIs(t, err, plugins.ErrInvalidPlugin)

	notArchive := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(notArchive, []byte(strings.Repeat("not an archive ", 10)), 0644))
	_, err = plugins.InstallBundle(ctx, notArchive, t.TempDir(), false)
	assert.Error(t, err)
}
