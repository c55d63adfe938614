package shared

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTranslate(t *testing.T) {
	t.Parallel()

	v, err := New("/srv/capture/shared", "/app")
	require.NoError(t, err)

	host, err := v.Translate("/app/data/42.pcap")
	require.NoError(t, err)
	require.Equal(t, "/srv/capture/shared/data/42.pcap", host)

	host, err = v.Translate("/app")
	require.NoError(t, err)
	require.Equal(t, "/srv/capture/shared", host)

	_, err = v.Translate("/tmp/evil.pcap")
	require.Error(t, err)

	_, err = v.Translate("/app/../etc/passwd")
	require.Error(t, err)
}

func TestManifestPath(t *testing.T) {
	t.Parallel()

	v, err := New("/srv/capture/shared", "/app")
	require.NoError(t, err)
	require.Equal(t,
		"/srv/capture/shared/meta/news_traffic7_last.json",
		v.ManifestPath("news_traffic7"))
}

func TestClearScratchRemovesDirsKeepsFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "meta"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "action.py"), []byte("#"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "1.pcap"), []byte("x"), 0o600))

	v, err := New(root, "/app")
	require.NoError(t, err)
	require.NoError(t, v.ClearScratch(zap.NewNop()))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "action.py", entries[0].Name())
}

func TestClearScratchMissingRootFails(t *testing.T) {
	t.Parallel()

	v, err := New(filepath.Join(t.TempDir(), "absent"), "/app")
	require.NoError(t, err)
	require.Error(t, v.ClearScratch(zap.NewNop()))
}
