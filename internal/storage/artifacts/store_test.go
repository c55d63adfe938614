package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelab/traffic-harvester/internal/ingest"
	"github.com/tracelab/traffic-harvester/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := New(Config{Root: root, OwnerUID: -1, OwnerGID: -1})
	require.NoError(t, err)
	return store, root
}

func TestNewRejectsMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Root: "  "})
	require.Error(t, err)
}

func TestNewCreatesAbsentRoot(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "dataset")
	_, err := New(Config{Root: root, OwnerUID: -1, OwnerGID: -1})
	require.NoError(t, err)
	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestRelocateMovesIntoDomainKindLayout(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "42.pcap")
	require.NoError(t, os.WriteFile(src, []byte("pcap-bytes"), 0o600))

	dst, err := store.Relocate("dailymail.co.uk", ingest.KindPcap, src)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "dailymail.co.uk", "pcap", "42.pcap"), dst)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "pcap-bytes", string(data))

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))
}

func TestRelocateMissingSourceFails(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, err := store.Relocate("bbc.com", ingest.KindHTML, filepath.Join(t.TempDir(), "absent.html"))
	require.Error(t, err)
}

func TestRelocateRequiresDomain(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, err := store.Relocate("", ingest.KindPcap, "whatever")
	require.Error(t, err)
}
