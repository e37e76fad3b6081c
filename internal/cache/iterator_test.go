package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/simple-cache/internal/cacheutil"
)

func TestIteratorSkipsEntriesThatFailToOpen(t *testing.T) {
	opts := testOptions(t.TempDir())
	c := startClient(t, opts)
	writeEntry(t, c, "good", []byte("m"), []byte("fine"))
	writeEntry(t, c, "bad", []byte("m"), []byte("lost"))
	c.Close()

	bad := filepath.Join(opts.Dir, cacheutil.FilenameFromHashAndFileIndex(cacheutil.EntryHashKey("bad"), 0))
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))

	c = startClient(t, opts)
	ctx := testContext(t)
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"good"}, keys)

	// The unreadable entry also left the index.
	count, err := c.EntryCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
