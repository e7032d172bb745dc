package badgercache

import (
	"testing"

	"github.com/maurelian-labs/goftp/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLookupFile_RoundTrip(t *testing.T) {
	c := openTestCache(t)

	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "report.txt", Size: 99})

	entry, found, dirCached, caseMatched := c.LookupFile("s1", "/home", "report.txt")
	require.True(t, found)
	assert.True(t, dirCached)
	assert.True(t, caseMatched)
	assert.Equal(t, int64(99), entry.Size)
}

func TestLookupFile_CaseInsensitiveFallback(t *testing.T) {
	c := openTestCache(t)
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "Report.TXT", Size: 5})

	_, found, _, caseMatched := c.LookupFile("s1", "/home", "report.txt")
	require.True(t, found)
	assert.False(t, caseMatched)
}

func TestLookupFile_DirCachedButEntryAbsent(t *testing.T) {
	c := openTestCache(t)
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "other.txt"})

	_, found, dirCached, _ := c.LookupFile("s1", "/home", "missing.txt")
	assert.False(t, found)
	assert.True(t, dirCached)
}

func TestInvalidateFile(t *testing.T) {
	c := openTestCache(t)
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "a.txt"})
	c.InvalidateFile("s1", "/home", "a.txt")

	entry, found, _, _ := c.LookupFile("s1", "/home", "a.txt")
	require.True(t, found)
	assert.True(t, entry.Unsure)
}

func TestRemoveDir(t *testing.T) {
	c := openTestCache(t)
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "a.txt"})
	c.RemoveDir("s1", "/home")

	_, found, dirCached, _ := c.LookupFile("s1", "/home", "a.txt")
	assert.False(t, found)
	assert.False(t, dirCached)
}

func TestRename(t *testing.T) {
	c := openTestCache(t)
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "old.txt", Size: 7})
	c.Rename("s1", "/home", "old.txt", "/home", "new.txt")

	_, found, _, _ := c.LookupFile("s1", "/home", "old.txt")
	assert.False(t, found)
	entry, found, _, _ := c.LookupFile("s1", "/home", "new.txt")
	require.True(t, found)
	assert.Equal(t, int64(7), entry.Size)
}

func TestPathCache(t *testing.T) {
	c := openTestCache(t)
	c.Put("s1", "/a", "/resolved/a")

	v, ok := c.Lookup("s1", "/a")
	require.True(t, ok)
	assert.Equal(t, "/resolved/a", v)

	c.InvalidatePath("s1", "/a")
	_, ok = c.Lookup("s1", "/a")
	assert.False(t, ok)
}

func TestInvalidateServer(t *testing.T) {
	c := openTestCache(t)
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "a.txt"})
	c.Put("s1", "/home", "/resolved/home")

	c.InvalidateServer("s1")

	_, found, dirCached, _ := c.LookupFile("s1", "/home", "a.txt")
	assert.False(t, found)
	assert.False(t, dirCached)
	_, ok := c.Lookup("s1", "/home")
	assert.False(t, ok)
}
