package memcache

import (
	"testing"

	"github.com/maurelian-labs/goftp/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupFile_NotCachedDirectory(t *testing.T) {
	c := New()
	_, found, dirCached, caseMatched := c.LookupFile("s1", "/home", "a.txt")
	assert.False(t, found)
	assert.False(t, dirCached)
	assert.False(t, caseMatched)
}

func TestLookupFile_CachedDirectoryEntryAbsent(t *testing.T) {
	c := New()
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "b.txt", Size: 10})

	_, found, dirCached, caseMatched := c.LookupFile("s1", "/home", "a.txt")
	assert.False(t, found)
	assert.True(t, dirCached)
	assert.False(t, caseMatched)
}

func TestLookupFile_ExactAndCaseInsensitiveMatch(t *testing.T) {
	c := New()
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "Report.TXT", Size: 42})

	entry, found, dirCached, caseMatched := c.LookupFile("s1", "/home", "Report.TXT")
	require.True(t, found)
	assert.True(t, dirCached)
	assert.True(t, caseMatched)
	assert.Equal(t, int64(42), entry.Size)

	entry, found, _, caseMatched = c.LookupFile("s1", "/home", "report.txt")
	require.True(t, found)
	assert.False(t, caseMatched)
	assert.Equal(t, int64(42), entry.Size)
}

func TestInvalidateFile_MarksUnsure(t *testing.T) {
	c := New()
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "a.txt", Size: 1})
	c.InvalidateFile("s1", "/home", "a.txt")

	entry, found, _, _ := c.LookupFile("s1", "/home", "a.txt")
	require.True(t, found)
	assert.True(t, entry.Unsure)
}

func TestRemoveFile(t *testing.T) {
	c := New()
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "a.txt"})
	c.RemoveFile("s1", "/home", "a.txt")

	_, found, dirCached, _ := c.LookupFile("s1", "/home", "a.txt")
	assert.False(t, found)
	assert.True(t, dirCached)
}

func TestRemoveDir(t *testing.T) {
	c := New()
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "a.txt"})
	c.UpdateFile("s1", "/home/sub", engine.DirectoryEntry{Name: "b.txt"})
	c.RemoveDir("s1", "/home")

	_, _, dirCached, _ := c.LookupFile("s1", "/home", "a.txt")
	assert.False(t, dirCached)
	_, _, dirCached, _ = c.LookupFile("s1", "/home/sub", "b.txt")
	assert.False(t, dirCached)
}

func TestRename(t *testing.T) {
	c := New()
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "old.txt", Size: 5})
	c.Rename("s1", "/home", "old.txt", "/home", "new.txt")

	_, found, _, _ := c.LookupFile("s1", "/home", "old.txt")
	assert.False(t, found)
	entry, found, _, _ := c.LookupFile("s1", "/home", "new.txt")
	require.True(t, found)
	assert.Equal(t, int64(5), entry.Size)
}

func TestInvalidateServer(t *testing.T) {
	c := New()
	c.UpdateFile("s1", "/home", engine.DirectoryEntry{Name: "a.txt"})
	c.Put("s1", "/home", "/resolved/home")
	c.InvalidateServer("s1")

	_, _, dirCached, _ := c.LookupFile("s1", "/home", "a.txt")
	assert.False(t, dirCached)
	_, ok := c.Lookup("s1", "/home")
	assert.False(t, ok)
}

func TestPathCache_LookupAndInvalidate(t *testing.T) {
	c := New()
	c.Put("s1", "/a", "/resolved/a")

	v, ok := c.Lookup("s1", "/a")
	require.True(t, ok)
	assert.Equal(t, "/resolved/a", v)

	c.InvalidatePath("s1", "/a")
	_, ok = c.Lookup("s1", "/a")
	assert.False(t, ok)
}
