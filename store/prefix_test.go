package store

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupNamespace(t *testing.T) {
	shared := NewFileSystem(t.TempDir())
	backups := NewWithPrefix(shared, "backups/")

	// documents living beside the snapshots
	require.NoError(t, Replace(shared, "today.md", []byte("doc")))
	require.NoError(t, Replace(shared, "backupsmissing.md", []byte("doc")))
	require.NoError(t, Replace(backups, "notes%3Atoday.md@100-1", []byte("v1")))
	require.NoError(t, Replace(backups, "notes%3Atoday.md@200-2", []byte("v2")))
	require.NoError(t, Replace(backups, "notes%3Aother.md@300-3", []byte("v3")))

	var table = []struct {
		prefix   string
		expected []string
	}{
		{"", []string{"notes%3Aother.md@300-3", "notes%3Atoday.md@100-1", "notes%3Atoday.md@200-2"}},
		{"notes%3Atoday.md@", []string{"notes%3Atoday.md@100-1", "notes%3Atoday.md@200-2"}},
		{"journal", nil},
	}
	for _, tab := range table {
		keys, err := backups.ListPrefix(tab.prefix)
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, tab.expected, keys, "prefix %q", tab.prefix)
	}

	var listed []string
	for key := range backups.List() {
		listed = append(listed, key)
	}
	sort.Strings(listed)
	assert.Equal(t, table[0].expected, listed)

	data, err := ReadAll(shared, "backups/notes%3Atoday.md@200-2")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	require.NoError(t, backups.Delete("notes%3Atoday.md@100-1"))
	_, _, err = shared.Open("backups/notes%3Atoday.md@100-1")
	assert.True(t, IsNotExist(err))
	_, _, err = backups.Open("today.md")
	assert.True(t, IsNotExist(err))
}
