package jobstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmash/mash/internal/common"
	"github.com/openmash/mash/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test_jobs"), common.GetLogger())
	require.NoError(t, err)
	return store
}

func TestPersistWritesBackref(t *testing.T) {
	store := newTestStore(t)
	doc := models.JobDocument{"id": "abc", "cloud": "ec2", "last_service": "test"}

	stored, err := store.Persist(doc)
	require.NoError(t, err)

	assert.Equal(t, store.Path("abc"), stored.JobFile())
	// Original document untouched.
	assert.Empty(t, doc.JobFile())

	_, err = os.Stat(store.Path("abc"))
	assert.NoError(t, err)
}

func TestPersistRequiresID(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Persist(models.JobDocument{"cloud": "gce"})
	assert.Error(t, err)
}

func TestPersistOverwrites(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Persist(models.JobDocument{"id": "abc", "cloud": "ec2"})
	require.NoError(t, err)
	_, err = store.Persist(models.JobDocument{"id": "abc", "cloud": "azure"})
	require.NoError(t, err)

	docs, err := store.ListAll()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "azure", docs[0].Cloud())
}

func TestDeleteMissingJobIsNoError(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Delete("never-existed"))
}

func TestListAllSkipsCorruptFiles(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Persist(models.JobDocument{"id": "good", "cloud": "oci"})
	require.NoError(t, err)

	corrupt := store.Path("bad")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0644))

	docs, err := store.ListAll()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "good", docs[0].ID())
}

func TestDeleteRemovesFile(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Persist(models.JobDocument{"id": "gone", "cloud": "aliyun"})
	require.NoError(t, err)
	require.NoError(t, store.Delete("gone"))

	docs, err := store.ListAll()
	require.NoError(t, err)
	assert.Empty(t, docs)
}
