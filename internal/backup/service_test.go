package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/database"
	"github.com/Jailtonfonseca/rebalanceamento-binance/pkg/logger"
)

type memStore struct {
	objects map[string][]byte
	deleted []string
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Upload(ctx context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, Object{Key: key, Size: int64(len(data))})
		}
	}
	return objects, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func newTestService(t *testing.T, store ObjectStore, retentionDays int) *Service {
	t.Helper()
	dataDir := t.TempDir()

	db, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, "history.db"),
		Profile: database.ProfileHistory,
		Name:    "history",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Conn().Exec(`CREATE TABLE rebalance_runs (run_id TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "config.json"), []byte(`{"admin_user":"admin"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "secret.key"), []byte("super-secret"), 0o600))

	return NewService(store, db.Conn(), dataDir, retentionDays, logger.New(logger.Config{Level: "error"}))
}

func archiveEntries(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	entries := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[header.Name] = content
	}
	return entries
}

func TestCreateAndUploadBackup(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 0)

	require.NoError(t, service.CreateAndUploadBackup(context.Background()))
	require.Len(t, store.objects, 1)

	var key string
	for k := range store.objects {
		key = k
	}
	assert.True(t, strings.HasPrefix(key, archivePrefix))
	assert.True(t, strings.HasSuffix(key, ".tar.gz"))

	entries := archiveEntries(t, store.objects[key])
	assert.Contains(t, entries, "history.db")
	assert.Contains(t, entries, "config.json")
	assert.Contains(t, entries, "backup-metadata.json")
	assert.NotContains(t, entries, "secret.key", "the master key must never be backed up")

	assert.Contains(t, string(entries["backup-metadata.json"]), "sha256:")
}

func TestStagingDirectoryCleanedUp(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 0)

	require.NoError(t, service.CreateAndUploadBackup(context.Background()))

	_, err := os.Stat(filepath.Join(service.dataDir, "backup-staging"))
	assert.True(t, os.IsNotExist(err))
}

func TestListBackupsNewestFirst(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 0)

	for _, ts := range []string{"2025-01-01-000000", "2025-03-01-000000", "2025-02-01-000000"} {
		store.objects[archivePrefix+ts+".tar.gz"] = []byte("x")
	}
	store.objects["unrelated.txt"] = []byte("y")

	backups, err := service.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, archivePrefix+"2025-03-01-000000.tar.gz", backups[0].Filename)
	assert.Equal(t, archivePrefix+"2025-01-01-000000.tar.gz", backups[2].Filename)
}

func TestRotateKeepsMinimumAndFreshBackups(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 7)

	now := time.Now()
	for i := 0; i < 6; i++ {
		ts := now.AddDate(0, 0, -i*10).Format(archiveTimeLayout)
		store.objects[archivePrefix+ts+".tar.gz"] = []byte(fmt.Sprintf("backup-%d", i))
	}

	require.NoError(t, service.RotateOldBackups(context.Background()))

	// Newest three survive regardless of age; of the rest only those
	// younger than the retention window remain.
	assert.Len(t, store.objects, 3)
	assert.Len(t, store.deleted, 3)
}

func TestRotateZeroRetentionKeepsEverything(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 0)

	now := time.Now()
	for i := 0; i < 5; i++ {
		ts := now.AddDate(0, 0, -i*100).Format(archiveTimeLayout)
		store.objects[archivePrefix+ts+".tar.gz"] = []byte("x")
	}

	require.NoError(t, service.RotateOldBackups(context.Background()))
	assert.Len(t, store.objects, 5)
	assert.Empty(t, store.deleted)
}
