package oplog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/cloudstore/internal/config"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.OplogSQLite, filepath.Join(t.TempDir(), "nested", "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, Entry{
		At: base, Operation: "put", Service: "s3", Kind: "awss3",
		Args:    map[string]string{"source": "/tmp/a.txt", "destination": "a.txt"},
		Records: provider.Result{{FileName: "a.txt", Path: "a.txt", Type: provider.TypeFile, Size: 3}},
		Elapsed: 1500 * time.Millisecond,
	}))
	require.NoError(t, s.Record(ctx, Entry{
		At: base.Add(time.Minute), Operation: "delete", Service: "s3", Kind: "awss3",
		Status: StatusError, Error: "not found",
	}))

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "delete", got[0].Operation)
	assert.Equal(t, StatusError, got[0].Status)
	assert.Empty(t, got[0].Records)

	assert.Equal(t, "put", got[1].Operation)
	assert.Equal(t, StatusOK, got[1].Status)
	assert.Equal(t, "/tmp/a.txt", got[1].Args["source"])
	require.Len(t, got[1].Records, 1)
	assert.Equal(t, int64(3), got[1].Records[0].Size)
	assert.Equal(t, 1500*time.Millisecond, got[1].Elapsed)
	assert.True(t, got[1].At.Equal(base))
}

func TestRecent_Limit(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(ctx, Entry{Operation: "list", Service: "local"}))
	}
	got, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: config.OplogPostgres}
	assert.Equal(t, "VALUES ($1, $2)", pg.rebind("VALUES (?, ?)"))
	lite := &Store{driver: config.OplogSQLite}
	assert.Equal(t, "VALUES (?, ?)", lite.rebind("VALUES (?, ?)"))
}
