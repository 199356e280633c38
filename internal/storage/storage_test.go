package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
	"github.com/Chapsvision-dev/cloudstore/internal/config"
	"github.com/Chapsvision-dev/cloudstore/internal/oplog"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
)

func newFacade(t *testing.T, cfg config.Config, fakes map[string]*fakeBackend, opts ...Option) *Facade {
	t.Helper()
	reg, _ := registryOf(fakes)
	f, err := New(context.Background(), cfg, reg, opts...)
	require.NoError(t, err)
	return f
}

func TestNew_UnsupportedBackend(t *testing.T) {
	reg, _ := registryOf(map[string]*fakeBackend{"awss3": newFake(provider.KindAWSS3)})
	_, err := New(context.Background(), testConfig("dropbox"), reg)
	require.ErrorIs(t, err, apperr.ErrUnsupportedBackend)
	assert.Contains(t, err.Error(), "dropbox")
}

func TestNew_WithServiceOverridesSelected(t *testing.T) {
	fakes := map[string]*fakeBackend{
		"awss3":     newFake(provider.KindAWSS3),
		"azureblob": newFake(provider.KindAzureBlob),
	}
	f := newFacade(t, testConfig("awss3"), fakes, WithService("azureblob"))
	assert.Equal(t, "azureblob", f.Service())
	assert.Equal(t, provider.KindAzureBlob, f.Kind())
}

func TestGet_DelegatesAndRecordsOnce(t *testing.T) {
	s3 := newFake(provider.KindAWSS3)
	rec := &fakeRecorder{}
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3}, WithRecorder(rec))

	res, err := f.Get(context.Background(), "awss3:bucket/a.txt", "/tmp/out/", false)
	require.NoError(t, err)
	require.True(t, res.Found())

	calls := s3.callsOf("get")
	require.Len(t, calls, 1)
	assert.Equal(t, "bucket/a.txt", calls[0].source)
	assert.Equal(t, "/tmp/out/", calls[0].destination)

	require.Len(t, rec.entries, 1)
	e := rec.entries[0]
	assert.Equal(t, OpGet, e.Operation)
	assert.Equal(t, "awss3", e.Service)
	assert.Equal(t, oplog.StatusOK, e.Status)
	assert.Equal(t, "awss3:bucket/a.txt", e.Args["source"])
	assert.Equal(t, res, e.Records)
}

func TestGet_MissingSource(t *testing.T) {
	s3 := newFake(provider.KindAWSS3)
	s3.getFn = func(source, _ string) (provider.Result, error) {
		return nil, fmt.Errorf("s3: %s: %w", source, apperr.ErrNotFound)
	}
	rec := &fakeRecorder{}
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3}, WithRecorder(rec))

	_, err := f.Get(context.Background(), "bucket/missing.txt", "/tmp/", false)
	require.ErrorIs(t, err, apperr.ErrTransfer)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, err.Error(), "bucket/missing.txt")
	assert.Contains(t, err.Error(), "awss3")

	require.Len(t, rec.entries, 1)
	assert.Equal(t, oplog.StatusError, rec.entries[0].Status)
	assert.NotEmpty(t, rec.entries[0].Error)
}

func TestGet_EmptyResultIsNotFound(t *testing.T) {
	for name, res := range map[string]provider.Result{
		"empty":      {},
		"blank name": {{FileName: ""}},
	} {
		t.Run(name, func(t *testing.T) {
			s3 := newFake(provider.KindAWSS3)
			s3.getFn = func(string, string) (provider.Result, error) { return res, nil }
			f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3})

			_, err := f.Get(context.Background(), "bucket/x", "/tmp/", false)
			assert.ErrorIs(t, err, apperr.ErrTransfer)
			assert.ErrorIs(t, err, apperr.ErrNotFound)
		})
	}
}

func TestGet_RecursiveWithoutRecordsIsNotFound(t *testing.T) {
	for name, res := range map[string]provider.Result{
		"empty":      {},
		"blank name": {{FileName: ""}},
	} {
		t.Run(name, func(t *testing.T) {
			s3 := newFake(provider.KindAWSS3)
			s3.getFn = func(string, string) (provider.Result, error) { return res, nil }
			rec := &fakeRecorder{}
			f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3}, WithRecorder(rec))

			_, err := f.Get(context.Background(), "bucket/missing/", "/tmp/", true)
			assert.ErrorIs(t, err, apperr.ErrTransfer)
			assert.ErrorIs(t, err, apperr.ErrNotFound)
			require.Len(t, rec.entries, 1)
			assert.Equal(t, oplog.StatusError, rec.entries[0].Status)
		})
	}
}

func TestLocalSide_BoundCloudPrefixRejected(t *testing.T) {
	s3 := newFake(provider.KindAWSS3)
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3})
	ctx := context.Background()

	_, err := f.Get(ctx, "awss3:bucket/a.txt", "awss3:/tmp/x", false)
	assert.ErrorIs(t, err, apperr.ErrInvalidLocator)
	_, err = f.Put(ctx, "awss3:/tmp/a.txt", "bucket/", false)
	assert.ErrorIs(t, err, apperr.ErrInvalidLocator)
	assert.Empty(t, s3.calls)
}

func TestLocalSide_LocalServicePrefix(t *testing.T) {
	cfg := testConfig("disk")
	cfg.Storage.Services = map[string]config.Service{"disk": {Kind: string(provider.KindLocal), Directory: "/srv"}}
	disk := newFake(provider.KindLocal)
	f := newFacade(t, cfg, map[string]*fakeBackend{"disk": disk})

	_, err := f.Put(context.Background(), "disk:/data/a.txt", "disk:/backup/", false)
	require.NoError(t, err)
	calls := disk.callsOf("put")
	require.Len(t, calls, 1)
	assert.Equal(t, filepath.FromSlash("/data/a.txt"), calls[0].source)
}

func TestPut_LocalSideIsAbsolute(t *testing.T) {
	s3 := newFake(provider.KindAWSS3)
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3})

	_, err := f.Put(context.Background(), "local:rel/dir/", "bucket/", true)
	require.NoError(t, err)

	calls := s3.callsOf("put")
	require.Len(t, calls, 1)
	assert.True(t, filepath.IsAbs(calls[0].source))
	assert.True(t, strings.HasSuffix(calls[0].source, string(filepath.Separator)))
	assert.Equal(t, "bucket/", calls[0].destination)
	assert.True(t, calls[0].recursive)
}

func TestForeignPrefixRejected(t *testing.T) {
	s3 := newFake(provider.KindAWSS3)
	rec := &fakeRecorder{}
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3}, WithRecorder(rec))
	ctx := context.Background()

	_, err := f.Delete(ctx, "box:reports/a.csv")
	assert.ErrorIs(t, err, apperr.ErrInvalidLocator)
	_, err = f.Put(ctx, "gdrive:a.txt", "bucket/", false)
	assert.ErrorIs(t, err, apperr.ErrInvalidLocator)
	_, err = f.Search(ctx, "azureblob:c", "*.txt", false)
	assert.ErrorIs(t, err, apperr.ErrInvalidLocator)

	assert.Empty(t, s3.calls)
	assert.Len(t, rec.entries, 2)
}

func TestCreateDir_IgnoreExisting(t *testing.T) {
	s3 := newFake(provider.KindAWSS3)
	rec := &fakeRecorder{}
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3}, WithRecorder(rec))
	ctx := context.Background()

	first, err := f.CreateDir(ctx, "bucket/dir")
	require.NoError(t, err)
	second, err := f.CreateDir(ctx, "bucket/dir")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Len(t, s3.callsOf("create_dir"), 2)
	require.Len(t, rec.entries, 2)
	assert.Equal(t, oplog.StatusOK, rec.entries[1].Status)
}

func TestCreateDir_ErrorPolicy(t *testing.T) {
	cfg := testConfig("awss3")
	cfg.Storage.CreateDir.OnExists = config.OnExistsError
	s3 := newFake(provider.KindAWSS3)
	f := newFacade(t, cfg, map[string]*fakeBackend{"awss3": s3})
	ctx := context.Background()

	_, err := f.CreateDir(ctx, "bucket/dir")
	require.NoError(t, err)
	res, err := f.CreateDir(ctx, "bucket/dir")
	require.ErrorIs(t, err, apperr.ErrAlreadyExists)
	assert.Contains(t, err.Error(), "bucket/dir")
	assert.True(t, res.Found())
}

func TestDelete_NotFound(t *testing.T) {
	s3 := newFake(provider.KindAWSS3)
	s3.objects["bucket/a.txt"] = true
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3})
	ctx := context.Background()

	_, err := f.Delete(ctx, "awss3:bucket/a.txt")
	require.NoError(t, err)
	_, err = f.Delete(ctx, "bucket/a.txt")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, err.Error(), "delete")
}

func TestRecorderFailureDoesNotMask(t *testing.T) {
	s3 := newFake(provider.KindAWSS3)
	s3.entries["bucket"] = provider.Result{{FileName: "a.txt", Path: "bucket/a.txt", Type: provider.TypeFile}}
	rec := &fakeRecorder{err: errors.New("database is locked")}
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3}, WithRecorder(rec))

	res, err := f.List(context.Background(), "bucket", false, false)
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Len(t, rec.entries, 1)
}

func TestList_DirOnly(t *testing.T) {
	s3 := newFake(provider.KindAWSS3)
	s3.entries["bucket"] = provider.Result{
		{FileName: "a.txt", Path: "bucket/a.txt", Type: provider.TypeFile},
		{FileName: "sub", Path: "bucket/sub/", Type: provider.TypeDir},
	}
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3})

	res, err := f.List(context.Background(), "bucket", true, false)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "sub", res[0].FileName)
}

func TestSearch_NotRecorded(t *testing.T) {
	s3 := newFake(provider.KindAWSS3)
	s3.entries["bucket"] = provider.Result{
		{FileName: "a.txt", Path: "bucket/a.txt"},
		{FileName: "b.csv", Path: "bucket/b.csv"},
	}
	rec := &fakeRecorder{}
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3}, WithRecorder(rec))

	res, err := f.Search(context.Background(), "bucket", "*.csv", true)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "b.csv", res[0].FileName)
	assert.Empty(t, rec.entries)
}

func TestTree(t *testing.T) {
	s3 := newFake(provider.KindAWSS3)
	s3.entries["bucket"] = provider.Result{
		{FileName: "sub", Path: "bucket/sub/", Type: provider.TypeDir},
		{FileName: "a.txt", Path: "bucket/a.txt", Type: provider.TypeFile},
	}
	s3.entries["bucket/sub/"] = provider.Result{
		{FileName: "b.txt", Path: "bucket/sub/b.txt", Type: provider.TypeFile},
	}
	rec := &fakeRecorder{}
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3}, WithRecorder(rec))

	root, err := f.Tree(context.Background(), "bucket")
	require.NoError(t, err)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "a.txt", root.Children[0].Name)
	assert.Equal(t, "sub", root.Children[1].Name)
	require.Len(t, root.Children[1].Children, 1)

	files, dirs := root.Count()
	assert.Equal(t, 2, files)
	assert.Equal(t, 1, dirs)

	var b strings.Builder
	require.NoError(t, root.Render(&b))
	assert.Equal(t, "bucket\n├── a.txt\n└── sub/\n    └── b.txt\n", b.String())
	assert.Empty(t, rec.entries)
}

func TestTree_MissingSource(t *testing.T) {
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": newFake(provider.KindAWSS3)})
	_, err := f.Tree(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestClose_ClosesBoundBackend(t *testing.T) {
	s3 := newFake(provider.KindAWSS3)
	f := newFacade(t, testConfig("awss3"), map[string]*fakeBackend{"awss3": s3})
	require.NoError(t, f.Close())
	assert.True(t, s3.isClosed())
}
