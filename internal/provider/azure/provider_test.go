package azure

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
	"github.com/Chapsvision-dev/cloudstore/internal/retry"
)

type fakeBlob struct {
	body []byte
	meta map[string]string
	mod  time.Time
}

// fakeStore is an in-memory blobStore keyed by "container/key".
type fakeStore struct {
	mu          sync.Mutex
	blobs       map[string]fakeBlob
	containers  map[string]bool
	busy        int  // Upload answers 503 ServerBusy this many times first
	corruptMeta bool // Properties reports a different sha256
	uploads     int
}

func newFakeStore(containers ...string) *fakeStore {
	f := &fakeStore{blobs: map[string]fakeBlob{}, containers: map[string]bool{}}
	for _, c := range containers {
		f.containers[c] = true
	}
	return f
}

func notFound(code string) error {
	return &azcore.ResponseError{ErrorCode: code, StatusCode: http.StatusNotFound}
}

func (f *fakeStore) seed(ctr, key, body string) {
	f.blobs[ctr+"/"+key] = fakeBlob{body: []byte(body), mod: time.Unix(1700000000, 0).UTC()}
}

func (f *fakeStore) Upload(_ context.Context, ctr, key string, body io.Reader, meta map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.busy > 0 {
		f.busy--
		return &azcore.ResponseError{ErrorCode: "ServerBusy", StatusCode: http.StatusServiceUnavailable}
	}
	if !f.containers[ctr] {
		return notFound("ContainerNotFound")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	// Mimic the service canonicalizing metadata names.
	canon := map[string]string{}
	for k, v := range meta {
		canon[strings.ToUpper(k[:1])+k[1:]] = v
	}
	f.blobs[ctr+"/"+key] = fakeBlob{body: data, meta: canon, mod: time.Now().UTC()}
	return nil
}

func (f *fakeStore) Download(_ context.Context, ctr, key string, w io.Writer) (blobProps, error) {
	f.mu.Lock()
	b, ok := f.blobs[ctr+"/"+key]
	f.mu.Unlock()
	if !ok {
		return blobProps{}, notFound("BlobNotFound")
	}
	n, err := io.Copy(w, bytes.NewReader(b.body))
	return blobProps{Size: n, Modified: b.mod, Metadata: b.meta}, err
}

func (f *fakeStore) Delete(_ context.Context, ctr, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[ctr+"/"+key]; !ok {
		return notFound("BlobNotFound")
	}
	delete(f.blobs, ctr+"/"+key)
	return nil
}

func (f *fakeStore) Properties(_ context.Context, ctr, key string) (blobProps, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[ctr+"/"+key]
	if !ok {
		return blobProps{}, notFound("BlobNotFound")
	}
	meta := b.meta
	if f.corruptMeta {
		meta = map[string]string{"Sha256": "deadbeef"}
	}
	return blobProps{Size: int64(len(b.body)), Modified: b.mod, Metadata: meta}, nil
}

func (f *fakeStore) List(_ context.Context, ctr, prefix, delimiter string, max int32) ([]blobItem, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.containers[ctr] {
		return nil, nil, notFound("ContainerNotFound")
	}
	var keys []string
	for k := range f.blobs {
		if name, ok := strings.CutPrefix(k, ctr+"/"); ok && strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)

	var (
		items    []blobItem
		prefixes []string
	)
	seen := map[string]bool{}
	for _, k := range keys {
		if max > 0 && int32(len(items)+len(prefixes)) >= max {
			break
		}
		rest := strings.TrimPrefix(k, prefix)
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+len(delimiter)]
				if !seen[cp] {
					seen[cp] = true
					prefixes = append(prefixes, cp)
				}
				continue
			}
		}
		b := f.blobs[ctr+"/"+k]
		items = append(items, blobItem{Name: k, blobProps: blobProps{Size: int64(len(b.body)), Modified: b.mod, Metadata: b.meta}})
	}
	return items, prefixes, nil
}

var fast = retry.Options{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

func setup(t *testing.T) (*AzureBackend, *fakeStore, afero.Fs) {
	t.Helper()
	store := newFakeStore("archive")
	store.seed("archive", "a.txt", "alpha")
	store.seed("archive", "docs/b.txt", "bravo")
	store.seed("archive", "docs/deep/c.txt", "charlie")
	local := afero.NewMemMapFs()
	return New(store, "archive", local, fast, 2), store, local
}

func TestPut_ValidatesChecksum(t *testing.T) {
	p, store, local := setup(t)
	require.NoError(t, afero.WriteFile(local, "/in/report.pdf", []byte("quarterly report"), 0o644))

	res, err := p.Put(context.Background(), "/in/report.pdf", "backups/", false)
	require.NoError(t, err)
	assert.Equal(t, "backups/report.pdf", res[0].Path)
	assert.Equal(t, int64(16), res[0].Size)
	assert.Equal(t, store.blobs["archive/backups/report.pdf"].meta["Sha256"], res[0].Checksum)
}

func TestPut_ChecksumMismatchFails(t *testing.T) {
	p, store, local := setup(t)
	store.corruptMeta = true
	require.NoError(t, afero.WriteFile(local, "/x.bin", []byte("x"), 0o644))

	_, err := p.Put(context.Background(), "/x.bin", "x.bin", false)
	assert.ErrorContains(t, err, "sha256 mismatch")
}

func TestPut_RetriesServerBusy(t *testing.T) {
	p, store, local := setup(t)
	store.busy = 2
	require.NoError(t, afero.WriteFile(local, "/y.bin", []byte("y"), 0o644))

	_, err := p.Put(context.Background(), "/y.bin", "y.bin", false)
	require.NoError(t, err)
	assert.Equal(t, 3, store.uploads)
}

func TestPut_MissingContainer(t *testing.T) {
	store := newFakeStore()
	local := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(local, "/z.bin", []byte("z"), 0o644))
	p := New(store, "", local, fast, 1)

	_, err := p.Put(context.Background(), "/z.bin", "nowhere/z.bin", false)
	assert.ErrorContains(t, err, `container "nowhere" not found`)
}

func TestGet(t *testing.T) {
	p, _, local := setup(t)
	ctx := context.Background()

	res, err := p.Get(ctx, "docs/b.txt", "/dl/", false)
	require.NoError(t, err)
	assert.Equal(t, "/dl/b.txt", res[0].Path)
	data, _ := afero.ReadFile(local, "/dl/b.txt")
	assert.Equal(t, "bravo", string(data))

	res, err = p.Get(ctx, "docs", "/tree", true)
	require.NoError(t, err)
	assert.Len(t, res, 2)
	ok, _ := afero.Exists(local, "/tree/deep/c.txt")
	assert.True(t, ok)

	_, err = p.Get(ctx, "ghost.txt", "/dl/", false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateDirListDelete(t *testing.T) {
	p, store, _ := setup(t)
	ctx := context.Background()

	_, err := p.CreateDir(ctx, "staging")
	require.NoError(t, err)
	assert.Equal(t, "true", store.blobs["archive/staging/"].meta["Hdi_isfolder"])

	_, err = p.CreateDir(ctx, "staging")
	assert.True(t, errors.Is(err, apperr.ErrAlreadyExists))

	root, err := p.List(ctx, "", false, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "staging", "a.txt"}, names(root))

	dirs, err := p.List(ctx, "", true, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"docs", "deep", "staging"}, names(dirs))

	_, err = p.Delete(ctx, "docs")
	assert.ErrorContains(t, err, "non-empty")

	res, err := p.Delete(ctx, "staging")
	require.NoError(t, err)
	assert.True(t, res[0].IsDir())

	res, err = p.Delete(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", res[0].FileName)

	_, err = p.Delete(ctx, "a.txt")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSearch(t *testing.T) {
	p, _, _ := setup(t)
	res, err := p.Search(context.Background(), "", "c.*", true)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "docs/deep/c.txt", res[0].Path)
}

func TestIsAzRetryable(t *testing.T) {
	p := &AzureBackend{}
	assert.True(t, p.isAzRetryable(&azcore.ResponseError{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, p.isAzRetryable(&azcore.ResponseError{ErrorCode: "ServerBusy"}))
	assert.False(t, p.isAzRetryable(notFound("BlobNotFound")))
	assert.True(t, isNotFound(notFound("BlobNotFound")))
}

func names(r provider.Result) []string {
	out := make([]string, 0, len(r))
	for _, rec := range r {
		out = append(out, rec.FileName)
	}
	return out
}
