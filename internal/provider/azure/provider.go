// Package azure implements the azureblob backend on Azure Blob Storage.
// Directories are virtual: a zero-byte "dir/" blob marks an explicit one.
package azure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
	"github.com/Chapsvision-dev/cloudstore/internal/checksum"
	"github.com/Chapsvision-dev/cloudstore/internal/metrics"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
	"github.com/Chapsvision-dev/cloudstore/internal/retry"
)

const (
	metaSHA256   = "sha256"
	metaIsFolder = "hdi_isfolder"
)

type AzureBackend struct {
	store       blobStore
	container   string // fixed container; empty means the first path segment names it
	local       afero.Fs
	ro          retry.Options
	concurrency int

	checked sync.Map // container -> struct{} once ensureContainer passed
}

// New wraps a blob store. local is the filesystem Get writes to and Put
// reads from.
func New(store blobStore, ctr string, local afero.Fs, ro retry.Options, concurrency int) *AzureBackend {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &AzureBackend{store: store, container: ctr, local: local, ro: ro, concurrency: concurrency}
}

func (p *AzureBackend) Kind() provider.Kind { return provider.KindAzureBlob }

func (p *AzureBackend) split(s string) (string, string, error) {
	s = strings.TrimPrefix(s, "/")
	if p.container != "" {
		return p.container, s, nil
	}
	ctr, key, _ := strings.Cut(s, "/")
	if ctr == "" {
		return "", "", fmt.Errorf("azure: no container configured and none in path %q", s)
	}
	return ctr, key, nil
}

func (p *AzureBackend) display(ctr, key string) string {
	if p.container != "" {
		return key
	}
	return ctr + "/" + key
}

// call runs fn with retries, attempt logging and metrics, and maps
// BlobNotFound/ContainerNotFound to apperr.ErrNotFound.
func (p *AzureBackend) call(ctx context.Context, action, ctr, key string, fn func(context.Context) error) error {
	attempt := 0
	attempts, err := retry.Do(ctx, p.ro, p.isAzRetryable, func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "azure_"+action).Str("container", ctr).Str("key", key).
			Int("attempt", attempt).Msg("starting attempt")
		if err := fn(ctx); err != nil {
			log.Debug().Err(err).Str("action", "azure_"+action).Str("container", ctr).Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		return nil
	})
	metrics.RecordBackendCall(string(provider.KindAzureBlob), action, attempts, err == nil)
	if isNotFound(err) {
		return fmt.Errorf("azure: %s/%s: %w", ctr, key, apperr.ErrNotFound)
	}
	return err
}

// Get downloads a blob, or every blob under a virtual directory when recursive.
func (p *AzureBackend) Get(ctx context.Context, source, destination string, recursive bool) (provider.Result, error) {
	ctr, key, err := p.split(source)
	if err != nil {
		return nil, err
	}
	dlStart := time.Now()

	if !recursive {
		target := provider.LocalTarget(p.local, destination, provider.BaseName(key))
		rec, err := p.download(ctx, ctr, key, target)
		if err != nil {
			return nil, err
		}
		log.Info().Str("action", "azure_download").Str("container", ctr).Str("key", key).
			Str("local", target).Dur("elapsed_ms", time.Since(dlStart)).Msg("download OK")
		return provider.Result{rec}, nil
	}

	prefix := provider.DirKey(key)
	items, _, err := p.list(ctx, ctr, prefix, "", 0)
	if err != nil {
		return nil, err
	}
	var keys []string
	markers := 0
	for _, it := range items {
		if isMarker(it) {
			markers++
			continue
		}
		keys = append(keys, it.Name)
	}
	if len(keys) == 0 {
		if markers == 0 {
			return nil, fmt.Errorf("azure: %s/%s: %w", ctr, prefix, apperr.ErrNotFound)
		}
		return provider.Result{}, nil
	}

	root := provider.LocalTarget(p.local, destination, provider.BaseName(key))
	out := make(provider.Result, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, k := range keys {
		g.Go(func() error {
			rel := strings.TrimPrefix(k, prefix)
			rec, err := p.download(gctx, ctr, k, filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			out[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info().Str("action", "azure_download").Str("container", ctr).Str("prefix", prefix).
		Int("blobs", len(out)).Dur("elapsed_ms", time.Since(dlStart)).Msg("recursive download OK")
	return out, nil
}

func (p *AzureBackend) download(ctx context.Context, ctr, key, target string) (provider.Record, error) {
	var props blobProps
	err := p.call(ctx, "download", ctr, key, func(ctx context.Context) error {
		if err := p.local.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		out, err := p.local.Create(target)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := out.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("file", target).Msg("failed to close local file after download")
			}
		}()
		props, err = p.store.Download(ctx, ctr, key, out)
		return err
	})
	if err != nil {
		return provider.Record{}, err
	}
	metrics.RecordBytes(string(provider.KindAzureBlob), "in", props.Size)
	return provider.Record{
		FileName: filepath.Base(target),
		Path:     target,
		Type:     provider.TypeFile,
		Size:     props.Size,
		Modified: props.Modified,
		Checksum: metaValue(props.Metadata, metaSHA256),
		Backend:  provider.KindAzureBlob,
		Metadata: map[string]string{"source": p.display(ctr, key)},
	}, nil
}

// Put uploads a local file, or a local tree when recursive, and validates
// each blob's size and sha256 metadata afterwards.
func (p *AzureBackend) Put(ctx context.Context, source, destination string, recursive bool) (provider.Result, error) {
	ctr, key, err := p.split(destination)
	if err != nil {
		return nil, err
	}
	info, err := p.local.Stat(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("azure: local %s: %w", source, apperr.ErrNotFound)
		}
		return nil, err
	}
	if info.IsDir() && !recursive {
		return nil, fmt.Errorf("azure: %s is a directory, recursive upload required: %w", source, apperr.ErrNotFound)
	}
	if err := p.ensureContainer(ctx, ctr); err != nil {
		return nil, fmt.Errorf("ensure container: %w", err)
	}

	name := filepath.Base(source)
	if key == "" || strings.HasSuffix(key, "/") {
		key = provider.ObjectKey(key, name)
	} else if isDir, err := p.prefixExists(ctx, ctr, provider.DirKey(key)); err == nil && isDir {
		key = provider.DirKey(key) + name
	}

	if !info.IsDir() {
		rec, err := p.upload(ctx, source, ctr, key)
		if err != nil {
			return nil, err
		}
		return provider.Result{rec}, nil
	}

	var files []string
	err = afero.Walk(p.local, source, func(f string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !fi.IsDir() {
			files = append(files, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("azure: walk %s: %w", source, err)
	}

	out := make(provider.Result, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, f := range files {
		g.Go(func() error {
			rel, err := filepath.Rel(source, f)
			if err != nil {
				return err
			}
			rec, err := p.upload(gctx, f, ctr, provider.DirKey(key)+filepath.ToSlash(rel))
			if err != nil {
				return err
			}
			out[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *AzureBackend) upload(ctx context.Context, source, ctr, key string) (provider.Record, error) {
	sum, size, err := checksum.SHA256File(p.local, source)
	if err != nil {
		return provider.Record{}, fmt.Errorf("checksum: %w", err)
	}

	upStart := time.Now()
	err = p.call(ctx, "upload", ctr, key, func(ctx context.Context) error {
		f, err := p.local.Open(source)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("file", source).Msg("failed to close source file after upload")
			}
		}()
		return p.store.Upload(ctx, ctr, key, f, map[string]string{metaSHA256: sum})
	})
	if err != nil {
		return provider.Record{}, fmt.Errorf("upload: %w", err)
	}
	log.Info().Str("action", "azure_upload").Str("container", ctr).Str("key", key).
		Dur("elapsed_ms", time.Since(upStart)).Msg("upload OK")

	props, err := p.validateUpload(ctx, ctr, key, size, sum)
	if err != nil {
		return provider.Record{}, fmt.Errorf("validate: %w", err)
	}
	metrics.RecordBytes(string(provider.KindAzureBlob), "out", size)
	return provider.Record{
		FileName: path.Base(key),
		Path:     p.display(ctr, key),
		Type:     provider.TypeFile,
		Size:     size,
		Modified: props.Modified,
		Checksum: sum,
		Backend:  provider.KindAzureBlob,
	}, nil
}

// CreateDir writes a "dir/" marker blob flagged hdi_isfolder.
func (p *AzureBackend) CreateDir(ctx context.Context, directory string) (provider.Result, error) {
	ctr, key, err := p.split(directory)
	if err != nil {
		return nil, err
	}
	marker := provider.DirKey(key)
	if marker == "" {
		return nil, fmt.Errorf("azure: cannot create container root %q", directory)
	}
	if err := p.ensureContainer(ctx, ctr); err != nil {
		return nil, fmt.Errorf("ensure container: %w", err)
	}
	rec := dirRecord(p.display(ctr, marker))

	exists, err := p.prefixExists(ctx, ctr, marker)
	if err != nil {
		return nil, err
	}
	if exists {
		return provider.Result{rec}, fmt.Errorf("azure: %s: %w", rec.Path, apperr.ErrAlreadyExists)
	}
	err = p.call(ctx, "upload", ctr, marker, func(ctx context.Context) error {
		return p.store.Upload(ctx, ctr, marker, strings.NewReader(""), map[string]string{metaIsFolder: "true"})
	})
	if err != nil {
		return nil, err
	}
	rec.Modified = time.Now().UTC()
	return provider.Result{rec}, nil
}

// Delete removes a blob, or an empty directory marker.
func (p *AzureBackend) Delete(ctx context.Context, source string) (provider.Result, error) {
	ctr, key, err := p.split(source)
	if err != nil {
		return nil, err
	}

	if key != "" && !strings.HasSuffix(key, "/") {
		props, err := p.properties(ctx, ctr, key)
		switch {
		case err == nil:
			if err := p.remove(ctx, ctr, key); err != nil {
				return nil, err
			}
			return provider.Result{p.fileRecord(ctr, key, props)}, nil
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}
	}

	marker := provider.DirKey(key)
	items, _, err := p.list(ctx, ctr, marker, "", 2)
	if err != nil {
		return nil, err
	}
	hasMarker := false
	for _, it := range items {
		if it.Name == marker {
			hasMarker = true
			continue
		}
		return nil, fmt.Errorf("azure: %s is a non-empty directory", p.display(ctr, marker))
	}
	if !hasMarker {
		return nil, fmt.Errorf("azure: %s: %w", p.display(ctr, key), apperr.ErrNotFound)
	}
	if err := p.remove(ctx, ctr, marker); err != nil {
		return nil, err
	}
	return provider.Result{dirRecord(p.display(ctr, marker))}, nil
}

func (p *AzureBackend) remove(ctx context.Context, ctr, key string) error {
	return p.call(ctx, "delete", ctr, key, func(ctx context.Context) error {
		return p.store.Delete(ctx, ctr, key)
	})
}

// List returns the blobs and virtual directories under source.
func (p *AzureBackend) List(ctx context.Context, source string, dirOnly, recursive bool) (provider.Result, error) {
	ctr, key, err := p.split(source)
	if err != nil {
		return nil, err
	}
	prefix := provider.DirKey(key)
	delimiter := "/"
	if recursive {
		delimiter = ""
	}

	items, prefixes, err := p.list(ctx, ctr, prefix, delimiter, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 && len(prefixes) == 0 && prefix != "" {
		props, err := p.properties(ctx, ctr, strings.TrimSuffix(key, "/"))
		if err != nil {
			return nil, err
		}
		if dirOnly {
			return provider.Result{}, nil
		}
		return provider.Result{p.fileRecord(ctr, strings.TrimSuffix(key, "/"), props)}, nil
	}

	out := provider.Result{}
	seen := map[string]bool{prefix: true}
	addDir := func(dir string) {
		if !seen[dir] {
			seen[dir] = true
			out = append(out, dirRecord(p.display(ctr, dir)))
		}
	}
	for _, d := range prefixes {
		addDir(d)
	}
	var files []blobItem
	for _, it := range items {
		if isMarker(it) {
			addDir(provider.DirKey(it.Name))
			continue
		}
		files = append(files, it)
		if recursive {
			parts := strings.Split(strings.TrimPrefix(it.Name, prefix), "/")
			for i := 1; i < len(parts); i++ {
				addDir(prefix + strings.Join(parts[:i], "/") + "/")
			}
		}
	}
	if dirOnly {
		return out, nil
	}
	for _, f := range files {
		out = append(out, p.fileRecord(ctr, f.Name, f.blobProps))
	}
	return out, nil
}

// Search lists directory and keeps entries whose base name matches filename.
func (p *AzureBackend) Search(ctx context.Context, directory, filename string, recursive bool) (provider.Result, error) {
	all, err := p.List(ctx, directory, false, recursive)
	if err != nil {
		return nil, err
	}
	out := provider.Result{}
	for _, r := range all {
		if provider.MatchName(filename, r.FileName) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *AzureBackend) list(ctx context.Context, ctr, prefix, delimiter string, max int32) ([]blobItem, []string, error) {
	var (
		items    []blobItem
		prefixes []string
	)
	err := p.call(ctx, "list", ctr, prefix, func(ctx context.Context) error {
		var err error
		items, prefixes, err = p.store.List(ctx, ctr, prefix, delimiter, max)
		return err
	})
	return items, prefixes, err
}

func (p *AzureBackend) prefixExists(ctx context.Context, ctr, prefix string) (bool, error) {
	items, prefixes, err := p.list(ctx, ctr, prefix, "", 1)
	if err != nil {
		return false, err
	}
	return len(items) > 0 || len(prefixes) > 0, nil
}

func (p *AzureBackend) fileRecord(ctr, key string, props blobProps) provider.Record {
	return provider.Record{
		FileName: path.Base(key),
		Path:     p.display(ctr, key),
		Type:     provider.TypeFile,
		Size:     props.Size,
		Modified: props.Modified,
		Checksum: metaValue(props.Metadata, metaSHA256),
		Backend:  provider.KindAzureBlob,
	}
}

func dirRecord(p string) provider.Record {
	return provider.Record{
		FileName: provider.BaseName(p),
		Path:     p,
		Type:     provider.TypeDir,
		Backend:  provider.KindAzureBlob,
	}
}

func isMarker(it blobItem) bool {
	return strings.HasSuffix(it.Name, "/") || strings.EqualFold(metaValue(it.Metadata, metaIsFolder), "true")
}

// metaValue looks a metadata key up case-insensitively; the service may
// return canonicalized header names ("Sha256").
func metaValue(m map[string]string, key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
