// Package local implements the local filesystem backend on top of afero.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
	"github.com/Chapsvision-dev/cloudstore/internal/checksum"
	"github.com/Chapsvision-dev/cloudstore/internal/locator"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
)

// Backend implements provider.Backend for the local filesystem. Both Get and
// Put are local copies; they differ only in which side the caller thinks of
// as remote.
type Backend struct {
	fs          afero.Fs
	root        string // base for relative paths; empty means the working directory
	concurrency int
}

// Factory builds the local backend from a service spec.
func Factory(_ context.Context, spec provider.Spec) (provider.Backend, error) {
	return New(spec.Config.Directory, spec.Concurrency)
}

// New creates a local backend on the OS filesystem. Relative paths are
// resolved under root when it is set.
func New(root string, concurrency int) (*Backend, error) {
	if root != "" {
		expanded, err := locator.Expand(root)
		if err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return nil, fmt.Errorf("local: resolve root: %w", err)
		}
		if err := os.MkdirAll(abs, 0o750); err != nil {
			return nil, fmt.Errorf("local: create root: %w", err)
		}
		root = abs
	}
	return NewWithFs(afero.NewOsFs(), root, concurrency), nil
}

// NewWithFs creates a local backend over any afero.Fs. Tests use
// afero.NewMemMapFs.
func NewWithFs(fs afero.Fs, root string, concurrency int) *Backend {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Backend{fs: fs, root: root, concurrency: concurrency}
}

func (b *Backend) Kind() provider.Kind { return provider.KindLocal }

func (b *Backend) resolve(p string) (string, error) {
	p, err := locator.Expand(p)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) && b.root != "" {
		p = filepath.Join(b.root, p)
	}
	trailing := strings.HasSuffix(p, string(filepath.Separator))
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if trailing && abs != string(filepath.Separator) {
		abs += string(filepath.Separator)
	}
	return abs, nil
}

// Get copies source to destination.
func (b *Backend) Get(ctx context.Context, source, destination string, recursive bool) (provider.Result, error) {
	return b.transfer(ctx, "local_get", source, destination, recursive)
}

// Put copies source to destination.
func (b *Backend) Put(ctx context.Context, source, destination string, recursive bool) (provider.Result, error) {
	return b.transfer(ctx, "local_put", source, destination, recursive)
}

func (b *Backend) transfer(ctx context.Context, action, source, destination string, recursive bool) (provider.Result, error) {
	src, err := b.resolve(source)
	if err != nil {
		return nil, err
	}
	dst, err := b.resolve(destination)
	if err != nil {
		return nil, err
	}
	src = strings.TrimSuffix(src, string(filepath.Separator))

	info, err := b.fs.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("local: %s: %w", src, apperr.ErrNotFound)
		}
		return nil, err
	}
	if info.IsDir() && !recursive {
		return nil, fmt.Errorf("local: %s is a directory, recursive transfer required: %w", src, apperr.ErrNotFound)
	}

	target := b.targetPath(src, dst)
	log.Debug().Str("action", action).Str("source", src).Str("target", target).Bool("recursive", recursive).
		Msg("starting transfer")

	if !info.IsDir() {
		rec, err := b.copyFile(src, target)
		if err != nil {
			return nil, err
		}
		return provider.Result{rec}, nil
	}
	return b.copyTree(ctx, src, target)
}

func (b *Backend) targetPath(src, dst string) string {
	return provider.LocalTarget(b.fs, dst, filepath.Base(src))
}

func (b *Backend) copyTree(ctx context.Context, src, target string) (provider.Result, error) {
	type job struct{ from, to string }
	var jobs []job
	err := afero.Walk(b.fs, src, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		to := filepath.Join(target, rel)
		if info.IsDir() {
			return b.fs.MkdirAll(to, 0o750)
		}
		jobs = append(jobs, job{from: p, to: to})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: walk %s: %w", src, err)
	}

	out := make(provider.Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := b.copyFile(j.from, j.to)
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

func (b *Backend) copyFile(src, dst string) (provider.Record, error) {
	if err := b.fs.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return provider.Record{}, err
	}
	in, err := b.fs.Open(src)
	if err != nil {
		return provider.Record{}, err
	}
	defer func() { _ = in.Close() }()

	out, err := b.fs.Create(dst)
	if err != nil {
		return provider.Record{}, err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return provider.Record{}, fmt.Errorf("local: copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return provider.Record{}, err
	}

	info, err := b.fs.Stat(src)
	if err == nil {
		_ = b.fs.Chtimes(dst, info.ModTime(), info.ModTime())
	}
	sum, size, err := checksum.SHA256File(b.fs, dst)
	if err != nil {
		return provider.Record{}, err
	}
	rec := b.record(dst, info)
	rec.Size = size
	rec.Checksum = sum
	return rec, nil
}

func (b *Backend) record(p string, info os.FileInfo) provider.Record {
	rec := provider.Record{
		FileName: filepath.Base(p),
		Path:     p,
		Type:     provider.TypeFile,
		Backend:  provider.KindLocal,
	}
	if info != nil {
		rec.Size = info.Size()
		rec.Modified = info.ModTime()
		if info.IsDir() {
			rec.Type = provider.TypeDir
			rec.Size = 0
		}
	}
	return rec
}

// CreateDir creates directory and its parents.
func (b *Backend) CreateDir(_ context.Context, directory string) (provider.Result, error) {
	dir, err := b.resolve(directory)
	if err != nil {
		return nil, err
	}
	dir = strings.TrimSuffix(dir, string(filepath.Separator))

	if info, err := b.fs.Stat(dir); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("local: %s exists and is not a directory", dir)
		}
		return provider.Result{b.record(dir, info)}, fmt.Errorf("local: %s: %w", dir, apperr.ErrAlreadyExists)
	}
	if err := b.fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local: mkdir %s: %w", dir, err)
	}
	info, err := b.fs.Stat(dir)
	if err != nil {
		return nil, err
	}
	return provider.Result{b.record(dir, info)}, nil
}

// Delete removes a file or an empty directory.
func (b *Backend) Delete(_ context.Context, source string) (provider.Result, error) {
	p, err := b.resolve(source)
	if err != nil {
		return nil, err
	}
	p = strings.TrimSuffix(p, string(filepath.Separator))

	info, err := b.fs.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("local: %s: %w", p, apperr.ErrNotFound)
		}
		return nil, err
	}
	if info.IsDir() {
		empty, err := afero.IsEmpty(b.fs, p)
		if err != nil {
			return nil, err
		}
		if !empty {
			return nil, fmt.Errorf("local: %s is a non-empty directory", p)
		}
	}
	if err := b.fs.Remove(p); err != nil {
		return nil, fmt.Errorf("local: delete %s: %w", p, err)
	}
	return provider.Result{b.record(p, info)}, nil
}

// List returns the entries of source; a file source lists itself.
func (b *Backend) List(_ context.Context, source string, dirOnly, recursive bool) (provider.Result, error) {
	root, err := b.resolve(source)
	if err != nil {
		return nil, err
	}
	root = strings.TrimSuffix(root, string(filepath.Separator))
	if root == "" {
		root = string(filepath.Separator)
	}

	info, err := b.fs.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("local: %s: %w", root, apperr.ErrNotFound)
		}
		return nil, err
	}
	if !info.IsDir() {
		if dirOnly {
			return provider.Result{}, nil
		}
		return provider.Result{b.record(root, info)}, nil
	}

	out := provider.Result{}
	if !recursive {
		infos, err := afero.ReadDir(b.fs, root)
		if err != nil {
			return nil, err
		}
		for _, fi := range infos {
			if dirOnly && !fi.IsDir() {
				continue
			}
			out = append(out, b.record(filepath.Join(root, fi.Name()), fi))
		}
		return out, nil
	}

	err = afero.Walk(b.fs, root, func(p string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root || (dirOnly && !fi.IsDir()) {
			return nil
		}
		out = append(out, b.record(p, fi))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: walk %s: %w", root, err)
	}
	return out, nil
}

// Search lists directory and keeps entries whose base name matches filename.
func (b *Backend) Search(ctx context.Context, directory, filename string, recursive bool) (provider.Result, error) {
	all, err := b.List(ctx, directory, false, recursive)
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
