// Package rclone implements the box, gdrive and google backends on top of
// rclone's fs.Fs. A service either names a remote from rclone.conf or
// carries the backend options inline, which become an on-the-fly
// connection string such as ":drive,token='...':".
package rclone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/rclone/rclone/backend/box"
	_ "github.com/rclone/rclone/backend/drive"
	_ "github.com/rclone/rclone/backend/googlecloudstorage"
	_ "github.com/rclone/rclone/backend/local"
	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/config/configfile"
	"github.com/rclone/rclone/fs/fserrors"
	"github.com/rclone/rclone/fs/hash"
	"github.com/rclone/rclone/fs/operations"
	rcloneWalk "github.com/rclone/rclone/fs/walk"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
	"github.com/Chapsvision-dev/cloudstore/internal/checksum"
	"github.com/Chapsvision-dev/cloudstore/internal/metrics"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
	"github.com/Chapsvision-dev/cloudstore/internal/retry"
)

// rclone backend type per kind.
var backendTypes = map[provider.Kind]string{
	provider.KindBox:    "box",
	provider.KindGDrive: "drive",
	provider.KindGoogle: "gcs",
}

var installConfig sync.Once

// Backend implements provider.Backend over an rclone remote.
type Backend struct {
	kind        provider.Kind
	remote      fs.Fs
	local       afero.Fs
	ro          retry.Options
	concurrency int
}

// Factory returns a provider.Factory for kind.
func Factory(kind provider.Kind) provider.Factory {
	return func(ctx context.Context, spec provider.Spec) (provider.Backend, error) {
		conn, err := ConnectionString(kind, spec.Config.Remote, spec.Config.Options)
		if err != nil {
			return nil, err
		}
		if spec.Config.Remote != "" {
			installConfig.Do(configfile.Install)
		}
		f, err := fs.NewFs(ctx, conn)
		if err != nil {
			return nil, fmt.Errorf("rclone: open %s remote: %w", kind, err)
		}
		log.Debug().Str("action", "rclone_init").Str("service", spec.Service).Str("kind", string(kind)).
			Str("remote", f.Name()).Str("root", f.Root()).Msg("remote ready")
		return New(kind, f, afero.NewOsFs(), spec.Retry, spec.Concurrency), nil
	}
}

// New wraps an opened rclone remote.
func New(kind provider.Kind, remote fs.Fs, local afero.Fs, ro retry.Options, concurrency int) *Backend {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Backend{kind: kind, remote: remote, local: local, ro: ro, concurrency: concurrency}
}

// ConnectionString builds the rclone path for a service. A named remote
// ("gdrive:" or "gdrive:backups") is used as is; otherwise the options are
// rendered as an on-the-fly remote of the kind's rclone type.
func ConnectionString(kind provider.Kind, remote string, options map[string]string) (string, error) {
	if remote != "" {
		if !strings.Contains(remote, ":") {
			remote += ":"
		}
		return remote, nil
	}
	typ, ok := backendTypes[kind]
	if !ok {
		return "", fmt.Errorf("rclone: no rclone type for kind %q", kind)
	}
	var root string
	keys := make([]string, 0, len(options))
	for k := range options {
		if k == "root" {
			root = options[k]
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(":")
	b.WriteString(typ)
	for _, k := range keys {
		b.WriteString(",")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(quote(options[k]))
	}
	b.WriteString(":")
	b.WriteString(root)
	return b.String(), nil
}

func quote(v string) string {
	if !strings.ContainsAny(v, ",:='\"") {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func (b *Backend) Kind() provider.Kind { return b.kind }

func clean(p string) string {
	p = strings.Trim(p, "/")
	if p == "." {
		return ""
	}
	return p
}

func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrorObjectNotFound) || errors.Is(err, fs.ErrorDirNotFound)
}

func (b *Backend) call(ctx context.Context, action, key string, fn func(context.Context) error) error {
	attempt := 0
	attempts, err := retry.Do(ctx, b.ro, fserrors.ShouldRetry, func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", string(b.kind)+"_"+action).Str("key", key).Int("attempt", attempt).
			Msg("starting attempt")
		err := fn(ctx)
		if err != nil {
			log.Debug().Err(err).Str("action", string(b.kind)+"_"+action).Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
		}
		return err
	})
	metrics.RecordBackendCall(string(b.kind), action, attempts, err == nil)
	if isNotFound(err) {
		return fmt.Errorf("%s: %s: %w", b.kind, key, apperr.ErrNotFound)
	}
	return err
}

func (b *Backend) object(ctx context.Context, key string) (fs.Object, error) {
	var obj fs.Object
	err := b.call(ctx, "stat", key, func(ctx context.Context) error {
		var err error
		obj, err = b.remote.NewObject(ctx, key)
		if errors.Is(err, fs.ErrorIsDir) || errors.Is(err, fs.ErrorNotAFile) {
			return fs.ErrorObjectNotFound
		}
		return err
	})
	return obj, err
}

func (b *Backend) dirExists(ctx context.Context, dir string) (bool, error) {
	if dir == "" {
		return true, nil
	}
	_, err := b.remote.List(ctx, dir)
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// Get downloads an object, or a directory tree when recursive.
func (b *Backend) Get(ctx context.Context, source, destination string, recursive bool) (provider.Result, error) {
	key := clean(source)
	start := time.Now()

	if !recursive {
		obj, err := b.object(ctx, key)
		if err != nil {
			return nil, err
		}
		target := provider.LocalTarget(b.local, destination, path.Base(key))
		rec, err := b.download(ctx, obj, target)
		if err != nil {
			return nil, err
		}
		log.Info().Str("action", string(b.kind)+"_download").Str("key", key).Str("local", target).
			Dur("elapsed_ms", time.Since(start)).Msg("download OK")
		return provider.Result{rec}, nil
	}

	objs, _, err := b.walk(ctx, key, true)
	if err != nil {
		return nil, err
	}
	root := provider.LocalTarget(b.local, destination, provider.BaseName(key))
	out := make(provider.Result, len(objs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, obj := range objs {
		g.Go(func() error {
			rel := strings.TrimPrefix(strings.TrimPrefix(obj.Remote(), key), "/")
			rec, err := b.download(gctx, obj, filepath.Join(root, filepath.FromSlash(rel)))
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
	log.Info().Str("action", string(b.kind)+"_download").Str("key", key).Int("objects", len(out)).
		Dur("elapsed_ms", time.Since(start)).Msg("recursive download OK")
	return out, nil
}

func (b *Backend) download(ctx context.Context, obj fs.Object, target string) (provider.Record, error) {
	var n int64
	err := b.call(ctx, "download", obj.Remote(), func(ctx context.Context) error {
		rc, err := obj.Open(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()

		if err := b.local.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		out, err := b.local.Create(target)
		if err != nil {
			return err
		}
		n, err = io.Copy(out, rc)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		return err
	})
	if err != nil {
		return provider.Record{}, err
	}
	metrics.RecordBytes(string(b.kind), "in", n)
	_ = b.local.Chtimes(target, obj.ModTime(ctx), obj.ModTime(ctx))

	rec := b.objectRecord(ctx, obj)
	rec.FileName = filepath.Base(target)
	rec.Path = target
	rec.Size = n
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	rec.Metadata["source"] = obj.Remote()
	return rec, nil
}

// Put uploads a local file, or a local tree when recursive.
func (b *Backend) Put(ctx context.Context, source, destination string, recursive bool) (provider.Result, error) {
	info, err := b.local.Stat(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: local %s: %w", b.kind, source, apperr.ErrNotFound)
		}
		return nil, err
	}
	if info.IsDir() && !recursive {
		return nil, fmt.Errorf("%s: %s is a directory, recursive upload required: %w", b.kind, source, apperr.ErrNotFound)
	}

	name := filepath.Base(source)
	key := strings.TrimPrefix(destination, "/")
	if key == "" || strings.HasSuffix(key, "/") {
		key = provider.ObjectKey(key, name)
	} else if ok, err := b.dirExists(ctx, clean(key)); err == nil && ok {
		key = clean(key) + "/" + name
	}
	key = clean(key)
	start := time.Now()

	if !info.IsDir() {
		rec, err := b.upload(ctx, source, key)
		if err != nil {
			return nil, err
		}
		log.Info().Str("action", string(b.kind)+"_upload").Str("key", key).
			Dur("elapsed_ms", time.Since(start)).Msg("upload OK")
		return provider.Result{rec}, nil
	}

	var files []string
	err = afero.Walk(b.local, source, func(p string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !fi.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: walk %s: %w", b.kind, source, err)
	}

	out := make(provider.Result, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, f := range files {
		g.Go(func() error {
			rel, err := filepath.Rel(source, f)
			if err != nil {
				return err
			}
			rec, err := b.upload(gctx, f, path.Join(key, filepath.ToSlash(rel)))
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
	log.Info().Str("action", string(b.kind)+"_upload").Str("key", key).Int("objects", len(out)).
		Dur("elapsed_ms", time.Since(start)).Msg("recursive upload OK")
	return out, nil
}

func (b *Backend) upload(ctx context.Context, source, key string) (provider.Record, error) {
	info, err := b.local.Stat(source)
	if err != nil {
		return provider.Record{}, err
	}
	sum, _, err := checksum.SHA256File(b.local, source)
	if err != nil {
		return provider.Record{}, fmt.Errorf("checksum: %w", err)
	}

	var obj fs.Object
	err = b.call(ctx, "upload", key, func(ctx context.Context) error {
		f, err := b.local.Open(source)
		if err != nil {
			return err
		}
		obj, err = operations.Rcat(ctx, b.remote, key, f, info.ModTime(), nil)
		return err
	})
	if err != nil {
		return provider.Record{}, err
	}
	metrics.RecordBytes(string(b.kind), "out", info.Size())
	rec := b.objectRecord(ctx, obj)
	rec.Checksum = sum
	rec.Metadata = map[string]string{"hash": hash.SHA256.String()}
	return rec, nil
}

// CreateDir creates directory on the remote.
func (b *Backend) CreateDir(ctx context.Context, directory string) (provider.Result, error) {
	dir := clean(directory)
	if dir == "" {
		return nil, fmt.Errorf("%s: cannot create remote root", b.kind)
	}
	rec := provider.Record{FileName: path.Base(dir), Path: dir, Type: provider.TypeDir, Backend: b.kind}

	exists, err := b.dirExists(ctx, dir)
	if err != nil {
		return nil, err
	}
	if exists {
		return provider.Result{rec}, fmt.Errorf("%s: %s: %w", b.kind, dir, apperr.ErrAlreadyExists)
	}
	if err := b.call(ctx, "mkdir", dir, func(ctx context.Context) error {
		return b.remote.Mkdir(ctx, dir)
	}); err != nil {
		return nil, err
	}
	rec.Modified = time.Now().UTC()
	return provider.Result{rec}, nil
}

// Delete removes an object or an empty directory.
func (b *Backend) Delete(ctx context.Context, source string) (provider.Result, error) {
	key := clean(source)

	obj, err := b.object(ctx, key)
	if err == nil {
		rec := b.objectRecord(ctx, obj)
		if err := b.call(ctx, "delete", key, func(ctx context.Context) error {
			return obj.Remove(ctx)
		}); err != nil {
			return nil, err
		}
		return provider.Result{rec}, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	exists, err := b.dirExists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists || key == "" {
		return nil, fmt.Errorf("%s: %s: %w", b.kind, key, apperr.ErrNotFound)
	}
	if err := b.call(ctx, "rmdir", key, func(ctx context.Context) error {
		return b.remote.Rmdir(ctx, key)
	}); err != nil {
		return nil, err
	}
	return provider.Result{{FileName: path.Base(key), Path: key, Type: provider.TypeDir, Backend: b.kind}}, nil
}

// List returns the entries under source; a file lists itself.
func (b *Backend) List(ctx context.Context, source string, dirOnly, recursive bool) (provider.Result, error) {
	key := clean(source)
	if key != "" {
		obj, err := b.object(ctx, key)
		switch {
		case err == nil:
			if dirOnly {
				return provider.Result{}, nil
			}
			return provider.Result{b.objectRecord(ctx, obj)}, nil
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}
	}
	objs, dirs, err := b.walk(ctx, key, recursive)
	if err != nil {
		return nil, err
	}

	out := provider.Result{}
	for _, d := range dirs {
		out = append(out, provider.Record{
			FileName: path.Base(d.Remote()),
			Path:     d.Remote(),
			Type:     provider.TypeDir,
			Modified: d.ModTime(ctx),
			Backend:  b.kind,
		})
	}
	if dirOnly {
		return out, nil
	}
	for _, o := range objs {
		out = append(out, b.objectRecord(ctx, o))
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

// walk collects objects and directories under dir, one level deep unless
// recursive.
func (b *Backend) walk(ctx context.Context, dir string, recursive bool) ([]fs.Object, []fs.Directory, error) {
	var (
		objs []fs.Object
		dirs []fs.Directory
	)
	maxLevel := 1
	if recursive {
		maxLevel = -1
	}
	err := b.call(ctx, "list", dir, func(ctx context.Context) error {
		objs, dirs = nil, nil
		return rcloneWalk.Walk(ctx, b.remote, dir, true, maxLevel, func(_ string, entries fs.DirEntries, err error) error {
			if err != nil {
				return err
			}
			for _, entry := range entries {
				switch e := entry.(type) {
				case fs.Object:
					objs = append(objs, e)
				case fs.Directory:
					dirs = append(dirs, e)
				}
			}
			return nil
		})
	})
	return objs, dirs, err
}

func (b *Backend) objectRecord(ctx context.Context, obj fs.Object) provider.Record {
	rec := provider.Record{
		FileName: path.Base(obj.Remote()),
		Path:     obj.Remote(),
		Type:     provider.TypeFile,
		Size:     obj.Size(),
		Modified: obj.ModTime(ctx),
		Backend:  b.kind,
	}
	for _, ht := range []hash.Type{hash.SHA256, hash.MD5, hash.SHA1} {
		if !b.remote.Hashes().Contains(ht) {
			continue
		}
		if sum, err := obj.Hash(ctx, ht); err == nil && sum != "" {
			rec.Checksum = sum
			rec.Metadata = map[string]string{"hash": ht.String()}
			break
		}
	}
	return rec
}
