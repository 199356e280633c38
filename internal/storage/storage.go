// Package storage is the single entry point callers use. A Facade is bound
// to one configured service and forwards each operation to its backend after
// locator validation. Cross-backend copies go through the Copier.
package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
	"github.com/Chapsvision-dev/cloudstore/internal/config"
	"github.com/Chapsvision-dev/cloudstore/internal/locator"
	"github.com/Chapsvision-dev/cloudstore/internal/metrics"
	"github.com/Chapsvision-dev/cloudstore/internal/oplog"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
)

// Operation names, as recorded and reported in metrics.
const (
	OpGet       = "get"
	OpPut       = "put"
	OpCreateDir = "create_dir"
	OpDelete    = "delete"
	OpList      = "list"
	OpSearch    = "search"
	OpTree      = "tree"
	OpCopy      = "copy"
)

// Recorder persists the outcome of a mutating operation. oplog.Store
// implements it.
type Recorder interface {
	Record(ctx context.Context, e oplog.Entry) error
}

// Notifier receives human-readable progress messages.
type Notifier interface {
	OK(msg string)
	Error(msg string)
}

// logNotifier is the default Notifier; it writes to the global logger.
type logNotifier struct{}

func (logNotifier) OK(msg string)    { log.Info().Str("action", "notify").Msg(msg) }
func (logNotifier) Error(msg string) { log.Error().Str("action", "notify").Msg(msg) }

type options struct {
	service  string
	recorder Recorder
	notifier Notifier
}

// Option customizes New.
type Option func(*options)

// WithService binds the facade to name instead of storage.selected.
func WithService(name string) Option {
	return func(o *options) { o.service = strings.TrimSpace(name) }
}

// WithRecorder sets the persistence hook. Without it nothing is recorded.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithNotifier sets the presentation hook used by copy.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// Facade holds one resolved backend and exposes the unified capability set.
type Facade struct {
	service  string
	kind     provider.Kind
	backend  provider.Backend
	policy   string
	recorder Recorder
	notifier Notifier
	copier   *Copier
}

// New resolves the selected service through registry and returns a facade
// bound to it. The binding is fixed for the facade's lifetime.
func New(ctx context.Context, cfg config.Config, registry *provider.Registry, opts ...Option) (*Facade, error) {
	o := options{service: cfg.Storage.Selected, notifier: logNotifier{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.service == "" {
		o.service = string(provider.KindLocal)
	}
	if o.notifier == nil {
		o.notifier = logNotifier{}
	}

	b, err := registry.ResolveService(ctx, o.service, cfg)
	if err != nil {
		return nil, err
	}
	policy := cfg.Storage.CreateDir.OnExists
	if policy == "" {
		policy = config.OnExistsIgnore
	}

	f := &Facade{
		service:  o.service,
		kind:     b.Kind(),
		backend:  b,
		policy:   policy,
		recorder: o.recorder,
		notifier: o.notifier,
	}
	f.copier = NewCopier(CopierConfig{
		Config:        cfg,
		Registry:      registry,
		StagingRoot:   cfg.Storage.Local.Default.Directory,
		UniqueStaging: cfg.Storage.Staging.Unique,
		Cleanup:       cfg.Storage.Staging.Cleanup,
		Service:       f.service,
		Backend:       b,
		Notifier:      o.notifier,
	})
	log.Debug().
		Str("action", "storage_init").
		Str("service", f.service).
		Str("kind", string(f.kind)).
		Msg("facade bound")
	return f, nil
}

// Service returns the bound service name.
func (f *Facade) Service() string { return f.service }

// Kind returns the bound backend kind.
func (f *Facade) Kind() provider.Kind { return f.kind }

// Close releases the bound backend when it holds resources.
func (f *Facade) Close() error {
	if c, ok := f.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Get downloads source from the bound backend to the local destination.
// A missing source fails with an error matching both apperr.ErrTransfer
// and apperr.ErrNotFound. A recursive get that yields no record, such as
// an empty directory, is reported the same way.
func (f *Facade) Get(ctx context.Context, source, destination string, recursive bool) (provider.Result, error) {
	args := map[string]string{"source": source, "destination": destination, "recursive": strconv.FormatBool(recursive)}
	return f.recorded(ctx, OpGet, args, func() (provider.Result, error) {
		src, err := f.remotePath(source)
		if err != nil {
			return nil, err
		}
		dst, err := f.localPath(destination)
		if err != nil {
			return nil, err
		}
		res, err := f.backend.Get(ctx, src, dst, recursive)
		if err == nil && !res.Found() {
			err = apperr.ErrNotFound
		}
		return res, apperr.Transfer(OpGet, f.service, src, dst, err)
	})
}

// Put uploads the local source to destination on the bound backend.
func (f *Facade) Put(ctx context.Context, source, destination string, recursive bool) (provider.Result, error) {
	args := map[string]string{"source": source, "destination": destination, "recursive": strconv.FormatBool(recursive)}
	return f.recorded(ctx, OpPut, args, func() (provider.Result, error) {
		src, err := f.localPath(source)
		if err != nil {
			return nil, err
		}
		dst, err := f.remotePath(destination)
		if err != nil {
			return nil, err
		}
		res, err := f.backend.Put(ctx, src, dst, recursive)
		return res, apperr.Transfer(OpPut, f.service, src, dst, err)
	})
}

// CreateDir creates directory. An existing directory succeeds with the
// backend's record under the "ignore" policy and fails with
// apperr.ErrAlreadyExists under "error".
func (f *Facade) CreateDir(ctx context.Context, directory string) (provider.Result, error) {
	args := map[string]string{"directory": directory}
	return f.recorded(ctx, OpCreateDir, args, func() (provider.Result, error) {
		dir, err := f.remotePath(directory)
		if err != nil {
			return nil, err
		}
		res, err := f.backend.CreateDir(ctx, dir)
		if errors.Is(err, apperr.ErrAlreadyExists) && f.policy == config.OnExistsIgnore {
			log.Debug().Str("action", OpCreateDir).Str("service", f.service).Str("directory", dir).
				Msg("directory already exists, ignoring")
			return res, nil
		}
		return res, apperr.Wrap(OpCreateDir, f.service, dir, err)
	})
}

// Delete removes source from the bound backend. It is not recursive.
func (f *Facade) Delete(ctx context.Context, source string) (provider.Result, error) {
	args := map[string]string{"source": source}
	return f.recorded(ctx, OpDelete, args, func() (provider.Result, error) {
		src, err := f.remotePath(source)
		if err != nil {
			return nil, err
		}
		res, err := f.backend.Delete(ctx, src)
		return res, apperr.Wrap(OpDelete, f.service, src, err)
	})
}

// List returns the entries under source.
func (f *Facade) List(ctx context.Context, source string, dirOnly, recursive bool) (provider.Result, error) {
	args := map[string]string{"source": source, "dir_only": strconv.FormatBool(dirOnly), "recursive": strconv.FormatBool(recursive)}
	return f.recorded(ctx, OpList, args, func() (provider.Result, error) {
		src, err := f.remotePath(source)
		if err != nil {
			return nil, err
		}
		res, err := f.backend.List(ctx, src, dirOnly, recursive)
		return res, apperr.Wrap(OpList, f.service, src, err)
	})
}

// Search returns entries under directory whose name matches filename.
// It is read-only and not recorded.
func (f *Facade) Search(ctx context.Context, directory, filename string, recursive bool) (provider.Result, error) {
	start := time.Now()
	dir, err := f.remotePath(directory)
	if err != nil {
		return nil, err
	}
	res, err := f.backend.Search(ctx, dir, filename, recursive)
	metrics.RecordOperation(OpSearch, string(f.kind), time.Since(start), err == nil)
	return res, apperr.Wrap(OpSearch, f.service, dir, err)
}

// Copy transfers source to destination, both "backend:path" locators,
// through the Copier. It is not recorded.
func (f *Facade) Copy(ctx context.Context, source, destination string, recursive bool) (provider.Result, error) {
	start := time.Now()
	res, err := f.copier.Copy(ctx, source, destination, recursive)
	metrics.RecordOperation(OpCopy, string(f.kind), time.Since(start), err == nil)
	return res, err
}

// recorded runs call, then reports its outcome to metrics and to the
// recorder exactly once. Recorder failures are logged and never replace the
// call's own result.
func (f *Facade) recorded(ctx context.Context, op string, args map[string]string, call func() (provider.Result, error)) (provider.Result, error) {
	start := time.Now()
	res, err := call()
	elapsed := time.Since(start)

	metrics.RecordOperation(op, string(f.kind), elapsed, err == nil)
	log.Debug().Err(err).Str("action", op).Str("service", f.service).Int("records", len(res)).
		Dur("elapsed_ms", elapsed).Msg("operation finished")

	if f.recorder == nil {
		return res, err
	}
	entry := oplog.Entry{
		At:        start.UTC(),
		Operation: op,
		Service:   f.service,
		Kind:      string(f.kind),
		Args:      args,
		Status:    oplog.StatusOK,
		Records:   res,
		Elapsed:   elapsed,
	}
	if err != nil {
		entry.Status = oplog.StatusError
		entry.Error = err.Error()
	}
	if rerr := f.recorder.Record(context.WithoutCancel(ctx), entry); rerr != nil {
		log.Warn().Err(rerr).Str("action", op).Str("service", f.service).Msg("recording operation failed")
	}
	return res, err
}

// remotePath validates a backend-side argument. A prefix must name the
// bound service; it is stripped.
func (f *Facade) remotePath(raw string) (string, error) {
	l, err := locator.Parse(raw)
	if err != nil {
		return "", err
	}
	if l.Qualified() && l.Backend != f.service {
		return "", apperr.InvalidLocator(raw, "bound to service "+strconv.Quote(f.service)+", got "+strconv.Quote(l.Backend))
	}
	l, err = locator.Normalize(l)
	if err != nil {
		return "", err
	}
	return l.Path, nil
}

// localPath validates a local-side argument: an optional "local:" prefix
// (or the bound service's when it is itself local), home expansion, then an
// absolute path. A trailing separator survives since it selects "into this
// directory".
func (f *Facade) localPath(raw string) (string, error) {
	l, err := locator.Parse(raw)
	if err != nil {
		return "", err
	}
	if l.Qualified() && l.Backend != string(provider.KindLocal) &&
		(l.Backend != f.service || f.kind != provider.KindLocal) {
		return "", apperr.InvalidLocator(raw, "expected a local path")
	}
	l, err = locator.Normalize(l)
	if err != nil {
		return "", err
	}
	return absPath(l.Path)
}

func absPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	trailing := strings.HasSuffix(p, "/") || strings.HasSuffix(p, string(filepath.Separator))
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if trailing && abs != string(filepath.Separator) {
		abs += string(filepath.Separator)
	}
	return abs, nil
}
