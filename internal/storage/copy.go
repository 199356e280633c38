package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
	"github.com/Chapsvision-dev/cloudstore/internal/config"
	"github.com/Chapsvision-dev/cloudstore/internal/locator"
	"github.com/Chapsvision-dev/cloudstore/internal/metrics"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
)

// Copy states, logged at debug level.
const (
	stateStart        = "START"
	stateStaging      = "STAGING"
	stateStageFailed  = "STAGE_FAILED"
	stateStaged       = "STAGED"
	stateUploading    = "UPLOADING"
	stateUploadFailed = "UPLOAD_FAILED"
	stateDone         = "DONE"
)

// CopierConfig is the explicit argument set of a Copier.
type CopierConfig struct {
	Config   config.Config
	Registry *provider.Registry

	// StagingRoot is the local directory cloud to cloud copies go through.
	StagingRoot string
	// UniqueStaging stages each call in its own <root>/<uuid> directory.
	UniqueStaging bool
	// Cleanup removes staged files after a successful upload.
	Cleanup bool

	// Service and Backend are the facade's binding. A copy endpoint naming
	// Service reuses Backend instead of building a new handle.
	Service string
	Backend provider.Backend

	Notifier Notifier
	// Fs is the filesystem the staging directory lives on (default OS).
	Fs afero.Fs
}

// Copier drives copies between two "backend:path" locators. It never
// retries: a failed leg is terminal for the call.
type Copier struct {
	cc CopierConfig
}

// NewCopier returns a Copier for cc.
func NewCopier(cc CopierConfig) *Copier {
	if cc.Notifier == nil {
		cc.Notifier = logNotifier{}
	}
	if cc.Fs == nil {
		cc.Fs = afero.NewOsFs()
	}
	return &Copier{cc: cc}
}

type handle struct {
	provider.Backend
	transient bool
}

func (h handle) release() {
	if !h.transient {
		return
	}
	if c, ok := h.Backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("action", "copy").Msg("closing transient backend failed")
		}
	}
}

// Copy transfers source to destination. One local endpoint means a single
// get or put; two cloud endpoints stage through the local staging root.
func (c *Copier) Copy(ctx context.Context, source, destination string, recursive bool) (provider.Result, error) {
	src, err := c.parse(source)
	if err != nil {
		c.cc.Notifier.Error(err.Error())
		return nil, err
	}
	dst, err := c.parse(destination)
	if err != nil {
		c.cc.Notifier.Error(err.Error())
		return nil, err
	}

	var res provider.Result
	switch {
	case c.isLocal(src.Backend):
		res, err = c.upload(ctx, src, dst, recursive)
	case c.isLocal(dst.Backend):
		res, err = c.download(ctx, src, dst, recursive)
	default:
		res, err = c.stageAndUpload(ctx, src, dst, recursive)
	}
	if err != nil {
		c.cc.Notifier.Error(err.Error())
		return nil, err
	}
	return res, nil
}

func (c *Copier) parse(raw string) (locator.Locator, error) {
	l, err := locator.ParseQualified(raw)
	if err != nil {
		return locator.Locator{}, err
	}
	l, err = locator.Normalize(l)
	if err != nil {
		return locator.Locator{}, err
	}
	if c.isLocal(l.Backend) {
		p, err := absPath(l.Path)
		if err != nil {
			return locator.Locator{}, apperr.InvalidLocator(raw, err.Error())
		}
		l.Path = p
	}
	return l, nil
}

// isLocal reports whether name is the local side of a copy: the "local"
// prefix or a service of kind local.
func (c *Copier) isLocal(name string) bool {
	return name == string(provider.KindLocal) || c.cc.Config.Service(name).Kind == string(provider.KindLocal)
}

// handle returns the bound backend when service matches the binding, or a
// transient one from the registry.
func (c *Copier) handle(ctx context.Context, service string) (handle, error) {
	if c.cc.Backend != nil && service == c.cc.Service {
		return handle{Backend: c.cc.Backend}, nil
	}
	return c.fresh(ctx, service)
}

func (c *Copier) fresh(ctx context.Context, service string) (handle, error) {
	b, err := c.cc.Registry.ResolveService(ctx, service, c.cc.Config)
	if err != nil {
		return handle{}, err
	}
	return handle{Backend: b, transient: true}, nil
}

func (c *Copier) upload(ctx context.Context, src, dst locator.Locator, recursive bool) (provider.Result, error) {
	h, err := c.handle(ctx, dst.Backend)
	if err != nil {
		return nil, err
	}
	defer h.release()

	start := time.Now()
	res, err := h.Put(ctx, src.Path, dst.Path, recursive)
	metrics.RecordCopyLeg("upload", err == nil)
	if err != nil {
		return nil, apperr.Transfer(OpPut, dst.Backend, src.Path, dst.Path, err)
	}
	log.Info().
		Str("action", "copy_upload").
		Str("source", src.String()).
		Str("destination", dst.String()).
		Int("records", len(res)).
		Dur("elapsed_ms", time.Since(start)).
		Msg("copy OK")
	c.cc.Notifier.OK(fmt.Sprintf("copied %s to %s", src.Path, dst.Backend))
	return res, nil
}

func (c *Copier) download(ctx context.Context, src, dst locator.Locator, recursive bool) (provider.Result, error) {
	h, err := c.handle(ctx, src.Backend)
	if err != nil {
		return nil, err
	}
	defer h.release()

	start := time.Now()
	res, err := h.Get(ctx, src.Path, dst.Path, recursive)
	metrics.RecordCopyLeg("download", err == nil && res.Found())
	if err != nil {
		return nil, apperr.Transfer(OpGet, src.Backend, src.Path, dst.Path, err)
	}
	if !res.Found() {
		return nil, apperr.NotFound(OpGet, src.Backend, src.Path)
	}
	log.Info().
		Str("action", "copy_download").
		Str("source", src.String()).
		Str("destination", dst.String()).
		Int("records", len(res)).
		Dur("elapsed_ms", time.Since(start)).
		Msg("copy OK")
	c.cc.Notifier.OK(fmt.Sprintf("fetched %s from %s", src.Path, src.Backend))
	return res, nil
}

func (c *Copier) stageAndUpload(ctx context.Context, src, dst locator.Locator, recursive bool) (provider.Result, error) {
	start := time.Now()
	logger := log.With().
		Str("action", OpCopy).
		Str("source", src.String()).
		Str("destination", dst.String()).
		Logger()
	state := func(s string) { logger.Debug().Str("state", s).Msg("copy state") }
	fail := func(kind, cause error) error {
		return &apperr.Error{
			Op: OpCopy, Kind: kind,
			Backend: src.Backend, Target: dst.Backend,
			Source: src.Path, Destination: dst.Path,
			Err: cause,
		}
	}
	state(stateStart)

	srcH, err := c.fresh(ctx, src.Backend)
	if err != nil {
		return nil, err
	}
	defer srcH.release()
	dstH, err := c.handle(ctx, dst.Backend)
	if err != nil {
		return nil, err
	}
	defer dstH.release()

	dir, err := c.stagingDir()
	if err != nil {
		state(stateStageFailed)
		metrics.RecordCopyLeg("stage", false)
		return nil, fail(apperr.ErrStageFailed, err)
	}

	state(stateStaging)
	staged, err := srcH.Get(ctx, src.Path, dir+string(filepath.Separator), recursive)
	switch {
	case err != nil:
		state(stateStageFailed)
		metrics.RecordCopyLeg("stage", false)
		return nil, fail(apperr.ErrStageFailed, apperr.Transfer(OpGet, src.Backend, src.Path, dir, err))
	case !staged.Found():
		state(stateStageFailed)
		metrics.RecordCopyLeg("stage", false)
		return nil, fail(apperr.ErrStageFailed, apperr.NotFound(OpGet, src.Backend, src.Path))
	}
	metrics.RecordCopyLeg("stage", true)
	state(stateStaged)
	c.cc.Notifier.OK(fmt.Sprintf("fetched %s from %s", src.Path, src.Backend))

	local := filepath.Join(dir, provider.BaseName(filepath.ToSlash(src.Path)))
	state(stateUploading)
	res, err := dstH.Put(ctx, local, dst.Path, recursive)
	switch {
	case err != nil:
		state(stateUploadFailed)
		metrics.RecordCopyLeg("upload", false)
		return nil, fail(apperr.ErrUploadFailed, apperr.Transfer(OpPut, dst.Backend, local, dst.Path, err))
	case len(res) == 0:
		state(stateUploadFailed)
		metrics.RecordCopyLeg("upload", false)
		return nil, fail(apperr.ErrUploadFailed, errors.New("no record produced"))
	}
	metrics.RecordCopyLeg("upload", true)
	state(stateDone)

	if c.cc.Cleanup {
		target := local
		if c.cc.UniqueStaging {
			target = dir
		}
		if err := c.cc.Fs.RemoveAll(target); err != nil {
			logger.Warn().Err(err).Str("staged", target).Msg("staging cleanup failed")
		}
	}
	logger.Info().
		Int("records", len(res)).
		Dur("elapsed_ms", time.Since(start)).
		Msg("copy OK")
	c.cc.Notifier.OK(fmt.Sprintf("copied %s to %s", src.Path, dst.Backend))
	return res, nil
}

// stagingDir returns the directory this call stages into, creating it.
func (c *Copier) stagingDir() (string, error) {
	root, err := locator.Expand(c.cc.StagingRoot)
	if err != nil {
		return "", err
	}
	if root == "" {
		return "", errors.New("storage.local.default.directory is not set")
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return "", err
	}
	dir := root
	if c.cc.UniqueStaging {
		dir = filepath.Join(root, uuid.NewString())
	}
	if err := c.cc.Fs.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create staging dir %s: %w", dir, err)
	}
	return dir, nil
}
