package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
	"github.com/Chapsvision-dev/cloudstore/internal/config"
	"github.com/Chapsvision-dev/cloudstore/internal/oplog"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
)

type call struct {
	op          string
	source      string
	destination string
	recursive   bool
}

// fakeBackend records every call. Get and Put succeed with one record
// unless overridden; when fs is set, Get writes the fetched file to it.
type fakeBackend struct {
	kind provider.Kind
	fs   afero.Fs

	getFn func(source, destination string) (provider.Result, error)
	putFn func(source, destination string) (provider.Result, error)

	mu      sync.Mutex
	calls   []call
	dirs    map[string]bool
	objects map[string]bool
	entries map[string]provider.Result
	closed  bool
}

func newFake(kind provider.Kind) *fakeBackend {
	return &fakeBackend{
		kind:    kind,
		dirs:    map[string]bool{},
		objects: map[string]bool{},
		entries: map[string]provider.Result{},
	}
}

func (b *fakeBackend) record(c call) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, c)
}

func (b *fakeBackend) callsOf(op string) []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []call
	for _, c := range b.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (b *fakeBackend) Kind() provider.Kind { return b.kind }

func (b *fakeBackend) Get(_ context.Context, source, destination string, recursive bool) (provider.Result, error) {
	b.record(call{op: "get", source: source, destination: destination, recursive: recursive})
	if b.getFn != nil {
		return b.getFn(source, destination)
	}
	name := provider.BaseName(source)
	target := destination
	if b.fs != nil {
		target = provider.LocalTarget(b.fs, destination, name)
		if err := afero.WriteFile(b.fs, target, []byte("data of "+source), 0o644); err != nil {
			return nil, err
		}
	}
	return provider.Result{{FileName: name, Path: target, Type: provider.TypeFile, Backend: b.kind}}, nil
}

func (b *fakeBackend) Put(_ context.Context, source, destination string, recursive bool) (provider.Result, error) {
	b.record(call{op: "put", source: source, destination: destination, recursive: recursive})
	if b.putFn != nil {
		return b.putFn(source, destination)
	}
	return provider.Result{{
		FileName: filepath.Base(source), Path: destination, Type: provider.TypeFile,
		Backend: b.kind, Checksum: "sum-" + destination,
	}}, nil
}

func (b *fakeBackend) CreateDir(_ context.Context, directory string) (provider.Result, error) {
	b.record(call{op: "create_dir", source: directory})
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := provider.Result{{FileName: provider.BaseName(directory), Path: directory, Type: provider.TypeDir, Backend: b.kind}}
	if b.dirs[directory] {
		return rec, fmt.Errorf("fake: %s: %w", directory, apperr.ErrAlreadyExists)
	}
	b.dirs[directory] = true
	return rec, nil
}

func (b *fakeBackend) Delete(_ context.Context, source string) (provider.Result, error) {
	b.record(call{op: "delete", source: source})
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.objects[source] {
		return nil, fmt.Errorf("fake: %s: %w", source, apperr.ErrNotFound)
	}
	delete(b.objects, source)
	return provider.Result{{FileName: provider.BaseName(source), Path: source, Type: provider.TypeFile, Backend: b.kind}}, nil
}

func (b *fakeBackend) List(_ context.Context, source string, dirOnly, recursive bool) (provider.Result, error) {
	b.record(call{op: "list", source: source, recursive: recursive})
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.entries[source]
	if !ok {
		return nil, fmt.Errorf("fake: %s: %w", source, apperr.ErrNotFound)
	}
	out := provider.Result{}
	for _, r := range res {
		if dirOnly && !r.IsDir() {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (b *fakeBackend) Search(_ context.Context, directory, filename string, recursive bool) (provider.Result, error) {
	b.record(call{op: "search", source: directory, destination: filename, recursive: recursive})
	b.mu.Lock()
	defer b.mu.Unlock()
	out := provider.Result{}
	for _, r := range b.entries[directory] {
		if provider.MatchName(filename, r.FileName) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// fakeRegistry registers one factory per fake kind. The factory hands out
// the fake registered under the requested service name.
type fakeRegistry struct {
	mu       sync.Mutex
	resolved map[string]int
}

func registryOf(fakes map[string]*fakeBackend) (*provider.Registry, *fakeRegistry) {
	fr := &fakeRegistry{resolved: map[string]int{}}
	r := provider.NewRegistry()
	kinds := map[provider.Kind]bool{}
	for _, f := range fakes {
		if kinds[f.kind] {
			continue
		}
		kinds[f.kind] = true
		r.Register(f.kind, func(_ context.Context, spec provider.Spec) (provider.Backend, error) {
			fr.mu.Lock()
			defer fr.mu.Unlock()
			b, ok := fakes[spec.Service]
			if !ok {
				return nil, errors.New("no fake for " + spec.Service)
			}
			fr.resolved[spec.Service]++
			return b, nil
		})
	}
	return r, fr
}

func (fr *fakeRegistry) count(service string) int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.resolved[service]
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []oplog.Entry
	err     error
}

func (r *fakeRecorder) Record(_ context.Context, e oplog.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return r.err
}

type fakeNotifier struct {
	ok   []string
	errs []string
}

func (n *fakeNotifier) OK(msg string)    { n.ok = append(n.ok, msg) }
func (n *fakeNotifier) Error(msg string) { n.errs = append(n.errs, msg) }

func testConfig(selected string) config.Config {
	cfg := config.Default()
	cfg.Storage.Selected = selected
	cfg.Storage.Local.Default.Directory = "/staging"
	return cfg
}
