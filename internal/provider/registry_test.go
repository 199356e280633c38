package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
	"github.com/Chapsvision-dev/cloudstore/internal/config"
)

type stubBackend struct {
	kind Kind
	spec Spec
}

func (s *stubBackend) Kind() Kind { return s.kind }
func (s *stubBackend) Get(context.Context, string, string, bool) (Result, error) {
	return nil, nil
}
func (s *stubBackend) Put(context.Context, string, string, bool) (Result, error) {
	return nil, nil
}
func (s *stubBackend) CreateDir(context.Context, string) (Result, error) { return nil, nil }
func (s *stubBackend) Delete(context.Context, string) (Result, error)    { return nil, nil }
func (s *stubBackend) List(context.Context, string, bool, bool) (Result, error) {
	return nil, nil
}
func (s *stubBackend) Search(context.Context, string, string, bool) (Result, error) {
	return nil, nil
}

func stubFactory(kind Kind) Factory {
	return func(_ context.Context, spec Spec) (Backend, error) {
		return &stubBackend{kind: kind, spec: spec}, nil
	}
}

func TestRegistry_ResolveRegisteredKinds(t *testing.T) {
	all := []Kind{KindLocal, KindBox, KindGDrive, KindAzureBlob, KindAWSS3, KindGoogle}
	r := NewRegistry()
	for _, k := range all {
		r.Register(k, stubFactory(k))
	}
	cfg := config.Default()

	for _, k := range all {
		b, err := r.Resolve(context.Background(), k, string(k), cfg)
		require.NoError(t, err, k)
		assert.Equal(t, k, b.Kind())
	}
	assert.Len(t, r.Kinds(), len(all))
	assert.Equal(t, KindAWSS3, r.Kinds()[0])
}

func TestRegistry_UnsupportedKind(t *testing.T) {
	r := NewRegistry().Register(KindLocal, stubFactory(KindLocal))

	_, err := r.Resolve(context.Background(), "dropbox", "dropbox", config.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUnsupportedBackend)
	assert.Contains(t, err.Error(), "dropbox")
}

func TestRegistry_ResolveServiceUsesConfiguredKind(t *testing.T) {
	r := NewRegistry().Register(KindAWSS3, stubFactory(KindAWSS3))
	cfg := config.Default()
	cfg.Storage.Services["archive"] = config.Service{Kind: "awss3", Bucket: "cold", Region: "eu-west-1"}

	b, err := r.ResolveService(context.Background(), "archive", cfg)
	require.NoError(t, err)
	sb := b.(*stubBackend)
	assert.Equal(t, "archive", sb.spec.Service)
	assert.Equal(t, "cold", sb.spec.Config.Bucket)
	assert.Equal(t, 4, sb.spec.Concurrency)
}

func TestRegistry_FactoryErrorIsWrapped(t *testing.T) {
	boom := errors.New("no credentials")
	r := NewRegistry().Register(KindBox, func(context.Context, Spec) (Backend, error) { return nil, boom })

	_, err := r.Resolve(context.Background(), KindBox, "box", config.Default())
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, apperr.ErrUnsupportedBackend)
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry().Register(KindLocal, stubFactory(KindLocal))
	assert.Panics(t, func() { r.Register(KindLocal, stubFactory(KindLocal)) })
}

func TestResult_Found(t *testing.T) {
	assert.False(t, Result(nil).Found())
	assert.False(t, Result{{FileName: ""}}.Found())
	assert.True(t, Result{{FileName: "a.txt"}}.Found())
}

func TestMatchName(t *testing.T) {
	assert.True(t, MatchName("a.txt", "a.txt"))
	assert.True(t, MatchName("*.txt", "a.txt"))
	assert.False(t, MatchName("*.csv", "a.txt"))
	assert.False(t, MatchName("a", "a.txt"))
	assert.False(t, MatchName("[", "["+"x"))
}
