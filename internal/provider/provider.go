package provider

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Chapsvision-dev/cloudstore/internal/config"
	"github.com/Chapsvision-dev/cloudstore/internal/retry"
)

// Kind identifies a storage backend implementation.
type Kind string

const (
	KindLocal     Kind = "local"
	KindBox       Kind = "box"
	KindGDrive    Kind = "gdrive"
	KindAzureBlob Kind = "azureblob"
	KindAWSS3     Kind = "awss3"
	KindGoogle    Kind = "google"
)

// Backend is the capability contract every storage backend satisfies.
// Paths are plain strings; each implementation decides its own key format.
//
// Get and Put follow the same destination rule: when the destination is an
// existing directory (or ends with a slash) the object lands under it with
// the source's base name, otherwise the destination is the full target path.
// A directory source requires recursive=true; without it backends report
// the source as not found.
type Backend interface {
	// Kind returns the backend identifier.
	Kind() Kind

	// Get downloads source from the backend to the local destination.
	Get(ctx context.Context, source, destination string, recursive bool) (Result, error)

	// Put uploads the local source to destination on the backend.
	Put(ctx context.Context, source, destination string, recursive bool) (Result, error)

	// CreateDir creates directory. An existing directory yields an error
	// matching apperr.ErrAlreadyExists together with its record.
	CreateDir(ctx context.Context, directory string) (Result, error)

	// Delete removes a single object or an empty directory.
	Delete(ctx context.Context, source string) (Result, error)

	// List returns the entries under source. Ordering is backend-defined.
	List(ctx context.Context, source string, dirOnly, recursive bool) (Result, error)

	// Search returns the entries under directory whose base name matches
	// filename (exact or path.Match glob).
	Search(ctx context.Context, directory, filename string, recursive bool) (Result, error)
}

// Entry kinds for Record.Type.
const (
	TypeFile = "file"
	TypeDir  = "directory"
)

// Record describes one object touched or listed by a backend call.
type Record struct {
	FileName string            `json:"fileName"`
	Path     string            `json:"path"`
	Type     string            `json:"type"`
	Size     int64             `json:"size"`
	Modified time.Time         `json:"modified"`
	Checksum string            `json:"checksum,omitempty"`
	Backend  Kind              `json:"backend"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsDir reports whether the record is a directory entry.
func (r Record) IsDir() bool { return r.Type == TypeDir }

// Result is the ordered sequence of records produced by one call.
type Result []Record

// Found reports whether the result designates at least one object. An empty
// result and a first record with an empty FileName both mean "not found".
func (r Result) Found() bool {
	return len(r) > 0 && r[0].FileName != ""
}

// Spec is the explicit argument set a factory builds one backend from.
type Spec struct {
	Service     string
	Config      config.Service
	Retry       retry.Options
	Concurrency int
}

// Factory builds a backend handle.
type Factory func(ctx context.Context, spec Spec) (Backend, error)

// MatchName reports whether name matches pattern, either exactly or as a
// path.Match glob. Backends share it for Search.
func MatchName(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return false
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// LocalTarget applies the destination rule on a local filesystem: when dest
// is an existing directory or ends with a separator, the object named name
// lands inside it.
func LocalTarget(fs afero.Fs, dest, name string) string {
	if dest == "" {
		return name
	}
	if strings.HasSuffix(dest, "/") || strings.HasSuffix(dest, string(filepath.Separator)) {
		return filepath.Join(dest, name)
	}
	if ok, _ := afero.DirExists(fs, dest); ok {
		return filepath.Join(dest, name)
	}
	return dest
}

// ObjectKey applies the destination rule to an object-store key: an empty
// key or one ending with a slash receives name as its last segment.
func ObjectKey(key, name string) string {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return name
	}
	if strings.HasSuffix(key, "/") {
		return key + name
	}
	return key
}

// DirKey returns the directory marker key for key ("a/b" -> "a/b/").
func DirKey(key string) string {
	key = strings.Trim(key, "/")
	if key == "" {
		return ""
	}
	return key + "/"
}

// BaseName returns the last segment of an object key, ignoring a trailing slash.
func BaseName(key string) string {
	key = strings.TrimSuffix(key, "/")
	if key == "" {
		return ""
	}
	return path.Base(key)
}
