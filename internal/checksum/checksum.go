// Package checksum computes the digests attached to transfer records and
// upload metadata.
package checksum

import (
	"crypto/md5" //nolint:gosec // md5 matches what object stores report as ETag/Content-MD5
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/spf13/afero"
)

// SHA256File computes the SHA-256 checksum of a file and returns:
//   - the hex-encoded digest
//   - the file size in bytes
func SHA256File(fs afero.Fs, path string) (sum string, size int64, err error) {
	return fileDigest(fs, path, sha256.New())
}

// MD5File is SHA256File with MD5, for comparison with S3 ETags.
func MD5File(fs afero.Fs, path string) (sum string, size int64, err error) {
	return fileDigest(fs, path, md5.New()) //nolint:gosec
}

func fileDigest(fs afero.Fs, path string, h hash.Hash) (string, int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
