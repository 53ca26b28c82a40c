// Package artifact defines content-addressed file records.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrBadHash is returned when a hash string cannot be parsed.
var ErrBadHash = errors.New("malformed hash")

const hashPrefix = "sha256:"

// Hash is a sha256 content digest.
type Hash [32]byte

// String renders the hash as "sha256:<hex>".
func (h Hash) String() string {
	return hashPrefix + hex.EncodeToString(h[:])
}

// Hex renders the bare hex digest.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash accepts both "sha256:<hex>" and bare hex.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(strings.TrimPrefix(s, hashPrefix))
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadHash, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("%w: want %d bytes, got %d", ErrBadHash, len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Sum hashes an in-memory buffer.
func Sum(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashFile streams a file through sha256.
func HashFile(path string) (Hash, error) {
	var h Hash
	f, err := os.Open(path)
	if err != nil {
		return h, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d := sha256.New()
	if _, err := io.Copy(d, f); err != nil {
		return h, fmt.Errorf("hash %s: %w", path, err)
	}
	copy(h[:], d.Sum(nil))
	return h, nil
}

// Record is a hashed file. RelativePath is its identity; records are only
// ever replaced whole.
type Record struct {
	Name         string
	LocalPath    string
	RelativePath string
	Hash         Hash
	Dependencies []string
}

// NewRecord hashes localPath and builds a record for it.
func NewRecord(name, localPath, relativePath string, deps []string) (Record, error) {
	h, err := HashFile(localPath)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Name:         name,
		LocalPath:    localPath,
		RelativePath: relativePath,
		Hash:         h,
		Dependencies: append([]string(nil), deps...),
	}, nil
}

// Clone returns a copy that shares no slices with r.
func (r Record) Clone() Record {
	r.Dependencies = append([]string(nil), r.Dependencies...)
	return r
}

// Verify re-hashes the local file and reports whether it still matches.
func (r Record) Verify() (bool, error) {
	h, err := HashFile(r.LocalPath)
	if err != nil {
		return false, err
	}
	return h == r.Hash, nil
}
