// Package storage mirrors build artifacts into a content-addressed blob
// bucket so they stay fetchable after the scratch directory moves on.
package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // gs://
	_ "gocloud.dev/blob/memblob" // mem://
	_ "gocloud.dev/blob/s3blob"  // s3://
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

var (
	// ErrNotFound is returned when the mirror has no object for a key.
	ErrNotFound = errors.New("artifact not in mirror")
	// ErrHashMismatch is returned when a file no longer matches its record.
	ErrHashMismatch = errors.New("artifact content does not match record hash")
)

// Key addresses one mirrored artifact.
type Key struct {
	Target target.Target
	Hash   artifact.Hash
	Name   string // relative path of the artifact
}

// Path returns the object key: <prefix><target>/<hash hex>/<name>.
func (k Key) Path(prefix string) string {
	return prefix + path.Join(k.Target.String(), k.Hash.Hex(), k.Name)
}

// Mirror stores artifacts in a bucket. Objects are immutable: a key is
// written at most once.
type Mirror struct {
	bucket *blob.Bucket
	prefix string
	uri    string
}

// Open opens the bucket behind rawURL. A URL without a scheme is a local
// directory. Supported schemes are file://, mem://, s3:// and gs://.
func Open(ctx context.Context, rawURL, prefix string) (*Mirror, error) {
	if !strings.Contains(rawURL, "://") {
		if err := os.MkdirAll(rawURL, 0755); err != nil {
			return nil, fmt.Errorf("create mirror directory %s: %w", rawURL, err)
		}
		b, err := fileblob.OpenBucket(rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("open mirror directory %s: %w", rawURL, err)
		}
		return &Mirror{bucket: b, prefix: prefix, uri: "file://" + rawURL}, nil
	}

	if u, err := url.Parse(rawURL); err == nil && u.Scheme == "file" {
		if err := os.MkdirAll(u.Path, 0755); err != nil {
			return nil, fmt.Errorf("create mirror directory %s: %w", u.Path, err)
		}
	}
	b, err := blob.OpenBucket(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("open mirror bucket %s: %w", rawURL, err)
	}
	return &Mirror{bucket: b, prefix: prefix, uri: rawURL}, nil
}

// New wraps an already opened bucket.
func New(bucket *blob.Bucket, prefix string) *Mirror {
	return &Mirror{bucket: bucket, prefix: prefix}
}

// Put uploads the file behind rec unless the mirror already holds it. The
// upload goes to a temporary key first and is only published once the
// streamed content matches rec.Hash.
func (m *Mirror) Put(ctx context.Context, t target.Target, rec artifact.Record) error {
	key := Key{Target: t, Hash: rec.Hash, Name: rec.RelativePath}.Path(m.prefix)

	exists, err := m.bucket.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		return nil
	}

	f, err := os.Open(rec.LocalPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", rec.LocalPath, err)
	}
	defer f.Close()

	tmpKey := m.prefix + "tmp/" + uuid.NewString()
	w, err := m.bucket.NewWriter(ctx, tmpKey, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", tmpKey, err)
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), f); err != nil {
		w.Close()
		m.bucket.Delete(ctx, tmpKey)
		return fmt.Errorf("upload %s: %w", rec.LocalPath, err)
	}
	if err := w.Close(); err != nil {
		m.bucket.Delete(ctx, tmpKey)
		return fmt.Errorf("close writer for %s: %w", tmpKey, err)
	}
	defer m.bucket.Delete(ctx, tmpKey) // ignore errors

	var got artifact.Hash
	copy(got[:], h.Sum(nil))
	if got != rec.Hash {
		return fmt.Errorf("%s: %w", rec.LocalPath, ErrHashMismatch)
	}

	if err := m.bucket.Copy(ctx, key, tmpKey, nil); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Open returns a reader for a mirrored artifact and its size.
func (m *Mirror) Open(ctx context.Context, k Key) (io.ReadCloser, int64, error) {
	key := k.Path(m.prefix)
	r, err := m.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, 0, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}
	return r, r.Size(), nil
}

// List returns the keys mirrored for t.
func (m *Mirror) List(ctx context.Context, t target.Target) ([]Key, error) {
	prefix := m.prefix + t.String() + "/"
	iter := m.bucket.List(&blob.ListOptions{Prefix: prefix})

	var keys []Key
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		hexHash, name, ok := strings.Cut(strings.TrimPrefix(obj.Key, prefix), "/")
		if !ok {
			continue
		}
		h, err := artifact.ParseHash(hexHash)
		if err != nil {
			continue
		}
		keys = append(keys, Key{Target: t, Hash: h, Name: name})
	}
	return keys, nil
}

// URI returns the canonical URI for the given key.
func (m *Mirror) URI(k Key) string {
	base := strings.TrimSuffix(m.uri, "/")
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	return base + "/" + k.Path(m.prefix)
}

// Close releases the bucket.
func (m *Mirror) Close() error {
	return m.bucket.Close()
}
