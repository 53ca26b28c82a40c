package distribution

import (
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

var (
	// ErrNotFound is returned when the server has no such target or
	// artifact.
	ErrNotFound = errors.New("not found")
	// ErrHashMismatch is returned when fetched bytes do not match the hash
	// the server announced.
	ErrHashMismatch = errors.New("fetched artifact hash mismatch")
)

// Client talks to a distribution server.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at baseURL. A nil hc uses a
// client without timeout, since subscriptions are long-lived.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: strings.TrimSuffix(baseURL, "/"), http: hc}
}

func (c *Client) get(ctx context.Context, path string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// Targets lists the server's targets.
func (c *Client) Targets(ctx context.Context) ([]target.Target, error) {
	resp, err := c.get(ctx, "/v1/targets", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	out := make([]target.Target, 0, len(ids))
	for _, id := range ids {
		t, err := target.Parse(id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Stream is an open subscription.
type Stream struct {
	body io.ReadCloser
	dec  *gob.Decoder
}

// Subscribe opens the frame stream of t. The first frame is always
// InitialState.
func (c *Client) Subscribe(ctx context.Context, t target.Target) (*Stream, error) {
	resp, err := c.get(ctx, "/v1/targets/"+url.PathEscape(t.String())+"/subscribe", nil)
	if err != nil {
		return nil, err
	}
	if ct := resp.Header.Get("Content-Type"); ct != StreamContentType {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}
	return &Stream{body: resp.Body, dec: gob.NewDecoder(resp.Body)}, nil
}

// Next blocks for the next frame. It returns io.EOF when the server ends
// the stream.
func (s *Stream) Next() (Frame, error) {
	var f Frame
	if err := s.dec.Decode(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close ends the subscription.
func (s *Stream) Close() error {
	return s.body.Close()
}

// Fetch writes the artifact at relativePath to dst and returns its hash
// after checking it against the one the server announced.
func (c *Client) Fetch(ctx context.Context, t target.Target, relativePath string, dst io.Writer) (artifact.Hash, error) {
	var zero artifact.Hash

	escaped := make([]string, 0)
	for _, seg := range strings.Split(relativePath, "/") {
		escaped = append(escaped, url.PathEscape(seg))
	}
	path := "/v1/targets/" + url.PathEscape(t.String()) + "/artifacts/" + strings.Join(escaped, "/")

	// Setting Accept-Encoding ourselves disables the transport's transparent
	// gzip, so the body arrives exactly as the server encoded it.
	resp, err := c.get(ctx, path, http.Header{"Accept-Encoding": {"zstd"}})
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	want, err := artifact.ParseHash(resp.Header.Get(HashHeader))
	if err != nil {
		return zero, fmt.Errorf("%s header: %w", HashHeader, err)
	}

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "zstd") {
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return zero, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		body = zr
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, h), body); err != nil {
		return zero, fmt.Errorf("read %s: %w", relativePath, err)
	}
	var got artifact.Hash
	copy(got[:], h.Sum(nil))
	if got != want {
		return got, fmt.Errorf("%s: %w", relativePath, ErrHashMismatch)
	}
	return got, nil
}
