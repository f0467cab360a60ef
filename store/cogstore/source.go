package cogstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
)

// Source is random access storage for a GeoTIFF.
type Source interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// OpenSource opens a GeoTIFF location: an http(s) URL served with byte
// range support, a gocloud.dev bucket URL whose last path element is the
// object key (file:///data/dem.tif), or a local
// path.
func OpenSource(ctx context.Context, location string) (Source, error) {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		r, err := NewHTTPRangeReader(ctx, location, nil)
		if err != nil {
			return nil, err
		}
		return r, nil
	case strings.Contains(location, "://"):
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("invalid source url %q: %w", location, err)
		}
		dir, key := path.Split(u.Path)
		u.Path = dir
		bucket, err := blob.OpenBucket(ctx, u.String())
		if err != nil {
			return nil, fmt.Errorf("failed to open bucket %s: %w", u, err)
		}
		r, err := NewBlobReader(ctx, bucket, key)
		if err != nil {
			bucket.Close()
			return nil, err
		}
		r.ownsBucket = true
		return r, nil
	default:
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("failed to open local file: %w", err)
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		return &fileSource{File: f, size: fi.Size()}, nil
	}
}

type fileSource struct {
	*os.File
	size int64
}

func (f *fileSource) Size() int64 { return f.size }

// HTTPRangeReader reads a remote file with HTTP range requests. ReadAt is
// stateless and safe for concurrent use.
type HTTPRangeReader struct {
	ctx    context.Context
	url    string
	client *http.Client
	size   int64
}

// NewHTTPRangeReader checks that the server honors byte ranges and records
// the file size.
func NewHTTPRangeReader(ctx context.Context, url string, client *http.Client) (*HTTPRangeReader, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create head request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http head request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status for http head request: %s", resp.Status)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, fmt.Errorf("server does not accept byte range requests for %s", url)
	}
	if resp.ContentLength <= 0 {
		return nil, fmt.Errorf("could not determine content length or file is empty")
	}

	return &HTTPRangeReader{
		ctx:    context.WithoutCancel(ctx),
		url:    url,
		client: client,
		size:   resp.ContentLength,
	}, nil
}

func (h *HTTPRangeReader) Size() int64 { return h.size }

func (h *HTTPRangeReader) Close() error { return nil }

func (h *HTTPRangeReader) ReadAt(p []byte, off int64) (int, error) {
	length, err := clampRange(len(p), off, h.size)
	if length == 0 {
		return 0, err
	}

	req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("expected status 206 Partial Content, got: %s", resp.Status)
	}
	return readRange(resp.Body, p, length)
}

// BlobReader reads an object of a gocloud.dev bucket (S3, GCS, Azure, local
// files, memory) with range readers.
type BlobReader struct {
	ctx        context.Context
	bucket     *blob.Bucket
	key        string
	size       int64
	ownsBucket bool
}

// NewBlobReader records the size of key in bucket.
func NewBlobReader(ctx context.Context, bucket *blob.Bucket, key string) (*BlobReader, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get attributes for key %s: %w", key, err)
	}
	return &BlobReader{
		ctx:    context.WithoutCancel(ctx),
		bucket: bucket,
		key:    key,
		size:   attrs.Size,
	}, nil
}

func (r *BlobReader) Size() int64 { return r.size }

// Close closes the bucket when the reader opened it.
func (r *BlobReader) Close() error {
	if r.ownsBucket {
		return r.bucket.Close()
	}
	return nil
}

func (r *BlobReader) ReadAt(p []byte, off int64) (int, error) {
	length, err := clampRange(len(p), off, r.size)
	if length == 0 {
		return 0, err
	}
	reader, err := r.bucket.NewRangeReader(r.ctx, r.key, off, length, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create range reader: %w", err)
	}
	defer reader.Close()
	return readRange(reader, p, length)
}

// clampRange returns how many bytes of a read of n bytes at off lie inside
// a source of the given size.
func clampRange(n int, off, size int64) (int64, error) {
	if off < 0 {
		return 0, fmt.Errorf("invalid offset %d", off)
	}
	if n == 0 {
		return 0, nil
	}
	if off >= size {
		return 0, io.EOF
	}
	return min(int64(n), size-off), nil
}

// readRange fills p[:length] and reports io.EOF for a read cut short by the
// end of the source, as io.ReaderAt requires.
func readRange(r io.Reader, p []byte, length int64) (int, error) {
	n, err := io.ReadFull(r, p[:length])
	if err != nil {
		return n, err
	}
	if int(length) < len(p) {
		return n, io.EOF
	}
	return n, nil
}
