package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"

	"module-gateway/internal/config"
	"module-gateway/internal/metrics"
	"module-gateway/internal/model"
)

// FileClient fetches resources from file locations. Each configured location
// gets its own blob bucket rooted at that directory, so no key can name a
// file outside it.
type FileClient struct {
	roots        []fileRoot
	logger       *slog.Logger
	metrics      *metrics.Metrics
	maxBodyBytes int64
	now          func() time.Time
}

type fileRoot struct {
	location string // normalized location URI, trailing slash included
	bucket   *blob.Bucket
}

// NewFileClient opens a bucket for every file location in locations; other
// schemes are ignored. The metrics parameter is optional.
func NewFileClient(cfg *config.Config, locations []string, logger *slog.Logger, m *metrics.Metrics) (*FileClient, error) {
	c := &FileClient{
		logger:       logger.With("component", "file_client"),
		metrics:      m,
		maxBodyBytes: cfg.Upstream.MaxBodyBytes,
		now:          time.Now,
	}

	for _, loc := range locations {
		u, err := url.Parse(loc)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("parse location %q: %w", loc, err)
		}
		if !strings.EqualFold(u.Scheme, "file") {
			continue
		}
		if u.Host != "" && u.Host != "localhost" {
			_ = c.Close()
			return nil, fmt.Errorf("%w: file location with remote host %q", ErrUnsupportedScheme, u.Host)
		}
		bucket, err := fileblob.OpenBucket(u.Path, &fileblob.Options{Metadata: fileblob.MetadataDontWrite})
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("open file location %q: %w", loc, err)
		}
		c.roots = append(c.roots, fileRoot{location: loc, bucket: bucket})
	}

	return c, nil
}

// Close releases every bucket.
func (c *FileClient) Close() error {
	var errs []error
	for _, r := range c.roots {
		if err := r.bucket.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fetch implements Fetcher. Missing files and directories answer 404. An
// If-Modified-Since header is honored against the file's modification time.
func (c *FileClient) Fetch(ctx context.Context, uri, method string, header http.Header) (*model.UpstreamResponse, error) {
	bucket, key, err := c.locate(uri)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("upstream request", "method", method, "uri", uri, "key", key)

	start := time.Now()
	resp, err := c.fetch(ctx, bucket, key, method, header)
	status := ""
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.ObserveUpstream(method, "file", status, time.Since(start).Seconds())
	return resp, err
}

// locate finds the location uri belongs to and returns its bucket and the
// key relative to it. The remainder is decoded and cleaned against the
// bucket root, so dot segments cannot leave the location.
func (c *FileClient) locate(uri string) (*blob.Bucket, string, error) {
	for _, r := range c.roots {
		if !strings.HasPrefix(uri, r.location) {
			continue
		}
		rest, err := url.PathUnescape(uri[len(r.location):])
		if err != nil {
			return nil, "", fmt.Errorf("decode location %q: %w", uri, err)
		}
		if rest == "" || strings.HasSuffix(rest, "/") {
			// Directories are never served.
			return r.bucket, "", nil
		}
		return r.bucket, strings.TrimPrefix(path.Clean("/"+rest), "/"), nil
	}
	return nil, "", fmt.Errorf("%w: %q is not under a configured file location", ErrUnknownLocation, uri)
}

func (c *FileClient) fetch(ctx context.Context, bucket *blob.Bucket, key, method string, header http.Header) (*model.UpstreamResponse, error) {
	respHeader := http.Header{}
	respHeader.Set("Date", c.now().UTC().Format(http.TimeFormat))

	if key == "" {
		return &model.UpstreamResponse{StatusCode: http.StatusNotFound, Header: respHeader}, nil
	}

	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return &model.UpstreamResponse{StatusCode: http.StatusNotFound, Header: respHeader}, nil
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	modTime := attrs.ModTime.UTC().Truncate(time.Second)
	respHeader.Set("Last-Modified", modTime.Format(http.TimeFormat))
	respHeader.Set("Content-Type", contentType(key, attrs.ContentType))
	if attrs.CacheControl != "" {
		respHeader.Set("Cache-Control", attrs.CacheControl)
	}

	if notModified(header.Get("If-Modified-Since"), modTime) {
		return &model.UpstreamResponse{StatusCode: http.StatusNotModified, Header: respHeader}, nil
	}

	if method == http.MethodHead {
		return &model.UpstreamResponse{StatusCode: http.StatusOK, Header: respHeader}, nil
	}

	if c.maxBodyBytes > 0 && attrs.Size > c.maxBodyBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, c.maxBodyBytes)
	}

	body, err := bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return &model.UpstreamResponse{StatusCode: http.StatusNotFound, Header: respHeader}, nil
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	return &model.UpstreamResponse{
		StatusCode: http.StatusOK,
		Header:     respHeader,
		Body:       body,
	}, nil
}

// contentType derives the media type from the key's extension, falling back
// to whatever the bucket recorded for the blob.
func contentType(key, recorded string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	if recorded != "" {
		return recorded
	}
	return "application/octet-stream"
}

// notModified reports whether an If-Modified-Since value covers modTime.
// Unparseable values are ignored.
func notModified(ims string, modTime time.Time) bool {
	if ims == "" {
		return false
	}
	t, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return !modTime.After(t)
}
