// Package remote implements the stateless HTTP transport against
// the metadata-and-bytes service: range reads, streamed random-offset
// writes, and the metadata/attribute operations, all addressed through
// the relPath query parameter per the wire contract.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/remotefs/remotefs/pkg/rferrors"
	"github.com/remotefs/remotefs/pkg/retry"
)

// FileInfo is the decoded form of one /list row or the
// /list/updatedMetadata object: the loose JSON typing at the wire
// boundary is resolved into real integers here, never passed inward
// as strings.
type FileInfo struct {
	Path  string
	Name  string
	IsDir bool
	Size  int64
	Mode  uint32
	Mtime time.Time
	Nlink uint32
}

// StatfsInfo is the decoded GET /stats response.
type StatfsInfo struct {
	Bsize  uint64
	Blocks uint64
	Bfree  uint64
	Bavail uint64
	Files  uint64
	Ffree  uint64
}

// Config configures the Client's transport and retry behavior.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	HTTPClient  *http.Client
}

// DefaultConfig returns the 10s wall-clock deadline and default retry
// policy spec.md §4.2/§5 name.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		Timeout:     10 * time.Second,
		RetryConfig: retry.DefaultConfig(),
	}
}

// Client is the stateless HTTP transport over the wire contract. A
// single Client is shared by every open handle and upcall; it holds no
// per-path state (the open-file table owns that).
type Client struct {
	baseURL string
	http    *http.Client
	retryer *retry.Retryer
	log     *slog.Logger
}

// New creates a Client. log may be nil, in which case slog.Default is
// used, matching the teacher's own storage-layer slog usage.
func New(cfg Config, log *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    httpClient,
		retryer: retry.New(cfg.RetryConfig),
		log:     log,
	}
}

func (c *Client) endpoint(p string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	return fmt.Sprintf("%s%s?%s", c.baseURL, p, query.Encode())
}

// List fetches the directory listing for path via GET /list.
func (c *Client) List(ctx context.Context, path string) ([]FileInfo, error) {
	var rows []listRow
	err := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.endpoint("/list", url.Values{"relPath": {path}}), nil)
		if err != nil {
			return rferrors.Transport("list", path, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return rferrors.Transport("list", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return rferrors.FromHTTPStatus(resp.StatusCode, "list", path)
		}
		rows = nil
		return json.NewDecoder(resp.Body).Decode(&rows)
	})
	if err != nil {
		return nil, err
	}

	out := make([]FileInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, FileInfo{
			Path:  r.Path,
			Name:  r.Name,
			IsDir: r.IsDir,
			Size:  r.Size,
			Mode:  uint32(r.Permissions),
			Mtime: time.Unix(r.Mtime, 0),
			Nlink: r.nlinkOrDefault(),
		})
	}
	return out, nil
}

// Stat fetches a single metadata row via GET /list/updatedMetadata.
// Returns a NotFound rferrors.Error if the path is not tracked.
func (c *Client) Stat(ctx context.Context, path string) (FileInfo, error) {
	var row listRow
	err := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.endpoint("/list/updatedMetadata", url.Values{"relPath": {path}}), nil)
		if err != nil {
			return rferrors.Transport("stat", path, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return rferrors.Transport("stat", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return rferrors.FromHTTPStatus(resp.StatusCode, "stat", path)
		}
		return json.NewDecoder(resp.Body).Decode(&row)
	})
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Path:  row.Path,
		Name:  row.Name,
		IsDir: row.IsDir,
		Size:  row.Size,
		Mode:  uint32(row.Permissions),
		Mtime: time.Unix(row.Mtime, 0),
		Nlink: row.nlinkOrDefault(),
	}, nil
}

// Statfs fetches the volume summary via GET /stats.
func (c *Client) Statfs(ctx context.Context) (StatfsInfo, error) {
	var row statfsRow
	err := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/stats", nil), nil)
		if err != nil {
			return rferrors.Transport("statfs", "", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return rferrors.Transport("statfs", "", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return rferrors.FromHTTPStatus(resp.StatusCode, "statfs", "")
		}
		return json.NewDecoder(resp.Body).Decode(&row)
	})
	if err != nil {
		return StatfsInfo{}, err
	}
	return StatfsInfo{
		Bsize:  uint64(row.Bsize),
		Blocks: uint64(row.Blocks),
		Bfree:  uint64(row.Bfree),
		Bavail: uint64(row.Bavail),
		Files:  uint64(row.Files),
		Ffree:  uint64(row.Ffree),
	}, nil
}

// ReadRange issues GET /files with a Range header covering
// [start, endInclusive], returning a lazy body the caller streams and
// must Close, plus the total file size reported via Content-Range.
// The request is issued once; unlike the metadata calls it does not go
// through the retryer.
func (c *Client) ReadRange(ctx context.Context, path string, start, endInclusive int64) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("/files", url.Values{"relPath": {path}}), nil)
	if err != nil {
		return nil, 0, rferrors.Transport("read_range", path, err)
	}
	if endInclusive >= start {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, endInclusive))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, rferrors.Transport("read_range", path, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, 0, rferrors.FromHTTPStatus(resp.StatusCode, "read_range", path)
	}

	total := resp.ContentLength
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := lastSlash(cr); idx >= 0 {
			if n, perr := strconv.ParseInt(cr[idx+1:], 10, 64); perr == nil {
				total = n
			}
		}
	}
	return resp.Body, total, nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// WriteAt streams body to PUT /files?relPath=P&offset=N without
// buffering it whole in memory; body is typically the read side of an
// io.Pipe fed chunk-by-chunk by internal/handle. Per spec.md §4.2,
// this call is NOT retried once any byte of body has been consumed by
// the transport, so the retry wrapper is intentionally omitted here.
func (c *Client) WriteAt(ctx context.Context, path string, offset int64, body io.Reader) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.endpoint("/files", url.Values{"relPath": {path}, "offset": {strconv.FormatInt(offset, 10)}}),
		body)
	if err != nil {
		return 0, rferrors.Transport("write_at", path, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, rferrors.Transport("write_at", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, rferrors.FromHTTPStatus(resp.StatusCode, "write_at", path)
	}

	var wr writeResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return 0, rferrors.Transport("write_at", path, err)
	}
	return wr.Written, nil
}

// Mkdir issues POST /mkdir. Returns AlreadyExists (409) if the
// directory is already present.
func (c *Client) Mkdir(ctx context.Context, path string) error {
	return c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.endpoint("/mkdir", url.Values{"relPath": {path}}), nil)
		if err != nil {
			return rferrors.Transport("mkdir", path, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return rferrors.Transport("mkdir", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return rferrors.FromHTTPStatus(resp.StatusCode, "mkdir", path)
		}
		return nil
	})
}

// Delete issues DELETE /files, removing a file or recursively removing
// a directory.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
			c.endpoint("/files", url.Values{"relPath": {path}}), nil)
		if err != nil {
			return rferrors.Transport("delete", path, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return rferrors.Transport("delete", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return rferrors.FromHTTPStatus(resp.StatusCode, "delete", path)
		}
		return nil
	})
}

// Chmod issues PATCH /files/chmod with perm as an octal string.
func (c *Client) Chmod(ctx context.Context, path string, mode uint32) error {
	return c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		perm := strconv.FormatUint(uint64(mode&0o777), 8)
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
			c.endpoint("/files/chmod", url.Values{"relPath": {path}, "perm": {perm}}), nil)
		if err != nil {
			return rferrors.Transport("chmod", path, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return rferrors.Transport("chmod", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return rferrors.FromHTTPStatus(resp.StatusCode, "chmod", path)
		}
		return nil
	})
}

// Truncate issues PATCH /files/truncate?size=N.
func (c *Client) Truncate(ctx context.Context, path string, size int64) error {
	return c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
			c.endpoint("/files/truncate", url.Values{"relPath": {path}, "size": {strconv.FormatInt(size, 10)}}), nil)
		if err != nil {
			return rferrors.Transport("truncate", path, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return rferrors.Transport("truncate", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return rferrors.FromHTTPStatus(resp.StatusCode, "truncate", path)
		}
		return nil
	})
}

// Utimes issues PATCH /files/utimes. Either atimeS or mtimeS may be
// nil, in which case that query parameter is omitted.
func (c *Client) Utimes(ctx context.Context, path string, atimeS, mtimeS *int64) error {
	return c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		q := url.Values{"relPath": {path}}
		if atimeS != nil {
			q.Set("atime", strconv.FormatInt(*atimeS, 10))
		}
		if mtimeS != nil {
			q.Set("mtime", strconv.FormatInt(*mtimeS, 10))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.endpoint("/files/utimes", q), nil)
		if err != nil {
			return rferrors.Transport("utimes", path, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return rferrors.Transport("utimes", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return rferrors.FromHTTPStatus(resp.StatusCode, "utimes", path)
		}
		return nil
	})
}

// Rename issues PATCH /files/rename?oldRelPath=A&newRelPath=B. Server
// overwrites the destination if it exists.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	return c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		q := url.Values{"oldRelPath": {oldPath}, "newRelPath": {newPath}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.endpoint("/files/rename", q), nil)
		if err != nil {
			return rferrors.Transport("rename", oldPath, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return rferrors.Transport("rename", oldPath, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return rferrors.FromHTTPStatus(resp.StatusCode, "rename", oldPath)
		}
		return nil
	})
}
