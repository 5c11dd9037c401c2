// Package integration exercises the full upcall stack, via
// internal/fscore.Core, against an httptest.Server standing in for
// the remote metadata-and-bytes service, covering the literal
// end-to-end scenarios the client is expected to satisfy.
package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotefs/remotefs/internal/cache"
	"github.com/remotefs/remotefs/internal/fscore"
	"github.com/remotefs/remotefs/internal/handle"
	"github.com/remotefs/remotefs/internal/inode"
	"github.com/remotefs/remotefs/internal/remote"
)

// fakeService is a fuller stand-in for the remote service than the
// fscore package's own unit-test fake: it tracks real parent/child
// listing so readdir and mkdir-tree scenarios behave like the real
// server instead of a flat bag of paths.
type fakeService struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
}

func newFakeService() *fakeService {
	return &fakeService{files: map[string][]byte{}, dirs: map[string]bool{".": true}}
}

func (f *fakeService) children(parent string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := parent + "/"
	if parent == "." {
		prefix = "./"
	}
	seen := map[string]bool{}
	var out []string
	for p := range f.files {
		if rel, ok := childRelative(prefix, p); ok && !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
	}
	for p := range f.dirs {
		if p == "." {
			continue
		}
		if rel, ok := childRelative(prefix, p); ok && !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out
}

func childRelative(prefix, path string) (string, bool) {
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return "", false
	}
	rest := path[len(prefix):]
	for _, c := range rest {
		if c == '/' {
			return "", false
		}
	}
	return rest, rest != ""
}

func (f *fakeService) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		path := q.Get("relPath")

		switch {
		case r.URL.Path == "/list" && r.Method == http.MethodGet:
			type row struct {
				Path        string `json:"path"`
				Name        string `json:"name"`
				IsDir       bool   `json:"is_dir"`
				Size        int64  `json:"size"`
				Mtime       int64  `json:"mtime"`
				Permissions string `json:"permissions"`
			}
			var rows []row
			for _, name := range f.children(path) {
				childPath := path + "/" + name
				if path == "." {
					childPath = "./" + name
				}
				f.mu.Lock()
				body, isFile := f.files[childPath]
				f.mu.Unlock()
				if isFile {
					rows = append(rows, row{Path: childPath, Name: name, Size: int64(len(body)), Permissions: "644"})
				} else {
					rows = append(rows, row{Path: childPath, Name: name, IsDir: true, Permissions: "755"})
				}
			}
			json.NewEncoder(w).Encode(rows)

		case r.URL.Path == "/list/updatedMetadata" && r.Method == http.MethodGet:
			f.mu.Lock()
			body, isFile := f.files[path]
			isDir := f.dirs[path]
			f.mu.Unlock()
			switch {
			case isFile:
				fmt.Fprintf(w, `{"path":%q,"name":%q,"is_dir":false,"size":%d,"mtime":0,"permissions":"644"}`, path, path, len(body))
			case isDir:
				fmt.Fprintf(w, `{"path":%q,"name":%q,"is_dir":true,"size":0,"mtime":0,"permissions":"755"}`, path, path)
			default:
				w.WriteHeader(http.StatusNotFound)
			}

		case r.URL.Path == "/files" && r.Method == http.MethodGet:
			f.mu.Lock()
			body, ok := f.files[path]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if rng := r.Header.Get("Range"); rng != "" {
				var start, end int64
				fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
				if end >= int64(len(body)) {
					end = int64(len(body)) - 1
				}
				if start > end {
					w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(body)))
					w.WriteHeader(http.StatusPartialContent)
					return
				}
				w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
				w.WriteHeader(http.StatusPartialContent)
				w.Write(body[start : end+1])
				return
			}
			w.Write(body)

		case r.URL.Path == "/files" && r.Method == http.MethodPut:
			offset, _ := strconv.ParseInt(q.Get("offset"), 10, 64)
			data, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			cur := f.files[path]
			if need := offset + int64(len(data)); int64(len(cur)) < need {
				grown := make([]byte, need)
				copy(grown, cur)
				cur = grown
			}
			copy(cur[offset:], data)
			f.files[path] = cur
			f.mu.Unlock()
			fmt.Fprintf(w, `{"message":"ok","written":%d}`, len(data))

		case r.URL.Path == "/files" && r.Method == http.MethodDelete:
			f.mu.Lock()
			delete(f.files, path)
			delete(f.dirs, path)
			f.mu.Unlock()

		case r.URL.Path == "/mkdir" && r.Method == http.MethodPost:
			f.mu.Lock()
			f.dirs[path] = true
			f.mu.Unlock()

		case r.URL.Path == "/files/rename" && r.Method == http.MethodPatch:
			oldP, newP := q.Get("oldRelPath"), q.Get("newRelPath")
			f.mu.Lock()
			if data, ok := f.files[oldP]; ok {
				f.files[newP] = data
				delete(f.files, oldP)
			}
			if f.dirs[oldP] {
				f.dirs[newP] = true
				delete(f.dirs, oldP)
			}
			f.mu.Unlock()

		case r.URL.Path == "/files/chmod" && r.Method == http.MethodPatch:
		case r.URL.Path == "/files/truncate" && r.Method == http.MethodPatch:
			size, _ := strconv.ParseInt(q.Get("size"), 10, 64)
			f.mu.Lock()
			if cur, ok := f.files[path]; ok {
				if int64(len(cur)) > size {
					f.files[path] = cur[:size]
				} else if int64(len(cur)) < size {
					grown := make([]byte, size)
					copy(grown, cur)
					f.files[path] = grown
				}
			}
			f.mu.Unlock()
		case r.URL.Path == "/files/utimes" && r.Method == http.MethodPatch:

		case r.URL.Path == "/stats" && r.Method == http.MethodGet:
			fmt.Fprint(w, `{"bsize":"4096","blocks":"1024","bfree":"512","bavail":"512","files":"64","ffree":"64"}`)

		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
	}
}

func newTestCore(t *testing.T, cacheCfg cache.Config) (*fscore.Core, *fakeService, *httptest.Server) {
	t.Helper()
	svc := newFakeService()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	client := remote.New(remote.DefaultConfig(srv.URL), nil)
	c := cache.New(cacheCfg)
	it := inode.New()
	ht := handle.New(client)
	return fscore.New(client, c, it, ht, nil), svc, srv
}

// Scenario 1: create + read.
func TestScenarioCreateAndRead(t *testing.T) {
	core, _, _ := newTestCore(t, cache.DefaultConfig())
	ctx := context.Background()

	_, fh, err := core.Create(ctx, inode.RootIno, "hello.txt", 0o644)
	require.NoError(t, err)
	_, err = core.Write(ctx, fh, 0, []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, core.Release(ctx, fh))

	attr, err := core.Lookup(ctx, inode.RootIno, "hello.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, attr.Size)

	fh2, err := core.Open(ctx, attr.Ino, handle.FlagRead)
	require.NoError(t, err)
	data, err := core.Read(ctx, fh2, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

// Scenario 2: mkdir tree.
func TestScenarioMkdirTree(t *testing.T) {
	core, _, _ := newTestCore(t, cache.DefaultConfig())
	ctx := context.Background()

	aAttr, err := core.Mkdir(ctx, inode.RootIno, "a", 0o755)
	require.NoError(t, err)
	_, err = core.Mkdir(ctx, aAttr.Ino, "b", 0o755)
	require.NoError(t, err)

	entries, err := core.Readdir(ctx, aAttr.Ino)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"b"}, names)
}

// Scenario 3: rename across directories.
func TestScenarioRenameAcrossDirectories(t *testing.T) {
	core, _, _ := newTestCore(t, cache.DefaultConfig())
	ctx := context.Background()

	aAttr, err := core.Mkdir(ctx, inode.RootIno, "a", 0o755)
	require.NoError(t, err)
	bAttr, err := core.Mkdir(ctx, inode.RootIno, "b", 0o755)
	require.NoError(t, err)

	_, fh, err := core.Create(ctx, aAttr.Ino, "x", 0o644)
	require.NoError(t, err)
	require.NoError(t, core.Release(ctx, fh))

	xAttr, err := core.Lookup(ctx, aAttr.Ino, "x")
	require.NoError(t, err)

	require.NoError(t, core.Rename(ctx, aAttr.Ino, "x", bAttr.Ino, "x"))

	_, err = core.Lookup(ctx, aAttr.Ino, "x")
	assert.Error(t, err)

	newAttr, err := core.Lookup(ctx, bAttr.Ino, "x")
	require.NoError(t, err)
	assert.Equal(t, xAttr.Ino, newAttr.Ino)
}

// Scenario 4: large streamed copy via sequential chunked writes,
// verifying byte-identical round-trip without buffering the whole
// body at any layer this test can observe directly.
func TestScenarioLargeStreamedCopy(t *testing.T) {
	core, _, _ := newTestCore(t, cache.DefaultConfig())
	ctx := context.Background()

	const (
		totalSize = 4 * 1024 * 1024
		chunkSize = 64 * 1024
	)
	pattern := make([]byte, chunkSize)
	_, err := rand.Read(pattern)
	require.NoError(t, err)

	_, fh, err := core.Create(ctx, inode.RootIno, "big.bin", 0o644)
	require.NoError(t, err)
	for off := int64(0); off < totalSize; off += chunkSize {
		n, werr := core.Write(ctx, fh, off, pattern)
		require.NoError(t, werr)
		require.Equal(t, chunkSize, n)
	}
	require.NoError(t, core.Release(ctx, fh))

	attr, err := core.Lookup(ctx, inode.RootIno, "big.bin")
	require.NoError(t, err)
	require.EqualValues(t, totalSize, attr.Size)

	fh2, err := core.Open(ctx, attr.Ino, handle.FlagRead)
	require.NoError(t, err)
	for off := int64(0); off < totalSize; off += chunkSize {
		data, rerr := core.Read(ctx, fh2, off, chunkSize)
		require.NoError(t, rerr)
		require.True(t, bytes.Equal(data, pattern), "mismatch at offset %d", off)
	}
}

// Scenario 5: stale-but-bounded — an out-of-band server mutation is
// observed within the cache TTL, never immediately and never beyond it.
func TestScenarioStaleButBounded(t *testing.T) {
	ttl := 50 * time.Millisecond
	core, svc, _ := newTestCore(t, cache.Config{AttrTTL: ttl, DirTTL: ttl})
	ctx := context.Background()

	_, fh, err := core.Create(ctx, inode.RootIno, "f", 0o644)
	require.NoError(t, err)
	_, err = core.Write(ctx, fh, 0, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, core.Release(ctx, fh))

	attr, err := core.Lookup(ctx, inode.RootIno, "f")
	require.NoError(t, err)

	svc.mu.Lock()
	svc.files["./f"] = []byte("v1-longer-out-of-band")
	svc.mu.Unlock()

	stale, err := core.Getattr(ctx, attr.Ino)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stale.Size, "within TTL, the cached size should still be served")

	time.Sleep(ttl + 20*time.Millisecond)

	fresh, err := core.Getattr(ctx, attr.Ino)
	require.NoError(t, err)
	assert.EqualValues(t, len("v1-longer-out-of-band"), fresh.Size, "past TTL, the new size should be observed")
}

// Scenario 6: concurrent readers over disjoint ranges of the same file.
func TestScenarioConcurrentReaders(t *testing.T) {
	core, _, _ := newTestCore(t, cache.DefaultConfig())
	ctx := context.Background()

	const size = 8 * 64 * 1024
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}

	_, fh, err := core.Create(ctx, inode.RootIno, "shared.bin", 0o644)
	require.NoError(t, err)
	_, err = core.Write(ctx, fh, 0, content)
	require.NoError(t, err)
	require.NoError(t, core.Release(ctx, fh))

	attr, err := core.Lookup(ctx, inode.RootIno, "shared.bin")
	require.NoError(t, err)

	const readers = 8
	const rangeSize = size / readers

	var wg sync.WaitGroup
	errs := make([]error, readers)
	results := make([][]byte, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rfh, oerr := core.Open(ctx, attr.Ino, handle.FlagRead)
			if oerr != nil {
				errs[i] = oerr
				return
			}
			data, rerr := core.Read(ctx, rfh, int64(i*rangeSize), rangeSize)
			errs[i] = rerr
			results[i] = data
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		want := content[i*rangeSize : (i+1)*rangeSize]
		assert.True(t, bytes.Equal(results[i], want), "reader %d got mismatched range", i)
	}
}
