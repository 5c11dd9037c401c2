// Package changefeed implements a long-lived subscription to the
// server's push channel, feeding near-real-time invalidations into the
// attribute/dirent cache and inode table ahead of TTL expiry.
package changefeed

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/remotefs/remotefs/internal/cache"
	"github.com/remotefs/remotefs/internal/inode"
	"github.com/remotefs/remotefs/internal/pathutil"
)

// Op is the operation tag carried by an fs_change event.
type Op string

const (
	OpAdd       Op = "add"
	OpWrite     Op = "write"
	OpChange    Op = "change"
	OpAddDir    Op = "addDir"
	OpUnlink    Op = "unlink"
	OpUnlinkDir Op = "unlinkDir"
	OpRename    Op = "rename"
	OpRenameDir Op = "renameDir"
)

// event is the wire shape of one fs_change notification.
type event struct {
	Op      Op     `json:"op"`
	Path    string `json:"path"`
	OldPath string `json:"oldPath,omitempty"`
	NewPath string `json:"newPath,omitempty"`
	Size    *int64 `json:"size,omitempty"`
	Mode    *int64 `json:"mode,omitempty"`
	Mtime   *int64 `json:"mtime,omitempty"`
}

// renameWindow is the pairing window within which an unlink followed
// by an add on the same server connection is synthesized into a
// rename, per spec.md §9's design note.
const renameWindow = 200 * time.Millisecond

// Subscriber connects to the push channel and applies invalidations to
// cache.Cache and inode.Table. It never attempts a full resync on
// reconnect; TTL is the safety net during an outage.
type Subscriber struct {
	baseURL string
	http    *http.Client
	cache   *cache.Cache
	inodes  *inode.Table
	log     *slog.Logger

	mu            sync.Mutex
	pendingUnlink map[string]time.Time
}

// New creates a Subscriber. log may be nil.
func New(baseURL string, httpClient *http.Client, c *cache.Cache, it *inode.Table, log *slog.Logger) *Subscriber {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{
		baseURL:       baseURL,
		http:          httpClient,
		cache:         c,
		inodes:        it,
		log:           log,
		pendingUnlink: make(map[string]time.Time),
	}
}

// Run connects to the push channel and processes events until ctx is
// canceled, reconnecting with exponential backoff on transport
// failure.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.connectAndStream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.log.Warn("change feed disconnected, reconnecting", "error", err, "backoff", backoff)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Subscriber) connectAndStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.log.Warn("change feed: malformed event", "line", line, "error", err)
			continue
		}
		s.apply(ev)
	}
	return scanner.Err()
}

// apply dispatches a single decoded event onto the cache and inode
// table, per the operation-tag table in spec.md §4.6.
func (s *Subscriber) apply(ev event) {
	switch ev.Op {
	case OpAdd, OpWrite, OpChange:
		s.upsertOrInvalidate(ev)
		s.noteAdd(ev.Path)
	case OpAddDir:
		s.cache.InvalidateDir(pathutil.Parent(ev.Path))
	case OpUnlink:
		s.invalidateSubtreeAndForget(ev.Path)
		s.noteUnlink(ev.Path)
	case OpUnlinkDir:
		s.invalidateSubtreeAndForget(ev.Path)
	case OpRename:
		s.applyRename(ev.OldPath, ev.NewPath)
	case OpRenameDir:
		s.applyRename(ev.OldPath, ev.NewPath)
	}
}

func (s *Subscriber) invalidateFileAndParent(path string) {
	s.cache.InvalidateAttr(path)
	s.cache.InvalidateDir(pathutil.Parent(path))
}

// upsertOrInvalidate handles add/write/change: when the event carries
// fresh size/mode/mtime, it upserts the attr cache directly instead of
// just invalidating (avoiding a round trip on the next getattr), per
// spec.md §4.6. Falls back to plain invalidation when the event is bare
// or the path's ino isn't yet known (an unupserted entry just re-fetches
// on next access, same as before this was added).
func (s *Subscriber) upsertOrInvalidate(ev event) {
	if ev.Size == nil && ev.Mode == nil && ev.Mtime == nil {
		s.invalidateFileAndParent(ev.Path)
		return
	}
	ino, ok := s.inodes.Lookup(ev.Path)
	if !ok {
		s.invalidateFileAndParent(ev.Path)
		return
	}

	attr, hadOld := s.cache.GetAttr(ev.Path)
	attr.Ino = ino
	if !hadOld {
		attr.Kind = cache.KindFile
		attr.Nlink = 1
	}
	if ev.Size != nil {
		attr.Size = *ev.Size
	}
	if ev.Mode != nil {
		attr.Mode = uint32(*ev.Mode)
	}
	if ev.Mtime != nil {
		attr.Mtime = time.Unix(*ev.Mtime, 0)
	}
	s.cache.PutAttr(ev.Path, attr)
	s.cache.InvalidateDir(pathutil.Parent(ev.Path))
}

func (s *Subscriber) invalidateSubtreeAndForget(path string) {
	s.cache.InvalidateSubtree(path)
	s.cache.InvalidateDir(pathutil.Parent(path))
	for _, p := range s.inodes.Subtree(path) {
		s.inodes.Forget(p)
	}
}

func (s *Subscriber) applyRename(oldPath, newPath string) {
	if oldPath == "" || newPath == "" {
		return
	}
	s.inodes.RenameSubtree(oldPath, newPath)
	s.cache.InvalidateSubtree(oldPath)
	s.cache.InvalidateDir(pathutil.Parent(oldPath))
	s.cache.InvalidateDir(pathutil.Parent(newPath))
}

// noteUnlink records path as a candidate first half of an unlink+add
// rename pair. Entries older than renameWindow are pruned lazily.
func (s *Subscriber) noteUnlink(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.pendingUnlink[path] = now
	for p, t := range s.pendingUnlink {
		if now.Sub(t) > renameWindow {
			delete(s.pendingUnlink, p)
		}
	}
}

// noteAdd checks whether an add arriving shortly after an unlink of a
// different path should be treated as an already-applied rename's
// second half; the explicit OpRename path is preferred when the
// server emits it, so this only guards against servers that emit the
// bare unlink/add pair instead, per spec.md §9. Idempotent: if Rename
// already re-keyed the path (because an explicit rename event arrived
// first), inode.Table.RenameSubtree on an already-absent old path is a
// no-op.
func (s *Subscriber) noteAdd(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var pairedWith string
	for p, t := range s.pendingUnlink {
		if now.Sub(t) <= renameWindow && p != path {
			pairedWith = p
			break
		}
	}
	if pairedWith == "" {
		return
	}
	delete(s.pendingUnlink, pairedWith)
	s.inodes.RenameSubtree(pairedWith, path)
}
