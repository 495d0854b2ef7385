package archive

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/vfs-cache/telemetry"
	"golang.org/x/sync/singleflight"
)

// Entry is one member of an archive.
type Entry struct {
	// Name is the slash separated member path without a trailing slash.
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool

	// Offset is where the member data starts in the archive container.
	Offset         int64
	CompressedSize int64
	Method         uint16
	CRC32          uint32
	Encrypted      bool
}

// Content is the listing of one archive, with an entry for every
// intermediate directory even when the archive does not store one.
type Content struct {
	entries []Entry
	byName  map[string]int
	stamp   Stamp
}

// NewContent builds a listing from scanned entries. Duplicate names keep the
// first entry.
func NewContent(scanned []Entry) *Content {
	c := &Content{byName: make(map[string]int, len(scanned))}
	for _, e := range scanned {
		e.Name = strings.Trim(e.Name, "/")
		if e.Name == "" || e.Name == "." {
			continue
		}
		c.addParents(e.Name, e.ModTime)
		if i, ok := c.byName[e.Name]; ok {
			// An explicit directory entry replaces the synthesised one.
			if e.IsDir && c.entries[i].IsDir {
				c.entries[i].ModTime = e.ModTime
			}
			continue
		}
		c.byName[e.Name] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	return c
}

func (c *Content) addParents(name string, modTime time.Time) {
	for i := 0; i < len(name); i++ {
		if name[i] != '/' {
			continue
		}
		dir := name[:i]
		if _, ok := c.byName[dir]; ok {
			continue
		}
		c.byName[dir] = len(c.entries)
		c.entries = append(c.entries, Entry{Name: dir, IsDir: true, ModTime: modTime})
	}
}

// Len returns the number of entries, synthesised directories included.
func (c *Content) Len() int { return len(c.entries) }

// Entries returns every entry in archive order.
func (c *Content) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

// Lookup finds a member by name.
func (c *Content) Lookup(name string) (Entry, bool) {
	i, ok := c.byName[strings.Trim(name, "/")]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Children returns the direct children of dir, "" being the archive root,
// sorted by name.
func (c *Content) Children(dir string) []Entry {
	dir = strings.Trim(dir, "/")
	var out []Entry
	for _, e := range c.entries {
		parent := path.Dir(e.Name)
		if parent == "." {
			parent = ""
		}
		if parent == dir {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TopLevel returns the entries at the archive root.
func (c *Content) TopLevel() []Entry { return c.Children("") }

// Stamp identifies the version of an archive container a listing was built
// from.
type Stamp struct {
	Size    int64
	ModTime time.Time
}

// Index memoizes archive listings by archive path. A listing is rebuilt only
// when the container's size or modification time changes, or after
// Invalidate. Concurrent builds of the same archive share one scan.
type Index struct {
	mu       sync.Mutex
	contents map[string]*Content
	group    singleflight.Group
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{contents: make(map[string]*Content)}
}

// Get returns the listing of archive, calling scan when there is no listing
// for stamp yet.
func (ix *Index) Get(ctx context.Context, archivePath string, stamp Stamp, scan func(ctx context.Context) ([]Entry, error)) (*Content, error) {
	ix.mu.Lock()
	c, ok := ix.contents[archivePath]
	ix.mu.Unlock()
	if ok && c.stamp.Size == stamp.Size && c.stamp.ModTime.Equal(stamp.ModTime) {
		telemetry.RecordCacheLookup(ctx, "archive_index", telemetry.CacheHit)
		return c, nil
	}
	telemetry.RecordCacheLookup(ctx, "archive_index", telemetry.CacheMiss)

	v, err, _ := ix.group.Do(archivePath, func() (any, error) {
		entries, err := scan(ctx)
		if err != nil {
			return nil, err
		}
		c := NewContent(entries)
		c.stamp = stamp
		ix.mu.Lock()
		ix.contents[archivePath] = c
		ix.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Content), nil
}

// Has reports whether a listing of archivePath is memoized.
func (ix *Index) Has(archivePath string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, ok := ix.contents[archivePath]
	return ok
}

// Invalidate drops the listing of archivePath.
func (ix *Index) Invalidate(archivePath string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.contents, archivePath)
}
