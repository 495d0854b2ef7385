// Package blockstore keeps blocks of remote resources on local disk so that
// they survive restarts. Each block is a framed file under a sharded
// directory, indexed in bbolt and evicted with S3-FIFO once the store
// outgrows its budget.
// See: https://www.pdl.cmu.edu/ftp/Storage/CMU-CS-24-149-juncheny.pdf
package blockstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/telemetry"
	"go.etcd.io/bbolt"
)

const (
	// DefaultMaxSize is the default disk budget.
	DefaultMaxSize = 1 << 30

	defaultSmallQueuePercent = 10
	defaultCheckInterval     = 30 * time.Second
	ghostFloor               = 128 // minimum ghost entries when auto-sizing
	maxFreq                  = 3

	indexFile = "index.db"
	blocksDir = "blocks"
)

// ErrNotFound is returned when a block is not stored.
var ErrNotFound = errors.New("blockstore: not found")

// Config configures a Store.
type Config struct {
	// Dir holds the index and the block files. Required.
	Dir string

	// MaxSize is the budget for block data in bytes.
	MaxSize int64

	// SmallQueuePercent is the share of MaxSize reserved for the small
	// (probationary) queue. Default: 10.
	SmallQueuePercent int

	// GhostMaxEntries caps the ghost set. 0 mirrors the main queue length
	// with a floor of 128.
	GhostMaxEntries int

	// CheckInterval is how often the background goroutine checks the budget.
	// Every admission also triggers a check.
	CheckInterval time.Duration

	// NoSync disables fsync of the index. Use only for testing.
	NoSync bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Stats reports store occupancy.
type Stats struct {
	Entries    int
	SmallBytes int64
	MainBytes  int64
	Ghosts     int
	Evictions  int64
	Promotions int64
}

type entry struct {
	Size     int64     `json:"size"`
	Freq     int       `json:"freq"`
	URL      string    `json:"url"`
	CachedAt time.Time `json:"cached_at"`
}

// Store is a persistent block cache.
//
// Get and Put are called from reading goroutines. A single background
// goroutine runs eviction; mu serialises queue mutations and the byte
// counters.
type Store struct {
	cfg    Config
	db     *bbolt.DB
	queues *queues
	logger *slog.Logger

	mu         sync.Mutex
	smallBytes int64
	mainBytes  int64
	evictions  int64
	promotions int64

	evictCh   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the store in cfg.Dir, drops block files the index
// does not know about and starts the eviction goroutine.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("block store directory is required: %w", vfscache.ErrBadParameter)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.SmallQueuePercent <= 0 || cfg.SmallQueuePercent >= 100 {
		cfg.SmallQueuePercent = defaultSmallQueuePercent
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := os.MkdirAll(filepath.Join(cfg.Dir, blocksDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating block store: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(cfg.Dir, indexFile), 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening block index: %w", err)
	}
	q, err := newQueues(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		cfg:     cfg,
		db:      db,
		queues:  q,
		logger:  cfg.Logger,
		evictCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if err := s.sweep(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sweeping block store: %w", err)
	}
	if err := s.recomputeBytes(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recomputing byte totals: %w", err)
	}
	go s.run()

	s.logger.Debug("block store opened",
		"dir", cfg.Dir,
		"max_size", cfg.MaxSize,
		"small_bytes", s.smallBytes,
		"main_bytes", s.mainBytes,
	)
	return s, nil
}

// Key names block index of a resource. validator changes whenever the
// resource does (an ETag, or the size and modification time), so stale
// blocks are never served.
func Key(url, validator string, index int64, blockSize int) string {
	id := url + "\x00" + validator + "\x00" + strconv.FormatInt(index, 10) + "\x00" + strconv.Itoa(blockSize)
	return vfscache.DigestBytes([]byte(id)).String()
}

// blockPath shards block files by the first byte of the key:
// blocks/{xx}/{key}.
func (s *Store) blockPath(key string) string {
	return filepath.Join(s.cfg.Dir, blocksDir, key[:2], key)
}

func validKey(key string) error {
	if len(key) != vfscache.DigestSize*2 {
		return fmt.Errorf("invalid block key %q: %w", key, vfscache.ErrBadParameter)
	}
	return nil
}

// Contains reports whether key is stored.
func (s *Store) Contains(key string) bool {
	var ok bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(bucketEntries).Get([]byte(key)) != nil
		return nil
	})
	return ok
}

// Get returns the header and data of a stored block. A block file that
// fails verification is deleted and reported with vfscache.ErrIntegrity.
func (s *Store) Get(ctx context.Context, key string) (*Header, []byte, error) {
	if err := validKey(key); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.blockPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		telemetry.RecordCacheLookup(ctx, "disk", telemetry.CacheMiss)
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening block %s: %w", key, err)
	}
	hdr, data, err := readFramed(f)
	_ = f.Close()
	if err == nil && hdr.Key != key {
		err = fmt.Errorf("block file %s holds %s: %w", key, hdr.Key, vfscache.ErrIntegrity)
	}
	if err != nil {
		s.logger.Warn("dropping unreadable block", "key", key, "error", err)
		if derr := s.Delete(ctx, key); derr != nil {
			s.logger.Warn("deleting unreadable block failed", "key", key, "error", derr)
		}
		telemetry.RecordCacheLookup(ctx, "disk", telemetry.CacheMiss)
		if !errors.Is(err, vfscache.ErrIntegrity) {
			err = fmt.Errorf("%w: %w", vfscache.ErrIntegrity, err)
		}
		return nil, nil, err
	}

	s.touch(key)
	telemetry.RecordCacheLookup(ctx, "disk", telemetry.CacheHit)
	return hdr, data, nil
}

// touch bumps the access frequency of key, saturating at maxFreq.
func (s *Store) touch(key string) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		e, err := getEntry(b, key)
		if err != nil || e.Freq >= maxFreq {
			return err
		}
		e.Freq++
		return putEntry(b, key, e)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Debug("touching block failed", "key", key, "error", err)
	}
}

// Put stores data as the block described by hdr. Key, URL, Validator, Index
// and Offset are taken from hdr; Length, Digest and CachedAt are filled in.
// Storing a key that is already present is a no-op.
func (s *Store) Put(ctx context.Context, hdr Header, data []byte) error {
	if err := validKey(hdr.Key); err != nil {
		return err
	}
	if s.Contains(hdr.Key) {
		return nil
	}
	hdr.Length = int64(len(data))
	hdr.Digest = vfscache.DigestBytes(data).String()
	hdr.CachedAt = s.cfg.Now().UTC()

	var buf bytes.Buffer
	if err := writeFramed(&buf, &hdr, data); err != nil {
		return err
	}
	p := s.blockPath(hdr.Key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}
	if err := atomic.WriteFile(p, &buf); err != nil {
		return fmt.Errorf("writing block %s: %w", hdr.Key, err)
	}

	size := int64(buf.Len())
	var raced bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		// Another reader stored the same block first.
		if b.Get([]byte(hdr.Key)) != nil {
			raced = true
			return nil
		}
		return putEntry(b, hdr.Key, entry{
			Size:     size,
			URL:      hdr.URL,
			CachedAt: hdr.CachedAt,
		})
	})
	if err != nil {
		_ = os.Remove(p)
		return fmt.Errorf("indexing block %s: %w", hdr.Key, err)
	}
	if raced {
		return nil
	}
	s.admit(ctx, hdr.Key, size)
	return nil
}

// Delete removes a block. Deleting a missing block is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if e, err := getEntry(tx.Bucket(bucketEntries), key); err == nil {
			size = e.Size
		}
		return nil
	})
	for _, queue := range []string{queueSmall, queueMain} {
		removed, err := s.queues.remove(queue, key)
		if err != nil {
			return fmt.Errorf("removing %s from %s queue: %w", key, queue, err)
		}
		if removed {
			s.subBytes(queue, size)
		}
	}
	if err := s.queues.ghostRemove(key); err != nil {
		return fmt.Errorf("removing %s from ghost set: %w", key, err)
	}
	return s.deleteBlock(ctx, key)
}

// Stats returns a snapshot of store occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		SmallBytes: s.smallBytes,
		MainBytes:  s.mainBytes,
		Ghosts:     s.queues.ghostLen(),
		Evictions:  s.evictions,
		Promotions: s.promotions,
	}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		st.Entries = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return st
}

// Close stops eviction and closes the index. It is safe to call twice.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.stopEviction()
		s.logger.Debug("closing block store", "dir", s.cfg.Dir)
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) stopEviction() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

// deleteBlock removes the block file and its index entry. Callers hold mu.
func (s *Store) deleteBlock(_ context.Context, key string) error {
	if err := os.Remove(s.blockPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting block file %s: %w", key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// sweep deletes block files without an index entry (a crash between write
// and index) and index entries without a file.
func (s *Store) sweep() error {
	root := filepath.Join(s.cfg.Dir, blocksDir)
	var orphanFiles int
	seen := make(map[string]bool)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		key := d.Name()
		if validKey(key) != nil || !s.Contains(key) {
			orphanFiles++
			return os.Remove(p)
		}
		seen[key] = true
		return nil
	})
	if err != nil {
		return err
	}

	var missing []string
	err = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, _ []byte) error {
			if !seen[string(k)] {
				missing = append(missing, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, key := range missing {
		for _, queue := range []string{queueSmall, queueMain} {
			if _, err := s.queues.remove(queue, key); err != nil {
				return err
			}
		}
		err := s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketEntries).Delete([]byte(key))
		})
		if err != nil {
			return err
		}
	}
	if orphanFiles > 0 || len(missing) > 0 {
		s.logger.Info("swept block store", "orphan_files", orphanFiles, "missing_files", len(missing))
	}
	return nil
}

func getEntry(b *bbolt.Bucket, key string) (entry, error) {
	var e entry
	val := b.Get([]byte(key))
	if val == nil {
		return e, ErrNotFound
	}
	if err := json.Unmarshal(val, &e); err != nil {
		return e, fmt.Errorf("decoding entry %s: %w", key, err)
	}
	return e, nil
}

func putEntry(b *bbolt.Bucket, key string, e entry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", key, err)
	}
	return b.Put([]byte(key), val)
}
