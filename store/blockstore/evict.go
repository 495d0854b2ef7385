package blockstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/vfs-cache/telemetry"
	"go.etcd.io/bbolt"
)

// admit queues a newly written block. A key evicted recently enough to be
// in the ghost set goes straight to the main queue.
func (s *Store) admit(ctx context.Context, key string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hit, err := s.queues.admitGhostHit(key)
	if err != nil {
		s.logger.Warn("ghost admission failed", "key", key, "error", err)
	}
	if hit {
		s.mainBytes += size
		telemetry.RecordBlockStoreAdmission(ctx, queueMain, "ghost_hit")
	} else {
		if err := s.queues.pushHead(queueSmall, key); err != nil {
			s.logger.Warn("push to small queue failed", "key", key, "error", err)
			return
		}
		s.smallBytes += size
		telemetry.RecordBlockStoreAdmission(ctx, queueSmall, "new")
	}
	s.signal()
}

func (s *Store) signal() {
	select {
	case s.evictCh <- struct{}{}:
	default:
	}
}

func (s *Store) subBytes(queue string, size int64) {
	if queue == queueSmall {
		s.smallBytes = max(0, s.smallBytes-size)
		return
	}
	s.mainBytes = max(0, s.mainBytes-size)
}

func (s *Store) run() {
	defer close(s.doneCh)
	ctx := context.Background()
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.evictCh:
			s.evictToBudget(ctx)
		case <-ticker.C:
			s.evictToBudget(ctx)
		case <-s.stopCh:
			return
		}
	}
}

// evictToBudget makes eviction decisions until the store fits its budget
// or a stop is requested.
func (s *Store) evictToBudget(ctx context.Context) {
	for s.maybeEvict(ctx) {
		select {
		case <-s.stopCh:
			return
		default:
		}
	}
	s.mu.Lock()
	small, main := s.smallBytes, s.mainBytes
	s.mu.Unlock()
	telemetry.UpdateBlockStoreBytes(ctx, small, main)
}

// maybeEvict makes one decision: move or evict the small queue tail when
// small is over its share, otherwise second-chance or evict the main queue
// tail. It reports whether the store is still over budget and progress was
// made.
func (s *Store) maybeEvict(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.smallBytes+s.mainBytes <= s.cfg.MaxSize {
		return false
	}
	smallTarget := s.cfg.MaxSize * int64(s.cfg.SmallQueuePercent) / 100

	var err error
	switch {
	case s.queues.len(queueSmall) > 0 && (s.smallBytes > smallTarget || s.queues.len(queueMain) == 0):
		err = s.evictFromSmall(ctx)
	case s.queues.len(queueMain) > 0:
		err = s.evictFromMain(ctx)
	default:
		// Counters drifted from the queues; trust the queues.
		s.logger.Warn("block store over budget with empty queues", "small_bytes", s.smallBytes, "main_bytes", s.mainBytes)
		s.smallBytes, s.mainBytes = 0, 0
		return false
	}
	if err != nil {
		s.logger.Warn("block eviction failed", "error", err)
		return false
	}
	return s.smallBytes+s.mainBytes > s.cfg.MaxSize
}

// evictFromSmall pops the small queue tail. A block read since admission is
// promoted to main with its frequency reset; a block never read is deleted
// and remembered in the ghost set.
func (s *Store) evictFromSmall(ctx context.Context) error {
	key, err := s.queues.popTail(queueSmall)
	if errors.Is(err, errQueueEmpty) {
		return nil
	}
	if err != nil {
		return err
	}
	e, err := s.entry(key)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("orphaned small queue entry", "key", key)
		return nil
	}
	if err != nil {
		_ = s.queues.pushHead(queueSmall, key)
		return err
	}

	s.smallBytes = max(0, s.smallBytes-e.Size)
	if e.Freq > 0 {
		e.Freq = 0
		if err := s.putEntry(key, e); err != nil {
			s.smallBytes += e.Size
			_ = s.queues.pushHead(queueSmall, key)
			return fmt.Errorf("resetting frequency of %s: %w", key, err)
		}
		if err := s.queues.pushHead(queueMain, key); err != nil {
			s.smallBytes += e.Size
			return err
		}
		s.mainBytes += e.Size
		s.promotions++
		telemetry.RecordBlockStorePromotion(ctx, "promote")
		return nil
	}

	if err := s.deleteBlock(ctx, key); err != nil {
		s.smallBytes += e.Size
		_ = s.queues.pushHead(queueSmall, key)
		return err
	}
	if err := s.queues.ghostAdd(key, s.ghostMaxEntries()); err != nil {
		s.logger.Warn("ghost add failed", "key", key, "error", err)
	}
	s.evictions++
	telemetry.RecordBlockStoreEviction(ctx, queueSmall)
	s.logger.Debug("evicted block", "queue", queueSmall, "key", key, "url", e.URL)
	return nil
}

// evictFromMain pops the main queue tail. A block with remaining frequency
// is reinserted with one less; a cold block is deleted.
func (s *Store) evictFromMain(ctx context.Context) error {
	key, err := s.queues.popTail(queueMain)
	if errors.Is(err, errQueueEmpty) {
		return nil
	}
	if err != nil {
		return err
	}
	e, err := s.entry(key)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("orphaned main queue entry", "key", key)
		return nil
	}
	if err != nil {
		_ = s.queues.pushHead(queueMain, key)
		return err
	}

	if e.Freq > 0 {
		e.Freq--
		if err := s.putEntry(key, e); err != nil {
			_ = s.queues.pushHead(queueMain, key)
			return fmt.Errorf("decrementing frequency of %s: %w", key, err)
		}
		if err := s.queues.pushHead(queueMain, key); err != nil {
			return err
		}
		s.promotions++
		telemetry.RecordBlockStorePromotion(ctx, "second_chance")
		return nil
	}

	s.mainBytes = max(0, s.mainBytes-e.Size)
	if err := s.deleteBlock(ctx, key); err != nil {
		s.mainBytes += e.Size
		_ = s.queues.pushHead(queueMain, key)
		return err
	}
	s.evictions++
	telemetry.RecordBlockStoreEviction(ctx, queueMain)
	s.logger.Debug("evicted block", "queue", queueMain, "key", key, "url", e.URL)
	return nil
}

// ghostMaxEntries mirrors the main queue length unless configured.
func (s *Store) ghostMaxEntries() int {
	if s.cfg.GhostMaxEntries > 0 {
		return s.cfg.GhostMaxEntries
	}
	return max(ghostFloor, s.queues.len(queueMain))
}

// recomputeBytes restores the byte counters from the persisted queues.
// Stale queue entries are skipped; the next eviction pass drops them.
func (s *Store) recomputeBytes() error {
	var small, main int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		for _, queue := range []string{queueSmall, queueMain} {
			err := tx.Bucket(queueFwd(queue)).ForEach(func(_, v []byte) error {
				e, err := getEntry(entries, string(v))
				if err != nil {
					return nil
				}
				if queue == queueSmall {
					small += e.Size
				} else {
					main += e.Size
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.smallBytes, s.mainBytes = small, main
	return nil
}

func (s *Store) entry(key string) (entry, error) {
	var e entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		e, err = getEntry(tx.Bucket(bucketEntries), key)
		return err
	})
	return e, err
}

func (s *Store) putEntry(key string, e entry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putEntry(tx.Bucket(bucketEntries), key, e)
	})
}
