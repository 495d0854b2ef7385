package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// errQueueEmpty is returned when popping from an empty queue.
var errQueueEmpty = errors.New("blockstore: queue is empty")

const (
	queueSmall = "small"
	queueMain  = "main"
)

var (
	bucketEntries    = []byte("entries")      // key → entry JSON
	bucketSmall      = []byte("small")        // seq(uint64BE) → key
	bucketSmallByKey = []byte("small_by_key") // key → seq(uint64BE)
	bucketMain       = []byte("main")         // seq(uint64BE) → key
	bucketMainByKey  = []byte("main_by_key")  // key → seq(uint64BE)
	bucketGhost      = []byte("ghost")        // key → seq(uint64BE)
	bucketGhostBySeq = []byte("ghost_by_seq") // seq(uint64BE) → key
)

var allBuckets = [][]byte{
	bucketEntries,
	bucketSmall, bucketSmallByKey,
	bucketMain, bucketMainByKey,
	bucketGhost, bucketGhostBySeq,
}

// queues are the S3-FIFO small and main FIFOs plus the ghost set of recently
// evicted keys, persisted so a restarted store keeps its eviction order.
type queues struct {
	db *bbolt.DB
}

func newQueues(db *bbolt.DB) (*queues, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	return &queues{db: db}, err
}

// pushHead inserts key at the newest end of queue.
func (q *queues) pushHead(queue, key string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return txPushHead(tx, queueFwd(queue), queueRev(queue), key)
	})
}

// popTail removes and returns the oldest key of queue.
func (q *queues) popTail(queue string) (string, error) {
	var key string
	err := q.db.Update(func(tx *bbolt.Tx) error {
		var err error
		key, err = txPopTail(tx, queueFwd(queue), queueRev(queue))
		return err
	})
	return key, err
}

// remove reports whether key was in queue.
func (q *queues) remove(queue, key string) (bool, error) {
	var removed bool
	err := q.db.Update(func(tx *bbolt.Tx) error {
		var err error
		removed, err = txRemove(tx, queueFwd(queue), queueRev(queue), key)
		return err
	})
	return removed, err
}

func (q *queues) len(queue string) int {
	var n int
	_ = q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(queueFwd(queue)).Stats().KeyN
		return nil
	})
	return n
}

// admitGhostHit moves key from the ghost set straight to the main queue.
// It reports false, changing nothing, when key is not a ghost.
func (q *queues) admitGhostHit(key string) (bool, error) {
	var hit bool
	err := q.db.Update(func(tx *bbolt.Tx) error {
		removed, err := txRemove(tx, bucketGhostBySeq, bucketGhost, key)
		if err != nil || !removed {
			return err
		}
		hit = true
		return txPushHead(tx, bucketMain, bucketMainByKey, key)
	})
	return hit, err
}

// ghostAdd records an evicted key and trims the ghost set to maxEntries,
// oldest first.
func (q *queues) ghostAdd(key string, maxEntries int) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		// KeyN reflects committed state only, so count locally.
		count := tx.Bucket(bucketGhostBySeq).Stats().KeyN
		removed, err := txRemove(tx, bucketGhostBySeq, bucketGhost, key)
		if err != nil {
			return err
		}
		if removed {
			count--
		}
		if err := txPushHead(tx, bucketGhostBySeq, bucketGhost, key); err != nil {
			return err
		}
		count++
		for count > maxEntries {
			if _, err := txPopTail(tx, bucketGhostBySeq, bucketGhost); err != nil {
				if errors.Is(err, errQueueEmpty) {
					break
				}
				return err
			}
			count--
		}
		return nil
	})
}

func (q *queues) ghostRemove(key string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		_, err := txRemove(tx, bucketGhostBySeq, bucketGhost, key)
		return err
	})
}

func (q *queues) ghostContains(key string) bool {
	var found bool
	_ = q.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketGhost).Get([]byte(key)) != nil
		return nil
	})
	return found
}

func (q *queues) ghostLen() int {
	var n int
	_ = q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketGhost).Stats().KeyN
		return nil
	})
	return n
}

// txPushHead appends key under the next sequence number of fwd.
func txPushHead(tx *bbolt.Tx, fwdName, revName []byte, key string) error {
	fwd := tx.Bucket(fwdName)
	rev := tx.Bucket(revName)
	seq, err := fwd.NextSequence()
	if err != nil {
		return err
	}
	seqKey := encodeSeq(seq)
	if err := fwd.Put(seqKey, []byte(key)); err != nil {
		return err
	}
	return rev.Put([]byte(key), seqKey)
}

// txPopTail removes the entry with the lowest sequence number.
func txPopTail(tx *bbolt.Tx, fwdName, revName []byte) (string, error) {
	fwd := tx.Bucket(fwdName)
	rev := tx.Bucket(revName)
	k, v := fwd.Cursor().First()
	if k == nil {
		return "", errQueueEmpty
	}
	// Copy before the delete invalidates cursor memory.
	seqKey := append([]byte(nil), k...)
	key := append([]byte(nil), v...)
	if err := fwd.Delete(seqKey); err != nil {
		return "", err
	}
	if err := rev.Delete(key); err != nil {
		return "", err
	}
	return string(key), nil
}

func txRemove(tx *bbolt.Tx, fwdName, revName []byte, key string) (bool, error) {
	fwd := tx.Bucket(fwdName)
	rev := tx.Bucket(revName)
	seqVal := rev.Get([]byte(key))
	if seqVal == nil {
		return false, nil
	}
	seqKey := append([]byte(nil), seqVal...)
	if err := fwd.Delete(seqKey); err != nil {
		return false, err
	}
	return true, rev.Delete([]byte(key))
}

func queueFwd(queue string) []byte {
	if queue == queueSmall {
		return bucketSmall
	}
	return bucketMain
}

func queueRev(queue string) []byte {
	if queue == queueSmall {
		return bucketSmallByKey
	}
	return bucketMainByKey
}

// encodeSeq encodes seq big-endian so keys sort numerically.
func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
