package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks = []byte("tasks")
	bucketAudit = []byte("audit")

	// bucketIdxStatus and bucketIdxReady are secondary indexes maintained
	// transactionally alongside the primary tasks write (spec.md §4.1):
	// status lookups and the ready-queue ordering no longer require
	// unmarshaling every task record, only a bbolt B+tree cursor seek over
	// a small composite key. bucketIdxStatus keys are `status\x00taskID`;
	// bucketIdxReady keys are `priorityKey(priority) || createdAtUnixNano ||
	// taskID` and hold only StatusOpen tasks, so a single ordered cursor
	// walk already yields candidates sorted by (priority, created_at).
	bucketIdxStatus = []byte("idx_status")
	bucketIdxReady  = []byte("idx_ready")
)

// Store is the transactional, durable ledger backed by a single bbolt file.
// Every write runs inside one ACID transaction: the task record and its
// audit entry commit together or not at all. bbolt serializes writers and
// lets readers see a consistent snapshot without blocking the writer,
// which is the closest single-file analogue in the corpus to a WAL-backed
// store with concurrent readers and a single writer.
type Store struct {
	db *bolt.DB
}

// Open creates or reopens the ledger at path. On crash, bbolt reopens the
// file in a consistent state because every committed transaction is
// durable and every in-flight one is rolled back.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTasks, bucketAudit, bucketIdxStatus, bucketIdxReady} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenDefault opens the ledger file under dataDir, creating dataDir's
// parent layout assumption: dataDir itself must already exist.
func OpenDefault(dataDir string) (*Store, error) {
	return Open(filepath.Join(dataDir, "yggdrasil.db"))
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new task. Fails with ErrAlreadyExists if the ID is taken.
func (s *Store) Create(task *Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.UpdatedAt = task.CreatedAt
	if task.Status == "" {
		task.Status = StatusOpen
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(task.ID)) != nil {
			return ErrAlreadyExists
		}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(task.ID), data); err != nil {
			return err
		}

		if err := tx.Bucket(bucketIdxStatus).Put(statusIndexKey(task.Status, task.ID), nil); err != nil {
			return err
		}
		if task.Status == StatusOpen {
			return tx.Bucket(bucketIdxReady).Put(readyIndexKey(task), nil)
		}
		return nil
	})
}

// Get fetches one task by ID.
func (s *Store) Get(id string) (*Task, error) {
	var task Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Update performs one atomic status transition: it validates the task
// exists and the transition is permitted, writes the requested fields,
// appends an audit entry, and commits all of it in a single bbolt
// transaction — so either every change lands or none do.
func (s *Store) Update(id string, newStatus TaskStatus, upd StatusUpdate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		data := tb.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}

		if !isPermitted(task.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, newStatus)
		}

		oldStatus := task.Status
		now := time.Now().UTC()

		task.Status = newStatus
		task.UpdatedAt = now
		if newStatus == StatusClosed || newStatus == StatusCancelled {
			task.ClosedAt = &now
		}
		if upd.Attempt != nil {
			task.AttemptCount = *upd.Attempt
		}
		if upd.Result != nil {
			task.Result = truncate(*upd.Result, MaxFieldBytes)
		}
		if upd.Error != nil {
			task.Error = truncate(*upd.Error, MaxFieldBytes)
		}

		newData, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		if err := tb.Put([]byte(id), newData); err != nil {
			return err
		}

		idxStatus := tx.Bucket(bucketIdxStatus)
		if err := idxStatus.Delete(statusIndexKey(oldStatus, id)); err != nil {
			return err
		}
		if err := idxStatus.Put(statusIndexKey(newStatus, id), nil); err != nil {
			return err
		}

		idxReady := tx.Bucket(bucketIdxReady)
		if oldStatus == StatusOpen && newStatus != StatusOpen {
			if err := idxReady.Delete(readyIndexKey(&task)); err != nil {
				return err
			}
		}
		if newStatus == StatusOpen && oldStatus != StatusOpen {
			if err := idxReady.Put(readyIndexKey(&task), nil); err != nil {
				return err
			}
		}

		ab := tx.Bucket(bucketAudit)
		seq, err := ab.NextSequence()
		if err != nil {
			return err
		}
		entry := AuditEntry{
			TaskID:    id,
			OldStatus: oldStatus,
			NewStatus: newStatus,
			Timestamp: now,
			Attempt:   task.AttemptCount,
			Message:   upd.Message,
		}
		entryData, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return ab.Put(auditKey(id, seq), entryData)
	})
}

// ReadyTasks returns every open task whose dependencies are all closed,
// ordered by (priority ascending, created_at ascending). It walks
// bucketIdxReady -- keyed so its natural cursor order already is
// (priority, created_at) -- instead of scanning and unmarshaling every
// task in the ledger: only open tasks are ever fetched from bucketTasks,
// and dependency closure is checked against bucketIdxStatus's
// "closed\x00" key range rather than the full record. Because the whole
// scan runs inside one bolt.View transaction it observes one consistent
// snapshot even while the writer commits concurrently.
func (s *Store) ReadyTasks() ([]*Task, error) {
	var ready []*Task
	err := s.db.View(func(tx *bolt.Tx) error {
		closed := closedTaskIDs(tx)

		tb := tx.Bucket(bucketTasks)
		rc := tx.Bucket(bucketIdxReady).Cursor()
		for k, _ := rc.First(); k != nil; k, _ = rc.Next() {
			id := k[readyIndexFixedLen:]
			data := tb.Get(id)
			if data == nil {
				continue // index and primary bucket momentarily disagree mid-migration; skip defensively
			}
			var t Task
			if err := json.Unmarshal(data, &t); err != nil {
				return err
			}
			if dependenciesSatisfied(&t, closed) {
				ready = append(ready, &t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ready, nil
}

// closedTaskIDs reads every taskID under the idx_status "closed" prefix
// without ever unmarshaling a task record.
func closedTaskIDs(tx *bolt.Tx) map[string]bool {
	closed := make(map[string]bool)
	prefix := statusIndexPrefix(StatusClosed)
	c := tx.Bucket(bucketIdxStatus).Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		closed[string(k[len(prefix):])] = true
	}
	return closed
}

func dependenciesSatisfied(t *Task, closed map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !closed[dep] {
			return false
		}
	}
	return true
}

// allStatuses enumerates every status Stats reports on, including zero
// counts, so callers don't need to special-case an absent key.
var allStatuses = []TaskStatus{StatusOpen, StatusInProgress, StatusClosed, StatusBlocked, StatusCancelled}

// Stats returns the count of tasks in each status, counting idx_status key
// occurrences per status prefix rather than unmarshaling every task record.
func (s *Store) Stats() (map[TaskStatus]int, error) {
	counts := make(map[TaskStatus]int, len(allStatuses))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIdxStatus).Cursor()
		for _, status := range allStatuses {
			prefix := statusIndexPrefix(status)
			n := 0
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				n++
			}
			counts[status] = n
		}
		return nil
	})
	return counts, err
}

// Audit returns the ordered audit trail for one task.
func (s *Store) Audit(id string) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		prefix := []byte(id + "\x00")
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}

func auditKey(taskID string, seq uint64) []byte {
	key := make([]byte, 0, len(taskID)+1+8)
	key = append(key, []byte(taskID)...)
	key = append(key, 0)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return append(key, seqBytes[:]...)
}

// statusIndexKey and statusIndexPrefix build bucketIdxStatus keys:
// `status\x00taskID`. The null separator can't collide with a status name
// (all lowercase words) so a prefix scan on statusIndexPrefix(status)
// yields exactly that status's task IDs.
func statusIndexKey(status TaskStatus, taskID string) []byte {
	return append(statusIndexPrefix(status), []byte(taskID)...)
}

func statusIndexPrefix(status TaskStatus) []byte {
	return append([]byte(status), 0)
}

// readyIndexFixedLen is the byte width of the sortable (priority,
// created_at) prefix on every bucketIdxReady key, before the task ID.
const readyIndexFixedLen = 4 + 8

// readyIndexKey builds the bucketIdxReady key for task: a big-endian,
// sign-shifted priority (so byte order matches numeric order even for
// negative priorities) followed by a big-endian created_at unix-nano
// timestamp, followed by the task ID. bbolt's cursor walks keys in byte
// order, so a First()..Next() scan of this bucket already yields tasks in
// (priority, created_at) order with no extra sort step.
func readyIndexKey(task *Task) []byte {
	key := make([]byte, 0, readyIndexFixedLen+len(task.ID))
	var pbuf [4]byte
	binary.BigEndian.PutUint32(pbuf[:], priorityKey(task.Priority))
	key = append(key, pbuf[:]...)
	var tbuf [8]byte
	binary.BigEndian.PutUint64(tbuf[:], uint64(task.CreatedAt.UnixNano()))
	key = append(key, tbuf[:]...)
	return append(key, []byte(task.ID)...)
}

// priorityKey maps a (possibly negative) int32-range priority onto an
// unsigned 32-bit space that preserves ordering under big-endian byte
// comparison.
func priorityKey(priority int) uint32 {
	return uint32(int64(priority) + (1 << 31))
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
