package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	bolt "go.etcd.io/bbolt"
)

// ExportRecord is one line of the line-delimited JSON interchange format
// described in spec.md §6. It is a flattened, human-friendly view of Task.
type ExportRecord struct {
	ID           string     `json:"id"`
	Title        string     `json:"title,omitempty"`
	Description  string     `json:"description,omitempty"`
	Status       TaskStatus `json:"status"`
	Priority     int        `json:"priority"`
	Type         string     `json:"type"`
	Labels       []string   `json:"labels,omitempty"`
	Dependencies []string   `json:"dependencies,omitempty"`
	CreatedAt    string     `json:"created_at"`
	UpdatedAt    string     `json:"updated_at"`
	ClosedAt     string     `json:"closed_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
}

func toRecord(t *Task) ExportRecord {
	labels := make([]string, 0, len(t.Labels))
	for l := range t.Labels {
		labels = append(labels, l)
	}
	r := ExportRecord{
		ID:           t.ID,
		Title:        t.Title,
		Description:  t.Description,
		Status:       t.Status,
		Priority:     t.Priority,
		Type:         t.Type,
		Labels:       labels,
		Dependencies: t.Dependencies,
		CreatedAt:    t.CreatedAt.Format(rfc3339),
		UpdatedAt:    t.UpdatedAt.Format(rfc3339),
		AttemptCount: t.AttemptCount,
		Result:       t.Result,
		Error:        t.Error,
	}
	if t.ClosedAt != nil {
		r.ClosedAt = t.ClosedAt.Format(rfc3339)
	}
	return r
}

const rfc3339 = "2006-01-02T15:04:05.999999999Z07:00"

// Export writes every task as one JSON line to w, sorted by ID for
// deterministic diffs.
func (s *Store) Export(w io.Writer) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(_, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			line, err := json.Marshal(toRecord(&t))
			if err != nil {
				return err
			}
			if _, err := bw.Write(line); err != nil {
				return err
			}
			return bw.WriteByte('\n')
		})
	})
	if err != nil {
		return err
	}
	return bw.Flush()
}

// Import populates the ledger from a line-delimited JSON snapshot produced
// by Export. Existing tasks with the same ID are overwritten; audit
// history is not required to survive the round trip (spec.md R1), only
// the task set and each task's status.
func (s *Store) Import(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		idxStatus := tx.Bucket(bucketIdxStatus)
		idxReady := tx.Bucket(bucketIdxReady)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec ExportRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return fmt.Errorf("ledger: import line %d: %w", count+1, err)
			}
			task, err := fromRecord(&rec)
			if err != nil {
				return err
			}

			if existing := b.Get([]byte(task.ID)); existing != nil {
				var old Task
				if err := json.Unmarshal(existing, &old); err != nil {
					return err
				}
				if err := idxStatus.Delete(statusIndexKey(old.Status, old.ID)); err != nil {
					return err
				}
				if old.Status == StatusOpen {
					if err := idxReady.Delete(readyIndexKey(&old)); err != nil {
						return err
					}
				}
			}

			data, err := json.Marshal(task)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(task.ID), data); err != nil {
				return err
			}
			if err := idxStatus.Put(statusIndexKey(task.Status, task.ID), nil); err != nil {
				return err
			}
			if task.Status == StatusOpen {
				if err := idxReady.Put(readyIndexKey(task), nil); err != nil {
					return err
				}
			}
			count++
		}
		return scanner.Err()
	})
	return count, err
}

func fromRecord(r *ExportRecord) (*Task, error) {
	createdAt, err := parseTimeOrZero(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTimeOrZero(r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	closedAt, err := parseTimePtr(r.ClosedAt)
	if err != nil {
		return nil, err
	}

	labels := make(map[string]bool, len(r.Labels))
	for _, l := range r.Labels {
		labels[l] = true
	}

	return &Task{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Status:       r.Status,
		Priority:     r.Priority,
		Type:         r.Type,
		Labels:       labels,
		Dependencies: r.Dependencies,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		ClosedAt:     closedAt,
		AttemptCount: r.AttemptCount,
		Result:       r.Result,
		Error:        r.Error,
	}, nil
}
