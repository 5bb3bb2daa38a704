// Package history keeps a local ledger of update runs in a bbolt file.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"
)

// Bucket names in bbolt
var (
	bucketRuns      = []byte("runs")
	bucketTemplates = []byte("templates")
)

// ActionUpdated is the outcome action that moves a template forward.
const ActionUpdated = "updated"

// Record is one run as written to the ledger.
type Record struct {
	Seq       uint64        `json:"seq"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Region    string        `json:"region"`
	DryRun    bool          `json:"dry_run"`
	Status    int           `json:"status"`
	Body      string        `json:"body"`
	Error     string        `json:"error,omitempty"`
	Outcomes  []Outcome     `json:"outcomes,omitempty"`
}

// Outcome is what one run did to one template.
type Outcome struct {
	TemplateID   string `json:"template_id"`
	TemplateName string `json:"template_name"`
	Action       string `json:"action"`
	Reason       string `json:"reason,omitempty"`
	CurrentImage string `json:"current_image,omitempty"`
	LatestImage  string `json:"latest_image,omitempty"`
	Version      int64  `json:"version,omitempty"`
}

// Update is the last version amisync created for a template.
type Update struct {
	TemplateID   string    `json:"template_id"`
	TemplateName string    `json:"template_name"`
	ImageID      string    `json:"image_id"`
	Version      int64     `json:"version"`
	At           time.Time `json:"at"`
}

// Store is the run ledger.
type Store struct {
	mu sync.RWMutex

	// In-memory index of the templates bucket, ordered by template id
	index *btree.BTreeG[*Update]

	db *bbolt.DB
}

// Open opens or creates the ledger at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketTemplates} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history buckets: %w", err)
	}

	s := &Store{
		index: btree.NewG[*Update](32, func(a, b *Update) bool {
			return a.TemplateID < b.TemplateID
		}),
		db: db,
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the ledger.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes rec under the next sequence number and records every
// updated template. It returns the assigned sequence.
func (s *Store) Append(rec Record) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updates []*Update
	err := s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		seq, err := runs.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq

		value, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := runs.Put(uint64ToBytes(seq), value); err != nil {
			return err
		}

		templates := tx.Bucket(bucketTemplates)
		for _, o := range rec.Outcomes {
			if o.Action != ActionUpdated {
				continue
			}
			u := &Update{
				TemplateID:   o.TemplateID,
				TemplateName: o.TemplateName,
				ImageID:      o.LatestImage,
				Version:      o.Version,
				At:           rec.StartedAt,
			}
			value, err := json.Marshal(u)
			if err != nil {
				return err
			}
			if err := templates.Put([]byte(u.TemplateID), value); err != nil {
				return err
			}
			updates = append(updates, u)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append run: %w", err)
	}

	for _, u := range updates {
		s.index.ReplaceOrInsert(u)
	}
	return rec.Seq, nil
}

// Recent returns up to n runs, newest first. n <= 0 returns every run.
func (s *Store) Recent(n int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if n > 0 && len(records) >= n {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode run %d: %w", bytesToUint64(k), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// LastUpdates returns the latest update per template, ordered by template id.
func (s *Store) LastUpdates() []Update {
	s.mu.RLock()
	defer s.mu.RUnlock()

	updates := make([]Update, 0, s.index.Len())
	s.index.Ascend(func(u *Update) bool {
		updates = append(updates, *u)
		return true
	})
	return updates
}

func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var u Update
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("decode template %s: %w", k, err)
			}
			s.index.ReplaceOrInsert(&u)
			return nil
		})
	})
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
