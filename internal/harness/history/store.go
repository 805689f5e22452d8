// Package history keeps finished run reports in a local bbolt database so
// phases from different runs can be compared later.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wesleyorama2/stampede/internal/harness/engine"
)

const (
	bucketRuns = "runs"
	bucketIDs  = "ids"
)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Entry is the listing view of a stored run.
type Entry struct {
	RunID     string        `json:"runId"`
	Name      string        `json:"name"`
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`
	Passed    bool          `json:"passed"`
	Requests  int64         `json:"requests"`
	Failed    int64         `json:"failed"`
	Error     string        `json:"error,omitempty"`

	// Fills maps scenario name to its backend fill count, when probed
	Fills map[string]float64 `json:"fills,omitempty"`
}

// Store is a bbolt-backed run history.
type Store struct {
	db   *bbolt.DB
	path string
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketRuns, bucketIDs} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// DefaultPath returns ~/.stampede/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".stampede", "history.db"), nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores report. Saving the same run twice replaces it.
func (s *Store) Save(report *engine.RunReport) error {
	if report.RunID == "" {
		return errors.New("report has no run ID")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(bucketRuns))
		ids := tx.Bucket([]byte(bucketIDs))

		if old := ids.Get([]byte(report.RunID)); old != nil {
			if err := runs.Delete(old); err != nil {
				return err
			}
		}

		key := runKey(report.StartTime, report.RunID)
		if err := runs.Put(key, data); err != nil {
			return err
		}
		return ids.Put([]byte(report.RunID), key)
	})
}

// List returns up to limit runs, newest first. A limit of 0 or less returns
// every run.
func (s *Store) List(limit int) ([]Entry, error) {
	var entries []Entry

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRuns)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var report engine.RunReport
			if err := json.Unmarshal(v, &report); err != nil {
				continue
			}
			entries = append(entries, entryOf(&report))
		}
		return nil
	})
	return entries, err
}

// Get returns the stored report of runID.
func (s *Store) Get(runID string) (*engine.RunReport, error) {
	var report engine.RunReport
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket([]byte(bucketIDs)).Get([]byte(runID))
		if key == nil {
			return ErrNotFound
		}
		v := tx.Bucket([]byte(bucketRuns)).Get(key)
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &report)
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// runKey orders runs by start time.
func runKey(start time.Time, runID string) []byte {
	key := make([]byte, 8, 8+len(runID))
	binary.BigEndian.PutUint64(key, uint64(start.UnixNano()))
	return append(key, runID...)
}

func entryOf(r *engine.RunReport) Entry {
	e := Entry{
		RunID:     r.RunID,
		Name:      r.Name,
		StartTime: r.StartTime,
		Duration:  r.Duration,
		Passed:    r.Passed,
		Error:     r.Error,
	}
	if r.Totals != nil {
		e.Requests = r.Totals.Requests
		e.Failed = r.Totals.Failed()
	}
	for _, sr := range r.Scenarios {
		if v, ok := sr.Backend["db_calls_total"]; ok {
			if e.Fills == nil {
				e.Fills = make(map[string]float64)
			}
			e.Fills[sr.Name] = v
		}
	}
	return e
}
