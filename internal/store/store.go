// Package store is the embedded Local Store. Every syncable record
// lives in a per-resource bbolt bucket keyed by its local id. Local ids
// are UUIDv7, so bucket order is creation order.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	ferrors "github.com/alexjbarnes/farm-sync/internal/errors"
	"github.com/alexjbarnes/farm-sync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	metaBucket       = []byte("meta")
	lastSyncKey      = []byte("last_sync")
	statsKey         = []byte("stats")
	recordBucketBase = "records:"
	watermarkPrefix  = "download:"
)

func recordBucket(resource models.Resource) []byte {
	return []byte(recordBucketBase + string(resource))
}

// Store wraps a bbolt database holding all local records.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens the store at path, creating the file, its directory, and
// one bucket per registered resource.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}

		for _, spec := range models.Registry {
			if _, err := tx.CreateBucketIfNotExists(recordBucket(spec.Name)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source. Tests use it to pin timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Create inserts a new pending record and returns it with its local id.
func (s *Store) Create(resource models.Resource, name, businessKey string, data json.RawMessage, refs []models.Ref) (models.Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return models.Record{}, fmt.Errorf("generating local id: %w", err)
	}

	now := s.now().UTC()
	rec := models.Record{
		LocalID:     id.String(),
		Resource:    resource,
		PendingSync: true,
		Action:      models.ActionCreate,
		CreatedAt:   now,
		UpdatedAt:   now,
		Name:        name,
		BusinessKey: businessKey,
		Refs:        refs,
		Data:        data,
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx, rec)
	})
	if err != nil {
		return models.Record{}, fmt.Errorf("creating %s record: %w", resource, err)
	}

	return rec, nil
}

// Update replaces the payload of a record and marks it pending. A
// record that never reached the server keeps its create action.
func (s *Store) Update(resource models.Resource, localID string, data json.RawMessage) (models.Record, error) {
	return s.mutate(resource, localID, func(rec *models.Record) {
		rec.Data = data
		rec.PendingSync = true
		rec.Rejected = false
		rec.LastError = ""

		if rec.ServerID == "" {
			rec.Action = models.ActionCreate
		} else {
			rec.Action = models.ActionUpdate
		}
	})
}

// MarkDeleted tags a record for remote deletion.
func (s *Store) MarkDeleted(resource models.Resource, localID string) (models.Record, error) {
	return s.mutate(resource, localID, func(rec *models.Record) {
		rec.PendingSync = true
		rec.Action = models.ActionDelete
		rec.Rejected = false
		rec.LastError = ""
	})
}

// MarkSynced records a successful remote exchange. The server id is
// only written when the record has none yet.
func (s *Store) MarkSynced(resource models.Resource, localID, serverID string, at time.Time) (models.Record, error) {
	return s.mutate(resource, localID, func(rec *models.Record) {
		if rec.ServerID == "" {
			rec.ServerID = serverID
		}

		at = at.UTC()
		rec.PendingSync = false
		rec.Action = models.ActionNone
		rec.LastSync = &at
		rec.LastError = ""
		rec.Attempts = 0
	})
}

// MarkFailed records a retryable failure. The record stays pending.
func (s *Store) MarkFailed(resource models.Resource, localID, reason string) (models.Record, error) {
	return s.mutate(resource, localID, func(rec *models.Record) {
		rec.LastError = reason
		rec.Attempts++
	})
}

// MarkRejected records a permanent failure. Uploads skip the record
// until the next local edit.
func (s *Store) MarkRejected(resource models.Resource, localID, reason string) (models.Record, error) {
	return s.mutate(resource, localID, func(rec *models.Record) {
		rec.LastError = reason
		rec.Rejected = true
		rec.Attempts++
	})
}

// Get returns a record by local id, or ErrNotFound.
func (s *Store) Get(resource models.Resource, localID string) (models.Record, error) {
	var rec models.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, resource)
		if err != nil {
			return err
		}

		v := b.Get([]byte(localID))
		if v == nil {
			return ferrors.ErrNotFound
		}

		return json.Unmarshal(v, &rec)
	})

	return rec, err
}

// Pending returns up to limit pending, non-rejected records of a
// resource in creation order. A limit of zero or less means no limit.
func (s *Store) Pending(resource models.Resource, limit int) ([]models.Record, error) {
	var out []models.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, resource)
		if err != nil {
			return err
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding %s/%s: %w", resource, k, err)
			}

			if !rec.PendingSync || rec.Rejected {
				continue
			}

			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}

		return nil
	})

	return out, err
}

// PendingCount returns the number of pending records across all
// resources, rejected ones included.
func (s *Store) PendingCount() (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		for _, spec := range models.Registry {
			b, err := bucket(tx, spec.Name)
			if err != nil {
				return err
			}

			err = b.ForEach(func(_, v []byte) error {
				var rec models.Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}

				if rec.PendingSync {
					count++
				}

				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})

	return count, err
}

// All returns every record of a resource in creation order.
func (s *Store) All(resource models.Resource) ([]models.Record, error) {
	var out []models.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, resource)
		if err != nil {
			return err
		}

		return b.ForEach(func(_, v []byte) error {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			out = append(out, rec)

			return nil
		})
	})

	return out, err
}

// FindByBusinessKey returns the first record whose business key equals
// key, or nil.
func (s *Store) FindByBusinessKey(resource models.Resource, key string) (*models.Record, error) {
	return s.find(resource, func(rec models.Record) bool {
		return rec.BusinessKey == key
	})
}

// FindByServerID returns the record with the given server id, or nil.
func (s *Store) FindByServerID(resource models.Resource, serverID string) (*models.Record, error) {
	return s.find(resource, func(rec models.Record) bool {
		return rec.ServerID == serverID
	})
}

// FindByName returns the first record for which match(rec.Name) is
// true, or nil. Callers supply the comparison so name folding stays
// with the resolver.
func (s *Store) FindByName(resource models.Resource, match func(name string) bool) (*models.Record, error) {
	return s.find(resource, func(rec models.Record) bool {
		return rec.Name != "" && match(rec.Name)
	})
}

// UpsertRemote applies a downloaded item matched on business key. A
// local record with unsynced edits is left alone and applied is false.
func (s *Store) UpsertRemote(resource models.Resource, key, serverID, name string, data json.RawMessage, at time.Time) (applied bool, err error) {
	at = at.UTC()

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, resource)
		if err != nil {
			return err
		}

		var existing *models.Record

		err = b.ForEach(func(_, v []byte) error {
			if existing != nil {
				return nil
			}

			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			if (key != "" && rec.BusinessKey == key) || (serverID != "" && rec.ServerID == serverID) {
				existing = &rec
			}

			return nil
		})
		if err != nil {
			return err
		}

		if existing == nil {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generating local id: %w", err)
			}

			applied = true

			return putRecord(tx, models.Record{
				LocalID:     id.String(),
				Resource:    resource,
				ServerID:    serverID,
				LastSync:    &at,
				CreatedAt:   at,
				UpdatedAt:   at,
				Name:        name,
				BusinessKey: key,
				Data:        data,
			})
		}

		if existing.PendingSync {
			return nil
		}

		if existing.ServerID == "" {
			existing.ServerID = serverID
		}

		existing.Data = data
		existing.LastSync = &at
		existing.UpdatedAt = at

		if name != "" {
			existing.Name = name
		}

		applied = true

		return putRecord(tx, *existing)
	})

	return applied, err
}

// LastSyncTimestamp returns the last completed cycle time, or nil.
func (s *Store) LastSyncTimestamp() (*time.Time, error) {
	return s.metaTime(lastSyncKey)
}

// SetLastSyncTimestamp persists the last completed cycle time.
func (s *Store) SetLastSyncTimestamp(t time.Time) error {
	return s.setMetaTime(lastSyncKey, t)
}

// DownloadWatermark returns the time of the last complete download of
// resource, or nil when it has never fully downloaded.
func (s *Store) DownloadWatermark(resource models.Resource) (*time.Time, error) {
	return s.metaTime(watermarkKey(resource))
}

// SetDownloadWatermark records that every remote change of resource up
// to t has been applied locally.
func (s *Store) SetDownloadWatermark(resource models.Resource, t time.Time) error {
	return s.setMetaTime(watermarkKey(resource), t)
}

func watermarkKey(resource models.Resource) []byte {
	return []byte(watermarkPrefix + string(resource))
}

func (s *Store) metaTime(key []byte) (*time.Time, error) {
	var ts *time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(key)
		if v == nil {
			return nil
		}

		t, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}

		ts = &t

		return nil
	})

	return ts, err
}

func (s *Store) setMetaTime(key []byte, t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(key, []byte(t.UTC().Format(time.RFC3339Nano)))
	})
}

// LoadStats returns persisted rolling stats, zero valued when absent.
func (s *Store) LoadStats() (models.Stats, error) {
	var st models.Stats

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(statsKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &st)
	})

	if st.PerResource == nil {
		st.PerResource = make(map[models.Resource]models.ResourceStats)
	}

	return st, err
}

// SaveStats persists rolling stats.
func (s *Store) SaveStats(st models.Stats) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(statsKey, data)
	})
}

func (s *Store) mutate(resource models.Resource, localID string, fn func(rec *models.Record)) (models.Record, error) {
	var rec models.Record

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, resource)
		if err != nil {
			return err
		}

		v := b.Get([]byte(localID))
		if v == nil {
			return ferrors.ErrNotFound
		}

		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		fn(&rec)
		rec.UpdatedAt = s.now().UTC()

		return putRecord(tx, rec)
	})
	if err != nil {
		return models.Record{}, fmt.Errorf("updating %s/%s: %w", resource, localID, err)
	}

	return rec, nil
}

func (s *Store) find(resource models.Resource, match func(models.Record) bool) (*models.Record, error) {
	var found *models.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, resource)
		if err != nil {
			return err
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			if match(rec) {
				found = &rec
				return nil
			}
		}

		return nil
	})

	return found, err
}

func bucket(tx *bolt.Tx, resource models.Resource) (*bolt.Bucket, error) {
	b := tx.Bucket(recordBucket(resource))
	if b == nil {
		return nil, fmt.Errorf("unknown resource %q", resource)
	}

	return b, nil
}

func putRecord(tx *bolt.Tx, rec models.Record) error {
	b, err := bucket(tx, rec.Resource)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return b.Put([]byte(rec.LocalID), data)
}
