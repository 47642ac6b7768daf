// Package builddb provides build database functionality using bbolt
// for persistent tracking of image builds, their stages and the inputs each
// successful build was made from.
package builddb

import (
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for bbolt database
const (
	BucketBuilds = "builds"
	BucketStages = "stages"
	BucketImages = "images"
)

// Build status values.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// DB wraps a bbolt database for build tracking
type DB struct {
	db   *bolt.DB
	path string
}

// BuildRecord represents a single build of an image definition.
type BuildRecord struct {
	UUID       string    `json:"uuid"`
	Image      string    `json:"image"`      // source image path
	Definition string    `json:"definition"` // build definition file
	Level      int       `json:"level"`
	Output     string    `json:"output,omitempty"`
	InputCRC   uint32    `json:"input_crc"`
	Status     string    `json:"status"` // "running" | "success" | "failed"
	Error      string    `json:"error,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

// Duration returns how long the build ran, or has been running.
func (r *BuildRecord) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// OpenDB opens or creates a bbolt database at the given path.
// It automatically initializes the required buckets (builds, stages, images)
// if they don't exist. The database is opened with 0600 permissions.
//
// Example:
//
//	db, err := OpenDB("/work/builds.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
func OpenDB(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &DatabaseError{Op: "open", Err: err}
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{BucketBuilds, BucketStages, BucketImages} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return &DatabaseError{Op: "create bucket", Bucket: name, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &DB{
		db:   bdb,
		path: path,
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection and flushes any pending writes to disk.
// It is safe to call Close multiple times.
func (db *DB) Close() error {
	if db.db == nil {
		return nil
	}
	err := db.db.Close()
	db.db = nil
	return err
}

// SaveRecord stores a BuildRecord in the database, keyed by its UUID.
func (db *DB) SaveRecord(rec *BuildRecord) error {
	if rec.UUID == "" {
		return &ValidationError{Field: "record.UUID", Err: ErrEmptyUUID}
	}
	if db.db == nil {
		return ErrDatabaseNotOpen
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return &RecordError{Op: "marshal", UUID: rec.UUID, Err: err}
	}

	err = db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketBuilds))
		if bucket == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketBuilds, Err: ErrBucketNotFound}
		}
		return bucket.Put([]byte(rec.UUID), data)
	})
	if err != nil {
		return &RecordError{Op: "save", UUID: rec.UUID, Err: err}
	}
	return nil
}

// GetRecord retrieves a BuildRecord by its UUID.
func (db *DB) GetRecord(uuid string) (*BuildRecord, error) {
	if uuid == "" {
		return nil, &ValidationError{Field: "uuid", Err: ErrEmptyUUID}
	}
	if db.db == nil {
		return nil, ErrDatabaseNotOpen
	}

	var rec BuildRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketBuilds))
		if bucket == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketBuilds, Err: ErrBucketNotFound}
		}

		data := bucket.Get([]byte(uuid))
		if data == nil {
			return &RecordError{Op: "get", UUID: uuid, Err: ErrRecordNotFound}
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FinishBuild marks a build as finished. A successful build also becomes the
// latest build of its image. errMsg is recorded for failed builds.
func (db *DB) FinishBuild(uuid, status, output, errMsg string, endTime time.Time) error {
	if uuid == "" {
		return &ValidationError{Field: "uuid", Err: ErrEmptyUUID}
	}
	if db.db == nil {
		return ErrDatabaseNotOpen
	}

	err := db.db.Update(func(tx *bolt.Tx) error {
		builds := tx.Bucket([]byte(BucketBuilds))
		if builds == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketBuilds, Err: ErrBucketNotFound}
		}

		data := builds.Get([]byte(uuid))
		if data == nil {
			return &RecordError{Op: "finish", UUID: uuid, Err: ErrRecordNotFound}
		}

		var rec BuildRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return &RecordError{Op: "unmarshal", UUID: uuid, Err: err}
		}
		rec.Status = status
		rec.Output = output
		rec.Error = errMsg
		rec.EndTime = endTime

		updated, err := json.Marshal(&rec)
		if err != nil {
			return &RecordError{Op: "marshal", UUID: uuid, Err: err}
		}
		if err := builds.Put([]byte(uuid), updated); err != nil {
			return err
		}

		// the index is updated in the same transaction so it never points
		// at a build that is not marked successful
		if status == StatusSuccess {
			images := tx.Bucket([]byte(BucketImages))
			if images == nil {
				return &DatabaseError{Op: "get bucket", Bucket: BucketImages, Err: ErrBucketNotFound}
			}
			return images.Put([]byte(rec.Image), []byte(uuid))
		}
		return nil
	})
	if err != nil {
		return &RecordError{Op: "finish", UUID: uuid, Err: err}
	}
	return nil
}

// ListBuilds returns build records, newest first. A limit of zero or less
// returns all of them.
func (db *DB) ListBuilds(limit int) ([]BuildRecord, error) {
	if db.db == nil {
		return nil, ErrDatabaseNotOpen
	}

	var records []BuildRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketBuilds))
		if bucket == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketBuilds, Err: ErrBucketNotFound}
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec BuildRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return &RecordError{Op: "unmarshal", UUID: string(k), Err: err}
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartTime.After(records[j].StartTime)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// ActiveBuilds returns the builds that have not finished, for example
// because the process was killed.
func (db *DB) ActiveBuilds() ([]BuildRecord, error) {
	all, err := db.ListBuilds(0)
	if err != nil {
		return nil, err
	}

	var active []BuildRecord
	for _, rec := range all {
		if rec.EndTime.IsZero() {
			active = append(active, rec)
		}
	}
	return active, nil
}

// LatestFor returns the most recent successful build of image, or nil with
// no error when there is none.
func (db *DB) LatestFor(image string) (*BuildRecord, error) {
	if db.db == nil {
		return nil, ErrDatabaseNotOpen
	}

	var rec *BuildRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		images := tx.Bucket([]byte(BucketImages))
		if images == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketImages, Err: ErrBucketNotFound}
		}

		uuid := images.Get([]byte(image))
		if uuid == nil {
			return nil
		}

		builds := tx.Bucket([]byte(BucketBuilds))
		if builds == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketBuilds, Err: ErrBucketNotFound}
		}

		data := builds.Get(uuid)
		if data == nil {
			return &ImageIndexError{Op: "validate", Image: image, Err: ErrOrphanedRecord}
		}

		rec = &BuildRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return &RecordError{Op: "unmarshal", UUID: string(uuid), Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, &ImageIndexError{Op: "lookup", Image: image, Err: err}
	}
	return rec, nil
}

// Backup writes a consistent copy of the database to path while it stays
// open for writers.
func (db *DB) Backup(path string) error {
	if db.db == nil {
		return ErrDatabaseNotOpen
	}
	err := db.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
	if err != nil {
		return &DatabaseError{Op: "backup", Err: err}
	}
	return nil
}
