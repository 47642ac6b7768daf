package builddb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Stage status values. Stages use the build status values plus skipped.
const (
	StageStatusSkipped = "skipped"
)

// StageRecord represents one pipeline stage that ran within a build.
type StageRecord struct {
	Seq       int       `json:"seq"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	LogPath   string    `json:"log_path,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// PutStage writes or updates a stage record of the given build. Records are
// keyed by sequence number so they list in execution order.
func (db *DB) PutStage(buildID string, stage *StageRecord) error {
	if buildID == "" {
		return &ValidationError{Field: "buildID", Err: ErrEmptyUUID}
	}
	if stage == nil {
		return fmt.Errorf("stage record is nil")
	}
	if db.db == nil {
		return ErrDatabaseNotOpen
	}

	data, err := json.Marshal(stage)
	if err != nil {
		return &RecordError{Op: "marshal stage", UUID: buildID, Err: err}
	}

	return db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketStages))
		if bucket == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketStages, Err: ErrBucketNotFound}
		}
		return bucket.Put(stageKey(buildID, stage.Seq), data)
	})
}

// ListStages returns the stage records of the given build in execution order.
func (db *DB) ListStages(buildID string) ([]StageRecord, error) {
	if buildID == "" {
		return nil, &ValidationError{Field: "buildID", Err: ErrEmptyUUID}
	}
	if db.db == nil {
		return nil, ErrDatabaseNotOpen
	}

	prefix := stagePrefix(buildID)
	var records []StageRecord

	err := db.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketStages))
		if bucket == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketStages, Err: ErrBucketNotFound}
		}

		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec StageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return &RecordError{Op: "unmarshal stage", UUID: buildID, Err: err}
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

func stageKey(buildID string, seq int) []byte {
	return append(stagePrefix(buildID), []byte(fmt.Sprintf("%04d", seq))...)
}

func stagePrefix(buildID string) []byte {
	return []byte(buildID + "\x00")
}
