// Package kv implements the ballot and group stores on top of bbolt
// (https://github.com/etcd-io/bbolt).
//
// Records are JSON documents keyed by their identifier. Secondary buckets
// index the records by status, and groups by name, and are updated in the
// same transaction as the record. The journal of the transitions waiting for
// a local commit lives in its own bucket.
package kv

import (
	"bytes"

	"go.dedis.ch/ballot/core/types"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var (
	bucketBallots      = []byte("ballots")
	bucketBallotStatus = []byte("ballots_status")
	bucketGroups       = []byte("groups")
	bucketGroupStatus  = []byte("groups_status")
	bucketGroupNames   = []byte("groups_name")
	bucketIntents      = []byte("intents")
)

var allBuckets = [][]byte{
	bucketBallots,
	bucketBallotStatus,
	bucketGroups,
	bucketGroupStatus,
	bucketGroupNames,
	bucketIntents,
}

// fileMode is the permission of the database file, which holds the owner keys
// of the ballots.
const fileMode = 0600

// DB is a bbolt database storing ballots and groups.
//
// - implements store.BallotStore
// - implements store.GroupStore
// - implements store.IntentStore
type DB struct {
	bolt *bbolt.DB
}

// New opens the database at the path and creates the buckets if necessary.
func New(path string) (*DB, error) {
	db, err := bbolt.Open(path, fileMode, &bbolt.Options{})
	if err != nil {
		return nil, xerrors.Errorf("failed to open db: %v", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			_, err := tx.CreateBucketIfNotExists(name)
			if err != nil {
				return xerrors.Errorf("failed to create bucket '%s': %v", name, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{bolt: db}, nil
}

// Close closes the database. Any call after this one returns an error.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// indexKey builds the key of a secondary index entry.
func indexKey(prefix string, id types.ID) []byte {
	key := make([]byte, 0, len(prefix)+1+len(id))
	key = append(key, prefix...)
	key = append(key, 0)
	key = append(key, id.Bytes()...)

	return key
}

// scan calls fn with the identifier of every index entry under the prefix.
func scan(bucket *bbolt.Bucket, prefix string, fn func(id []byte) error) error {
	p := append([]byte(prefix), 0)
	cursor := bucket.Cursor()

	for k, _ := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cursor.Next() {
		err := fn(k[len(p):])
		if err != nil {
			return xerrors.Errorf("callback failed: %v", err)
		}
	}

	return nil
}
