package kv

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/ballot/core/store"
	"go.dedis.ch/ballot/core/types"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

type intentRecord struct {
	BallotID string
	Target   types.Status
	Hash     common.Hash
}

// SaveIntent implements store.IntentStore.
func (db *DB) SaveIntent(i store.Intent) error {
	data, err := json.Marshal(intentRecord{
		BallotID: i.BallotID.String(),
		Target:   i.Target,
		Hash:     i.Hash,
	})
	if err != nil {
		return xerrors.Errorf("failed to encode intent: %v", err)
	}

	return db.bolt.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketIntents).Put(i.BallotID.Bytes(), data)
		if err != nil {
			return xerrors.Errorf("failed to write intent: %v", err)
		}

		return nil
	})
}

// Intents implements store.IntentStore. The intents are returned in the
// order of the ballot identifiers.
func (db *DB) Intents() ([]store.Intent, error) {
	var intents []store.Intent

	err := db.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIntents).ForEach(func(k, v []byte) error {
			var rec intentRecord

			err := json.Unmarshal(v, &rec)
			if err != nil {
				return xerrors.Errorf("failed to decode intent: %v", err)
			}

			id, err := types.ParseID(rec.BallotID)
			if err != nil {
				return err
			}

			intents = append(intents, store.Intent{
				BallotID: id,
				Target:   rec.Target,
				Hash:     rec.Hash,
			})

			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to list intents: %v", err)
	}

	return intents, nil
}

// DeleteIntent implements store.IntentStore.
func (db *DB) DeleteIntent(id types.ID) error {
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIntents).Delete(id.Bytes())
	})
}
