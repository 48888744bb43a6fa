package kv

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"go.dedis.ch/ballot/core/store"
	"go.dedis.ch/ballot/core/types"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// ballotRecord is the persisted form of a ballot.
type ballotRecord struct {
	ID           string
	Kind         types.Kind
	Title        string
	Content      string
	GroupScoped  bool
	GroupID      string `json:",omitempty"`
	Owner        string
	OwnerKey     string
	StartTime    int64
	FinishTime   int64
	Status       types.Status
	Candidates   []string
	Eligible     []string
	Participants uint64
	Reward       bool
	Official     bool
	Results      []uint64
}

func newBallotRecord(b types.Ballot) ballotRecord {
	rec := ballotRecord{
		ID:           b.ID.String(),
		Kind:         b.Kind,
		Title:        b.Title,
		Content:      b.Content,
		GroupScoped:  b.GroupScoped,
		Owner:        b.Owner,
		OwnerKey:     b.OwnerKey.Hex(),
		StartTime:    b.StartTime.UnixMilli(),
		FinishTime:   b.FinishTime.UnixMilli(),
		Status:       b.Status,
		Candidates:   b.Candidates,
		Eligible:     b.Eligible,
		Participants: b.Participants,
		Reward:       b.Reward,
		Official:     b.Official,
		Results:      b.Results,
	}

	if b.GroupID != nil {
		rec.GroupID = b.GroupID.String()
	}

	return rec
}

func (rec ballotRecord) toBallot() (types.Ballot, error) {
	id, err := types.ParseID(rec.ID)
	if err != nil {
		return types.Ballot{}, err
	}

	key, err := hex.DecodeString(rec.OwnerKey)
	if err != nil {
		return types.Ballot{}, xerrors.Errorf("invalid owner key: %v", err)
	}

	b := types.Ballot{
		ID:           id,
		Kind:         rec.Kind,
		Title:        rec.Title,
		Content:      rec.Content,
		GroupScoped:  rec.GroupScoped,
		Owner:        rec.Owner,
		OwnerKey:     key,
		StartTime:    time.UnixMilli(rec.StartTime),
		FinishTime:   time.UnixMilli(rec.FinishTime),
		Status:       rec.Status,
		Candidates:   rec.Candidates,
		Eligible:     rec.Eligible,
		Participants: rec.Participants,
		Reward:       rec.Reward,
		Official:     rec.Official,
		Results:      rec.Results,
	}

	if rec.GroupID != "" {
		gid, err := types.ParseID(rec.GroupID)
		if err != nil {
			return types.Ballot{}, err
		}

		b.GroupID = &gid
	}

	return b, nil
}

func readBallot(bucket *bbolt.Bucket, key []byte) (types.Ballot, error) {
	data := bucket.Get(key)
	if data == nil {
		return types.Ballot{}, store.ErrNotFound
	}

	var rec ballotRecord
	err := json.Unmarshal(data, &rec)
	if err != nil {
		return types.Ballot{}, xerrors.Errorf("failed to decode ballot: %v", err)
	}

	return rec.toBallot()
}

// GetBallot implements store.BallotStore.
func (db *DB) GetBallot(id types.ID) (types.Ballot, error) {
	var b types.Ballot

	err := db.bolt.View(func(tx *bbolt.Tx) error {
		var err error
		b, err = readBallot(tx.Bucket(bucketBallots), id.Bytes())
		return err
	})
	if err != nil {
		return types.Ballot{}, xerrors.Errorf("failed to read ballot %s: %w", id, err)
	}

	return b, nil
}

// BallotsByStatus implements store.BallotStore. The ballots are returned in
// the order of their identifiers, which is the order of creation.
func (db *DB) BallotsByStatus(status types.Status) ([]types.Ballot, error) {
	var ballots []types.Ballot

	err := db.bolt.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketBallots)

		return scan(tx.Bucket(bucketBallotStatus), string(status), func(id []byte) error {
			b, err := readBallot(records, id)
			if err != nil {
				return err
			}

			ballots = append(ballots, b)

			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to list %s ballots: %v", status, err)
	}

	return ballots, nil
}

// SaveBallot implements store.BallotStore. It replaces the status index
// entry atomically with the record.
func (db *DB) SaveBallot(b types.Ballot) error {
	data, err := json.Marshal(newBallotRecord(b))
	if err != nil {
		return xerrors.Errorf("failed to encode ballot: %v", err)
	}

	return db.bolt.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketBallots)
		index := tx.Bucket(bucketBallotStatus)

		prev, err := readBallot(records, b.ID.Bytes())
		if err == nil {
			err = index.Delete(indexKey(string(prev.Status), b.ID))
			if err != nil {
				return xerrors.Errorf("failed to clear index: %v", err)
			}
		} else if !xerrors.Is(err, store.ErrNotFound) {
			return err
		}

		err = records.Put(b.ID.Bytes(), data)
		if err != nil {
			return xerrors.Errorf("failed to write ballot: %v", err)
		}

		err = index.Put(indexKey(string(b.Status), b.ID), []byte{})
		if err != nil {
			return xerrors.Errorf("failed to write index: %v", err)
		}

		return nil
	})
}

// DeleteBallot implements store.BallotStore.
func (db *DB) DeleteBallot(id types.ID) error {
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketBallots)

		prev, err := readBallot(records, id.Bytes())
		if xerrors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		err = tx.Bucket(bucketBallotStatus).Delete(indexKey(string(prev.Status), id))
		if err != nil {
			return xerrors.Errorf("failed to clear index: %v", err)
		}

		return records.Delete(id.Bytes())
	})
}
