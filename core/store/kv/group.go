package kv

import (
	"encoding/json"

	"go.dedis.ch/ballot/core/store"
	"go.dedis.ch/ballot/core/types"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

func readGroup(bucket *bbolt.Bucket, key []byte) (types.Group, error) {
	data := bucket.Get(key)
	if data == nil {
		return types.Group{}, store.ErrNotFound
	}

	var g types.Group
	err := json.Unmarshal(data, &g)
	if err != nil {
		return types.Group{}, xerrors.Errorf("failed to decode group: %v", err)
	}

	return g, nil
}

// GetGroup implements store.GroupStore.
func (db *DB) GetGroup(id types.ID) (types.Group, error) {
	var g types.Group

	err := db.bolt.View(func(tx *bbolt.Tx) error {
		var err error
		g, err = readGroup(tx.Bucket(bucketGroups), id.Bytes())
		return err
	})
	if err != nil {
		return types.Group{}, xerrors.Errorf("failed to read group %s: %w", id, err)
	}

	return g, nil
}

// GroupByName implements store.GroupStore.
func (db *DB) GroupByName(name string) (types.Group, error) {
	var g types.Group

	err := db.bolt.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketGroupNames).Get([]byte(name))
		if id == nil {
			return store.ErrNotFound
		}

		var err error
		g, err = readGroup(tx.Bucket(bucketGroups), id)
		return err
	})
	if err != nil {
		return types.Group{}, xerrors.Errorf("failed to read group '%s': %w", name, err)
	}

	return g, nil
}

// GroupsByStatus implements store.GroupStore.
func (db *DB) GroupsByStatus(status types.GroupStatus) ([]types.Group, error) {
	var groups []types.Group

	err := db.bolt.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketGroups)

		return scan(tx.Bucket(bucketGroupStatus), string(status), func(id []byte) error {
			g, err := readGroup(records, id)
			if err != nil {
				return err
			}

			groups = append(groups, g)

			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to list %s groups: %v", status, err)
	}

	return groups, nil
}

// SaveGroup implements store.GroupStore. The name index makes the name
// unique across groups.
func (db *DB) SaveGroup(g types.Group) error {
	data, err := json.Marshal(g)
	if err != nil {
		return xerrors.Errorf("failed to encode group: %v", err)
	}

	return db.bolt.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketGroups)
		statuses := tx.Bucket(bucketGroupStatus)
		names := tx.Bucket(bucketGroupNames)

		owner := names.Get([]byte(g.Name))
		if owner != nil && string(owner) != string(g.ID.Bytes()) {
			return xerrors.Errorf("group '%s': %w", g.Name, store.ErrDuplicateName)
		}

		prev, err := readGroup(records, g.ID.Bytes())
		if err == nil {
			err = statuses.Delete(indexKey(string(prev.Status), g.ID))
			if err != nil {
				return xerrors.Errorf("failed to clear index: %v", err)
			}

			err = names.Delete([]byte(prev.Name))
			if err != nil {
				return xerrors.Errorf("failed to clear name: %v", err)
			}
		} else if !xerrors.Is(err, store.ErrNotFound) {
			return err
		}

		err = records.Put(g.ID.Bytes(), data)
		if err != nil {
			return xerrors.Errorf("failed to write group: %v", err)
		}

		err = statuses.Put(indexKey(string(g.Status), g.ID), []byte{})
		if err != nil {
			return xerrors.Errorf("failed to write index: %v", err)
		}

		err = names.Put([]byte(g.Name), g.ID.Bytes())
		if err != nil {
			return xerrors.Errorf("failed to write name: %v", err)
		}

		return nil
	})
}

// DeleteGroup implements store.GroupStore.
func (db *DB) DeleteGroup(id types.ID) error {
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketGroups)

		prev, err := readGroup(records, id.Bytes())
		if xerrors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		err = tx.Bucket(bucketGroupStatus).Delete(indexKey(string(prev.Status), id))
		if err != nil {
			return xerrors.Errorf("failed to clear index: %v", err)
		}

		err = tx.Bucket(bucketGroupNames).Delete([]byte(prev.Name))
		if err != nil {
			return xerrors.Errorf("failed to clear name: %v", err)
		}

		return records.Delete(id.Bytes())
	})
}
