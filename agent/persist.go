package main

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"collabtext/crdt"
)

var roomsBucket = []byte("rooms")

// persister keeps each text room's CRDT state on disk so edits made
// while the relay is unreachable survive an agent restart.
type persister struct {
	db *bolt.DB
}

func openPersister(path string) (*persister, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing %s: %w", path, err)
	}
	return &persister{db: db}, nil
}

func (p *persister) Close() error { return p.db.Close() }

func (p *persister) save(room string, u crdt.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).Put([]byte(room), data)
	})
}

// load returns the stored state of room, if any.
func (p *persister) load(room string) (crdt.Update, bool, error) {
	var u crdt.Update
	found := false
	err := p.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(roomsBucket).Get([]byte(room))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return crdt.Update{}, false, fmt.Errorf("loading %s: %w", room, err)
	}
	return u, found, nil
}

// rooms lists the rooms with stored state.
func (p *persister) rooms() ([]string, error) {
	var out []string
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}
