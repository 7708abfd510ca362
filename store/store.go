// Package store persists mirror status and mirror log history in a
// leveldb database. Every repository has its own independent records.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

const (
	statusPrefix = "status/"
	logPrefix    = "log/"
)

// DB is the database shared by StatusStore and LogStore
type DB struct {
	db *leveldb.DB
}

// Open opens or creates the database at given path
func Open(path string) (*DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open state db at %q err:%w", path, err)
	}
	return &DB{db: db}, nil
}

// OpenMemory returns a database which is not persisted on disk
func OpenMemory() (*DB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) getJSON(key string, v any) error {
	data, err := d.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return mirror.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("unable to read %q err:%w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unable to decode %q err:%w", key, err)
	}
	return nil
}

func (d *DB) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("unable to encode %q err:%w", key, err)
	}
	if err := d.db.Put([]byte(key), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("unable to write %q err:%w", key, err)
	}
	return nil
}

func (d *DB) delete(key string) error {
	if err := d.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("unable to delete %q err:%w", key, err)
	}
	return nil
}

func (d *DB) has(key string) (bool, error) {
	return d.db.Has([]byte(key), nil)
}
