// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package journal keeps a durable record of faults that were injected but
// not yet restored. If a run dies between blocking paths and unblocking them,
// the next run (or "mpathcert recover") finds the entry here and undoes the
// block.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
)

var (
	mode          = 0600
	pendingBucket = []byte("pending")
)

// Entry is one outstanding fault.
type Entry struct {
	ID uint64 `json:"-"`

	// Mode is the injection mode, and PathHandler the handler that did the
	// blocking. Recovery needs both to undo it.
	Mode        string `json:"mode"`
	PathHandler string `json:"path_handler"`

	Device    string    `json:"device"`
	Iteration int       `json:"iteration"`
	Started   time.Time `json:"started"`

	// Injection is zero until Commit. An entry that was never committed
	// crashed while the handler was running, so what it blocked is unknown.
	Injection core.FaultInjection `json:"injection"`
	Committed bool                `json:"committed"`
}

// Journal is an on-disk set of Entries backed by boltdb.
type Journal struct {
	db *bolt.DB
}

// Open opens the journal at 'path', creating it if needed.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, os.FileMode(mode), &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, core.ErrPrecondition.Errorf("failed to open journal %s: %s", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, core.ErrPrecondition.Errorf("failed to create journal bucket: %s", err)
	}
	return &Journal{db: db}, nil
}

// Begin records that a fault is about to be injected and returns the ID of
// the new entry.
func (j *Journal) Begin(e Entry) (uint64, error) {
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = id
		return put(b, e)
	})
	if err != nil {
		log.Errorf("failed to journal fault: %s", err)
		return 0, core.ErrIO.Errorf("journal begin: %s", err)
	}
	return e.ID, nil
}

// Commit stores what the injection actually did.
func (j *Journal) Commit(id uint64, fi core.FaultInjection) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		e, err := get(b, id)
		if err != nil {
			return err
		}
		e.Injection = fi
		e.Committed = true
		return put(b, e)
	})
	if err != nil {
		log.Errorf("failed to commit fault %d: %s", id, err)
		return core.ErrIO.Errorf("journal commit: %s", err)
	}
	return nil
}

// Done removes the entry once the fault has been restored.
func (j *Journal) Done(id uint64) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete(key(id))
	})
	if err != nil {
		log.Errorf("failed to clear fault %d: %s", id, err)
		return core.ErrIO.Errorf("journal done: %s", err)
	}
	return nil
}

// Pending returns all outstanding entries, oldest first.
func (j *Journal) Pending() ([]Entry, error) {
	var out []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			e.ID = binary.BigEndian.Uint64(k)
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, core.ErrIO.Errorf("journal read: %s", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func key(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func put(b *bolt.Bucket, e Entry) error {
	v, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.Put(key(e.ID), v)
}

func get(b *bolt.Bucket, id uint64) (Entry, error) {
	v := b.Get(key(id))
	if v == nil {
		return Entry{}, core.ErrInvalidArgument.Errorf("no journal entry %d", id)
	}
	var e Entry
	if err := json.Unmarshal(v, &e); err != nil {
		return Entry{}, err
	}
	e.ID = id
	return e, nil
}
