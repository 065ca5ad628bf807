// tagfilter.go - Packet replay filter.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package tagfilter detects replayed packets by their per-hop tag.
//
// Tags are kept in two generations. Once the current generation's bloom
// filter is full it becomes the previous one and a fresh generation is
// started, so a tag is remembered for at least one full generation. When
// backed by a database the tags are written back to it and the filters are
// rebuilt on the next start.
package tagfilter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ticketmix/core/sphinx"
	"github.com/katzenpost/ticketmix/core/worker"
)

// TagLength is the replay tag length in bytes.
const TagLength = sphinx.ReplayTagLength

const (
	metadataBucket = "metadata"
	generationKey  = "generation"

	writeBackInterval = 10 * time.Second
	writeBackSize     = 4096
)

// ErrTagReplay is returned for a tag that has been seen before.
var ErrTagReplay = errors.New("tagfilter: packet tag replay")

type generation struct {
	id uint64
	f  *bloom.Filter
}

func (g *generation) bucket() []byte {
	return []byte(fmt.Sprintf("tags-%d", g.id))
}

// Filter is a replay filter over packet tags.
type Filter struct {
	worker.Worker
	sync.Mutex

	db   *bolt.DB
	log  *logging.Logger
	mLn2 int

	cur, prev *generation
	writeBack map[[TagLength]byte]bool
	flushCh   chan struct{}
}

func (f *Filter) newGeneration(id uint64) (*generation, error) {
	bf, err := bloom.New(rand.Reader, f.mLn2, 0.001)
	if err != nil {
		return nil, err
	}
	return &generation{id: id, f: bf}, nil
}

// IsReplay marks a given replay tag as seen, and returns true iff the tag has
// been seen previously (Test and Set).
func (f *Filter) IsReplay(rawTag []byte) bool {
	return f.Check(rawTag) != nil
}

// Check is IsReplay returning ErrTagReplay, or the error of the backing
// database.
func (f *Filter) Check(rawTag []byte) error {
	// Treat all pathologically malformed tags as replays.
	if len(rawTag) != TagLength {
		return ErrTagReplay
	}
	var tag [TagLength]byte
	copy(tag[:], rawTag)

	f.Lock()
	defer f.Unlock()

	// A full filter would push the false replay rate past the configured
	// one.
	if f.cur.f.Entries() >= f.cur.f.MaxEntries() {
		if err := f.rotate(); err != nil {
			return err
		}
	}

	inPrev := f.prev != nil && f.prev.f.Test(tag[:])
	if !f.cur.f.TestAndSet(tag[:]) && !inPrev {
		if f.db != nil {
			f.writeBack[tag] = true
			if len(f.writeBack) >= writeBackSize {
				select {
				case f.flushCh <- struct{}{}:
				default:
				}
			}
		}
		return nil
	}

	// Slow path, either a false positive or a replay.
	if f.writeBack[tag] {
		return ErrTagReplay
	}
	if f.db == nil {
		return ErrTagReplay
	}
	isReplay := false
	if err := f.db.Update(func(tx *bolt.Tx) error {
		for _, g := range []*generation{f.cur, f.prev} {
			if g == nil {
				continue
			}
			if bkt := tx.Bucket(g.bucket()); bkt != nil && bkt.Get(tag[:]) != nil {
				isReplay = true
				return nil
			}
		}
		return tx.Bucket(f.cur.bucket()).Put(tag[:], []byte{})
	}); err != nil {
		return fmt.Errorf("tagfilter: failed to query the replay database: %w", err)
	}
	if isReplay {
		return ErrTagReplay
	}
	return nil
}

// rotate retires the previous generation and starts a new one. The caller
// must hold the lock.
func (f *Filter) rotate() error {
	next, err := f.newGeneration(f.cur.id + 1)
	if err != nil {
		return err
	}
	if f.db != nil {
		if err = f.flush(); err != nil {
			return err
		}
		if err = f.db.Update(func(tx *bolt.Tx) error {
			if f.prev != nil {
				if err := tx.DeleteBucket(f.prev.bucket()); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
					return err
				}
			}
			if _, err := tx.CreateBucketIfNotExists(next.bucket()); err != nil {
				return err
			}
			return putGeneration(tx, next.id)
		}); err != nil {
			return fmt.Errorf("tagfilter: failed to rotate the replay database: %w", err)
		}
	}
	f.log.Noticef("Replay filter full with %d tags, starting generation %d", f.cur.f.Entries(), next.id)
	f.prev, f.cur = f.cur, next
	return nil
}

// flush writes pending tags to the current generation's bucket. The caller
// must hold the lock.
func (f *Filter) flush() error {
	if len(f.writeBack) == 0 {
		return nil
	}
	if err := f.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(f.cur.bucket())
		for tag := range f.writeBack {
			if err := bkt.Put(tag[:], []byte{}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	f.writeBack = make(map[[TagLength]byte]bool)
	return nil
}

func (f *Filter) worker() {
	ticker := time.NewTicker(writeBackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.HaltCh():
			return
		case <-f.flushCh:
		case <-ticker.C:
		}
		f.Lock()
		if err := f.flush(); err != nil {
			f.log.Errorf("Failed to flush replay tags: %v", err)
		}
		f.Unlock()
	}
}

// Entries returns the number of tags in the current generation.
func (f *Filter) Entries() int {
	f.Lock()
	defer f.Unlock()
	return f.cur.f.Entries()
}

// Generation returns the id of the current generation.
func (f *Filter) Generation() uint64 {
	f.Lock()
	defer f.Unlock()
	return f.cur.id
}

// Close flushes pending tags and closes the backing database.
func (f *Filter) Close() error {
	f.Halt()
	if f.db == nil {
		return nil
	}
	f.Lock()
	defer f.Unlock()
	if err := f.flush(); err != nil {
		f.log.Errorf("Failed to flush replay tags: %v", err)
	}
	return f.db.Close()
}

func putGeneration(tx *bolt.Tx, id uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return tx.Bucket([]byte(metadataBucket)).Put([]byte(generationKey), b[:])
}

func (f *Filter) load() error {
	return f.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		var id uint64
		if b := bkt.Get([]byte(generationKey)); b != nil {
			if len(b) != 8 {
				return fmt.Errorf("tagfilter: corrupted generation entry")
			}
			id = binary.BigEndian.Uint64(b)
		} else if err = putGeneration(tx, id); err != nil {
			return err
		}

		// Rebuild the bloom filters.
		if f.cur, err = f.newGeneration(id); err != nil {
			return err
		}
		cur, err := tx.CreateBucketIfNotExists(f.cur.bucket())
		if err != nil {
			return err
		}
		_ = cur.ForEach(func(tag, _ []byte) error {
			f.cur.f.TestAndSet(tag)
			return nil
		})
		if id == 0 {
			return nil
		}
		prev, err := f.newGeneration(id - 1)
		if err != nil {
			return err
		}
		if bkt := tx.Bucket(prev.bucket()); bkt != nil {
			_ = bkt.ForEach(func(tag, _ []byte) error {
				prev.f.TestAndSet(tag)
				return nil
			})
			f.prev = prev
		}
		return nil
	})
}

// New creates a filter whose generations are 2^mLn2 bits each, with a
// false positive rate of 0.001. Tags are persisted to the database at path,
// unless path is empty.
func New(path string, mLn2 int, log *logging.Logger) (*Filter, error) {
	f := &Filter{
		log:       log,
		mLn2:      mLn2,
		writeBack: make(map[[TagLength]byte]bool),
		flushCh:   make(chan struct{}, 1),
	}
	if path == "" {
		var err error
		f.cur, err = f.newGeneration(0)
		return f, err
	}

	var err error
	if f.db, err = bolt.Open(path, 0600, nil); err != nil {
		return nil, err
	}
	if err = f.load(); err != nil {
		f.db.Close()
		return nil, err
	}
	f.log.Debugf("Loaded replay filter generation %d with %d tags", f.cur.id, f.cur.f.Entries())
	f.Go(f.worker)
	return f, nil
}
