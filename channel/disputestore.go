// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package channel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v2"

	"perun.network/stellar-multichannel/wire"
)

// MemDisputeStore keeps dispute records in memory. Suitable for tests and
// single-run tools; production resolvers use the badger-backed store.
type MemDisputeStore struct {
	mu      sync.Mutex
	records map[wire.ChannelID]Dispute
}

// NewMemDisputeStore creates an empty in-memory dispute store.
func NewMemDisputeStore() *MemDisputeStore {
	return &MemDisputeStore{records: make(map[wire.ChannelID]Dispute)}
}

func (s *MemDisputeStore) Put(d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[d.ChannelID] = *d
	return nil
}

func (s *MemDisputeStore) Get(cid wire.ChannelID) (*Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[cid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, cid)
	}
	out := rec
	return &out, nil
}

func (s *MemDisputeStore) List() ([]*Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Dispute, 0, len(s.records))
	for _, rec := range s.records {
		cp := rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemDisputeStore) Delete(cid wire.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, cid)
	return nil
}

var disputeKeyPrefix = []byte("dispute/")

// BadgerDisputeStore persists dispute records in a badger database so that
// in-flight challenge windows survive process restarts.
type BadgerDisputeStore struct {
	db *badger.DB
}

// NewBadgerDisputeStore opens (or creates) the dispute database at dir.
func NewBadgerDisputeStore(dir string) (*BadgerDisputeStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("opening dispute store: %w", err)
	}
	return &BadgerDisputeStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerDisputeStore) Close() error {
	return s.db.Close()
}

func disputeKey(cid wire.ChannelID) []byte {
	return append(append([]byte{}, disputeKeyPrefix...), cid[:]...)
}

func (s *BadgerDisputeStore) Put(d *Dispute) error {
	val, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(disputeKey(d.ChannelID), val)
	})
}

func (s *BadgerDisputeStore) Get(cid wire.ChannelID) (*Dispute, error) {
	var rec Dispute
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(disputeKey(cid))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return rec.UnmarshalBinary(val)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDisputeNotFound, cid)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BadgerDisputeStore) List() ([]*Dispute, error) {
	var out []*Dispute
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = disputeKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Dispute
			err := it.Item().Value(func(val []byte) error {
				return rec.UnmarshalBinary(val)
			})
			if err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func (s *BadgerDisputeStore) Delete(cid wire.ChannelID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(disputeKey(cid))
	})
}
