// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package ps

import (
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/canonical/go-tss/mu"
)

var keysBucket = []byte("keys")

// record is the value stored for each entry, keyed by the UUID.
type record struct {
	ParentUUID     uuid.UUID
	ParentLocation uint32
	Blob           []byte
}

type boltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens or creates the bbolt database at path as a Store.
func OpenBoltStore(path string) (Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, xerrors.Errorf("cannot open database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, xerrors.Errorf("cannot create bucket: %w", err)
	}
	return &boltStore{db: db}, nil
}

func decodeRecord(k, v []byte) (*Entry, error) {
	id, err := uuid.FromBytes(k)
	if err != nil {
		return nil, xerrors.Errorf("invalid key: %w", err)
	}
	var r record
	if _, err := mu.UnmarshalFromBytes(v, &r); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal record for %v: %w", id, err)
	}
	return &Entry{UUID: id, ParentUUID: r.ParentUUID, ParentLocation: r.ParentLocation, Blob: r.Blob}, nil
}

func (s *boltStore) Put(e *Entry) error {
	data, err := mu.MarshalToBytes(&record{ParentUUID: e.ParentUUID, ParentLocation: e.ParentLocation, Blob: e.Blob})
	if err != nil {
		return xerrors.Errorf("cannot marshal record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(keysBucket)
		if b.Get(e.UUID[:]) != nil {
			return ErrAlreadyExists
		}
		return b.Put(e.UUID[:], data)
	})
}

func (s *boltStore) Get(id uuid.UUID) (e *Entry, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(keysBucket).Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		e, err = decodeRecord(id[:], v)
		return err
	})
	return e, err
}

func (s *boltStore) Delete(id uuid.UUID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(keysBucket)
		if b.Get(id[:]) == nil {
			return ErrNotFound
		}
		return b.Delete(id[:])
	})
}

func (s *boltStore) List() (out []*Entry, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(keysBucket).ForEach(func(k, v []byte) error {
			e, err := decodeRecord(k, v)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
