// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package ps

import (
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when there is no entry for a UUID.
	ErrNotFound = errors.New("no entry for UUID")

	// ErrAlreadyExists is returned when adding an entry for a UUID that already has one.
	ErrAlreadyExists = errors.New("an entry already exists for UUID")
)

// Entry is a registered key.
type Entry struct {
	UUID           uuid.UUID
	ParentUUID     uuid.UUID
	ParentLocation uint32 // the storage location of the parent, as understood by the caller
	Blob           []byte
}

// Store is a table of registered keys. Implementations are safe to use from multiple
// goroutines.
type Store interface {
	// Put adds a new entry. It returns ErrAlreadyExists if there is already an entry with
	// the same UUID.
	Put(e *Entry) error

	// Get returns the entry for the specified UUID, or ErrNotFound.
	Get(id uuid.UUID) (*Entry, error)

	// Delete removes the entry for the specified UUID, or returns ErrNotFound.
	Delete(id uuid.UUID) error

	// List returns every entry, ordered by UUID.
	List() ([]*Entry, error)

	// Close releases the resources associated with this store.
	Close() error
}

func copyEntry(e *Entry) *Entry {
	out := *e
	out.Blob = append([]byte(nil), e.Blob...)
	return &out
}
