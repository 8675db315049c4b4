// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/canonical/go-tss/mu"
	"github.com/canonical/go-tss/ps"
)

// PSLocation identifies one of the persistent stores of a context.
type PSLocation uint32

const (
	PSLocationUser   PSLocation = 1
	PSLocationSystem PSLocation = 2
)

func (l PSLocation) String() string {
	switch l {
	case PSLocationUser:
		return "user"
	case PSLocationSystem:
		return "system"
	default:
		return fmt.Sprintf("PSLocation(%d)", uint32(l))
	}
}

// SRKUUID is the well known UUID of the storage root key, which is implicitly registered in
// system storage.
var SRKUUID = uuid.UUID{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}

// KeyInfo describes a registered key.
type KeyInfo struct {
	UUID           uuid.UUID
	Location       PSLocation
	ParentUUID     uuid.UUID
	ParentLocation PSLocation
	Usage          KeyUsage
	Flags          KeyFlags
	AuthUsage      AuthDataUsage
}

func isSRK(location PSLocation, id uuid.UUID) bool {
	return location == PSLocationSystem && id == SRKUUID
}

func (c *Context) store(op, name string, location PSLocation) (ps.Store, error) {
	switch location {
	case PSLocationUser:
		return c.userPS, nil
	case PSLocationSystem:
		return c.systemPS, nil
	default:
		return nil, makeInvalidArgError(op, name, fmt.Sprintf("invalid location %d", uint32(location)))
	}
}

func (c *Context) lookupEntry(op string, location PSLocation, id uuid.UUID) (*ps.Entry, error) {
	store, err := c.store(op, "location", location)
	if err != nil {
		return nil, err
	}
	e, err := store.Get(id)
	switch {
	case xerrors.Is(err, ps.ErrNotFound):
		return nil, newError(ErrorKindPSKeyNotFound, op, fmt.Sprintf("no key registered with UUID %v in %v storage", id, location))
	case err != nil:
		return nil, xerrors.Errorf("cannot read from %v storage: %w", location, err)
	}
	return e, nil
}

func (c *Context) srkInfo() KeyInfo {
	return KeyInfo{
		UUID:           SRKUUID,
		Location:       PSLocationSystem,
		ParentLocation: PSLocationSystem,
		Usage:          KeyUsageStorage,
		AuthUsage:      AuthAlways}
}

func entryInfo(location PSLocation, e *ps.Entry) (KeyInfo, error) {
	var blob Key12
	if _, err := mu.UnmarshalFromBytes(e.Blob, &blob); err != nil {
		return KeyInfo{}, xerrors.Errorf("cannot unmarshal blob for %v: %w", e.UUID, err)
	}
	return KeyInfo{
		UUID:           e.UUID,
		Location:       location,
		ParentUUID:     e.ParentUUID,
		ParentLocation: PSLocation(e.ParentLocation),
		Usage:          blob.KeyUsage,
		Flags:          blob.KeyFlags,
		AuthUsage:      blob.AuthDataUsage}, nil
}

// RegisterKey records the blob of key in persistent storage at location with the UUID id.
// The parent of the key is identified by parentID in parentLocation, and must already be
// registered unless it is the SRK.
func (c *Context) RegisterKey(key *Key, location PSLocation, id uuid.UUID, parentLocation PSLocation, parentID uuid.UUID) error {
	const op = "RegisterKey"
	if err := c.checkObject(op, key); err != nil {
		return err
	}
	store, err := c.store(op, "location", location)
	if err != nil {
		return err
	}
	if _, err := c.store(op, "parentLocation", parentLocation); err != nil {
		return err
	}
	if id == uuid.Nil {
		return makeInvalidArgError(op, "uuid", "nil UUID")
	}
	if isSRK(location, id) {
		return newError(ErrorKindKeyAlreadyRegistered, op, "the SRK UUID is reserved")
	}

	blob := key.currentBlob()
	if blob == nil {
		return makeInvalidArgError(op, "key", "key has no blob")
	}

	if !isSRK(parentLocation, parentID) {
		if _, err := c.lookupEntry(op, parentLocation, parentID); err != nil {
			return err
		}
	}

	err = store.Put(&ps.Entry{
		UUID:           id,
		ParentUUID:     parentID,
		ParentLocation: uint32(parentLocation),
		Blob:           mu.MustMarshalToBytes(blob)})
	switch {
	case xerrors.Is(err, ps.ErrAlreadyExists):
		return newError(ErrorKindKeyAlreadyRegistered, op, fmt.Sprintf("a key is already registered with UUID %v in %v storage", id, location))
	case err != nil:
		return xerrors.Errorf("cannot write to %v storage: %w", location, err)
	}

	key.mu.Lock()
	key.uuid = id
	key.location = location
	key.mu.Unlock()

	c.logger.WithField("uuid", id).WithField("location", location).Debug("registered key")
	return nil
}

// UnregisterKey removes the key registered with the UUID id from persistent storage at
// location. Keys registered beneath it remain registered, but can't be loaded by UUID.
func (c *Context) UnregisterKey(location PSLocation, id uuid.UUID) error {
	const op = "UnregisterKey"
	if err := c.checkOpen(op); err != nil {
		return err
	}
	store, err := c.store(op, "location", location)
	if err != nil {
		return err
	}
	if id == uuid.Nil {
		return makeInvalidArgError(op, "uuid", "nil UUID")
	}
	if isSRK(location, id) {
		return makeInvalidArgError(op, "uuid", "the SRK can't be unregistered")
	}

	err = store.Delete(id)
	switch {
	case xerrors.Is(err, ps.ErrNotFound):
		return newError(ErrorKindPSKeyNotFound, op, fmt.Sprintf("no key registered with UUID %v in %v storage", id, location))
	case err != nil:
		return xerrors.Errorf("cannot write to %v storage: %w", location, err)
	}

	c.logger.WithField("uuid", id).WithField("location", location).Debug("unregistered key")
	return nil
}

// GetRegisteredKeysByUUID returns information about the key registered with the UUID id at
// location, followed by each of its ancestors up to and including the SRK.
func (c *Context) GetRegisteredKeysByUUID(location PSLocation, id uuid.UUID) ([]KeyInfo, error) {
	const op = "GetRegisteredKeysByUUID"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	if _, err := c.store(op, "location", location); err != nil {
		return nil, err
	}
	if id == uuid.Nil {
		return nil, makeInvalidArgError(op, "uuid", "nil UUID")
	}

	var out []KeyInfo
	seen := make(map[PSLocation]map[uuid.UUID]bool)
	for !isSRK(location, id) {
		if seen[location][id] {
			return nil, newError(ErrorKindInternal, op, fmt.Sprintf("cycle in registered key hierarchy at %v", id))
		}
		if seen[location] == nil {
			seen[location] = make(map[uuid.UUID]bool)
		}
		seen[location][id] = true

		e, err := c.lookupEntry(op, location, id)
		if err != nil {
			return nil, err
		}
		info, err := entryInfo(location, e)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
		location = PSLocation(e.ParentLocation)
		id = e.ParentUUID
	}
	return append(out, c.srkInfo()), nil
}

// GetRegisteredKeys returns information about every key registered at location. The SRK is
// included for system storage.
func (c *Context) GetRegisteredKeys(location PSLocation) ([]KeyInfo, error) {
	const op = "GetRegisteredKeys"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	store, err := c.store(op, "location", location)
	if err != nil {
		return nil, err
	}

	entries, err := store.List()
	if err != nil {
		return nil, xerrors.Errorf("cannot read from %v storage: %w", location, err)
	}

	var out []KeyInfo
	if location == PSLocationSystem {
		out = append(out, c.srkInfo())
	}
	for _, e := range entries {
		info, err := entryInfo(location, e)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// findRegisteredKey returns an open key object that was registered or obtained with the
// specified UUID.
func (c *Context) findRegisteredKey(location PSLocation, id uuid.UUID) *Key {
	if isSRK(location, id) {
		return c.keys.srk
	}
	for _, h := range c.Objects(ObjectTypeKey) {
		o, err := c.Object(h)
		if err != nil {
			continue
		}
		k := o.(*Key)
		if kid, kloc := k.UUID(); kid == id && kloc == location {
			return k
		}
	}
	return nil
}

// GetKeyByUUID returns a key object for the key registered with the UUID id at location,
// along with objects for its ancestors. The key isn't loaded until it is used. If an object
// for the key is already open, that object is returned.
func (c *Context) GetKeyByUUID(location PSLocation, id uuid.UUID) (*Key, error) {
	const op = "GetKeyByUUID"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	if _, err := c.store(op, "location", location); err != nil {
		return nil, err
	}
	if id == uuid.Nil {
		return nil, makeInvalidArgError(op, "uuid", "nil UUID")
	}
	return c.getKeyByUUID(op, location, id, 0)
}

func (c *Context) getKeyByUUID(op string, location PSLocation, id uuid.UUID, depth int) (*Key, error) {
	if k := c.findRegisteredKey(location, id); k != nil {
		return k, nil
	}
	if depth > 64 {
		return nil, newError(ErrorKindInternal, op, "registered key hierarchy is too deep")
	}

	e, err := c.lookupEntry(op, location, id)
	if err != nil {
		return nil, err
	}
	var blob Key12
	if _, err := mu.UnmarshalFromBytes(e.Blob, &blob); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal blob for %v: %w", id, err)
	}

	parent, err := c.getKeyByUUID(op, PSLocation(e.ParentLocation), e.ParentUUID, depth+1)
	if err != nil {
		return nil, err
	}

	k := c.newKeyFromBlob(&blob)
	k.mu.Lock()
	k.uuid = id
	k.location = location
	k.mu.Unlock()
	c.keys.setParent(k, parent)
	return k, nil
}

// LoadKeyByUUID is like GetKeyByUUID, but it also loads the key and its ancestors.
func (c *Context) LoadKeyByUUID(location PSLocation, id uuid.UUID) (*Key, error) {
	k, err := c.GetKeyByUUID(location, id)
	if err != nil {
		return nil, err
	}
	if _, err := c.keys.ensureLoaded(k); err != nil {
		return nil, err
	}
	return k, nil
}
