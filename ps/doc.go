/*
Package ps provides persistent storage for registered key blobs.

Each registered key is an Entry identified by a UUID. An entry records the UUID and storage
location of its parent, so that a key hierarchy can be reconstructed by walking from a key to
the storage root key. Stores don't validate the hierarchy: a parent can be removed before its
children.

OpenBoltStore returns a durable store backed by a bbolt database file. NewMemoryStore returns
a volatile store, which is useful for tests.
*/
package ps
