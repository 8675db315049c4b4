// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

type keyState int

const (
	keyNotLoaded keyState = iota
	keyLoaded
	keyEvicted
)

func (s keyState) String() string {
	switch s {
	case keyLoaded:
		return "loaded"
	case keyEvicted:
		return "evicted"
	default:
		return "not loaded"
	}
}

const noParent = -1

// keyCache tracks which keys are loaded on the TPM. Keys are held in an arena and refer to
// their parent by index. When the TPM has no space to load another key, the least recently
// used key that isn't pinned is evicted, and is reloaded transparently the next time that
// it is used.
type keyCache struct {
	context *Context

	mu    sync.Mutex
	keys  []*Key
	clock uint64
	srk   *Key
}

func newKeyCache(c *Context) *keyCache {
	return &keyCache{context: c}
}

func (kc *keyCache) addSRK() {
	srk := &Key{
		srk:       true,
		usage:     KeyUsageStorage,
		authUsage: AuthAlways,
		size:      2048,
		encScheme: EncSchemeRSAOAEPSHA1,
		sigScheme: SigSchemeNone,
		uuid:      SRKUUID,
		location:  PSLocationSystem}
	srk.usagePolicy = kc.context.defaultPolicy
	kc.context.addObject(srk, ObjectTypeKey)
	kc.add(srk)
	srk.state = keyLoaded
	srk.tpmHandle = HandleSRK
	kc.srk = srk
}

func (kc *keyCache) add(k *Key) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	k.index = len(kc.keys)
	k.parent = noParent
	kc.keys = append(kc.keys, k)
}

func (kc *keyCache) remove(k *Key) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	var err error
	if k.state == keyLoaded && !k.srk {
		err = kc.flushLocked(k)
	}
	kc.keys[k.index] = nil
	return err
}

func (kc *keyCache) parentOf(k *Key) *Key {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	return kc.parentLocked(k)
}

func (kc *keyCache) parentLocked(k *Key) *Key {
	if k.parent == noParent || k.parent >= len(kc.keys) {
		return nil
	}
	return kc.keys[k.parent]
}

func (kc *keyCache) setParent(k, parent *Key) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	k.parent = parent.index
}

func (kc *keyCache) touchLocked(k *Key) {
	kc.clock++
	k.lastUsed = kc.clock
}

// ensureLoaded loads k if necessary and returns its TPM handle.
func (kc *keyCache) ensureLoaded(k *Key) (Handle, error) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	return kc.loadLocked(k)
}

// acquire loads the supplied keys and pins them along with their ancestors, so that they
// aren't evicted until the returned function is called.
func (kc *keyCache) acquire(keys ...*Key) (handles []Handle, release func(), err error) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	var pinned []*Key
	release = func() {
		kc.mu.Lock()
		defer kc.mu.Unlock()
		for _, k := range pinned {
			k.pins--
		}
	}
	unpinLocked := func() {
		for _, k := range pinned {
			k.pins--
		}
	}

	for _, k := range keys {
		h, err := kc.loadLocked(k)
		if err != nil {
			unpinLocked()
			return nil, nil, err
		}
		handles = append(handles, h)
		for p := k; p != nil; p = kc.parentLocked(p) {
			p.pins++
			pinned = append(pinned, p)
		}
	}

	return handles, release, nil
}

func (kc *keyCache) loadLocked(k *Key) (Handle, error) {
	const op = "LoadKey"

	if k.srk {
		return HandleSRK, nil
	}
	if k.state == keyLoaded {
		kc.touchLocked(k)
		return k.tpmHandle, nil
	}

	k.mu.Lock()
	blob := k.blob
	k.mu.Unlock()
	if blob == nil {
		return HandleNull, newError(ErrorKindKeyNotLoaded, op, "key has no blob")
	}

	parent := kc.parentLocked(k)
	if parent == nil {
		return HandleNull, newError(ErrorKindKeyNotLoaded, op, "key has no parent")
	}
	if err := checkValid(op, parent); err != nil {
		return HandleNull, newError(ErrorKindKeyNotLoaded, op, "parent key is not valid")
	}

	parent.pins++
	defer func() { parent.pins-- }()

	parentHandle, err := kc.loadLocked(parent)
	if err != nil {
		return HandleNull, xerrors.Errorf("cannot load parent key: %w", err)
	}

	for {
		h, err := kc.runLoad(op, parent, parentHandle, blob)
		if err == nil {
			k.state = keyLoaded
			k.tpmHandle = h
			kc.touchLocked(k)
			kc.context.logger.WithFields(logrus.Fields{"handle": h, "parent": parentHandle}).Debug("loaded key")
			return h, nil
		}
		if !IsTPMError(err, ErrorNoSpace, CommandLoadKey2) {
			return HandleNull, err
		}
		if !kc.evictLocked() {
			return HandleNull, err
		}
	}
}

func (kc *keyCache) runLoad(op string, parent *Key, parentHandle Handle, blob *Key12) (Handle, error) {
	cmd := kc.context.StartCommand(CommandLoadKey2).AddHandles(parentHandle).AddParams(blob)

	auth, err := parent.authorizeUsage(op, parentHandle, false)
	if err != nil {
		return HandleNull, err
	}
	defer auth.end()
	cmd.addAuths(auth)

	var h Handle
	if err := cmd.Run(&h); err != nil {
		return HandleNull, err
	}
	return h, nil
}

// evictLocked flushes the least recently used loaded key that isn't pinned.
func (kc *keyCache) evictLocked() bool {
	var victim *Key
	for _, k := range kc.keys {
		if k == nil || k.srk || k.state != keyLoaded || k.pins > 0 {
			continue
		}
		if victim == nil || k.lastUsed < victim.lastUsed {
			victim = k
		}
	}
	if victim == nil {
		return false
	}

	if err := kc.flushLocked(victim); err != nil {
		kc.context.logger.WithError(err).Warn("cannot evict key")
		return false
	}
	victim.state = keyEvicted
	kc.context.metrics.eviction()
	kc.context.logger.WithField("index", victim.index).Debug("evicted key")
	return true
}

func (kc *keyCache) flushLocked(k *Key) error {
	err := kc.context.flushSpecific(k.tpmHandle, ResourceKey)
	k.state = keyNotLoaded
	k.tpmHandle = HandleNull
	return err
}

func (kc *keyCache) unload(k *Key) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if k.srk {
		return newError(ErrorKindInvalidObjectAccess, "UnloadKey", "the SRK is always resident")
	}
	if k.state != keyLoaded {
		k.state = keyNotLoaded
		return nil
	}
	if k.pins > 0 {
		return newError(ErrorKindInvalidObjectAccess, "UnloadKey", "key is in use")
	}
	return kc.flushLocked(k)
}

// invalidate forgets the loaded instance of k after its blob has changed.
func (kc *keyCache) invalidate(k *Key) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if k.state != keyLoaded || k.srk {
		k.state = keyNotLoaded
		return nil
	}
	return kc.flushLocked(k)
}

func (kc *keyCache) flushAll() error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	var result *multierror.Error
	for _, k := range kc.keys {
		if k == nil || k.srk || k.state != keyLoaded {
			continue
		}
		if err := kc.flushLocked(k); err != nil {
			result = multierror.Append(result, xerrors.Errorf("cannot flush key %d: %w", k.index, err))
		}
	}
	return result.ErrorOrNil()
}

func (kc *keyCache) stateOf(k *Key) keyState {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	return k.state
}

func (kc *keyCache) handleOf(k *Key) Handle {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if k.state != keyLoaded {
		return HandleNull
	}
	return k.tpmHandle
}

func (kc *keyCache) String() string {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	loaded := 0
	for _, k := range kc.keys {
		if k != nil && k.state == keyLoaded {
			loaded++
		}
	}
	return fmt.Sprintf("keyCache{keys: %d, loaded: %d}", len(kc.keys), loaded)
}
