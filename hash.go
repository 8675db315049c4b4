// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"hash"
	"sync"

	"golang.org/x/xerrors"
)

// HashType describes the algorithm of a Hash object.
type HashType uint32

const (
	// HashTypeSHA1 is a SHA-1 digest, which can be computed with UpdateHashValue.
	HashTypeSHA1 HashType = 1

	// HashTypeOther is an opaque value that is signed as it is, for keys with the
	// SigSchemeRSAPKCSv15DER scheme.
	HashTypeOther HashType = 0xffffffff
)

// Hash holds a value to be signed by a key on the TPM, or to be verified against a
// signature.
type Hash struct {
	objectBase
	typ HashType

	mu    sync.Mutex
	h     hash.Hash
	value []byte
}

func (h *Hash) base() *objectBase {
	if h == nil {
		return nil
	}
	return &h.objectBase
}

// CreateHash creates a new Hash object of the specified type with no value.
func (c *Context) CreateHash(typ HashType) (*Hash, error) {
	const op = "CreateHash"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	switch typ {
	case HashTypeSHA1, HashTypeOther:
	default:
		return nil, newError(ErrorKindInvalidObjectInitFlag, op, fmt.Sprintf("invalid type 0x%08x", uint32(typ)))
	}

	h := &Hash{typ: typ}
	c.addObject(h, ObjectTypeHash)
	return h, nil
}

// Close removes this object from its context.
func (h *Hash) Close() error {
	if err := checkValid("Close", h); err != nil {
		return err
	}
	return h.context.removeObject("Close", h)
}

// SetHashValue sets the value of this object. A SHA-1 value must be 20 bytes.
func (h *Hash) SetHashValue(value []byte) error {
	const op = "SetHashValue"
	if err := checkValid(op, h); err != nil {
		return err
	}
	if h.typ == HashTypeSHA1 && len(value) != sha1.Size {
		return makeInvalidArgError(op, "value", fmt.Sprintf("invalid length (%d bytes)", len(value)))
	}
	if len(value) == 0 {
		return makeInvalidArgError(op, "value", "empty value")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.h = nil
	h.value = append([]byte(nil), value...)
	return nil
}

// UpdateHashValue hashes data into the value of this object, which must be a SHA-1 hash.
func (h *Hash) UpdateHashValue(data []byte) error {
	const op = "UpdateHashValue"
	if err := checkValid(op, h); err != nil {
		return err
	}
	if h.typ != HashTypeSHA1 {
		return newError(ErrorKindInvalidObjectType, op, "only SHA-1 hashes can be updated")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.h == nil {
		h.h = sha1.New()
	}
	h.h.Write(data)
	h.value = h.h.Sum(nil)
	return nil
}

// HashValue returns the value of this object.
func (h *Hash) HashValue() ([]byte, error) {
	const op = "GetHashValue"
	if err := checkValid(op, h); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.value) == 0 {
		return nil, newError(ErrorKindInvalidObjectAccess, op, "hash has no value")
	}
	return append([]byte(nil), h.value...), nil
}

// Sign signs the value of this object with key, which must be a signing or legacy key.
func (h *Hash) Sign(key *Key) ([]byte, error) {
	const op = "Sign"
	if err := checkValid(op, h); err != nil {
		return nil, err
	}
	value, err := h.HashValue()
	if err != nil {
		return nil, err
	}
	c := h.context
	if err := c.checkObject(op, key); err != nil {
		return nil, err
	}

	handles, release, err := c.keys.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	auth, err := key.authorizeUsage(op, handles[0], false)
	if err != nil {
		return nil, err
	}
	defer auth.end()

	var sig []byte
	if err := c.StartCommand(CommandSign).AddHandles(handles[0]).
		AddParams(value).
		addAuths(auth).
		Run(&sig); err != nil {
		return nil, err
	}
	return sig, nil
}

// VerifySignature verifies sig against the value of this object with the public part of
// key. This happens on the client. An invalid signature is reported as an
// ErrorKindBadParameter error for "signature".
func (h *Hash) VerifySignature(key *Key, sig []byte) error {
	const op = "VerifySignature"
	if err := checkValid(op, h); err != nil {
		return err
	}
	value, err := h.HashValue()
	if err != nil {
		return err
	}
	if err := h.context.checkObject(op, key); err != nil {
		return err
	}

	pub, err := key.PublicKey()
	if err != nil {
		return xerrors.Errorf("cannot obtain public key: %w", err)
	}

	hashAlg := crypto.SHA1
	if h.typ == HashTypeOther {
		hashAlg = 0
	}
	if err := rsa.VerifyPKCS1v15(pub, hashAlg, value, sig); err != nil {
		return makeInvalidArgError(op, "signature", err.Error())
	}
	return nil
}

// GetAttribUint32 implements Object.GetAttribUint32. Hash objects have no attributes.
func (h *Hash) GetAttribUint32(flag AttribFlag, subFlag AttribSubFlag) (uint32, error) {
	if err := checkValid(opGetAttribUint32, h); err != nil {
		return 0, err
	}
	return 0, invalidAttribFlagError(opGetAttribUint32, ObjectTypeHash, flag)
}

// SetAttribUint32 implements Object.SetAttribUint32. Hash objects have no attributes.
func (h *Hash) SetAttribUint32(flag AttribFlag, subFlag AttribSubFlag, value uint32) error {
	if err := checkValid(opSetAttribUint32, h); err != nil {
		return err
	}
	return invalidAttribFlagError(opSetAttribUint32, ObjectTypeHash, flag)
}

// GetAttribData implements Object.GetAttribData. Hash objects have no attributes.
func (h *Hash) GetAttribData(flag AttribFlag, subFlag AttribSubFlag) ([]byte, error) {
	if err := checkValid(opGetAttribData, h); err != nil {
		return nil, err
	}
	return nil, invalidAttribFlagError(opGetAttribData, ObjectTypeHash, flag)
}

// SetAttribData implements Object.SetAttribData. Hash objects have no attributes.
func (h *Hash) SetAttribData(flag AttribFlag, subFlag AttribSubFlag, data []byte) error {
	if err := checkValid(opSetAttribData, h); err != nil {
		return err
	}
	return invalidAttribFlagError(opSetAttribData, ObjectTypeHash, flag)
}
