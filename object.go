// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"fmt"
)

// ObjectHandle is an opaque handle that identifies an object within a Context.
type ObjectHandle uint32

// InvalidObjectHandle is a sentinel value that never identifies an object.
const InvalidObjectHandle ObjectHandle = 0xffffffff

// ObjectType identifies the type of an object.
type ObjectType int

const (
	ObjectTypeTPM ObjectType = iota + 1
	ObjectTypeKey
	ObjectTypePolicy
	ObjectTypeEncData
	ObjectTypePCRComposite
	ObjectTypeHash
	ObjectTypeNVStore
	ObjectTypeDelegationFamily
	ObjectTypeMigrationData
)

func (t ObjectType) String() string {
	switch t {
	case ObjectTypeTPM:
		return "TPM"
	case ObjectTypeKey:
		return "Key"
	case ObjectTypePolicy:
		return "Policy"
	case ObjectTypeEncData:
		return "EncData"
	case ObjectTypePCRComposite:
		return "PCRComposite"
	case ObjectTypeHash:
		return "Hash"
	case ObjectTypeNVStore:
		return "NVStore"
	case ObjectTypeDelegationFamily:
		return "DelegationFamily"
	case ObjectTypeMigrationData:
		return "MigrationData"
	default:
		return fmt.Sprintf("ObjectType(%d)", int(t))
	}
}

// Object is implemented by every object that is created through a Context.
type Object interface {
	// Handle returns the handle of this object, which is unique within its context.
	Handle() ObjectHandle

	// Type returns the type of this object.
	Type() ObjectType

	// Context returns the context that this object was created through.
	Context() *Context

	// Close removes this object from its context. It can't be used afterwards.
	Close() error

	// GetAttribUint32 returns the value of the numeric attribute identified by flag and
	// subFlag.
	GetAttribUint32(flag AttribFlag, subFlag AttribSubFlag) (uint32, error)

	// SetAttribUint32 sets the value of the numeric attribute identified by flag and
	// subFlag.
	SetAttribUint32(flag AttribFlag, subFlag AttribSubFlag, value uint32) error

	// GetAttribData returns the value of the data attribute identified by flag and subFlag.
	GetAttribData(flag AttribFlag, subFlag AttribSubFlag) ([]byte, error)

	// SetAttribData sets the value of the data attribute identified by flag and subFlag.
	SetAttribData(flag AttribFlag, subFlag AttribSubFlag, data []byte) error

	base() *objectBase
}

type objectBase struct {
	context *Context
	handle  ObjectHandle
	typ     ObjectType
	closed  bool
}

func (b *objectBase) Handle() ObjectHandle {
	if b == nil {
		return InvalidObjectHandle
	}
	return b.handle
}

func (b *objectBase) Type() ObjectType {
	return b.typ
}

func (b *objectBase) Context() *Context {
	return b.context
}

func (c *Context) addObject(o Object, typ ObjectType) {
	c.objMu.Lock()
	defer c.objMu.Unlock()

	b := o.base()
	b.context = c
	b.typ = typ
	b.handle = c.nextHandle
	c.nextHandle++
	if c.nextHandle == InvalidObjectHandle {
		c.nextHandle = 1
	}
	c.objects[b.handle] = o
}

func (c *Context) removeObject(op string, o Object) error {
	if err := c.checkObject(op, o); err != nil {
		return err
	}

	c.objMu.Lock()
	defer c.objMu.Unlock()

	b := o.base()
	b.closed = true
	delete(c.objects, b.handle)
	return nil
}

// checkObject returns an error if o is nil, has been closed or was created through another
// context.
func (c *Context) checkObject(op string, o Object) error {
	if o == nil {
		return newError(ErrorKindInvalidHandle, op, "nil object")
	}
	b := o.base()
	if b == nil {
		return newError(ErrorKindInvalidHandle, op, "nil object")
	}

	c.objMu.Lock()
	defer c.objMu.Unlock()

	switch {
	case c.closed:
		return newError(ErrorKindInvalidHandle, op, "context is closed")
	case b.context != c:
		return newError(ErrorKindInvalidHandle, op, "object belongs to another context")
	case b.closed:
		return newError(ErrorKindInvalidHandle, op, fmt.Sprintf("%s object has been closed", b.typ))
	}
	return nil
}

// checkValid returns an error if o is nil, has been closed or its context has been closed.
func checkValid(op string, o Object) error {
	if o == nil {
		return newError(ErrorKindInvalidHandle, op, "nil object")
	}
	b := o.base()
	if b == nil || b.context == nil {
		return newError(ErrorKindInvalidHandle, op, "invalid object")
	}
	return b.context.checkObject(op, o)
}

// Object returns the object with the specified handle.
func (c *Context) Object(handle ObjectHandle) (Object, error) {
	const op = "Object"
	if handle == InvalidObjectHandle {
		return nil, newError(ErrorKindInvalidHandle, op, "")
	}

	c.objMu.Lock()
	defer c.objMu.Unlock()

	if c.closed {
		return nil, newError(ErrorKindInvalidHandle, op, "context is closed")
	}
	o, ok := c.objects[handle]
	if !ok {
		return nil, newError(ErrorKindInvalidHandle, op, fmt.Sprintf("no object with handle 0x%08x", uint32(handle)))
	}
	return o, nil
}

// Objects returns the handles of every open object of the specified type.
func (c *Context) Objects(typ ObjectType) (out []ObjectHandle) {
	c.objMu.Lock()
	defer c.objMu.Unlock()

	for h, o := range c.objects {
		if o.base().typ == typ {
			out = append(out, h)
		}
	}
	return out
}
